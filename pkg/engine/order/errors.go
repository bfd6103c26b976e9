package order

import "errors"

var (
	// ErrInvalidParameters rejects creation/update input that fails validation.
	ErrInvalidParameters = errors.New("invalid parameters")

	// ErrUnauthorized rejects a caller that is not the order's maker.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidState rejects an operation not valid for the current status.
	ErrInvalidState = errors.New("invalid order state")

	// ErrExpired rejects fills against an order past its expiry time.
	ErrExpired = errors.New("order expired")

	// ErrOverflow guards fill accounting against arithmetic overflow.
	ErrOverflow = errors.New("arithmetic overflow")
)
