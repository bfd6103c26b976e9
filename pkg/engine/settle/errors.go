package settle

import "errors"

var (
	// ErrOrderNotFound rejects operations against an unknown order ID.
	ErrOrderNotFound = errors.New("order not found")

	// ErrStaleState rejects a request whose expected order version no
	// longer matches; the caller raced another mutation and should re-read.
	ErrStaleState = errors.New("stale order state")

	// ErrSlippageExceeded rejects a fill whose required output exceeds the
	// taker's stated cap.
	ErrSlippageExceeded = errors.New("slippage exceeded")

	// ErrBlocked rejects operations disabled by the current admin policy
	// (emergency mode or a per-operation block).
	ErrBlocked = errors.New("operation blocked by admin policy")
)
