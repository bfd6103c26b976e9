package order

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the lifecycle state of an order.
type Status uint8

const (
	StatusActive Status = iota
	StatusFilled
	StatusCancelled
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusFilled:
		return "filled"
	case StatusCancelled:
		return "cancelled"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Order is a maker's escrowed limit order. The limit rate is expressed as
// the rational ExpectedOutput/InitialInput: every fill must pay at least
// ceil(inputConsumed * ExpectedOutput / InitialInput) of the output asset.
// All amounts are integer base units; no floats anywhere.
type Order struct {
	ID    string         // format: {maker}-ord-{nonce}-{timestamp}
	Maker common.Address

	InputAsset  string // asset escrowed by the maker (e.g. "SOL")
	OutputAsset string // asset the maker wants (e.g. "USDC")

	InitialInput   uint64 // original escrowed amount
	ExpectedOutput uint64 // minimum total output for a full fill
	RemainingInput uint64 // unfilled portion still escrowed
	FilledOutput   uint64 // cumulative output paid to the maker
	FillCount      uint64

	Status Status

	CreatedAt     int64 // Unix seconds
	ExpiresAt     int64
	LastUpdatedAt int64

	Referrer     *common.Address // optional rebate recipient
	Counterparty *common.Address // optional designated taker

	// Permissionless orders may be filled without a relay ticket.
	Permissionless bool

	// Version is bumped on every mutation; callers use it as an
	// optimistic-concurrency token.
	Version uint64
}

// New validates parameters and returns a fresh Active order.
func New(maker common.Address, inputAsset, outputAsset string, inputAmount, expectedOutput uint64, expiresAt int64, now time.Time) (*Order, error) {
	if inputAmount == 0 {
		return nil, fmt.Errorf("%w: input amount must be positive", ErrInvalidParameters)
	}
	if expectedOutput == 0 {
		return nil, fmt.Errorf("%w: expected output must be positive", ErrInvalidParameters)
	}
	if inputAsset == "" || outputAsset == "" {
		return nil, fmt.Errorf("%w: asset symbols must be non-empty", ErrInvalidParameters)
	}
	if inputAsset == outputAsset {
		return nil, fmt.Errorf("%w: input and output asset must differ", ErrInvalidParameters)
	}
	if expiresAt <= now.Unix() {
		return nil, fmt.Errorf("%w: expiry %d is not in the future", ErrInvalidParameters, expiresAt)
	}

	nonce := uint64(now.UnixNano())
	return &Order{
		ID:             fmt.Sprintf("%s-ord-%d-%d", maker.Hex(), nonce, now.Unix()),
		Maker:          maker,
		InputAsset:     inputAsset,
		OutputAsset:    outputAsset,
		InitialInput:   inputAmount,
		ExpectedOutput: expectedOutput,
		RemainingInput: inputAmount,
		Status:         StatusActive,
		CreatedAt:      now.Unix(),
		ExpiresAt:      expiresAt,
		LastUpdatedAt:  now.Unix(),
		Version:        1,
	}, nil
}

// FilledInput returns the cumulative input consumed by fills.
func (o *Order) FilledInput() uint64 {
	return o.InitialInput - o.RemainingInput
}

// IsTerminal reports whether the order can no longer change.
func (o *Order) IsTerminal() bool {
	return o.Status != StatusActive
}

// IsExpired reports whether now is past the order's expiry.
func (o *Order) IsExpired(now int64) bool {
	return now > o.ExpiresAt
}

// AllowsTaker reports whether taker may fill this order given the optional
// counterparty restriction.
func (o *Order) AllowsTaker(taker common.Address) bool {
	return o.Counterparty == nil || *o.Counterparty == taker
}

// ApplyFill consumes inputConsumed from the remaining amount and credits
// outputOwed to the filled-output total. Transitions to Filled when the
// remainder hits zero. Callers must have bounded inputConsumed already;
// the checks here are the last line of defense.
func (o *Order) ApplyFill(inputConsumed, outputOwed uint64, now int64) error {
	if o.Status != StatusActive {
		return fmt.Errorf("%w: cannot fill order in status %s", ErrInvalidState, o.Status)
	}
	if inputConsumed == 0 {
		return fmt.Errorf("%w: fill input must be positive", ErrInvalidParameters)
	}
	if inputConsumed > o.RemainingInput {
		return fmt.Errorf("%w: fill input %d exceeds remaining %d", ErrOverflow, inputConsumed, o.RemainingInput)
	}
	if o.FilledOutput > ^uint64(0)-outputOwed {
		return fmt.Errorf("%w: filled output accumulator", ErrOverflow)
	}

	o.RemainingInput -= inputConsumed
	o.FilledOutput += outputOwed
	o.FillCount++
	if o.RemainingInput == 0 {
		o.Status = StatusFilled
	}
	o.LastUpdatedAt = now
	o.Version++
	return nil
}

// MarkCancelled transitions a non-terminal order to Cancelled.
func (o *Order) MarkCancelled(now int64) error {
	if o.IsTerminal() {
		return fmt.Errorf("%w: cannot cancel order in status %s", ErrInvalidState, o.Status)
	}
	o.Status = StatusCancelled
	o.LastUpdatedAt = now
	o.Version++
	return nil
}

// MarkExpired transitions an Active order past its expiry to Expired.
func (o *Order) MarkExpired(now int64) error {
	if o.IsTerminal() {
		return fmt.Errorf("%w: cannot expire order in status %s", ErrInvalidState, o.Status)
	}
	if !o.IsExpired(now) {
		return fmt.Errorf("%w: order not past expiry (now=%d expires=%d)", ErrInvalidState, now, o.ExpiresAt)
	}
	o.Status = StatusExpired
	o.LastUpdatedAt = now
	o.Version++
	return nil
}

// Update amends the limit and/or expiry of an Active order. Zero values
// leave the corresponding field unchanged.
type Update struct {
	ExpectedOutput    uint64
	ExpiresAt         int64
	Counterparty      *common.Address // set designated taker; nil = unchanged
	ClearCounterparty bool
	Permissionless    *bool
}

// ApplyUpdate mutates the order terms. Only valid while Active.
func (o *Order) ApplyUpdate(u Update, now int64) error {
	if o.Status != StatusActive {
		return fmt.Errorf("%w: cannot update order in status %s", ErrInvalidState, o.Status)
	}
	if u.ExpectedOutput > 0 {
		o.ExpectedOutput = u.ExpectedOutput
	}
	if u.ExpiresAt > 0 {
		if u.ExpiresAt <= now {
			return fmt.Errorf("%w: new expiry %d is not in the future", ErrInvalidParameters, u.ExpiresAt)
		}
		o.ExpiresAt = u.ExpiresAt
	}
	if u.ClearCounterparty {
		o.Counterparty = nil
	} else if u.Counterparty != nil {
		cp := *u.Counterparty
		o.Counterparty = &cp
	}
	if u.Permissionless != nil {
		o.Permissionless = *u.Permissionless
	}
	o.LastUpdatedAt = now
	o.Version++
	return nil
}

// Clone returns a deep copy, safe to hand to callers while the engine keeps
// mutating the original under its lock.
func (o *Order) Clone() *Order {
	c := *o
	if o.Referrer != nil {
		r := *o.Referrer
		c.Referrer = &r
	}
	if o.Counterparty != nil {
		cp := *o.Counterparty
		c.Counterparty = &cp
	}
	return &c
}

// Validate checks the order's internal invariants.
func (o *Order) Validate() error {
	if o.InitialInput == 0 {
		return fmt.Errorf("zero initial input")
	}
	if o.RemainingInput > o.InitialInput {
		return fmt.Errorf("remaining %d exceeds initial %d", o.RemainingInput, o.InitialInput)
	}
	if o.Status == StatusFilled && o.RemainingInput != 0 {
		return fmt.Errorf("filled order with remaining %d", o.RemainingInput)
	}
	if o.Status == StatusActive && o.RemainingInput == 0 {
		return fmt.Errorf("active order with zero remaining")
	}
	return nil
}
