package order

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Fill is the immutable record of one settled fill, kept for queries and
// streamed to websocket subscribers.
type Fill struct {
	ID      string         `json:"id"`
	OrderID string         `json:"order_id"`
	Taker   common.Address `json:"taker"`

	InputConsumed uint64 `json:"input_consumed"`
	OutputPaid    uint64 `json:"output_paid"` // total output the taker paid
	MakerNet      uint64 `json:"maker_net"`   // output delivered to the maker
	Fee           uint64 `json:"fee"`
	Rebate        uint64 `json:"rebate"`

	RemainingAfter uint64 `json:"remaining_after"`
	Completed      bool   `json:"completed"`

	Timestamp int64 `json:"timestamp"`
}

// NewFill stamps a settled fill with a fresh ID.
func NewFill(orderID string, taker common.Address, inputConsumed, outputPaid, makerNet, fee, rebate, remainingAfter uint64, ts int64) *Fill {
	return &Fill{
		ID:             uuid.New().String(),
		OrderID:        orderID,
		Taker:          taker,
		InputConsumed:  inputConsumed,
		OutputPaid:     outputPaid,
		MakerNet:       makerNet,
		Fee:            fee,
		Rebate:         rebate,
		RemainingAfter: remainingAfter,
		Completed:      remainingAfter == 0,
		Timestamp:      ts,
	}
}
