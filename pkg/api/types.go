package api

import (
	"github.com/yoonpark/limitd/pkg/engine/order"
	"github.com/yoonpark/limitd/pkg/engine/permit"
)

// ==============================
// Request types
// ==============================

// CreateOrderRequest carries a maker's signed create intent.
type CreateOrderRequest struct {
	InputAsset     string `json:"input_asset"`
	OutputAsset    string `json:"output_asset"`
	InputAmount    uint64 `json:"input_amount"`
	ExpectedOutput uint64 `json:"expected_output"`
	ExpiresAt      int64  `json:"expires_at"`
	Referrer       string `json:"referrer,omitempty"`     // hex address, empty = none
	Counterparty   string `json:"counterparty,omitempty"` // hex address, empty = unrestricted
	Permissionless bool   `json:"permissionless"`
	Nonce          uint64 `json:"nonce"`
	Maker          string `json:"maker"`
	Signature      string `json:"signature"`
}

// FillOrderRequest carries a taker's signed fill intent plus the
// relay-issued permission ticket, if the order requires one.
type FillOrderRequest struct {
	OrderID     string         `json:"order_id"`
	InputAmount uint64         `json:"input_amount"`
	MinOutput   uint64         `json:"min_output,omitempty"`
	IfVersion   uint64         `json:"if_version,omitempty"`
	Nonce       uint64         `json:"nonce"`
	Taker       string         `json:"taker"`
	Signature   string         `json:"signature"`
	Ticket      *permit.Ticket `json:"ticket,omitempty"`
}

// CancelOrderRequest carries a maker's signed cancel intent.
type CancelOrderRequest struct {
	OrderID   string `json:"order_id"`
	Nonce     uint64 `json:"nonce"`
	Maker     string `json:"maker"`
	Signature string `json:"signature"`
}

// UpdateOrderRequest carries a maker's signed update intent. Zero values
// leave a field unchanged.
type UpdateOrderRequest struct {
	OrderID        string `json:"order_id"`
	ExpectedOutput uint64 `json:"expected_output,omitempty"`
	ExpiresAt      int64  `json:"expires_at,omitempty"`
	Counterparty   string `json:"counterparty,omitempty"`
	Permissionless bool   `json:"permissionless"`
	IfVersion      uint64 `json:"if_version,omitempty"`
	Nonce          uint64 `json:"nonce"`
	Maker          string `json:"maker"`
	Signature      string `json:"signature"`
}

// CloseOrderRequest closes one expired order. Permissionless crank.
type CloseOrderRequest struct {
	OrderID string `json:"order_id"`
}

// FaucetRequest credits a devnet balance.
type FaucetRequest struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
	Amount  uint64 `json:"amount"`
}

// ConfigUpdateRequest carries an admin policy change; nil fields are
// untouched. The admin signs the keccak hash of the JSON body and sends
// the signature in the X-Admin-Signature header.
type ConfigUpdateRequest struct {
	FeeBps           *uint16 `json:"fee_bps,omitempty"`
	ReferralBps      *uint16 `json:"referral_bps,omitempty"`
	FeeRecipient     *string `json:"fee_recipient,omitempty"`
	Admin            *string `json:"admin,omitempty"`
	OrderCloseDelay  *int64  `json:"order_close_delay,omitempty"`
	NewOrdersBlocked *bool   `json:"new_orders_blocked,omitempty"`
	TakingBlocked    *bool   `json:"taking_blocked,omitempty"`
	EmergencyMode    *bool   `json:"emergency_mode,omitempty"`
}

// ==============================
// Response types
// ==============================

// OrderInfo is the API view of one order.
type OrderInfo struct {
	ID             string `json:"id"`
	Maker          string `json:"maker"`
	InputAsset     string `json:"input_asset"`
	OutputAsset    string `json:"output_asset"`
	InitialInput   uint64 `json:"initial_input"`
	ExpectedOutput uint64 `json:"expected_output"`
	RemainingInput uint64 `json:"remaining_input"`
	FilledOutput   uint64 `json:"filled_output"`
	FillCount      uint64 `json:"fill_count"`
	Status         string `json:"status"`
	CreatedAt      int64  `json:"created_at"`
	ExpiresAt      int64  `json:"expires_at"`
	LastUpdatedAt  int64  `json:"last_updated_at"`
	Referrer       string `json:"referrer,omitempty"`
	Counterparty   string `json:"counterparty,omitempty"`
	Permissionless bool   `json:"permissionless"`
	Version        uint64 `json:"version"`
}

func orderInfo(o *order.Order) OrderInfo {
	info := OrderInfo{
		ID:             o.ID,
		Maker:          o.Maker.Hex(),
		InputAsset:     o.InputAsset,
		OutputAsset:    o.OutputAsset,
		InitialInput:   o.InitialInput,
		ExpectedOutput: o.ExpectedOutput,
		RemainingInput: o.RemainingInput,
		FilledOutput:   o.FilledOutput,
		FillCount:      o.FillCount,
		Status:         o.Status.String(),
		CreatedAt:      o.CreatedAt,
		ExpiresAt:      o.ExpiresAt,
		LastUpdatedAt:  o.LastUpdatedAt,
		Permissionless: o.Permissionless,
		Version:        o.Version,
	}
	if o.Referrer != nil {
		info.Referrer = o.Referrer.Hex()
	}
	if o.Counterparty != nil {
		info.Counterparty = o.Counterparty.Hex()
	}
	return info
}

// FillInfo is the API view of one settled fill; also the websocket
// payload on fills channels.
type FillInfo struct {
	Type           string `json:"type"` // "fill"
	ID             string `json:"id"`
	OrderID        string `json:"order_id"`
	Taker          string `json:"taker"`
	InputConsumed  uint64 `json:"input_consumed"`
	OutputPaid     uint64 `json:"output_paid"`
	MakerNet       uint64 `json:"maker_net"`
	Fee            uint64 `json:"fee"`
	Rebate         uint64 `json:"rebate"`
	RemainingAfter uint64 `json:"remaining_after"`
	Completed      bool   `json:"completed"`
	Timestamp      int64  `json:"timestamp"`
}

func fillInfo(f *order.Fill) FillInfo {
	return FillInfo{
		Type:           "fill",
		ID:             f.ID,
		OrderID:        f.OrderID,
		Taker:          f.Taker.Hex(),
		InputConsumed:  f.InputConsumed,
		OutputPaid:     f.OutputPaid,
		MakerNet:       f.MakerNet,
		Fee:            f.Fee,
		Rebate:         f.Rebate,
		RemainingAfter: f.RemainingAfter,
		Completed:      f.Completed,
		Timestamp:      f.Timestamp,
	}
}

// ConfigInfo is the API view of the fee policy.
type ConfigInfo struct {
	Version          uint64 `json:"version"`
	FeeBps           uint16 `json:"fee_bps"`
	ReferralBps      uint16 `json:"referral_bps"`
	FeeRecipient     string `json:"fee_recipient"`
	Admin            string `json:"admin"`
	OrderCloseDelay  int64  `json:"order_close_delay"`
	NewOrdersBlocked bool   `json:"new_orders_blocked"`
	TakingBlocked    bool   `json:"taking_blocked"`
	EmergencyMode    bool   `json:"emergency_mode"`
}

// BalanceInfo is one account balance.
type BalanceInfo struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
	Amount  uint64 `json:"amount"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WSSubscribeRequest is the client-to-server websocket control message.
// Channels: "fills:{orderID}" for one order, "fills:*" for everything.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" | "unsubscribe"
	Channels []string `json:"channels"`
}
