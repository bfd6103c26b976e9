package permit

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/yoonpark/limitd/pkg/crypto"
	"github.com/yoonpark/limitd/pkg/engine/order"
)

var (
	// ErrPermissionDenied rejects a fill whose ticket is missing, malformed,
	// scoped to another order or taker, or signed by the wrong authority.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrPermissionExpired rejects a ticket outside its validity window.
	ErrPermissionExpired = errors.New("permission expired")
)

// Ticket is the wire form of an execution-right grant: the relay authority
// signs the payload off-process (it runs the auction), and the taker
// presents the result with their fill.
type Ticket struct {
	OrderID    string `json:"order_id"`
	Taker      string `json:"taker"`
	ValidAfter int64  `json:"valid_after"`
	ValidUntil int64  `json:"valid_until"`
	Nonce      uint64 `json:"nonce"`
	Signature  string `json:"signature"` // hex, 65 bytes
}

// Gate decides whether a taker may fill an order. Verification is
// stateless: the engine keeps no taker allowlist, only the authority's
// address.
type Gate struct {
	authority common.Address
	signer    *crypto.TicketSigner
}

func NewGate(authority common.Address, domain crypto.Domain) *Gate {
	return &Gate{
		authority: authority,
		signer:    crypto.NewTicketSigner(domain),
	}
}

// Authority returns the relay address whose tickets the gate accepts.
func (g *Gate) Authority() common.Address {
	return g.authority
}

// Verify checks a taker's right to fill o at time now. Permissionless
// orders pass without a ticket (subject to the counterparty restriction,
// which applies either way).
func (g *Gate) Verify(o *order.Order, taker common.Address, ticket *Ticket, now int64) error {
	if !o.AllowsTaker(taker) {
		return fmt.Errorf("%w: taker %s is not the designated counterparty", ErrPermissionDenied, taker.Hex())
	}
	if o.Permissionless {
		return nil
	}
	if ticket == nil {
		return fmt.Errorf("%w: order %s requires a permission ticket", ErrPermissionDenied, o.ID)
	}
	if ticket.OrderID != o.ID {
		return fmt.Errorf("%w: ticket is scoped to order %s", ErrPermissionDenied, ticket.OrderID)
	}
	if common.HexToAddress(ticket.Taker) != taker {
		return fmt.Errorf("%w: ticket grants taker %s", ErrPermissionDenied, ticket.Taker)
	}
	if now < ticket.ValidAfter || now > ticket.ValidUntil {
		return fmt.Errorf("%w: window [%d, %d], now %d", ErrPermissionExpired, ticket.ValidAfter, ticket.ValidUntil, now)
	}

	sig, err := hexutil.Decode(ticket.Signature)
	if err != nil {
		return fmt.Errorf("%w: malformed signature: %v", ErrPermissionDenied, err)
	}
	payload := &crypto.TicketPayload{
		OrderID:    ticket.OrderID,
		Taker:      common.HexToAddress(ticket.Taker),
		ValidAfter: big.NewInt(ticket.ValidAfter),
		ValidUntil: big.NewInt(ticket.ValidUntil),
		Nonce:      new(big.Int).SetUint64(ticket.Nonce),
	}
	recovered, err := g.signer.RecoverTicketSigner(payload, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	if recovered != g.authority {
		return fmt.Errorf("%w: ticket signed by %s, not the relay authority", ErrPermissionDenied, recovered.Hex())
	}
	return nil
}
