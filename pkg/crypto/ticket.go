package crypto

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// TicketPayload is the EIP-712 payload the relay authority signs to grant a
// taker the right to fill one order within a time window.
type TicketPayload struct {
	OrderID    string
	Taker      common.Address
	ValidAfter *big.Int // Unix seconds, inclusive
	ValidUntil *big.Int // Unix seconds, inclusive
	Nonce      *big.Int
}

// TicketSigner hashes, signs, and recovers permission tickets.
type TicketSigner struct {
	domain Domain
}

func NewTicketSigner(domain Domain) *TicketSigner {
	return &TicketSigner{domain: domain}
}

// HashTicket returns the EIP-712 digest of a ticket payload.
func (s *TicketSigner) HashTicket(t *TicketPayload) ([]byte, error) {
	types := apitypes.Types{
		"PermissionTicket": []apitypes.Type{
			{Name: "orderId", Type: "string"},
			{Name: "taker", Type: "address"},
			{Name: "validAfter", Type: "uint256"},
			{Name: "validUntil", Type: "uint256"},
			{Name: "nonce", Type: "uint256"},
		},
	}
	message := apitypes.TypedDataMessage{
		"orderId":    t.OrderID,
		"taker":      t.Taker.Hex(),
		"validAfter": t.ValidAfter.String(),
		"validUntil": t.ValidUntil.String(),
		"nonce":      t.Nonce.String(),
	}
	return s.domain.digest("PermissionTicket", types, message)
}

// SignTicket signs a ticket payload with the relay authority's key.
func (s *TicketSigner) SignTicket(signer *Signer, t *TicketPayload) ([]byte, error) {
	hash, err := s.HashTicket(t)
	if err != nil {
		return nil, fmt.Errorf("failed to hash ticket: %w", err)
	}
	return signer.Sign(hash)
}

// RecoverTicketSigner recovers the address that signed a ticket payload.
func (s *TicketSigner) RecoverTicketSigner(t *TicketPayload, signature []byte) (common.Address, error) {
	hash, err := s.HashTicket(t)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash ticket: %w", err)
	}
	return RecoverAddress(hash, signature)
}
