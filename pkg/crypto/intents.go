package crypto

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Maker intents are the EIP-712 payloads makers sign in their wallets.
// The API layer recovers the signer and passes the verified maker address
// into the settlement engine; the engine itself never sees signatures.

// CreateOrderIntent is signed by a maker to open an order.
type CreateOrderIntent struct {
	InputAsset     string
	OutputAsset    string
	InputAmount    *big.Int
	ExpectedOutput *big.Int
	ExpiresAt      *big.Int       // Unix seconds
	Referrer       common.Address // zero address = none
	Counterparty   common.Address // zero address = unrestricted
	Permissionless bool
	Nonce          *big.Int
	Maker          common.Address
}

// CancelOrderIntent is signed by a maker to cancel an order.
type CancelOrderIntent struct {
	OrderID string
	Nonce   *big.Int
	Maker   common.Address
}

// FillOrderIntent is signed by a taker to settle a fill. Without it,
// anyone could name an arbitrary taker and spend that account's output
// balance.
type FillOrderIntent struct {
	OrderID     string
	InputAmount *big.Int
	MinOutput   *big.Int // 0 = no floor
	Nonce       *big.Int
	Taker       common.Address
}

// UpdateOrderIntent is signed by a maker to amend an Active order.
type UpdateOrderIntent struct {
	OrderID        string
	ExpectedOutput *big.Int // 0 = unchanged
	ExpiresAt      *big.Int // 0 = unchanged
	Counterparty   common.Address
	Permissionless bool
	Nonce          *big.Int
	Maker          common.Address
}

// IntentSigner hashes and verifies maker intents under a Domain.
type IntentSigner struct {
	domain Domain
}

func NewIntentSigner(domain Domain) *IntentSigner {
	return &IntentSigner{domain: domain}
}

// HashCreateOrder returns the EIP-712 digest of a create intent.
func (s *IntentSigner) HashCreateOrder(intent *CreateOrderIntent) ([]byte, error) {
	types := apitypes.Types{
		"CreateOrder": []apitypes.Type{
			{Name: "inputAsset", Type: "string"},
			{Name: "outputAsset", Type: "string"},
			{Name: "inputAmount", Type: "uint256"},
			{Name: "expectedOutput", Type: "uint256"},
			{Name: "expiresAt", Type: "uint256"},
			{Name: "referrer", Type: "address"},
			{Name: "counterparty", Type: "address"},
			{Name: "permissionless", Type: "bool"},
			{Name: "nonce", Type: "uint256"},
			{Name: "maker", Type: "address"},
		},
	}
	message := apitypes.TypedDataMessage{
		"inputAsset":     intent.InputAsset,
		"outputAsset":    intent.OutputAsset,
		"inputAmount":    intent.InputAmount.String(),
		"expectedOutput": intent.ExpectedOutput.String(),
		"expiresAt":      intent.ExpiresAt.String(),
		"referrer":       intent.Referrer.Hex(),
		"counterparty":   intent.Counterparty.Hex(),
		"permissionless": intent.Permissionless,
		"nonce":          intent.Nonce.String(),
		"maker":          intent.Maker.Hex(),
	}
	return s.domain.digest("CreateOrder", types, message)
}

// HashCancelOrder returns the EIP-712 digest of a cancel intent.
func (s *IntentSigner) HashCancelOrder(intent *CancelOrderIntent) ([]byte, error) {
	types := apitypes.Types{
		"CancelOrder": []apitypes.Type{
			{Name: "orderId", Type: "string"},
			{Name: "nonce", Type: "uint256"},
			{Name: "maker", Type: "address"},
		},
	}
	message := apitypes.TypedDataMessage{
		"orderId": intent.OrderID,
		"nonce":   intent.Nonce.String(),
		"maker":   intent.Maker.Hex(),
	}
	return s.domain.digest("CancelOrder", types, message)
}

// HashUpdateOrder returns the EIP-712 digest of an update intent.
func (s *IntentSigner) HashUpdateOrder(intent *UpdateOrderIntent) ([]byte, error) {
	types := apitypes.Types{
		"UpdateOrder": []apitypes.Type{
			{Name: "orderId", Type: "string"},
			{Name: "expectedOutput", Type: "uint256"},
			{Name: "expiresAt", Type: "uint256"},
			{Name: "counterparty", Type: "address"},
			{Name: "permissionless", Type: "bool"},
			{Name: "nonce", Type: "uint256"},
			{Name: "maker", Type: "address"},
		},
	}
	message := apitypes.TypedDataMessage{
		"orderId":        intent.OrderID,
		"expectedOutput": intent.ExpectedOutput.String(),
		"expiresAt":      intent.ExpiresAt.String(),
		"counterparty":   intent.Counterparty.Hex(),
		"permissionless": intent.Permissionless,
		"nonce":          intent.Nonce.String(),
		"maker":          intent.Maker.Hex(),
	}
	return s.domain.digest("UpdateOrder", types, message)
}

// HashFillOrder returns the EIP-712 digest of a fill intent.
func (s *IntentSigner) HashFillOrder(intent *FillOrderIntent) ([]byte, error) {
	types := apitypes.Types{
		"FillOrder": []apitypes.Type{
			{Name: "orderId", Type: "string"},
			{Name: "inputAmount", Type: "uint256"},
			{Name: "minOutput", Type: "uint256"},
			{Name: "nonce", Type: "uint256"},
			{Name: "taker", Type: "address"},
		},
	}
	message := apitypes.TypedDataMessage{
		"orderId":     intent.OrderID,
		"inputAmount": intent.InputAmount.String(),
		"minOutput":   intent.MinOutput.String(),
		"nonce":       intent.Nonce.String(),
		"taker":       intent.Taker.Hex(),
	}
	return s.domain.digest("FillOrder", types, message)
}

// SignCreateOrder signs a create intent with the maker's key.
func (s *IntentSigner) SignCreateOrder(signer *Signer, intent *CreateOrderIntent) ([]byte, error) {
	hash, err := s.HashCreateOrder(intent)
	if err != nil {
		return nil, err
	}
	return signer.Sign(hash)
}

// SignCancelOrder signs a cancel intent with the maker's key.
func (s *IntentSigner) SignCancelOrder(signer *Signer, intent *CancelOrderIntent) ([]byte, error) {
	hash, err := s.HashCancelOrder(intent)
	if err != nil {
		return nil, err
	}
	return signer.Sign(hash)
}

// SignUpdateOrder signs an update intent with the maker's key.
func (s *IntentSigner) SignUpdateOrder(signer *Signer, intent *UpdateOrderIntent) ([]byte, error) {
	hash, err := s.HashUpdateOrder(intent)
	if err != nil {
		return nil, err
	}
	return signer.Sign(hash)
}

// SignFillOrder signs a fill intent with the taker's key.
func (s *IntentSigner) SignFillOrder(signer *Signer, intent *FillOrderIntent) ([]byte, error) {
	hash, err := s.HashFillOrder(intent)
	if err != nil {
		return nil, err
	}
	return signer.Sign(hash)
}

// VerifyFillOrder checks that signature matches the intent's claimed taker.
func (s *IntentSigner) VerifyFillOrder(intent *FillOrderIntent, signature []byte) (bool, error) {
	hash, err := s.HashFillOrder(intent)
	if err != nil {
		return false, err
	}
	recovered, err := RecoverAddress(hash, signature)
	if err != nil {
		return false, fmt.Errorf("failed to recover address: %w", err)
	}
	return recovered == intent.Taker, nil
}

// VerifyCreateOrder checks that signature matches the intent's claimed maker.
func (s *IntentSigner) VerifyCreateOrder(intent *CreateOrderIntent, signature []byte) (bool, error) {
	hash, err := s.HashCreateOrder(intent)
	if err != nil {
		return false, err
	}
	recovered, err := RecoverAddress(hash, signature)
	if err != nil {
		return false, fmt.Errorf("failed to recover address: %w", err)
	}
	return recovered == intent.Maker, nil
}

// VerifyCancelOrder checks that signature matches the intent's claimed maker.
func (s *IntentSigner) VerifyCancelOrder(intent *CancelOrderIntent, signature []byte) (bool, error) {
	hash, err := s.HashCancelOrder(intent)
	if err != nil {
		return false, err
	}
	recovered, err := RecoverAddress(hash, signature)
	if err != nil {
		return false, fmt.Errorf("failed to recover address: %w", err)
	}
	return recovered == intent.Maker, nil
}

// VerifyUpdateOrder checks that signature matches the intent's claimed maker.
func (s *IntentSigner) VerifyUpdateOrder(intent *UpdateOrderIntent, signature []byte) (bool, error) {
	hash, err := s.HashUpdateOrder(intent)
	if err != nil {
		return false, err
	}
	recovered, err := RecoverAddress(hash, signature)
	if err != nil {
		return false, fmt.Errorf("failed to recover address: %w", err)
	}
	return recovered == intent.Maker, nil
}
