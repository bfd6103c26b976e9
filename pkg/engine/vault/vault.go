package vault

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInsufficientFunds rejects an operation against an account balance
	// that cannot cover it.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientVaultBalance signals an escrow vault with less than
	// its order's accounting says it should hold. This is a consistency
	// violation, not a user error.
	ErrInsufficientVaultBalance = errors.New("insufficient vault balance")
)

// Vault is the escrow account holding one order's unfilled input. Exactly
// one vault exists per open order; its balance always equals the order's
// remaining input.
type Vault struct {
	OrderID string `json:"order_id"`
	Asset   string `json:"asset"`
	Balance uint64 `json:"balance"`
}

// Manager owns the account ledger (free balances per address and asset)
// and the per-order escrow vaults. All movements between accounts and
// vaults go through it so the conservation invariant has a single home.
type Manager struct {
	mu       sync.RWMutex
	balances map[common.Address]map[string]uint64
	vaults   map[string]*Vault
}

func NewManager() *Manager {
	return &Manager{
		balances: make(map[common.Address]map[string]uint64),
		vaults:   make(map[string]*Vault),
	}
}

// RestoreBalance seeds an account balance during boot.
func (m *Manager) RestoreBalance(addr common.Address, asset string, amount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credit(addr, asset, amount)
}

// RestoreVault reinstates a persisted vault during boot.
func (m *Manager) RestoreVault(v *Vault) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *v
	m.vaults[v.OrderID] = &cp
}

// Balance returns an account's free balance in an asset.
func (m *Manager) Balance(addr common.Address, asset string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[addr][asset]
}

// VaultFor returns a copy of an order's vault, if one exists.
func (m *Manager) VaultFor(orderID string) (Vault, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vaults[orderID]
	if !ok {
		return Vault{}, false
	}
	return *v, true
}

// Deposit credits an account. Used by the devnet faucet and by boot.
func (m *Manager) Deposit(addr common.Address, asset string, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur := m.balances[addr][asset]; cur > ^uint64(0)-amount {
		return fmt.Errorf("deposit of %d overflows balance %d", amount, cur)
	}
	m.credit(addr, asset, amount)
	return nil
}

// Withdraw debits an account's free balance.
func (m *Manager) Withdraw(addr common.Address, asset string, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.debit(addr, asset, amount)
}

// Transfer moves amount of asset between two free balances.
func (m *Manager) Transfer(from, to common.Address, asset string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.debit(from, asset, amount); err != nil {
		return err
	}
	m.credit(to, asset, amount)
	return nil
}

// Lock debits the maker's free balance and escrows it in a fresh vault
// keyed by order ID. Fails without side effects if the maker cannot cover
// the amount.
func (m *Manager) Lock(maker common.Address, asset, orderID string, amount uint64) (Vault, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.vaults[orderID]; exists {
		return Vault{}, fmt.Errorf("vault for order %s already exists", orderID)
	}
	if err := m.debit(maker, asset, amount); err != nil {
		return Vault{}, err
	}
	v := &Vault{OrderID: orderID, Asset: asset, Balance: amount}
	m.vaults[orderID] = v
	return *v, nil
}

// Release moves amount from an order's vault to the taker's free balance.
// A shortfall here means the vault and its order disagree, which the
// engine treats as fatal.
func (m *Manager) Release(orderID string, taker common.Address, amount uint64) (Vault, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vaults[orderID]
	if !ok {
		return Vault{}, fmt.Errorf("%w: no vault for order %s", ErrInsufficientVaultBalance, orderID)
	}
	if v.Balance < amount {
		return Vault{}, fmt.Errorf("%w: vault %s holds %d, release wants %d",
			ErrInsufficientVaultBalance, orderID, v.Balance, amount)
	}
	v.Balance -= amount
	m.credit(taker, v.Asset, amount)
	return *v, nil
}

// Payout is one recipient's share of a Distribute.
type Payout struct {
	To     common.Address
	Amount uint64
}

// Distribute debits the payer by the total of the payouts and credits
// every recipient, all under one lock, so a concurrent spender cannot
// slip between the check and the debit. On a shortfall nothing moves.
func (m *Manager) Distribute(from common.Address, asset string, payouts []Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total uint64
	for _, p := range payouts {
		total += p.Amount
	}
	if err := m.debit(from, asset, total); err != nil {
		return err
	}
	for _, p := range payouts {
		if p.Amount == 0 {
			continue
		}
		m.credit(p.To, asset, p.Amount)
	}
	return nil
}

// Refund returns whatever remains in an order's vault to the maker and
// removes the vault. Idempotent: a missing vault refunds nothing.
func (m *Manager) Refund(orderID string, maker common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vaults[orderID]
	if !ok {
		return 0, nil
	}
	refunded := v.Balance
	m.credit(maker, v.Asset, refunded)
	delete(m.vaults, orderID)
	return refunded, nil
}

// Remove drops an emptied vault after a completing fill.
func (m *Manager) Remove(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vaults, orderID)
}

func (m *Manager) credit(addr common.Address, asset string, amount uint64) {
	if m.balances[addr] == nil {
		m.balances[addr] = make(map[string]uint64)
	}
	m.balances[addr][asset] += amount
}

func (m *Manager) debit(addr common.Address, asset string, amount uint64) error {
	cur := m.balances[addr][asset]
	if cur < amount {
		return fmt.Errorf("%w: %s has %d %s, need %d", ErrInsufficientFunds, addr.Hex(), cur, asset, amount)
	}
	m.balances[addr][asset] = cur - amount
	return nil
}
