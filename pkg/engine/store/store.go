package store

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/yoonpark/limitd/pkg/engine/fee"
	"github.com/yoonpark/limitd/pkg/engine/order"
	"github.com/yoonpark/limitd/pkg/engine/vault"
)

// Store persists engine state in Pebble. Single-record writes use Sync;
// multi-record settlement writes go through Batch so an order, its vault,
// the touched balances, and the fill record land atomically.
type Store struct {
	db *pebble.DB
}

func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// BalanceRecord is the persisted form of one account's balance in one asset.
type BalanceRecord struct {
	Address common.Address `json:"address"`
	Asset   string         `json:"asset"`
	Amount  uint64         `json:"amount"`
}

// SaveOrder persists one order.
func (s *Store) SaveOrder(o *order.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	if err := s.db.Set(orderKey(o.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// LoadOrder returns nil if the order doesn't exist.
func (s *Store) LoadOrder(orderID string) (*order.Order, error) {
	data, closer, err := s.db.Get(orderKey(orderID))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	defer closer.Close()

	var o order.Order
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	return &o, nil
}

// LoadAllOrders scans every persisted order for boot.
func (s *Store) LoadAllOrders() ([]*order.Order, error) {
	prefix := []byte(prefixOrder)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate orders: %w", err)
	}
	defer iter.Close()

	var orders []*order.Order
	for iter.First(); iter.Valid(); iter.Next() {
		var o order.Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			continue // Skip invalid entries
		}
		orders = append(orders, &o)
	}
	return orders, nil
}

// SaveVault persists one escrow vault.
func (s *Store) SaveVault(v *vault.Vault) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal vault: %w", err)
	}
	if err := s.db.Set(vaultKey(v.OrderID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save vault: %w", err)
	}
	return nil
}

// LoadAllVaults scans every persisted vault for boot.
func (s *Store) LoadAllVaults() ([]*vault.Vault, error) {
	prefix := []byte(prefixVault)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate vaults: %w", err)
	}
	defer iter.Close()

	var vaults []*vault.Vault
	for iter.First(); iter.Valid(); iter.Next() {
		var v vault.Vault
		if err := json.Unmarshal(iter.Value(), &v); err != nil {
			continue
		}
		vaults = append(vaults, &v)
	}
	return vaults, nil
}

// SaveBalance persists one account balance.
func (s *Store) SaveBalance(rec *BalanceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal balance: %w", err)
	}
	if err := s.db.Set(balanceKey(rec.Address, rec.Asset), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save balance: %w", err)
	}
	return nil
}

// LoadAllBalances scans every persisted balance for boot.
func (s *Store) LoadAllBalances() ([]*BalanceRecord, error) {
	prefix := []byte(prefixBal)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate balances: %w", err)
	}
	defer iter.Close()

	var recs []*BalanceRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var rec BalanceRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		recs = append(recs, &rec)
	}
	return recs, nil
}

// LoadFills returns the most recent fills of one order, newest first.
func (s *Store) LoadFills(orderID string, limit int) ([]*order.Fill, error) {
	prefix := fillPrefix(orderID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate fills: %w", err)
	}
	defer iter.Close()

	var fills []*order.Fill
	for iter.Last(); iter.Valid() && len(fills) < limit; iter.Prev() {
		var f order.Fill
		if err := json.Unmarshal(iter.Value(), &f); err != nil {
			continue
		}
		fills = append(fills, &f)
	}
	return fills, nil
}

// SaveConfig persists the fee policy.
func (s *Store) SaveConfig(cfg *fee.Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := s.db.Set(configKey(), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// LoadConfig returns nil if no policy has been persisted yet.
func (s *Store) LoadConfig() (*fee.Config, error) {
	data, closer, err := s.db.Get(configKey())
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get config: %w", err)
	}
	defer closer.Close()

	var cfg fee.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Batch accumulates the writes of one settlement operation. Commit applies
// them atomically with a synced WAL write.
type Batch struct {
	b *pebble.Batch
}

func (s *Store) NewBatch() *Batch {
	return &Batch{b: s.db.NewBatch()}
}

func (w *Batch) PutOrder(o *order.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	return w.b.Set(orderKey(o.ID), data, nil)
}

func (w *Batch) PutVault(v *vault.Vault) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal vault: %w", err)
	}
	return w.b.Set(vaultKey(v.OrderID), data, nil)
}

func (w *Batch) DeleteVault(orderID string) error {
	return w.b.Delete(vaultKey(orderID), nil)
}

func (w *Batch) PutBalance(rec *BalanceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal balance: %w", err)
	}
	return w.b.Set(balanceKey(rec.Address, rec.Asset), data, nil)
}

func (w *Batch) PutFill(f *order.Fill) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal fill: %w", err)
	}
	return w.b.Set(fillKey(f.OrderID, f.Timestamp, f.ID), data, nil)
}

func (w *Batch) PutConfig(cfg *fee.Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return w.b.Set(configKey(), data, nil)
}

func (w *Batch) Commit() error {
	if err := w.b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func (w *Batch) Close() error { return w.b.Close() }
