package settle

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/yoonpark/limitd/pkg/engine/fee"
	"github.com/yoonpark/limitd/pkg/engine/order"
	"github.com/yoonpark/limitd/pkg/engine/permit"
	"github.com/yoonpark/limitd/pkg/engine/store"
	"github.com/yoonpark/limitd/pkg/engine/vault"
	"github.com/yoonpark/limitd/pkg/util"
)

const lockStripes = 64

// Engine is the settlement core: it owns the in-memory order book state,
// the vault manager, and the fee policy. Writers of one order serialize
// behind a striped lock; the in-memory mutation itself additionally runs
// under the engine write lock, so readers cloning orders under mu.RLock
// never see a half-applied fill. Every operation validates fully before
// mutating, then persists all touched records in one atomic batch, so a
// crash can never leave an order and its vault disagreeing.
type Engine struct {
	log   *zap.Logger
	clock util.Clock
	store *store.Store
	gate  *permit.Gate

	vaults *vault.Manager

	mu     sync.RWMutex
	orders map[string]*order.Order
	cfg    fee.Config

	locks [lockStripes]sync.Mutex

	onFill func(*order.Fill)
}

// NewEngine opens the engine over a store, restoring persisted orders,
// vaults, balances, and fee policy. If the store holds no policy yet, the
// provided one is persisted as version 1.
func NewEngine(st *store.Store, gate *permit.Gate, cfg fee.Config, clock util.Clock, log *zap.Logger) (*Engine, error) {
	e := &Engine{
		log:    log,
		clock:  clock,
		store:  st,
		gate:   gate,
		vaults: vault.NewManager(),
		orders: make(map[string]*order.Order),
		cfg:    cfg,
	}

	persisted, err := st.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load fee config: %w", err)
	}
	if persisted != nil {
		e.cfg = *persisted
	} else if err := st.SaveConfig(&e.cfg); err != nil {
		return nil, fmt.Errorf("failed to persist initial fee config: %w", err)
	}

	orders, err := st.LoadAllOrders()
	if err != nil {
		return nil, fmt.Errorf("failed to load orders: %w", err)
	}
	for _, o := range orders {
		e.orders[o.ID] = o
	}

	vaults, err := st.LoadAllVaults()
	if err != nil {
		return nil, fmt.Errorf("failed to load vaults: %w", err)
	}
	for _, v := range vaults {
		e.vaults.RestoreVault(v)
	}

	balances, err := st.LoadAllBalances()
	if err != nil {
		return nil, fmt.Errorf("failed to load balances: %w", err)
	}
	for _, b := range balances {
		e.vaults.RestoreBalance(b.Address, b.Asset, b.Amount)
	}

	log.Info("engine restored",
		zap.Int("orders", len(orders)),
		zap.Int("vaults", len(vaults)),
		zap.Int("balances", len(balances)),
		zap.Uint64("config_version", e.cfg.Version))
	return e, nil
}

// OnFill registers a hook invoked after each settled fill, outside the
// order lock. Used by the API layer to stream fills to subscribers.
func (e *Engine) OnFill(fn func(*order.Fill)) {
	e.onFill = fn
}

func (e *Engine) lockFor(orderID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(orderID))
	return &e.locks[h.Sum32()%lockStripes]
}

func (e *Engine) lookup(orderID string) (*order.Order, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, ok := e.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return o, nil
}

// CreateParams are the validated inputs for opening an order. The maker
// address comes from signature recovery upstream, never from the payload.
type CreateParams struct {
	InputAsset     string
	OutputAsset    string
	InputAmount    uint64
	ExpectedOutput uint64
	ExpiresAt      int64
	Referrer       *common.Address
	Counterparty   *common.Address
	Permissionless bool
}

// CreateOrder escrows the maker's input and opens an Active order.
func (e *Engine) CreateOrder(maker common.Address, p CreateParams) (*order.Order, error) {
	cfg := e.Config()
	if cfg.EmergencyMode || cfg.NewOrdersBlocked {
		return nil, fmt.Errorf("%w: new orders are blocked", ErrBlocked)
	}

	now := e.clock.Now()
	o, err := order.New(maker, p.InputAsset, p.OutputAsset, p.InputAmount, p.ExpectedOutput, p.ExpiresAt, now)
	if err != nil {
		return nil, err
	}
	o.Referrer = p.Referrer
	o.Counterparty = p.Counterparty
	o.Permissionless = p.Permissionless

	v, err := e.vaults.Lock(maker, p.InputAsset, o.ID, p.InputAmount)
	if err != nil {
		return nil, err
	}

	batch := e.store.NewBatch()
	defer batch.Close()
	if err := batch.PutOrder(o); err != nil {
		return nil, err
	}
	if err := batch.PutVault(&v); err != nil {
		return nil, err
	}
	if err := batch.PutBalance(e.balanceRecord(maker, p.InputAsset)); err != nil {
		return nil, err
	}
	if err := batch.Commit(); err != nil {
		return nil, e.fatal("create", o.ID, err)
	}

	e.mu.Lock()
	e.orders[o.ID] = o
	e.mu.Unlock()

	e.log.Info("order created",
		zap.String("order", o.ID),
		zap.String("maker", maker.Hex()),
		zap.String("pair", p.InputAsset+"/"+p.OutputAsset),
		zap.Uint64("input", p.InputAmount),
		zap.Uint64("expected_output", p.ExpectedOutput))
	return o.Clone(), nil
}

// UpdateOrder amends an Active order's terms. Only the maker may update;
// ifVersion, when nonzero, must match the order's current version.
func (e *Engine) UpdateOrder(maker common.Address, orderID string, u order.Update, ifVersion uint64) (*order.Order, error) {
	cfg := e.Config()
	if cfg.EmergencyMode {
		return nil, fmt.Errorf("%w: emergency mode", ErrBlocked)
	}

	lock := e.lockFor(orderID)
	lock.Lock()
	defer lock.Unlock()

	o, err := e.lookup(orderID)
	if err != nil {
		return nil, err
	}
	if o.Maker != maker {
		return nil, fmt.Errorf("%w: %s is not the maker of %s", order.ErrUnauthorized, maker.Hex(), orderID)
	}
	if ifVersion != 0 && o.Version != ifVersion {
		return nil, fmt.Errorf("%w: have version %d, expected %d", ErrStaleState, o.Version, ifVersion)
	}
	e.mu.Lock()
	err = o.ApplyUpdate(u, e.clock.Now().Unix())
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	batch := e.store.NewBatch()
	defer batch.Close()
	if err := batch.PutOrder(o); err != nil {
		return nil, err
	}
	if err := batch.Commit(); err != nil {
		return nil, e.fatal("update", orderID, err)
	}

	e.log.Info("order updated", zap.String("order", orderID), zap.Uint64("version", o.Version))
	return o.Clone(), nil
}

// CancelOrder marks the order Cancelled and refunds the vault remainder
// to the maker. Allowed even in emergency mode; makers can always exit.
// A non-maker caller is only accepted once the order is past expiry, in
// which case this behaves like CloseExpired.
func (e *Engine) CancelOrder(caller common.Address, orderID string) (*order.Order, error) {
	lock := e.lockFor(orderID)
	lock.Lock()
	defer lock.Unlock()

	o, err := e.lookup(orderID)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now().Unix()
	if o.Maker != caller {
		if !o.IsExpired(now) {
			return nil, fmt.Errorf("%w: %s is not the maker of %s", order.ErrUnauthorized, caller.Hex(), orderID)
		}
		return e.closeExpiredLocked(o)
	}

	cfg := e.Config()
	if delay := cfg.OrderCloseDelay; delay > 0 && now-o.CreatedAt < delay {
		return nil, fmt.Errorf("%w: order is %ds old, close delay is %ds",
			order.ErrInvalidState, now-o.CreatedAt, delay)
	}
	e.mu.Lock()
	err = o.MarkCancelled(now)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	refunded, err := e.vaults.Refund(orderID, o.Maker)
	if err != nil {
		return nil, e.fatal("cancel", orderID, err)
	}

	batch := e.store.NewBatch()
	defer batch.Close()
	if err := batch.PutOrder(o); err != nil {
		return nil, err
	}
	if err := batch.DeleteVault(orderID); err != nil {
		return nil, err
	}
	if err := batch.PutBalance(e.balanceRecord(o.Maker, o.InputAsset)); err != nil {
		return nil, err
	}
	if err := batch.Commit(); err != nil {
		return nil, e.fatal("cancel", orderID, err)
	}

	e.log.Info("order cancelled",
		zap.String("order", orderID),
		zap.Uint64("refunded", refunded))
	return o.Clone(), nil
}

// FillParams are the taker's inputs for one fill.
type FillParams struct {
	OrderID     string
	InputAmount uint64 // escrowed input the taker wants; clamped to the remainder
	// MinOutput rejects the fill when the owed output lands below it,
	// which happens when a racing fill shrank the remainder and the
	// clamped trade is smaller than the taker intended. 0 = no floor.
	MinOutput uint64
	Ticket    *permit.Ticket
	IfVersion uint64 // expected order version; 0 = skip check
}

// FillOrder settles one fill: the taker receives up to InputAmount of the
// escrowed input and pays the pro-rata share of the expected output,
// split between maker, protocol, and referrer. All checks run before any
// balance moves.
func (e *Engine) FillOrder(taker common.Address, p FillParams) (*order.Fill, error) {
	cfg := e.Config()
	if cfg.EmergencyMode || cfg.TakingBlocked {
		return nil, fmt.Errorf("%w: taking is blocked", ErrBlocked)
	}

	lock := e.lockFor(p.OrderID)
	lock.Lock()
	defer lock.Unlock()

	o, err := e.lookup(p.OrderID)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now().Unix()

	if p.IfVersion != 0 && o.Version != p.IfVersion {
		return nil, fmt.Errorf("%w: have version %d, expected %d", ErrStaleState, o.Version, p.IfVersion)
	}
	if o.Status != order.StatusActive {
		return nil, fmt.Errorf("%w: order %s is %s", order.ErrInvalidState, o.ID, o.Status)
	}
	if o.IsExpired(now) {
		return nil, fmt.Errorf("%w: order %s expired at %d", order.ErrExpired, o.ID, o.ExpiresAt)
	}
	if err := e.gate.Verify(o, taker, p.Ticket, now); err != nil {
		return nil, err
	}
	if p.InputAmount == 0 {
		return nil, fmt.Errorf("%w: fill input must be positive", order.ErrInvalidParameters)
	}
	inputConsumed := p.InputAmount
	if inputConsumed > o.RemainingInput {
		inputConsumed = o.RemainingInput
	}

	outputOwed, err := minOutputFor(inputConsumed, o.ExpectedOutput, o.InitialInput)
	if err != nil {
		return nil, fmt.Errorf("%w: output for %d input", err, inputConsumed)
	}
	if outputOwed < p.MinOutput {
		return nil, fmt.Errorf("%w: owed %d is below floor %d", ErrSlippageExceeded, outputOwed, p.MinOutput)
	}

	split := fee.Compute(outputOwed, cfg.FeeBps, cfg.ReferralBps, o.Referrer != nil)
	payouts := []vault.Payout{
		{To: o.Maker, Amount: split.MakerNet},
		{To: cfg.FeeRecipient, Amount: split.Protocol},
	}
	if split.Rebate > 0 {
		payouts = append(payouts, vault.Payout{To: *o.Referrer, Amount: split.Rebate})
	}
	// Debiting the taker is the last step that can fail on user error. The
	// check and the debit are one vault operation, so a concurrent fill
	// spending the same balance cannot pass the check twice.
	if err := e.vaults.Distribute(taker, o.OutputAsset, payouts); err != nil {
		return nil, err
	}

	// The moves below are pure arithmetic and cannot fail short of a
	// consistency violation.
	e.mu.Lock()
	err = o.ApplyFill(inputConsumed, outputOwed, now)
	e.mu.Unlock()
	if err != nil {
		return nil, e.fatal("fill", o.ID, err)
	}
	v, err := e.vaults.Release(o.ID, taker, inputConsumed)
	if err != nil {
		return nil, e.fatal("fill", o.ID, err)
	}

	f := order.NewFill(o.ID, taker, inputConsumed, outputOwed,
		split.MakerNet, split.Fee, split.Rebate, o.RemainingInput, now)

	batch := e.store.NewBatch()
	defer batch.Close()
	if err := batch.PutOrder(o); err != nil {
		return nil, err
	}
	if o.Status == order.StatusFilled {
		e.vaults.Remove(o.ID)
		if err := batch.DeleteVault(o.ID); err != nil {
			return nil, err
		}
	} else if err := batch.PutVault(&v); err != nil {
		return nil, err
	}
	for _, rec := range e.touchedBalances(o, taker, cfg.FeeRecipient) {
		if err := batch.PutBalance(rec); err != nil {
			return nil, err
		}
	}
	if err := batch.PutFill(f); err != nil {
		return nil, err
	}
	if err := batch.Commit(); err != nil {
		return nil, e.fatal("fill", o.ID, err)
	}

	e.log.Info("fill settled",
		zap.String("order", o.ID),
		zap.String("taker", taker.Hex()),
		zap.Uint64("input", inputConsumed),
		zap.Uint64("output", outputOwed),
		zap.Uint64("fee", split.Fee),
		zap.Uint64("rebate", split.Rebate),
		zap.Uint64("remaining", o.RemainingInput))

	if e.onFill != nil {
		e.onFill(f)
	}
	return f, nil
}

// touchedBalances collects the balance records a fill can change.
func (e *Engine) touchedBalances(o *order.Order, taker, feeRecipient common.Address) []*store.BalanceRecord {
	recs := []*store.BalanceRecord{
		e.balanceRecord(taker, o.InputAsset),
		e.balanceRecord(taker, o.OutputAsset),
		e.balanceRecord(o.Maker, o.OutputAsset),
		e.balanceRecord(feeRecipient, o.OutputAsset),
	}
	if o.Referrer != nil {
		recs = append(recs, e.balanceRecord(*o.Referrer, o.OutputAsset))
	}
	return recs
}

// CloseExpired marks an expired Active order as Expired and refunds the
// full remainder to the maker. Anyone may call it; the refund never goes
// anywhere but the maker.
func (e *Engine) CloseExpired(orderID string) (*order.Order, error) {
	lock := e.lockFor(orderID)
	lock.Lock()
	defer lock.Unlock()

	o, err := e.lookup(orderID)
	if err != nil {
		return nil, err
	}
	return e.closeExpiredLocked(o)
}

// closeExpiredLocked does the expiry transition and refund. Caller holds
// the order's stripe lock.
func (e *Engine) closeExpiredLocked(o *order.Order) (*order.Order, error) {
	e.mu.Lock()
	err := o.MarkExpired(e.clock.Now().Unix())
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	refunded, err := e.vaults.Refund(o.ID, o.Maker)
	if err != nil {
		return nil, e.fatal("close", o.ID, err)
	}

	batch := e.store.NewBatch()
	defer batch.Close()
	if err := batch.PutOrder(o); err != nil {
		return nil, err
	}
	if err := batch.DeleteVault(o.ID); err != nil {
		return nil, err
	}
	if err := batch.PutBalance(e.balanceRecord(o.Maker, o.InputAsset)); err != nil {
		return nil, err
	}
	if err := batch.Commit(); err != nil {
		return nil, e.fatal("close", o.ID, err)
	}

	e.log.Info("expired order closed",
		zap.String("order", o.ID),
		zap.Uint64("refunded", refunded))
	return o.Clone(), nil
}

// SweepExpired closes every Active order past its expiry and returns how
// many were closed. Intended for a periodic background loop.
func (e *Engine) SweepExpired() int {
	now := e.clock.Now().Unix()

	e.mu.RLock()
	var candidates []string
	for id, o := range e.orders {
		if o.Status == order.StatusActive && o.IsExpired(now) {
			candidates = append(candidates, id)
		}
	}
	e.mu.RUnlock()

	closed := 0
	for _, id := range candidates {
		if _, err := e.CloseExpired(id); err == nil {
			closed++
		}
	}
	return closed
}

// UpdateFeeConfig applies an admin policy change. Only the current admin
// may call it.
func (e *Engine) UpdateFeeConfig(caller common.Address, u fee.Update) (fee.Config, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.cfg.Admin {
		return fee.Config{}, fmt.Errorf("%w: %s is not the admin", order.ErrUnauthorized, caller.Hex())
	}
	next := e.cfg
	if err := next.Apply(u); err != nil {
		return fee.Config{}, fmt.Errorf("%w: %v", order.ErrInvalidParameters, err)
	}
	if err := e.store.SaveConfig(&next); err != nil {
		return fee.Config{}, fmt.Errorf("failed to persist fee config: %w", err)
	}
	e.cfg = next

	e.log.Info("fee config updated",
		zap.Uint64("version", next.Version),
		zap.Uint16("fee_bps", next.FeeBps),
		zap.Uint16("referral_bps", next.ReferralBps),
		zap.Bool("emergency", next.EmergencyMode))
	return next, nil
}

// Deposit credits an account's free balance and persists it. Devnet
// faucet; a production deployment would credit from ledger transfers.
func (e *Engine) Deposit(addr common.Address, asset string, amount uint64) error {
	if err := e.vaults.Deposit(addr, asset, amount); err != nil {
		return fmt.Errorf("%w: %v", order.ErrInvalidParameters, err)
	}
	if err := e.store.SaveBalance(e.balanceRecord(addr, asset)); err != nil {
		return e.fatal("deposit", addr.Hex(), err)
	}
	return nil
}

// Config returns a copy of the current fee policy.
func (e *Engine) Config() fee.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Order returns a copy of one order.
func (e *Engine) Order(orderID string) (*order.Order, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, ok := e.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return o.Clone(), nil
}

// OrdersByMaker returns copies of a maker's orders, newest first.
func (e *Engine) OrdersByMaker(maker common.Address) []*order.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*order.Order
	for _, o := range e.orders {
		if o.Maker == maker {
			out = append(out, o.Clone())
		}
	}
	sortOrders(out)
	return out
}

// OpenOrders returns copies of all Active orders, newest first.
func (e *Engine) OpenOrders() []*order.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*order.Order
	for _, o := range e.orders {
		if o.Status == order.StatusActive {
			out = append(out, o.Clone())
		}
	}
	sortOrders(out)
	return out
}

// Fills returns the most recent fills of one order, newest first.
func (e *Engine) Fills(orderID string, limit int) ([]*order.Fill, error) {
	if _, err := e.Order(orderID); err != nil {
		return nil, err
	}
	return e.store.LoadFills(orderID, limit)
}

// Balance returns an account's free balance in one asset.
func (e *Engine) Balance(addr common.Address, asset string) uint64 {
	return e.vaults.Balance(addr, asset)
}

// VaultFor exposes an order's escrow vault for queries.
func (e *Engine) VaultFor(orderID string) (vault.Vault, bool) {
	return e.vaults.VaultFor(orderID)
}

func (e *Engine) balanceRecord(addr common.Address, asset string) *store.BalanceRecord {
	return &store.BalanceRecord{
		Address: addr,
		Asset:   asset,
		Amount:  e.vaults.Balance(addr, asset),
	}
}

// fatal wraps errors that indicate the in-memory state and the store may
// disagree. These should never fire; when they do, the operator needs to
// know immediately.
func (e *Engine) fatal(op, subject string, err error) error {
	e.log.Error("consistency violation",
		zap.String("op", op),
		zap.String("subject", subject),
		zap.Error(err))
	return fmt.Errorf("%s %s: %w", op, subject, err)
}

func sortOrders(orders []*order.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt != orders[j].CreatedAt {
			return orders[i].CreatedAt > orders[j].CreatedAt
		}
		return orders[i].ID < orders[j].ID
	})
}
