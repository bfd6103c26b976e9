package settle

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/yoonpark/limitd/pkg/crypto"
	"github.com/yoonpark/limitd/pkg/engine/fee"
	"github.com/yoonpark/limitd/pkg/engine/order"
	"github.com/yoonpark/limitd/pkg/engine/permit"
	"github.com/yoonpark/limitd/pkg/engine/store"
	"github.com/yoonpark/limitd/pkg/engine/vault"
	"github.com/yoonpark/limitd/pkg/util"
)

func newGate(authority *crypto.Signer) *permit.Gate {
	return permit.NewGate(authority.Address(), crypto.DefaultDomain())
}

var (
	admin        = common.HexToAddress("0xadadadadadadadadadadadadadadadadadadadad")
	feeRecipient = common.HexToAddress("0xfefefefefefefefefefefefefefefefefefefefe")
	maker        = common.HexToAddress("0x1111111111111111111111111111111111111111")
	taker        = common.HexToAddress("0x2222222222222222222222222222222222222222")
	referrer     = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

type testEnv struct {
	engine    *Engine
	clock     *util.ManualClock
	authority *crypto.Signer
	dbPath    string
}

func newTestEnv(t *testing.T, cfg fee.Config) *testEnv {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(dir)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	authority, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate authority key: %v", err)
	}
	clock := util.NewManualClock(time.Unix(1_000_000, 0))
	eng, err := NewEngine(st, newGate(authority), cfg, clock, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return &testEnv{engine: eng, clock: clock, authority: authority, dbPath: dir}
}

func zeroFeeConfig() fee.Config {
	return fee.Config{Version: 1, Admin: admin, FeeRecipient: feeRecipient}
}

func (env *testEnv) deposit(t *testing.T, addr common.Address, asset string, amount uint64) {
	t.Helper()
	if err := env.engine.Deposit(addr, asset, amount); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
}

func (env *testEnv) createOrder(t *testing.T, p CreateParams) *order.Order {
	t.Helper()
	env.clock.Advance(time.Second) // keep generated order IDs unique
	o, err := env.engine.CreateOrder(maker, p)
	if err != nil {
		t.Fatalf("create order failed: %v", err)
	}
	return o
}

func defaultParams(env *testEnv) CreateParams {
	return CreateParams{
		InputAsset:     "SOL",
		OutputAsset:    "USDC",
		InputAmount:    1000,
		ExpectedOutput: 2000,
		ExpiresAt:      env.clock.Now().Unix() + 3600,
		Permissionless: true,
	}
}

func TestCreateOrderEscrowsInput(t *testing.T) {
	env := newTestEnv(t, zeroFeeConfig())
	env.deposit(t, maker, "SOL", 1500)

	o := env.createOrder(t, defaultParams(env))
	if got := env.engine.Balance(maker, "SOL"); got != 500 {
		t.Errorf("expected free balance 500 after escrow, got %d", got)
	}
	v, ok := env.engine.VaultFor(o.ID)
	if !ok || v.Balance != 1000 {
		t.Errorf("expected vault with 1000, got %+v ok=%v", v, ok)
	}
	open := env.engine.OpenOrders()
	if len(open) != 1 || open[0].ID != o.ID {
		t.Errorf("expected one open order, got %d", len(open))
	}
}

func TestCreateOrderInsufficientFunds(t *testing.T) {
	env := newTestEnv(t, zeroFeeConfig())
	env.deposit(t, maker, "SOL", 999)

	env.clock.Advance(time.Second)
	_, err := env.engine.CreateOrder(maker, defaultParams(env))
	if !errors.Is(err, vault.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := env.engine.Balance(maker, "SOL"); got != 999 {
		t.Errorf("failed create changed balance to %d", got)
	}
}

func TestPartialFillLifecycle(t *testing.T) {
	env := newTestEnv(t, zeroFeeConfig())
	env.deposit(t, maker, "SOL", 1000)
	env.deposit(t, taker, "USDC", 5000)
	o := env.createOrder(t, defaultParams(env))

	// First fill: 400 of 1000 input at 2:1 owes 800.
	f, err := env.engine.FillOrder(taker, FillParams{OrderID: o.ID, InputAmount: 400})
	if err != nil {
		t.Fatalf("first fill failed: %v", err)
	}
	if f.OutputPaid != 800 || f.RemainingAfter != 600 || f.Completed {
		t.Errorf("unexpected fill: %+v", f)
	}
	if got := env.engine.Balance(taker, "SOL"); got != 400 {
		t.Errorf("expected taker SOL 400, got %d", got)
	}
	if got := env.engine.Balance(maker, "USDC"); got != 800 {
		t.Errorf("expected maker USDC 800, got %d", got)
	}
	v, ok := env.engine.VaultFor(o.ID)
	if !ok || v.Balance != 600 {
		t.Errorf("expected vault balance 600, got %+v", v)
	}

	// Second fill takes the rest; order completes and vault disappears.
	f, err = env.engine.FillOrder(taker, FillParams{OrderID: o.ID, InputAmount: 600})
	if err != nil {
		t.Fatalf("second fill failed: %v", err)
	}
	if f.OutputPaid != 1200 || !f.Completed {
		t.Errorf("unexpected completing fill: %+v", f)
	}
	got, err := env.engine.Order(o.ID)
	if err != nil {
		t.Fatalf("order lookup failed: %v", err)
	}
	if got.Status != order.StatusFilled || got.FilledOutput != 2000 {
		t.Errorf("unexpected final order: status=%s output=%d", got.Status, got.FilledOutput)
	}
	if _, ok := env.engine.VaultFor(o.ID); ok {
		t.Error("vault should be removed after completing fill")
	}

	// Further fills are rejected.
	_, err = env.engine.FillOrder(taker, FillParams{OrderID: o.ID, InputAmount: 1})
	if !errors.Is(err, order.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState after completion, got %v", err)
	}

	fills, err := env.engine.Fills(o.ID, 10)
	if err != nil {
		t.Fatalf("fills query failed: %v", err)
	}
	if len(fills) != 2 {
		t.Errorf("expected 2 fill records, got %d", len(fills))
	}
}

func TestFillDistributesFees(t *testing.T) {
	cfg := zeroFeeConfig()
	cfg.FeeBps = 30
	cfg.ReferralBps = 2000
	env := newTestEnv(t, cfg)
	env.deposit(t, maker, "SOL", 1000)
	env.deposit(t, taker, "USDC", 2_000_000)

	p := defaultParams(env)
	p.ExpectedOutput = 2_000_000
	p.Referrer = &referrer
	o := env.createOrder(t, p)

	// Full fill owes 2_000_000: fee 6000, rebate 1200.
	f, err := env.engine.FillOrder(taker, FillParams{OrderID: o.ID, InputAmount: 1000})
	if err != nil {
		t.Fatalf("fill failed: %v", err)
	}
	if f.Fee != 6000 || f.Rebate != 1200 {
		t.Errorf("unexpected fee split: %+v", f)
	}
	if got := env.engine.Balance(maker, "USDC"); got != 1_994_000 {
		t.Errorf("expected maker net 1994000, got %d", got)
	}
	if got := env.engine.Balance(feeRecipient, "USDC"); got != 4800 {
		t.Errorf("expected protocol 4800, got %d", got)
	}
	if got := env.engine.Balance(referrer, "USDC"); got != 1200 {
		t.Errorf("expected rebate 1200, got %d", got)
	}
	if got := env.engine.Balance(taker, "USDC"); got != 0 {
		t.Errorf("taker should have paid the full output, has %d", got)
	}
}

func TestFillClampsToRemainder(t *testing.T) {
	env := newTestEnv(t, zeroFeeConfig())
	env.deposit(t, maker, "SOL", 1000)
	env.deposit(t, taker, "USDC", 5000)
	o := env.createOrder(t, defaultParams(env))

	if _, err := env.engine.FillOrder(taker, FillParams{OrderID: o.ID, InputAmount: 900}); err != nil {
		t.Fatalf("fill failed: %v", err)
	}
	// Asking for more than the 100 remaining consumes exactly the remainder.
	f, err := env.engine.FillOrder(taker, FillParams{OrderID: o.ID, InputAmount: 900})
	if err != nil {
		t.Fatalf("clamped fill failed: %v", err)
	}
	if f.InputConsumed != 100 || f.OutputPaid != 200 || !f.Completed {
		t.Errorf("unexpected clamped fill: %+v", f)
	}
}

func TestFillSlippageFloor(t *testing.T) {
	env := newTestEnv(t, zeroFeeConfig())
	env.deposit(t, maker, "SOL", 1000)
	env.deposit(t, taker, "USDC", 5000)
	o := env.createOrder(t, defaultParams(env))

	// Another fill shrinks the remainder to 100; a taker who wanted 400
	// input for at least 800 output gets clamped to 200 owed and bails.
	if _, err := env.engine.FillOrder(taker, FillParams{OrderID: o.ID, InputAmount: 900}); err != nil {
		t.Fatalf("fill failed: %v", err)
	}
	_, err := env.engine.FillOrder(taker, FillParams{OrderID: o.ID, InputAmount: 400, MinOutput: 800})
	if !errors.Is(err, ErrSlippageExceeded) {
		t.Errorf("expected ErrSlippageExceeded, got %v", err)
	}
	// No side effects from the rejected fill.
	v, _ := env.engine.VaultFor(o.ID)
	if v.Balance != 100 {
		t.Errorf("rejected fill touched the vault: %d", v.Balance)
	}
	if _, err := env.engine.FillOrder(taker, FillParams{OrderID: o.ID, InputAmount: 400, MinOutput: 200}); err != nil {
		t.Errorf("fill at exact floor failed: %v", err)
	}
}

func TestFillStaleVersion(t *testing.T) {
	env := newTestEnv(t, zeroFeeConfig())
	env.deposit(t, maker, "SOL", 1000)
	env.deposit(t, taker, "USDC", 5000)
	o := env.createOrder(t, defaultParams(env))

	if _, err := env.engine.FillOrder(taker, FillParams{OrderID: o.ID, InputAmount: 100, IfVersion: o.Version}); err != nil {
		t.Fatalf("fill with current version failed: %v", err)
	}
	// Version advanced; the old token no longer matches.
	_, err := env.engine.FillOrder(taker, FillParams{OrderID: o.ID, InputAmount: 100, IfVersion: o.Version})
	if !errors.Is(err, ErrStaleState) {
		t.Errorf("expected ErrStaleState, got %v", err)
	}
}

func TestFillExpiredOrder(t *testing.T) {
	env := newTestEnv(t, zeroFeeConfig())
	env.deposit(t, maker, "SOL", 1000)
	env.deposit(t, taker, "USDC", 5000)
	o := env.createOrder(t, defaultParams(env))

	env.clock.Advance(2 * time.Hour)
	_, err := env.engine.FillOrder(taker, FillParams{OrderID: o.ID, InputAmount: 100})
	if !errors.Is(err, order.ErrExpired) {
		t.Errorf("expected ErrExpired, got %v", err)
	}
}

func TestFillInsufficientTakerFunds(t *testing.T) {
	env := newTestEnv(t, zeroFeeConfig())
	env.deposit(t, maker, "SOL", 1000)
	env.deposit(t, taker, "USDC", 799)
	o := env.createOrder(t, defaultParams(env))

	_, err := env.engine.FillOrder(taker, FillParams{OrderID: o.ID, InputAmount: 400})
	if !errors.Is(err, vault.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
	// Nothing moved.
	if got := env.engine.Balance(taker, "USDC"); got != 799 {
		t.Errorf("failed fill moved taker funds: %d", got)
	}
	v, _ := env.engine.VaultFor(o.ID)
	if v.Balance != 1000 {
		t.Errorf("failed fill touched the vault: %d", v.Balance)
	}
}

func TestConcurrentFillsSharedTakerBudget(t *testing.T) {
	env := newTestEnv(t, zeroFeeConfig())
	env.deposit(t, maker, "SOL", 4000)
	// The taker can afford exactly one full fill.
	env.deposit(t, taker, "USDC", 2000)

	orders := make([]*order.Order, 4)
	for i := range orders {
		orders[i] = env.createOrder(t, defaultParams(env))
	}

	var wg sync.WaitGroup
	errs := make([]error, len(orders))
	for i := range orders {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.engine.FillOrder(taker, FillParams{OrderID: orders[i].ID, InputAmount: 1000})
		}(i)
	}
	wg.Wait()

	settled := 0
	for i, fillErr := range errs {
		if fillErr == nil {
			settled++
			continue
		}
		if !errors.Is(fillErr, vault.ErrInsufficientFunds) {
			t.Errorf("fill %d: expected ErrInsufficientFunds, got %v", i, fillErr)
		}
		// A losing fill must leave its order and vault untouched.
		got, err := env.engine.Order(orders[i].ID)
		if err != nil {
			t.Fatalf("order lookup failed: %v", err)
		}
		if got.Status != order.StatusActive || got.RemainingInput != 1000 {
			t.Errorf("failed fill mutated order %d: status=%s remaining=%d", i, got.Status, got.RemainingInput)
		}
		v, ok := env.engine.VaultFor(orders[i].ID)
		if !ok || v.Balance != 1000 {
			t.Errorf("failed fill drained vault %d: %+v", i, v)
		}
	}
	if settled != 1 {
		t.Errorf("expected exactly 1 funded fill to settle, got %d", settled)
	}
	if bal := env.engine.Balance(taker, "SOL"); bal != 1000 {
		t.Errorf("taker SOL = %d, want 1000", bal)
	}
	if bal := env.engine.Balance(taker, "USDC"); bal != 0 {
		t.Errorf("taker USDC = %d, want 0", bal)
	}
	if bal := env.engine.Balance(maker, "USDC"); bal != 2000 {
		t.Errorf("maker USDC = %d, want 2000", bal)
	}
}

func TestConcurrentFillsAndReads(t *testing.T) {
	env := newTestEnv(t, zeroFeeConfig())
	env.deposit(t, maker, "SOL", 1000)
	env.deposit(t, taker, "USDC", 2000)
	o := env.createOrder(t, defaultParams(env))

	done := make(chan struct{})
	var readers sync.WaitGroup
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				got, err := env.engine.Order(o.ID)
				if err != nil {
					t.Errorf("order read failed: %v", err)
					return
				}
				if err := got.Validate(); err != nil {
					t.Errorf("reader observed inconsistent order state: %v", err)
					return
				}
			}
		}()
	}

	// 100 concurrent 10-unit fills drain the order exactly.
	var fillers sync.WaitGroup
	for i := 0; i < 10; i++ {
		fillers.Add(1)
		go func() {
			defer fillers.Done()
			for j := 0; j < 10; j++ {
				if _, err := env.engine.FillOrder(taker, FillParams{OrderID: o.ID, InputAmount: 10}); err != nil {
					t.Errorf("fill failed: %v", err)
					return
				}
			}
		}()
	}
	fillers.Wait()
	close(done)
	readers.Wait()

	got, err := env.engine.Order(o.ID)
	if err != nil {
		t.Fatalf("order lookup failed: %v", err)
	}
	if got.Status != order.StatusFilled || got.RemainingInput != 0 {
		t.Errorf("expected fully filled order, got status=%s remaining=%d", got.Status, got.RemainingInput)
	}
	if bal := env.engine.Balance(maker, "USDC"); bal != 2000 {
		t.Errorf("maker USDC = %d, want 2000", bal)
	}
	if bal := env.engine.Balance(taker, "SOL"); bal != 1000 {
		t.Errorf("taker SOL = %d, want 1000", bal)
	}
}

func TestFillUnknownOrder(t *testing.T) {
	env := newTestEnv(t, zeroFeeConfig())
	_, err := env.engine.FillOrder(taker, FillParams{OrderID: "nope", InputAmount: 1})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestCancelRefundsRemainder(t *testing.T) {
	env := newTestEnv(t, zeroFeeConfig())
	env.deposit(t, maker, "SOL", 1000)
	env.deposit(t, taker, "USDC", 5000)
	o := env.createOrder(t, defaultParams(env))

	if _, err := env.engine.FillOrder(taker, FillParams{OrderID: o.ID, InputAmount: 400}); err != nil {
		t.Fatalf("fill failed: %v", err)
	}
	got, err := env.engine.CancelOrder(maker, o.ID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if got.Status != order.StatusCancelled {
		t.Errorf("expected cancelled status, got %s", got.Status)
	}
	if bal := env.engine.Balance(maker, "SOL"); bal != 600 {
		t.Errorf("expected refund of 600, balance is %d", bal)
	}
	if _, ok := env.engine.VaultFor(o.ID); ok {
		t.Error("vault should be removed after cancel")
	}

	// Idempotence: a second cancel fails without paying out again.
	if _, err := env.engine.CancelOrder(maker, o.ID); !errors.Is(err, order.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on double cancel, got %v", err)
	}
	if bal := env.engine.Balance(maker, "SOL"); bal != 600 {
		t.Errorf("double cancel changed balance to %d", bal)
	}
}

func TestCancelUnauthorized(t *testing.T) {
	env := newTestEnv(t, zeroFeeConfig())
	env.deposit(t, maker, "SOL", 1000)
	o := env.createOrder(t, defaultParams(env))

	if _, err := env.engine.CancelOrder(taker, o.ID); !errors.Is(err, order.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestCancelByAnyoneOncePastExpiry(t *testing.T) {
	env := newTestEnv(t, zeroFeeConfig())
	env.deposit(t, maker, "SOL", 1000)
	o := env.createOrder(t, defaultParams(env))

	env.clock.Advance(2 * time.Hour)
	got, err := env.engine.CancelOrder(taker, o.ID)
	if err != nil {
		t.Fatalf("cancel of expired order by non-maker failed: %v", err)
	}
	if got.Status != order.StatusExpired {
		t.Errorf("expected expired status, got %s", got.Status)
	}
	// Refund goes to the maker, never the caller.
	if bal := env.engine.Balance(maker, "SOL"); bal != 1000 {
		t.Errorf("expected maker refund 1000, got %d", bal)
	}
	if bal := env.engine.Balance(taker, "SOL"); bal != 0 {
		t.Errorf("caller received escrow: %d", bal)
	}
}

func TestCancelHonorsCloseDelay(t *testing.T) {
	cfg := zeroFeeConfig()
	cfg.OrderCloseDelay = 300
	env := newTestEnv(t, cfg)
	env.deposit(t, maker, "SOL", 1000)
	o := env.createOrder(t, defaultParams(env))

	if _, err := env.engine.CancelOrder(maker, o.ID); !errors.Is(err, order.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState before close delay, got %v", err)
	}
	env.clock.Advance(301 * time.Second)
	if _, err := env.engine.CancelOrder(maker, o.ID); err != nil {
		t.Errorf("cancel after close delay failed: %v", err)
	}
}

func TestCloseExpiredRefundsFully(t *testing.T) {
	env := newTestEnv(t, zeroFeeConfig())
	env.deposit(t, maker, "SOL", 1000)
	env.deposit(t, taker, "USDC", 5000)
	o := env.createOrder(t, defaultParams(env))

	if _, err := env.engine.FillOrder(taker, FillParams{OrderID: o.ID, InputAmount: 250}); err != nil {
		t.Fatalf("fill failed: %v", err)
	}
	// Not yet expired.
	if _, err := env.engine.CloseExpired(o.ID); !errors.Is(err, order.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState before expiry, got %v", err)
	}

	env.clock.Advance(2 * time.Hour)
	got, err := env.engine.CloseExpired(o.ID)
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if got.Status != order.StatusExpired {
		t.Errorf("expected expired status, got %s", got.Status)
	}
	if bal := env.engine.Balance(maker, "SOL"); bal != 750 {
		t.Errorf("expected refund of 750, balance is %d", bal)
	}
}

func TestSweepExpired(t *testing.T) {
	env := newTestEnv(t, zeroFeeConfig())
	env.deposit(t, maker, "SOL", 3000)

	short := defaultParams(env)
	short.ExpiresAt = env.clock.Now().Unix() + 100
	env.createOrder(t, short)
	short.ExpiresAt = env.clock.Now().Unix() + 100
	env.createOrder(t, short)
	long := defaultParams(env)
	long.ExpiresAt = env.clock.Now().Unix() + 100_000
	env.createOrder(t, long)

	env.clock.Advance(200 * time.Second)
	if closed := env.engine.SweepExpired(); closed != 2 {
		t.Errorf("expected 2 closed, got %d", closed)
	}
	if open := env.engine.OpenOrders(); len(open) != 1 {
		t.Errorf("expected 1 open order after sweep, got %d", len(open))
	}
	if closed := env.engine.SweepExpired(); closed != 0 {
		t.Errorf("second sweep closed %d orders", closed)
	}
}

func TestUpdateOrderTerms(t *testing.T) {
	env := newTestEnv(t, zeroFeeConfig())
	env.deposit(t, maker, "SOL", 1000)
	env.deposit(t, taker, "USDC", 5000)
	o := env.createOrder(t, defaultParams(env))

	updated, err := env.engine.UpdateOrder(maker, o.ID, order.Update{ExpectedOutput: 4000}, o.Version)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.ExpectedOutput != 4000 {
		t.Errorf("expected output 4000, got %d", updated.ExpectedOutput)
	}

	// Fills now price at the new limit: 500 of 1000 at 4:1 owes 2000.
	f, err := env.engine.FillOrder(taker, FillParams{OrderID: o.ID, InputAmount: 500})
	if err != nil {
		t.Fatalf("fill failed: %v", err)
	}
	if f.OutputPaid != 2000 {
		t.Errorf("expected output 2000 at new limit, got %d", f.OutputPaid)
	}

	if _, err := env.engine.UpdateOrder(taker, o.ID, order.Update{ExpectedOutput: 1}, 0); !errors.Is(err, order.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := env.engine.UpdateOrder(maker, o.ID, order.Update{ExpectedOutput: 1}, o.Version); !errors.Is(err, ErrStaleState) {
		t.Errorf("expected ErrStaleState with old version, got %v", err)
	}
}

func TestAdminPolicyGatesOperations(t *testing.T) {
	env := newTestEnv(t, zeroFeeConfig())
	env.deposit(t, maker, "SOL", 2000)
	env.deposit(t, taker, "USDC", 5000)
	o := env.createOrder(t, defaultParams(env))

	// Non-admin cannot change policy.
	on := true
	if _, err := env.engine.UpdateFeeConfig(maker, fee.Update{TakingBlocked: &on}); !errors.Is(err, order.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}

	cfg, err := env.engine.UpdateFeeConfig(admin, fee.Update{TakingBlocked: &on})
	if err != nil {
		t.Fatalf("policy update failed: %v", err)
	}
	if cfg.Version != 2 {
		t.Errorf("expected config version 2, got %d", cfg.Version)
	}
	if _, err := env.engine.FillOrder(taker, FillParams{OrderID: o.ID, InputAmount: 100}); !errors.Is(err, ErrBlocked) {
		t.Errorf("expected ErrBlocked while taking is blocked, got %v", err)
	}

	// Emergency mode blocks new orders and fills but not cancellation.
	if _, err = env.engine.UpdateFeeConfig(admin, fee.Update{EmergencyMode: &on}); err != nil {
		t.Fatalf("policy update failed: %v", err)
	}
	env.clock.Advance(time.Second)
	if _, err := env.engine.CreateOrder(maker, defaultParams(env)); !errors.Is(err, ErrBlocked) {
		t.Errorf("expected ErrBlocked creating in emergency mode, got %v", err)
	}
	if _, err := env.engine.CancelOrder(maker, o.ID); err != nil {
		t.Errorf("cancel should work in emergency mode: %v", err)
	}
}

func TestEngineRestoresFromStore(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(dir)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	authority, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	clock := util.NewManualClock(time.Unix(1_000_000, 0))

	eng, err := NewEngine(st, newGate(authority), zeroFeeConfig(), clock, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	if err := eng.Deposit(maker, "SOL", 1000); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if err := eng.Deposit(taker, "USDC", 5000); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	clock.Advance(time.Second)
	o, err := eng.CreateOrder(maker, CreateParams{
		InputAsset: "SOL", OutputAsset: "USDC",
		InputAmount: 1000, ExpectedOutput: 2000,
		ExpiresAt: clock.Now().Unix() + 3600, Permissionless: true,
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := eng.FillOrder(taker, FillParams{OrderID: o.ID, InputAmount: 400}); err != nil {
		t.Fatalf("fill failed: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	st2, err := store.Open(dir)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	t.Cleanup(func() { st2.Close() })
	eng2, err := NewEngine(st2, newGate(authority), zeroFeeConfig(), clock, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to restore engine: %v", err)
	}

	restored, err := eng2.Order(o.ID)
	if err != nil {
		t.Fatalf("restored order lookup failed: %v", err)
	}
	if restored.RemainingInput != 600 || restored.FillCount != 1 {
		t.Errorf("unexpected restored order: %+v", restored)
	}
	v, ok := eng2.VaultFor(o.ID)
	if !ok || v.Balance != 600 {
		t.Errorf("unexpected restored vault: %+v ok=%v", v, ok)
	}
	if got := eng2.Balance(taker, "SOL"); got != 400 {
		t.Errorf("expected restored taker SOL 400, got %d", got)
	}
	if got := eng2.Balance(maker, "USDC"); got != 800 {
		t.Errorf("expected restored maker USDC 800, got %d", got)
	}

	// The restored engine keeps settling where the old one stopped.
	if _, err := eng2.FillOrder(taker, FillParams{OrderID: o.ID, InputAmount: 600}); err != nil {
		t.Fatalf("fill on restored engine failed: %v", err)
	}
}

func TestOnFillHook(t *testing.T) {
	env := newTestEnv(t, zeroFeeConfig())
	env.deposit(t, maker, "SOL", 1000)
	env.deposit(t, taker, "USDC", 5000)
	o := env.createOrder(t, defaultParams(env))

	var got *order.Fill
	env.engine.OnFill(func(f *order.Fill) { got = f })
	if _, err := env.engine.FillOrder(taker, FillParams{OrderID: o.ID, InputAmount: 400}); err != nil {
		t.Fatalf("fill failed: %v", err)
	}
	if got == nil || got.OrderID != o.ID || got.InputConsumed != 400 {
		t.Errorf("hook did not receive the fill: %+v", got)
	}
}
