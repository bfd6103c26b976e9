package fee

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestComputeSmallFillRoundsToZeroRebate(t *testing.T) {
	// 30 bps on 1000 = 3; 20% of 3 floors to 0, so the dust stays
	// with the protocol.
	b := Compute(1000, 30, 2000, true)
	if b.Fee != 3 {
		t.Errorf("expected fee 3, got %d", b.Fee)
	}
	if b.Rebate != 0 {
		t.Errorf("expected rebate 0, got %d", b.Rebate)
	}
	if b.Protocol != 3 {
		t.Errorf("expected protocol 3, got %d", b.Protocol)
	}
	if b.MakerNet != 997 {
		t.Errorf("expected maker net 997, got %d", b.MakerNet)
	}
}

func TestComputeWithRebate(t *testing.T) {
	// 30 bps on 1_000_000 = 3000; 20% of 3000 = 600.
	b := Compute(1_000_000, 30, 2000, true)
	if b.Fee != 3000 {
		t.Errorf("expected fee 3000, got %d", b.Fee)
	}
	if b.Rebate != 600 {
		t.Errorf("expected rebate 600, got %d", b.Rebate)
	}
	if b.Protocol != 2400 {
		t.Errorf("expected protocol 2400, got %d", b.Protocol)
	}
	if b.MakerNet != 997_000 {
		t.Errorf("expected maker net 997000, got %d", b.MakerNet)
	}
}

func TestComputeNoReferrer(t *testing.T) {
	b := Compute(1_000_000, 30, 2000, false)
	if b.Rebate != 0 {
		t.Errorf("expected no rebate without referrer, got %d", b.Rebate)
	}
	if b.Protocol != b.Fee {
		t.Errorf("expected protocol to equal full fee, got %d vs %d", b.Protocol, b.Fee)
	}
}

func TestComputeZeroFee(t *testing.T) {
	b := Compute(12345, 0, 2000, true)
	if b.Fee != 0 || b.Rebate != 0 || b.Protocol != 0 {
		t.Errorf("expected zero breakdown, got %+v", b)
	}
	if b.MakerNet != 12345 {
		t.Errorf("expected full output to maker, got %d", b.MakerNet)
	}
}

func TestComputeConservation(t *testing.T) {
	cases := []struct {
		owed        uint64
		feeBps      uint16
		referralBps uint16
		hasReferrer bool
	}{
		{1, 30, 2000, true},
		{999, 9999, 9999, true},
		{^uint64(0), 30, 2000, true},
		{^uint64(0), 10000, 10000, true},
		{7, 1, 1, false},
	}
	for _, tc := range cases {
		b := Compute(tc.owed, tc.feeBps, tc.referralBps, tc.hasReferrer)
		if b.MakerNet+b.Protocol+b.Rebate != tc.owed {
			t.Errorf("owed=%d feeBps=%d: split %d+%d+%d does not conserve",
				tc.owed, tc.feeBps, b.MakerNet, b.Protocol, b.Rebate)
		}
		if b.Rebate > b.Fee {
			t.Errorf("owed=%d: rebate %d exceeds fee %d", tc.owed, b.Rebate, b.Fee)
		}
	}
}

func TestConfigApply(t *testing.T) {
	admin := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	recipient := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	cfg := Default(admin, recipient)
	if cfg.FeeBps != 30 || cfg.ReferralBps != 2000 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}

	newBps := uint16(50)
	blocked := true
	if err := cfg.Apply(Update{FeeBps: &newBps, TakingBlocked: &blocked}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if cfg.FeeBps != 50 {
		t.Errorf("expected fee bps 50, got %d", cfg.FeeBps)
	}
	if !cfg.TakingBlocked {
		t.Error("taking blocked flag not applied")
	}
	if cfg.ReferralBps != 2000 {
		t.Errorf("untouched field changed: %d", cfg.ReferralBps)
	}
	if cfg.Version != 2 {
		t.Errorf("expected version 2, got %d", cfg.Version)
	}
}

func TestConfigApplyRejectsBadBps(t *testing.T) {
	cfg := Default(common.Address{}, common.Address{})
	tooBig := uint16(10001)
	if err := cfg.Apply(Update{FeeBps: &tooBig}); err == nil {
		t.Error("expected error for fee bps above denominator")
	}
	if err := cfg.Apply(Update{ReferralBps: &tooBig}); err == nil {
		t.Error("expected error for referral bps above denominator")
	}
	if cfg.Version != 1 {
		t.Errorf("version bumped on rejected update: %d", cfg.Version)
	}
}
