package fee

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// BpsDenominator is the basis-point scale: 10000 bps = 100%.
const BpsDenominator = 10000

// Config is the engine-wide fee and admin policy. A single config governs
// all orders; changes apply to fills settled after the change, never
// retroactively.
type Config struct {
	Version uint64

	FeeBps      uint16 // protocol fee on the output side of each fill
	ReferralBps uint16 // referrer's share of the protocol fee

	FeeRecipient common.Address
	Admin        common.Address

	// OrderCloseDelay is the minimum age in seconds before a maker may
	// cancel an order. Zero means cancellation is always immediate.
	OrderCloseDelay int64

	NewOrdersBlocked bool
	TakingBlocked    bool
	EmergencyMode    bool // halts everything except maker cancellation
}

// Default returns a devnet policy: 30 bps protocol fee, 20% referral share.
func Default(admin, feeRecipient common.Address) Config {
	return Config{
		Version:      1,
		FeeBps:       30,
		ReferralBps:  2000,
		FeeRecipient: feeRecipient,
		Admin:        admin,
	}
}

// Update carries the fields an admin wants to change; nil leaves a field
// untouched.
type Update struct {
	FeeBps           *uint16
	ReferralBps      *uint16
	FeeRecipient     *common.Address
	Admin            *common.Address
	OrderCloseDelay  *int64
	NewOrdersBlocked *bool
	TakingBlocked    *bool
	EmergencyMode    *bool
}

// Apply validates and merges an update into the config, bumping Version.
func (c *Config) Apply(u Update) error {
	if u.FeeBps != nil && *u.FeeBps > BpsDenominator {
		return fmt.Errorf("fee bps %d exceeds %d", *u.FeeBps, BpsDenominator)
	}
	if u.ReferralBps != nil && *u.ReferralBps > BpsDenominator {
		return fmt.Errorf("referral bps %d exceeds %d", *u.ReferralBps, BpsDenominator)
	}

	if u.FeeBps != nil {
		c.FeeBps = *u.FeeBps
	}
	if u.ReferralBps != nil {
		c.ReferralBps = *u.ReferralBps
	}
	if u.FeeRecipient != nil {
		c.FeeRecipient = *u.FeeRecipient
	}
	if u.Admin != nil {
		c.Admin = *u.Admin
	}
	if u.OrderCloseDelay != nil {
		c.OrderCloseDelay = *u.OrderCloseDelay
	}
	if u.NewOrdersBlocked != nil {
		c.NewOrdersBlocked = *u.NewOrdersBlocked
	}
	if u.TakingBlocked != nil {
		c.TakingBlocked = *u.TakingBlocked
	}
	if u.EmergencyMode != nil {
		c.EmergencyMode = *u.EmergencyMode
	}
	c.Version++
	return nil
}

// Breakdown is the split of one fill's output amount.
type Breakdown struct {
	Fee      uint64 // total protocol fee carved from the output
	Rebate   uint64 // referrer's cut, carved from Fee
	Protocol uint64 // Fee - Rebate, credited to the fee recipient
	MakerNet uint64 // output delivered to the maker after fees
}

// Compute splits outputOwed per the config. The fee comes off the maker's
// side: the taker always pays the full outputOwed. Both divisions floor,
// so rounding dust stays with the protocol, never the referrer.
func Compute(outputOwed uint64, feeBps, referralBps uint16, hasReferrer bool) Breakdown {
	owed := new(big.Int).SetUint64(outputOwed)
	den := big.NewInt(BpsDenominator)

	feeBig := new(big.Int).Mul(owed, big.NewInt(int64(feeBps)))
	feeBig.Quo(feeBig, den)
	fee := feeBig.Uint64()

	var rebate uint64
	if hasReferrer {
		rebateBig := new(big.Int).Mul(feeBig, big.NewInt(int64(referralBps)))
		rebateBig.Quo(rebateBig, den)
		rebate = rebateBig.Uint64()
	}

	return Breakdown{
		Fee:      fee,
		Rebate:   rebate,
		Protocol: fee - rebate,
		MakerNet: outputOwed - fee,
	}
}
