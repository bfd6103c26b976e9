package params

import (
	"math/big"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Node struct {
	DBPath  string
	APIAddr string
	// Devnet enables the faucet endpoint and generates throwaway keys for
	// any role left unconfigured.
	Devnet bool
	// SweepIntervalSec paces the background loop that closes expired
	// orders. 0 disables the sweeper.
	SweepIntervalSec int
}

type Engine struct {
	FeeBps      uint16
	ReferralBps uint16
	// Hex addresses; empty values fall back to generated devnet keys.
	FeeRecipient   string
	Admin          string
	RelayAuthority string
	// OrderCloseDelaySec is the minimum order age before a maker cancel.
	OrderCloseDelaySec int64
	ChainID            *big.Int
}

type Config struct {
	Node   Node
	Engine Engine
}

func Default() Config {
	return Config{
		Node: Node{
			DBPath:           "data/limitd",
			APIAddr:          ":8080",
			Devnet:           true,
			SweepIntervalSec: 10,
		},
		Engine: Engine{
			FeeBps:      30,
			ReferralBps: 2000,
			ChainID:     big.NewInt(1337),
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.Node.DBPath = v
	}
	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.Node.APIAddr = v
	}
	if v := os.Getenv("DEVNET"); v != "" {
		cfg.Node.Devnet = v == "true"
	}
	if v := os.Getenv("SWEEP_INTERVAL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Node.SweepIntervalSec = n
		}
	}

	if v := os.Getenv("FEE_BPS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil {
			cfg.Engine.FeeBps = uint16(n)
		}
	}
	if v := os.Getenv("REFERRAL_BPS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil {
			cfg.Engine.ReferralBps = uint16(n)
		}
	}
	if v := os.Getenv("FEE_RECIPIENT"); v != "" {
		cfg.Engine.FeeRecipient = v
	}
	if v := os.Getenv("ADMIN_ADDRESS"); v != "" {
		cfg.Engine.Admin = v
	}
	if v := os.Getenv("RELAY_AUTHORITY"); v != "" {
		cfg.Engine.RelayAuthority = v
	}
	if v := os.Getenv("ORDER_CLOSE_DELAY_SEC"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Engine.OrderCloseDelaySec = n
		}
	}
	if v := os.Getenv("CHAIN_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Engine.ChainID = big.NewInt(n)
		}
	}

	return cfg
}
