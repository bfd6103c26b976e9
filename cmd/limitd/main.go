package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/yoonpark/limitd/params"
	"github.com/yoonpark/limitd/pkg/api"
	"github.com/yoonpark/limitd/pkg/crypto"
	"github.com/yoonpark/limitd/pkg/engine/fee"
	"github.com/yoonpark/limitd/pkg/engine/permit"
	"github.com/yoonpark/limitd/pkg/engine/settle"
	"github.com/yoonpark/limitd/pkg/engine/store"
	"github.com/yoonpark/limitd/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	// Setup logging (write to both console and file)
	logFile := os.Getenv("LOG_FILE")
	if logFile == "" {
		logFile = "data/limitd.log"
	}
	logger, err := util.NewLoggerWithFile(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	logger.Info("logger initialized", zap.String("log_file", logFile))

	// ---- Storage ----
	st, err := store.Open(cfg.Node.DBPath)
	if err != nil {
		logger.Fatal("store open failed", zap.String("path", cfg.Node.DBPath), zap.Error(err))
	}
	defer st.Close()

	// ---- Roles ----
	// Any role left unconfigured on devnet gets a throwaway key so the
	// node can come up with zero setup.
	relayAuthority := resolveAddress(logger, cfg.Engine.RelayAuthority, "relay_authority", cfg.Node.Devnet)
	admin := resolveAddress(logger, cfg.Engine.Admin, "admin", cfg.Node.Devnet)
	feeRecipient := resolveAddress(logger, cfg.Engine.FeeRecipient, "fee_recipient", cfg.Node.Devnet)

	domain := crypto.DefaultDomain()
	domain.ChainID = cfg.Engine.ChainID

	// ---- Settlement engine ----
	feeCfg := fee.Config{
		Version:         1,
		FeeBps:          cfg.Engine.FeeBps,
		ReferralBps:     cfg.Engine.ReferralBps,
		FeeRecipient:    feeRecipient,
		Admin:           admin,
		OrderCloseDelay: cfg.Engine.OrderCloseDelaySec,
	}
	gate := permit.NewGate(relayAuthority, domain)
	engine, err := settle.NewEngine(st, gate, feeCfg, util.RealClock{}, logger)
	if err != nil {
		logger.Fatal("engine init failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Expiry sweeper ----
	if cfg.Node.SweepIntervalSec > 0 {
		interval := time.Duration(cfg.Node.SweepIntervalSec) * time.Second
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if closed := engine.SweepExpired(); closed > 0 {
						logger.Info("expired orders swept", zap.Int("closed", closed))
					}
				}
			}
		}()
		logger.Info("expiry sweeper running", zap.Duration("interval", interval))
	}

	// ---- API Server ----
	apiServer := api.NewServer(engine, domain, cfg.Node.Devnet, logger)
	go func() {
		if err := apiServer.Start(cfg.Node.APIAddr); err != nil {
			logger.Fatal("api server failed", zap.Error(err))
		}
	}()

	logger.Info("limitd running",
		zap.String("api_addr", cfg.Node.APIAddr),
		zap.String("db_path", cfg.Node.DBPath),
		zap.Bool("devnet", cfg.Node.Devnet),
		zap.String("relay_authority", relayAuthority.Hex()),
		zap.String("admin", admin.Hex()))

	<-ctx.Done()
	logger.Info("shutting down")
}

// resolveAddress parses a configured hex address, or generates a
// throwaway key on devnet when the role is unset.
func resolveAddress(logger *zap.Logger, hex, role string, devnet bool) common.Address {
	if hex != "" {
		if !common.IsHexAddress(hex) {
			logger.Fatal("invalid address in config", zap.String("role", role), zap.String("value", hex))
		}
		return common.HexToAddress(hex)
	}
	if !devnet {
		logger.Fatal("address required outside devnet", zap.String("role", role))
	}
	signer, err := crypto.GenerateKey()
	if err != nil {
		logger.Fatal("key generation failed", zap.String("role", role), zap.Error(err))
	}
	logger.Warn("generated throwaway devnet key",
		zap.String("role", role),
		zap.String("address", signer.Address().Hex()),
		zap.String("private_key", signer.PrivateKeyHex()))
	return signer.Address()
}
