package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/big"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"nftlend/config"
	"nftlend/coordinator"
	"nftlend/ledger"
	"nftlend/observability/logging"
	telemetry "nftlend/observability/otel"
	"nftlend/registry"
	"nftlend/server"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.toml", "path to lendingd config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.Setup("lendingd", cfg.Environment, logging.RotationConfig{
		Path:       cfg.LogPath,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
		Compress:   cfg.LogCompress,
	})
	logger.Info("configuration loaded", "config", cfg.Sanitized())

	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
			ServiceName: "lendingd",
			Environment: cfg.Environment,
			Endpoint:    endpoint,
			Insecure:    cfg.OTLPInsecure,
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			log.Fatalf("init telemetry: %v", err)
		}
		defer func() {
			_ = shutdownTelemetry(context.Background())
		}()
	}

	reg, err := registry.LoadFile(cfg.RegistryPath)
	if err != nil {
		log.Fatalf("load collateral registry: %v", err)
	}
	logger.Info("collateral registry loaded", "collections", len(reg.Collections()))

	signingKey, err := gethcrypto.HexToECDSA(strings.TrimPrefix(cfg.SigningKey, "0x"))
	if err != nil {
		log.Fatalf("parse signing key: %v", err)
	}

	client, err := ledger.Dial(cfg.LedgerRPCURL)
	if err != nil {
		log.Fatalf("dial ledger node: %v", err)
	}
	defer client.Close()

	gateway, err := ledger.NewEVMGateway(client, ledger.Config{
		Contract:        common.HexToAddress(cfg.ContractAddress),
		ChainID:         big.NewInt(cfg.ChainID),
		SigningKey:      signingKey,
		FinalityTimeout: cfg.FinalityTimeout.Duration,
		PollInterval:    cfg.PollInterval.Duration,
	}, logger)
	if err != nil {
		log.Fatalf("construct ledger gateway: %v", err)
	}

	minUnit, err := cfg.MinValueUnitWei()
	if err != nil {
		log.Fatalf("parse min value unit: %v", err)
	}
	maxFee, err := cfg.MaxOperationFeeWei()
	if err != nil {
		log.Fatalf("parse max operation fee: %v", err)
	}

	coord, err := coordinator.New(gateway, reg, coordinator.Config{
		LoanDuration:      cfg.LoanDuration.Duration,
		InterestDueWindow: cfg.InterestDueWindow.Duration,
		MinValueUnit:      minUnit,
		MaxOperationFee:   maxFee,
		InFlightTTL:       cfg.InFlightTTL.Duration,
	}, logger)
	if err != nil {
		log.Fatalf("construct coordinator: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go coord.Run(ctx)

	srv := server.New(coord, server.Config{
		CORS:           server.CORSConfig{AllowedOrigins: cfg.AllowedOrigins},
		Rate:           server.RateLimitConfig{RequestsPerMinute: cfg.RateLimitPerMinute, Burst: cfg.RateLimitBurst},
		RequestTimeout: cfg.RequestTimeout.Duration,
	}, logger)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("lendingd listening", "address", cfg.ListenAddress)
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("forced server stop", "error", err)
			_ = httpServer.Close()
		}
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve http: %v", err)
		}
	}
}
