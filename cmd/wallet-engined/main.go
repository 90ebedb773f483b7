// wallet-engined is the custodial wallet service binary: it wires the
// stores, node clients and engines together and serves the HTTP surface.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"

	"github.com/openvault/wallet-engine/internal/chains"
	"github.com/openvault/wallet-engine/internal/config"
	"github.com/openvault/wallet-engine/internal/events"
	"github.com/openvault/wallet-engine/internal/health"
	"github.com/openvault/wallet-engine/internal/keys"
	"github.com/openvault/wallet-engine/internal/lightning"
	"github.com/openvault/wallet-engine/internal/lnd"
	"github.com/openvault/wallet-engine/internal/monitor"
	"github.com/openvault/wallet-engine/internal/rpc"
	"github.com/openvault/wallet-engine/internal/store"
	"github.com/openvault/wallet-engine/internal/txengine"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	logger := slog.Default().With("component", "main")

	cfg := config.FromEnv()
	if cfg.KeyPassphrase == "" {
		logger.Error("KEY_ENCRYPTION_PASSPHRASE must be set")
		os.Exit(1)
	}

	st, err := store.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	breakerCfg := rpc.BreakerConfig{
		MinSamples:     cfg.BreakerMinSamples,
		ErrorThreshold: cfg.BreakerErrorThreshold,
		Cooldown:       cfg.BreakerCooldown,
	}
	node := rpc.NewClient(rpc.ClientConfig{
		URL:            cfg.BitcoindURL,
		User:           cfg.BitcoindUser,
		Password:       cfg.BitcoindPassword,
		MaxRetries:     cfg.RPCMaxRetries,
		RetryBaseDelay: cfg.RPCRetryBaseDelay,
		RetryMaxDelay:  cfg.RPCRetryMaxDelay,
		Timeout:        cfg.RPCTimeout,
		PoolSize:       cfg.RPCPoolSize,
		CacheTTL:       cfg.RPCCacheTTL,
		Breaker:        breakerCfg,
	})
	ln := lnd.NewClient(lnd.ClientConfig{
		URL:            cfg.LNDURL,
		MacaroonHex:    cfg.LNDMacaroon,
		MaxRetries:     cfg.RPCMaxRetries,
		RetryBaseDelay: cfg.RPCRetryBaseDelay,
		RetryMaxDelay:  cfg.RPCRetryMaxDelay,
		Timeout:        cfg.RPCTimeout,
		PoolSize:       cfg.RPCPoolSize,
		Breaker:        breakerCfg,
	})

	bus := events.NewBus(256)
	defer bus.Close()
	chain := chains.Bitcoin{}

	km := keys.NewManager(st, chain, bus, cfg.KeyPassphrase, cfg.AddressGapLimit)

	mon := monitor.New(node, ln, st, chain, bus, monitor.Config{
		ConfirmationInterval: cfg.ConfirmationPollInterval,
		BalanceInterval:      cfg.BalancePollInterval,
		CongestionInterval:   cfg.CongestionPollInterval,
		ChannelInterval:      cfg.ChannelPollInterval,
		PurgeInterval:        cfg.PurgeInterval,
		TxRetention:          cfg.TxRetention,
	})

	engine := txengine.New(node, km, st, chain, bus, txengine.Config{
		MinConfirmations: cfg.MinUTXOConfirmations,
		FeeTargetBlocks:  cfg.FeeTargetBlocks,
		CongestionCap:    cfg.CongestionCap,
		MinFeeRate:       cfg.MinFeeRate,
	}, mon.Multiplier)

	lightningEngine := lightning.New(ln, st, bus, lightning.Config{
		FeeRatio:          cfg.PaymentFeeRatio,
		FeeFloorSat:       cfg.PaymentFeeFloor,
		RebalanceMinSats:  cfg.RebalanceMinSats,
		RebalanceAttempts: cfg.RebalanceAttempts,
	})

	checker := health.New(node, ln, map[string]*rpc.Breaker{
		"bitcoind": node.Breaker(),
		"lnd":      ln.Breaker(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mon.Start(ctx)
	defer mon.Stop()

	go logEvents(ctx, bus.Subscribe())

	server := newServer(st, km, engine, lightningEngine, checker)
	corsHandler := cors.New(cors.Options{
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      corsHandler.Handler(server.router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
}

// logEvents drains the bus so published events are observable in the service
// log even with no external consumer attached.
func logEvents(ctx context.Context, ch <-chan events.Event) {
	logger := slog.Default().With("component", "events")
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			logger.Info("event", "name", ev.Name, "payload", string(ev.Payload))
		case <-ctx.Done():
			return
		}
	}
}
