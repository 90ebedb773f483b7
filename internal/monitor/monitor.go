// Package monitor reconciles persisted state against the nodes on
// independent tickers. Each concern polls on its own interval; a failing
// tick is logged and retried on the next one, never aborting the loop.
package monitor

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/openvault/wallet-engine/internal/chains"
	"github.com/openvault/wallet-engine/internal/events"
	"github.com/openvault/wallet-engine/internal/lnd"
	"github.com/openvault/wallet-engine/internal/rpc"
	"github.com/openvault/wallet-engine/internal/store"
)

// Node is the full-node surface the monitor needs.
type Node interface {
	GetRawTransaction(ctx context.Context, txid string) (*rpc.RawTransaction, error)
	ListUnspent(ctx context.Context, minConf int32, addresses []string) ([]rpc.Unspent, error)
	GetMempoolInfo(ctx context.Context) (*rpc.MempoolInfo, error)
	GetBlockchainInfo(ctx context.Context) (*rpc.BlockchainInfo, error)
}

// LN is the Lightning-node surface the monitor needs.
type LN interface {
	ListChannels(ctx context.Context) ([]lnd.Channel, error)
	LookupInvoice(ctx context.Context, paymentHashHex string) (*lnd.Invoice, error)
	ListPayments(ctx context.Context, includeIncomplete bool) ([]lnd.Payment, error)
}

// Config sets the poll intervals and the terminal-record retention window.
type Config struct {
	ConfirmationInterval time.Duration
	BalanceInterval      time.Duration
	CongestionInterval   time.Duration
	ChannelInterval      time.Duration
	PurgeInterval        time.Duration
	TxRetention          time.Duration
}

// Monitor runs the reconciliation loops.
type Monitor struct {
	node  Node
	ln    LN
	store store.Store
	chain chains.Chain
	bus   *events.Bus
	cfg   Config

	mu         sync.RWMutex
	multiplier float64

	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// New creates a monitor. Zero intervals get defaults.
func New(node Node, ln LN, st store.Store, chain chains.Chain, bus *events.Bus, cfg Config) *Monitor {
	if cfg.ConfirmationInterval <= 0 {
		cfg.ConfirmationInterval = 30 * time.Second
	}
	if cfg.BalanceInterval <= 0 {
		cfg.BalanceInterval = time.Minute
	}
	if cfg.CongestionInterval <= 0 {
		cfg.CongestionInterval = time.Minute
	}
	if cfg.ChannelInterval <= 0 {
		cfg.ChannelInterval = time.Minute
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = time.Hour
	}
	if cfg.TxRetention <= 0 {
		cfg.TxRetention = 30 * 24 * time.Hour
	}
	return &Monitor{
		node:       node,
		ln:         ln,
		store:      st,
		chain:      chain,
		bus:        bus,
		cfg:        cfg,
		multiplier: 1.0,
		logger:     slog.Default().With("component", "monitor"),
	}
}

// Start launches the reconciliation loops. They stop when ctx is cancelled
// or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.pollLoop(ctx, "confirmations", m.cfg.ConfirmationInterval, m.reconcileConfirmations)
	m.pollLoop(ctx, "balances", m.cfg.BalanceInterval, m.reconcileBalances)
	m.pollLoop(ctx, "congestion", m.cfg.CongestionInterval, m.reconcileCongestion)
	m.pollLoop(ctx, "channels", m.cfg.ChannelInterval, m.reconcileLightning)
	m.pollLoop(ctx, "purge", m.cfg.PurgeInterval, m.purgeTerminal)

	m.logger.Info("monitor started")
}

// Stop halts all loops and waits for in-flight ticks.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("monitor stopped")
}

func (m *Monitor) pollLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if err := fn(ctx); err != nil {
				m.logger.Warn("reconciliation tick failed", "loop", name, "error", err)
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Multiplier returns the current congestion fee multiplier. The transaction
// engine consumes it when scaling node fee estimates.
func (m *Monitor) Multiplier() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.multiplier
}

// mempoolReferenceBytes is the mempool depth treated as full congestion.
const mempoolReferenceBytes = 150_000_000

// reconcileCongestion derives the fee multiplier from mempool depth:
// an empty mempool maps to 1.0, a full one to 3.0. Clamping to the engine's
// configured cap happens at the consumer.
func (m *Monitor) reconcileCongestion(ctx context.Context) error {
	info, err := m.node.GetMempoolInfo(ctx)
	if err != nil {
		return err
	}

	fullness := math.Min(float64(info.Bytes)/float64(mempoolReferenceBytes), 1.0)
	mult := 1.0 + 2.0*fullness

	m.mu.Lock()
	m.multiplier = mult
	m.mu.Unlock()

	m.logger.Debug("congestion updated", "mempool_bytes", info.Bytes, "multiplier", mult)
	return nil
}

// purgeTerminal deletes failed/cancelled records past the retention window.
func (m *Monitor) purgeTerminal(ctx context.Context) error {
	n, err := m.store.PurgeTerminalBefore(time.Now().UTC().Add(-m.cfg.TxRetention))
	if err != nil {
		return err
	}
	if n > 0 {
		m.logger.Info("purged terminal transactions", "count", n)
	}
	return nil
}
