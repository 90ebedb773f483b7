// Package health aggregates node reachability, chain sync and circuit
// breaker state into a single readiness report.
package health

import (
	"context"
	"fmt"

	"github.com/openvault/wallet-engine/internal/lnd"
	"github.com/openvault/wallet-engine/internal/rpc"
)

// Node is the full-node surface the checker probes.
type Node interface {
	GetBlockchainInfo(ctx context.Context) (*rpc.BlockchainInfo, error)
}

// LN is the Lightning-node surface the checker probes.
type LN interface {
	GetInfo(ctx context.Context) (*lnd.Info, error)
}

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// Report is the aggregate health snapshot served on /health.
type Report struct {
	Status  string            `json:"status"`
	Details map[string]string `json:"details"`
}

// Checker probes the dependencies the engine cannot function without.
type Checker struct {
	node     Node
	ln       LN
	breakers map[string]*rpc.Breaker
}

// New creates a checker. breakers maps a dependency name to its circuit
// breaker; an open breaker degrades the report even when the probe itself
// succeeds.
func New(node Node, ln LN, breakers map[string]*rpc.Breaker) *Checker {
	return &Checker{node: node, ln: ln, breakers: breakers}
}

// Check probes both nodes and inspects breaker states. It never returns an
// error: failures are reported in the degraded Report instead.
func (c *Checker) Check(ctx context.Context) Report {
	report := Report{Status: StatusOK, Details: map[string]string{}}

	c.checkChain(ctx, &report)
	c.checkLightning(ctx, &report)

	for name, b := range c.breakers {
		state := b.State()
		key := "breaker_" + name
		report.Details[key] = state.String()
		if state == rpc.StateOpen {
			report.Status = StatusDegraded
		}
	}

	return report
}

func (c *Checker) checkChain(ctx context.Context, report *Report) {
	info, err := c.node.GetBlockchainInfo(ctx)
	if err != nil {
		report.Status = StatusDegraded
		report.Details["chain"] = fmt.Sprintf("unreachable: %v", err)
		return
	}
	if info.InitialBlockDownload || info.Blocks < info.Headers {
		report.Status = StatusDegraded
		report.Details["chain"] = fmt.Sprintf("syncing: %d/%d blocks", info.Blocks, info.Headers)
		return
	}
	report.Details["chain"] = fmt.Sprintf("synced at height %d", info.Blocks)
}

func (c *Checker) checkLightning(ctx context.Context, report *Report) {
	info, err := c.ln.GetInfo(ctx)
	if err != nil {
		report.Status = StatusDegraded
		report.Details["lightning"] = fmt.Sprintf("unreachable: %v", err)
		return
	}
	if !info.SyncedToChain {
		report.Status = StatusDegraded
		report.Details["lightning"] = "not synced to chain"
		return
	}
	report.Details["lightning"] = fmt.Sprintf("synced, %d active channels", info.NumActiveChannels)
}
