package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openvault/wallet-engine/internal/lnd"
	"github.com/openvault/wallet-engine/internal/rpc"
)

type fakeNode struct {
	info *rpc.BlockchainInfo
	err  error
}

func (f *fakeNode) GetBlockchainInfo(context.Context) (*rpc.BlockchainInfo, error) {
	return f.info, f.err
}

type fakeLN struct {
	info *lnd.Info
	err  error
}

func (f *fakeLN) GetInfo(context.Context) (*lnd.Info, error) {
	return f.info, f.err
}

func syncedNode() *fakeNode {
	return &fakeNode{info: &rpc.BlockchainInfo{Blocks: 800_000, Headers: 800_000}}
}

func syncedLN() *fakeLN {
	return &fakeLN{info: &lnd.Info{SyncedToChain: true, NumActiveChannels: 4}}
}

func TestCheckAllHealthy(t *testing.T) {
	c := New(syncedNode(), syncedLN(), nil)

	report := c.Check(context.Background())
	require.Equal(t, StatusOK, report.Status)
	require.Contains(t, report.Details["chain"], "synced")
	require.Contains(t, report.Details["lightning"], "synced")
}

func TestCheckDegradedWhenChainSyncing(t *testing.T) {
	node := &fakeNode{info: &rpc.BlockchainInfo{Blocks: 700_000, Headers: 800_000, InitialBlockDownload: true}}
	c := New(node, syncedLN(), nil)

	report := c.Check(context.Background())
	require.Equal(t, StatusDegraded, report.Status)
	require.Contains(t, report.Details["chain"], "syncing")
}

func TestCheckDegradedWhenNodeUnreachable(t *testing.T) {
	node := &fakeNode{err: errors.New("connection refused")}
	c := New(node, syncedLN(), nil)

	report := c.Check(context.Background())
	require.Equal(t, StatusDegraded, report.Status)
	require.Contains(t, report.Details["chain"], "unreachable")
}

func TestCheckDegradedWhenLightningBehind(t *testing.T) {
	ln := &fakeLN{info: &lnd.Info{SyncedToChain: false}}
	c := New(syncedNode(), ln, nil)

	report := c.Check(context.Background())
	require.Equal(t, StatusDegraded, report.Status)
	require.Equal(t, "not synced to chain", report.Details["lightning"])
}

func TestCheckReportsOpenBreaker(t *testing.T) {
	breaker := rpc.NewBreaker("bitcoind", rpc.BreakerConfig{MinSamples: 1, ErrorThreshold: 0.5})
	breaker.Failure()

	c := New(syncedNode(), syncedLN(), map[string]*rpc.Breaker{"bitcoind": breaker})

	report := c.Check(context.Background())
	require.Equal(t, StatusDegraded, report.Status)
	require.Equal(t, "open", report.Details["breaker_bitcoind"])
}
