package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeNode is a minimal JSON-RPC endpoint for client tests.
type fakeNode struct {
	t        *testing.T
	calls    atomic.Int64
	handler  func(method string, params []json.RawMessage) (any, *RPCError)
	failNext atomic.Int64 // number of upcoming requests to fail at transport level
}

func (f *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	if f.failNext.Load() > 0 {
		f.failNext.Add(-1)
		// Hijack-free transport failure: truncate the response.
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		return
	}

	var req struct {
		ID     uint64            `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))

	result, rpcErr := f.handler(req.Method, req.Params)
	resp := map[string]any{"id": req.ID, "result": result, "error": rpcErr}
	require.NoError(f.t, json.NewEncoder(w).Encode(resp))
}

func newTestClient(t *testing.T, node *fakeNode) *Client {
	t.Helper()
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)

	return NewClient(ClientConfig{
		URL:            srv.URL,
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
		Timeout:        time.Second,
		PoolSize:       2,
		CacheTTL:       time.Minute,
		Breaker: BreakerConfig{
			MinSamples:     3,
			ErrorThreshold: 0.5,
			Cooldown:       time.Hour,
		},
	})
}

func TestCallDecodesTypedResult(t *testing.T) {
	node := &fakeNode{t: t, handler: func(method string, _ []json.RawMessage) (any, *RPCError) {
		require.Equal(t, "getblockchaininfo", method)
		return map[string]any{"chain": "regtest", "blocks": 120}, nil
	}}
	c := newTestClient(t, node)

	info, err := c.GetBlockchainInfo(context.Background())
	require.NoError(t, err)
	require.Equal(t, "regtest", info.Chain)
	require.Equal(t, int64(120), info.Blocks)
}

func TestCallRetriesTransportFailures(t *testing.T) {
	node := &fakeNode{t: t, handler: func(string, []json.RawMessage) (any, *RPCError) {
		return "txid123", nil
	}}
	node.failNext.Store(2)
	c := newTestClient(t, node)

	txid, err := c.SendRawTransaction(context.Background(), "00aabb")
	require.NoError(t, err)
	require.Equal(t, "txid123", txid)
	require.Equal(t, int64(3), node.calls.Load())
}

func TestCallSurfacesServiceUnavailableOnExhaustion(t *testing.T) {
	node := &fakeNode{t: t, handler: func(string, []json.RawMessage) (any, *RPCError) {
		return nil, nil
	}}
	node.failNext.Store(100)
	c := newTestClient(t, node)

	_, err := c.GetNetworkInfo(context.Background())
	require.ErrorIs(t, err, ErrServiceUnavailable)
	require.Equal(t, int64(3), node.calls.Load()) // 1 + 2 retries
}

func TestRPCErrorsAreNotRetried(t *testing.T) {
	node := &fakeNode{t: t, handler: func(string, []json.RawMessage) (any, *RPCError) {
		return nil, &RPCError{Code: -26, Message: "txn-mempool-conflict"}
	}}
	c := newTestClient(t, node)

	_, err := c.SendRawTransaction(context.Background(), "00aabb")
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, -26, rpcErr.Code)
	require.Contains(t, rpcErr.Message, "txn-mempool-conflict")
	require.Equal(t, int64(1), node.calls.Load())
}

func TestOpenBreakerFailsFastWithoutContactingNode(t *testing.T) {
	node := &fakeNode{t: t, handler: func(string, []json.RawMessage) (any, *RPCError) {
		return nil, nil
	}}
	node.failNext.Store(100)
	c := newTestClient(t, node)

	// Exhaust retries once: 3 transport failures meet the breaker's
	// minimum sample volume and 100% error rate.
	_, err := c.GetNetworkInfo(context.Background())
	require.ErrorIs(t, err, ErrServiceUnavailable)
	require.Equal(t, StateOpen, c.Breaker().State())

	before := node.calls.Load()
	_, err = c.GetNetworkInfo(context.Background())
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.Equal(t, before, node.calls.Load())
}

func TestIdempotentReadsAreCached(t *testing.T) {
	node := &fakeNode{t: t, handler: func(method string, _ []json.RawMessage) (any, *RPCError) {
		return map[string]any{"feerate": 0.0001, "blocks": 6}, nil
	}}
	c := newTestClient(t, node)

	for i := 0; i < 3; i++ {
		est, err := c.EstimateSmartFee(context.Background(), 6)
		require.NoError(t, err)
		require.InDelta(t, 0.0001, est.FeeRate, 1e-12)
	}
	require.Equal(t, int64(1), node.calls.Load())
}

func TestFundMovingCallsAreNeverCached(t *testing.T) {
	node := &fakeNode{t: t, handler: func(string, []json.RawMessage) (any, *RPCError) {
		return "txid", nil
	}}
	c := newTestClient(t, node)

	for i := 0; i < 2; i++ {
		_, err := c.SendRawTransaction(context.Background(), "00")
		require.NoError(t, err)
	}
	require.Equal(t, int64(2), node.calls.Load())
}

func TestListUnspentIsNeverCached(t *testing.T) {
	node := &fakeNode{t: t, handler: func(string, []json.RawMessage) (any, *RPCError) {
		return []map[string]any{{"txid": "aa", "vout": 0, "amount": 0.5, "confirmations": 3}}, nil
	}}
	c := newTestClient(t, node)

	for i := 0; i < 2; i++ {
		utxos, err := c.ListUnspent(context.Background(), 1, []string{"bc1qtest"})
		require.NoError(t, err)
		require.Len(t, utxos, 1)
	}
	require.Equal(t, int64(2), node.calls.Load())
}
