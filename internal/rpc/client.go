// Package rpc implements the resilient JSON-RPC client used to talk to the
// Bitcoin full node. Every call is bounded by a connection slot, retried with
// exponential backoff on transport failure, and guarded by a shared circuit
// breaker. Idempotent reads may be served from a short-TTL cache; anything
// that moves funds never is.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// cacheableMethods are idempotent reads whose results may be served from the
// short-TTL cache. listunspent is deliberately absent: coin selection must
// always see live UTXO data.
var cacheableMethods = map[string]bool{
	"getblockchaininfo": true,
	"getnetworkinfo":    true,
	"getmempoolinfo":    true,
	"estimatesmartfee":  true,
}

// ClientConfig tunes the client's resilience behavior.
type ClientConfig struct {
	URL      string
	User     string
	Password string

	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	Timeout        time.Duration
	PoolSize       int
	CacheTTL       time.Duration

	Breaker BreakerConfig
}

// Client is a Bitcoin Core JSON-RPC client.
type Client struct {
	url      string
	user     string
	password string

	httpClient *http.Client
	breaker    *Breaker
	cache      *resultCache
	slots      chan struct{}

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	nextID atomic.Uint64
	logger *slog.Logger
}

// NewClient creates a client for one bitcoind endpoint.
func NewClient(cfg ClientConfig) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 250 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 8
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Second
	}

	slots := make(chan struct{}, cfg.PoolSize)
	for i := 0; i < cfg.PoolSize; i++ {
		slots <- struct{}{}
	}

	return &Client{
		url:        cfg.URL,
		user:       cfg.User,
		password:   cfg.Password,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    NewBreaker("bitcoind", cfg.Breaker),
		cache:      newResultCache(cfg.CacheTTL),
		slots:      slots,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.RetryBaseDelay,
		maxDelay:   cfg.RetryMaxDelay,
		logger:     slog.Default().With("component", "bitcoind_rpc"),
	}
}

// Breaker exposes the client's circuit breaker for health reporting.
func (c *Client) Breaker() *Breaker { return c.breaker }

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Call invokes a JSON-RPC method. Transport failures are retried with
// exponential backoff up to the configured attempt count; retries stop as
// soon as the breaker opens. Exhaustion surfaces ErrServiceUnavailable with
// the last transport error attached.
func (c *Client) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}

	cacheable := cacheableMethods[method]
	var cacheKey string
	if cacheable {
		rawParams, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params for %s: %w", method, err)
		}
		cacheKey = method + string(rawParams)
		if result, ok := c.cache.get(cacheKey); ok {
			return result, nil
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(c.baseDelay, c.maxDelay, attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, &NetworkError{Op: method, Err: ctx.Err()}
			}
		}

		if err := c.breaker.Allow(); err != nil {
			return nil, err
		}

		result, err := c.do(ctx, method, params)
		if err == nil {
			c.breaker.Success()
			if cacheable {
				c.cache.put(cacheKey, result)
			}
			return result, nil
		}

		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			// The node answered; the request itself was refused.
			// Not a backend health signal, and never retried.
			c.breaker.Success()
			return nil, err
		}

		c.breaker.Failure()
		lastErr = err
		c.logger.Warn("rpc call failed",
			"method", method,
			"attempt", attempt+1,
			"error", err,
		)
	}

	return nil, fmt.Errorf("%s after %d attempts: %w (last error: %v)",
		method, c.maxRetries+1, ErrServiceUnavailable, lastErr)
}

// do performs a single HTTP round trip, bounded by a connection slot.
func (c *Client) do(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	select {
	case <-c.slots:
	case <-ctx.Done():
		return nil, &NetworkError{Op: method, Err: ctx.Err()}
	}
	defer func() { c.slots <- struct{}{} }()

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "1.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request for %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: method, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: method, Err: err}
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return nil, &NetworkError{Op: method, Err: fmt.Errorf("malformed response: %w", err)}
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &NetworkError{Op: method, Err: fmt.Errorf("http status %d", resp.StatusCode)}
	}

	return rpcResp.Result, nil
}

// backoffDelay computes the exponential backoff delay for an attempt,
// capped at maxDelay.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base << (attempt - 1)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}
