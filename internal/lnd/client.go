// Package lnd implements the REST client for the Lightning node. It shares
// the resilience model of the bitcoind client: circuit breaker, bounded
// retry for idempotent reads, and connection-slot pooling. Payment
// submission is never retried by this layer.
package lnd

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/openvault/wallet-engine/internal/rpc"
)

// ClientConfig tunes the LND client.
type ClientConfig struct {
	URL         string
	MacaroonHex string

	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	Timeout        time.Duration
	PoolSize       int

	Breaker rpc.BreakerConfig
}

// Client talks to one LND node over REST.
type Client struct {
	baseURL  string
	macaroon string

	httpClient *http.Client
	breaker    *rpc.Breaker
	slots      chan struct{}

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	logger *slog.Logger
}

// NewClient creates an LND REST client.
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
		cfg.Timeout = 60 * time.Second
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 8
	}

	slots := make(chan struct{}, cfg.PoolSize)
	for i := 0; i < cfg.PoolSize; i++ {
		slots <- struct{}{}
	}

	return &Client{
		baseURL:    cfg.URL,
		macaroon:   cfg.MacaroonHex,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    rpc.NewBreaker("lnd", cfg.Breaker),
		slots:      slots,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.RetryBaseDelay,
		maxDelay:   cfg.RetryMaxDelay,
		logger:     slog.Default().With("component", "lnd_rest"),
	}
}

// Breaker exposes the client's circuit breaker for health reporting.
func (c *Client) Breaker() *rpc.Breaker { return c.breaker }

// do performs one REST round trip. retryable selects bounded retry with
// backoff; calls that move funds pass retryable=false and fail on the first
// transport error.
func (c *Client) do(ctx context.Context, method, path string, body, out any, retryable bool) error {
	attempts := 1
	if retryable {
		attempts = c.maxRetries + 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := c.baseDelay << (attempt - 1)
			if delay > c.maxDelay || delay <= 0 {
				delay = c.maxDelay
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return &rpc.NetworkError{Op: path, Err: ctx.Err()}
			}
		}

		if err := c.breaker.Allow(); err != nil {
			return err
		}

		err := c.roundTrip(ctx, method, path, body, out)
		if err == nil {
			c.breaker.Success()
			return nil
		}

		var rpcErr *rpc.RPCError
		if ok := asRPCError(err, &rpcErr); ok {
			c.breaker.Success()
			return err
		}

		c.breaker.Failure()
		lastErr = err
		c.logger.Warn("lnd call failed", "path", path, "attempt", attempt+1, "error", err)
	}

	return fmt.Errorf("%s %s after %d attempts: %w (last error: %v)",
		method, path, attempts, rpc.ErrServiceUnavailable, lastErr)
}

func asRPCError(err error, target **rpc.RPCError) bool {
	e, ok := err.(*rpc.RPCError)
	if ok {
		*target = e
	}
	return ok
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body, out any) error {
	select {
	case <-c.slots:
	case <-ctx.Done():
		return &rpc.NetworkError{Op: path, Err: ctx.Err()}
	}
	defer func() { c.slots <- struct{}{} }()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body for %s: %w", path, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.macaroon != "" {
		req.Header.Set("Grpc-Metadata-macaroon", c.macaroon)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &rpc.NetworkError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &rpc.NetworkError{Op: path, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		var restErr restError
		if json.Unmarshal(raw, &restErr) == nil && (restErr.Error != "" || restErr.Message != "") {
			msg := restErr.Message
			if msg == "" {
				msg = restErr.Error
			}
			return &rpc.RPCError{Code: restErr.Code, Message: msg}
		}
		return &rpc.NetworkError{Op: path, Err: fmt.Errorf("http status %d", resp.StatusCode)}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &rpc.NetworkError{Op: path, Err: fmt.Errorf("malformed response: %w", err)}
		}
	}
	return nil
}

// GetInfo returns node identity and sync state.
func (c *Client) GetInfo(ctx context.Context) (*Info, error) {
	var info Info
	if err := c.do(ctx, http.MethodGet, "/v1/getinfo", nil, &info, true); err != nil {
		return nil, err
	}
	return &info, nil
}

// AddInvoice creates an invoice on the node.
func (c *Client) AddInvoice(ctx context.Context, valueMsat int64, memo string, expirySeconds int64) (*AddInvoiceResponse, error) {
	body := map[string]any{
		"value_msat": strconv.FormatInt(valueMsat, 10),
		"memo":       memo,
		"expiry":     strconv.FormatInt(expirySeconds, 10),
	}
	var resp AddInvoiceResponse
	if err := c.do(ctx, http.MethodPost, "/v1/invoices", body, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LookupInvoice fetches an invoice by its payment hash (hex).
func (c *Client) LookupInvoice(ctx context.Context, paymentHashHex string) (*Invoice, error) {
	var inv Invoice
	if err := c.do(ctx, http.MethodGet, "/v1/invoice/"+paymentHashHex, nil, &inv, true); err != nil {
		return nil, err
	}
	return &inv, nil
}

// DecodePayReq decodes a BOLT11 payment request on the node.
func (c *Client) DecodePayReq(ctx context.Context, payReq string) (*PayReq, error) {
	var decoded PayReq
	path := "/v1/payreq/" + url.PathEscape(payReq)
	if err := c.do(ctx, http.MethodGet, path, nil, &decoded, true); err != nil {
		return nil, err
	}
	return &decoded, nil
}

// SendPayment pays an invoice synchronously. Never retried: resubmitting a
// payment can double-spend liquidity. outgoingChanID constrains the first
// hop, lastHopPubkey (hex) the final hop; either may be empty.
func (c *Client) SendPayment(ctx context.Context, payReq string, amtMsat int64, feeLimitSat int64, outgoingChanID, lastHopPubkey string) (*SendResponse, error) {
	body := map[string]any{
		"payment_request": payReq,
		"fee_limit":       map[string]any{"fixed": strconv.FormatInt(feeLimitSat, 10)},
	}
	if amtMsat > 0 {
		body["amt_msat"] = strconv.FormatInt(amtMsat, 10)
	}
	if outgoingChanID != "" {
		body["outgoing_chan_id"] = outgoingChanID
	}
	if lastHopPubkey != "" {
		raw, err := hex.DecodeString(lastHopPubkey)
		if err != nil {
			return nil, fmt.Errorf("malformed last hop pubkey %q: %w", lastHopPubkey, err)
		}
		body["last_hop_pubkey"] = base64.StdEncoding.EncodeToString(raw)
	}
	var resp SendResponse
	if err := c.do(ctx, http.MethodPost, "/v1/channels/transactions", body, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListChannels returns all channels.
func (c *Client) ListChannels(ctx context.Context) ([]Channel, error) {
	var resp ChannelsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/channels", nil, &resp, true); err != nil {
		return nil, err
	}
	return resp.Channels, nil
}

// ListPayments returns outgoing payments known to the node.
func (c *Client) ListPayments(ctx context.Context, includeIncomplete bool) ([]Payment, error) {
	path := fmt.Sprintf("/v1/payments?include_incomplete=%t", includeIncomplete)
	var resp PaymentsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp, true); err != nil {
		return nil, err
	}
	return resp.Payments, nil
}

// OpenChannel opens a channel to a peer. Not retried.
func (c *Client) OpenChannel(ctx context.Context, peerPubkey string, localFundingSat, satPerVbyte int64, private bool) (*OpenChannelResponse, error) {
	body := map[string]any{
		"node_pubkey_string":   peerPubkey,
		"local_funding_amount": strconv.FormatInt(localFundingSat, 10),
		"sat_per_vbyte":        strconv.FormatInt(satPerVbyte, 10),
		"private":              private,
	}
	var resp OpenChannelResponse
	if err := c.do(ctx, http.MethodPost, "/v1/channels", body, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CloseChannel initiates a cooperative (or forced) close. Not retried.
func (c *Client) CloseChannel(ctx context.Context, fundingTxid string, outputIndex uint32, force bool) error {
	path := fmt.Sprintf("/v1/channels/%s/%d?force=%t", fundingTxid, outputIndex, force)
	return c.do(ctx, http.MethodDelete, path, nil, nil, false)
}

// GetChannelBalance returns aggregate local/remote channel liquidity.
func (c *Client) GetChannelBalance(ctx context.Context) (*ChannelBalance, error) {
	var bal ChannelBalance
	if err := c.do(ctx, http.MethodGet, "/v1/balance/channels", nil, &bal, true); err != nil {
		return nil, err
	}
	return &bal, nil
}

// UpdateChannelPolicy updates routing fee policy for one channel or globally.
func (c *Client) UpdateChannelPolicy(ctx context.Context, req PolicyUpdateRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/chanpolicy", req, nil, false)
}

// ParseSat parses LND's string-encoded satoshi values.
func ParseSat(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
