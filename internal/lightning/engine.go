// Package lightning implements invoice, payment and channel operations on
// top of the LND client. All fund-moving calls go through the client's
// non-retrying path; when the node is unreachable they fail fast with
// rpc.ErrServiceUnavailable.
package lightning

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/openvault/wallet-engine/internal/events"
	"github.com/openvault/wallet-engine/internal/lnd"
	"github.com/openvault/wallet-engine/internal/store"
	"github.com/openvault/wallet-engine/pkg/amount"
)

// LNClient is the node surface the engine needs. *lnd.Client satisfies it.
type LNClient interface {
	GetInfo(ctx context.Context) (*lnd.Info, error)
	AddInvoice(ctx context.Context, valueMsat int64, memo string, expirySeconds int64) (*lnd.AddInvoiceResponse, error)
	LookupInvoice(ctx context.Context, paymentHashHex string) (*lnd.Invoice, error)
	DecodePayReq(ctx context.Context, payReq string) (*lnd.PayReq, error)
	SendPayment(ctx context.Context, payReq string, amtMsat, feeLimitSat int64, outgoingChanID, lastHopPubkey string) (*lnd.SendResponse, error)
	ListChannels(ctx context.Context) ([]lnd.Channel, error)
	OpenChannel(ctx context.Context, peerPubkey string, localFundingSat, satPerVbyte int64, private bool) (*lnd.OpenChannelResponse, error)
	CloseChannel(ctx context.Context, fundingTxid string, outputIndex uint32, force bool) error
	UpdateChannelPolicy(ctx context.Context, req lnd.PolicyUpdateRequest) error
}

// Store is the persistence surface the engine needs.
type Store interface {
	store.InvoiceStore
	store.PaymentStore
	store.ChannelStore
}

// Config tunes payments and rebalancing.
type Config struct {
	FeeRatio          float64 // payment fee ceiling as a fraction of amount
	FeeFloorSat       int64   // minimum fee ceiling
	RebalanceMinSats  int64
	RebalanceAttempts int
	InvoiceExpiry     int64 // seconds
}

// Engine drives Lightning operations.
type Engine struct {
	ln     LNClient
	store  Store
	bus    *events.Bus
	cfg    Config
	logger *slog.Logger
}

// New creates a Lightning engine.
func New(ln LNClient, st Store, bus *events.Bus, cfg Config) *Engine {
	if cfg.FeeRatio <= 0 {
		cfg.FeeRatio = 0.005
	}
	if cfg.FeeFloorSat <= 0 {
		cfg.FeeFloorSat = 5
	}
	if cfg.RebalanceMinSats <= 0 {
		cfg.RebalanceMinSats = 10_000
	}
	if cfg.RebalanceAttempts <= 0 {
		cfg.RebalanceAttempts = 5
	}
	if cfg.InvoiceExpiry <= 0 {
		cfg.InvoiceExpiry = 3600
	}
	return &Engine{
		ln:     ln,
		store:  st,
		bus:    bus,
		cfg:    cfg,
		logger: slog.Default().With("component", "lightning"),
	}
}

// CreateInvoice creates an invoice on the node and persists it immediately.
// Settlement is observed by the monitor, never polled here.
func (e *Engine) CreateInvoice(ctx context.Context, amountMsat amount.Msat, memo string, expirySeconds int64) (*store.Invoice, error) {
	if amountMsat <= 0 {
		return nil, fmt.Errorf("invoice amount must be positive")
	}
	if expirySeconds <= 0 {
		expirySeconds = e.cfg.InvoiceExpiry
	}

	resp, err := e.ln.AddInvoice(ctx, int64(amountMsat), memo, expirySeconds)
	if err != nil {
		return nil, fmt.Errorf("failed to create invoice: %w", err)
	}

	paymentHash, err := decodeRHash(resp.RHash)
	if err != nil {
		return nil, err
	}

	inv := &store.Invoice{
		PaymentHash:    paymentHash,
		PaymentRequest: resp.PaymentRequest,
		AmountMsat:     amountMsat,
		Memo:           memo,
		ExpirySeconds:  expirySeconds,
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.store.SaveInvoice(inv); err != nil {
		return nil, fmt.Errorf("failed to persist invoice: %w", err)
	}

	e.logger.Info("invoice created", "payment_hash", paymentHash, "amount_msat", amountMsat)
	e.bus.Publish(events.InvoiceCreated, map[string]any{
		"payment_hash": paymentHash, "amount_msat": int64(amountMsat),
	})
	return inv, nil
}

// PayInvoice decodes and validates the payment request before submitting
// anything: an amount-less invoice requires a caller amount, and a caller
// amount that disagrees with an amount-carrying invoice fails immediately.
// The payment is tracked in_flight and resolved from the node's response.
func (e *Engine) PayInvoice(ctx context.Context, paymentRequest string, callerMsat amount.Msat) (*store.Payment, error) {
	decoded, err := e.ln.DecodePayReq(ctx, paymentRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to decode payment request: %w", err)
	}

	invoiceMsat, err := lnd.ParseSat(decoded.NumMsat)
	if err != nil {
		return nil, fmt.Errorf("malformed invoice amount: %w", err)
	}

	var payMsat amount.Msat
	var sendAmt int64 // explicit amount, only for amount-less invoices
	switch {
	case invoiceMsat == 0 && callerMsat <= 0:
		return nil, ErrAmountRequired
	case invoiceMsat == 0:
		payMsat = callerMsat
		sendAmt = int64(callerMsat)
	case callerMsat > 0 && callerMsat != amount.Msat(invoiceMsat):
		return nil, &AmountMismatchError{
			InvoiceMsat:   amount.Msat(invoiceMsat),
			RequestedMsat: callerMsat,
		}
	default:
		payMsat = amount.Msat(invoiceMsat)
	}

	feeLimitSat := e.feeCeiling(payMsat.ToSat())

	now := time.Now().UTC()
	payment := &store.Payment{
		PaymentHash: decoded.PaymentHash,
		AmountMsat:  payMsat,
		Status:      store.PaymentInFlight,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.SavePayment(payment); err != nil {
		return nil, fmt.Errorf("failed to persist payment: %w", err)
	}

	resp, err := e.ln.SendPayment(ctx, paymentRequest, sendAmt, feeLimitSat, "", "")
	if err != nil {
		e.resolvePayment(payment, store.PaymentFailed, 0, "")
		return nil, fmt.Errorf("payment submission failed: %w", err)
	}
	if resp.PaymentError != "" {
		e.resolvePayment(payment, store.PaymentFailed, 0, "")
		return payment, fmt.Errorf("payment failed: %s", resp.PaymentError)
	}

	var feeMsat amount.Msat
	if resp.PaymentRoute != nil {
		fees, err := lnd.ParseSat(resp.PaymentRoute.TotalFeesMsat)
		if err == nil {
			feeMsat = amount.Msat(fees)
		}
	}
	preimage := decodeBase64Hex(resp.PaymentPreimage)
	e.resolvePayment(payment, store.PaymentSucceeded, feeMsat, preimage)

	e.logger.Info("payment succeeded", "payment_hash", payment.PaymentHash,
		"amount_msat", payMsat, "fee_msat", feeMsat)
	e.bus.Publish(events.PaymentCompleted, map[string]any{
		"payment_hash": payment.PaymentHash, "status": string(store.PaymentSucceeded),
	})
	return payment, nil
}

func (e *Engine) resolvePayment(p *store.Payment, status store.PaymentStatus, feeMsat amount.Msat, preimage string) {
	p.Status = status
	p.FeeMsat = feeMsat
	p.Preimage = preimage
	if err := e.store.UpdatePayment(p); err != nil {
		e.logger.Error("failed to update payment", "payment_hash", p.PaymentHash, "error", err)
	}
}

// feeCeiling is max(FeeFloorSat, amount × FeeRatio).
func (e *Engine) feeCeiling(amt amount.Sat) int64 {
	ceiling := int64(float64(amt) * e.cfg.FeeRatio)
	if ceiling < e.cfg.FeeFloorSat {
		ceiling = e.cfg.FeeFloorSat
	}
	return ceiling
}

// OpenChannelOpts tunes channel opens.
type OpenChannelOpts struct {
	SatPerVbyte int64
	Private     bool
}

// OpenChannel opens a channel and returns the funding txid. The channel
// record appears once the monitor observes it in the node's channel list.
func (e *Engine) OpenChannel(ctx context.Context, peerPubkey string, amountSat amount.Sat, opts OpenChannelOpts) (string, error) {
	if amountSat <= 0 {
		return "", fmt.Errorf("channel amount must be positive")
	}
	if opts.SatPerVbyte <= 0 {
		opts.SatPerVbyte = 1
	}

	resp, err := e.ln.OpenChannel(ctx, peerPubkey, int64(amountSat), opts.SatPerVbyte, opts.Private)
	if err != nil {
		return "", fmt.Errorf("failed to open channel: %w", err)
	}

	fundingTxid := resp.FundingTxidStr
	if fundingTxid == "" {
		fundingTxid = decodeFundingTxid(resp.FundingTxidBytes)
	}

	e.logger.Info("channel opening", "peer", peerPubkey,
		"amount", amountSat.Format(), "funding_txid", fundingTxid)
	e.bus.Publish(events.ChannelOpened, map[string]any{
		"peer_pubkey": peerPubkey, "funding_txid": fundingTxid,
		"capacity_sat": int64(amountSat),
	})
	return fundingTxid, nil
}

// CloseChannel closes the channel, cooperatively unless force is set. The
// channel point is resolved live from the node.
func (e *Engine) CloseChannel(ctx context.Context, channelID string, force bool) error {
	txid, index, err := e.channelPoint(ctx, channelID)
	if err != nil {
		return err
	}
	if err := e.ln.CloseChannel(ctx, txid, index, force); err != nil {
		return fmt.Errorf("failed to close channel %s: %w", channelID, err)
	}
	e.logger.Info("channel closing", "channel_id", channelID, "force", force)
	return nil
}

// UpdatePolicy sets routing fees for one channel, or all when channelID is
// empty.
func (e *Engine) UpdatePolicy(ctx context.Context, channelID string, baseFeeMsat int64, feeRate float64, timeLockDelta uint32) error {
	req := lnd.PolicyUpdateRequest{
		BaseFeeMsat:   strconv.FormatInt(baseFeeMsat, 10),
		FeeRate:       feeRate,
		TimeLockDelta: timeLockDelta,
	}
	if channelID == "" {
		req.Global = true
	} else {
		txid, index, err := e.channelPoint(ctx, channelID)
		if err != nil {
			return err
		}
		req.ChanPoint = &lnd.ChanPoint{FundingTxidStr: txid, OutputIndex: index}
	}
	if err := e.ln.UpdateChannelPolicy(ctx, req); err != nil {
		return fmt.Errorf("failed to update channel policy: %w", err)
	}
	e.logger.Info("channel policy updated", "channel_id", channelID,
		"base_fee_msat", baseFeeMsat, "fee_rate", feeRate)
	return nil
}

func (e *Engine) channelPoint(ctx context.Context, channelID string) (string, uint32, error) {
	channels, err := e.ln.ListChannels(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("failed to list channels: %w", err)
	}
	for _, c := range channels {
		if c.ChanID != channelID {
			continue
		}
		txid, indexStr, ok := strings.Cut(c.ChannelPoint, ":")
		if !ok {
			return "", 0, fmt.Errorf("malformed channel point %q", c.ChannelPoint)
		}
		index, err := strconv.ParseUint(indexStr, 10, 32)
		if err != nil {
			return "", 0, fmt.Errorf("malformed channel point %q", c.ChannelPoint)
		}
		return txid, uint32(index), nil
	}
	return "", 0, fmt.Errorf("channel %s: %w", channelID, store.ErrNotFound)
}

// decodeRHash converts LND's base64 payment hash to hex.
func decodeRHash(rhash string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(rhash)
	if err != nil {
		return "", fmt.Errorf("malformed payment hash: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

func decodeBase64Hex(s string) string {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return ""
	}
	return hex.EncodeToString(raw)
}

// decodeFundingTxid reverses LND's little-endian funding txid bytes.
func decodeFundingTxid(b64 string) string {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return ""
	}
	for i, j := 0, len(raw)-1; i < j; i, j = i+1, j-1 {
		raw[i], raw[j] = raw[j], raw[i]
	}
	return hex.EncodeToString(raw)
}
