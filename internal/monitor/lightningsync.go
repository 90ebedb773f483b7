package monitor

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/openvault/wallet-engine/internal/events"
	"github.com/openvault/wallet-engine/internal/lnd"
	"github.com/openvault/wallet-engine/internal/store"
	"github.com/openvault/wallet-engine/pkg/amount"
)

// reconcileLightning refreshes channel records from the node and resolves
// open invoice and payment records against the node's view.
func (m *Monitor) reconcileLightning(ctx context.Context) error {
	if err := m.refreshChannels(ctx); err != nil {
		m.logger.Warn("channel refresh failed", "error", err)
	}
	if err := m.settleInvoices(ctx); err != nil {
		m.logger.Warn("invoice reconciliation failed", "error", err)
	}
	if err := m.resolvePayments(ctx); err != nil {
		m.logger.Warn("payment reconciliation failed", "error", err)
	}
	return nil
}

func (m *Monitor) refreshChannels(ctx context.Context) error {
	channels, err := m.ln.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("failed to list channels: %w", err)
	}

	for _, ch := range channels {
		capacity, err := lnd.ParseSat(ch.Capacity)
		if err != nil {
			m.logger.Warn("skipping channel with malformed capacity", "chan_id", ch.ChanID)
			continue
		}
		local, err := lnd.ParseSat(ch.LocalBalance)
		if err != nil {
			continue
		}
		remote, err := lnd.ParseSat(ch.RemoteBalance)
		if err != nil {
			continue
		}
		rec := &store.Channel{
			ChannelID:     ch.ChanID,
			RemotePubkey:  ch.RemotePubkey,
			Capacity:      amount.Sat(capacity),
			LocalBalance:  amount.Sat(local),
			RemoteBalance: amount.Sat(remote),
			Active:        ch.Active,
		}
		if err := m.store.UpsertChannel(rec); err != nil {
			m.logger.Error("failed to upsert channel", "chan_id", ch.ChanID, "error", err)
		}
	}
	return nil
}

func (m *Monitor) settleInvoices(ctx context.Context) error {
	invoices, err := m.store.ListUnsettledInvoices()
	if err != nil {
		return fmt.Errorf("failed to list unsettled invoices: %w", err)
	}

	for i := range invoices {
		inv := &invoices[i]
		nodeInv, err := m.ln.LookupInvoice(ctx, inv.PaymentHash)
		if err != nil {
			m.logger.Warn("invoice lookup failed", "payment_hash", inv.PaymentHash, "error", err)
			continue
		}
		if !nodeInv.Settled {
			continue
		}

		settledAt := time.Now().UTC()
		if unix, err := strconv.ParseInt(nodeInv.SettleDate, 10, 64); err == nil && unix > 0 {
			settledAt = time.Unix(unix, 0).UTC()
		}
		inv.Settled = true
		inv.SettledAt = &settledAt
		if err := m.store.UpdateInvoice(inv); err != nil {
			m.logger.Error("failed to settle invoice", "payment_hash", inv.PaymentHash, "error", err)
			continue
		}
		m.logger.Info("invoice settled", "payment_hash", inv.PaymentHash,
			"amount_msat", int64(inv.AmountMsat))
		m.bus.Publish(events.InvoiceSettled, map[string]any{
			"payment_hash": inv.PaymentHash, "amount_msat": int64(inv.AmountMsat),
		})
	}
	return nil
}

// resolvePayments finishes payments the engine left in flight, typically
// after a crash between submission and resolution.
func (m *Monitor) resolvePayments(ctx context.Context) error {
	pending, err := m.store.ListInFlightPayments()
	if err != nil {
		return fmt.Errorf("failed to list in-flight payments: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	nodePayments, err := m.ln.ListPayments(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to list node payments: %w", err)
	}
	byHash := make(map[string]lnd.Payment, len(nodePayments))
	for _, p := range nodePayments {
		byHash[p.PaymentHash] = p
	}

	for i := range pending {
		p := &pending[i]
		np, ok := byHash[p.PaymentHash]
		if !ok {
			continue
		}

		switch np.Status {
		case "SUCCEEDED":
			p.Status = store.PaymentSucceeded
			p.Preimage = np.PaymentPreimage
			if fee, err := lnd.ParseSat(np.FeeMsat); err == nil {
				p.FeeMsat = amount.Msat(fee)
			}
		case "FAILED":
			p.Status = store.PaymentFailed
		default:
			continue
		}

		if err := m.store.UpdatePayment(p); err != nil {
			m.logger.Error("failed to resolve payment", "payment_hash", p.PaymentHash, "error", err)
			continue
		}
		m.logger.Info("payment resolved", "payment_hash", p.PaymentHash, "status", p.Status)
		m.bus.Publish(events.PaymentCompleted, map[string]any{
			"payment_hash": p.PaymentHash,
			"status":       string(p.Status),
			"fee_msat":     int64(p.FeeMsat),
		})
	}
	return nil
}
