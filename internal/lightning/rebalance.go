package lightning

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/openvault/wallet-engine/internal/events"
	"github.com/openvault/wallet-engine/internal/lnd"
	"github.com/openvault/wallet-engine/internal/store"
	"github.com/openvault/wallet-engine/pkg/amount"
)

// Channels with a local/capacity ratio outside [lowWaterRatio, highWaterRatio]
// are considered imbalanced; rebalancing moves them toward targetRatio.
const (
	lowWaterRatio  = 0.2
	highWaterRatio = 0.8
	targetRatio    = 0.5
)

// RebalanceResult is the outcome of one circular payment attempt.
type RebalanceResult struct {
	SourceChannelID string      `json:"source_channel_id,omitempty"`
	SinkChannelID   string      `json:"sink_channel_id,omitempty"`
	AmountSat       amount.Sat  `json:"amount_sat"`
	FeeMsat         amount.Msat `json:"fee_msat"`
	Err             string      `json:"error,omitempty"`
}

// RebalanceReport summarizes one rebalancing run.
type RebalanceReport struct {
	Attempted     int               `json:"attempted"`
	Succeeded     int               `json:"succeeded"`
	Failed        int               `json:"failed"`
	Skipped       int               `json:"skipped"`
	TotalFeesMsat amount.Msat       `json:"total_fees_msat"`
	Results       []RebalanceResult `json:"results"`
}

type channelState struct {
	ch       lnd.Channel
	capacity amount.Sat
	local    amount.Sat
	ratio    float64
}

func (st channelState) excess() amount.Sat {
	return st.local - amount.Sat(float64(st.capacity)*targetRatio)
}

func (st channelState) deficit() amount.Sat {
	return amount.Sat(float64(st.capacity)*targetRatio) - st.local
}

// Rebalance moves liquidity toward the 0.5 target with circular self-invoice
// payments: over-full channels (local ratio above 0.8) are drained by routing
// the payment out through them, depleted channels (ratio below 0.2) are
// refilled by forcing them as the payment's last hop. The worst channels on
// each side are paired so one payment corrects both where possible. Attempts
// are bounded per run, amounts below the configured minimum are skipped, and
// one pair's failure never aborts the batch.
func (e *Engine) Rebalance(ctx context.Context) (*RebalanceReport, error) {
	channels, err := e.ln.ListChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}

	var overFull, depleted []channelState
	for _, ch := range channels {
		if !ch.Active {
			continue
		}
		st, err := parseChannelState(ch)
		if err != nil {
			e.logger.Warn("skipping malformed channel", "channel_id", ch.ChanID, "error", err)
			continue
		}
		switch {
		case st.ratio > highWaterRatio:
			overFull = append(overFull, st)
		case st.ratio < lowWaterRatio:
			depleted = append(depleted, st)
		}
	}
	// Most over-full first, most depleted first.
	sort.Slice(overFull, func(i, j int) bool {
		return overFull[i].ratio > overFull[j].ratio
	})
	sort.Slice(depleted, func(i, j int) bool {
		return depleted[i].ratio < depleted[j].ratio
	})

	report := &RebalanceReport{}
	for i := 0; i < len(overFull) || i < len(depleted); i++ {
		var src, dst *channelState
		if i < len(overFull) {
			src = &overFull[i]
		}
		if i < len(depleted) {
			dst = &depleted[i]
		}

		amt := pairAmount(src, dst)
		if int64(amt) < e.cfg.RebalanceMinSats {
			report.Skipped++
			continue
		}
		if report.Attempted >= e.cfg.RebalanceAttempts {
			break
		}

		report.Attempted++
		result := e.rebalancePair(ctx, src, dst, amt)
		report.Results = append(report.Results, result)
		if result.Err == "" {
			report.Succeeded++
			report.TotalFeesMsat += result.FeeMsat
		} else {
			report.Failed++
		}
	}

	if report.Attempted > 0 {
		e.logger.Info("rebalance run finished", "attempted", report.Attempted,
			"succeeded", report.Succeeded, "failed", report.Failed,
			"total_fees_msat", report.TotalFeesMsat)
		e.bus.Publish(events.ChannelsRebalanced, report)
	}
	return report, nil
}

// pairAmount is the movement both sides can absorb: the source's surplus
// above target, the sink's shortfall below it, or the smaller of the two
// when both are constrained.
func pairAmount(src, dst *channelState) amount.Sat {
	switch {
	case src != nil && dst != nil:
		excess, deficit := src.excess(), dst.deficit()
		if deficit < excess {
			return deficit
		}
		return excess
	case src != nil:
		return src.excess()
	case dst != nil:
		return dst.deficit()
	}
	return 0
}

// rebalancePair pays a self-invoice out through the over-full channel and,
// when a depleted sink is paired, back in through its peer as the last hop.
func (e *Engine) rebalancePair(ctx context.Context, src, dst *channelState, amt amount.Sat) RebalanceResult {
	result := RebalanceResult{AmountSat: amt}
	outgoingChanID, lastHopPubkey := "", ""
	if src != nil {
		result.SourceChannelID = src.ch.ChanID
		outgoingChanID = src.ch.ChanID
	}
	if dst != nil {
		result.SinkChannelID = dst.ch.ChanID
		lastHopPubkey = dst.ch.RemotePubkey
	}

	inv, err := e.ln.AddInvoice(ctx, int64(amt.ToMsat()), "rebalance", 600)
	if err != nil {
		result.Err = fmt.Sprintf("failed to create self-invoice: %v", err)
		return result
	}

	feeLimitSat := e.feeCeiling(amt)
	resp, err := e.ln.SendPayment(ctx, inv.PaymentRequest, 0, feeLimitSat, outgoingChanID, lastHopPubkey)
	if err != nil {
		result.Err = fmt.Sprintf("payment failed: %v", err)
		return result
	}
	if resp.PaymentError != "" {
		result.Err = resp.PaymentError
		return result
	}

	if resp.PaymentRoute != nil {
		if fees, err := lnd.ParseSat(resp.PaymentRoute.TotalFeesMsat); err == nil {
			result.FeeMsat = amount.Msat(fees)
		}
	}

	// Reflect the movement locally; the monitor refreshes authoritative
	// balances on its next tick.
	if src != nil {
		e.recordChannelShift(*src, -amt)
	}
	if dst != nil {
		e.recordChannelShift(*dst, amt)
	}

	e.logger.Info("channels rebalanced", "source_channel_id", result.SourceChannelID,
		"sink_channel_id", result.SinkChannelID,
		"amount", amt.Format(), "fee_msat", result.FeeMsat)
	return result
}

func (e *Engine) recordChannelShift(st channelState, delta amount.Sat) {
	local := st.local + delta
	e.store.UpsertChannel(&store.Channel{
		ChannelID:     st.ch.ChanID,
		RemotePubkey:  st.ch.RemotePubkey,
		Capacity:      st.capacity,
		LocalBalance:  local,
		RemoteBalance: st.capacity - local,
		Active:        true,
		UpdatedAt:     time.Now().UTC(),
	})
}

func parseChannelState(ch lnd.Channel) (channelState, error) {
	capacity, err := lnd.ParseSat(ch.Capacity)
	if err != nil || capacity <= 0 {
		return channelState{}, fmt.Errorf("capacity %q", ch.Capacity)
	}
	local, err := lnd.ParseSat(ch.LocalBalance)
	if err != nil {
		return channelState{}, fmt.Errorf("local balance %q", ch.LocalBalance)
	}
	return channelState{
		ch:       ch,
		capacity: amount.Sat(capacity),
		local:    amount.Sat(local),
		ratio:    float64(local) / float64(capacity),
	}, nil
}
