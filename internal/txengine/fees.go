package txengine

import (
	"context"
	"math"
)

// P2WPKH size model: per-input and per-output virtual bytes plus fixed
// transaction overhead.
const (
	inputVBytes      = 148
	outputVBytes     = 34
	txOverheadVBytes = 10
)

func estimateVSize(inputs, outputs int) int64 {
	return int64(inputs)*inputVBytes + int64(outputs)*outputVBytes + txOverheadVBytes
}

// estimateFeeRate asks the node for a rate targeting FeeTargetBlocks, scales
// it by the congestion multiplier (clamped to CongestionCap) and floors the
// result at MinFeeRate. Estimation failures fall back to the floor so a
// degraded node never blocks sends.
func (e *Engine) estimateFeeRate(ctx context.Context) int64 {
	est, err := e.node.EstimateSmartFee(ctx, e.cfg.FeeTargetBlocks)
	if err != nil || est.FeeRate <= 0 {
		e.logger.Warn("fee estimate unavailable, using floor",
			"floor", e.cfg.MinFeeRate, "error", err)
		return e.cfg.MinFeeRate
	}

	// bitcoind reports BTC/kvB.
	satPerVB := est.FeeRate * 1e8 / 1000

	mult := e.congestion()
	if mult < 1.0 {
		mult = 1.0
	}
	if mult > e.cfg.CongestionCap {
		mult = e.cfg.CongestionCap
	}

	rate := int64(math.Ceil(satPerVB * mult))
	if rate < e.cfg.MinFeeRate {
		rate = e.cfg.MinFeeRate
	}
	return rate
}
