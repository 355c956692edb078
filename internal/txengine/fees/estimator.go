package fees

import (
	"context"

	"github.com/gagliardetto/solana-go"
	"github.com/marknemm/whirlpool-beep-sub001/internal/blockchain/solbc"
	"github.com/marknemm/whirlpool-beep-sub001/internal/types"
	"go.uber.org/zap"
)

// Estimate is a five-tier priority-fee schedule in micro-lamports per compute
// unit. Tiers are monotonically non-decreasing.
type Estimate struct {
	Min       float64 `json:"min"`
	Low       float64 `json:"low"`
	Medium    float64 `json:"medium"`
	High      float64 `json:"high"`
	VeryHigh  float64 `json:"veryHigh"`
	UnsafeMax float64 `json:"unsafeMax"`
}

// ForTier returns the micro-lamports/CU value for a priority tier.
func (e Estimate) ForTier(tier types.PriorityTier) float64 {
	switch tier {
	case types.TierMin:
		return e.Min
	case types.TierLow:
		return e.Low
	case types.TierMedium:
		return e.Medium
	case types.TierHigh:
		return e.High
	case types.TierVeryHigh:
		return e.VeryHigh
	case types.TierUnsafeMax:
		return e.UnsafeMax
	default:
		return e.Medium
	}
}

// FeeSource supplies recent per-slot prioritization fee samples.
type FeeSource interface {
	GetRecentPrioritizationFees(ctx context.Context, writable []solana.PublicKey) ([]solbc.PrioritizationFee, error)
}

// Estimator resolves a priority-fee schedule, preferring an external fee
// oracle and degrading to a local statistical estimate. A zero estimate is a
// valid low-priority default, never an error.
type Estimator struct {
	oracle *OracleClient // nil when no oracle is configured
	source FeeSource
	logger *zap.Logger
}

func NewEstimator(oracle *OracleClient, source FeeSource, logger *zap.Logger) *Estimator {
	return &Estimator{
		oracle: oracle,
		source: source,
		logger: logger.Named("fee-estimator"),
	}
}

// Estimate returns the current fee schedule, scoped to the transaction's
// writable accounts when provided. Results are not cached: the fee market
// moves every slot.
func (e *Estimator) Estimate(ctx context.Context, writable []solana.PublicKey) Estimate {
	if e.oracle != nil {
		estimate, err := e.oracle.Estimate(ctx, writable)
		if err == nil {
			return estimate
		}
		e.logger.Warn("fee oracle unavailable, falling back to statistical estimate",
			zap.Error(err))
	}

	estimate, err := e.statisticalEstimate(ctx, writable)
	if err != nil {
		e.logger.Warn("statistical fee estimate failed, using zero schedule",
			zap.Error(err))
		return Estimate{}
	}
	return estimate
}

// statisticalEstimate derives tiers from the mean and variance of the recent
// per-slot fee sample for the same writable-account set.
func (e *Estimator) statisticalEstimate(ctx context.Context, writable []solana.PublicKey) (Estimate, error) {
	samples, err := e.source.GetRecentPrioritizationFees(ctx, writable)
	if err != nil {
		return Estimate{}, err
	}
	if len(samples) == 0 {
		return Estimate{}, solbc.ErrEmptySample
	}

	mean, variance := meanAndVariance(samples)

	clamp := func(v float64) float64 {
		if v < 0 {
			return 0
		}
		return v
	}

	return Estimate{
		Min:       clamp(mean - 2*variance),
		Low:       clamp(mean - variance),
		Medium:    clamp(mean),
		High:      clamp(mean + variance),
		VeryHigh:  clamp(mean + 2*variance),
		UnsafeMax: clamp(mean + 3*variance),
	}, nil
}

func meanAndVariance(samples []solbc.PrioritizationFee) (float64, float64) {
	var sum float64
	for _, s := range samples {
		sum += float64(s.Fee)
	}
	mean := sum / float64(len(samples))

	var sqSum float64
	for _, s := range samples {
		d := float64(s.Fee) - mean
		sqSum += d * d
	}
	return mean, sqSum / float64(len(samples))
}
