package budget

import (
	"context"
	"math"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/marknemm/whirlpool-beep-sub001/internal/blockchain/solbc"
	"github.com/marknemm/whirlpool-beep-sub001/internal/txengine/fees"
	"github.com/marknemm/whirlpool-beep-sub001/internal/types"
	"go.uber.org/zap"
)

// maxComputeUnits is the network-wide per-transaction compute ceiling.
const maxComputeUnits = 1_400_000

// Simulator runs a transaction against current ledger state to learn its
// compute-unit consumption.
type Simulator interface {
	SimulateTransaction(ctx context.Context, tx *solana.Transaction) (*solbc.SimulationResult, error)
}

// FeeEstimator resolves the current priority-fee schedule.
type FeeEstimator interface {
	Estimate(ctx context.Context, writable []solana.PublicKey) fees.Estimate
}

// Config bounds the fee bidding.
type Config struct {
	MarginPercent  int // inflation applied to simulated units
	MinFeeLamports uint64
	MaxFeeLamports uint64
	DefaultTier    types.PriorityTier
}

// ComputeBudget is the resolved budget for one build attempt. When UnitLimit
// is nil, simulation failed and no budget instructions are emitted: the
// transaction runs on network defaults.
type ComputeBudget struct {
	UnitLimit    *uint32
	FeeLamports  uint64
	Tier         types.PriorityTier
	Instructions []solana.Instruction
}

// Options lets known-cost operations bypass estimation entirely.
type Options struct {
	ExplicitUnitLimit   uint32 // when non-zero, used with ExplicitFeeLamports unchanged
	ExplicitFeeLamports uint64
	Tier                *types.PriorityTier // overrides Config.DefaultTier
}

// Builder assembles the compute-budget instruction pair for a transaction.
type Builder struct {
	simulator Simulator
	estimator FeeEstimator
	config    Config
	payer     solana.PublicKey
	logger    *zap.Logger
}

func NewBuilder(simulator Simulator, estimator FeeEstimator, config Config, payer solana.PublicKey, logger *zap.Logger) *Builder {
	return &Builder{
		simulator: simulator,
		estimator: estimator,
		config:    config,
		payer:     payer,
		logger:    logger.Named("compute-budget"),
	}
}

// Build estimates a compute budget for the given business instructions.
// retryCount biases both the priority tier (one level per two retries) and
// the fee floor, so repeated failures bid more aggressively.
func (b *Builder) Build(ctx context.Context, instructions []solana.Instruction, opts Options, retryCount int) *ComputeBudget {
	if opts.ExplicitUnitLimit > 0 {
		limit := opts.ExplicitUnitLimit
		return &ComputeBudget{
			UnitLimit:    &limit,
			FeeLamports:  opts.ExplicitFeeLamports,
			Tier:         b.resolveTier(opts, retryCount),
			Instructions: budgetInstructions(limit, opts.ExplicitFeeLamports),
		}
	}

	limit, ok := b.estimateUnitLimit(ctx, instructions)
	if !ok {
		// Without a unit limit a lamport fee cannot be converted to a per-CU
		// price, so both instructions are omitted.
		return &ComputeBudget{Tier: b.resolveTier(opts, retryCount)}
	}

	tier := b.resolveTier(opts, retryCount)
	estimate := b.estimator.Estimate(ctx, writableAccounts(instructions))
	microPerCU := estimate.ForTier(tier)

	feeLamports := uint64(math.Ceil(microPerCU * float64(limit) / 1e6))
	feeLamports = b.clampFee(feeLamports, retryCount)

	b.logger.Debug("compute budget resolved",
		zap.Uint32("unit_limit", limit),
		zap.Uint64("fee_lamports", feeLamports),
		zap.String("tier", tier.String()),
		zap.Int("retry", retryCount))

	return &ComputeBudget{
		UnitLimit:    &limit,
		FeeLamports:  feeLamports,
		Tier:         tier,
		Instructions: budgetInstructions(limit, feeLamports),
	}
}

func (b *Builder) resolveTier(opts Options, retryCount int) types.PriorityTier {
	base := b.config.DefaultTier
	if opts.Tier != nil {
		base = *opts.Tier
	}
	return types.ResolveTier(base, retryCount)
}

// estimateUnitLimit simulates the instruction set and inflates the consumed
// units by the configured margin to absorb PDA-derivation variance.
func (b *Builder) estimateUnitLimit(ctx context.Context, instructions []solana.Instruction) (uint32, bool) {
	if len(instructions) == 0 {
		return 0, false
	}

	// Probe transaction: unsigned, throwaway blockhash. The simulation runs
	// with ReplaceRecentBlockhash so nothing real is consumed.
	probe, err := solana.NewTransaction(instructions, solana.Hash{}, solana.TransactionPayer(b.payer))
	if err != nil {
		b.logger.Warn("failed to assemble simulation probe", zap.Error(err))
		return 0, false
	}

	result, err := b.simulator.SimulateTransaction(ctx, probe)
	if err != nil {
		b.logger.Warn("simulation failed, proceeding without compute budget", zap.Error(err))
		return 0, false
	}
	if result.Failed() || result.UnitsConsumed == 0 {
		b.logger.Warn("simulation returned no usable unit count",
			zap.Any("sim_err", result.Err))
		return 0, false
	}

	inflated := result.UnitsConsumed * uint64(100+b.config.MarginPercent) / 100
	if inflated > maxComputeUnits {
		inflated = maxComputeUnits
	}
	return uint32(inflated), true
}

// clampFee bounds the total fee into [MinFeeLamports, MaxFeeLamports], with
// the floor raised once per retry attempt.
func (b *Builder) clampFee(feeLamports uint64, retryCount int) uint64 {
	floor := b.config.MinFeeLamports * uint64(retryCount+1)
	if floor > b.config.MaxFeeLamports {
		floor = b.config.MaxFeeLamports
	}
	if feeLamports < floor {
		feeLamports = floor
	}
	if feeLamports > b.config.MaxFeeLamports {
		feeLamports = b.config.MaxFeeLamports
	}
	return feeLamports
}

// budgetInstructions emits the unit-limit and unit-price pair, in that order.
// A zero fee omits the price instruction.
func budgetInstructions(limit uint32, feeLamports uint64) []solana.Instruction {
	instructions := []solana.Instruction{
		computebudget.NewSetComputeUnitLimitInstruction(limit).Build(),
	}
	if feeLamports > 0 {
		microPerCU := uint64(math.Ceil(float64(feeLamports) * 1e6 / float64(limit)))
		instructions = append(instructions,
			computebudget.NewSetComputeUnitPriceInstruction(microPerCU).Build())
	}
	return instructions
}

// writableAccounts collects the deduplicated writable accounts across the
// instruction set, for fee-market locality.
func writableAccounts(instructions []solana.Instruction) []solana.PublicKey {
	seen := make(map[solana.PublicKey]struct{})
	var writable []solana.PublicKey
	for _, instruction := range instructions {
		for _, meta := range instruction.Accounts() {
			if !meta.IsWritable {
				continue
			}
			if _, ok := seen[meta.PublicKey]; ok {
				continue
			}
			seen[meta.PublicKey] = struct{}{}
			writable = append(writable, meta.PublicKey)
		}
	}
	return writable
}
