package builder

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/marknemm/whirlpool-beep-sub001/internal/blockchain/solbc"
	"github.com/marknemm/whirlpool-beep-sub001/internal/txengine/budget"
	"github.com/marknemm/whirlpool-beep-sub001/internal/wallet"
	"go.uber.org/zap"
)

var ErrEmptyInstructionSet = errors.New("instruction set is empty")

// Blockhasher fetches a fresh blockhash with its validity horizon.
type Blockhasher interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*solbc.BlockhashInfo, error)
}

// BudgetBuilder resolves the compute budget for an instruction set.
type BudgetBuilder interface {
	Build(ctx context.Context, instructions []solana.Instruction, opts budget.Options, retryCount int) *budget.ComputeBudget
}

// Options controls one build. Fields left at their zero value inherit from
// the builder's defaults.
type Options struct {
	Commitment    rpc.CommitmentType
	SkipSigning   bool
	AddressTables map[solana.PublicKey]solana.PublicKeySlice
	Budget        budget.Options
}

// merge layers call-site options over the defaults. Only explicitly set
// fields override.
func (o Options) merge(override *Options) Options {
	if override == nil {
		return o
	}
	merged := o
	if override.Commitment != "" {
		merged.Commitment = override.Commitment
	}
	if override.SkipSigning {
		merged.SkipSigning = true
	}
	if len(override.AddressTables) > 0 {
		merged.AddressTables = override.AddressTables
	}
	if override.Budget.ExplicitUnitLimit > 0 {
		merged.Budget.ExplicitUnitLimit = override.Budget.ExplicitUnitLimit
		merged.Budget.ExplicitFeeLamports = override.Budget.ExplicitFeeLamports
	}
	if override.Budget.Tier != nil {
		merged.Budget.Tier = override.Budget.Tier
	}
	return merged
}

// BuildRecord is the audit trail of one build attempt: the assembled
// transaction plus everything that went into it.
type BuildRecord struct {
	Tx         *solana.Transaction
	Signature  solana.Signature
	Blockhash  solbc.BlockhashInfo
	Budget     *budget.ComputeBudget
	Options    Options // merged options the build actually used
	Payer      solana.PublicKey
	RetryCount int
	CreatedAt  time.Time
}

// Builder assembles, anchors and signs transactions. It keeps a history of
// build records so retries and post-mortems can see exactly what was sent.
type Builder struct {
	client   Blockhasher
	budgeter BudgetBuilder
	wallet   *wallet.Wallet
	defaults Options
	logger   *zap.Logger

	mu      sync.Mutex
	history []*BuildRecord
}

func NewBuilder(client Blockhasher, budgeter BudgetBuilder, w *wallet.Wallet, defaults Options, logger *zap.Logger) *Builder {
	if defaults.Commitment == "" {
		defaults.Commitment = rpc.CommitmentConfirmed
	}
	return &Builder{
		client:   client,
		budgeter: budgeter,
		wallet:   w,
		defaults: defaults,
		logger:   logger.Named("tx-builder"),
	}
}

// Build compiles the instruction set, prepends the compute-budget
// instructions, anchors the transaction to a fresh blockhash and signs it.
// Each call fetches a new blockhash and re-resolves the budget, so every
// retry attempt produces a distinct transaction.
func (b *Builder) Build(ctx context.Context, set *InstructionSet, opts *Options, retryCount int) (*BuildRecord, error) {
	if set == nil || set.Len() == 0 {
		return nil, ErrEmptyInstructionSet
	}
	merged := b.defaults.merge(opts)

	compiled := set.Compile()
	computeBudget := b.budgeter.Build(ctx, compiled, merged.Budget, retryCount)

	final := make([]solana.Instruction, 0, len(computeBudget.Instructions)+len(compiled))
	final = append(final, computeBudget.Instructions...)
	final = append(final, compiled...)

	blockhash, err := b.client.GetLatestBlockhash(ctx, merged.Commitment)
	if err != nil {
		return nil, err
	}

	txOpts := []solana.TransactionOption{solana.TransactionPayer(b.wallet.PublicKey)}
	if len(merged.AddressTables) > 0 {
		txOpts = append(txOpts, solana.TransactionAddressTables(merged.AddressTables))
	}

	tx, err := solana.NewTransaction(final, blockhash.Blockhash, txOpts...)
	if err != nil {
		return nil, err
	}

	record := &BuildRecord{
		Tx:         tx,
		Blockhash:  *blockhash,
		Budget:     computeBudget,
		Options:    merged,
		Payer:      b.wallet.PublicKey,
		RetryCount: retryCount,
		CreatedAt:  time.Now(),
	}

	if !merged.SkipSigning {
		// The payer signs first by message construction.
		if err := b.wallet.SignTransaction(tx, set.Signers()...); err != nil {
			return nil, err
		}
		record.Signature = tx.Signatures[0]
	}

	b.logger.Debug("transaction built",
		zap.String("blockhash", blockhash.Blockhash.String()),
		zap.Uint64("last_valid_block_height", blockhash.LastValidBlockHeight),
		zap.Int("instructions", len(final)),
		zap.Int("retry", retryCount),
		zap.Bool("signed", !merged.SkipSigning))

	b.mu.Lock()
	b.history = append(b.history, record)
	b.mu.Unlock()

	return record, nil
}

// History returns a copy of all build records so far, oldest first.
func (b *Builder) History() []*BuildRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*BuildRecord, len(b.history))
	copy(out, b.history)
	return out
}
