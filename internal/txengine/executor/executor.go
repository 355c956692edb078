package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/google/uuid"
	"github.com/marknemm/whirlpool-beep-sub001/internal/blockchain/solbc"
	"github.com/marknemm/whirlpool-beep-sub001/internal/txengine/builder"
	"github.com/marknemm/whirlpool-beep-sub001/internal/txengine/idl"
	"go.uber.org/zap"
)

// State is the execution phase of the current attempt.
type State int

const (
	StateBuilding State = iota
	StateSending
	StateConfirming
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateSending:
		return "sending"
	case StateConfirming:
		return "confirming"
	default:
		return "unknown"
	}
}

// TxBuilder assembles a fresh signed transaction for each attempt.
type TxBuilder interface {
	Build(ctx context.Context, set *builder.InstructionSet, opts *builder.Options, retryCount int) (*builder.BuildRecord, error)
}

// Network is the RPC surface the engine needs to submit and confirm.
type Network interface {
	SendTransaction(ctx context.Context, tx *solana.Transaction, opts solbc.TransactionOptions) (solana.Signature, error)
	GetSignatureStatus(ctx context.Context, signature solana.Signature) (*rpc.SignatureStatusesResult, error)
	GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
}

// SchemaSource resolves a program's compiled schema, used to turn custom
// error codes into their named errors.
type SchemaSource interface {
	Lookup(ctx context.Context, programID string) (*idl.Schema, error)
}

// Config bounds the retry loop and the confirmation wait.
type Config struct {
	MaxRetries     int
	RPCSendRetries uint // node-side resend budget per submission
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	Commitment     rpc.CommitmentType
	SkipPreflight  bool
}

func (c *Config) applyDefaults() {
	if c.BaseRetryDelay == 0 {
		c.BaseRetryDelay = 500 * time.Millisecond
	}
	if c.MaxRetryDelay == 0 {
		c.MaxRetryDelay = 8 * time.Second
	}
	if c.ConfirmTimeout == 0 {
		c.ConfirmTimeout = 45 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.Commitment == "" {
		c.Commitment = rpc.CommitmentConfirmed
	}
}

// Result is a confirmed execution: the signature that landed and the build
// record of the attempt that produced it.
type Result struct {
	Signature solana.Signature
	Slot      uint64
	Record    *builder.BuildRecord
	Attempts  int
}

// Engine drives a transaction through build, submit and confirm, rebuilding
// with a fresh blockhash and an escalated fee bid on every retry.
type Engine struct {
	builder TxBuilder
	network Network
	schemas SchemaSource // nil disables program error name resolution
	config  Config
	metrics *Metrics
	logger  *zap.Logger

	// sleep is injected so tests can run the retry schedule without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewEngine(txBuilder TxBuilder, network Network, schemas SchemaSource, config Config, metrics *Metrics, logger *zap.Logger) *Engine {
	config.applyDefaults()
	return &Engine{
		builder: txBuilder,
		network: network,
		schemas: schemas,
		config:  config,
		metrics: metrics,
		logger:  logger.Named("tx-engine"),
		sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execute runs the full lifecycle for one instruction set. Each attempt
// rebuilds the transaction, so the blockhash is always fresh and the fee bid
// tracks the retry count. retryable decides whether a custom program error is
// transient; nil treats all program errors as terminal.
func (e *Engine) Execute(ctx context.Context, set *builder.InstructionSet, opts *builder.Options, retryable RetryablePredicate) (*Result, error) {
	start := time.Now()
	defer e.metrics.TrackExecution(start)

	log := e.logger.With(zap.String("correlation_id", uuid.NewString()))

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.config.BaseRetryDelay
	bo.MaxInterval = e.config.MaxRetryDelay
	bo.MaxElapsedTime = 0 // the attempt counter bounds the loop

	var lastErr error
	for attempt := 0; attempt <= e.config.MaxRetries; attempt++ {
		result, err := e.attempt(ctx, log, set, opts, attempt)
		if err == nil {
			result.Attempts = attempt + 1
			e.metrics.successCounter.Inc()
			log.Info("transaction confirmed",
				zap.String("signature", result.Signature.String()),
				zap.Uint64("slot", result.Slot),
				zap.Int("attempts", result.Attempts))
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			e.metrics.failureCounter.Inc()
			log.Warn("execution abandoned",
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			return nil, ctx.Err()
		}
		if !isRetryable(err, retryable) {
			e.metrics.failureCounter.Inc()
			log.Error("transaction failed terminally",
				zap.Int("attempt", attempt),
				zap.Error(err))
			return nil, err
		}
		if attempt == e.config.MaxRetries {
			break
		}

		delay := bo.NextBackOff()
		e.metrics.retryCounter.Inc()
		log.Warn("retrying transaction",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := e.sleep(ctx, delay); err != nil {
			// Cancellation is abandonment, not exhaustion.
			e.metrics.failureCounter.Inc()
			return nil, err
		}
	}

	e.metrics.failureCounter.Inc()
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrMaxRetriesExceeded, e.config.MaxRetries+1, lastErr)
}

// attempt runs one pass of the Building -> Sending -> Confirming pipeline.
func (e *Engine) attempt(ctx context.Context, log *zap.Logger, set *builder.InstructionSet, opts *builder.Options, retryCount int) (*Result, error) {
	log.Debug("attempt state", zap.String("state", StateBuilding.String()), zap.Int("attempt", retryCount))
	record, err := e.builder.Build(ctx, set, opts, retryCount)
	if err != nil {
		// Assembly and signing are local and deterministic; retrying them
		// would fail identically.
		return nil, &terminalError{fmt.Errorf("build transaction: %w", err)}
	}

	log.Debug("attempt state", zap.String("state", StateSending.String()), zap.Int("attempt", retryCount))
	signature, err := e.network.SendTransaction(ctx, record.Tx, solbc.TransactionOptions{
		SkipPreflight:       e.config.SkipPreflight,
		PreflightCommitment: e.config.Commitment,
		MaxRetries:          e.config.RPCSendRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("send transaction: %w", err)
	}

	log.Debug("attempt state",
		zap.String("state", StateConfirming.String()),
		zap.String("signature", signature.String()),
		zap.Int("attempt", retryCount))
	slot, err := e.awaitConfirmation(ctx, signature, record.Blockhash.LastValidBlockHeight)
	if err != nil {
		return nil, e.resolveProgramError(ctx, record, err)
	}

	return &Result{Signature: signature, Slot: slot, Record: record}, nil
}

// resolveProgramError fills in the name and message of a custom program
// error from the owning program's schema, when one is available. The status
// endpoint carries no logs, so the error table is the only source of names
// on this path.
func (e *Engine) resolveProgramError(ctx context.Context, record *builder.BuildRecord, err error) error {
	var programErr *ProgramError
	if e.schemas == nil || !errors.As(err, &programErr) || programErr.Name != "" {
		return err
	}
	programID, ok := instructionProgram(record.Tx, programErr.InstructionIndex)
	if !ok {
		return err
	}
	schema, lookupErr := e.schemas.Lookup(ctx, programID.String())
	if lookupErr != nil || schema == nil {
		return err
	}
	if idlErr, found := schema.ErrorByCode(int(programErr.Code)); found {
		programErr.Name = idlErr.Name
		programErr.Msg = idlErr.Msg
	}
	return err
}

// instructionProgram resolves which program owns the instruction at the
// given index, compute budget prefix included.
func instructionProgram(tx *solana.Transaction, index int) (solana.PublicKey, bool) {
	if tx == nil || index < 0 || index >= len(tx.Message.Instructions) {
		return solana.PublicKey{}, false
	}
	programIndex := int(tx.Message.Instructions[index].ProgramIDIndex)
	if programIndex >= len(tx.Message.AccountKeys) {
		return solana.PublicKey{}, false
	}
	return tx.Message.AccountKeys[programIndex], true
}

// awaitConfirmation polls the signature status until the requested commitment
// is reached. While the cluster has not seen the signature, the current block
// height is compared against the blockhash's validity horizon; once any
// status exists the transaction is in a block and expiry no longer applies.
func (e *Engine) awaitConfirmation(ctx context.Context, signature solana.Signature, lastValidBlockHeight uint64) (uint64, error) {
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()
	deadline := time.After(e.config.ConfirmTimeout)

	target := commitmentRank(e.config.Commitment)

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-deadline:
			return 0, ErrConfirmationTimeout
		case <-ticker.C:
			status, err := e.network.GetSignatureStatus(ctx, signature)
			if err != nil {
				continue // transient RPC failure, keep polling
			}
			if status == nil {
				height, err := e.network.GetBlockHeight(ctx, rpc.CommitmentConfirmed)
				if err != nil {
					continue
				}
				if height > lastValidBlockHeight {
					return 0, ErrBlockhashExpired
				}
				continue
			}
			if status.Err != nil {
				return 0, ParseTransactionError(status.Err, nil)
			}
			if confirmationRank(status.ConfirmationStatus) >= target {
				return status.Slot, nil
			}
		}
	}
}

func commitmentRank(c rpc.CommitmentType) int {
	switch c {
	case rpc.CommitmentProcessed:
		return 1
	case rpc.CommitmentConfirmed:
		return 2
	case rpc.CommitmentFinalized:
		return 3
	default:
		return 2
	}
}

func confirmationRank(s rpc.ConfirmationStatusType) int {
	switch s {
	case rpc.ConfirmationStatusProcessed:
		return 1
	case rpc.ConfirmationStatusConfirmed:
		return 2
	case rpc.ConfirmationStatusFinalized:
		return 3
	default:
		return 0
	}
}
