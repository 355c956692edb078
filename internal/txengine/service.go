// Package txengine assembles the transaction pipeline: fee estimation,
// compute budgeting, building, execution with retry, and decoding of the
// executed result.
package txengine

import (
	"context"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/marknemm/whirlpool-beep-sub001/internal/blockchain/solbc"
	"github.com/marknemm/whirlpool-beep-sub001/internal/config"
	"github.com/marknemm/whirlpool-beep-sub001/internal/pricing"
	"github.com/marknemm/whirlpool-beep-sub001/internal/txengine/budget"
	"github.com/marknemm/whirlpool-beep-sub001/internal/txengine/builder"
	"github.com/marknemm/whirlpool-beep-sub001/internal/txengine/decoder"
	"github.com/marknemm/whirlpool-beep-sub001/internal/txengine/executor"
	"github.com/marknemm/whirlpool-beep-sub001/internal/txengine/fees"
	"github.com/marknemm/whirlpool-beep-sub001/internal/txengine/idl"
	"github.com/marknemm/whirlpool-beep-sub001/internal/types"
	"github.com/marknemm/whirlpool-beep-sub001/internal/wallet"
	"go.uber.org/zap"
)

// Service owns one wired pipeline. All components are safe for concurrent
// use, so a single Service serves every concurrent operation.
type Service struct {
	Client   *solbc.Client
	Wallet   *wallet.Wallet
	Registry *idl.Registry
	Executor *executor.Engine
	Decoder  *decoder.Decoder
}

func NewService(cfg *config.Config, log *zap.Logger) (*Service, error) {
	w, err := wallet.NewWallet(cfg.WalletKey)
	if err != nil {
		return nil, err
	}

	tier, err := types.ParsePriorityTier(cfg.DefaultPriorityTier)
	if err != nil {
		return nil, err
	}
	commitment := rpc.CommitmentType(cfg.DefaultCommitment)

	client := solbc.NewClient(cfg.RPCURL, log)

	estimator := fees.NewEstimator(fees.NewOracleClient(cfg.FeeOracleURL, log), client, log)
	budgeter := budget.NewBuilder(client, estimator, budget.Config{
		MarginPercent:  cfg.ComputeMarginPercent,
		MinFeeLamports: cfg.MinPriorityFeeLamports,
		MaxFeeLamports: cfg.MaxPriorityFeeLamports,
		DefaultTier:    tier,
	}, w.PublicKey, log)

	txBuilder := builder.NewBuilder(client, budgeter, w, builder.Options{
		Commitment: commitment,
	}, log)

	registry := idl.NewRegistry(cfg.IDLRepositoryURL, log)

	engine := executor.NewEngine(txBuilder, client, registry, executor.Config{
		MaxRetries:     cfg.MaxRetries,
		RPCSendRetries: uint(cfg.MaxRPCSubmissionRetries),
		BaseRetryDelay: cfg.BaseRetryDelay(),
		MaxRetryDelay:  cfg.MaxRetryDelay(),
		ConfirmTimeout: cfg.ConfirmTimeout(),
		Commitment:     commitment,
	}, executor.NewMetrics(nil), log)

	var priceSource decoder.PriceSource
	if prices := pricing.NewClient(cfg.PriceAPIURL, log); prices != nil {
		priceSource = prices
	}
	dec := decoder.NewDecoder(decoder.NewRPCFetcher(client, commitment), registry, priceSource, client, w, w.PublicKey, log)

	return &Service{
		Client:   client,
		Wallet:   w,
		Registry: registry,
		Executor: engine,
		Decoder:  dec,
	}, nil
}

// ExecuteAndDecode runs an instruction set through the full lifecycle and
// returns the decoded summary of the confirmed transaction.
func (s *Service) ExecuteAndDecode(ctx context.Context, set *builder.InstructionSet, opts *builder.Options, retryable executor.RetryablePredicate) (*decoder.TransactionSummary, error) {
	result, err := s.Executor.Execute(ctx, set, opts, retryable)
	if err != nil {
		return nil, err
	}
	return s.Decoder.Decode(ctx, result.Signature)
}
