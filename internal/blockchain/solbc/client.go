package solbc

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
)

// Client is a thin adapter over the solana-go RPC client. It exposes exactly
// the calls the transaction engine needs and keeps the rpc types from leaking
// upward where a local type is enough.
type Client struct {
	rpc    *rpc.Client
	logger *zap.Logger
}

// NewClient creates a client for a single RPC endpoint. The underlying
// http.Client multiplexes concurrent in-flight requests, so one Client is
// shared by all concurrent operations.
func NewClient(rpcURL string, logger *zap.Logger) *Client {
	return &Client{
		rpc:    rpc.New(rpcURL),
		logger: logger.Named("solbc-client"),
	}
}

// GetLatestBlockhash fetches a fresh blockhash and its validity horizon.
func (c *Client) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*BlockhashInfo, error) {
	result, err := c.rpc.GetLatestBlockhash(ctx, commitment)
	if err != nil {
		c.logger.Error("GetLatestBlockhash error", zap.Error(err))
		return nil, err
	}
	return &BlockhashInfo{
		Blockhash:            result.Value.Blockhash,
		LastValidBlockHeight: result.Value.LastValidBlockHeight,
	}, nil
}

// GetBlockHeight returns the current block height at the given commitment.
func (c *Client) GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error) {
	height, err := c.rpc.GetBlockHeight(ctx, commitment)
	if err != nil {
		c.logger.Error("GetBlockHeight error", zap.Error(err))
		return 0, err
	}
	return height, nil
}

// SimulateTransaction simulates without signature verification against the
// node's current state, replacing the recent blockhash so a probe transaction
// never consumes a real one.
func (c *Client) SimulateTransaction(ctx context.Context, tx *solana.Transaction) (*SimulationResult, error) {
	result, err := c.rpc.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
		SigVerify:              false,
		ReplaceRecentBlockhash: true,
		Commitment:             rpc.CommitmentProcessed,
	})
	if err != nil {
		c.logger.Debug("SimulateTransaction error", zap.Error(err))
		return nil, err
	}
	units := uint64(0)
	if result.Value.UnitsConsumed != nil {
		units = *result.Value.UnitsConsumed
	}
	return &SimulationResult{
		Err:           result.Value.Err,
		Logs:          result.Value.Logs,
		UnitsConsumed: units,
	}, nil
}

// SendTransaction serializes and submits a signed transaction. The RPC node
// resends it up to opts.MaxRetries times on its own schedule.
func (c *Client) SendTransaction(ctx context.Context, tx *solana.Transaction, opts TransactionOptions) (solana.Signature, error) {
	serialized, err := tx.MarshalBinary()
	if err != nil {
		return solana.Signature{}, fmt.Errorf("serialize transaction: %w", err)
	}
	maxRetries := opts.MaxRetries
	sig, err := c.rpc.SendRawTransactionWithOpts(ctx, serialized, rpc.TransactionOpts{
		SkipPreflight:       opts.SkipPreflight,
		PreflightCommitment: opts.PreflightCommitment,
		MaxRetries:          &maxRetries,
	})
	if err != nil {
		c.logger.Error("SendTransaction error", zap.Error(err))
		return solana.Signature{}, err
	}
	return sig, nil
}

// GetSignatureStatus returns the confirmation status of a single signature, or
// nil when the cluster does not know the signature yet.
func (c *Client) GetSignatureStatus(ctx context.Context, signature solana.Signature) (*rpc.SignatureStatusesResult, error) {
	result, err := c.rpc.GetSignatureStatuses(ctx, false, signature)
	if err != nil {
		c.logger.Warn("GetSignatureStatuses error", zap.Error(err))
		return nil, err
	}
	if result == nil || len(result.Value) == 0 {
		return nil, nil
	}
	return result.Value[0], nil
}

// GetRecentPrioritizationFees returns per-slot fee samples scoped to the given
// writable accounts (all fee-paying traffic when the slice is empty).
func (c *Client) GetRecentPrioritizationFees(ctx context.Context, writable []solana.PublicKey) ([]PrioritizationFee, error) {
	fees, err := c.rpc.GetRecentPrioritizationFees(ctx, writable)
	if err != nil {
		c.logger.Debug("GetRecentPrioritizationFees error", zap.Error(err))
		return nil, err
	}
	samples := make([]PrioritizationFee, 0, len(fees))
	for _, fee := range fees {
		samples = append(samples, PrioritizationFee{
			Slot: fee.Slot,
			Fee:  fee.PrioritizationFee,
		})
	}
	return samples, nil
}

// GetTransaction fetches an executed transaction with its metadata. Versioned
// transactions (v0) are supported.
func (c *Client) GetTransaction(ctx context.Context, signature solana.Signature, commitment rpc.CommitmentType) (*rpc.GetTransactionResult, error) {
	maxVersion := uint64(0)
	result, err := c.rpc.GetTransaction(ctx, signature, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     commitment,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		c.logger.Debug("GetTransaction error",
			zap.String("signature", signature.String()),
			zap.Error(err))
		return nil, err
	}
	return result, nil
}

// GetTokenAccountInfo fetches a token account and decodes its mint and owner
// from the SPL token account layout.
func (c *Client) GetTokenAccountInfo(ctx context.Context, account solana.PublicKey) (*TokenAccountInfo, error) {
	result, err := c.rpc.GetAccountInfoWithOpts(ctx, account, &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		c.logger.Debug("GetTokenAccountInfo error",
			zap.String("account", account.String()),
			zap.Error(err))
		return nil, err
	}
	if result == nil || result.Value == nil {
		return nil, ErrAccountNotFound
	}
	data := result.Value.Data.GetBinary()
	// SPL token account layout: mint at [0:32], owner at [32:64].
	if len(data) < 64 {
		return nil, fmt.Errorf("account %s is not a token account (%d bytes)", account, len(data))
	}
	return &TokenAccountInfo{
		Mint:  solana.PublicKeyFromBytes(data[0:32]),
		Owner: solana.PublicKeyFromBytes(data[32:64]),
	}, nil
}

// GetBalance returns the lamport balance of an account.
func (c *Client) GetBalance(ctx context.Context, pubkey solana.PublicKey, commitment rpc.CommitmentType) (uint64, error) {
	result, err := c.rpc.GetBalance(ctx, pubkey, commitment)
	if err != nil {
		c.logger.Error("GetBalance error", zap.Error(err))
		return 0, err
	}
	return result.Value, nil
}
