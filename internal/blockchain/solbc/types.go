package solbc

import (
	"errors"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrEmptySample     = errors.New("empty prioritization fee sample")
)

// BlockhashInfo is a fresh blockhash together with the last block height at
// which a transaction anchored to it is still valid.
type BlockhashInfo struct {
	Blockhash            solana.Hash
	LastValidBlockHeight uint64
}

// SimulationResult carries the parts of a simulateTransaction response the
// engine cares about.
type SimulationResult struct {
	Err           interface{}
	Logs          []string
	UnitsConsumed uint64
}

// Failed reports whether the simulated transaction errored on-chain.
func (r *SimulationResult) Failed() bool {
	return r == nil || r.Err != nil
}

// TransactionOptions controls submission behaviour.
type TransactionOptions struct {
	SkipPreflight       bool
	PreflightCommitment rpc.CommitmentType
	MaxRetries          uint // RPC-side resend budget
}

// PrioritizationFee is one per-slot fee sample in micro-lamports per CU.
type PrioritizationFee struct {
	Slot uint64
	Fee  uint64
}

// TokenAccountInfo is the decoded header of an SPL token account.
type TokenAccountInfo struct {
	Mint  solana.PublicKey
	Owner solana.PublicKey
}
