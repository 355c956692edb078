package decoder

import (
	"github.com/gagliardetto/solana-go"
)

// Classification says how much the decoder understood of an instruction.
type Classification int

const (
	// Unknown means the program has no published schema; data is opaque.
	Unknown Classification = iota
	// RawWithSchema means the instruction was matched to an Anchor IDL
	// instruction by discriminator, but its arguments are not decoded.
	RawWithSchema
	// KnownParsed means the instruction was fully decoded by a built-in
	// parser (SPL token transfers).
	KnownParsed
)

func (c Classification) String() string {
	switch c {
	case KnownParsed:
		return "known_parsed"
	case RawWithSchema:
		return "raw_with_schema"
	default:
		return "unknown"
	}
}

// TokenTransfer is a fully decoded SPL token movement.
type TokenTransfer struct {
	Source      solana.PublicKey
	Destination solana.PublicKey
	Mint        solana.PublicKey
	Owner       solana.PublicKey // owner of the destination account
	Amount      uint64           // raw units
	Decimals    uint8
}

// DecodedInstruction is one instruction of an executed transaction, with any
// CPI calls it made attached as Inner.
type DecodedInstruction struct {
	ProgramID      solana.PublicKey
	ProgramName    string // from the program's IDL when one is known
	Classification Classification
	Name           string // Anchor instruction name when RawWithSchema
	Accounts       []solana.PublicKey
	Data           []byte
	Transfer       *TokenTransfer // set when KnownParsed
	Inner          []DecodedInstruction
}

// TransactionSummary is the decoded view of one executed transaction,
// including the wallet's per-mint balance deltas.
type TransactionSummary struct {
	Signature    solana.Signature
	Slot         uint64
	BlockTime    int64 // unix seconds, zero when the node omits it
	FeeLamports  uint64
	Success      bool
	ErrorDetail  string // empty on success
	Instructions []DecodedInstruction

	// TokenDeltas maps mint address to the wallet's signed balance change in
	// raw token units. Positive means tokens flowed into the wallet.
	TokenDeltas map[string]int64
	// Decimals maps mint address to its token decimals, for scaling deltas.
	Decimals map[string]uint8
	// USDDelta is the net USD value of TokenDeltas, zero when no price
	// source is configured.
	USDDelta float64
}
