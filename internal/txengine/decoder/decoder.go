package decoder

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/marknemm/whirlpool-beep-sub001/internal/blockchain/solbc"
	"github.com/marknemm/whirlpool-beep-sub001/internal/txengine/idl"
	"go.uber.org/zap"
)

// SPL token program instruction opcodes.
const (
	tokenOpTransfer        = 3
	tokenOpTransferChecked = 12
)

// ErrMetaUnavailable means the node knows the signature but has not indexed
// its metadata yet. Worth re-fetching shortly.
var ErrMetaUnavailable = errors.New("transaction metadata not available yet")

// FetchedTransaction is a decoded getTransaction response.
type FetchedTransaction struct {
	Tx        *solana.Transaction
	Meta      *rpc.TransactionMeta
	Slot      uint64
	BlockTime int64
}

// Fetcher retrieves an executed transaction with its metadata.
type Fetcher interface {
	FetchTransaction(ctx context.Context, signature solana.Signature) (*FetchedTransaction, error)
}

// RPCFetcher adapts the RPC client to the Fetcher interface.
type RPCFetcher struct {
	client     *solbc.Client
	commitment rpc.CommitmentType
}

func NewRPCFetcher(client *solbc.Client, commitment rpc.CommitmentType) *RPCFetcher {
	return &RPCFetcher{client: client, commitment: commitment}
}

func (f *RPCFetcher) FetchTransaction(ctx context.Context, signature solana.Signature) (*FetchedTransaction, error) {
	result, err := f.client.GetTransaction(ctx, signature, f.commitment)
	if err != nil {
		return nil, err
	}
	if result == nil || result.Meta == nil {
		return nil, ErrMetaUnavailable
	}
	tx, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("decode transaction envelope: %w", err)
	}
	fetched := &FetchedTransaction{Tx: tx, Meta: result.Meta, Slot: result.Slot}
	if result.BlockTime != nil {
		fetched.BlockTime = int64(*result.BlockTime)
	}
	return fetched, nil
}

// PriceSource quotes token prices in USD per whole token.
type PriceSource interface {
	Prices(ctx context.Context, mints []string) (map[string]float64, error)
}

// AccountInfoSource resolves a token account's mint and owner on-chain, used
// when the transaction's own balance metadata does not cover an account.
type AccountInfoSource interface {
	GetTokenAccountInfo(ctx context.Context, account solana.PublicKey) (*solbc.TokenAccountInfo, error)
}

// ATAResolver derives the wallet's associated token account for a mint.
type ATAResolver interface {
	GetATA(mint solana.PublicKey) (solana.PublicKey, error)
}

// Decoder turns executed transactions into structured summaries. Summaries
// are cached by signature; an executed transaction never changes.
type Decoder struct {
	fetcher  Fetcher
	registry *idl.Registry
	pricing  PriceSource       // nil disables USD valuation
	accounts AccountInfoSource // nil disables the on-chain owner fallback
	ata      ATAResolver       // nil disables local own-ATA recognition
	owner    solana.PublicKey
	logger   *zap.Logger

	fetchAttempts int
	fetchDelay    time.Duration
	sleep         func(ctx context.Context, d time.Duration) error

	cache sync.Map // signature string -> *TransactionSummary
}

func NewDecoder(fetcher Fetcher, registry *idl.Registry, pricing PriceSource, accounts AccountInfoSource, ata ATAResolver, owner solana.PublicKey, logger *zap.Logger) *Decoder {
	return &Decoder{
		fetcher:       fetcher,
		registry:      registry,
		pricing:       pricing,
		accounts:      accounts,
		ata:           ata,
		owner:         owner,
		logger:        logger.Named("tx-decoder"),
		fetchAttempts: 3,
		fetchDelay:    2 * time.Second,
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
}

// Decode fetches and decodes one executed transaction. Nodes index metadata
// slightly after confirmation, so the fetch is retried a few times before
// giving up.
func (d *Decoder) Decode(ctx context.Context, signature solana.Signature) (*TransactionSummary, error) {
	if cached, ok := d.cache.Load(signature.String()); ok {
		return cached.(*TransactionSummary), nil
	}

	fetched, err := d.fetchWithRetry(ctx, signature)
	if err != nil {
		return nil, err
	}

	summary, err := d.decode(ctx, signature, fetched)
	if err != nil {
		return nil, err
	}
	d.cache.Store(signature.String(), summary)
	return summary, nil
}

func (d *Decoder) fetchWithRetry(ctx context.Context, signature solana.Signature) (*FetchedTransaction, error) {
	var lastErr error
	for attempt := 0; attempt < d.fetchAttempts; attempt++ {
		if attempt > 0 {
			if err := d.sleep(ctx, d.fetchDelay); err != nil {
				return nil, err
			}
		}
		fetched, err := d.fetcher.FetchTransaction(ctx, signature)
		if err == nil {
			return fetched, nil
		}
		lastErr = err
		d.logger.Debug("transaction fetch retry",
			zap.String("signature", signature.String()),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return nil, fmt.Errorf("fetch transaction %s: %w", signature, lastErr)
}

func (d *Decoder) decode(ctx context.Context, signature solana.Signature, fetched *FetchedTransaction) (*TransactionSummary, error) {
	meta := fetched.Meta
	keys := accountKeys(fetched.Tx, meta)
	balances := indexTokenBalances(meta)

	summary := &TransactionSummary{
		Signature:   signature,
		Slot:        fetched.Slot,
		BlockTime:   fetched.BlockTime,
		FeeLamports: meta.Fee,
		Success:     meta.Err == nil,
	}
	if meta.Err != nil {
		summary.ErrorDetail = fmt.Sprintf("%v", meta.Err)
	}

	inner := make(map[int][]solana.CompiledInstruction, len(meta.InnerInstructions))
	for _, group := range meta.InnerInstructions {
		inner[int(group.Index)] = group.Instructions
	}

	for i, compiled := range fetched.Tx.Message.Instructions {
		decoded := d.decodeInstruction(ctx, compiled, keys, balances)
		for _, innerCompiled := range inner[i] {
			decoded.Inner = append(decoded.Inner, d.decodeInstruction(ctx, innerCompiled, keys, balances))
		}
		summary.Instructions = append(summary.Instructions, decoded)
	}

	summary.TokenDeltas, summary.Decimals = d.walletDeltas(meta)
	summary.USDDelta = d.valueInUSD(ctx, summary.TokenDeltas, summary.Decimals)

	return summary, nil
}

// accountKeys flattens the message's static keys with the addresses loaded
// from lookup tables, in on-chain index order.
func accountKeys(tx *solana.Transaction, meta *rpc.TransactionMeta) []solana.PublicKey {
	keys := make([]solana.PublicKey, 0,
		len(tx.Message.AccountKeys)+len(meta.LoadedAddresses.Writable)+len(meta.LoadedAddresses.ReadOnly))
	keys = append(keys, tx.Message.AccountKeys...)
	keys = append(keys, meta.LoadedAddresses.Writable...)
	keys = append(keys, meta.LoadedAddresses.ReadOnly...)
	return keys
}

type balanceInfo struct {
	mint     solana.PublicKey
	owner    solana.PublicKey
	decimals uint8
}

// indexTokenBalances maps account index to token account identity, taking
// post-balances first so accounts created during the transaction resolve.
func indexTokenBalances(meta *rpc.TransactionMeta) map[uint16]balanceInfo {
	index := make(map[uint16]balanceInfo, len(meta.PostTokenBalances)+len(meta.PreTokenBalances))
	add := func(balances []rpc.TokenBalance) {
		for _, tb := range balances {
			if _, ok := index[tb.AccountIndex]; ok {
				continue
			}
			info := balanceInfo{mint: tb.Mint}
			if tb.Owner != nil {
				info.owner = *tb.Owner
			}
			if tb.UiTokenAmount != nil {
				info.decimals = tb.UiTokenAmount.Decimals
			}
			index[tb.AccountIndex] = info
		}
	}
	add(meta.PostTokenBalances)
	add(meta.PreTokenBalances)
	return index
}

func (d *Decoder) decodeInstruction(ctx context.Context, compiled solana.CompiledInstruction, keys []solana.PublicKey, balances map[uint16]balanceInfo) DecodedInstruction {
	decoded := DecodedInstruction{Data: compiled.Data}
	if int(compiled.ProgramIDIndex) >= len(keys) {
		return decoded
	}
	decoded.ProgramID = keys[compiled.ProgramIDIndex]

	for _, accountIndex := range compiled.Accounts {
		if int(accountIndex) < len(keys) {
			decoded.Accounts = append(decoded.Accounts, keys[accountIndex])
		}
	}

	if decoded.ProgramID.Equals(solana.TokenProgramID) {
		if transfer := parseTokenTransfer(compiled, keys, balances); transfer != nil {
			d.resolveMissingTokenAccount(ctx, transfer)
			decoded.Classification = KnownParsed
			decoded.Transfer = transfer
			return decoded
		}
	}

	schema, err := d.registry.Lookup(ctx, decoded.ProgramID.String())
	if err != nil {
		d.logger.Debug("IDL lookup failed",
			zap.String("program", decoded.ProgramID.String()),
			zap.Error(err))
	}
	if name, ok := schema.InstructionName(compiled.Data); ok {
		decoded.Classification = RawWithSchema
		decoded.ProgramName = schema.IDL.Name
		decoded.Name = name
		return decoded
	}

	decoded.Classification = Unknown
	return decoded
}

// resolveMissingTokenAccount fills in the mint and owner when the
// transaction's balance metadata did not cover the destination: first a
// chain lookup for an unknown mint, then a local check for whether the
// destination is the wallet's own associated token account. Failures degrade
// silently; the transfer stays partially resolved.
func (d *Decoder) resolveMissingTokenAccount(ctx context.Context, transfer *TokenTransfer) {
	if transfer.Mint.IsZero() && d.accounts != nil {
		info, err := d.accounts.GetTokenAccountInfo(ctx, transfer.Destination)
		if err != nil {
			d.logger.Debug("token account lookup failed",
				zap.String("account", transfer.Destination.String()),
				zap.Error(err))
		} else {
			transfer.Mint = info.Mint
			transfer.Owner = info.Owner
		}
	}

	if transfer.Owner.IsZero() && !transfer.Mint.IsZero() && d.ata != nil {
		ata, err := d.ata.GetATA(transfer.Mint)
		if err == nil && ata.Equals(transfer.Destination) {
			transfer.Owner = d.owner
		}
	}
}

// parseTokenTransfer decodes SPL Transfer and TransferChecked instructions.
// Anything else from the token program stays unparsed.
func parseTokenTransfer(compiled solana.CompiledInstruction, keys []solana.PublicKey, balances map[uint16]balanceInfo) *TokenTransfer {
	data := []byte(compiled.Data)
	if len(data) == 0 {
		return nil
	}

	key := func(i int) solana.PublicKey {
		idx := compiled.Accounts[i]
		if int(idx) < len(keys) {
			return keys[idx]
		}
		return solana.PublicKey{}
	}

	switch data[0] {
	case tokenOpTransfer:
		if len(data) < 9 || len(compiled.Accounts) < 3 {
			return nil
		}
		amount, err := bin.NewBinDecoder(data[1:9]).ReadUint64(binary.LittleEndian)
		if err != nil {
			return nil
		}
		transfer := &TokenTransfer{
			Source:      key(0),
			Destination: key(1),
			Amount:      amount,
		}
		// Transfer carries no mint; recover it from the token balances of
		// either side.
		if info, ok := balances[compiled.Accounts[1]]; ok {
			transfer.Mint = info.mint
			transfer.Owner = info.owner
			transfer.Decimals = info.decimals
		} else if info, ok := balances[compiled.Accounts[0]]; ok {
			transfer.Mint = info.mint
			transfer.Decimals = info.decimals
		}
		return transfer

	case tokenOpTransferChecked:
		if len(data) < 10 || len(compiled.Accounts) < 4 {
			return nil
		}
		amount, err := bin.NewBinDecoder(data[1:9]).ReadUint64(binary.LittleEndian)
		if err != nil {
			return nil
		}
		transfer := &TokenTransfer{
			Source:      key(0),
			Mint:        key(1),
			Destination: key(2),
			Amount:      amount,
			Decimals:    data[9],
		}
		if info, ok := balances[compiled.Accounts[2]]; ok {
			transfer.Owner = info.owner
		}
		return transfer

	default:
		return nil
	}
}

// walletDeltas computes the wallet's per-mint raw balance change from the
// pre/post token balances rather than by summing decoded transfers. Accounts
// created and closed within the transaction appear in neither list, but they
// also hold nothing across the transaction boundary, so they never move the
// net result.
func (d *Decoder) walletDeltas(meta *rpc.TransactionMeta) (map[string]int64, map[string]uint8) {
	deltas := make(map[string]int64)
	decimals := make(map[string]uint8)

	accumulate := func(balances []rpc.TokenBalance, sign int64) {
		for _, tb := range balances {
			if tb.Owner == nil || !tb.Owner.Equals(d.owner) || tb.UiTokenAmount == nil {
				continue
			}
			amount, err := strconv.ParseInt(tb.UiTokenAmount.Amount, 10, 64)
			if err != nil {
				continue
			}
			mint := tb.Mint.String()
			deltas[mint] += sign * amount
			decimals[mint] = tb.UiTokenAmount.Decimals
		}
	}
	accumulate(meta.PostTokenBalances, 1)
	accumulate(meta.PreTokenBalances, -1)

	for mint, delta := range deltas {
		if delta == 0 {
			delete(deltas, mint)
			delete(decimals, mint)
		}
	}
	return deltas, decimals
}

// valueInUSD prices the net deltas. Pricing failures degrade to zero rather
// than failing the decode.
func (d *Decoder) valueInUSD(ctx context.Context, deltas map[string]int64, decimals map[string]uint8) float64 {
	if d.pricing == nil || len(deltas) == 0 {
		return 0
	}
	mints := make([]string, 0, len(deltas))
	for mint := range deltas {
		mints = append(mints, mint)
	}
	prices, err := d.pricing.Prices(ctx, mints)
	if err != nil {
		d.logger.Warn("price lookup failed, skipping USD valuation", zap.Error(err))
		return 0
	}

	var total float64
	for mint, delta := range deltas {
		price, ok := prices[mint]
		if !ok {
			continue
		}
		total += float64(delta) / math.Pow10(int(decimals[mint])) * price
	}
	return total
}
