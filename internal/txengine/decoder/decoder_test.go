package decoder

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/marknemm/whirlpool-beep-sub001/internal/blockchain/solbc"
	"github.com/marknemm/whirlpool-beep-sub001/internal/txengine/idl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	walletKey  = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")
	otherOwner = solana.MustPublicKeyFromBase58("SysvarC1ock11111111111111111111111111111111")
	mintM      = solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
	sourceATA  = solana.MustPublicKeyFromBase58("SysvarRent111111111111111111111111111111111")
	destATA    = solana.MustPublicKeyFromBase58("SysvarS1otHashes111111111111111111111111111")
)

type fakeFetcher struct {
	failures int
	result   *FetchedTransaction
	calls    int
}

func (f *fakeFetcher) FetchTransaction(_ context.Context, _ solana.Signature) (*FetchedTransaction, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, ErrMetaUnavailable
	}
	return f.result, nil
}

type fakePrices struct {
	prices map[string]float64
}

func (f *fakePrices) Prices(_ context.Context, _ []string) (map[string]float64, error) {
	return f.prices, nil
}

func transferCheckedData(amount uint64, decimals byte) []byte {
	data := make([]byte, 10)
	data[0] = tokenOpTransferChecked
	binary.LittleEndian.PutUint64(data[1:9], amount)
	data[9] = decimals
	return data
}

func transferData(amount uint64) []byte {
	data := make([]byte, 9)
	data[0] = tokenOpTransfer
	binary.LittleEndian.PutUint64(data[1:9], amount)
	return data
}

func tokenBalance(index uint16, mint solana.PublicKey, owner solana.PublicKey, amount string, decimals uint8) rpc.TokenBalance {
	return rpc.TokenBalance{
		AccountIndex: index,
		Mint:         mint,
		Owner:        &owner,
		UiTokenAmount: &rpc.UiTokenAmount{
			Amount:   amount,
			Decimals: decimals,
		},
	}
}

// incomingTransfer builds a transaction that moves 1,000,000 raw units of a
// 6-decimal mint into the wallet's ATA via transferChecked.
func incomingTransfer() *FetchedTransaction {
	keys := []solana.PublicKey{walletKey, sourceATA, destATA, mintM, solana.TokenProgramID}
	tx := &solana.Transaction{
		Message: solana.Message{
			AccountKeys: keys,
			Instructions: []solana.CompiledInstruction{
				{
					ProgramIDIndex: 4,
					Accounts:       []uint16{1, 3, 2, 0},
					Data:           transferCheckedData(1_000_000, 6),
				},
			},
		},
	}
	return &FetchedTransaction{
		Tx: tx,
		Meta: &rpc.TransactionMeta{
			Fee: 5_000,
			PreTokenBalances: []rpc.TokenBalance{
				tokenBalance(1, mintM, otherOwner, "9000000", 6),
				tokenBalance(2, mintM, walletKey, "0", 6),
			},
			PostTokenBalances: []rpc.TokenBalance{
				tokenBalance(1, mintM, otherOwner, "8000000", 6),
				tokenBalance(2, mintM, walletKey, "1000000", 6),
			},
		},
		Slot:      1234,
		BlockTime: 1_700_000_000,
	}
}

func newTestDecoder(fetcher Fetcher, pricing PriceSource) *Decoder {
	d := NewDecoder(fetcher, idl.NewRegistry("", zap.NewNop()), pricing, nil, nil, walletKey, zap.NewNop())
	d.sleep = func(context.Context, time.Duration) error { return nil }
	return d
}

func TestDecodeTransferCheckedIntoWallet(t *testing.T) {
	fetcher := &fakeFetcher{result: incomingTransfer()}
	pricing := &fakePrices{prices: map[string]float64{mintM.String(): 1.0}}
	d := newTestDecoder(fetcher, pricing)

	var sig solana.Signature
	sig[0] = 1
	summary, err := d.Decode(context.Background(), sig)
	require.NoError(t, err)

	assert.True(t, summary.Success)
	assert.Equal(t, uint64(5_000), summary.FeeLamports)
	assert.Equal(t, uint64(1234), summary.Slot)

	require.Len(t, summary.Instructions, 1)
	decoded := summary.Instructions[0]
	assert.Equal(t, KnownParsed, decoded.Classification)
	require.NotNil(t, decoded.Transfer)
	assert.Equal(t, sourceATA, decoded.Transfer.Source)
	assert.Equal(t, destATA, decoded.Transfer.Destination)
	assert.Equal(t, mintM, decoded.Transfer.Mint)
	assert.Equal(t, walletKey, decoded.Transfer.Owner)
	assert.Equal(t, uint64(1_000_000), decoded.Transfer.Amount)
	assert.Equal(t, uint8(6), decoded.Transfer.Decimals)

	assert.Equal(t, int64(1_000_000), summary.TokenDeltas[mintM.String()])
	assert.InDelta(t, 1.0, summary.USDDelta, 1e-9)
}

func TestDecodeCachesBySignature(t *testing.T) {
	fetcher := &fakeFetcher{result: incomingTransfer()}
	d := newTestDecoder(fetcher, nil)

	var sig solana.Signature
	sig[0] = 2
	first, err := d.Decode(context.Background(), sig)
	require.NoError(t, err)
	second, err := d.Decode(context.Background(), sig)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, fetcher.calls)
}

func TestFetchRetriesUntilMetaAvailable(t *testing.T) {
	fetcher := &fakeFetcher{failures: 2, result: incomingTransfer()}
	d := newTestDecoder(fetcher, nil)

	var sig solana.Signature
	sig[0] = 3
	_, err := d.Decode(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, 3, fetcher.calls)
}

func TestFetchGivesUpAfterBudget(t *testing.T) {
	fetcher := &fakeFetcher{failures: 99}
	d := newTestDecoder(fetcher, nil)

	var sig solana.Signature
	sig[0] = 4
	_, err := d.Decode(context.Background(), sig)
	require.ErrorIs(t, err, ErrMetaUnavailable)
	assert.Equal(t, 3, fetcher.calls)
}

func TestPlainTransferResolvesMintFromBalances(t *testing.T) {
	keys := []solana.PublicKey{walletKey, sourceATA, destATA, solana.TokenProgramID}
	fetched := &FetchedTransaction{
		Tx: &solana.Transaction{
			Message: solana.Message{
				AccountKeys: keys,
				Instructions: []solana.CompiledInstruction{
					{
						ProgramIDIndex: 3,
						Accounts:       []uint16{1, 2, 0},
						Data:           transferData(250),
					},
				},
			},
		},
		Meta: &rpc.TransactionMeta{
			PostTokenBalances: []rpc.TokenBalance{
				tokenBalance(2, mintM, walletKey, "250", 6),
			},
		},
	}
	d := newTestDecoder(&fakeFetcher{result: fetched}, nil)

	var sig solana.Signature
	sig[0] = 5
	summary, err := d.Decode(context.Background(), sig)
	require.NoError(t, err)

	transfer := summary.Instructions[0].Transfer
	require.NotNil(t, transfer)
	assert.Equal(t, mintM, transfer.Mint, "mint recovered from destination token balance")
	assert.Equal(t, uint64(250), transfer.Amount)
}

func TestAnchorInstructionClassifiedWithSchema(t *testing.T) {
	program := solana.MustPublicKeyFromBase58("SysvarStakeHistory1111111111111111111111111")
	disc := idl.Discriminator("swap")
	data := append(disc[:], 0xAA)

	fetched := &FetchedTransaction{
		Tx: &solana.Transaction{
			Message: solana.Message{
				AccountKeys: []solana.PublicKey{walletKey, program},
				Instructions: []solana.CompiledInstruction{
					{ProgramIDIndex: 1, Accounts: []uint16{0}, Data: data},
				},
			},
		},
		Meta: &rpc.TransactionMeta{},
	}

	registry := idl.NewRegistry("", zap.NewNop())
	var programIDL idl.AnchorIDL
	require.NoError(t, json.Unmarshal([]byte(`{"name":"whirlpool","instructions":[{"name":"swap","args":[]}]}`), &programIDL))
	registry.Register(program.String(), &programIDL)

	d := NewDecoder(&fakeFetcher{result: fetched}, registry, nil, nil, nil, walletKey, zap.NewNop())

	var sig solana.Signature
	sig[0] = 6
	summary, err := d.Decode(context.Background(), sig)
	require.NoError(t, err)

	decoded := summary.Instructions[0]
	assert.Equal(t, RawWithSchema, decoded.Classification)
	assert.Equal(t, "whirlpool", decoded.ProgramName)
	assert.Equal(t, "swap", decoded.Name)
}

type fakeAccountInfo struct {
	info  *solbc.TokenAccountInfo
	calls int
}

func (f *fakeAccountInfo) GetTokenAccountInfo(_ context.Context, _ solana.PublicKey) (*solbc.TokenAccountInfo, error) {
	f.calls++
	return f.info, nil
}

func TestTransferOwnerResolvedOnChainWhenBalancesMissing(t *testing.T) {
	keys := []solana.PublicKey{walletKey, sourceATA, destATA, solana.TokenProgramID}
	fetched := &FetchedTransaction{
		Tx: &solana.Transaction{
			Message: solana.Message{
				AccountKeys: keys,
				Instructions: []solana.CompiledInstruction{
					{ProgramIDIndex: 3, Accounts: []uint16{1, 2, 0}, Data: transferData(42)},
				},
			},
		},
		// No token balances: the destination was created and closed within
		// another transaction, so only the chain knows its identity.
		Meta: &rpc.TransactionMeta{},
	}
	accounts := &fakeAccountInfo{info: &solbc.TokenAccountInfo{Mint: mintM, Owner: walletKey}}
	d := NewDecoder(&fakeFetcher{result: fetched}, idl.NewRegistry("", zap.NewNop()), nil, accounts, nil, walletKey, zap.NewNop())
	d.sleep = func(context.Context, time.Duration) error { return nil }

	var sig solana.Signature
	sig[0] = 10
	summary, err := d.Decode(context.Background(), sig)
	require.NoError(t, err)

	transfer := summary.Instructions[0].Transfer
	require.NotNil(t, transfer)
	assert.Equal(t, 1, accounts.calls)
	assert.Equal(t, mintM, transfer.Mint)
	assert.Equal(t, walletKey, transfer.Owner)
}

type fakeATAResolver struct {
	ata solana.PublicKey
}

func (f *fakeATAResolver) GetATA(_ solana.PublicKey) (solana.PublicKey, error) {
	return f.ata, nil
}

func TestTransferOwnerRecognizedAsWalletATA(t *testing.T) {
	keys := []solana.PublicKey{walletKey, sourceATA, destATA, mintM, solana.TokenProgramID}
	fetched := &FetchedTransaction{
		Tx: &solana.Transaction{
			Message: solana.Message{
				AccountKeys: keys,
				Instructions: []solana.CompiledInstruction{
					{ProgramIDIndex: 4, Accounts: []uint16{1, 3, 2, 0}, Data: transferCheckedData(500, 6)},
				},
			},
		},
		Meta: &rpc.TransactionMeta{},
	}
	// No account-info source: the destination is matched against the
	// wallet's derived ATA for the mint instead of a chain lookup.
	d := NewDecoder(&fakeFetcher{result: fetched}, idl.NewRegistry("", zap.NewNop()), nil, nil, &fakeATAResolver{ata: destATA}, walletKey, zap.NewNop())
	d.sleep = func(context.Context, time.Duration) error { return nil }

	var sig solana.Signature
	sig[0] = 11
	summary, err := d.Decode(context.Background(), sig)
	require.NoError(t, err)

	transfer := summary.Instructions[0].Transfer
	require.NotNil(t, transfer)
	assert.Equal(t, mintM, transfer.Mint)
	assert.Equal(t, walletKey, transfer.Owner, "destination recognized as the wallet's own ATA")
}

func TestUnknownProgramStaysOpaque(t *testing.T) {
	program := solana.MustPublicKeyFromBase58("SysvarStakeHistory1111111111111111111111111")
	fetched := &FetchedTransaction{
		Tx: &solana.Transaction{
			Message: solana.Message{
				AccountKeys: []solana.PublicKey{walletKey, program},
				Instructions: []solana.CompiledInstruction{
					{ProgramIDIndex: 1, Accounts: []uint16{0}, Data: []byte{1, 2, 3}},
				},
			},
		},
		Meta: &rpc.TransactionMeta{},
	}
	d := newTestDecoder(&fakeFetcher{result: fetched}, nil)

	var sig solana.Signature
	sig[0] = 7
	summary, err := d.Decode(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, Unknown, summary.Instructions[0].Classification)
	assert.Equal(t, []byte{1, 2, 3}, summary.Instructions[0].Data)
}

func TestInnerInstructionsAttached(t *testing.T) {
	router := solana.MustPublicKeyFromBase58("SysvarStakeHistory1111111111111111111111111")
	keys := []solana.PublicKey{walletKey, sourceATA, destATA, router, solana.TokenProgramID}
	fetched := &FetchedTransaction{
		Tx: &solana.Transaction{
			Message: solana.Message{
				AccountKeys: keys,
				Instructions: []solana.CompiledInstruction{
					{ProgramIDIndex: 3, Accounts: []uint16{0, 1, 2}, Data: []byte{9}},
				},
			},
		},
		Meta: &rpc.TransactionMeta{
			InnerInstructions: []rpc.InnerInstruction{
				{
					Index: 0,
					Instructions: []solana.CompiledInstruction{
						{ProgramIDIndex: 4, Accounts: []uint16{1, 2, 0}, Data: transferData(777)},
					},
				},
			},
			PostTokenBalances: []rpc.TokenBalance{
				tokenBalance(2, mintM, walletKey, "777", 6),
			},
		},
	}
	d := newTestDecoder(&fakeFetcher{result: fetched}, nil)

	var sig solana.Signature
	sig[0] = 8
	summary, err := d.Decode(context.Background(), sig)
	require.NoError(t, err)

	require.Len(t, summary.Instructions, 1)
	top := summary.Instructions[0]
	assert.Equal(t, Unknown, top.Classification)
	require.Len(t, top.Inner, 1)
	assert.Equal(t, KnownParsed, top.Inner[0].Classification)
	assert.Equal(t, uint64(777), top.Inner[0].Transfer.Amount)
}

func TestFailedTransactionSummary(t *testing.T) {
	fetched := incomingTransfer()
	fetched.Meta.Err = map[string]interface{}{
		"InstructionError": []interface{}{float64(0), map[string]interface{}{"Custom": float64(6010)}},
	}
	d := newTestDecoder(&fakeFetcher{result: fetched}, nil)

	var sig solana.Signature
	sig[0] = 9
	summary, err := d.Decode(context.Background(), sig)
	require.NoError(t, err)
	assert.False(t, summary.Success)
	assert.NotEmpty(t, summary.ErrorDetail)
}
