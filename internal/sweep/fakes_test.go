package sweep

import (
	"context"
	"errors"
	"testing"
	"time"

	"OpenMCP-Sweep/internal/credential"
	"OpenMCP-Sweep/internal/ledger"
	solgw "OpenMCP-Sweep/internal/ledger/solana"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

var workedCost = ledger.CostModel{
	SubAccountDeposit: 2_039_280,
	FeeEstimate:       10_000,
	RentExemptMinimum: 890_880,
}

type fakeGateway struct {
	cost     ledger.CostModel
	native   uint64
	accounts []ledger.Holding
	// existing 以资产为键，表示目标账户已有接收账户。
	existing map[solana.PublicKey]bool

	nativeErr   error
	submitErrs  map[int]error
	confirms    []ledger.Confirmation
	confirmErrs map[int]error

	existCalls   int
	tokenCalls   int
	compiled     [][]ledger.Operation
	submitted    []*solana.Transaction
	confirmCalls int
}

var _ ledger.Gateway = (*fakeGateway)(nil)

func (f *fakeGateway) NativeBalance(context.Context, solana.PublicKey) (uint64, error) {
	return f.native, f.nativeErr
}

func (f *fakeGateway) AssetSubAccounts(context.Context, solana.PublicKey) ([]ledger.Holding, error) {
	return append([]ledger.Holding(nil), f.accounts...), nil
}

func (f *fakeGateway) SubAccountsExist(_ context.Context, refs []ledger.SubAccountRef) ([]bool, error) {
	f.existCalls++
	out := make([]bool, len(refs))
	for i, ref := range refs {
		out[i] = f.existing[ref.Asset]
	}
	return out, nil
}

func (f *fakeGateway) SequencingToken(context.Context) (ledger.Token, error) {
	f.tokenCalls++
	return ledger.Token{Blockhash: solana.Hash{byte(f.tokenCalls)}, LastValidBlockHeight: 100}, nil
}

func (f *fakeGateway) Compile(ops []ledger.Operation, payer solana.PublicKey, token ledger.Token) (*solana.Transaction, error) {
	f.compiled = append(f.compiled, append([]ledger.Operation(nil), ops...))
	return solgw.Compile(ops, payer, token)
}

func (f *fakeGateway) Submit(_ context.Context, tx *solana.Transaction) (solana.Signature, error) {
	idx := len(f.submitted)
	if err := f.submitErrs[idx]; err != nil {
		return solana.Signature{}, err
	}
	if len(tx.Signatures) == 0 {
		return solana.Signature{}, errors.New("unsigned")
	}
	f.submitted = append(f.submitted, tx)
	return solana.Signature{byte(idx + 1)}, nil
}

func (f *fakeGateway) Confirm(context.Context, solana.Signature, time.Duration) (ledger.Confirmation, error) {
	idx := f.confirmCalls
	f.confirmCalls++
	if err := f.confirmErrs[idx]; err != nil {
		return ledger.Confirmation{}, err
	}
	if idx < len(f.confirms) {
		return f.confirms[idx], nil
	}
	return ledger.Confirmation{Status: ledger.StatusConfirmed, Slot: uint64(idx + 1)}, nil
}

func (f *fakeGateway) CostModel(context.Context) (ledger.CostModel, error) {
	return f.cost, nil
}

func (f *fakeGateway) Close() {}

func (f *fakeGateway) mutatingCalls() int {
	return f.tokenCalls + len(f.compiled) + len(f.submitted) + f.confirmCalls
}

type fakeCredentials struct {
	key      solana.PrivateKey
	err      error
	acquired int
}

func (f *fakeCredentials) Acquire(_ context.Context, _ solana.PublicKey, fn func(solana.PrivateKey) error) error {
	f.acquired++
	if f.err != nil {
		return f.err
	}
	key := append(solana.PrivateKey(nil), f.key...)
	return fn(key)
}

var _ credential.Provider = (*fakeCredentials)(nil)

func newPrivateKey(t *testing.T) solana.PrivateKey {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return key
}

func newPubkey(t *testing.T) solana.PublicKey {
	t.Helper()
	return newPrivateKey(t).PublicKey()
}

func holding(t *testing.T, amount uint64) ledger.Holding {
	t.Helper()
	return ledger.Holding{Asset: newPubkey(t), SubAccount: newPubkey(t), Amount: amount, Decimals: 6}
}

func newTestEngine(gw *fakeGateway, creds credential.Provider, opts ...Option) *Engine {
	ids := 0
	e := NewEngine(gw, creds, opts...)
	e.newID = func() string {
		ids++
		return "run-" + string(rune('0'+ids))
	}
	return e
}
