package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"OpenMCP-Sweep/internal/ledger"

	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRPC struct {
	balance       uint64
	tokenAccounts []*rpc.TokenAccount
	existing      map[sol.PublicKey]bool
	statuses      []*rpc.SignatureStatusesResult
	statusErr     error
	rent          map[uint64]uint64

	multipleCalls [][]sol.PublicKey
	statusCalls   int
	sent          []*sol.Transaction
}

func (f *fakeRPC) GetBalance(context.Context, sol.PublicKey, rpc.CommitmentType) (*rpc.GetBalanceResult, error) {
	return &rpc.GetBalanceResult{Value: f.balance}, nil
}

func (f *fakeRPC) GetTokenAccountsByOwner(context.Context, sol.PublicKey, *rpc.GetTokenAccountsConfig, *rpc.GetTokenAccountsOpts) (*rpc.GetTokenAccountsResult, error) {
	return &rpc.GetTokenAccountsResult{Value: f.tokenAccounts}, nil
}

func (f *fakeRPC) GetMultipleAccountsWithOpts(_ context.Context, keys []sol.PublicKey, _ *rpc.GetMultipleAccountsOpts) (*rpc.GetMultipleAccountsResult, error) {
	f.multipleCalls = append(f.multipleCalls, append([]sol.PublicKey(nil), keys...))
	out := make([]*rpc.Account, len(keys))
	for i, key := range keys {
		if f.existing[key] {
			out[i] = &rpc.Account{Owner: sol.TokenProgramID}
		}
	}
	return &rpc.GetMultipleAccountsResult{Value: out}, nil
}

func (f *fakeRPC) GetLatestBlockhash(context.Context, rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{Value: &rpc.LatestBlockhashResult{
		Blockhash:            sol.Hash{1, 2, 3},
		LastValidBlockHeight: 42,
	}}, nil
}

func (f *fakeRPC) SendTransactionWithOpts(_ context.Context, tx *sol.Transaction, _ rpc.TransactionOpts) (sol.Signature, error) {
	f.sent = append(f.sent, tx)
	return tx.Signatures[0], nil
}

func (f *fakeRPC) GetSignatureStatuses(context.Context, bool, ...sol.Signature) (*rpc.GetSignatureStatusesResult, error) {
	f.statusCalls++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	idx := f.statusCalls - 1
	if idx >= len(f.statuses) {
		idx = len(f.statuses) - 1
	}
	if idx < 0 {
		return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{nil}}, nil
	}
	return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{f.statuses[idx]}}, nil
}

func (f *fakeRPC) GetMinimumBalanceForRentExemption(_ context.Context, size uint64, _ rpc.CommitmentType) (uint64, error) {
	value, ok := f.rent[size]
	if !ok {
		return 0, fmt.Errorf("unexpected size %d", size)
	}
	return value, nil
}

func newKey(t *testing.T) sol.PublicKey {
	t.Helper()
	key, err := sol.NewRandomPrivateKey()
	require.NoError(t, err)
	return key.PublicKey()
}

func parsedData(t *testing.T, mint sol.PublicKey, amount string, decimals uint8, state string) *rpc.DataBytesOrJSON {
	t.Helper()
	raw := fmt.Sprintf(`{"program":"spl-token","space":165,"parsed":{"type":"account","info":{"mint":%q,"owner":"11111111111111111111111111111111","state":%q,"tokenAmount":{"amount":%q,"decimals":%d}}}}`,
		mint.String(), state, amount, decimals)
	var data rpc.DataBytesOrJSON
	require.NoError(t, json.Unmarshal([]byte(raw), &data))
	return &data
}

func TestAssetSubAccountsParsesAndSkipsFrozen(t *testing.T) {
	mintA, mintB, mintC := newKey(t), newKey(t), newKey(t)
	acctA, acctB, acctC := newKey(t), newKey(t), newKey(t)
	api := &fakeRPC{tokenAccounts: []*rpc.TokenAccount{
		{Pubkey: acctA, Account: rpc.Account{Data: parsedData(t, mintA, "50", 6, "initialized")}},
		{Pubkey: acctB, Account: rpc.Account{Data: parsedData(t, mintB, "0", 9, "initialized")}},
		{Pubkey: acctC, Account: rpc.Account{Data: parsedData(t, mintC, "7", 2, "frozen")}},
	}}
	gw := newGateway(Config{}, api)

	holdings, err := gw.AssetSubAccounts(context.Background(), newKey(t))
	require.NoError(t, err)
	require.Len(t, holdings, 2)
	assert.Equal(t, ledger.Holding{Asset: mintA, SubAccount: acctA, Amount: 50, Decimals: 6}, holdings[0])
	assert.Equal(t, ledger.Holding{Asset: mintB, SubAccount: acctB, Amount: 0, Decimals: 9}, holdings[1])
}

func TestSubAccountsExistChunksRequests(t *testing.T) {
	owner := newKey(t)
	refs := make([]ledger.SubAccountRef, 150)
	existing := map[sol.PublicKey]bool{}
	for i := range refs {
		refs[i] = ledger.SubAccountRef{Owner: owner, Asset: newKey(t)}
		if i%3 == 0 {
			ata, _, err := sol.FindAssociatedTokenAddress(owner, refs[i].Asset)
			require.NoError(t, err)
			existing[ata] = true
		}
	}
	api := &fakeRPC{existing: existing}
	gw := newGateway(Config{}, api)

	got, err := gw.SubAccountsExist(context.Background(), refs)
	require.NoError(t, err)
	require.Len(t, api.multipleCalls, 2)
	assert.Len(t, api.multipleCalls[0], 100)
	assert.Len(t, api.multipleCalls[1], 50)
	for i, exists := range got {
		assert.Equal(t, i%3 == 0, exists, "ref %d", i)
	}
}

func TestConfirmOutcomes(t *testing.T) {
	sig := sol.Signature{9}

	t.Run("confirmed after pending", func(t *testing.T) {
		api := &fakeRPC{statuses: []*rpc.SignatureStatusesResult{
			nil,
			{Slot: 7, ConfirmationStatus: rpc.ConfirmationStatusConfirmed},
		}}
		gw := newGateway(Config{PollInterval: time.Millisecond}, api)
		res, err := gw.Confirm(context.Background(), sig, time.Second)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusConfirmed, res.Status)
		assert.Equal(t, uint64(7), res.Slot)
		assert.Equal(t, 2, api.statusCalls)
	})

	t.Run("on-chain failure", func(t *testing.T) {
		api := &fakeRPC{statuses: []*rpc.SignatureStatusesResult{
			{Slot: 3, Err: map[string]any{"InstructionError": []any{0, "Custom"}}},
		}}
		gw := newGateway(Config{PollInterval: time.Millisecond}, api)
		res, err := gw.Confirm(context.Background(), sig, time.Second)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusFailed, res.Status)
		assert.NotEmpty(t, res.Err)
	})

	t.Run("timeout", func(t *testing.T) {
		api := &fakeRPC{}
		gw := newGateway(Config{PollInterval: time.Millisecond}, api)
		res, err := gw.Confirm(context.Background(), sig, 20*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusTimedOut, res.Status)
	})

	t.Run("transport error surfaced", func(t *testing.T) {
		api := &fakeRPC{statusErr: errors.New("connection reset")}
		gw := newGateway(Config{PollInterval: time.Millisecond}, api)
		_, err := gw.Confirm(context.Background(), sig, time.Second)
		require.Error(t, err)
		assert.Equal(t, 1, api.statusCalls)
	})
}

func TestCostModelUsesOverrides(t *testing.T) {
	api := &fakeRPC{rent: map[uint64]uint64{165: 2_039_280, 0: 890_880}}

	live := newGateway(Config{FeeEstimate: 10_000}, api)
	model, err := live.CostModel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ledger.CostModel{SubAccountDeposit: 2_039_280, FeeEstimate: 10_000, RentExemptMinimum: 890_880}, model)

	pinned := newGateway(Config{Overrides: ledger.CostModel{SubAccountDeposit: 1, RentExemptMinimum: 2}}, &fakeRPC{})
	model, err = pinned.CostModel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ledger.CostModel{SubAccountDeposit: 1, FeeEstimate: defaultFeeEstimate, RentExemptMinimum: 2}, model)
}

func TestNativeBalanceAndToken(t *testing.T) {
	gw := newGateway(Config{}, &fakeRPC{balance: 1_000_000})

	balance, err := gw.NativeBalance(context.Background(), newKey(t))
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), balance)

	tok, err := gw.SequencingToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sol.Hash{1, 2, 3}, tok.Blockhash)
	assert.Equal(t, uint64(42), tok.LastValidBlockHeight)
}

func TestSubmitRequiresSignature(t *testing.T) {
	gw := newGateway(Config{}, &fakeRPC{})
	_, err := gw.Submit(context.Background(), &sol.Transaction{})
	require.Error(t, err)
}
