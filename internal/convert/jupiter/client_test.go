package jupiter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Sweep/internal/errors"
	"OpenMCP-Sweep/internal/ledger"
)

func instructionJSON(program, account solana.PublicKey, data []byte) map[string]any {
	return map[string]any{
		"programId": program.String(),
		"accounts": []map[string]any{
			{"pubkey": account.String(), "isSigner": true, "isWritable": true},
		},
		"data": base64.StdEncoding.EncodeToString(data),
	}
}

type jupiterFake struct {
	quoteQuery  map[string]string
	swapRequest map[string]any
	lookup      []string
	status      int
}

func (f *jupiterFake) server(t *testing.T, owner solana.PublicKey) *httptest.Server {
	program := solana.NewWallet().PublicKey()
	mux := http.NewServeMux()
	mux.HandleFunc("/quote", func(w http.ResponseWriter, r *http.Request) {
		if f.status != 0 {
			http.Error(w, "no route", f.status)
			return
		}
		f.quoteQuery = map[string]string{}
		for k := range r.URL.Query() {
			f.quoteQuery[k] = r.URL.Query().Get(k)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"inputMint":  r.URL.Query().Get("inputMint"),
			"inAmount":   r.URL.Query().Get("amount"),
			"outAmount":  "4200",
			"routePlan":  []any{},
			"otherField": "kept",
		})
	})
	mux.HandleFunc("/swap-instructions", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&f.swapRequest))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"computeBudgetInstructions":   []any{instructionJSON(solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111"), owner, []byte{9})},
			"setupInstructions":           []any{instructionJSON(program, owner, []byte{1})},
			"swapInstruction":             instructionJSON(program, owner, []byte{2, 3}),
			"cleanupInstruction":          instructionJSON(program, owner, []byte{4}),
			"addressLookupTableAddresses": f.lookup,
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestConvertBuildsInstructions(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	fake := &jupiterFake{}
	srv := fake.server(t, owner)

	client, err := NewClient(Config{BaseURL: srv.URL + "/", SlippageBps: 30})
	require.NoError(t, err)

	holding := ledger.Holding{Asset: solana.NewWallet().PublicKey(), Amount: 1_000_000, Decimals: 6}
	conv, err := client.Convert(context.Background(), owner, holding)
	require.NoError(t, err)

	assert.Equal(t, holding.Asset, conv.Asset)
	assert.Equal(t, uint64(1_000_000), conv.InAmount)
	assert.Equal(t, uint64(4200), conv.ExpectedOut)
	require.Len(t, conv.Instructions, 3, "compute budget instructions are dropped")

	data, err := conv.Instructions[1].Data()
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 3}, data)
	accounts := conv.Instructions[1].Accounts()
	require.Len(t, accounts, 1)
	assert.True(t, accounts[0].IsSigner)
	assert.Equal(t, owner, accounts[0].PublicKey)

	assert.Equal(t, "30", fake.quoteQuery["slippageBps"])
	assert.Equal(t, "1000000", fake.quoteQuery["amount"])
	assert.Equal(t, wrappedSOL.String(), fake.quoteQuery["outputMint"])
	assert.Equal(t, owner.String(), fake.swapRequest["userPublicKey"])
	quote, ok := fake.swapRequest["quoteResponse"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "kept", quote["otherField"], "quote is forwarded verbatim")
}

func TestConvertRejectsLookupTables(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	fake := &jupiterFake{lookup: []string{solana.NewWallet().PublicKey().String()}}
	srv := fake.server(t, owner)

	client, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.Convert(context.Background(), owner, ledger.Holding{Asset: solana.NewWallet().PublicKey(), Amount: 5})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLookupTablesRequired))
}

func TestConvertReportsUpstreamStatus(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	fake := &jupiterFake{status: http.StatusBadRequest}
	srv := fake.server(t, owner)

	client, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.Convert(context.Background(), owner, ledger.Holding{Asset: solana.NewWallet().PublicKey(), Amount: 5})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeUpstreamFailure, xerrors.CodeOf(err))
	assert.Equal(t, fmt.Sprint(http.StatusBadRequest), xerrors.MetadataOf(err)["status"])
}

func TestConvertRejectsEmptyHolding(t *testing.T) {
	client, err := NewClient(Config{})
	require.NoError(t, err)
	_, err = client.Convert(context.Background(), solana.NewWallet().PublicKey(), ledger.Holding{})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestNewClientValidatesOutputMint(t *testing.T) {
	_, err := NewClient(Config{OutputMint: "not a key"})
	assert.Error(t, err)
}
