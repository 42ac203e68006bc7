package solana

import (
	"testing"

	"OpenMCP-Sweep/internal/ledger"

	sol "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileOrdersInstructions(t *testing.T) {
	payer, dest, mint, source, empty := newKey(t), newKey(t), newKey(t), newKey(t), newKey(t)
	holding := ledger.Holding{Asset: mint, SubAccount: source, Amount: 50, Decimals: 6}

	ops := []ledger.Operation{
		ledger.CreateSubAccount(dest, mint),
		ledger.TransferAsset(holding, dest),
		ledger.CloseSubAccount(empty),
		ledger.TransferNative(99_120, dest),
	}
	tx, err := Compile(ops, payer, ledger.Token{Blockhash: sol.Hash{7}})
	require.NoError(t, err)

	require.Equal(t, payer, tx.Message.AccountKeys[0])
	require.Len(t, tx.Message.Instructions, 4)

	want := []sol.PublicKey{
		sol.SPLAssociatedTokenAccountProgramID,
		sol.TokenProgramID,
		sol.TokenProgramID,
		sol.SystemProgramID,
	}
	for i, ix := range tx.Message.Instructions {
		assert.Equal(t, want[i], tx.Message.AccountKeys[ix.ProgramIDIndex], "instruction %d", i)
	}
	assert.Equal(t, sol.Hash{7}, tx.Message.RecentBlockhash)
}

func TestCompileRejectsEmptyInput(t *testing.T) {
	payer := newKey(t)

	_, err := Compile(nil, payer, ledger.Token{Blockhash: sol.Hash{1}})
	require.Error(t, err)

	_, err = Compile([]ledger.Operation{ledger.TransferNative(1, newKey(t))}, payer, ledger.Token{})
	require.Error(t, err)

	_, err = Compile([]ledger.Operation{{Kind: ledger.OpConvert}}, payer, ledger.Token{Blockhash: sol.Hash{1}})
	require.Error(t, err)
}
