package solana

import (
	"errors"
	"fmt"

	"OpenMCP-Sweep/internal/ledger"

	sol "github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
)

// Compile builds the instructions for ops in order and wraps them in a
// legacy transaction paid for by payer. The payer is also the owner of every
// source token account, so no other signer is ever required.
func Compile(ops []ledger.Operation, payer sol.PublicKey, tok ledger.Token) (*sol.Transaction, error) {
	if len(ops) == 0 {
		return nil, errors.New("批次中没有操作")
	}
	if tok.Blockhash == (sol.Hash{}) {
		return nil, errors.New("缺少最新区块哈希")
	}

	instructions := make([]sol.Instruction, 0, len(ops))
	for i, op := range ops {
		built, err := instructionsFor(op, payer)
		if err != nil {
			return nil, fmt.Errorf("编译第 %d 个操作失败: %w", i, err)
		}
		instructions = append(instructions, built...)
	}

	tx, err := sol.NewTransaction(instructions, tok.Blockhash, sol.TransactionPayer(payer))
	if err != nil {
		return nil, fmt.Errorf("构建交易失败: %w", err)
	}
	return tx, nil
}

func instructionsFor(op ledger.Operation, payer sol.PublicKey) ([]sol.Instruction, error) {
	switch op.Kind {
	case ledger.OpCreateSubAccount:
		return []sol.Instruction{
			associatedtokenaccount.NewCreateInstruction(payer, op.Destination, op.Asset).Build(),
		}, nil
	case ledger.OpTransferAsset:
		ata, _, err := sol.FindAssociatedTokenAddress(op.Destination, op.Asset)
		if err != nil {
			return nil, err
		}
		return []sol.Instruction{
			token.NewTransferCheckedInstruction(
				op.Amount, op.Decimals, op.Source, op.Asset, ata, payer, []sol.PublicKey{},
			).Build(),
		}, nil
	case ledger.OpCloseSubAccount:
		return []sol.Instruction{
			token.NewCloseAccountInstruction(op.Source, payer, payer, []sol.PublicKey{}).Build(),
		}, nil
	case ledger.OpTransferNative:
		return []sol.Instruction{
			system.NewTransferInstruction(op.Amount, payer, op.Destination).Build(),
		}, nil
	case ledger.OpConvert:
		if op.Conversion == nil || len(op.Conversion.Instructions) == 0 {
			return nil, errors.New("兑换操作缺少指令")
		}
		return op.Conversion.Instructions, nil
	default:
		return nil, fmt.Errorf("未知的操作类型 %q", op.Kind)
	}
}
