package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// Holding is one non-native asset the owner controls through a token account.
type Holding struct {
	Asset      solana.PublicKey `json:"asset"`
	SubAccount solana.PublicKey `json:"sub_account"`
	Amount     uint64           `json:"amount"`
	Decimals   uint8            `json:"decimals"`
}

// UIAmount renders the raw amount using the mint's decimals.
func (h Holding) UIAmount() decimal.Decimal {
	return UIAmount(h.Amount, h.Decimals)
}

// UIAmount converts base units into a human readable decimal.
func UIAmount(raw uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(raw), -int32(decimals))
}

// SubAccountRef names the receiving account an owner would use for an asset.
type SubAccountRef struct {
	Owner solana.PublicKey
	Asset solana.PublicKey
}

// CostModel holds the fee and deposit constants a run is planned against.
type CostModel struct {
	SubAccountDeposit uint64 `json:"sub_account_deposit"`
	FeeEstimate       uint64 `json:"fee_estimate"`
	RentExemptMinimum uint64 `json:"rent_exempt_minimum"`
}

// Validate rejects models that cannot describe a real ledger.
func (c CostModel) Validate() error {
	if c.SubAccountDeposit == 0 {
		return fmt.Errorf("sub account deposit must be positive")
	}
	if c.FeeEstimate == 0 {
		return fmt.Errorf("fee estimate must be positive")
	}
	return nil
}

// Token is the short-lived sequencing value a transaction must reference.
type Token struct {
	Blockhash            solana.Hash
	LastValidBlockHeight uint64
}

// ConfirmationStatus is the terminal state observed for a submitted batch.
type ConfirmationStatus string

const (
	StatusConfirmed ConfirmationStatus = "confirmed"
	StatusFailed    ConfirmationStatus = "failed"
	StatusTimedOut  ConfirmationStatus = "timed_out"
)

// Confirmation is the result of waiting on a signature.
type Confirmation struct {
	Status ConfirmationStatus
	Slot   uint64
	Err    string
}

// Gateway is the thin capability over ledger RPCs. Implementations surface
// transport errors as-is and never retry.
type Gateway interface {
	NativeBalance(ctx context.Context, account solana.PublicKey) (uint64, error)
	// AssetSubAccounts lists every token account owned by owner, including
	// zero-balance ones, in the order the ledger returned them.
	AssetSubAccounts(ctx context.Context, owner solana.PublicKey) ([]Holding, error)
	// SubAccountsExist answers all refs in as few round trips as the RPC allows.
	SubAccountsExist(ctx context.Context, refs []SubAccountRef) ([]bool, error)
	SequencingToken(ctx context.Context) (Token, error)
	Compile(ops []Operation, payer solana.PublicKey, token Token) (*solana.Transaction, error)
	Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	Confirm(ctx context.Context, sig solana.Signature, timeout time.Duration) (Confirmation, error)
	CostModel(ctx context.Context) (CostModel, error)
	Close()
}

// ParseAddress applies the ledger's address validity predicate.
func ParseAddress(raw string) (solana.PublicKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return solana.PublicKey{}, fmt.Errorf("地址不能为空")
	}
	key, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("无效的地址 %q: %w", raw, err)
	}
	if key.IsZero() {
		return solana.PublicKey{}, fmt.Errorf("无效的地址 %q: 全零公钥", raw)
	}
	return key, nil
}
