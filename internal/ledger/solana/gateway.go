package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"OpenMCP-Sweep/internal/ledger"

	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

const (
	// tokenAccountSize is the byte size of a classic SPL token account.
	tokenAccountSize = 165
	// maxAccountsPerQuery is the getMultipleAccounts key limit.
	maxAccountsPerQuery = 100

	defaultFeeEstimate  = 5000
	defaultPollInterval = 500 * time.Millisecond
)

// Config describes how to construct a Solana gateway.
type Config struct {
	Name         string
	RPCURL       string
	Commitment   string
	FeeEstimate  uint64
	PollInterval time.Duration
	// Overrides replace the live rent queries when non-zero.
	Overrides ledger.CostModel
}

// rpcAPI mirrors the subset of rpc.Client methods the gateway needs.
type rpcAPI interface {
	GetBalance(ctx context.Context, account sol.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetTokenAccountsByOwner(ctx context.Context, owner sol.PublicKey, conf *rpc.GetTokenAccountsConfig, opts *rpc.GetTokenAccountsOpts) (*rpc.GetTokenAccountsResult, error)
	GetMultipleAccountsWithOpts(ctx context.Context, accounts []sol.PublicKey, opts *rpc.GetMultipleAccountsOpts) (*rpc.GetMultipleAccountsResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, transaction *sol.Transaction, opts rpc.TransactionOpts) (sol.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...sol.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetMinimumBalanceForRentExemption(ctx context.Context, dataSize uint64, commitment rpc.CommitmentType) (uint64, error)
}

// Gateway implements ledger.Gateway over a Solana JSON-RPC endpoint.
type Gateway struct {
	name         string
	commitment   rpc.CommitmentType
	feeEstimate  uint64
	pollInterval time.Duration
	overrides    ledger.CostModel

	mu     sync.Mutex
	client *rpc.Client
	api    rpcAPI
}

var _ ledger.Gateway = (*Gateway)(nil)

// NewGateway returns a gateway bound to the configured RPC endpoint.
func NewGateway(cfg Config) (*Gateway, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置 Solana RPC 地址")
	}
	client := rpc.New(rpcURL)
	gw := newGateway(cfg, client)
	gw.client = client
	return gw, nil
}

func newGateway(cfg Config, api rpcAPI) *Gateway {
	commitment, _ := ParseCommitment(cfg.Commitment)
	fee := cfg.FeeEstimate
	if fee == 0 {
		fee = defaultFeeEstimate
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Gateway{
		name:         cfg.Name,
		commitment:   commitment,
		feeEstimate:  fee,
		pollInterval: poll,
		overrides:    cfg.Overrides,
		api:          api,
	}
}

// ParseCommitment maps a config string onto an rpc commitment level.
func ParseCommitment(raw string) (rpc.CommitmentType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "confirmed":
		return rpc.CommitmentConfirmed, nil
	case "finalized":
		return rpc.CommitmentFinalized, nil
	case "processed":
		return rpc.CommitmentProcessed, nil
	default:
		return rpc.CommitmentConfirmed, fmt.Errorf("不支持的 commitment %q", raw)
	}
}

// Name returns the chain name from the definitions file.
func (g *Gateway) Name() string { return g.name }

// Close releases the underlying HTTP client.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		_ = g.client.Close()
		g.client = nil
	}
}

// NativeBalance returns the lamport balance of account.
func (g *Gateway) NativeBalance(ctx context.Context, account sol.PublicKey) (uint64, error) {
	res, err := g.api.GetBalance(ctx, account, g.commitment)
	if err != nil {
		return 0, fmt.Errorf("查询余额失败: %w", err)
	}
	if res == nil {
		return 0, errors.New("查询余额失败: 空响应")
	}
	return res.Value, nil
}

type parsedTokenAccount struct {
	Parsed struct {
		Info struct {
			Mint        string `json:"mint"`
			Owner       string `json:"owner"`
			State       string `json:"state"`
			TokenAmount struct {
				Amount   string `json:"amount"`
				Decimals uint8  `json:"decimals"`
			} `json:"tokenAmount"`
		} `json:"info"`
		Type string `json:"type"`
	} `json:"parsed"`
}

// AssetSubAccounts lists the classic token accounts owned by owner. Frozen
// accounts can neither be transferred from nor closed, so they are left out.
func (g *Gateway) AssetSubAccounts(ctx context.Context, owner sol.PublicKey) ([]ledger.Holding, error) {
	programID := sol.TokenProgramID
	res, err := g.api.GetTokenAccountsByOwner(ctx, owner,
		&rpc.GetTokenAccountsConfig{ProgramId: &programID},
		&rpc.GetTokenAccountsOpts{Commitment: g.commitment, Encoding: sol.EncodingJSONParsed},
	)
	if err != nil {
		return nil, fmt.Errorf("查询代币账户失败: %w", err)
	}
	if res == nil {
		return nil, errors.New("查询代币账户失败: 空响应")
	}

	holdings := make([]ledger.Holding, 0, len(res.Value))
	for _, item := range res.Value {
		if item == nil || item.Account.Data == nil {
			continue
		}
		var parsed parsedTokenAccount
		if err := json.Unmarshal(item.Account.Data.GetRawJSON(), &parsed); err != nil {
			return nil, fmt.Errorf("解析代币账户 %s 失败: %w", item.Pubkey, err)
		}
		info := parsed.Parsed.Info
		if strings.EqualFold(info.State, "frozen") {
			continue
		}
		mint, err := sol.PublicKeyFromBase58(info.Mint)
		if err != nil {
			return nil, fmt.Errorf("代币账户 %s 的 mint 无效: %w", item.Pubkey, err)
		}
		amount, err := strconv.ParseUint(info.TokenAmount.Amount, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("代币账户 %s 的余额无效: %w", item.Pubkey, err)
		}
		holdings = append(holdings, ledger.Holding{
			Asset:      mint,
			SubAccount: item.Pubkey,
			Amount:     amount,
			Decimals:   info.TokenAmount.Decimals,
		})
	}
	return holdings, nil
}

// SubAccountsExist derives each ref's associated token account and checks
// them with getMultipleAccounts, one request per 100 keys.
func (g *Gateway) SubAccountsExist(ctx context.Context, refs []ledger.SubAccountRef) ([]bool, error) {
	out := make([]bool, len(refs))
	if len(refs) == 0 {
		return out, nil
	}

	keys := make([]sol.PublicKey, len(refs))
	for i, ref := range refs {
		ata, _, err := sol.FindAssociatedTokenAddress(ref.Owner, ref.Asset)
		if err != nil {
			return nil, fmt.Errorf("推导关联代币账户失败: %w", err)
		}
		keys[i] = ata
	}

	for start := 0; start < len(keys); start += maxAccountsPerQuery {
		end := start + maxAccountsPerQuery
		if end > len(keys) {
			end = len(keys)
		}
		res, err := g.api.GetMultipleAccountsWithOpts(ctx, keys[start:end], &rpc.GetMultipleAccountsOpts{
			Commitment: g.commitment,
			Encoding:   sol.EncodingBase64,
		})
		if err != nil {
			return nil, fmt.Errorf("批量查询账户失败: %w", err)
		}
		if res == nil || len(res.Value) != end-start {
			return nil, errors.New("批量查询账户失败: 响应数量不匹配")
		}
		for i, acct := range res.Value {
			out[start+i] = acct != nil
		}
	}
	return out, nil
}

// SequencingToken fetches a fresh blockhash.
func (g *Gateway) SequencingToken(ctx context.Context) (ledger.Token, error) {
	res, err := g.api.GetLatestBlockhash(ctx, g.commitment)
	if err != nil {
		return ledger.Token{}, fmt.Errorf("获取最新区块哈希失败: %w", err)
	}
	if res == nil || res.Value == nil {
		return ledger.Token{}, errors.New("获取最新区块哈希失败: 空响应")
	}
	return ledger.Token{
		Blockhash:            res.Value.Blockhash,
		LastValidBlockHeight: res.Value.LastValidBlockHeight,
	}, nil
}

// Compile turns operations into an unsigned legacy transaction.
func (g *Gateway) Compile(ops []ledger.Operation, payer sol.PublicKey, token ledger.Token) (*sol.Transaction, error) {
	return Compile(ops, payer, token)
}

// Submit sends a signed transaction with preflight enabled.
func (g *Gateway) Submit(ctx context.Context, tx *sol.Transaction) (sol.Signature, error) {
	if tx == nil || len(tx.Signatures) == 0 {
		return sol.Signature{}, errors.New("交易未签名")
	}
	sig, err := g.api.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{PreflightCommitment: g.commitment})
	if err != nil {
		return sol.Signature{}, fmt.Errorf("提交交易失败: %w", err)
	}
	return sig, nil
}

// Confirm polls the signature status until it reaches the gateway's
// commitment, fails on-chain or the timeout elapses. A timeout is not an
// error: the caller receives StatusTimedOut and must treat the batch as unknown.
func (g *Gateway) Confirm(ctx context.Context, sig sol.Signature, timeout time.Duration) (ledger.Confirmation, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		res, err := g.api.GetSignatureStatuses(ctx, false, sig)
		if err != nil {
			return ledger.Confirmation{}, fmt.Errorf("查询交易状态失败: %w", err)
		}
		if res != nil && len(res.Value) > 0 && res.Value[0] != nil {
			status := res.Value[0]
			if status.Err != nil {
				return ledger.Confirmation{
					Status: ledger.StatusFailed,
					Slot:   status.Slot,
					Err:    fmt.Sprint(status.Err),
				}, nil
			}
			if g.reached(status.ConfirmationStatus) {
				return ledger.Confirmation{Status: ledger.StatusConfirmed, Slot: status.Slot}, nil
			}
		}

		select {
		case <-ctx.Done():
			return ledger.Confirmation{}, ctx.Err()
		case <-deadline.C:
			return ledger.Confirmation{Status: ledger.StatusTimedOut}, nil
		case <-ticker.C:
		}
	}
}

func (g *Gateway) reached(status rpc.ConfirmationStatusType) bool {
	switch status {
	case rpc.ConfirmationStatusFinalized:
		return true
	case rpc.ConfirmationStatusConfirmed:
		return g.commitment != rpc.CommitmentFinalized
	case rpc.ConfirmationStatusProcessed:
		return g.commitment == rpc.CommitmentProcessed
	default:
		return false
	}
}

// CostModel reads the rent-exempt minimums from the ledger. Non-zero
// overrides from config are used as-is and skip the corresponding query.
func (g *Gateway) CostModel(ctx context.Context) (ledger.CostModel, error) {
	model := ledger.CostModel{
		SubAccountDeposit: g.overrides.SubAccountDeposit,
		FeeEstimate:       g.overrides.FeeEstimate,
		RentExemptMinimum: g.overrides.RentExemptMinimum,
	}
	if model.FeeEstimate == 0 {
		model.FeeEstimate = g.feeEstimate
	}
	if model.SubAccountDeposit == 0 {
		deposit, err := g.api.GetMinimumBalanceForRentExemption(ctx, tokenAccountSize, g.commitment)
		if err != nil {
			return ledger.CostModel{}, fmt.Errorf("查询代币账户租金失败: %w", err)
		}
		model.SubAccountDeposit = deposit
	}
	if model.RentExemptMinimum == 0 {
		minimum, err := g.api.GetMinimumBalanceForRentExemption(ctx, 0, g.commitment)
		if err != nil {
			return ledger.CostModel{}, fmt.Errorf("查询账户最低租金失败: %w", err)
		}
		model.RentExemptMinimum = minimum
	}
	return model, model.Validate()
}
