// Package jupiter 通过 Jupiter 报价服务把代币兑换为 SOL。
package jupiter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	xerrors "OpenMCP-Sweep/internal/errors"
	"OpenMCP-Sweep/internal/ledger"
)

const (
	defaultBaseURL     = "https://quote-api.jup.ag/v6"
	defaultSlippageBps = 50
	defaultTimeout     = 15 * time.Second
)

var wrappedSOL = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")

// ErrLookupTablesRequired 表示路由只能以 v0 交易执行，无法与其它操作合并。
var ErrLookupTablesRequired = errors.New("兑换路由依赖地址查找表")

// Config 描述报价服务的连接参数。
type Config struct {
	BaseURL     string
	APIKey      string
	SlippageBps int
	// OutputMint 默认是 wrapped SOL。
	OutputMint string
	Timeout    time.Duration
}

// Client 调用 Jupiter 的 quote 与 swap-instructions 接口。
type Client struct {
	baseURL     string
	apiKey      string
	slippageBps int
	outputMint  solana.PublicKey
	httpClient  *http.Client
}

// NewClient 根据配置创建客户端。
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	slippage := cfg.SlippageBps
	if slippage <= 0 {
		slippage = defaultSlippageBps
	}
	output := wrappedSOL
	if raw := strings.TrimSpace(cfg.OutputMint); raw != "" {
		key, err := solana.PublicKeyFromBase58(raw)
		if err != nil {
			return nil, fmt.Errorf("无效的 output mint %q: %w", raw, err)
		}
		output = key
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:     baseURL,
		apiKey:      strings.TrimSpace(cfg.APIKey),
		slippageBps: slippage,
		outputMint:  output,
		httpClient:  &http.Client{Timeout: timeout},
	}, nil
}

// Convert 为单个持仓生成兑换指令，实现 sweep.Converter。
func (c *Client) Convert(ctx context.Context, owner solana.PublicKey, holding ledger.Holding) (*ledger.Conversion, error) {
	if holding.Amount == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "兑换数量必须为正数")
	}
	quote, err := c.quote(ctx, holding)
	if err != nil {
		return nil, err
	}
	out, err := strconv.ParseUint(quote.OutAmount, 10, 64)
	if err != nil || out == 0 {
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, fmt.Sprintf("报价输出数量无效 %q", quote.OutAmount))
	}

	resp, err := c.swapInstructions(ctx, owner, quote.raw)
	if err != nil {
		return nil, err
	}
	if len(resp.AddressLookupTableAddresses) > 0 {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, ErrLookupTablesRequired, holding.Asset.String())
	}

	instructions := make([]solana.Instruction, 0, len(resp.SetupInstructions)+2)
	// 计算预算指令由批次自行决定，多个兑换合并时重复的预算指令会导致交易失败。
	for _, raw := range resp.SetupInstructions {
		ix, err := raw.decode()
		if err != nil {
			return nil, err
		}
		instructions = append(instructions, ix)
	}
	if resp.SwapInstruction == nil {
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, "响应缺少 swapInstruction")
	}
	swap, err := resp.SwapInstruction.decode()
	if err != nil {
		return nil, err
	}
	instructions = append(instructions, swap)
	if resp.CleanupInstruction != nil {
		cleanup, err := resp.CleanupInstruction.decode()
		if err != nil {
			return nil, err
		}
		instructions = append(instructions, cleanup)
	}

	return &ledger.Conversion{
		Asset:        holding.Asset,
		InAmount:     holding.Amount,
		ExpectedOut:  out,
		Instructions: instructions,
	}, nil
}

type quoteResponse struct {
	InAmount  string `json:"inAmount"`
	OutAmount string `json:"outAmount"`
	raw       json.RawMessage
}

func (c *Client) quote(ctx context.Context, holding ledger.Holding) (*quoteResponse, error) {
	params := url.Values{}
	params.Set("inputMint", holding.Asset.String())
	params.Set("outputMint", c.outputMint.String())
	params.Set("amount", strconv.FormatUint(holding.Amount, 10))
	params.Set("slippageBps", strconv.Itoa(c.slippageBps))
	params.Set("asLegacyTransaction", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/quote?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("构建报价请求失败: %w", err)
	}
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var quote quoteResponse
	if err := json.Unmarshal(body, &quote); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "解析报价响应失败")
	}
	quote.raw = body
	return &quote, nil
}

type accountMeta struct {
	Pubkey     string `json:"pubkey"`
	IsSigner   bool   `json:"isSigner"`
	IsWritable bool   `json:"isWritable"`
}

type rawInstruction struct {
	ProgramID string        `json:"programId"`
	Accounts  []accountMeta `json:"accounts"`
	Data      string        `json:"data"`
}

func (r rawInstruction) decode() (solana.Instruction, error) {
	program, err := solana.PublicKeyFromBase58(r.ProgramID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "无效的 programId")
	}
	metas := make(solana.AccountMetaSlice, 0, len(r.Accounts))
	for _, acc := range r.Accounts {
		key, err := solana.PublicKeyFromBase58(acc.Pubkey)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "无效的账户地址")
		}
		metas = append(metas, &solana.AccountMeta{PublicKey: key, IsWritable: acc.IsWritable, IsSigner: acc.IsSigner})
	}
	data, err := base64.StdEncoding.DecodeString(r.Data)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "无法解码指令数据")
	}
	return solana.NewInstruction(program, metas, data), nil
}

type swapInstructionsResponse struct {
	ComputeBudgetInstructions   []rawInstruction `json:"computeBudgetInstructions"`
	SetupInstructions           []rawInstruction `json:"setupInstructions"`
	SwapInstruction             *rawInstruction  `json:"swapInstruction"`
	CleanupInstruction          *rawInstruction  `json:"cleanupInstruction"`
	AddressLookupTableAddresses []string         `json:"addressLookupTableAddresses"`
}

func (c *Client) swapInstructions(ctx context.Context, owner solana.PublicKey, quote json.RawMessage) (*swapInstructionsResponse, error) {
	payload, err := json.Marshal(map[string]any{
		"quoteResponse":       quote,
		"userPublicKey":       owner.String(),
		"wrapAndUnwrapSol":    true,
		"asLegacyTransaction": true,
	})
	if err != nil {
		return nil, fmt.Errorf("序列化兑换请求失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/swap-instructions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建兑换请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var decoded swapInstructionsResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "解析兑换响应失败")
	}
	return &decoded, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "请求 Jupiter 失败")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "读取 Jupiter 响应失败")
	}
	if resp.StatusCode >= http.StatusBadRequest {
		snippet := strings.TrimSpace(string(body))
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return nil, xerrors.New(xerrors.CodeUpstreamFailure,
			fmt.Sprintf("Jupiter 返回错误状态 %d: %s", resp.StatusCode, snippet),
			xerrors.WithMetadata("status", strconv.Itoa(resp.StatusCode)))
	}
	return body, nil
}
