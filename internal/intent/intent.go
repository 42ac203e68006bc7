// Package intent 把自由文本转换为结构化的归集参数。
//
// 解析器只负责提取，地址在返回前必须通过账本的地址校验，规划和打包逻辑
// 不感知文本解析。
package intent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	xerrors "OpenMCP-Sweep/internal/errors"
	"OpenMCP-Sweep/internal/ledger"
	"OpenMCP-Sweep/internal/sweep"
)

const (
	CodeIntentUnparseable xerrors.Code = "INTENT_UNPARSEABLE"
	CodeIntentUnavailable xerrors.Code = "INTENT_UNAVAILABLE"
)

func init() {
	xerrors.Register(CodeIntentUnparseable, xerrors.Attributes{
		Message:  "could not parse sweep parameters",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeIntentUnavailable, xerrors.Attributes{
		Message:   "intent extractor unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// ErrUnparseable 表示文本中没有可用的归集参数。
var ErrUnparseable = xerrors.New(CodeIntentUnparseable, "无法从文本中解析归集参数")

// AssetAmount 是文本中提到的资产数量，仅作参考，不参与规划。
type AssetAmount struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// Params 是提取结果。
type Params struct {
	Mode        sweep.Mode    `json:"mode"`
	Source      string        `json:"source"`
	Destination string        `json:"destination,omitempty"`
	Assets      []AssetAmount `json:"assets,omitempty"`
}

// Extractor 从自由文本中提取归集参数，无法解析时返回 ErrUnparseable。
type Extractor interface {
	Extract(ctx context.Context, text string) (*Params, error)
}

// ValidateAddress 使用账本的地址规则校验字符串。
func ValidateAddress(raw string) error {
	_, err := ledger.ParseAddress(raw)
	return err
}

// Normalize 补全默认模式并校验地址，失败时返回包装了 ErrUnparseable 的错误。
func Normalize(p *Params) error {
	if p == nil {
		return ErrUnparseable
	}
	p.Source = strings.TrimSpace(p.Source)
	p.Destination = strings.TrimSpace(p.Destination)
	if p.Mode == "" {
		p.Mode = sweep.ModeSweep
	}
	if p.Mode != sweep.ModeSweep && p.Mode != sweep.ModeSwapAll {
		return unparseable(fmt.Sprintf("未知的模式 %q", p.Mode))
	}
	if err := ValidateAddress(p.Source); err != nil {
		return unparseable("来源地址无效: " + err.Error())
	}
	if p.Mode == sweep.ModeSweep {
		if err := ValidateAddress(p.Destination); err != nil {
			return unparseable("目标地址无效: " + err.Error())
		}
	} else {
		p.Destination = ""
	}
	for _, a := range p.Assets {
		if a.Amount.IsNegative() {
			return unparseable(fmt.Sprintf("资产 %s 数量为负", a.Asset))
		}
	}
	return nil
}

// IsUnparseable 判断错误是否属于无法解析。
func IsUnparseable(err error) bool {
	return stdErrors.Is(err, ErrUnparseable) || xerrors.CodeOf(err) == CodeIntentUnparseable
}

func unparseable(reason string) error {
	return xerrors.Wrap(CodeIntentUnparseable, ErrUnparseable, reason)
}
