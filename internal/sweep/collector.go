package sweep

import (
	"context"

	xerrors "OpenMCP-Sweep/internal/errors"
	"OpenMCP-Sweep/internal/ledger"

	"github.com/gagliardetto/solana-go"
)

// Inventory 是一次运行开始时读取的来源账户快照。
type Inventory struct {
	Source        solana.PublicKey
	NativeBalance uint64
	// Holdings 仅包含余额非零的代币账户，保持链上返回顺序。
	Holdings []ledger.Holding
	// Closable 为余额为零、可以关闭回收押金的代币账户。
	Closable []solana.PublicKey
}

// Collector 读取来源账户的资产清单。
type Collector struct {
	gateway ledger.Gateway
}

// NewCollector 构造 Collector。
func NewCollector(gateway ledger.Gateway) *Collector {
	return &Collector{gateway: gateway}
}

// Collect 读取原生余额和全部代币账户。任何一次查询失败都会让整个运行失败，
// 不返回部分清单。
func (c *Collector) Collect(ctx context.Context, source solana.PublicKey) (Inventory, error) {
	native, err := c.gateway.NativeBalance(ctx, source)
	if err != nil {
		return Inventory{}, xerrors.Wrap(CodeAccountUnreachable, err, "读取原生余额失败",
			xerrors.WithMetadata("source", source.String()))
	}

	accounts, err := c.gateway.AssetSubAccounts(ctx, source)
	if err != nil {
		return Inventory{}, xerrors.Wrap(CodeAccountUnreachable, err, "读取代币账户失败",
			xerrors.WithMetadata("source", source.String()))
	}

	inv := Inventory{Source: source, NativeBalance: native}
	for _, h := range accounts {
		if h.Amount == 0 {
			inv.Closable = append(inv.Closable, h.SubAccount)
			continue
		}
		inv.Holdings = append(inv.Holdings, h)
	}
	return inv, nil
}
