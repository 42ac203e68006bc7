package sweep

import (
	"context"
	"fmt"

	xerrors "OpenMCP-Sweep/internal/errors"
	"OpenMCP-Sweep/internal/ledger"

	"github.com/gagliardetto/solana-go"
)

// Existence 记录目标账户对每种资产是否已有接收账户，每次运行只解析一次。
type Existence map[solana.PublicKey]bool

// Resolver 判断目标账户的接收账户是否存在。
type Resolver struct {
	gateway ledger.Gateway
}

// NewResolver 构造 Resolver。
func NewResolver(gateway ledger.Gateway) *Resolver {
	return &Resolver{gateway: gateway}
}

// Resolve 用一次批量查询回答所有资产。
func (r *Resolver) Resolve(ctx context.Context, destination solana.PublicKey, assets []solana.PublicKey) (Existence, error) {
	out := make(Existence, len(assets))
	if len(assets) == 0 {
		return out, nil
	}

	refs := make([]ledger.SubAccountRef, 0, len(assets))
	for _, asset := range assets {
		if _, seen := out[asset]; seen {
			continue
		}
		out[asset] = false
		refs = append(refs, ledger.SubAccountRef{Owner: destination, Asset: asset})
	}

	exists, err := r.gateway.SubAccountsExist(ctx, refs)
	if err != nil {
		return nil, xerrors.Wrap(CodeAccountUnreachable, err, "查询目标接收账户失败",
			xerrors.WithMetadata("destination", destination.String()))
	}
	if len(exists) != len(refs) {
		return nil, xerrors.New(CodeAccountUnreachable,
			fmt.Sprintf("接收账户查询返回 %d 条结果，期望 %d 条", len(exists), len(refs)))
	}
	for i, ref := range refs {
		out[ref.Asset] = exists[i]
	}
	return out, nil
}
