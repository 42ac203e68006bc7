package task

import (
	"context"
	"fmt"
	"strings"

	xerrors "OpenMCP-Sweep/internal/errors"
	"OpenMCP-Sweep/internal/ledger"
	"OpenMCP-Sweep/internal/sweep"

	"github.com/gagliardetto/solana-go"
)

// Executor 执行一个归集请求。
type Executor interface {
	Execute(ctx context.Context, req Request) (*sweep.RunSummary, error)
}

// Runner 是 sweep.Engine 对外暴露的运行入口。
type Runner interface {
	RunSweep(ctx context.Context, source, destination solana.PublicKey) (*sweep.RunSummary, error)
	RunSwapAll(ctx context.Context, source solana.PublicKey) (*sweep.RunSummary, error)
}

// EngineExecutor 按链名把请求分派给对应的引擎。
type EngineExecutor struct {
	defaultChain string
	runners      map[string]Runner
}

// NewEngineExecutor 构造 EngineExecutor。
func NewEngineExecutor(defaultChain string, runners map[string]Runner) *EngineExecutor {
	return &EngineExecutor{defaultChain: defaultChain, runners: runners}
}

// Execute 实现 Executor。
func (e *EngineExecutor) Execute(ctx context.Context, req Request) (*sweep.RunSummary, error) {
	chain := strings.TrimSpace(req.Chain)
	if chain == "" {
		chain = e.defaultChain
	}
	runner, ok := e.runners[chain]
	if !ok {
		return nil, xerrors.New(sweep.CodeInvalidRequest, fmt.Sprintf("未配置链 %q", chain))
	}

	source, err := ledger.ParseAddress(req.Source)
	if err != nil {
		return nil, xerrors.Wrap(sweep.CodeInvalidRequest, err, "来源地址无效")
	}
	switch req.Mode {
	case sweep.ModeSwapAll:
		return runner.RunSwapAll(ctx, source)
	case sweep.ModeSweep, "":
		dest, err := ledger.ParseAddress(req.Destination)
		if err != nil {
			return nil, xerrors.Wrap(sweep.CodeInvalidRequest, err, "目标地址无效")
		}
		return runner.RunSweep(ctx, source, dest)
	default:
		return nil, xerrors.New(sweep.CodeInvalidRequest, "不支持的归集模式 "+string(req.Mode))
	}
}
