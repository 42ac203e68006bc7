package task

import (
	"context"

	xerrors "OpenMCP-Sweep/internal/errors"
	"OpenMCP-Sweep/internal/sweep"
)

// Store 抽象了任务状态的持久化接口。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Claim 把 pending 或 retrying 的任务置为 running 并增加尝试次数。
	Claim(ctx context.Context, id string) (*Task, error)
	MarkSucceeded(ctx context.Context, id string, summary *sweep.RunSummary) error
	// MarkFailed 记录失败；terminal 为 false 时任务进入 retrying。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, summary *sweep.RunSummary, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}
