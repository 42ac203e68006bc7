package task

import (
	"context"
	"log/slog"
	"time"

	xerrors "OpenMCP-Sweep/internal/errors"
	"OpenMCP-Sweep/pkg/logger"
)

// CodeTaskInterrupted 标记进程退出时仍在运行的任务。这类任务可能已经提交了批次，
// 需要人工核对链上状态后再决定是否重新提交。
const CodeTaskInterrupted xerrors.Code = "TASK_INTERRUPTED"

func init() {
	xerrors.Register(CodeTaskInterrupted, xerrors.Attributes{
		Message:  "task interrupted while running",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

const recoveryPageSize = 100

// RecoveryReport 汇总一次启动恢复的结果。
type RecoveryReport struct {
	Requeued    []string `json:"requeued"`
	Interrupted []string `json:"interrupted"`
}

// Recover 处理上次退出遗留的任务：pending 与 retrying 重新入队；更新时间早于
// staleAfter 的 running 任务标记为失败（不会自动重跑）。staleAfter 应大于一次
// 归集的最长耗时，否则会误伤其他实例正在执行的任务。
func (s *Service) Recover(ctx context.Context, staleAfter time.Duration) (RecoveryReport, error) {
	var report RecoveryReport
	if s.store == nil || s.producer == nil {
		return report, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	cutoff := time.Now().Add(-staleAfter)
	for {
		// 标记后任务离开 running 过滤条件，因此总是读取第一页。
		stale, err := s.store.List(ctx, BuildListOptions(
			WithStatuses(StatusRunning),
			WithUpdatedUntil(cutoff),
			WithLimit(recoveryPageSize),
		))
		if err != nil {
			return report, err
		}
		for _, task := range stale {
			if err := s.store.MarkFailed(ctx, task.ID, CodeTaskInterrupted, "进程退出时任务仍在运行，需人工核对链上状态", nil, true); err != nil {
				return report, err
			}
			report.Interrupted = append(report.Interrupted, task.ID)
			logger.Audit().Warn("任务已标记为中断",
				slog.String("task_id", task.ID),
				slog.String("source", task.Source),
				slog.Int("attempts", task.Attempts),
			)
		}
		if len(stale) < recoveryPageSize {
			break
		}
	}

	for offset := 0; ; offset += recoveryPageSize {
		waiting, err := s.store.List(ctx, BuildListOptions(
			WithStatuses(StatusPending, StatusRetrying),
			WithSortOrder(SortByUpdatedAsc),
			WithLimit(recoveryPageSize),
			WithOffset(offset),
		))
		if err != nil {
			return report, err
		}
		for _, task := range waiting {
			// 重复投递无害：Claim 只会让其中一次成功。
			if err := s.producer.Publish(ctx, task.ID); err != nil {
				return report, xerrors.Wrap(CodeTaskPublish, err, "恢复任务入队失败")
			}
			report.Requeued = append(report.Requeued, task.ID)
		}
		if len(waiting) < recoveryPageSize {
			break
		}
	}
	return report, nil
}
