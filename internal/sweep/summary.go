package sweep

import (
	"fmt"
	"time"

	xerrors "OpenMCP-Sweep/internal/errors"
	"OpenMCP-Sweep/internal/ledger"

	"github.com/shopspring/decimal"
)

// RunStatus 是一次运行的总体结论。
type RunStatus string

const (
	RunCompleted      RunStatus = "completed"
	RunPartial        RunStatus = "partial"
	RunFailed         RunStatus = "failed"
	RunTimedOut       RunStatus = "timed_out"
	RunNothingToSweep RunStatus = "nothing_to_sweep"
)

// RunSummary 是返回给调用方的唯一结果对象。
type RunSummary struct {
	RunID       string    `json:"run_id"`
	Mode        Mode      `json:"mode"`
	Source      string    `json:"source"`
	Destination string    `json:"destination,omitempty"`
	Status      RunStatus `json:"status"`

	// 以下计数只统计成功批次中的操作。
	Transferred       int    `json:"transferred"`
	Closed            int    `json:"closed"`
	Converted         int    `json:"converted"`
	NativeTransferred uint64 `json:"native_transferred"`

	// NativeTransferredSOL 是 NativeTransferred 的可读形式。
	NativeTransferredSOL decimal.Decimal `json:"native_transferred_sol"`
	Skipped              int             `json:"skipped"`

	Planned      Counts           `json:"planned"`
	SkippedItems []Skip           `json:"skipped_items,omitempty"`
	Outcomes     []Outcome        `json:"outcomes,omitempty"`
	Cost         ledger.CostModel `json:"cost"`

	// StoppedAt 是首个失败批次的序号。
	StoppedAt *int `json:"stopped_at,omitempty"`

	// LastConfirmedID 是最后一个成功批次的签名。
	LastConfirmedID string       `json:"last_confirmed_id,omitempty"`
	ErrorCode       xerrors.Code `json:"error_code,omitempty"`
	Error           string       `json:"error,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Succeeded 表示运行完整结束或无事可做。
func (s *RunSummary) Succeeded() bool {
	return s != nil && (s.Status == RunCompleted || s.Status == RunNothingToSweep)
}

const lamportDecimals = 9

// Aggregate 合并规划计数与批次结果。submitErr 为提交阶段的致命错误。
func Aggregate(runID string, plan Plan, outcomes []Outcome, submitErr error, startedAt, finishedAt time.Time) *RunSummary {
	summary := &RunSummary{
		RunID:        runID,
		Mode:         plan.Mode,
		Source:       plan.Source.String(),
		Planned:      plan.Counts,
		Skipped:      plan.Counts.Skipped,
		SkippedItems: append([]Skip(nil), plan.Skipped...),
		Outcomes:     outcomes,
		Cost:         plan.Cost,
		StartedAt:    startedAt,
		FinishedAt:   finishedAt,
	}
	if plan.Mode == ModeSweep {
		summary.Destination = plan.Destination.String()
	}

	if len(outcomes) == 0 {
		summary.Status = RunNothingToSweep
		summary.ErrorCode = CodeNoAssets
		summary.NativeTransferredSOL = decimal.Zero
		return summary
	}

	anySucceeded := false
	for i, out := range outcomes {
		if out.Succeeded {
			anySucceeded = true
			summary.LastConfirmedID = out.Signature
			for _, op := range out.batch.Operations {
				switch op.Kind {
				case ledger.OpTransferAsset:
					summary.Transferred++
				case ledger.OpCloseSubAccount:
					summary.Closed++
				case ledger.OpConvert:
					summary.Converted++
				case ledger.OpTransferNative:
					summary.NativeTransferred += op.Amount
				}
			}
			continue
		}
		if out.State != BatchNotAttempted && summary.StoppedAt == nil {
			idx := i
			summary.StoppedAt = &idx
		}
	}
	summary.NativeTransferredSOL = ledger.UIAmount(summary.NativeTransferred, lamportDecimals)

	if submitErr == nil {
		summary.Status = RunCompleted
		return summary
	}

	summary.ErrorCode = xerrors.CodeOf(submitErr)
	summary.Error = submitErr.Error()
	switch {
	case summary.ErrorCode == CodeBatchConfirmationTimeout:
		summary.Status = RunTimedOut
	case anySucceeded:
		summary.Status = RunPartial
	default:
		summary.Status = RunFailed
	}
	return summary
}

// String 便于日志输出。
func (s *RunSummary) String() string {
	return fmt.Sprintf("run %s %s: transferred=%d skipped=%d closed=%d converted=%d native=%d",
		s.RunID, s.Status, s.Transferred, s.Skipped, s.Closed, s.Converted, s.NativeTransferred)
}
