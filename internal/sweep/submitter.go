package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"OpenMCP-Sweep/internal/credential"
	xerrors "OpenMCP-Sweep/internal/errors"
	"OpenMCP-Sweep/internal/ledger"
	"OpenMCP-Sweep/pkg/logger"

	"github.com/gagliardetto/solana-go"
)

// BatchState 是单个批次的终态。
type BatchState string

const (
	BatchConfirmed BatchState = "confirmed"
	// BatchSubmitted 用于单批次运行：已被节点接收，但按约定不等待确认。
	BatchSubmitted    BatchState = "submitted"
	BatchFailed       BatchState = "failed"
	BatchTimedOut     BatchState = "timed_out"
	BatchNotAttempted BatchState = "not_attempted"
)

// Outcome 记录一个批次的执行结果。
type Outcome struct {
	Index      int          `json:"index"`
	Signature  string       `json:"signature,omitempty"`
	State      BatchState   `json:"state"`
	Succeeded  bool         `json:"succeeded"`
	Code       xerrors.Code `json:"code,omitempty"`
	Error      string       `json:"error,omitempty"`
	Operations int          `json:"operations"`
	Slot       uint64       `json:"slot,omitempty"`

	batch Batch
}

// Submitter 逐个签名、提交并确认批次。
type Submitter struct {
	gateway        ledger.Gateway
	credentials    credential.Provider
	confirmTimeout time.Duration
	recorder       Recorder
	now            func() time.Time
}

// NewSubmitter 构造 Submitter。
func NewSubmitter(gateway ledger.Gateway, credentials credential.Provider, confirmTimeout time.Duration, recorder Recorder) *Submitter {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Submitter{
		gateway:        gateway,
		credentials:    credentials,
		confirmTimeout: confirmTimeout,
		recorder:       recorder,
		now:            time.Now,
	}
}

// Submit 按顺序执行批次。多于一个批次时，第 n 个批次确认后才会提交第 n+1 个；
// 任一批次失败即停止，已确认的批次不会回滚。返回值总是包含每个批次的结果，
// 未执行的批次标记为 not_attempted。
func (s *Submitter) Submit(ctx context.Context, runID string, source solana.PublicKey, batches []Batch) ([]Outcome, error) {
	outcomes := make([]Outcome, len(batches))
	for i, b := range batches {
		outcomes[i] = Outcome{Index: b.Index, State: BatchNotAttempted, Operations: len(b.Operations), batch: b}
	}
	wait := len(batches) > 1

	for i, b := range batches {
		out, err := s.submitOne(ctx, runID, source, b, wait)
		outcomes[i] = out
		s.recorder.ObserveBatch(string(out.State))
		if err != nil {
			return outcomes, err
		}
	}
	return outcomes, nil
}

func (s *Submitter) submitOne(ctx context.Context, runID string, source solana.PublicKey, b Batch, wait bool) (Outcome, error) {
	out := Outcome{Index: b.Index, Operations: len(b.Operations), batch: b}
	meta := []xerrors.Option{
		xerrors.WithMetadata("run_id", runID),
		xerrors.WithMetadata("batch", fmt.Sprint(b.Index)),
	}
	fail := func(state BatchState, code xerrors.Code, cause error, msg string) (Outcome, error) {
		err := xerrors.Wrap(code, cause, msg, meta...)
		out.State = state
		out.Code = code
		out.Error = err.Error()
		return out, err
	}

	token, err := s.gateway.SequencingToken(ctx)
	if err != nil {
		return fail(BatchFailed, CodeBatchSubmissionFailed, err, "获取区块哈希失败")
	}
	tx, err := s.gateway.Compile(b.Operations, source, token)
	if err != nil {
		return fail(BatchFailed, CodeBatchSubmissionFailed, err, "编译批次失败")
	}

	err = s.credentials.Acquire(ctx, source, func(key solana.PrivateKey) error {
		if !key.PublicKey().Equals(source) {
			return credential.ErrMismatch
		}
		_, signErr := tx.Sign(func(pk solana.PublicKey) *solana.PrivateKey {
			if pk.Equals(source) {
				return &key
			}
			return nil
		})
		return signErr
	})
	if err != nil {
		return fail(BatchFailed, CodeInvalidCredential, err, "签名失败")
	}

	sig, err := s.gateway.Submit(ctx, tx)
	if err != nil {
		return fail(BatchFailed, CodeBatchSubmissionFailed, err, "提交批次失败")
	}
	out.Signature = sig.String()
	meta = append(meta, xerrors.WithMetadata("signature", out.Signature))
	logger.Audit().Info("批次已提交",
		slog.String("run_id", runID),
		slog.Int("batch", b.Index),
		slog.String("signature", out.Signature),
		slog.Int("operations", len(b.Operations)),
	)

	if !wait {
		out.State = BatchSubmitted
		out.Succeeded = true
		return out, nil
	}

	started := s.now()
	conf, err := s.gateway.Confirm(ctx, sig, s.confirmTimeout)
	s.recorder.ObserveConfirmation(s.now().Sub(started))
	if err != nil {
		// 查询失败时链上状态未知，与超时同样处理。
		return fail(BatchTimedOut, CodeBatchConfirmationTimeout, err, "确认批次时状态未知")
	}
	switch conf.Status {
	case ledger.StatusConfirmed:
		out.State = BatchConfirmed
		out.Succeeded = true
		out.Slot = conf.Slot
		logger.Audit().Info("批次已确认",
			slog.String("run_id", runID),
			slog.Int("batch", b.Index),
			slog.String("signature", out.Signature),
			slog.Uint64("slot", conf.Slot),
		)
		return out, nil
	case ledger.StatusFailed:
		out.Slot = conf.Slot
		return fail(BatchFailed, CodeBatchSubmissionFailed, fmt.Errorf("%s", conf.Err), "批次执行失败")
	default:
		return fail(BatchTimedOut, CodeBatchConfirmationTimeout,
			fmt.Errorf("超过 %s 未确认", s.confirmTimeout), "批次确认超时")
	}
}
