package sweep

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"OpenMCP-Sweep/internal/credential"
	xerrors "OpenMCP-Sweep/internal/errors"
	"OpenMCP-Sweep/internal/ledger"
	"OpenMCP-Sweep/internal/lock"
	"OpenMCP-Sweep/internal/observability/alerting"
	"OpenMCP-Sweep/pkg/logger"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// Converter 为单个资产给出兑换为原生资产的未签名指令。
type Converter interface {
	Convert(ctx context.Context, owner solana.PublicKey, holding ledger.Holding) (*ledger.Conversion, error)
}

// Recorder 接收运行指标，metrics.Metrics 实现了该接口。
type Recorder interface {
	ObserveRun(mode, status string, duration time.Duration)
	ObserveBatch(state string)
	ObserveConfirmation(duration time.Duration)
	ObserveOperations(kind string, n int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveRun(string, string, time.Duration) {}
func (nopRecorder) ObserveBatch(string)                      {}
func (nopRecorder) ObserveConfirmation(time.Duration)        {}
func (nopRecorder) ObserveOperations(string, int)            {}

// Engine 串联清单、可行性、规划、打包与提交。一次运行内部严格串行；
// 不同来源账户可以并发调用。
type Engine struct {
	gateway     ledger.Gateway
	credentials credential.Provider
	converter   Converter
	locker      lock.Locker
	lockTTL     time.Duration
	recorder    Recorder
	alerter     alerting.Dispatcher

	planner         Planner
	packer          Packer
	swapOpsPerBatch int
	confirmTimeout  time.Duration

	newID func() string
	now   func() time.Time
}

// Option 定义可选配置。
type Option func(*Engine)

// WithConverter 启用 swap-all 流程。
func WithConverter(c Converter) Option {
	return func(e *Engine) { e.converter = c }
}

// WithLocker 配置来源账户互斥锁。
func WithLocker(l lock.Locker, ttl time.Duration) Option {
	return func(e *Engine) {
		if l != nil {
			e.locker = l
		}
		if ttl > 0 {
			e.lockTTL = ttl
		}
	}
}

// WithRecorder 配置指标。
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(e *Engine) { e.alerter = d }
}

// WithBatchLimits 设置批次上限与单批次快速路径阈值。
func WithBatchLimits(maxOps, singleBatchCeiling int) Option {
	return func(e *Engine) {
		if maxOps > 0 {
			e.packer = NewPacker(maxOps, singleBatchCeiling)
		}
	}
}

// WithSwapOpsPerBatch 设置每个批次容纳的兑换数。
func WithSwapOpsPerBatch(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.swapOpsPerBatch = n
		}
	}
}

// WithConfirmTimeout 设置单个批次的确认超时。
func WithConfirmTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.confirmTimeout = d
		}
	}
}

// NewEngine 构造 Engine。
func NewEngine(gateway ledger.Gateway, credentials credential.Provider, opts ...Option) *Engine {
	e := &Engine{
		gateway:         gateway,
		credentials:     credentials,
		locker:          lock.NewMemory(),
		lockTTL:         5 * time.Minute,
		recorder:        nopRecorder{},
		packer:          NewPacker(8, 8),
		swapOpsPerBatch: 1,
		confirmTimeout:  time.Minute,
		newID:           func() string { return uuid.NewString() },
		now:             time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// SupportsSwapAll 表示是否配置了报价服务。
func (e *Engine) SupportsSwapAll() bool {
	return e.converter != nil
}

// RunSweep 把来源账户的全部资产归集到目标账户。规划完成之前的失败返回
// nil 摘要；之后的任何结果（包括部分成功）都返回摘要，错误非空表示运行
// 未完整结束。
func (e *Engine) RunSweep(ctx context.Context, source, destination solana.PublicKey) (*RunSummary, error) {
	if source.IsZero() || destination.IsZero() {
		return nil, xerrors.New(CodeInvalidRequest, "来源和目标地址不能为空")
	}
	if source.Equals(destination) {
		return nil, xerrors.New(CodeInvalidRequest, "来源和目标地址不能相同")
	}

	return e.run(ctx, ModeSweep, source, func(ctx context.Context, inv Inventory, cost ledger.CostModel) (Plan, error) {
		assets := make([]solana.PublicKey, 0, len(inv.Holdings))
		for _, h := range inv.Holdings {
			assets = append(assets, h.Asset)
		}
		exists, err := NewResolver(e.gateway).Resolve(ctx, destination, assets)
		if err != nil {
			return Plan{}, err
		}
		return e.planner.PlanSweep(inv, destination, exists, cost), nil
	})
}

// RunSwapAll 把来源账户的全部资产兑换为原生资产，资金留在来源账户。
func (e *Engine) RunSwapAll(ctx context.Context, source solana.PublicKey) (*RunSummary, error) {
	if source.IsZero() {
		return nil, xerrors.New(CodeInvalidRequest, "来源地址不能为空")
	}
	if e.converter == nil {
		return nil, xerrors.New(CodeInvalidRequest, "未配置报价服务，无法执行 swap-all")
	}

	return e.run(ctx, ModeSwapAll, source, func(ctx context.Context, inv Inventory, cost ledger.CostModel) (Plan, error) {
		quotes := make([]Quote, 0, len(inv.Holdings))
		for _, h := range inv.Holdings {
			conv, err := e.converter.Convert(ctx, source, h)
			quotes = append(quotes, Quote{Holding: h, Conversion: conv, Err: err})
		}
		return e.planner.PlanSwapAll(inv, quotes, cost), nil
	})
}

type planFunc func(ctx context.Context, inv Inventory, cost ledger.CostModel) (Plan, error)

func (e *Engine) run(ctx context.Context, mode Mode, source solana.PublicKey, plan planFunc) (*RunSummary, error) {
	runID := e.newID()
	started := e.now()
	log := logger.Named("sweep").With(
		slog.String("run_id", runID),
		slog.String("mode", string(mode)),
		slog.String("source", source.String()),
	)

	lease, err := e.locker.Acquire(ctx, source.String(), e.lockTTL)
	if err != nil {
		if stdErrors.Is(err, lock.ErrLocked) {
			return nil, xerrors.Wrap(CodeRunInProgress, err, "来源账户已有运行中的归集",
				xerrors.WithMetadata("source", source.String()))
		}
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "获取来源账户锁失败")
	}
	defer func() {
		if relErr := lease.Release(context.WithoutCancel(ctx)); relErr != nil {
			log.Warn("释放来源账户锁失败", slog.Any("error", relErr))
		}
	}()

	logger.Audit().Info("归集开始",
		slog.String("run_id", runID),
		slog.String("mode", string(mode)),
		slog.String("source", source.String()),
	)

	cost, err := e.gateway.CostModel(ctx)
	if err != nil {
		return nil, e.abort(ctx, runID, mode, started, xerrors.Wrap(CodeAccountUnreachable, err, "读取成本常量失败"))
	}
	inv, err := NewCollector(e.gateway).Collect(ctx, source)
	if err != nil {
		return nil, e.abort(ctx, runID, mode, started, err)
	}
	p, err := plan(ctx, inv, cost)
	if err != nil {
		return nil, e.abort(ctx, runID, mode, started, err)
	}
	log.Info("规划完成",
		slog.Int("operations", len(p.Operations)),
		slog.Int("creates", p.Creates),
		slog.Int("skipped", p.Counts.Skipped),
		slog.Int("closable", p.Counts.Closed),
		slog.Int64("native_budget", p.NativeBudget),
	)

	var batches []Batch
	if !p.NothingToDo() {
		batches, err = e.pack(p)
		if err != nil {
			return nil, e.abort(ctx, runID, mode, started, err)
		}
	}
	for _, b := range batches {
		for _, op := range b.Operations {
			e.recorder.ObserveOperations(string(op.Kind), 1)
		}
	}

	// 规划完成后不再响应调用方的取消，确认等待由各自的超时约束。
	submitCtx := context.WithoutCancel(ctx)
	var outcomes []Outcome
	var submitErr error
	if len(batches) > 0 {
		submitter := NewSubmitter(e.gateway, e.credentials, e.confirmTimeout, e.recorder)
		outcomes, submitErr = submitter.Submit(submitCtx, runID, source, batches)
	}

	summary := Aggregate(runID, p, outcomes, submitErr, started, e.now())
	e.finish(submitCtx, summary, submitErr)
	return summary, submitErr
}

func (e *Engine) pack(p Plan) ([]Batch, error) {
	if p.Mode != ModeSwapAll {
		return e.packer.Pack(p)
	}
	// 关闭操作按普通上限打包，兑换按 swapOpsPerBatch 打包。
	closes, converts := p, p
	closes.Operations, converts.Operations = nil, nil
	for _, op := range p.Operations {
		if op.Kind == ledger.OpConvert {
			converts.Operations = append(converts.Operations, op)
		} else {
			closes.Operations = append(closes.Operations, op)
		}
	}
	head, err := e.packer.Pack(closes)
	if err != nil {
		return nil, err
	}
	tail, err := NewPacker(e.swapOpsPerBatch, e.swapOpsPerBatch).Pack(converts)
	if err != nil {
		return nil, err
	}
	batches := append(head, tail...)
	for i := range batches {
		batches[i].Index = i
	}
	return batches, nil
}

func (e *Engine) abort(ctx context.Context, runID string, mode Mode, started time.Time, err error) error {
	e.recorder.ObserveRun(string(mode), string(RunFailed), e.now().Sub(started))
	logger.Audit().Warn("归集中止",
		slog.String("run_id", runID),
		slog.String("mode", string(mode)),
		slog.String("error_code", string(xerrors.CodeOf(err))),
		slog.String("error", err.Error()),
	)
	e.alert(ctx, runID, err)
	return err
}

func (e *Engine) finish(ctx context.Context, s *RunSummary, err error) {
	e.recorder.ObserveRun(string(s.Mode), string(s.Status), s.FinishedAt.Sub(s.StartedAt))
	attrs := []any{
		slog.String("run_id", s.RunID),
		slog.String("mode", string(s.Mode)),
		slog.String("source", s.Source),
		slog.String("status", string(s.Status)),
		slog.Int("transferred", s.Transferred),
		slog.Int("skipped", s.Skipped),
		slog.Int("closed", s.Closed),
		slog.Int("converted", s.Converted),
		slog.Uint64("native_transferred", s.NativeTransferred),
		slog.Int("batches", len(s.Outcomes)),
	}
	if s.LastConfirmedID != "" {
		attrs = append(attrs, slog.String("last_confirmed_id", s.LastConfirmedID))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		if s.StoppedAt != nil {
			attrs = append(attrs, slog.Int("stopped_at", *s.StoppedAt))
		}
		logger.Audit().Error("归集结束", attrs...)
		e.alert(ctx, s.RunID, err)
		return
	}
	logger.Audit().Info("归集结束", attrs...)
}

func (e *Engine) alert(ctx context.Context, runID string, err error) {
	if e.alerter == nil || !xerrors.ShouldAlert(err) {
		return
	}
	if notifyErr := e.alerter.Notify(ctx, alerting.FromError(err, runID)); notifyErr != nil {
		logger.L().Error("告警通知失败", slog.Any("error", notifyErr), slog.String("run_id", runID))
	}
}
