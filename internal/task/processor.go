package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "OpenMCP-Sweep/internal/errors"
	"OpenMCP-Sweep/internal/observability/alerting"
	"OpenMCP-Sweep/internal/sweep"
	"OpenMCP-Sweep/pkg/logger"
)

// JobRecorder 接收任务终态指标。
type JobRecorder interface {
	ObserveJob(status string)
}

// Processor 负责从队列消费任务并交给引擎执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	retryDelay  time.Duration
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	recorder    JobRecorder
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定调试日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRetryDelay 设置可重试失败后重新入队前的等待时间。
func WithRetryDelay(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d >= 0 {
			p.retryDelay = d
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithJobRecorder 配置任务指标。
func WithJobRecorder(r JobRecorder) ProcessorOption {
	return func(p *Processor) {
		p.recorder = r
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		retryDelay:  5 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动任务处理循环，阻塞直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) ||
			stdErrors.Is(err, ErrTaskExhausted) || stdErrors.Is(err, ErrTaskConflict) {
			p.logDebug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		return err
	}

	summary, execErr := p.executor.Execute(ctx, task.request())
	if execErr != nil {
		return p.handleExecutionFailure(ctx, task, summary, execErr)
	}

	if err := p.store.MarkSucceeded(ctx, task.ID, summary); err != nil {
		// 归集已经执行，不能重投，否则会重复提交。
		logger.L().Error("标记任务成功状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		return nil
	}
	p.observe(StatusSucceeded)
	attrs := []any{
		slog.String("task_id", task.ID),
		slog.String("source", task.Source),
		slog.Int("attempts", task.Attempts),
	}
	if summary != nil {
		attrs = append(attrs, slog.String("run_id", summary.RunID), slog.String("run_status", string(summary.Status)))
	}
	logger.Audit().Info("任务执行成功", attrs...)
	return nil
}

// handleExecutionFailure 只在没有任何批次被提交时重试：摘要非空说明已经
// 进入提交阶段，重跑需要人工确认链上状态。
func (p *Processor) handleExecutionFailure(ctx context.Context, task *Task, summary *sweep.RunSummary, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(execErr) && summary == nil
	exhausted := task.Attempts >= task.MaxRetries
	terminal := exhausted || !retryable

	if storeErr := p.store.MarkFailed(ctx, task.ID, code, execErr.Error(), summary, terminal); storeErr != nil {
		logger.L().Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		return storeErr
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", task.ID),
		slog.String("source", task.Source),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	if terminal {
		p.observe(StatusFailed)
		if retryable && exhausted {
			p.emitAlert(ctx, task, CodeTaskExhausted, execErr)
		}
		return nil
	}

	p.observe(StatusRetrying)
	p.requeue(ctx, task)
	return nil
}

func (p *Processor) requeue(ctx context.Context, task *Task) {
	if err := p.producer.PublishAfter(ctx, task.ID, p.retryDelay); err != nil {
		wrapped := xerrors.Wrap(CodeTaskPublish, err, fmt.Sprintf("任务 %s 重投失败", task.ID))
		logger.L().Error("任务重投失败", slog.Any("error", wrapped), slog.String("task_id", task.ID))
		p.emitAlert(ctx, task, CodeTaskPublish, wrapped)
		return
	}
	p.logDebug("任务已重新排队",
		slog.String("task_id", task.ID),
		slog.Int("attempts", task.Attempts),
		slog.Duration("delay", p.retryDelay),
	)
}

func (p *Processor) observe(status Status) {
	if p.recorder != nil {
		p.recorder.ObserveJob(string(status))
	}
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error) {
	if p == nil || p.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	event := alerting.Event{
		Code:       code,
		Message:    cause.Error(),
		Severity:   attrs.Severity,
		JobID:      task.ID,
		Source:     task.Source,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   map[string]string{"cause_code": string(xerrors.CodeOf(cause))},
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败", slog.Any("error", err), slog.String("task_id", task.ID))
	}
}
