package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"

	xerrors "OpenMCP-Sweep/internal/errors"
	"OpenMCP-Sweep/internal/observability/alerting"
	"OpenMCP-Sweep/internal/sweep"
)

type fakeExecutor struct {
	processed atomic.Int32
	latency   time.Duration
	summary   *sweep.RunSummary
	err       error
}

func (f *fakeExecutor) Execute(ctx context.Context, req Request) (*sweep.RunSummary, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.processed.Add(1)
	if f.err != nil {
		return f.summary, f.err
	}
	if f.summary != nil {
		return f.summary, nil
	}
	return &sweep.RunSummary{RunID: "run-" + req.ID, Source: req.Source, Status: sweep.RunCompleted}, nil
}

type recordingPublisher struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingPublisher) Publish(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return nil
}

func (r *recordingPublisher) PublishAfter(ctx context.Context, id string, _ time.Duration) error {
	return r.Publish(ctx, id)
}

func (r *recordingPublisher) Close() error { return nil }

func (r *recordingPublisher) published() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerter) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingRecorder) ObserveJob(status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[status]++
}

func newAddress() string {
	return solana.NewWallet().PublicKey().String()
}

func seedTask(t *testing.T, store Store, id string, maxRetries int) {
	t.Helper()
	task := &Task{
		ID:          id,
		Mode:        sweep.ModeSweep,
		Source:      newAddress(),
		Destination: newAddress(),
		Status:      StatusPending,
		MaxRetries:  maxRetries,
	}
	if err := store.Create(context.Background(), task); err != nil {
		t.Fatalf("seed task: %v", err)
	}
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	executor := &fakeExecutor{latency: 10 * time.Millisecond}

	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue, WithWorkerCount(8))

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 100
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		task, err := service.Submit(ctx, Request{Source: newAddress(), Destination: newAddress(), Origin: OriginAPI})
		if err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
		ids = append(ids, task.ID)
	}

	for _, id := range ids {
		task, err := service.WaitUntilCompleted(ctx, id, 10*time.Millisecond)
		if err != nil {
			t.Fatalf("wait %s: %v", id, err)
		}
		if task.Status != StatusSucceeded {
			t.Fatalf("task %s finished with %s", id, task.Status)
		}
		if task.Summary == nil || task.Summary.RunID != "run-"+id {
			t.Fatalf("task %s missing summary: %+v", id, task.Summary)
		}
	}
	if got := executor.processed.Load(); got != int32(total) {
		t.Fatalf("expected %d executions, got %d", total, got)
	}
}

func TestProcessorRequeuesRetryableFailure(t *testing.T) {
	store := NewMemoryStore()
	publisher := &recordingPublisher{}
	recorder := &countingRecorder{}
	executor := &fakeExecutor{err: xerrors.New(sweep.CodeAccountUnreachable, "rpc down")}
	processor := NewProcessor(executor, store, nil, publisher, WithRetryDelay(0), WithJobRecorder(recorder))

	seedTask(t, store, "retry", 3)
	if err := processor.handle(context.Background(), "retry"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	task, err := store.Get(context.Background(), "retry")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != StatusRetrying {
		t.Fatalf("expected retrying, got %s", task.Status)
	}
	if task.ErrorCode != string(sweep.CodeAccountUnreachable) {
		t.Fatalf("unexpected error code %q", task.ErrorCode)
	}
	if got := publisher.published(); len(got) != 1 || got[0] != "retry" {
		t.Fatalf("expected task to be requeued once, got %v", got)
	}
	if recorder.counts[string(StatusRetrying)] != 1 {
		t.Fatalf("expected retrying observation, got %v", recorder.counts)
	}
}

func TestProcessorAlertsWhenRetriesExhausted(t *testing.T) {
	store := NewMemoryStore()
	publisher := &recordingPublisher{}
	alerter := &recordingAlerter{}
	executor := &fakeExecutor{err: xerrors.New(sweep.CodeAccountUnreachable, "rpc down")}
	processor := NewProcessor(executor, store, nil, publisher, WithRetryDelay(0), WithAlertDispatcher(alerter))

	seedTask(t, store, "last", 1)
	if err := processor.handle(context.Background(), "last"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	task, _ := store.Get(context.Background(), "last")
	if task.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", task.Status)
	}
	if len(publisher.published()) != 0 {
		t.Fatalf("exhausted task must not be requeued")
	}
	if len(alerter.events) != 1 || alerter.events[0].Code != CodeTaskExhausted {
		t.Fatalf("expected exhausted alert, got %+v", alerter.events)
	}
	if alerter.events[0].Metadata["cause_code"] != string(sweep.CodeAccountUnreachable) {
		t.Fatalf("unexpected alert metadata: %+v", alerter.events[0].Metadata)
	}
}

func TestProcessorDoesNotRetryNonRetryableFailure(t *testing.T) {
	store := NewMemoryStore()
	publisher := &recordingPublisher{}
	executor := &fakeExecutor{err: xerrors.New(sweep.CodeInvalidCredential, "key mismatch")}
	processor := NewProcessor(executor, store, nil, publisher, WithRetryDelay(0))

	seedTask(t, store, "bad-key", 3)
	if err := processor.handle(context.Background(), "bad-key"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	task, _ := store.Get(context.Background(), "bad-key")
	if task.Status != StatusFailed || task.Attempts != 1 {
		t.Fatalf("unexpected task: %+v", task)
	}
	if len(publisher.published()) != 0 {
		t.Fatalf("non-retryable failure must not be requeued")
	}
}

func TestProcessorKeepsSubmittedRunsFromRetrying(t *testing.T) {
	store := NewMemoryStore()
	publisher := &recordingPublisher{}
	stopped := 0
	summary := &sweep.RunSummary{RunID: "run-partial", Status: sweep.RunPartial, StoppedAt: &stopped}
	// 可重试错误但已经有批次上链，不能自动重跑。
	executor := &fakeExecutor{summary: summary, err: xerrors.New(sweep.CodeRunInProgress, "busy")}
	processor := NewProcessor(executor, store, nil, publisher, WithRetryDelay(0))

	seedTask(t, store, "partial", 3)
	if err := processor.handle(context.Background(), "partial"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	task, _ := store.Get(context.Background(), "partial")
	if task.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", task.Status)
	}
	if task.Summary == nil || task.Summary.RunID != "run-partial" {
		t.Fatalf("summary should be recorded: %+v", task.Summary)
	}
	if len(publisher.published()) != 0 {
		t.Fatalf("run with summary must not be requeued")
	}
}

func TestProcessorSkipsFinishedTasks(t *testing.T) {
	store := NewMemoryStore()
	executor := &fakeExecutor{}
	processor := NewProcessor(executor, store, nil, &recordingPublisher{})

	seedTask(t, store, "done", 3)
	if err := store.MarkSucceeded(context.Background(), "done", nil); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := processor.handle(context.Background(), "done"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := processor.handle(context.Background(), "unknown"); err != nil {
		t.Fatalf("handle unknown: %v", err)
	}
	if executor.processed.Load() != 0 {
		t.Fatalf("finished tasks must not execute")
	}
}
