// Package schedule 按 cron 表达式定期提交归集任务。
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"OpenMCP-Sweep/internal/sweep"
	"OpenMCP-Sweep/internal/task"
	"OpenMCP-Sweep/pkg/logger"
)

// Entry 是一个定时归集配置。
type Entry struct {
	Name        string
	Spec        string
	TimeZone    string
	Mode        sweep.Mode
	Chain       string
	Source      string
	Destination string
}

// Submitter 由 task.Service 实现。
type Submitter interface {
	Submit(ctx context.Context, req task.Request) (*task.Task, error)
}

// Scheduler 把 cron 触发转换为任务提交。
type Scheduler struct {
	cron      *cron.Cron
	submitter Submitter
	now       func() time.Time

	mu  sync.Mutex
	ctx context.Context
}

// New 校验并登记所有条目，表达式错误时返回 error。
func New(submitter Submitter, entries []Entry) (*Scheduler, error) {
	if submitter == nil {
		return nil, fmt.Errorf("未配置任务提交器")
	}
	s := &Scheduler{
		cron:      cron.New(),
		submitter: submitter,
		now:       time.Now,
		ctx:       context.Background(),
	}
	for _, entry := range entries {
		entry := entry
		if entry.Name == "" {
			entry.Name = entry.Source
		}
		spec := strings.TrimSpace(entry.Spec)
		if tz := strings.TrimSpace(entry.TimeZone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return nil, fmt.Errorf("定时任务 %q 时区无效: %w", entry.Name, err)
			}
			spec = "CRON_TZ=" + tz + " " + spec
		}
		if _, err := s.cron.AddFunc(spec, func() { s.fire(entry) }); err != nil {
			return nil, fmt.Errorf("无法登记定时任务 %q: %w", entry.Name, err)
		}
	}
	return s, nil
}

// Len 返回已登记的条目数量。
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Start 启动调度，提交任务时使用 ctx。
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	logger.Audit().Info("定时归集已启动", slog.Int("entries", s.Len()))
}

// Stop 停止调度并等待正在执行的提交结束。
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// fire 使用分钟粒度的 ID，多个实例共享存储时同一时刻只会生成一个任务。
func (s *Scheduler) fire(entry Entry) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	slot := s.now().UTC().Truncate(time.Minute)
	req := task.Request{
		ID:          fmt.Sprintf("schedule-%s-%d", entry.Name, slot.Unix()),
		Mode:        entry.Mode,
		Chain:       entry.Chain,
		Source:      entry.Source,
		Destination: entry.Destination,
		Origin:      task.OriginSchedule,
	}
	submitted, err := s.submitter.Submit(ctx, req)
	if err != nil {
		logger.L().Error("定时归集提交失败",
			slog.String("schedule", entry.Name),
			slog.String("source", entry.Source),
			slog.Any("error", err),
		)
		return
	}
	logger.Audit().Info("定时归集已提交",
		slog.String("schedule", entry.Name),
		slog.String("task_id", submitted.ID),
		slog.String("status", string(submitted.Status)),
	)
}
