package task

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errQueueClosed = errors.New("队列已关闭")

// MemoryQueue 使用 channel 实现进程内队列，适合单实例部署和测试。
// 延迟投递依赖进程内定时器，进程退出后由启动恢复重新入队。
type MemoryQueue struct {
	ch   chan string
	done chan struct{}

	mu     sync.Mutex
	closed bool
	timers map[*time.Timer]struct{}
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{
		ch:     make(chan string, size),
		done:   make(chan struct{}),
		timers: make(map[*time.Timer]struct{}),
	}
}

// Publish 将任务投递到队列，队列满时阻塞直到 ctx 结束。
func (q *MemoryQueue) Publish(ctx context.Context, taskID string) error {
	select {
	case <-q.done:
		return errQueueClosed
	default:
	}
	select {
	case <-q.done:
		return errQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- taskID:
		return nil
	}
}

// PublishAfter 在 delay 后投递任务；队列关闭时未到期的任务被丢弃。
func (q *MemoryQueue) PublishAfter(ctx context.Context, taskID string, delay time.Duration) error {
	if delay <= 0 {
		return q.Publish(ctx, taskID)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errQueueClosed
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()
		select {
		case <-q.done:
		case q.ch <- taskID:
		default:
			// 队列已满，任务保持 retrying 状态，由下一次启动恢复处理。
		}
	})
	q.timers[timer] = struct{}{}
	return nil
}

// Consume 启动指定数量的工作协程消费队列中的任务。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case taskID := <-q.ch:
					if err := handler(ctx, taskID); err != nil {
						_ = q.PublishAfter(ctx, taskID, redeliveryDelay)
					}
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
	case <-q.done:
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return errQueueClosed
}

// Pending 返回已经可以消费的任务数量。
func (q *MemoryQueue) Pending() int {
	return len(q.ch)
}

// Close 关闭内存队列并取消所有未到期的延迟投递。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = nil
	close(q.done)
	return nil
}
