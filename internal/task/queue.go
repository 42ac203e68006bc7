package task

import (
	"context"
	"time"
)

// Handler 处理一个任务 ID。返回错误表示消息未被处理，队列会延迟重投。
type Handler func(ctx context.Context, taskID string) error

// Producer 负责向队列投递任务。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	// PublishAfter 在 delay 之后才让任务对消费者可见。延迟由队列保存，
	// 进程重启不会丢失等待重试的任务（内存队列除外）。
	PublishAfter(ctx context.Context, taskID string, delay time.Duration) error
	Close() error
}

// Consumer 负责从队列中消费任务，阻塞直到 ctx 结束或出现不可恢复的错误。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// redeliveryDelay 是 Handler 返回错误后重新投递前的等待时间。
const redeliveryDelay = time.Second
