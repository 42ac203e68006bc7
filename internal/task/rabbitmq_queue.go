package task

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

const jobMessageType = "sweep.job"

// RabbitMQQueue 使用 RabbitMQ 实现任务队列。延迟投递写入 <queue>.delay，
// 消息按 per-message TTL 过期后经默认交换机死信回到主队列。
type RabbitMQQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	delay string

	// amqp.Channel 的发布操作不是并发安全的。
	publishMu sync.Mutex
}

// NewRabbitMQQueue 创建 RabbitMQ 队列实例。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "sweep.jobs"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	fail := func(step string, err error) (*RabbitMQQueue, error) {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("%s失败: %w", step, err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return fail("设置 RabbitMQ QOS", err)
		}
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		return fail("声明 RabbitMQ 队列", err)
	}
	delay := queue + ".delay"
	if _, err := ch.QueueDeclare(delay, cfg.Durable, cfg.AutoDelete, false, false, delayQueueArgs(queue)); err != nil {
		return fail("声明 RabbitMQ 延迟队列", err)
	}
	return &RabbitMQQueue{conn: conn, ch: ch, queue: queue, delay: delay}, nil
}

// delayQueueArgs 让延迟队列中过期的消息回到主队列。
func delayQueueArgs(target string) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": target,
	}
}

// jobPublishing 构造任务消息。expiration 非空时消息只在延迟队列中停留该毫秒数。
func jobPublishing(taskID string, delay time.Duration, now time.Time) amqp.Publishing {
	msg := amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		MessageId:    taskID,
		Type:         jobMessageType,
		Timestamp:    now,
		Body:         []byte(taskID),
	}
	if delay > 0 {
		ms := delay.Milliseconds()
		if ms < 1 {
			ms = 1
		}
		msg.Expiration = strconv.FormatInt(ms, 10)
	}
	return msg
}

// Publish 将任务投递到主队列。
func (q *RabbitMQQueue) Publish(ctx context.Context, taskID string) error {
	return q.PublishAfter(ctx, taskID, 0)
}

// PublishAfter 在 delay 大于零时把任务投递到延迟队列。
func (q *RabbitMQQueue) PublishAfter(ctx context.Context, taskID string, delay time.Duration) error {
	if q == nil || q.ch == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	routingKey := q.queue
	if delay > 0 {
		routingKey = q.delay
	}
	q.publishMu.Lock()
	defer q.publishMu.Unlock()
	if err := q.ch.PublishWithContext(ctx, "", routingKey, false, false, jobPublishing(taskID, delay, time.Now())); err != nil {
		return fmt.Errorf("RabbitMQ 发布任务失败: %w", err)
	}
	return nil
}

// Consume 使用手动确认模式消费 RabbitMQ 队列。处理失败的消息先转入延迟队列
// 再确认，避免立即重投造成空转；转投失败时才 Nack 让 broker 重投。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	msgs, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅 RabbitMQ 队列失败: %w", err)
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
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					taskID := msg.MessageId
					if taskID == "" {
						taskID = string(msg.Body)
					}
					if err := handler(ctx, taskID); err != nil {
						if pubErr := q.PublishAfter(ctx, taskID, redeliveryDelay); pubErr != nil {
							_ = msg.Nack(false, true)
							continue
						}
					}
					_ = msg.Ack(false)
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭 RabbitMQ 连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
