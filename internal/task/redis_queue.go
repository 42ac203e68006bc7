package task

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// promoteScript 把到期的延迟任务从 zset 移到就绪列表，多个实例并发执行也只会移动一次。
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', '0', ARGV[2])
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('LPUSH', KEYS[2], id)
end
return #due
`)

const promoteBatch = 100

// RedisQueue 使用 Redis list 保存就绪任务，用 zset 保存延迟重试的任务，
// 多个 sweepd 实例可以共享。
type RedisQueue struct {
	client     *redis.Client
	queue      string
	delayed    string
	wait       time.Duration
	tick       time.Duration
	redelivery time.Duration
	now        func() time.Time
}

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisQueueWithClient(client, cfg.Queue, cfg.BlockWait), nil
}

// NewRedisQueueWithClient 复用已有的客户端，Close 时会关闭该客户端。
func NewRedisQueueWithClient(client *redis.Client, queue string, wait time.Duration) *RedisQueue {
	if queue == "" {
		queue = "sweep:jobs"
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	tick := wait
	if tick > 500*time.Millisecond {
		tick = 500 * time.Millisecond
	}
	return &RedisQueue{
		client:     client,
		queue:      queue,
		delayed:    queue + ":delayed",
		wait:       wait,
		tick:       tick,
		redelivery: redeliveryDelay,
		now:        time.Now,
	}
}

// Publish 将任务放入就绪列表。
func (q *RedisQueue) Publish(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.queue, taskID).Err(); err != nil {
		return fmt.Errorf("Redis 发布任务失败: %w", err)
	}
	return nil
}

// PublishAfter 把任务写入延迟 zset，分数为到期时间的毫秒时间戳。
// 同一任务重复写入只保留最后一次的到期时间。
func (q *RedisQueue) PublishAfter(ctx context.Context, taskID string, delay time.Duration) error {
	if delay <= 0 {
		return q.Publish(ctx, taskID)
	}
	due := q.now().Add(delay).UnixMilli()
	if err := q.client.ZAdd(ctx, q.delayed, redis.Z{Score: float64(due), Member: taskID}).Err(); err != nil {
		return fmt.Errorf("Redis 写入延迟任务失败: %w", err)
	}
	return nil
}

// promoteDue 移动所有已到期的延迟任务，返回移动的数量。
func (q *RedisQueue) promoteDue(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := promoteScript.Run(ctx, q.client, []string{q.delayed, q.queue},
			strconv.FormatInt(q.now().UnixMilli(), 10), strconv.Itoa(promoteBatch)).Int()
		if err != nil {
			return total, fmt.Errorf("Redis 移动延迟任务失败: %w", err)
		}
		total += n
		if n < promoteBatch {
			return total, nil
		}
	}
}

// Consume 通过 BRPOP 从 Redis 获取任务，同时定期把到期的延迟任务放回就绪列表。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount+1)

	go func() {
		ticker := time.NewTicker(q.tick)
		defer ticker.Stop()
		for {
			if _, err := q.promoteDue(ctx); err != nil {
				if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
					return
				}
				errCh <- err
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					if errors.Is(err, redis.Nil) {
						continue
					}
					errCh <- fmt.Errorf("Redis 取任务失败: %w", err)
					return
				}
				if len(values) != 2 {
					continue
				}
				taskID := values[1]
				if handlerErr := handler(ctx, taskID); handlerErr != nil {
					_ = q.PublishAfter(ctx, taskID, q.redelivery)
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
