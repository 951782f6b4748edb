package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"ShopAssist/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列。
type RedisQueueConfig struct {
	// Queue 为就绪列表的键，延迟集合使用 Queue + ":delayed"。
	Queue string
	// BlockWait 是 BRPOP 的阻塞时长。
	BlockWait time.Duration
	// PollInterval 是把到期的延迟投递搬回就绪列表的间隔。
	PollInterval time.Duration
}

// redisCommands 是队列用到的 go-redis 子集。
type redisCommands interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisQueue 用 list 保存就绪投递，用 sorted set 保存延迟投递，分数为到期毫秒时间戳。
type RedisQueue struct {
	client  redisCommands
	queue   string
	delayed string
	wait    time.Duration
	poll    time.Duration
	now     func() time.Time
}

var _ Queue = (*RedisQueue)(nil)

// promoteScript 原子地把到期成员从延迟集合移到就绪列表。
const promoteScript = `
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, member in ipairs(due) do
  redis.call('ZREM', KEYS[1], member)
  redis.call('LPUSH', KEYS[2], member)
end
return #due`

const (
	promoteBatch = 100
	requeueDelay = 5 * time.Second
)

// NewRedisQueue 复用已有的 Redis 连接创建队列，连接由调用方关闭。
func NewRedisQueue(client *redis.Client, cfg RedisQueueConfig) *RedisQueue {
	return newRedisQueue(client, cfg)
}

func newRedisQueue(client redisCommands, cfg RedisQueueConfig) *RedisQueue {
	queue := cfg.Queue
	if queue == "" {
		queue = "shopassist:outbox"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &RedisQueue{
		client:  client,
		queue:   queue,
		delayed: queue + ":delayed",
		wait:    wait,
		poll:    poll,
		now:     time.Now,
	}
}

// Publish 实现 Producer。
func (q *RedisQueue) Publish(ctx context.Context, d Delivery, delay time.Duration) error {
	payload, err := d.encode()
	if err != nil {
		return fmt.Errorf("编码投递通知失败: %w", err)
	}
	if delay > 0 {
		score := float64(q.now().Add(delay).UnixMilli())
		if err := q.client.ZAdd(ctx, q.delayed, redis.Z{Score: score, Member: string(payload)}).Err(); err != nil {
			return fmt.Errorf("Redis 写入延迟投递失败: %w", err)
		}
		return nil
	}
	if err := q.client.LPush(ctx, q.queue, string(payload)).Err(); err != nil {
		return fmt.Errorf("Redis 发布邮件失败: %w", err)
	}
	return nil
}

// Consume 实现 Consumer。除工作协程外还会运行一个搬运延迟投递的协程。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return q.promoteLoop(gctx) })
	for i := 0; i < workerCount; i++ {
		g.Go(func() error { return q.work(gctx, handler) })
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (q *RedisQueue) work(ctx context.Context, handler Handler) error {
	log := logger.Named("outbox")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("Redis 取邮件失败: %w", err)
		}
		if len(values) != 2 {
			continue
		}
		d, err := decodeDelivery([]byte(values[1]))
		if err != nil {
			log.Warn("丢弃无法解析的投递通知", slog.String("payload", values[1]), slog.Any("error", err))
			continue
		}
		if err := handler(ctx, d); err != nil {
			if pubErr := q.Publish(ctx, d, requeueDelay); pubErr != nil {
				log.Error("重新排队失败", slog.String("message_id", d.MessageID), slog.Any("error", pubErr))
			}
		}
	}
}

func (q *RedisQueue) promoteLoop(ctx context.Context) error {
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := q.promote(ctx); err != nil && ctx.Err() == nil {
				logger.Named("outbox").Warn("搬运延迟投递失败", slog.Any("error", err))
			}
		}
	}
}

// promote 返回本次搬运的条数。
func (q *RedisQueue) promote(ctx context.Context) (int64, error) {
	return q.client.Eval(ctx, promoteScript, []string{q.delayed, q.queue}, q.now().UnixMilli(), promoteBatch).Int64()
}

// Close 实现 Consumer，连接的生命周期不归队列管理。
func (q *RedisQueue) Close() error {
	return nil
}
