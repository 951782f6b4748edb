package redis

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"ShopAssist/internal/conversation"
	xerrors "ShopAssist/internal/errors"
	"ShopAssist/pkg/logger"
)

// 只有持有者才能释放锁。
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// 只有持有者才能续期。
const renewScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

// Locker 基于 SET NX PX 实现跨副本的会话锁。ttl 防止持有者崩溃后锁永不释放，
// 持有期间每隔 ttl/3 续期一次，回合耗时超过 ttl 也不会丢锁。
type Locker struct {
	client commands
	prefix string
	ttl    time.Duration
	renew  time.Duration
	poll   time.Duration
	logger *slog.Logger
}

var _ conversation.Locker = (*Locker)(nil)

// NewLocker 创建分布式锁。
func NewLocker(client *goredis.Client, prefix string, ttl time.Duration) *Locker {
	return newLocker(client, prefix, ttl)
}

func newLocker(client commands, prefix string, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Locker{
		client: client,
		prefix: keyPrefix(prefix) + ":lock:",
		ttl:    ttl,
		renew:  ttl / 3,
		poll:   50 * time.Millisecond,
		logger: logger.Named("redis-lock"),
	}
}

// Lock 实现 conversation.Locker。
func (l *Locker) Lock(ctx context.Context, id string) (func(), error) {
	key := l.prefix + id
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取会话锁失败")
		}
		if ok {
			break
		}
		timer := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(key, token, id, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.client.Eval(ctx, releaseScript, []string{key}, token).Err(); err != nil {
				l.logger.Warn("释放会话锁失败", slog.String("conversation_id", id), slog.Any("error", err))
			}
		})
	}, nil
}

// keepAlive 在锁被持有期间定期续期，锁已被他人持有时停止。
func (l *Locker) keepAlive(key, token, id string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.renew)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), l.renew)
		renewed, err := l.client.Eval(ctx, renewScript, []string{key}, token, l.ttl.Milliseconds()).Int64()
		cancel()
		if err != nil {
			l.logger.Warn("续期会话锁失败", slog.String("conversation_id", id), slog.Any("error", err))
			continue
		}
		if renewed == 0 {
			l.logger.Error("会话锁已丢失", slog.String("conversation_id", id))
			return
		}
	}
}
