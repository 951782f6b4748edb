package outbox

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryQueue 是进程内队列，延迟投递由定时器完成。
type MemoryQueue struct {
	ch chan Delivery

	mu      sync.Mutex
	closed  bool
	pending map[*time.Timer]struct{}
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue 创建容量为 size 的内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan Delivery, size), pending: make(map[*time.Timer]struct{})}
}

// Publish 实现 Producer。
func (q *MemoryQueue) Publish(ctx context.Context, d Delivery, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("队列已关闭")
	}
	if delay > 0 {
		var timer *time.Timer
		timer = time.AfterFunc(delay, func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			delete(q.pending, timer)
			if q.closed {
				return
			}
			select {
			case q.ch <- d:
			default:
				// 缓冲区已满时放弃，Store 中的记录仍保持待投递状态。
			}
		})
		q.pending[timer] = struct{}{}
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- d:
		return nil
	}
}

// Consume 实现 Consumer。
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
				case d, ok := <-q.ch:
					if !ok {
						return
					}
					_ = handler(ctx, d)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 停止所有延迟投递并关闭队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for timer := range q.pending {
		timer.Stop()
	}
	q.pending = nil
	close(q.ch)
	return nil
}
