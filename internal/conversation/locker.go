package conversation

import (
	"context"
	"sync"
)

// Locker 保证同一会话同一时刻只有一个回合在执行。
type Locker interface {
	// Lock 阻塞直到获得锁或 ctx 结束，返回的 unlock 可重复调用。
	Lock(ctx context.Context, conversationID string) (unlock func(), err error)
}

// KeyedLocker 是进程内按会话 ID 加锁的实现，不同会话互不阻塞。
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

var _ Locker = (*KeyedLocker)(nil)

// NewKeyedLocker 创建进程内锁。
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[string]*keyLock)}
}

// Lock 实现 Locker。
func (l *KeyedLocker) Lock(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[id]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[id] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(id, kl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.ch
			l.release(id, kl)
		})
	}, nil
}

func (l *KeyedLocker) release(id string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, id)
	}
}
