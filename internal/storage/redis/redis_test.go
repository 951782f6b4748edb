package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ShopAssist/internal/conversation"
	xerrors "ShopAssist/internal/errors"
)

// fakeRedis 在内存中模拟用到的命令，记录每个键最后一次写入的过期时间。
type fakeRedis struct {
	mu       sync.Mutex
	data     map[string]string
	ttls     map[string]time.Duration
	evals    atomic.Int32
	renewals atomic.Int32
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (f *fakeRedis) Get(_ context.Context, key string) *goredis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return goredis.NewStringResult("", goredis.Nil)
	}
	return goredis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, ttl time.Duration) *goredis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = toString(value)
	f.ttls[key] = ttl
	return goredis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value any, ttl time.Duration) *goredis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return goredis.NewBoolResult(false, nil)
	}
	f.data[key] = toString(value)
	f.ttls[key] = ttl
	return goredis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, key := range keys {
		if _, ok := f.data[key]; ok {
			delete(f.data, key)
			n++
		}
	}
	return goredis.NewIntResult(n, nil)
}

// Eval 模拟续期与释放两个锁脚本：值匹配时续期或删除。
func (f *fakeRedis) Eval(_ context.Context, script string, keys []string, args ...any) *goredis.Cmd {
	f.evals.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if script == renewScript {
		if f.data[keys[0]] != toString(args[0]) {
			return goredis.NewCmdResult(int64(0), nil)
		}
		f.renewals.Add(1)
		f.ttls[keys[0]] = time.Duration(args[1].(int64)) * time.Millisecond
		return goredis.NewCmdResult(int64(1), nil)
	}
	if f.data[keys[0]] == toString(args[0]) {
		delete(f.data, keys[0])
		return goredis.NewCmdResult(int64(1), nil)
	}
	return goredis.NewCmdResult(int64(0), nil)
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		panic("unexpected value type")
	}
}

func TestCheckpointStoreRoundTrip(t *testing.T) {
	fake := newFakeRedis()
	store := newCheckpointStore(fake, "test:")
	ctx := context.Background()

	state := conversation.NewState("c-1", "u-1", time.Now())
	state.Pending = &conversation.Ticket{ID: "t-1", Tool: "purchase_product"}
	require.NoError(t, store.Put(ctx, state, time.Hour))
	assert.Equal(t, time.Hour, fake.ttls["test:conversation:c-1"])

	loaded, err := store.Get(ctx, "c-1")
	require.NoError(t, err)
	require.NotNil(t, loaded.Pending)
	assert.Equal(t, "t-1", loaded.Pending.ID)

	require.NoError(t, store.Delete(ctx, "c-1"))
	_, err = store.Get(ctx, "c-1")
	assert.True(t, xerrors.HasCode(err, conversation.CodeConversationNotFound))
}

func TestLockerSerialisesHolders(t *testing.T) {
	fake := newFakeRedis()
	locker := newLocker(fake, "", time.Minute)
	locker.poll = time.Millisecond

	unlock, err := locker.Lock(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, fake.ttls["shopassist:lock:c-1"])

	acquired := make(chan struct{})
	go func() {
		second, err := locker.Lock(context.Background(), "c-1")
		if err == nil {
			close(acquired)
			second()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired the lock while it was held")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second holder never acquired the lock")
	}
	assert.Eventually(t, func() bool { return fake.evals.Load() == 2 }, time.Second, time.Millisecond)
}

func TestLockerHonoursContext(t *testing.T) {
	fake := newFakeRedis()
	locker := newLocker(fake, "", time.Minute)
	locker.poll = time.Millisecond

	_, err := locker.Lock(context.Background(), "c-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "c-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLockerReleaseIgnoresForeignToken(t *testing.T) {
	fake := newFakeRedis()
	locker := newLocker(fake, "", time.Minute)

	unlock, err := locker.Lock(context.Background(), "c-1")
	require.NoError(t, err)
	// 锁过期后被其他副本重新获得。
	fake.mu.Lock()
	fake.data["shopassist:lock:c-1"] = "other-token"
	fake.mu.Unlock()

	unlock()
	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "other-token", fake.data["shopassist:lock:c-1"])
}

func TestLockerRenewsLeaseWhileHeld(t *testing.T) {
	fake := newFakeRedis()
	locker := newLocker(fake, "", 30*time.Millisecond)

	unlock, err := locker.Lock(context.Background(), "c-1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fake.renewals.Load() >= 3 }, time.Second, 5*time.Millisecond)
	fake.mu.Lock()
	assert.Equal(t, 30*time.Millisecond, fake.ttls["shopassist:lock:c-1"])
	fake.mu.Unlock()

	unlock()
	renewed := fake.renewals.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, renewed, fake.renewals.Load())
	fake.mu.Lock()
	defer fake.mu.Unlock()
	_, held := fake.data["shopassist:lock:c-1"]
	assert.False(t, held)
}

func TestLockerStopsRenewingLostLock(t *testing.T) {
	fake := newFakeRedis()
	locker := newLocker(fake, "", 30*time.Millisecond)

	unlock, err := locker.Lock(context.Background(), "c-1")
	require.NoError(t, err)
	defer unlock()
	fake.mu.Lock()
	fake.data["shopassist:lock:c-1"] = "other-token"
	fake.mu.Unlock()

	require.Eventually(t, func() bool { return fake.evals.Load() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, fake.renewals.Load())
	evals := fake.evals.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, evals, fake.evals.Load())
}
