package conversation

import (
	"context"
	"sync"
	"time"
)

type memoryRecord struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStore 以序列化形式在内存中保存会话，主要用于开发和测试。
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]memoryRecord
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建内存存储，now 为 nil 时使用 time.Now。
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{records: make(map[string]memoryRecord), now: now}
}

// Get 实现 Store。过期记录视为不存在。
func (m *MemoryStore) Get(_ context.Context, id string) (*State, error) {
	m.mu.Lock()
	rec, ok := m.records[id]
	if ok && m.expired(rec) {
		delete(m.records, id)
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return Decode(rec.data)
}

// Put 实现 Store。
func (m *MemoryStore) Put(_ context.Context, state *State, ttl time.Duration) error {
	data, err := Encode(state)
	if err != nil {
		return err
	}
	rec := memoryRecord{data: data}
	if ttl > 0 {
		rec.expiresAt = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.records[state.ID] = rec
	m.mu.Unlock()
	return nil
}

// Delete 实现 Store。
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.records, id)
	m.mu.Unlock()
	return nil
}

// Sweep 清理过期记录，返回清理数量。
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, rec := range m.records {
		if m.expired(rec) {
			delete(m.records, id)
			removed++
		}
	}
	return removed
}

// Run 按固定间隔清理过期记录，直到 ctx 结束。
func (m *MemoryStore) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep()
		}
	}
}

func (m *MemoryStore) expired(rec memoryRecord) bool {
	return !rec.expiresAt.IsZero() && !m.now().Before(rec.expiresAt)
}
