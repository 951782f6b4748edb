package outbox

import (
	"context"
	"sync"
	"time"

	xerrors "ShopAssist/internal/errors"
)

// MemoryStore 以内存方式保存邮件状态，主要用于开发与测试。
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*Message
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string]*Message)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, msg *Message) error {
	if msg == nil || msg.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "邮件 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[msg.ID]; ok {
		return ErrMessageConflict
	}
	now := time.Now().Unix()
	if msg.CreatedAt == 0 {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now
	m.messages[msg.ID] = cloneMessage(msg)
	return nil
}

// Get 返回邮件。
func (m *MemoryStore) Get(_ context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return cloneMessage(msg), nil
}

// Claim 将邮件状态更新为发送中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	switch msg.Status {
	case StatusDelivered:
		return cloneMessage(msg), ErrMessageDelivered
	case StatusSending:
		return cloneMessage(msg), ErrMessageConflict
	case StatusFailed:
		return cloneMessage(msg), ErrMessageExhausted
	}
	if msg.Attempts >= msg.MaxRetries {
		return cloneMessage(msg), ErrMessageExhausted
	}
	msg.Status = StatusSending
	msg.Attempts++
	msg.LastError = ""
	msg.ErrorCode = ""
	msg.UpdatedAt = time.Now().Unix()
	return cloneMessage(msg), nil
}

// MarkDelivered 记录投递成功。
func (m *MemoryStore) MarkDelivered(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return ErrMessageNotFound
	}
	msg.Status = StatusDelivered
	msg.LastError = ""
	msg.ErrorCode = ""
	msg.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 标记投递失败。terminal 为 true 时不再允许领取。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return ErrMessageNotFound
	}
	msg.Status = StatusFailed
	if !terminal {
		msg.Status = StatusPending
	}
	msg.LastError = lastError
	msg.ErrorCode = string(code)
	msg.UpdatedAt = time.Now().Unix()
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error { return nil }
