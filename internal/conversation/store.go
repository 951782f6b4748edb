package conversation

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "ShopAssist/internal/errors"
	"ShopAssist/pkg/logger"
)

// CodeConversationNotFound 表示检查点中不存在该会话（从未创建或已过期淘汰）。
const CodeConversationNotFound xerrors.Code = "CONVERSATION_NOT_FOUND"

// ErrNotFound 由 Store.Get 在会话不存在时返回。
var ErrNotFound = xerrors.New(CodeConversationNotFound, "conversation not found")

func init() {
	xerrors.Register(CodeConversationNotFound, xerrors.Attributes{
		Message:    "conversation not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
}

// Store 是检查点的持久化边界，实现必须序列化完整状态（包括待确认单）。
type Store interface {
	Get(ctx context.Context, id string) (*State, error)
	// Put 保存状态，ttl 为不活跃淘汰时间，0 表示不过期。
	Put(ctx context.Context, state *State, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

// Checkpoint 在 Store 之上提供 load/save 语义。
type Checkpoint struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// CheckpointOption 配置 Checkpoint。
type CheckpointOption func(*Checkpoint)

// WithClock 注入时钟，便于测试。
func WithClock(now func() time.Time) CheckpointOption {
	return func(c *Checkpoint) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCheckpoint 创建检查点，ttl 为会话不活跃淘汰时间。
func NewCheckpoint(store Store, ttl time.Duration, opts ...CheckpointOption) *Checkpoint {
	c := &Checkpoint{store: store, ttl: ttl, now: time.Now, logger: logger.Named("checkpoint")}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load 读取会话状态。found 为 false 时返回的是一个新建的空状态。
func (c *Checkpoint) Load(ctx context.Context, id, userID string) (*State, bool, error) {
	if strings.TrimSpace(id) == "" {
		return nil, false, xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	state, err := c.store.Get(ctx, id)
	if xerrors.HasCode(err, CodeConversationNotFound) {
		return NewState(id, userID, c.now()), false, nil
	}
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话检查点失败")
	}
	return state, true, nil
}

// Save 持久化会话状态并刷新淘汰时间。
func (c *Checkpoint) Save(ctx context.Context, state *State) error {
	if state == nil || state.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话状态不完整")
	}
	state.UpdatedAt = c.now()
	if err := c.store.Put(ctx, state, c.ttl); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存会话检查点失败")
	}
	c.logger.Debug("会话检查点已保存",
		slog.String("conversation_id", state.ID),
		slog.Int("entries", len(state.Entries)),
		slog.Bool("pending_confirmation", state.Pending != nil))
	return nil
}

// Delete 删除会话。
func (c *Checkpoint) Delete(ctx context.Context, id string) error {
	if err := c.store.Delete(ctx, id); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除会话检查点失败")
	}
	return nil
}
