package redis

import (
	"context"
	stdErrors "errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"ShopAssist/internal/conversation"
	xerrors "ShopAssist/internal/errors"
)

// CheckpointStore 以 JSON 形式保存会话状态，不活跃淘汰交给 Redis 的键过期。
type CheckpointStore struct {
	client commands
	prefix string
}

var _ conversation.Store = (*CheckpointStore)(nil)

// NewCheckpointStore 基于已有客户端创建检查点存储。
func NewCheckpointStore(client *goredis.Client, prefix string) *CheckpointStore {
	return newCheckpointStore(client, prefix)
}

func newCheckpointStore(client commands, prefix string) *CheckpointStore {
	return &CheckpointStore{client: client, prefix: keyPrefix(prefix) + ":conversation:"}
}

func (s *CheckpointStore) key(id string) string { return s.prefix + id }

// Get 实现 conversation.Store。
func (s *CheckpointStore) Get(ctx context.Context, id string) (*conversation.State, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if stdErrors.Is(err, goredis.Nil) {
		return nil, conversation.ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 会话失败")
	}
	return conversation.Decode(data)
}

// Put 实现 conversation.Store。ttl 为 0 时不设置过期。
func (s *CheckpointStore) Put(ctx context.Context, state *conversation.State, ttl time.Duration) error {
	data, err := conversation.Encode(state)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(state.ID), data, ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 会话失败")
	}
	return nil
}

// Delete 实现 conversation.Store。
func (s *CheckpointStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除 Redis 会话失败")
	}
	return nil
}
