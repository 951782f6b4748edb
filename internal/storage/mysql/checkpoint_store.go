package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"log/slog"
	"time"

	"ShopAssist/internal/conversation"
	xerrors "ShopAssist/internal/errors"
	"ShopAssist/pkg/logger"
)

// CheckpointStore 把会话状态序列化后保存在 conversations 表，expires_at 为 0 表示不过期。
type CheckpointStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ conversation.Store = (*CheckpointStore)(nil)

// NewCheckpointStore 基于已有连接创建检查点存储。
func NewCheckpointStore(db *sql.DB) *CheckpointStore {
	return &CheckpointStore{db: db, now: time.Now}
}

const (
	selectConversationSQL = `SELECT state, expires_at FROM conversations WHERE id = ?`
	upsertConversationSQL = `INSERT INTO conversations (id, user_id, state, updated_at, expires_at)
        VALUES (?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE state = VALUES(state), updated_at = VALUES(updated_at), expires_at = VALUES(expires_at)`
	deleteConversationSQL = `DELETE FROM conversations WHERE id = ?`
	sweepConversationsSQL = `DELETE FROM conversations WHERE expires_at > 0 AND expires_at <= ?`
)

// Get 实现 conversation.Store。已过期的记录视为不存在。
func (s *CheckpointStore) Get(ctx context.Context, id string) (*conversation.State, error) {
	var (
		data      []byte
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, selectConversationSQL, id).Scan(&data, &expiresAt)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, conversation.ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话失败")
	}
	if expiresAt > 0 && expiresAt <= s.now().Unix() {
		return nil, conversation.ErrNotFound
	}
	return conversation.Decode(data)
}

// Put 实现 conversation.Store。
func (s *CheckpointStore) Put(ctx context.Context, state *conversation.State, ttl time.Duration) error {
	data, err := conversation.Encode(state)
	if err != nil {
		return err
	}
	now := s.now()
	var expiresAt int64
	if ttl > 0 {
		expiresAt = now.Add(ttl).Unix()
	}
	if _, err := s.db.ExecContext(ctx, upsertConversationSQL, state.ID, state.UserID, data, now.Unix(), expiresAt); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存会话失败")
	}
	return nil
}

// Delete 实现 conversation.Store。
func (s *CheckpointStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, deleteConversationSQL, id); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除会话失败")
	}
	return nil
}

// Sweep 删除已过期的会话，返回删除条数。
func (s *CheckpointStore) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, sweepConversationsSQL, s.now().Unix())
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理过期会话失败")
	}
	return res.RowsAffected()
}

// Run 按固定间隔清理过期会话，直到 ctx 结束。
func (s *CheckpointStore) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	log := logger.Named("checkpoint")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed, err := s.Sweep(ctx)
			if err != nil {
				log.Warn("清理过期会话失败", slog.Any("error", err))
				continue
			}
			if removed > 0 {
				log.Debug("已清理过期会话", slog.Int64("removed", removed))
			}
		}
	}
}
