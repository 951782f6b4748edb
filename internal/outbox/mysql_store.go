package outbox

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "ShopAssist/internal/errors"
)

// MySQLStore 使用 MySQL 记录邮件状态，表结构由 deploy/migrations 维护。
type MySQLStore struct {
	db *sql.DB
}

var _ Store = (*MySQLStore)(nil)

// NewMySQLStore 基于已有连接创建 MySQLStore。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL 连接不能为空")
	}
	return &MySQLStore{db: db}, nil
}

const selectMessage = `SELECT id, conversation_id, recipient, subject, html, status, attempts, max_retries,
        last_error, error_code, created_at, updated_at FROM outbox_messages WHERE id = ?`

// Create 插入新的邮件记录。
func (s *MySQLStore) Create(ctx context.Context, msg *Message) error {
	if msg == nil || strings.TrimSpace(msg.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "邮件 ID 不能为空")
	}
	now := time.Now().Unix()
	msg.CreatedAt = now
	msg.UpdatedAt = now

	const stmt = `INSERT INTO outbox_messages
        (id, conversation_id, recipient, subject, html, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		msg.ID,
		msg.ConversationID,
		msg.To,
		msg.Subject,
		msg.HTML,
		msg.Status,
		msg.Attempts,
		msg.MaxRetries,
		msg.CreatedAt,
		msg.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrMessageConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入邮件失败")
	}
	return nil
}

// Get 查询指定邮件。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Message, error) {
	var msg Message
	err := s.db.QueryRowContext(ctx, selectMessage, id).Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.To,
		&msg.Subject,
		&msg.HTML,
		&msg.Status,
		&msg.Attempts,
		&msg.MaxRetries,
		&msg.LastError,
		&msg.ErrorCode,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询邮件失败")
	}
	return &msg, nil
}

// Claim 将邮件标记为发送中并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Message, error) {
	const stmt = `UPDATE outbox_messages SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status = ? AND attempts < max_retries`
	res, err := s.db.ExecContext(ctx, stmt, StatusSending, time.Now().Unix(), id, StatusPending)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新邮件状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	msg, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		switch {
		case msg.Status == StatusDelivered:
			return msg, ErrMessageDelivered
		case msg.Status == StatusFailed, msg.Attempts >= msg.MaxRetries:
			return msg, ErrMessageExhausted
		default:
			return msg, ErrMessageConflict
		}
	}
	return msg, nil
}

// MarkDelivered 将邮件标记为已投递。
func (s *MySQLStore) MarkDelivered(ctx context.Context, id string) error {
	const stmt = `UPDATE outbox_messages SET status = ?, updated_at = ?, last_error = '', error_code = '' WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, StatusDelivered, time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记邮件投递成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// MarkFailed 将邮件标记为失败，terminal 为 false 时回到待发送状态。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	const stmt = `UPDATE outbox_messages SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`
	status := StatusPending
	if terminal {
		status = StatusFailed
	}
	res, err := s.db.ExecContext(ctx, stmt, status, lastError, string(code), time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记邮件失败状态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// Close 不关闭共享连接，由调用方负责。
func (s *MySQLStore) Close() error { return nil }
