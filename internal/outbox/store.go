package outbox

import (
	"context"

	xerrors "ShopAssist/internal/errors"
)

// Store 抽象了邮件状态的持久化接口。
type Store interface {
	Create(ctx context.Context, msg *Message) error
	Get(ctx context.Context, id string) (*Message, error)
	Claim(ctx context.Context, id string) (*Message, error)
	MarkDelivered(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	Close() error
}
