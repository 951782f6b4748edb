package auth

import (
	"context"

	"ShopAssist/internal/account"
)

// accountKey 是上下文中存储当前账户的键类型。
type accountKey struct{}

// WithAccount 将已识别的账户写入上下文。
func WithAccount(ctx context.Context, acc *account.Account) context.Context {
	if acc == nil {
		return ctx
	}
	return context.WithValue(ctx, accountKey{}, acc)
}

// AccountFromContext 从上下文中取出当前账户。
func AccountFromContext(ctx context.Context) *account.Account {
	if ctx == nil {
		return nil
	}
	if acc, ok := ctx.Value(accountKey{}).(*account.Account); ok {
		return acc
	}
	return nil
}
