// Package auth resolves the caller of the HTTP API to a customer account.
// The upstream gateway authenticates users and forwards their id in the
// X-User-ID header.
package auth

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ShopAssist/internal/account"
	xerrors "ShopAssist/internal/errors"
	"ShopAssist/pkg/logger"
)

// HeaderUserID 是携带用户 ID 的请求头。
const HeaderUserID = "X-User-ID"

// ErrorWriter 负责把错误写成 HTTP 响应。
type ErrorWriter func(w http.ResponseWriter, err error)

// Middleware 返回一个 HTTP 中间件：缺少用户 ID 返回 401，用户不存在返回 404。
func Middleware(accounts account.AccountStore, writeError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			audit := logger.Audit()
			userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
			if userID == "" {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				audit.Warn("access_denied",
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method),
					slog.Int("status", http.StatusUnauthorized),
					slog.String("error", "missing "+HeaderUserID))
				return
			}

			// 解析账户。
			acc, err := accounts.Account(r.Context(), userID)
			if err != nil {
				if !xerrors.HasCode(err, account.CodeAccountNotFound) {
					err = xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询账户失败")
				}
				writeError(w, err)
				audit.Warn("access_denied",
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method),
					slog.String("user_id", userID),
					slog.String("error", err.Error()))
				return
			}

			// 记录审计日志。
			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithAccount(r.Context(), acc)))
			audit.Info("api_request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", aw.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("user_id", acc.UserID),
			)
		})
	}
}

// auditWriter 捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
