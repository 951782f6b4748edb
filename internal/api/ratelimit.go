package api

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ShopAssist/internal/auth"
	xerrors "ShopAssist/internal/errors"
)

// userLimiter 为每个用户维护一个令牌桶。
type userLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newUserLimiter(requests int, window time.Duration) *userLimiter {
	return &userLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Every(window / time.Duration(requests)),
		burst:    requests,
	}
}

func (l *userLimiter) allow(userID string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[userID]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[userID] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		acc := auth.AccountFromContext(r.Context())
		if s.limiter != nil && acc != nil && !s.limiter.allow(acc.UserID) {
			writeError(w, xerrors.New(xerrors.CodeRateLimited, "too many requests, please slow down"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
