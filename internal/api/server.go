package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"ShopAssist/internal/account"
	"ShopAssist/internal/agent"
	"ShopAssist/internal/auth"
	"ShopAssist/internal/observability/metrics"
	"ShopAssist/pkg/logger"
)

// Orchestrator 是 HTTP 层依赖的编排能力。
type Orchestrator interface {
	RunTurn(ctx context.Context, req agent.TurnRequest) (*agent.Response, error)
	Resume(ctx context.Context, req agent.ResumeRequest) (*agent.Response, error)
	Act(ctx context.Context, req agent.ActionRequest) (*agent.Response, error)
	Conversation(ctx context.Context, id, userID string) (*agent.Snapshot, error)
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr         string
	orchestrator Orchestrator
	accounts     account.AccountStore
	limiter      *userLimiter
	checks       []namedCheck
	logger       *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithRateLimit 为每个用户设置窗口内的请求上限。
func WithRateLimit(requests int, window time.Duration) Option {
	return func(s *Server) {
		if requests > 0 && window > 0 {
			s.limiter = newUserLimiter(requests, window)
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, orchestrator Orchestrator, accounts account.AccountStore, opts ...Option) *Server {
	s := &Server{
		addr:         addr,
		orchestrator: orchestrator,
		accounts:     accounts,
		limiter:      newUserLimiter(10, time.Minute),
		logger:       logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	protected := auth.Middleware(s.accounts, writeError)

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/chat", s.instrument("chat", protected(s.rateLimited(http.HandlerFunc(s.handleChat)))))
	mux.Handle("POST /api/v1/conversations/{id}/confirmation", s.instrument("confirmation", protected(s.rateLimited(http.HandlerFunc(s.handleConfirmation)))))
	mux.Handle("POST /api/v1/conversations/{id}/actions", s.instrument("action", protected(s.rateLimited(http.HandlerFunc(s.handleAction)))))
	mux.Handle("GET /api/v1/conversations/{id}", s.instrument("conversation", protected(http.HandlerFunc(s.handleConversation))))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// instrument 记录请求数与耗时。
func (s *Server) instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		metrics.ObserveHTTPRequest(name, r.Method, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
