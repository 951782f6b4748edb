package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

const healthTimeout = 2 * time.Second

// HealthCheck 探测一个依赖是否可用。
type HealthCheck func(ctx context.Context) error

type namedCheck struct {
	name  string
	check HealthCheck
}

type healthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services,omitempty"`
}

// WithHealthCheck 注册 /healthz 探测的依赖。
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) {
		if name != "" && check != nil {
			s.checks = append(s.checks, namedCheck{name: name, check: check})
		}
	}
}

// handleHealth 依次探测依赖，任一失败时返回 degraded 与 503。
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok"}
	code := http.StatusOK
	if len(s.checks) > 0 {
		resp.Services = make(map[string]string, len(s.checks))
	}
	for _, c := range s.checks {
		if err := c.check(ctx); err != nil {
			resp.Services[c.name] = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			s.logger.Warn("依赖健康检查失败", slog.String("service", c.name), slog.Any("error", err))
			continue
		}
		resp.Services[c.name] = "ok"
	}
	writeJSON(w, code, resp)
}
