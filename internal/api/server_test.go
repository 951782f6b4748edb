package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ShopAssist/internal/account"
	"ShopAssist/internal/agent"
	"ShopAssist/internal/auth"
	"ShopAssist/internal/catalog"
	"ShopAssist/internal/confirm"
	"ShopAssist/internal/conversation"
	xerrors "ShopAssist/internal/errors"
)

type stubOrchestrator struct {
	turn       func(agent.TurnRequest) (*agent.Response, error)
	resume     func(agent.ResumeRequest) (*agent.Response, error)
	act        func(agent.ActionRequest) (*agent.Response, error)
	lastResume agent.ResumeRequest
}

func (s *stubOrchestrator) Act(_ context.Context, req agent.ActionRequest) (*agent.Response, error) {
	return s.act(req)
}

func (s *stubOrchestrator) RunTurn(_ context.Context, req agent.TurnRequest) (*agent.Response, error) {
	return s.turn(req)
}

func (s *stubOrchestrator) Resume(_ context.Context, req agent.ResumeRequest) (*agent.Response, error) {
	s.lastResume = req
	return s.resume(req)
}

func (s *stubOrchestrator) Conversation(_ context.Context, id, userID string) (*agent.Snapshot, error) {
	if id != "c-1" || userID != "u-1" {
		return nil, conversation.ErrNotFound
	}
	return &agent.Snapshot{
		ConversationID: "c-1",
		Pending:        &conversation.Ticket{ID: "t-1", Action: "purchase", Target: "SKU S1", ExpiresAt: time.Now().Add(time.Minute)},
		Last:           conversation.Payload{Source: conversation.SourceCatalog, Results: []catalog.Product{{SKU: "S1"}}},
	}, nil
}

func newTestServer(orch Orchestrator, opts ...Option) http.Handler {
	accounts := account.NewMemoryStore(account.Account{UserID: "u-1", FirstName: "Ada"})
	return NewServer(":0", orch, accounts, opts...).Handler()
}

func do(t *testing.T, h http.Handler, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if userID != "" {
		req.Header.Set(auth.HeaderUserID, userID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestChatReturnsPayload(t *testing.T) {
	orch := &stubOrchestrator{turn: func(req agent.TurnRequest) (*agent.Response, error) {
		if req.UserID != "u-1" || req.Message != "laptops on sale" {
			t.Fatalf("unexpected request: %+v", req)
		}
		return &agent.Response{
			ConversationID: "c-1",
			Status:         agent.StatusCompleted,
			Message:        "Here you go",
			Payload:        conversation.Payload{Source: conversation.SourceCatalog, Results: []catalog.Product{{SKU: "L-100"}}},
		}, nil
	}}
	rec := do(t, newTestServer(orch), http.MethodPost, "/api/v1/chat", "u-1", `{"message":"laptops on sale"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", rec.Code, rec.Body.String())
	}
	var got chatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Source != conversation.SourceCatalog || len(got.Products) != 1 || got.Products[0].SKU != "L-100" {
		t.Fatalf("unexpected body: %+v", got)
	}
}

func TestChatErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{name: "pending", err: confirm.ErrPending, status: http.StatusConflict},
		{name: "invalid", err: xerrors.New(xerrors.CodeInvalidArgument, "message must not be empty"), status: http.StatusBadRequest},
		{name: "not found", err: conversation.ErrNotFound, status: http.StatusNotFound},
		{name: "storage", err: xerrors.New(xerrors.CodeStorageFailure, "redis down"), status: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			orch := &stubOrchestrator{turn: func(agent.TurnRequest) (*agent.Response, error) { return nil, tc.err }}
			rec := do(t, newTestServer(orch), http.MethodPost, "/api/v1/chat", "u-1", `{"message":"x"}`)
			if rec.Code != tc.status {
				t.Fatalf("unexpected status: got %d want %d", rec.Code, tc.status)
			}
			var body errorBody
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Error.Code != xerrors.CodeOf(tc.err) {
				t.Fatalf("unexpected code %s", body.Error.Code)
			}
			if tc.status == http.StatusInternalServerError && strings.Contains(body.Error.Message, "redis") {
				t.Fatalf("internal error leaked: %s", body.Error.Message)
			}
		})
	}
}

func TestChatRequiresKnownUser(t *testing.T) {
	orch := &stubOrchestrator{turn: func(agent.TurnRequest) (*agent.Response, error) {
		t.Fatal("orchestrator must not be called")
		return nil, nil
	}}
	h := newTestServer(orch)
	if rec := do(t, h, http.MethodPost, "/api/v1/chat", "", `{"message":"x"}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/chat", "ghost", `{"message":"x"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestConfirmation(t *testing.T) {
	orch := &stubOrchestrator{resume: func(req agent.ResumeRequest) (*agent.Response, error) {
		return &agent.Response{ConversationID: req.ConversationID, Status: agent.StatusCompleted, Payload: conversation.Payload{Source: conversation.SourceAction}}, nil
	}}
	h := newTestServer(orch)

	rec := do(t, h, http.MethodPost, "/api/v1/conversations/c-1/confirmation", "u-1", `{"decision":"confirmed"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", rec.Code, rec.Body.String())
	}
	if orch.lastResume.ConversationID != "c-1" || orch.lastResume.Decision != confirm.DecisionConfirmed {
		t.Fatalf("unexpected resume request: %+v", orch.lastResume)
	}

	if rec := do(t, h, http.MethodPost, "/api/v1/conversations/c-1/confirmation", "u-1", `{"decision":"maybe"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	orch.resume = func(agent.ResumeRequest) (*agent.Response, error) { return nil, confirm.ErrExpired }
	if rec := do(t, h, http.MethodPost, "/api/v1/conversations/c-1/confirmation", "u-1", `{"decision":"confirmed"}`); rec.Code != http.StatusGone {
		t.Fatalf("expected 410, got %d", rec.Code)
	}
}

func TestConversationView(t *testing.T) {
	h := newTestServer(&stubOrchestrator{})
	rec := do(t, h, http.MethodGet, "/api/v1/conversations/c-1", "u-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var got conversationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Confirmation == nil || got.Confirmation.TicketID != "t-1" || len(got.Products) != 1 {
		t.Fatalf("unexpected body: %+v", got)
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/conversations/other", "u-1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRateLimitPerUser(t *testing.T) {
	orch := &stubOrchestrator{turn: func(agent.TurnRequest) (*agent.Response, error) {
		return &agent.Response{Status: agent.StatusCompleted}, nil
	}}
	h := newTestServer(orch, WithRateLimit(2, time.Hour))
	for i := 0; i < 2; i++ {
		if rec := do(t, h, http.MethodPost, "/api/v1/chat", "u-1", `{"message":"x"}`); rec.Code != http.StatusOK {
			t.Fatalf("request %d: unexpected status %d", i, rec.Code)
		}
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/chat", "u-1", `{"message":"x"}`); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	rec := do(t, newTestServer(&stubOrchestrator{}), http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestHealthzReportsDegradedDependency(t *testing.T) {
	healthy := func(context.Context) error { return nil }
	broken := func(context.Context) error { return errors.New("connection refused") }
	h := newTestServer(&stubOrchestrator{}, WithHealthCheck("redis", healthy), WithHealthCheck("weaviate", broken))

	rec := do(t, h, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var got healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "degraded" || got.Services["redis"] != "ok" || got.Services["weaviate"] != "connection refused" {
		t.Fatalf("unexpected body: %+v", got)
	}

	h = newTestServer(&stubOrchestrator{}, WithHealthCheck("redis", healthy))
	rec = do(t, h, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestActionEndpoint(t *testing.T) {
	var got agent.ActionRequest
	orch := &stubOrchestrator{act: func(req agent.ActionRequest) (*agent.Response, error) {
		got = req
		return &agent.Response{
			ConversationID: req.ConversationID,
			Status:         agent.StatusAwaitingConfirmation,
			Message:        "Please confirm: purchase Zen Laptop (L-100) x1.",
			Confirmation:   &conversation.Ticket{ID: "t-9", Action: "purchase", Target: "Zen Laptop (L-100) x1"},
		}, nil
	}}
	h := newTestServer(orch)

	rec := do(t, h, http.MethodPost, "/api/v1/conversations/c-1/actions", "u-1", `{"action":"purchase","sku":"L-100"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", rec.Code, rec.Body.String())
	}
	if got.ConversationID != "c-1" || got.UserID != "u-1" || got.Action != "purchase" || got.SKU != "L-100" {
		t.Fatalf("unexpected action request: %+v", got)
	}
	var body chatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != agent.StatusAwaitingConfirmation || body.Confirmation == nil || body.Confirmation.TicketID != "t-9" {
		t.Fatalf("unexpected body: %+v", body)
	}

	orch.act = func(agent.ActionRequest) (*agent.Response, error) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "unknown action")
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/conversations/c-1/actions", "u-1", `{"action":"teleport","sku":"L-100"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/conversations/c-1/actions", "", `{"action":"purchase","sku":"L-100"}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
