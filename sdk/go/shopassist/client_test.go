package shopassist

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientChatSendsUserAndDecodes(t *testing.T) {
	var gotUser, gotMessage string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/chat" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotUser = r.Header.Get(HeaderUserID)
		var body struct {
			Message string `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		gotMessage = body.Message
		_, _ = w.Write([]byte(`{"conversation_id":"c-1","status":"completed","message":"Here you go","source":"products",
			"products":[{"sku":"6487435","name":"Headphones","sale_price":199.99,"category_name":"Headphones"}]}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "user-001234", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	resp, err := client.Chat(context.Background(), "", "noise cancelling headphones")
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	if gotUser != "user-001234" || gotMessage != "noise cancelling headphones" {
		t.Fatalf("unexpected request user=%q message=%q", gotUser, gotMessage)
	}
	if resp.ConversationID != "c-1" || resp.Source != "products" || len(resp.Products) != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.AwaitingConfirmation() {
		t.Fatalf("completed turn should not await confirmation")
	}
}

func TestClientConfirmFlow(t *testing.T) {
	expires := time.Now().Add(time.Minute).UTC().Truncate(time.Second)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/chat", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ChatResponse{
			ConversationID: "c-9",
			Status:         StatusAwaitingConfirmation,
			Confirmation:   &Confirmation{TicketID: "t-1", Action: "purchase", Tool: "purchase_product", Target: "6487435", ExpiresAt: expires},
		})
	})
	mux.HandleFunc("/api/v1/conversations/c-9/confirmation", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Decision string `json:"decision"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Decision != string(Confirmed) {
			t.Fatalf("unexpected decision %q", body.Decision)
		}
		_ = json.NewEncoder(w).Encode(ChatResponse{
			ConversationID: "c-9",
			Status:         StatusCompleted,
			Source:         "action",
			Actions:        []Action{{Action: "purchase", SKU: "6487435", Status: "completed", OrderNumber: "ORD-6487435-1234"}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := NewClient(srv.URL, "user-001234", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()
	first, err := client.Chat(ctx, "", "buy it")
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	if !first.AwaitingConfirmation() || !first.Confirmation.ExpiresAt.Equal(expires) {
		t.Fatalf("expected pending confirmation, got %+v", first)
	}
	done, err := client.Confirm(ctx, first.ConversationID, Confirmed)
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if len(done.Actions) != 1 || done.Actions[0].OrderNumber != "ORD-6487435-1234" {
		t.Fatalf("unexpected actions: %+v", done.Actions)
	}
}

func TestClientActPostsAction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/conversations/c-3/actions" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body struct {
			Action string `json:"action"`
			SKU    string `json:"sku"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.Action != "purchase" || body.SKU != "6487435" {
			t.Fatalf("unexpected body %+v", body)
		}
		_ = json.NewEncoder(w).Encode(ChatResponse{
			ConversationID: "c-3",
			Status:         StatusAwaitingConfirmation,
			Confirmation:   &Confirmation{TicketID: "t-5", Action: "purchase", Tool: "purchase_product", Target: "6487435"},
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "user-001234", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	resp, err := client.Act(context.Background(), "c-3", "purchase", "6487435")
	if err != nil {
		t.Fatalf("act failed: %v", err)
	}
	if !resp.AwaitingConfirmation() || resp.Confirmation.TicketID != "t-5" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestClientDecodesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"CONFIRMATION_PENDING","message":"a confirmation is pending"}}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "u-1", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.Chat(context.Background(), "c-1", "hello")
	if !IsCode(err, CodeConfirmationPending) {
		t.Fatalf("expected pending error, got %v", err)
	}
	apiErr := err.(*APIError)
	if apiErr.StatusCode != http.StatusConflict || apiErr.Message == "" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestClientFallsBackToRawErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, "u-1", srv.Client())
	_, err := client.Conversation(context.Background(), "c-1")
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "" || apiErr.Message != "upstream unavailable" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestClientRequiresUserID(t *testing.T) {
	client, err := NewClient("http://127.0.0.1:1", "", nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Conversation(context.Background(), "c-1"); err == nil {
		t.Fatalf("expected error without user id")
	}
	client.SetUserID("u-2")
	if client.UserID() != "u-2" {
		t.Fatalf("unexpected user id %q", client.UserID())
	}
}
