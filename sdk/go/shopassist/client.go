// Package shopassist is a Go client for the ShopAssist chat API.
package shopassist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom
// http.Client. A turn may involve several model calls, so it is generous.
const DefaultHTTPTimeout = 90 * time.Second

// HeaderUserID carries the caller identity.
const HeaderUserID = "X-User-ID"

// Client wraps the HTTP interactions with the ShopAssist REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu     sync.RWMutex
	userID string
}

// APIError represents an error response from the server.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("shopassist api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("shopassist api error (%d): %s", e.StatusCode, e.Message)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// NewClient instantiates a client acting on behalf of userID. When
// httpClient is nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL, userID string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient, userID: userID}, nil
}

// UserID returns the identity sent with every request.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// SetUserID switches the identity used for subsequent calls.
func (c *Client) SetUserID(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
}

// Chat sends one user message. An empty conversationID starts a new
// conversation; its id is returned in the response.
func (c *Client) Chat(ctx context.Context, conversationID, message string) (ChatResponse, error) {
	body := struct {
		ConversationID string `json:"conversation_id,omitempty"`
		Message        string `json:"message"`
	}{ConversationID: conversationID, Message: message}
	var resp ChatResponse
	if err := c.post(ctx, "/api/v1/chat", body, &resp); err != nil {
		return ChatResponse{}, err
	}
	return resp, nil
}

// Confirm answers the pending confirmation of a conversation.
func (c *Client) Confirm(ctx context.Context, conversationID string, decision Decision) (ChatResponse, error) {
	body := struct {
		Decision Decision `json:"decision"`
	}{Decision: decision}
	endpoint := "/api/v1/conversations/" + url.PathEscape(conversationID) + "/confirmation"
	var resp ChatResponse
	if err := c.post(ctx, endpoint, body, &resp); err != nil {
		return ChatResponse{}, err
	}
	return resp, nil
}

// Act runs a product action ("purchase" or "email") directly, as a UI
// button would. Purchases still come back awaiting confirmation.
func (c *Client) Act(ctx context.Context, conversationID, action, sku string) (ChatResponse, error) {
	body := struct {
		Action string `json:"action"`
		SKU    string `json:"sku"`
	}{Action: action, SKU: sku}
	endpoint := "/api/v1/conversations/" + url.PathEscape(conversationID) + "/actions"
	var resp ChatResponse
	if err := c.post(ctx, endpoint, body, &resp); err != nil {
		return ChatResponse{}, err
	}
	return resp, nil
}

// Conversation fetches the pending confirmation and last result.
func (c *Client) Conversation(ctx context.Context, conversationID string) (Conversation, error) {
	var conv Conversation
	if err := c.get(ctx, "/api/v1/conversations/"+url.PathEscape(conversationID), &conv); err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	userID := c.UserID()
	if userID == "" {
		return nil, errors.New("shopassist: user id is not set")
	}
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(HeaderUserID, userID)
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
