package shopassist

import (
	"encoding/json"
	"time"
)

// Status values reported for a turn.
const (
	StatusCompleted            = "completed"
	StatusAwaitingConfirmation = "awaiting_confirmation"
	StatusIncomplete           = "incomplete"
	StatusFailed               = "failed"
)

// Decision answers a pending confirmation.
type Decision string

const (
	Confirmed Decision = "confirmed"
	Cancelled Decision = "cancelled"
)

// Error codes callers commonly branch on.
const (
	CodeConfirmationPending   = "CONFIRMATION_PENDING"
	CodeConfirmationExpired   = "CONFIRMATION_EXPIRED"
	CodeNoPendingConfirmation = "NO_PENDING_CONFIRMATION"
	CodeConversationNotFound  = "CONVERSATION_NOT_FOUND"
	CodeRateLimited           = "RATE_LIMITED"
)

// Product is a catalog item returned by a product search.
type Product struct {
	SKU              string   `json:"sku"`
	Name             string   `json:"name"`
	ShortDescription string   `json:"short_description"`
	CustomerRating   *float64 `json:"customer_rating,omitempty"`
	ProductURL       string   `json:"product_url"`
	RegularPrice     float64  `json:"regular_price"`
	SalePrice        float64  `json:"sale_price"`
	CategoryName     string   `json:"category_name"`
	IsOnSale         bool     `json:"is_on_sale"`
	HighResImage     string   `json:"high_res_image,omitempty"`
	RelevanceScore   *float64 `json:"relevance_score,omitempty"`
}

// Account is the caller's profile.
type Account struct {
	UserID    string `json:"user_id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone,omitempty"`
}

// LineItem is one product within an order.
type LineItem struct {
	Name     string  `json:"name"`
	SKU      string  `json:"sku"`
	Quantity int     `json:"quantity"`
	Total    float64 `json:"total"`
	ImageURL string  `json:"image_url,omitempty"`
}

// Order is a past or newly placed purchase.
type Order struct {
	UserID      string     `json:"user_id"`
	OrderNumber string     `json:"order_number"`
	OrderDate   time.Time  `json:"order_date"`
	TotalPrice  float64    `json:"total_price"`
	Status      string     `json:"status"`
	LineItems   []LineItem `json:"line_items"`
}

// WebResult is a web search hit.
type WebResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}

// Action reports a side effect performed during the turn.
type Action struct {
	Action      string `json:"action"`
	SKU         string `json:"sku"`
	Status      string `json:"status"`
	OrderNumber string `json:"order_number,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
}

// Confirmation describes an action waiting for the user's approval.
type Confirmation struct {
	TicketID  string          `json:"ticket_id"`
	Action    string          `json:"action"`
	Tool      string          `json:"tool"`
	Target    string          `json:"target"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// ChatResponse is returned by Chat and Confirm.
type ChatResponse struct {
	ConversationID string        `json:"conversation_id"`
	Status         string        `json:"status"`
	Message        string        `json:"message"`
	Source         string        `json:"source"`
	Products       []Product     `json:"products"`
	Account        *Account      `json:"account,omitempty"`
	Orders         []Order       `json:"orders,omitempty"`
	Web            []WebResult   `json:"web,omitempty"`
	Actions        []Action      `json:"actions,omitempty"`
	Warning        string        `json:"warning,omitempty"`
	Confirmation   *Confirmation `json:"confirmation,omitempty"`
}

// AwaitingConfirmation reports whether the turn paused for approval.
func (r ChatResponse) AwaitingConfirmation() bool {
	return r.Status == StatusAwaitingConfirmation && r.Confirmation != nil
}

// Conversation is the current view of a conversation.
type Conversation struct {
	ConversationID string        `json:"conversation_id"`
	Source         string        `json:"source"`
	Products       []Product     `json:"products"`
	Account        *Account      `json:"account,omitempty"`
	Orders         []Order       `json:"orders,omitempty"`
	Web            []WebResult   `json:"web,omitempty"`
	Actions        []Action      `json:"actions,omitempty"`
	Confirmation   *Confirmation `json:"confirmation,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}
