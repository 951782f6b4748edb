package conversation

import (
	"encoding/json"
	"time"

	"ShopAssist/internal/account"
	"ShopAssist/internal/catalog"
	"ShopAssist/internal/llm"
	"ShopAssist/internal/retrieval"
)

// EntryKind 标识消息轨迹中条目的来源。
type EntryKind string

const (
	KindUser      EntryKind = "user"
	KindAssistant EntryKind = "assistant"
	KindTool      EntryKind = "tool"
)

// Entry 是消息轨迹中的一条记录，只追加，不修改。
type Entry struct {
	Kind      EntryKind      `json:"kind"`
	Text      string         `json:"text,omitempty"`
	ToolCalls []llm.ToolCall `json:"tool_calls,omitempty"`
	Result    *ToolResult    `json:"result,omitempty"`
	At        time.Time      `json:"at"`
}

// ToolError 是工具调用失败时返回给模型的结构化错误。
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToolResult 对应一次工具调用的结果，Payload 与 Error 互斥。
type ToolResult struct {
	CallID  string          `json:"call_id"`
	Tool    string          `json:"tool"`
	Display string          `json:"display"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ToolError      `json:"error,omitempty"`
}

// Failed 判断结果是否为错误。
func (r ToolResult) Failed() bool { return r.Error != nil }

// TicketState 是确认单的状态。
type TicketState string

const (
	TicketPending   TicketState = "pending"
	TicketConfirmed TicketState = "confirmed"
	TicketCancelled TicketState = "cancelled"
)

// Ticket 是一次等待用户确认的不可逆操作。
type Ticket struct {
	ID        string          `json:"id"`
	CallID    string          `json:"call_id"`
	Tool      string          `json:"tool"`
	Action    string          `json:"action"`
	Target    string          `json:"target"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	State     TicketState     `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Expired 判断确认单在 now 时刻是否已过期。
func (t Ticket) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// Turn 记录当前回合的进度，回合因确认而挂起时依靠它在恢复后继续计数。
type Turn struct {
	ID         string    `json:"id"`
	StartIndex int       `json:"start_index"`
	Iterations int       `json:"iterations"`
	StartedAt  time.Time `json:"started_at"`
}

// Source 标记响应数据的来源。
type Source string

const (
	SourceCatalog      Source = "catalog"
	SourceAccount      Source = "account"
	SourceOrders       Source = "orders"
	SourceAction       Source = "action"
	SourceWeb          Source = "web"
	SourceConversation Source = "conversation"
	SourceNone         Source = "none"
)

// SearchPayload 是商品检索工具的结构化结果。
type SearchPayload struct {
	Query    string            `json:"query"`
	Filter   retrieval.Filter  `json:"filter"`
	Products []catalog.Product `json:"products"`
}

// AccountPayload 是账户查询工具的结构化结果。
type AccountPayload struct {
	Account account.Account `json:"account"`
}

// OrdersPayload 是历史订单工具的结构化结果。
type OrdersPayload struct {
	Orders []account.Order `json:"orders"`
}

// 操作类工具的动作名。
const (
	ActionEmail    = "email"
	ActionPurchase = "purchase"
)

// ActionPayload 是邮件、下单等操作类工具的结构化结果。
type ActionPayload struct {
	Action      string `json:"action"`
	SKU         string `json:"sku"`
	Status      string `json:"status"`
	OrderNumber string `json:"order_number,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
}

// WebResult 是一条网页检索结果。
type WebResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}

// WebPayload 是网页检索工具的结构化结果。
type WebPayload struct {
	Query   string      `json:"query"`
	Results []WebResult `json:"results"`
}

// Payload 是从一个回合的轨迹中提取出的结构化响应。
type Payload struct {
	Source  Source            `json:"source"`
	Results []catalog.Product `json:"results"`
	Account *account.Account  `json:"account,omitempty"`
	Orders  []account.Order   `json:"orders,omitempty"`
	Web     []WebResult       `json:"web,omitempty"`
	Actions []ActionPayload   `json:"actions,omitempty"`
}

// State 是一个会话的全部编排状态。
type State struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Entries   []Entry   `json:"entries"`
	Pending   *Ticket   `json:"pending,omitempty"`
	Turn      *Turn     `json:"turn,omitempty"`
	Last      Payload   `json:"last"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewState 创建一个空会话。
func NewState(id, userID string, now time.Time) *State {
	return &State{ID: id, UserID: userID, Last: Payload{Source: SourceConversation}, CreatedAt: now, UpdatedAt: now}
}

// Append 追加轨迹条目。
func (s *State) Append(entries ...Entry) {
	s.Entries = append(s.Entries, entries...)
}

// TurnEntries 返回当前回合的条目，没有进行中的回合时返回 nil。
func (s *State) TurnEntries() []Entry {
	if s.Turn == nil || s.Turn.StartIndex > len(s.Entries) {
		return nil
	}
	return s.Entries[s.Turn.StartIndex:]
}

// UnresolvedCalls 返回最后一条助手消息中尚未得到结果的工具调用，按原始顺序。
func (s *State) UnresolvedCalls() []llm.ToolCall {
	last := -1
	for i := len(s.Entries) - 1; i >= 0; i-- {
		if s.Entries[i].Kind == KindAssistant {
			last = i
			break
		}
	}
	if last < 0 {
		return nil
	}
	answered := make(map[string]struct{})
	for _, e := range s.Entries[last+1:] {
		if e.Kind == KindTool && e.Result != nil {
			answered[e.Result.CallID] = struct{}{}
		}
	}
	var calls []llm.ToolCall
	for _, call := range s.Entries[last].ToolCalls {
		if _, ok := answered[call.ID]; !ok {
			calls = append(calls, call)
		}
	}
	return calls
}

// RecordedResult 在当前回合中查找某个调用 ID 已记录的结果。
// 调用 ID 只在回合内唯一，之前回合的同名 ID 不算重复。
func (s *State) RecordedResult(callID string) (ToolResult, bool) {
	entries := s.TurnEntries()
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Kind == KindTool && e.Result != nil && e.Result.CallID == callID {
			return *e.Result, true
		}
	}
	return ToolResult{}, false
}

// Clone 通过序列化得到深拷贝。
func (s *State) Clone() (*State, error) {
	data, err := Encode(s)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Encode 序列化会话状态。
func Encode(s *State) ([]byte, error) {
	return json.Marshal(s)
}

// Decode 反序列化会话状态。
func Decode(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
