// Package confirm implements the human-in-the-loop gate for irreversible
// actions. A held tool call becomes a pending ticket on the conversation
// state; the ticket is persisted with the state and resolved by a later,
// independent resume call. Nothing blocks while a ticket is pending.
package confirm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"ShopAssist/internal/conversation"
	xerrors "ShopAssist/internal/errors"
	"ShopAssist/internal/llm"
	"ShopAssist/internal/tools"
	"ShopAssist/pkg/logger"
)

const (
	CodeConfirmationPending   xerrors.Code = "CONFIRMATION_PENDING"
	CodeConfirmationExpired   xerrors.Code = "CONFIRMATION_EXPIRED"
	CodeNoPendingConfirmation xerrors.Code = "NO_PENDING_CONFIRMATION"
)

var (
	// ErrPending 表示会话中已有待确认的操作。
	ErrPending = xerrors.New(CodeConfirmationPending, "resolve the pending action first")
	// ErrExpired 表示确认单已过期或会话已被清理。
	ErrExpired = xerrors.New(CodeConfirmationExpired, "the confirmation has expired, please make the request again")
	// ErrNoPending 表示会话中没有待确认的操作。
	ErrNoPending = xerrors.New(CodeNoPendingConfirmation, "there is no pending action to confirm")
)

func init() {
	xerrors.Register(CodeConfirmationPending, xerrors.Attributes{
		Message:    "resolve the pending action first",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeConfirmationExpired, xerrors.Attributes{
		Message:    "confirmation expired",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusGone,
	})
	xerrors.Register(CodeNoPendingConfirmation, xerrors.Attributes{
		Message:    "no pending confirmation",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
}

// Decision 是用户对确认单的答复。
type Decision string

const (
	DecisionConfirmed Decision = "confirmed"
	DecisionCancelled Decision = "cancelled"
)

// ParseDecision 校验外部传入的答复。
func ParseDecision(s string) (Decision, error) {
	switch Decision(s) {
	case DecisionConfirmed, DecisionCancelled:
		return Decision(s), nil
	}
	return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("decision must be %q or %q", DecisionConfirmed, DecisionCancelled))
}

// Gate 负责创建、解析与过期确认单。
type Gate struct {
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Option 配置 Gate。
type Option func(*Gate)

// WithClock 注入时钟，测试用。
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// New 创建确认闸门，ttl 不大于 0 时默认 15 分钟。
func New(ttl time.Duration, opts ...Option) *Gate {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	g := &Gate{ttl: ttl, now: time.Now, logger: logger.Named("confirm")}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Now 返回闸门使用的当前时间。
func (g *Gate) Now() time.Time { return g.now() }

// Intercept 检查一批工具调用，若其中有需要确认的调用，则为第一个这样的调用创建确认单并挂到会话上。
// 参数校验失败的调用不会生成确认单，由派发器把校验错误返回给模型。
// 返回 nil 表示整批调用都可以直接执行。
func (g *Gate) Intercept(ctx context.Context, state *conversation.State, registry *tools.Registry, inv tools.Invocation, calls []llm.ToolCall) (*conversation.Ticket, error) {
	var (
		held *llm.ToolCall
		def  tools.Definition
		args json.RawMessage
	)
	for i := range calls {
		if !registry.RequiresConfirmation(calls[i].Name) {
			continue
		}
		d, _ := registry.Lookup(calls[i].Name)
		validated, err := d.Schema.Validate(calls[i].ArgumentsOrEmpty())
		if err != nil {
			g.logger.Info("待确认调用参数无效，不生成确认单",
				slog.String("conversation_id", state.ID),
				slog.String("call_id", calls[i].ID),
				slog.String("tool", calls[i].Name),
				slog.Any("error", err))
			continue
		}
		held, def, args = &calls[i], d, validated
		break
	}
	if held == nil {
		return nil, nil
	}
	if state.Pending != nil && !state.Pending.Expired(g.now()) {
		return nil, ErrPending
	}

	target := held.Name
	if def.Describe != nil {
		inv.CallID = held.ID
		target = def.Describe(ctx, inv, args)
	}
	action := def.Action
	if action == "" {
		action = def.Name
	}
	now := g.now()
	ticket := &conversation.Ticket{
		ID:        uuid.NewString(),
		CallID:    held.ID,
		Tool:      held.Name,
		Action:    action,
		Target:    target,
		Arguments: args,
		State:     conversation.TicketPending,
		CreatedAt: now,
		ExpiresAt: now.Add(g.ttl),
	}
	state.Pending = ticket
	logger.Audit().Info("confirmation_requested",
		slog.String("conversation_id", state.ID),
		slog.String("ticket_id", ticket.ID),
		slog.String("call_id", ticket.CallID),
		slog.String("action", ticket.Action),
		slog.String("target", ticket.Target),
		slog.Time("expires_at", ticket.ExpiresAt),
	)
	clone := *ticket
	return &clone, nil
}

// Resolve 按用户答复结束确认单并从会话上移除它。
// 确认单已过期时同样会移除，并返回 ErrExpired。
func (g *Gate) Resolve(state *conversation.State, decision Decision) (*conversation.Ticket, error) {
	if state == nil || state.Pending == nil {
		return nil, ErrNoPending
	}
	if _, err := ParseDecision(string(decision)); err != nil {
		return nil, err
	}
	if ticket, expired := g.Expire(state); expired {
		return ticket, ErrExpired
	}
	ticket := *state.Pending
	state.Pending = nil
	if decision == DecisionConfirmed {
		ticket.State = conversation.TicketConfirmed
	} else {
		ticket.State = conversation.TicketCancelled
	}
	logger.Audit().Info("confirmation_resolved",
		slog.String("conversation_id", state.ID),
		slog.String("ticket_id", ticket.ID),
		slog.String("call_id", ticket.CallID),
		slog.String("decision", string(decision)),
	)
	return &ticket, nil
}

// Expire 清理已过期的确认单，返回被清理的确认单。
func (g *Gate) Expire(state *conversation.State) (*conversation.Ticket, bool) {
	if state == nil || state.Pending == nil || !state.Pending.Expired(g.now()) {
		return nil, false
	}
	ticket := *state.Pending
	state.Pending = nil
	logger.Audit().Info("confirmation_expired",
		slog.String("conversation_id", state.ID),
		slog.String("ticket_id", ticket.ID),
		slog.String("call_id", ticket.CallID),
	)
	return &ticket, true
}

// CancelledResult 是用户取消后代替处理器结果写入轨迹的合成结果，不会产生任何副作用。
func CancelledResult(ticket conversation.Ticket) conversation.ToolResult {
	var args struct {
		SKU string `json:"sku"`
	}
	_ = json.Unmarshal(ticket.Arguments, &args)
	payload, _ := json.Marshal(conversation.ActionPayload{
		Action: ticket.Action,
		SKU:    args.SKU,
		Status: string(conversation.TicketCancelled),
	})
	return conversation.ToolResult{
		CallID:  ticket.CallID,
		Tool:    ticket.Tool,
		Display: fmt.Sprintf("The customer cancelled the %s of %s. Nothing was done.", ticket.Action, ticket.Target),
		Payload: payload,
	}
}

// ExpiredResult 为过期确认单中被搁置的调用生成错误结果。
func ExpiredResult(call llm.ToolCall) conversation.ToolResult {
	return tools.Failure(call, ErrExpired)
}

// RejectedResult 为同一批次中排在已处理确认单之后、仍需确认的调用生成错误结果。
func RejectedResult(call llm.ToolCall) conversation.ToolResult {
	return tools.Failure(call, ErrPending)
}
