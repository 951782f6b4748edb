package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"ShopAssist/internal/account"
	"ShopAssist/internal/confirm"
	"ShopAssist/internal/conversation"
	xerrors "ShopAssist/internal/errors"
	"ShopAssist/internal/extract"
	"ShopAssist/internal/llm"
	"ShopAssist/internal/observability/alerting"
	"ShopAssist/internal/observability/metrics"
	"ShopAssist/internal/tools"
	"ShopAssist/pkg/logger"
)

// CodeMaxIterationsExceeded 表示回合达到模型往返次数上限。
const CodeMaxIterationsExceeded xerrors.Code = "MAX_ITERATIONS_EXCEEDED"

func init() {
	xerrors.Register(CodeMaxIterationsExceeded, xerrors.Attributes{
		Message:  "could not complete the request within the iteration limit",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// Status 是回合结束时的状态。
type Status string

const (
	StatusCompleted            Status = "completed"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusIncomplete           Status = "incomplete"
	StatusFailed               Status = "failed"
)

const (
	apologyMessage    = "Sorry, I'm having trouble reaching the assistant service right now. Please try again in a moment."
	incompleteMessage = "I wasn't able to finish this request. Here is what I found so far."
	incompleteWarning = "could not complete"
)

// TurnRequest 是一次用户发言。
type TurnRequest struct {
	ConversationID string
	UserID         string
	Message        string
}

// ResumeRequest 是对待确认操作的答复。
type ResumeRequest struct {
	ConversationID string
	UserID         string
	Decision       confirm.Decision
}

// Response 是回合的输出：最终回答、部分结果或确认请求。
type Response struct {
	ConversationID string               `json:"conversation_id"`
	Status         Status               `json:"status"`
	Message        string               `json:"message"`
	Payload        conversation.Payload `json:"payload"`
	Warning        string               `json:"warning,omitempty"`
	Confirmation   *conversation.Ticket `json:"confirmation,omitempty"`
}

// Snapshot 是会话的只读视图。
type Snapshot struct {
	ConversationID string               `json:"conversation_id"`
	Pending        *conversation.Ticket `json:"pending,omitempty"`
	Last           conversation.Payload `json:"last"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// Config 控制编排循环的安全阀与重试策略。
type Config struct {
	MaxIterations int
	ModelRetries  int
	RetryBackoff  time.Duration
	ModelTimeout  time.Duration
	// HistoryTurns 限制发送给模型的历史回合数。
	HistoryTurns int
	// DispatchConcurrency 限制同一批工具调用的并发数。
	DispatchConcurrency int
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 8
	}
	if c.ModelRetries < 0 {
		c.ModelRetries = 0
	}
	if c.ModelTimeout <= 0 {
		c.ModelTimeout = 60 * time.Second
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = 10
	}
	if c.DispatchConcurrency <= 0 {
		c.DispatchConcurrency = 4
	}
	return c
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{ModelRetries: 2, RetryBackoff: 200 * time.Millisecond}.withDefaults()
}

// Orchestrator 驱动会话的回合状态机。
type Orchestrator struct {
	model      llm.Model
	dispatcher *tools.Dispatcher
	gate       *confirm.Gate
	extractor  *extract.Extractor
	checkpoint *conversation.Checkpoint
	locker     conversation.Locker
	accounts   account.AccountStore
	alerter    alerting.Dispatcher
	cfg        Config
	logger     *slog.Logger
}

// Option 定义可选配置。
type Option func(*Orchestrator)

// WithConfig 覆盖默认配置。
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) {
		o.cfg = cfg.withDefaults()
	}
}

// WithAccounts 用于在系统提示词中称呼用户。
func WithAccounts(store account.AccountStore) Option {
	return func(o *Orchestrator) {
		o.accounts = store
	}
}

// WithAlertDispatcher 配置回合致命错误的告警。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(o *Orchestrator) {
		o.alerter = dispatcher
	}
}

// New 创建编排器。locker 为空时使用进程内锁。
func New(model llm.Model, dispatcher *tools.Dispatcher, gate *confirm.Gate, extractor *extract.Extractor, checkpoint *conversation.Checkpoint, locker conversation.Locker, opts ...Option) *Orchestrator {
	if locker == nil {
		locker = conversation.NewKeyedLocker()
	}
	o := &Orchestrator{
		model:      model,
		dispatcher: dispatcher,
		gate:       gate,
		extractor:  extractor,
		checkpoint: checkpoint,
		locker:     locker,
		cfg:        DefaultConfig(),
		logger:     logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// RunTurn 处理一次用户发言，直到得到最终回答或需要用户确认。
func (o *Orchestrator) RunTurn(ctx context.Context, req TurnRequest) (*Response, error) {
	// 验证请求。
	if o.model == nil || o.dispatcher == nil || o.checkpoint == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "编排器未初始化")
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "message must not be empty")
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "user id must not be empty")
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}

	// 同一会话的回合串行执行。
	unlock, err := o.locker.Lock(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	// 拿到锁之后调用方断开也要把回合跑完并保存检查点，等待时长由各调用的超时约束。
	ctx = context.WithoutCancel(ctx)

	state, err := o.begin(ctx, req.ConversationID, req.UserID, message)
	if err != nil {
		return nil, err
	}
	return o.loop(ctx, state)
}

// begin 加载会话并开启新回合。
// 待确认的操作未过期时拒绝新回合；已过期则清理，并为被搁置的调用补上过期结果。
func (o *Orchestrator) begin(ctx context.Context, id, userID, message string) (*conversation.State, error) {
	state, err := o.load(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if state.Pending != nil {
		if ticket, expired := o.gate.Expire(state); expired {
			o.closeHeldCalls(state, *ticket)
		} else {
			return nil, confirm.ErrPending
		}
	}

	now := o.gate.Now()
	state.Turn = &conversation.Turn{ID: uuid.NewString(), StartIndex: len(state.Entries), StartedAt: now}
	state.Append(conversation.Entry{Kind: conversation.KindUser, Text: message, At: now})
	return state, nil
}

// Resume 按用户答复处理挂起的确认单，然后继续回合。
func (o *Orchestrator) Resume(ctx context.Context, req ResumeRequest) (*Response, error) {
	decision, err := confirm.ParseDecision(string(req.Decision))
	if err != nil {
		return nil, err
	}
	unlock, err := o.locker.Lock(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	ctx = context.WithoutCancel(ctx)

	state, found, err := o.checkpoint.Load(ctx, req.ConversationID, req.UserID)
	if err != nil {
		return nil, err
	}
	// 检查点已被淘汰，确认单随之失效。
	if !found {
		metrics.ObserveConfirmation("expired")
		return nil, confirm.ErrExpired
	}
	if state.UserID != req.UserID {
		return nil, o.denied(state, req.UserID)
	}

	ticket, err := o.gate.Resolve(state, decision)
	if stdErrors.Is(err, confirm.ErrExpired) {
		o.closeHeldCalls(state, *ticket)
		state.Turn = nil
		if saveErr := o.checkpoint.Save(ctx, state); saveErr != nil {
			return nil, saveErr
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	metrics.ObserveConfirmation(string(decision))
	if state.Turn == nil {
		state.Turn = &conversation.Turn{ID: uuid.NewString(), StartIndex: len(state.Entries), StartedAt: o.gate.Now()}
	}

	// 按原始顺序处理被搁置的整批调用。
	inv := o.invocation(state)
	for _, call := range state.UnresolvedCalls() {
		var result conversation.ToolResult
		switch {
		case call.ID == ticket.CallID && ticket.State == conversation.TicketConfirmed:
			call.Arguments = ticket.Arguments
			result = o.dispatcher.Dispatch(ctx, inv, call, state)
		case call.ID == ticket.CallID:
			result = confirm.CancelledResult(*ticket)
		case o.dispatcher.Registry().RequiresConfirmation(call.Name):
			result = confirm.RejectedResult(call)
		default:
			result = o.dispatcher.Dispatch(ctx, inv, call, state)
		}
		state.Append(conversation.Entry{Kind: conversation.KindTool, Result: &result, At: o.gate.Now()})
	}
	return o.loop(ctx, state)
}

// Conversation 返回会话当前的待确认操作与最近一次结构化结果。
func (o *Orchestrator) Conversation(ctx context.Context, id, userID string) (*Snapshot, error) {
	state, found, err := o.checkpoint.Load(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, conversation.ErrNotFound
	}
	if state.UserID != userID {
		return nil, o.denied(state, userID)
	}
	snap := &Snapshot{ConversationID: state.ID, Last: state.Last, UpdatedAt: state.UpdatedAt}
	if state.Pending != nil && !state.Pending.Expired(o.gate.Now()) {
		ticket := *state.Pending
		snap.Pending = &ticket
	}
	return snap, nil
}

func (o *Orchestrator) load(ctx context.Context, id, userID string) (*conversation.State, error) {
	state, found, err := o.checkpoint.Load(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if found && state.UserID != userID {
		return nil, o.denied(state, userID)
	}
	return state, nil
}

// denied 不暴露会话是否存在。
func (o *Orchestrator) denied(state *conversation.State, userID string) error {
	logger.Audit().Warn("access_denied",
		slog.String("conversation_id", state.ID),
		slog.String("user_id", userID))
	return conversation.ErrNotFound
}

// closeHeldCalls 为过期确认单所在批次中仍未执行的调用写入过期结果。
func (o *Orchestrator) closeHeldCalls(state *conversation.State, ticket conversation.Ticket) {
	metrics.ObserveConfirmation("expired")
	for _, call := range state.UnresolvedCalls() {
		result := confirm.ExpiredResult(call)
		state.Append(conversation.Entry{Kind: conversation.KindTool, Result: &result, At: o.gate.Now()})
	}
	o.logger.Info("确认单已过期",
		slog.String("conversation_id", state.ID),
		slog.String("ticket_id", ticket.ID))
}

// loop 是 AWAITING_MODEL → DISPATCHING_TOOLS 的循环。
func (o *Orchestrator) loop(ctx context.Context, state *conversation.State) (*Response, error) {
	registry := o.dispatcher.Registry()
	inv := o.invocation(state)

	for {
		// 安全阀：模型往返次数达到上限时带着部分结果结束。
		if state.Turn.Iterations >= o.cfg.MaxIterations {
			o.logger.Warn("回合达到迭代上限",
				slog.String("conversation_id", state.ID),
				slog.Int("iterations", state.Turn.Iterations))
			o.alert(ctx, state, xerrors.New(CodeMaxIterationsExceeded, ""))
			return o.finish(ctx, state, StatusIncomplete, incompleteMessage, incompleteWarning)
		}
		state.Turn.Iterations++

		resp, err := o.callModel(ctx, state)
		if err != nil {
			o.logger.Error("模型调用失败，回合终止",
				slog.String("conversation_id", state.ID),
				slog.Any("error", err))
			o.alert(ctx, state, err)
			return o.finish(ctx, state, StatusFailed, apologyMessage, "")
		}

		assignCallIDs(resp.ToolCalls)
		now := o.gate.Now()
		state.Append(conversation.Entry{Kind: conversation.KindAssistant, Text: resp.Content, ToolCalls: resp.ToolCalls, At: now})
		if len(resp.ToolCalls) == 0 {
			return o.finish(ctx, state, StatusCompleted, resp.Content, "")
		}

		// 批次中有需要确认的调用时整批挂起。
		ticket, err := o.gate.Intercept(ctx, state, registry, inv, resp.ToolCalls)
		if err != nil {
			return nil, err
		}
		if ticket != nil {
			return o.suspend(ctx, state, ticket)
		}

		for _, result := range o.dispatchBatch(ctx, inv, state, resp.ToolCalls) {
			state.Append(conversation.Entry{Kind: conversation.KindTool, Result: &result, At: o.gate.Now()})
		}
	}
}

func (o *Orchestrator) invocation(state *conversation.State) tools.Invocation {
	inv := tools.Invocation{ConversationID: state.ID, UserID: state.UserID}
	if state.Turn != nil {
		inv.TurnID = state.Turn.ID
	}
	return inv
}

// assignCallIDs 为没有 ID 的工具调用补上 ID，否则无法与结果配对。
func assignCallIDs(calls []llm.ToolCall) {
	for i := range calls {
		if strings.TrimSpace(calls[i].ID) == "" {
			calls[i].ID = "call_" + uuid.NewString()
		}
	}
}

// dispatchBatch 并发执行一批调用，结果按调用顺序返回。
func (o *Orchestrator) dispatchBatch(ctx context.Context, inv tools.Invocation, ledger tools.Ledger, calls []llm.ToolCall) []conversation.ToolResult {
	results := make([]conversation.ToolResult, len(calls))
	var g errgroup.Group
	g.SetLimit(o.cfg.DispatchConcurrency)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = o.dispatcher.Dispatch(ctx, inv, call, ledger)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (o *Orchestrator) suspend(ctx context.Context, state *conversation.State, ticket *conversation.Ticket) (*Response, error) {
	if err := o.checkpoint.Save(ctx, state); err != nil {
		return nil, err
	}
	metrics.ObserveConfirmation("requested")
	return &Response{
		ConversationID: state.ID,
		Status:         StatusAwaitingConfirmation,
		Message:        fmt.Sprintf("Please confirm: %s %s.", ticket.Action, ticket.Target),
		Payload:        state.Last,
		Confirmation:   ticket,
	}, nil
}

func (o *Orchestrator) finish(ctx context.Context, state *conversation.State, status Status, message, warning string) (*Response, error) {
	if status != StatusCompleted {
		state.Append(conversation.Entry{Kind: conversation.KindAssistant, Text: message, At: o.gate.Now()})
	}
	payload := o.extractor.Extract(state.TurnEntries())
	iterations := state.Turn.Iterations
	turnID := state.Turn.ID
	state.Last = payload
	state.Turn = nil
	if err := o.checkpoint.Save(ctx, state); err != nil {
		return nil, err
	}

	metrics.ObserveTurn(string(status), iterations)
	logger.Audit().Info("turn_completed",
		slog.String("conversation_id", state.ID),
		slog.String("turn_id", turnID),
		slog.String("status", string(status)),
		slog.String("source", string(payload.Source)),
		slog.Int("iterations", iterations),
	)
	return &Response{
		ConversationID: state.ID,
		Status:         status,
		Message:        message,
		Payload:        payload,
		Warning:        warning,
	}, nil
}

// callModel 对可重试错误做有限次指数退避重试。
func (o *Orchestrator) callModel(ctx context.Context, state *conversation.State) (*llm.Response, error) {
	req := llm.Request{
		Messages: o.buildMessages(ctx, state),
		Tools:    o.dispatcher.Registry().Specs(),
	}
	var lastErr error
	for attempt := 0; attempt <= o.cfg.ModelRetries; attempt++ {
		if attempt > 0 {
			metrics.ObserveModelCall("retry")
			if err := sleep(ctx, o.cfg.RetryBackoff<<(attempt-1)); err != nil {
				return nil, stdErrors.Join(lastErr, err)
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.ModelTimeout)
		resp, err := o.model.Chat(callCtx, req)
		cancel()
		if err == nil && resp != nil {
			metrics.ObserveModelCall("ok")
			return resp, nil
		}
		if err == nil {
			err = llm.Unavailable(stdErrors.New("empty response"), "模型返回空结果")
		}
		if stdErrors.Is(err, context.DeadlineExceeded) && !xerrors.HasCode(err, llm.CodeModelUnavailable) {
			err = llm.Unavailable(err, "模型调用超时")
		}
		lastErr = err
		o.logger.Warn("模型调用失败",
			slog.String("conversation_id", state.ID),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err))
		if !xerrors.RetryableError(err) || ctx.Err() != nil {
			break
		}
	}
	metrics.ObserveModelCall("failed")
	return nil, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (o *Orchestrator) alert(ctx context.Context, state *conversation.State, err error) {
	if o.alerter == nil || !xerrors.ShouldAlert(err) {
		return
	}
	event := alerting.FromError(err, "conversation/"+state.ID, map[string]string{
		"user_id":    state.UserID,
		"iterations": fmt.Sprint(state.Turn.Iterations),
	})
	if notifyErr := o.alerter.Notify(ctx, event); notifyErr != nil {
		o.logger.Error("告警通知失败", slog.Any("error", notifyErr))
	}
}
