package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"ShopAssist/internal/conversation"
	xerrors "ShopAssist/internal/errors"
	"ShopAssist/internal/llm"
	"ShopAssist/pkg/logger"
)

// Ledger 提供当前回合已经记录在案的工具结果，用于按调用 ID 去重。
type Ledger interface {
	RecordedResult(callID string) (conversation.ToolResult, bool)
}

// Outcome 是一次派发的结果分类，用于指标。
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeReplayed  Outcome = "replayed"
)

// Observer 在每次派发结束时被调用。
type Observer func(tool string, outcome Outcome, elapsed time.Duration)

// Dispatcher 执行工具调用。
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
	group    singleflight.Group
	observe  Observer
	logger   *slog.Logger
}

// DispatcherOption 配置 Dispatcher。
type DispatcherOption func(*Dispatcher)

// WithTimeout 设置单次工具调用的超时时间。
func WithTimeout(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.timeout = d
		}
	}
}

// WithObserver 注册指标回调。
func WithObserver(o Observer) DispatcherOption {
	return func(dp *Dispatcher) { dp.observe = o }
}

// NewDispatcher 创建派发器。
func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{registry: registry, timeout: 20 * time.Second, logger: logger.Named("tools")}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registry 返回底层注册表。
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch 执行一次工具调用，永远返回 ToolResult 而不是错误。
// 同一调用 ID 若已在 ledger 中有结果则直接返回，不会再次执行处理器；
// 并发到达的相同调用 ID 只执行一次。
func (d *Dispatcher) Dispatch(ctx context.Context, inv Invocation, call llm.ToolCall, ledger Ledger) conversation.ToolResult {
	inv.CallID = call.ID
	if ledger != nil {
		if recorded, ok := ledger.RecordedResult(call.ID); ok {
			d.logger.Info("重复的工具调用，返回已记录结果",
				slog.String("conversation_id", inv.ConversationID),
				slog.String("call_id", call.ID),
				slog.String("tool", call.Name))
			d.record(call.Name, OutcomeReplayed, 0)
			return recorded
		}
	}

	v, _, _ := d.group.Do(inv.Key(), func() (interface{}, error) {
		return d.execute(ctx, inv, call), nil
	})
	return v.(conversation.ToolResult)
}

func (d *Dispatcher) execute(ctx context.Context, inv Invocation, call llm.ToolCall) conversation.ToolResult {
	start := time.Now()
	def, ok := d.registry.Lookup(call.Name)
	if !ok {
		d.record(call.Name, OutcomeInvalid, time.Since(start))
		return Failure(call, xerrors.New(CodeToolNotFound, fmt.Sprintf("unknown tool %q", call.Name)))
	}

	args, err := def.Schema.Validate(call.ArgumentsOrEmpty())
	if err != nil {
		d.record(call.Name, OutcomeInvalid, time.Since(start))
		d.logger.Info("工具参数校验失败",
			slog.String("call_id", call.ID),
			slog.String("tool", call.Name),
			slog.Any("error", err))
		return Failure(call, err)
	}

	out, err := d.run(ctx, def, inv, args)
	elapsed := time.Since(start)
	if err != nil {
		d.record(call.Name, OutcomeFailed, elapsed)
		d.logger.Warn("工具执行失败",
			slog.String("conversation_id", inv.ConversationID),
			slog.String("call_id", call.ID),
			slog.String("tool", call.Name),
			slog.Any("error", err))
		return Failure(call, err)
	}

	result := conversation.ToolResult{CallID: call.ID, Tool: call.Name, Display: out.Display}
	if out.Payload != nil {
		payload, err := json.Marshal(out.Payload)
		if err != nil {
			d.record(call.Name, OutcomeFailed, elapsed)
			return Failure(call, xerrors.Wrap(CodeExecutionFailed, err, "encode tool payload"))
		}
		result.Payload = payload
	}
	d.record(call.Name, OutcomeSucceeded, elapsed)
	d.logger.Debug("工具执行完成",
		slog.String("call_id", call.ID),
		slog.String("tool", call.Name),
		slog.Duration("elapsed", elapsed))
	return result
}

func (d *Dispatcher) run(ctx context.Context, def Definition, inv Invocation, args json.RawMessage) (out Output, err error) {
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(CodeExecutionFailed, fmt.Sprintf("tool panicked: %v", r))
		}
	}()
	out, err = def.Handler(callCtx, inv, args)
	if err == nil && callCtx.Err() == context.DeadlineExceeded {
		err = xerrors.New(xerrors.CodeTimeout, fmt.Sprintf("tool %s timed out after %s", def.Name, d.timeout))
	}
	if err != nil && callCtx.Err() == context.DeadlineExceeded && !xerrors.HasCode(err, xerrors.CodeTimeout) {
		err = xerrors.Wrap(xerrors.CodeTimeout, err, fmt.Sprintf("tool %s timed out after %s", def.Name, d.timeout))
	}
	return out, err
}

func (d *Dispatcher) record(tool string, outcome Outcome, elapsed time.Duration) {
	if d.observe != nil {
		d.observe(tool, outcome, elapsed)
	}
}

// Failure 把错误转换为带结构化错误的 ToolResult。
func Failure(call llm.ToolCall, err error) conversation.ToolResult {
	code := CodeExecutionFailed
	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		code = e.Code()
		message = e.Message()
		if cause := e.Unwrap(); cause != nil {
			message = fmt.Sprintf("%s: %v", message, cause)
		}
	}
	return conversation.ToolResult{
		CallID:  call.ID,
		Tool:    call.Name,
		Display: "Error: " + message,
		Error:   &conversation.ToolError{Code: string(code), Message: message},
	}
}
