package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"ShopAssist/internal/conversation"
	xerrors "ShopAssist/internal/errors"
	"ShopAssist/internal/llm"
)

// ActionRequest 是界面上直接发起的商品操作（如卡片上的购买、发送邮件按钮），不经过模型选择工具。
type ActionRequest struct {
	ConversationID string
	UserID         string
	Action         string
	SKU            string
}

// Act 把界面操作转换为一次工具调用并在新回合中执行。
// 需要确认的操作与模型发起的调用一样先生成确认单，由 Resume 完成。
func (o *Orchestrator) Act(ctx context.Context, req ActionRequest) (*Response, error) {
	if o.dispatcher == nil || o.checkpoint == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "编排器未初始化")
	}
	sku := strings.TrimSpace(req.SKU)
	if sku == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "sku must not be empty")
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "user id must not be empty")
	}
	registry := o.dispatcher.Registry()
	def, ok := registry.ByAction(req.Action)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown action %q", req.Action))
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}

	unlock, err := o.locker.Lock(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	ctx = context.WithoutCancel(ctx)

	state, err := o.begin(ctx, req.ConversationID, req.UserID, fmt.Sprintf("Please %s product %s.", req.Action, sku))
	if err != nil {
		return nil, err
	}

	args, err := json.Marshal(map[string]string{"sku": sku})
	if err != nil {
		return nil, err
	}
	call := llm.ToolCall{ID: "action_" + uuid.NewString(), Name: def.Name, Arguments: args}
	state.Append(conversation.Entry{Kind: conversation.KindAssistant, ToolCalls: []llm.ToolCall{call}, At: o.gate.Now()})

	inv := o.invocation(state)
	ticket, err := o.gate.Intercept(ctx, state, registry, inv, []llm.ToolCall{call})
	if err != nil {
		return nil, err
	}
	if ticket != nil {
		return o.suspend(ctx, state, ticket)
	}

	result := o.dispatcher.Dispatch(ctx, inv, call, state)
	state.Append(conversation.Entry{Kind: conversation.KindTool, Result: &result, At: o.gate.Now()})
	if result.Failed() {
		return o.finish(ctx, state, StatusFailed, result.Display, "")
	}
	state.Append(conversation.Entry{Kind: conversation.KindAssistant, Text: result.Display, At: o.gate.Now()})
	return o.finish(ctx, state, StatusCompleted, result.Display, "")
}
