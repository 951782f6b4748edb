package llm

import (
	"context"
	"encoding/json"

	xerrors "ShopAssist/internal/errors"
)

// Role 标识消息在对话中的角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall 是模型发出的一次结构化工具调用。
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Message 是发送给模型的一条消息。
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolSpec 描述一个可供模型选择的工具，Parameters 为 JSON Schema。
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request 汇总一次模型调用的输入。
type Request struct {
	Messages []Message
	Tools    []ToolSpec
	// JSONMode 要求模型只输出 JSON 对象。
	JSONMode bool
}

// Response 是模型的输出，ToolCalls 为空表示最终回答。
type Response struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
}

// Model 定义了调用大模型的统一接口。
type Model interface {
	Chat(ctx context.Context, req Request) (*Response, error)
}

const (
	// CodeModelUnavailable 表示网络、超时或服务端错误，可重试。
	CodeModelUnavailable xerrors.Code = "MODEL_UNAVAILABLE"
	// CodeModelRejected 表示请求被模型服务拒绝，重试无意义。
	CodeModelRejected xerrors.Code = "MODEL_REJECTED"
)

func init() {
	xerrors.Register(CodeModelUnavailable, xerrors.Attributes{
		Message:   "model unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeModelRejected, xerrors.Attributes{
		Message:   "model rejected request",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// Unavailable 将底层错误包装为可重试的模型不可用错误。
func Unavailable(cause error, message string) error {
	return xerrors.Wrap(CodeModelUnavailable, cause, message)
}

// Rejected 将底层错误包装为不可重试的模型错误。
func Rejected(cause error, message string) error {
	return xerrors.Wrap(CodeModelRejected, cause, message)
}

// ArgumentsOrEmpty 在模型未给出参数时返回空对象。
func (c ToolCall) ArgumentsOrEmpty() json.RawMessage {
	if len(c.Arguments) == 0 {
		return json.RawMessage("{}")
	}
	return c.Arguments
}
