// Package langchain adapts any langchaingo llms.Model to llm.Model. The
// Ollama provider only carries plain text and JSON-mode requests; requests
// that need tool calling must go through a model whose adapter supports
// them, such as the OpenAI-compatible client.
package langchain

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"

	"ShopAssist/internal/llm"
)

// OllamaConfig 描述连接 Ollama 服务所需的参数。
type OllamaConfig struct {
	ServerURL   string
	Model       string
	Temperature float64
}

// Model 将 langchaingo 模型包装为 llm.Model。
type Model struct {
	model       llms.Model
	temperature float64
	// textOnly 为 true 时不接受工具与工具消息。
	textOnly bool
}

var _ llm.Model = (*Model)(nil)

// New 包装一个已构造的 langchaingo 模型。
func New(model llms.Model, temperature float64) *Model {
	return &Model{model: model, temperature: temperature}
}

// NewOllama 创建连接 Ollama 的模型。
func NewOllama(cfg OllamaConfig) (*Model, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, stdErrors.New("未指定 Ollama 模型")
	}
	opts := []ollama.Option{ollama.WithModel(cfg.Model)}
	// 与 OpenAI 兼容客户端共用同一个地址配置，去掉 /v1 后缀。
	if url := strings.TrimSuffix(strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/"), "/v1"); url != "" {
		opts = append(opts, ollama.WithServerURL(url))
	}
	client, err := ollama.New(opts...)
	if err != nil {
		return nil, err
	}
	m := New(client, cfg.Temperature)
	m.textOnly = true
	return m, nil
}

// Chat 实现 llm.Model。
func (m *Model) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if m == nil || m.model == nil {
		return nil, llm.Rejected(stdErrors.New("nil model"), "未配置 langchain 模型")
	}
	if m.textOnly && carriesTools(req) {
		return nil, llm.Rejected(stdErrors.New("tool calling unsupported"), "该 langchain 模型不支持工具调用")
	}
	var opts []llms.CallOption
	if tools := toTools(req.Tools); len(tools) > 0 {
		opts = append(opts, llms.WithTools(tools))
	}
	if req.JSONMode {
		opts = append(opts, llms.WithJSONMode())
	}
	if m.temperature > 0 {
		opts = append(opts, llms.WithTemperature(m.temperature))
	}

	resp, err := m.model.GenerateContent(ctx, toMessageContent(req.Messages), opts...)
	if err != nil {
		return nil, llm.Unavailable(err, "调用 langchain 模型失败")
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, llm.Unavailable(stdErrors.New("empty choices"), "langchain 模型未返回结果")
	}

	choice := resp.Choices[0]
	out := &llm.Response{
		Content:      strings.TrimSpace(choice.Content),
		FinishReason: choice.StopReason,
	}
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		call := llm.ToolCall{ID: tc.ID, Name: tc.FunctionCall.Name}
		if args := strings.TrimSpace(tc.FunctionCall.Arguments); args != "" {
			call.Arguments = json.RawMessage(args)
		}
		out.ToolCalls = append(out.ToolCalls, call)
	}
	return out, nil
}

func carriesTools(req llm.Request) bool {
	if len(req.Tools) > 0 {
		return true
	}
	for _, msg := range req.Messages {
		if msg.Role == llm.RoleTool || len(msg.ToolCalls) > 0 {
			return true
		}
	}
	return false
}

func toMessageContent(messages []llm.Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, msg.Content))
		case llm.RoleUser:
			out = append(out, llms.TextParts(llms.ChatMessageTypeHuman, msg.Content))
		case llm.RoleAssistant:
			parts := make([]llms.ContentPart, 0, len(msg.ToolCalls)+1)
			if msg.Content != "" {
				parts = append(parts, llms.TextPart(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				parts = append(parts, llms.ToolCall{
					ID:   call.ID,
					Type: "function",
					FunctionCall: &llms.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.ArgumentsOrEmpty()),
					},
				})
			}
			out = append(out, llms.MessageContent{Role: llms.ChatMessageTypeAI, Parts: parts})
		case llm.RoleTool:
			out = append(out, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: msg.ToolCallID,
					Name:       msg.Name,
					Content:    msg.Content,
				}},
			})
		}
	}
	return out
}

func toTools(specs []llm.ToolSpec) []llms.Tool {
	tools := make([]llms.Tool, 0, len(specs))
	for _, spec := range specs {
		tools = append(tools, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  spec.Parameters,
			},
		})
	}
	return tools
}
