package openai

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"ShopAssist/internal/llm"
)

const (
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second

	// DefaultOllamaURL 是本地 Ollama 服务的默认地址。
	DefaultOllamaURL = "http://localhost:11434"
	// ollamaAPIKey 只用于满足客户端校验，Ollama 不检查它。
	ollamaAPIKey = "ollama"
)

// Config 描述了调用 OpenAI 兼容 Chat Completions API 所需的信息。
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature float32
}

// Client 基于 go-openai 实现 llm.Model，支持工具调用与 JSON 模式。
type Client struct {
	api         *goopenai.Client
	model       string
	temperature float32
}

var _ llm.Model = (*Client)(nil)

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, stdErrors.New("未提供 OpenAI API Key")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	clientCfg := goopenai.DefaultConfig(apiKey)
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	return &Client{
		api:         goopenai.NewClientWithConfig(clientCfg),
		model:       model,
		temperature: cfg.Temperature,
	}, nil
}

// NewOllamaClient 通过 Ollama 的 OpenAI 兼容接口 (/v1) 创建客户端，支持工具调用。
func NewOllamaClient(serverURL, model string, timeout time.Duration, temperature float32) (*Client, error) {
	if strings.TrimSpace(model) == "" {
		return nil, stdErrors.New("未指定 Ollama 模型")
	}
	return NewClient(Config{
		APIKey:      ollamaAPIKey,
		BaseURL:     OllamaBaseURL(serverURL),
		Model:       model,
		Timeout:     timeout,
		Temperature: temperature,
	})
}

// OllamaBaseURL 把 Ollama 服务地址转换为 OpenAI 兼容接口的根路径。
func OllamaBaseURL(serverURL string) string {
	base := strings.TrimRight(strings.TrimSpace(serverURL), "/")
	if base == "" {
		base = DefaultOllamaURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base
	}
	return base + "/v1"
}

// Chat 调用 Chat Completions 接口，返回文本或工具调用。
func (c *Client) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	body := goopenai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    toMessages(req.Messages),
		Tools:       toTools(req.Tools),
		Temperature: c.temperature,
	}
	if req.JSONMode {
		body.ResponseFormat = &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.api.CreateChatCompletion(ctx, body)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, llm.Unavailable(stdErrors.New("empty choices"), "OpenAI 响应中没有有效的 choices")
	}

	choice := resp.Choices[0]
	out := &llm.Response{
		Content:      strings.TrimSpace(choice.Message.Content),
		FinishReason: string(choice.FinishReason),
	}
	for _, tc := range choice.Message.ToolCalls {
		call := llm.ToolCall{ID: tc.ID, Name: tc.Function.Name}
		if args := strings.TrimSpace(tc.Function.Arguments); args != "" {
			call.Arguments = json.RawMessage(args)
		}
		out.ToolCalls = append(out.ToolCalls, call)
	}
	return out, nil
}

func toMessages(messages []llm.Message) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		converted := goopenai.ChatCompletionMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
		}
		for _, call := range msg.ToolCalls {
			converted.ToolCalls = append(converted.ToolCalls, goopenai.ToolCall{
				ID:   call.ID,
				Type: goopenai.ToolTypeFunction,
				Function: goopenai.FunctionCall{
					Name:      call.Name,
					Arguments: string(call.ArgumentsOrEmpty()),
				},
			})
		}
		out = append(out, converted)
	}
	return out
}

func toTools(specs []llm.ToolSpec) []goopenai.Tool {
	if len(specs) == 0 {
		return nil
	}
	tools := make([]goopenai.Tool, 0, len(specs))
	for _, spec := range specs {
		tools = append(tools, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  spec.Parameters,
			},
		})
	}
	return tools
}

// classify 将 go-openai 的错误映射为可重试或不可重试的模型错误。
func classify(err error) error {
	status := 0
	var apiErr *goopenai.APIError
	var reqErr *goopenai.RequestError
	switch {
	case stdErrors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case stdErrors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status >= http.StatusBadRequest && status < http.StatusInternalServerError &&
		status != http.StatusTooManyRequests && status != http.StatusRequestTimeout {
		return llm.Rejected(err, fmt.Sprintf("OpenAI 拒绝请求 (status %d)", status))
	}
	return llm.Unavailable(err, "请求 OpenAI 失败")
}
