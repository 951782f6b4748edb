// Package decompose turns a shopping request into a semantic search string
// and a sanitised RetrievalFilter. The language model proposes constraints;
// retrieval.Sanitize decides which of them survive.
package decompose

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ShopAssist/internal/catalog"
	"ShopAssist/internal/llm"
	"ShopAssist/internal/retrieval"
	"ShopAssist/pkg/logger"
)

// Result 是一次分解的输出。
type Result struct {
	SemanticQuery string
	Filter        retrieval.Filter
	Dropped       []retrieval.Dropped
	// Fallback 为 true 表示模型不可用或输出无法解析，使用原始语句做纯语义检索。
	Fallback bool
}

// Decomposer 调用语言模型完成查询分解。
type Decomposer struct {
	model   llm.Model
	vocab   catalog.Vocabulary
	timeout time.Duration
	logger  *slog.Logger
}

// Option 配置 Decomposer。
type Option func(*Decomposer)

// WithTimeout 设置单次模型调用的超时时间。
func WithTimeout(d time.Duration) Option {
	return func(dc *Decomposer) {
		if d > 0 {
			dc.timeout = d
		}
	}
}

// New 创建分解器。vocab 可以为 nil，此时所有分类条件都会被丢弃。
func New(model llm.Model, vocab catalog.Vocabulary, opts ...Option) *Decomposer {
	d := &Decomposer{
		model:   model,
		vocab:   vocab,
		timeout: 30 * time.Second,
		logger:  logger.Named("decompose"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type modelOutput struct {
	Query  string                    `json:"query"`
	Filter []retrieval.RawConstraint `json:"filter"`
}

// Decompose 不会因分解失败而中断检索：任何异常都退化为以原始语句做纯语义检索。
func (d *Decomposer) Decompose(ctx context.Context, utterance string) Result {
	utterance = strings.TrimSpace(utterance)
	fallback := Result{SemanticQuery: utterance, Fallback: true}
	if d == nil || d.model == nil || utterance == "" {
		return fallback
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	resp, err := d.model.Chat(callCtx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: d.systemPrompt()},
			{Role: llm.RoleUser, Content: utterance},
		},
		JSONMode: true,
	})
	if err != nil {
		d.logger.Warn("查询分解调用模型失败，退化为语义检索", slog.Any("error", err))
		return fallback
	}

	var out modelOutput
	if err := json.Unmarshal([]byte(stripFence(resp.Content)), &out); err != nil {
		d.logger.Warn("查询分解输出无法解析，退化为语义检索", slog.Any("error", err))
		return fallback
	}

	filter, dropped := retrieval.Sanitize(out.Filter, d.vocab)
	for _, drop := range dropped {
		d.logger.Info("丢弃无效过滤条件", slog.Any("error", drop.AsError()))
	}
	query := strings.TrimSpace(out.Query)
	if query == "" {
		query = utterance
	}
	return Result{SemanticQuery: query, Filter: filter, Dropped: dropped}
}

func (d *Decomposer) systemPrompt() string {
	var categories []string
	if d.vocab != nil {
		categories = d.vocab.Categories()
	}
	quoted := make([]string, 0, len(categories))
	for _, c := range categories {
		quoted = append(quoted, fmt.Sprintf("%q", c))
	}

	var b strings.Builder
	b.WriteString("You rewrite shopping requests for a product search engine.\n")
	b.WriteString("Return a JSON object: {\"query\": string, \"filter\": [{\"field\": string, \"op\": string, \"value\": any}]}.\n")
	b.WriteString("\"query\" keeps product type, brand and features; remove price, rating and sale wording from it.\n")
	b.WriteString("Filterable fields:\n")
	b.WriteString("- category (op eq or in): only these exact values: " + strings.Join(quoted, ", ") + "\n")
	b.WriteString("- price (op lte or gte): current selling price as a number\n")
	b.WriteString("- rating (op lte or gte): average customer rating from 0 to 5\n")
	b.WriteString("- on_sale (op eq): true when the user asks for deals, discounts or sales\n")
	b.WriteString("Only add a constraint the user clearly asked for. Use an empty filter list when none apply.")
	return b.String()
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
