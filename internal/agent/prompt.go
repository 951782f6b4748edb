package agent

import (
	"context"
	"fmt"
	"strings"

	"ShopAssist/internal/conversation"
	"ShopAssist/internal/llm"
)

const basePrompt = `You are a friendly shopping assistant for an online electronics store.
Use the tools to answer: search_products for anything about products in the catalog, get_user_info and get_purchase_history for questions about the customer, send_product_email to email product details, purchase_product to buy. Use search_web only for general information the catalog cannot answer.
Only mention products and SKUs that a tool returned. Purchases are confirmed by the customer outside this chat, so call purchase_product directly when asked and never ask for confirmation yourself.
If a tool returns an error, explain it briefly or try a different approach.`

// systemPrompt 补充当前用户与最近一次商品列表，使模型能解析“它”“这个”等指代。
func (o *Orchestrator) systemPrompt(ctx context.Context, state *conversation.State) string {
	var b strings.Builder
	b.WriteString(basePrompt)
	if o.accounts != nil {
		if acc, err := o.accounts.Account(ctx, state.UserID); err == nil {
			fmt.Fprintf(&b, "\nYou are talking to %s.", acc.FullName())
		}
	}
	if len(state.Last.Results) > 0 {
		skus := make([]string, 0, len(state.Last.Results))
		for _, p := range state.Last.Results {
			skus = append(skus, fmt.Sprintf("%s (%s)", p.SKU, p.Name))
		}
		fmt.Fprintf(&b, "\nProducts shown to the customer most recently: %s.", strings.Join(skus, ", "))
		fmt.Fprintf(&b, "\nWhen the customer says \"it\", \"that\" or \"this one\" they mean SKU %s unless they say otherwise.", state.Last.Results[0].SKU)
	}
	return b.String()
}

func (o *Orchestrator) buildMessages(ctx context.Context, state *conversation.State) []llm.Message {
	entries := recentTurns(state.Entries, o.cfg.HistoryTurns)
	messages := make([]llm.Message, 0, len(entries)+1)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: o.systemPrompt(ctx, state)})
	for _, e := range entries {
		switch e.Kind {
		case conversation.KindUser:
			messages = append(messages, llm.Message{Role: llm.RoleUser, Content: e.Text})
		case conversation.KindAssistant:
			messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: e.Text, ToolCalls: e.ToolCalls})
		case conversation.KindTool:
			if e.Result == nil {
				continue
			}
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    e.Result.Display,
				ToolCallID: e.Result.CallID,
				Name:       e.Result.Tool,
			})
		}
	}
	return messages
}

// recentTurns 从倒数第 n 条用户发言处截断，保证工具结果不会与其调用分离。
func recentTurns(entries []conversation.Entry, n int) []conversation.Entry {
	seen := 0
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Kind != conversation.KindUser {
			continue
		}
		seen++
		if seen == n {
			return entries[i:]
		}
	}
	return entries
}
