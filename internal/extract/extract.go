// Package extract turns the tool results of a finished turn into the
// structured response payload. The last successful structured result decides
// the source; every payload produced during the turn is merged.
package extract

import (
	"encoding/json"
	"log/slog"

	"ShopAssist/internal/catalog"
	"ShopAssist/internal/conversation"
	"ShopAssist/pkg/logger"
)

// SourceOf 把工具名映射为数据来源，未登记的工具返回 false。
type SourceOf func(tool string) (conversation.Source, bool)

// Extractor 从一个回合的轨迹中提取结构化结果。
type Extractor struct {
	sourceOf SourceOf
}

// New 创建提取器。
func New(sourceOf SourceOf) *Extractor {
	return &Extractor{sourceOf: sourceOf}
}

// Extract 只检查传入的本回合条目。
func (e *Extractor) Extract(entries []conversation.Entry) conversation.Payload {
	out := conversation.Payload{Source: conversation.SourceConversation, Results: []catalog.Product{}}
	attempted, succeeded := false, false

	for _, entry := range entries {
		if entry.Kind != conversation.KindTool || entry.Result == nil {
			continue
		}
		attempted = true
		result := entry.Result
		if result.Failed() {
			continue
		}
		source, ok := e.sourceOf(result.Tool)
		if !ok {
			continue
		}
		if err := merge(&out, source, result.Payload); err != nil {
			logger.Named("extract").Warn("工具载荷无法解析",
				slog.String("call_id", result.CallID),
				slog.String("tool", result.Tool),
				slog.Any("error", err))
			continue
		}
		out.Source = source
		succeeded = true
	}
	if attempted && !succeeded {
		out.Source = conversation.SourceNone
		out.Results = []catalog.Product{}
	}
	return out
}

func merge(out *conversation.Payload, source conversation.Source, raw json.RawMessage) error {
	switch source {
	case conversation.SourceCatalog:
		var p conversation.SearchPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		for _, product := range p.Products {
			if !containsSKU(out.Results, product.SKU) {
				out.Results = append(out.Results, product)
			}
		}
	case conversation.SourceAccount:
		var p conversation.AccountPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		out.Account = &p.Account
	case conversation.SourceOrders:
		var p conversation.OrdersPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		out.Orders = p.Orders
	case conversation.SourceAction:
		var p conversation.ActionPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		out.Actions = append(out.Actions, p)
	case conversation.SourceWeb:
		var p conversation.WebPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		out.Web = append(out.Web, p.Results...)
	}
	return nil
}

func containsSKU(products []catalog.Product, sku string) bool {
	for _, p := range products {
		if p.SKU == sku {
			return true
		}
	}
	return false
}
