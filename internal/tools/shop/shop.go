// Package shop registers the shopping assistant's tool variants: catalog
// search, product email, purchase, account lookup, purchase history and web
// search. Handlers only read collaborators and return data; they never touch
// conversation state.
package shop

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ShopAssist/internal/account"
	"ShopAssist/internal/catalog"
	"ShopAssist/internal/conversation"
	"ShopAssist/internal/decompose"
	xerrors "ShopAssist/internal/errors"
	"ShopAssist/internal/outbox"
	"ShopAssist/internal/retrieval"
	"ShopAssist/internal/tools"
	"ShopAssist/pkg/logger"
)

// 工具名称。
const (
	ToolSearchProducts     = "search_products"
	ToolSendProductEmail   = "send_product_email"
	ToolPurchaseProduct    = "purchase_product"
	ToolGetUserInfo        = "get_user_info"
	ToolGetPurchaseHistory = "get_purchase_history"
	ToolSearchWeb          = "search_web"
)

// Decomposer 把自然语言拆成语义查询与过滤条件。
type Decomposer interface {
	Decompose(ctx context.Context, utterance string) decompose.Result
}

// Outbox 接收待投递的邮件。
type Outbox interface {
	Submit(ctx context.Context, req outbox.Request) (*outbox.Message, error)
}

// WebSearcher 执行网页检索。
type WebSearcher interface {
	Search(ctx context.Context, query string) ([]conversation.WebResult, error)
}

// Deps 汇总工具处理器依赖的外部协作者。Web 为空时不注册 search_web。
type Deps struct {
	Decomposer     Decomposer
	Retriever      retrieval.Retriever
	Catalog        catalog.Lookup
	Accounts       account.AccountStore
	Orders         account.OrderStore
	Outbox         Outbox
	Web            WebSearcher
	TopK           int
	ScoreThreshold float64
	HistoryLimit   int
	Now            func() time.Time
}

// Definitions 返回全部工具定义。
func Definitions(deps Deps) []tools.Definition {
	if deps.TopK <= 0 {
		deps.TopK = 5
	}
	if deps.HistoryLimit <= 0 || deps.HistoryLimit > 20 {
		deps.HistoryLimit = 5
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	h := &handlers{deps: deps, logger: logger.Named("tools.shop")}

	defs := []tools.Definition{
		{
			Name:        ToolSearchProducts,
			Description: "Search the product catalog. Pass the customer's request in natural language; price, category, rating and sale constraints are extracted automatically.",
			Schema: tools.Schema{Fields: []tools.Field{
				{Name: "query", Type: tools.TypeString, Required: true, Description: "What the customer is looking for, in their own words."},
			}},
			Handler: tools.Typed(h.searchProducts),
		},
		{
			Name:        ToolSendProductEmail,
			Description: "Email the details of a product to the customer's address on file.",
			Action:      conversation.ActionEmail,
			Schema: tools.Schema{Fields: []tools.Field{
				{Name: "sku", Type: tools.TypeString, Required: true, Description: "SKU of the product to send."},
			}},
			Handler: tools.Typed(h.sendProductEmail),
		},
		{
			Name:                 ToolPurchaseProduct,
			Description:          "Place an order for a product on behalf of the customer. The customer is asked to confirm before the order is placed.",
			RequiresConfirmation: true,
			Action:               conversation.ActionPurchase,
			Schema: tools.Schema{Fields: []tools.Field{
				{Name: "sku", Type: tools.TypeString, Required: true, Description: "SKU of the product to buy."},
				{Name: "quantity", Type: tools.TypeInteger, Min: tools.Bound(1), Default: 1, Description: "Number of units."},
			}},
			Describe: h.describePurchase,
			Handler:  tools.Typed(h.purchaseProduct),
		},
		{
			Name:        ToolGetUserInfo,
			Description: "Look up the current customer's account details.",
			Handler:     tools.Typed(h.getUserInfo),
		},
		{
			Name:        ToolGetPurchaseHistory,
			Description: "List the current customer's most recent orders.",
			Schema: tools.Schema{Fields: []tools.Field{
				{Name: "limit", Type: tools.TypeInteger, Min: tools.Bound(1), Max: tools.Bound(20), Default: deps.HistoryLimit, Description: "How many orders to return."},
			}},
			Handler: tools.Typed(h.getPurchaseHistory),
		},
	}
	if deps.Web != nil {
		defs = append(defs, tools.Definition{
			Name:        ToolSearchWeb,
			Description: "Search the web for general information that is not in the product catalog, such as reviews or comparisons.",
			Schema: tools.Schema{Fields: []tools.Field{
				{Name: "query", Type: tools.TypeString, Required: true, Description: "Web search query."},
			}},
			Handler: tools.Typed(h.searchWeb),
		})
	}
	return defs
}

type handlers struct {
	deps   Deps
	logger *slog.Logger
}

type searchArgs struct {
	Query string `json:"query" validate:"required"`
}

func (h *handlers) searchProducts(ctx context.Context, _ tools.Invocation, args searchArgs) (tools.Output, error) {
	if h.deps.Retriever == nil {
		return tools.Output{}, xerrors.New(xerrors.CodeInitializationFailure, "商品检索未配置")
	}
	semantic, filter := args.Query, retrieval.Filter{}
	if h.deps.Decomposer != nil {
		res := h.deps.Decomposer.Decompose(ctx, args.Query)
		semantic, filter = res.SemanticQuery, res.Filter
	}
	hits, err := h.deps.Retriever.SimilaritySearch(ctx, semantic, filter, h.deps.TopK)
	if err != nil {
		return tools.Output{}, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "商品检索失败")
	}
	products := make([]catalog.Product, 0, len(hits))
	for _, hit := range hits {
		if hit.Score < h.deps.ScoreThreshold {
			continue
		}
		products = append(products, retrieval.ProductFromHit(hit))
	}
	h.logger.Debug("商品检索完成",
		slog.String("query", semantic),
		slog.String("filter", filter.String()),
		slog.Int("hits", len(hits)),
		slog.Int("returned", len(products)),
	)
	return tools.Output{
		Display: describeProducts(products),
		Payload: conversation.SearchPayload{Query: semantic, Filter: filter, Products: products},
	}, nil
}

func describeProducts(products []catalog.Product) string {
	if len(products) == 0 {
		return "No products matched the request."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d products:\n", len(products))
	for i, p := range products {
		fmt.Fprintf(&b, "%d. %s (SKU %s) - $%.2f", i+1, p.Name, p.SKU, p.Price())
		if p.IsOnSale {
			b.WriteString(" on sale")
		}
		if p.CategoryName != "" {
			fmt.Fprintf(&b, ", %s", p.CategoryName)
		}
		if p.CustomerRating != nil {
			fmt.Fprintf(&b, ", rated %.1f", *p.CustomerRating)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

type skuArgs struct {
	SKU string `json:"sku" validate:"required"`
}

func (h *handlers) sendProductEmail(ctx context.Context, inv tools.Invocation, args skuArgs) (tools.Output, error) {
	if h.deps.Outbox == nil || h.deps.Catalog == nil || h.deps.Accounts == nil {
		return tools.Output{}, xerrors.New(xerrors.CodeInitializationFailure, "邮件工具未配置")
	}
	product, err := h.deps.Catalog.ProductBySKU(ctx, args.SKU)
	if err != nil {
		return tools.Output{}, err
	}
	acc, err := h.deps.Accounts.Account(ctx, inv.UserID)
	if err != nil {
		return tools.Output{}, err
	}
	subject, html, err := renderProductEmail(acc.FirstName, *product)
	if err != nil {
		return tools.Output{}, err
	}
	msg, err := h.deps.Outbox.Submit(ctx, outbox.Request{
		ID:             inv.Key(),
		ConversationID: inv.ConversationID,
		To:             acc.Email,
		Subject:        subject,
		HTML:           html,
	})
	if err != nil {
		return tools.Output{}, err
	}
	return tools.Output{
		Display: fmt.Sprintf("The details for %s were emailed to %s.", product.Name, acc.Email),
		Payload: conversation.ActionPayload{
			Action:    conversation.ActionEmail,
			SKU:       product.SKU,
			Status:    string(msg.Status),
			MessageID: msg.ID,
		},
	}, nil
}

type noArgs struct{}

func (h *handlers) getUserInfo(ctx context.Context, inv tools.Invocation, _ noArgs) (tools.Output, error) {
	if h.deps.Accounts == nil {
		return tools.Output{}, xerrors.New(xerrors.CodeInitializationFailure, "账户存储未配置")
	}
	acc, err := h.deps.Accounts.Account(ctx, inv.UserID)
	if err != nil {
		return tools.Output{}, err
	}
	display := fmt.Sprintf("Name: %s\nEmail: %s", acc.FullName(), acc.Email)
	if acc.Phone != "" {
		display += "\nPhone: " + acc.Phone
	}
	return tools.Output{Display: display, Payload: conversation.AccountPayload{Account: *acc}}, nil
}

type historyArgs struct {
	Limit int `json:"limit" validate:"min=1,max=20"`
}

func (h *handlers) getPurchaseHistory(ctx context.Context, inv tools.Invocation, args historyArgs) (tools.Output, error) {
	if h.deps.Orders == nil {
		return tools.Output{}, xerrors.New(xerrors.CodeInitializationFailure, "订单存储未配置")
	}
	orders, err := h.deps.Orders.RecentOrders(ctx, inv.UserID, args.Limit)
	if err != nil {
		return tools.Output{}, err
	}
	if orders == nil {
		orders = []account.Order{}
	}
	return tools.Output{Display: describeOrders(orders), Payload: conversation.OrdersPayload{Orders: orders}}, nil
}

func describeOrders(orders []account.Order) string {
	if len(orders) == 0 {
		return "The customer has no previous orders."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d recent orders:\n", len(orders))
	for _, o := range orders {
		names := make([]string, 0, len(o.LineItems))
		for _, item := range o.LineItems {
			names = append(names, fmt.Sprintf("%d x %s (SKU %s)", item.Quantity, item.Name, item.SKU))
		}
		fmt.Fprintf(&b, "- %s on %s, %s, $%.2f: %s\n",
			o.OrderNumber, o.OrderDate.Format("2006-01-02"), o.Status, o.TotalPrice, strings.Join(names, "; "))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *handlers) searchWeb(ctx context.Context, _ tools.Invocation, args searchArgs) (tools.Output, error) {
	results, err := h.deps.Web.Search(ctx, args.Query)
	if err != nil {
		return tools.Output{}, err
	}
	if results == nil {
		results = []conversation.WebResult{}
	}
	var b strings.Builder
	if len(results) == 0 {
		b.WriteString("The web search returned no results.")
	}
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s (%s)\n%s\n", i+1, r.Title, r.URL, r.Content)
	}
	return tools.Output{
		Display: strings.TrimRight(b.String(), "\n"),
		Payload: conversation.WebPayload{Query: args.Query, Results: results},
	}, nil
}

// SourceOf 返回工具结果对应的数据来源。
func SourceOf(tool string) (conversation.Source, bool) {
	switch tool {
	case ToolSearchProducts:
		return conversation.SourceCatalog, true
	case ToolGetUserInfo:
		return conversation.SourceAccount, true
	case ToolGetPurchaseHistory:
		return conversation.SourceOrders, true
	case ToolSendProductEmail, ToolPurchaseProduct:
		return conversation.SourceAction, true
	case ToolSearchWeb:
		return conversation.SourceWeb, true
	}
	return "", false
}
