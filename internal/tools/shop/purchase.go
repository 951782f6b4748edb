package shop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"ShopAssist/internal/account"
	"ShopAssist/internal/conversation"
	xerrors "ShopAssist/internal/errors"
	"ShopAssist/internal/mail"
	"ShopAssist/internal/tools"
	"ShopAssist/pkg/logger"
)

type purchaseArgs struct {
	SKU      string `json:"sku" validate:"required"`
	Quantity int    `json:"quantity" validate:"min=1"`
}

// describePurchase 生成确认单上展示给用户的目标描述。
func (h *handlers) describePurchase(ctx context.Context, _ tools.Invocation, raw json.RawMessage) string {
	args, err := tools.Decode[purchaseArgs](raw)
	if err != nil {
		return "an unknown product"
	}
	if h.deps.Catalog != nil {
		if p, err := h.deps.Catalog.ProductBySKU(ctx, args.SKU); err == nil {
			return fmt.Sprintf("%d x %s (SKU %s) for $%.2f", args.Quantity, p.Name, p.SKU, p.Price()*float64(args.Quantity))
		}
	}
	return fmt.Sprintf("%d x SKU %s", args.Quantity, args.SKU)
}

func (h *handlers) purchaseProduct(ctx context.Context, inv tools.Invocation, args purchaseArgs) (tools.Output, error) {
	if h.deps.Orders == nil || h.deps.Catalog == nil {
		return tools.Output{}, xerrors.New(xerrors.CodeInitializationFailure, "下单工具未配置")
	}
	product, err := h.deps.Catalog.ProductBySKU(ctx, args.SKU)
	if err != nil {
		return tools.Output{}, err
	}
	total := product.Price() * float64(args.Quantity)
	order := account.Order{
		UserID:      inv.UserID,
		OrderNumber: account.OrderNumber(product.SKU, inv.UserID),
		OrderDate:   h.deps.Now().UTC(),
		TotalPrice:  total,
		Status:      account.StatusPlaced,
		LineItems: []account.LineItem{{
			Name:     product.Name,
			SKU:      product.SKU,
			Quantity: args.Quantity,
			Total:    total,
			ImageURL: product.HighResImage,
		}},
	}
	stored, created, err := h.deps.Orders.PlaceOrder(ctx, order)
	if err != nil {
		return tools.Output{}, err
	}
	status := "placed"
	display := fmt.Sprintf("Order %s placed: %d x %s for $%.2f.", stored.OrderNumber, args.Quantity, product.Name, stored.TotalPrice)
	if !created {
		status = "already_placed"
		display = fmt.Sprintf("Order %s for %s already exists; no new order was placed.", stored.OrderNumber, product.Name)
	}
	logger.Audit().Info("order_placed",
		slog.String("conversation_id", inv.ConversationID),
		slog.String("call_id", inv.CallID),
		slog.String("user_id", inv.UserID),
		slog.String("order_number", stored.OrderNumber),
		slog.Bool("created", created),
	)
	return tools.Output{
		Display: display,
		Payload: conversation.ActionPayload{
			Action:      conversation.ActionPurchase,
			SKU:         product.SKU,
			Status:      status,
			OrderNumber: stored.OrderNumber,
		},
	}, nil
}

var renderProductEmail = mail.RenderProduct
