// Package account holds customer accounts and their order history, plus an
// in-memory store used in development and tests. The MySQL implementation
// lives in internal/storage/mysql.
package account

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	xerrors "ShopAssist/internal/errors"
)

// Account 描述一个顾客。
type Account struct {
	UserID    string `json:"user_id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone,omitempty"`
}

// FullName 返回姓名，缺少姓氏时只返回名字。
func (a Account) FullName() string {
	return strings.TrimSpace(a.FirstName + " " + a.LastName)
}

// LineItem 是订单中的一行商品。
type LineItem struct {
	Name     string  `json:"name"`
	SKU      string  `json:"sku"`
	Quantity int     `json:"quantity"`
	Total    float64 `json:"total"`
	ImageURL string  `json:"image_url,omitempty"`
}

// Order 描述一笔订单。
type Order struct {
	UserID      string     `json:"user_id"`
	OrderNumber string     `json:"order_number"`
	OrderDate   time.Time  `json:"order_date"`
	TotalPrice  float64    `json:"total_price"`
	Status      string     `json:"status"`
	LineItems   []LineItem `json:"line_items"`
}

// 订单状态。
const (
	StatusPlaced    = "placed"
	StatusShipped   = "shipped"
	StatusDelivered = "delivered"
)

// AccountStore 按用户 ID 查询账户。
type AccountStore interface {
	Account(ctx context.Context, userID string) (*Account, error)
}

// OrderStore 读取历史订单并创建新订单。
type OrderStore interface {
	// RecentOrders 按下单时间倒序返回最多 limit 笔订单。
	RecentOrders(ctx context.Context, userID string, limit int) ([]Order, error)
	// PlaceOrder 以订单号为幂等键创建订单；订单号已存在时返回已有订单且 created 为 false。
	PlaceOrder(ctx context.Context, order Order) (stored *Order, created bool, err error)
}

// OrderNumber 根据 SKU 与用户 ID 生成订单号：ORD-{sku}-{用户 ID 末四位}。
func OrderNumber(sku, userID string) string {
	suffix := userID
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	return fmt.Sprintf("ORD-%s-%s", strings.TrimSpace(sku), suffix)
}

const (
	CodeAccountNotFound xerrors.Code = "ACCOUNT_NOT_FOUND"
	CodeInvalidOrder    xerrors.Code = "INVALID_ORDER"
)

var (
	// ErrAccountNotFound 表示用户不存在。
	ErrAccountNotFound = xerrors.New(CodeAccountNotFound, "account not found")
)

func init() {
	xerrors.Register(CodeAccountNotFound, xerrors.Attributes{
		Message:    "account not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeInvalidOrder, xerrors.Attributes{
		Message:    "invalid order",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
}

// Validate 检查订单的必要字段。
func (o Order) Validate() error {
	switch {
	case strings.TrimSpace(o.UserID) == "":
		return xerrors.New(CodeInvalidOrder, "订单缺少用户 ID")
	case strings.TrimSpace(o.OrderNumber) == "":
		return xerrors.New(CodeInvalidOrder, "订单缺少订单号")
	case len(o.LineItems) == 0:
		return xerrors.New(CodeInvalidOrder, "订单没有商品")
	}
	for _, item := range o.LineItems {
		if item.Quantity <= 0 {
			return xerrors.New(CodeInvalidOrder, fmt.Sprintf("商品 %s 数量必须大于 0", item.SKU))
		}
	}
	return nil
}

func cloneOrder(o Order) Order {
	o.LineItems = append([]LineItem(nil), o.LineItems...)
	return o
}
