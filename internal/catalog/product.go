package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	xerrors "ShopAssist/internal/errors"
)

// Product 是目录中的一件商品。
type Product struct {
	SKU              string   `json:"sku"`
	Name             string   `json:"name"`
	ShortDescription string   `json:"short_description"`
	CustomerRating   *float64 `json:"customer_rating,omitempty"`
	ProductURL       string   `json:"product_url"`
	RegularPrice     float64  `json:"regular_price"`
	SalePrice        float64  `json:"sale_price"`
	CategoryName     string   `json:"category_name"`
	IsOnSale         bool     `json:"is_on_sale"`
	HighResImage     string   `json:"high_res_image,omitempty"`
	RelevanceScore   *float64 `json:"relevance_score,omitempty"`
}

// Price 返回当前成交价格。
func (p Product) Price() float64 {
	if p.IsOnSale && p.SalePrice > 0 {
		return p.SalePrice
	}
	return p.RegularPrice
}

// Lookup 按 SKU 查询单个商品。
type Lookup interface {
	ProductBySKU(ctx context.Context, sku string) (*Product, error)
}

// CodeProductNotFound 表示目录中不存在指定 SKU。
const CodeProductNotFound xerrors.Code = "PRODUCT_NOT_FOUND"

// ErrProductNotFound 在 SKU 不存在时返回。
var ErrProductNotFound = xerrors.New(CodeProductNotFound, "product not found")

func init() {
	xerrors.Register(CodeProductNotFound, xerrors.Attributes{
		Message:    "product not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
}

// LoadProducts 读取 JSON 数组格式的商品文件，SKU 不能为空且不能重复。
func LoadProducts(path string) ([]Product, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取商品文件失败: %w", err)
	}
	var products []Product
	if err := json.Unmarshal(data, &products); err != nil {
		return nil, fmt.Errorf("解析商品文件失败: %w", err)
	}
	seen := make(map[string]struct{}, len(products))
	for i, p := range products {
		if p.SKU == "" {
			return nil, fmt.Errorf("商品文件第 %d 项缺少 sku", i+1)
		}
		if _, dup := seen[p.SKU]; dup {
			return nil, fmt.Errorf("商品文件中 sku %s 重复", p.SKU)
		}
		seen[p.SKU] = struct{}{}
	}
	return products, nil
}
