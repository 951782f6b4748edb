// Package retrieval defines the RetrievalFilter produced by the query
// decomposer, the whitelist that constrains it, and the similarity search
// collaborator contract. Backends translate the filter natively.
package retrieval

import (
	"context"
	"strconv"

	"ShopAssist/internal/catalog"
)

// 向量库中商品元数据的键名。
const (
	MetaSKU              = "sku"
	MetaName             = "name"
	MetaShortDescription = "shortDescription"
	MetaCustomerRating   = "customerRating"
	MetaProductURL       = "productUrl"
	MetaRegularPrice     = "regularPrice"
	MetaSalePrice        = "salePrice"
	MetaCategoryName     = "categoryName"
	MetaIsOnSale         = "isOnSale"
	MetaHighResImage     = "highResImage"
)

// Hit 是一条检索结果。
type Hit struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata"`
}

// Retriever 执行带过滤的相似度检索，结果按相关度降序排列。
type Retriever interface {
	SimilaritySearch(ctx context.Context, query string, filter Filter, topK int) ([]Hit, error)
}

// ProductFromHit 将检索结果的元数据映射为商品。
func ProductFromHit(hit Hit) catalog.Product {
	meta := hit.Metadata
	p := catalog.Product{
		SKU:              stringOf(meta[MetaSKU]),
		Name:             stringOf(meta[MetaName]),
		ShortDescription: stringOf(meta[MetaShortDescription]),
		ProductURL:       stringOf(meta[MetaProductURL]),
		CategoryName:     stringOf(meta[MetaCategoryName]),
		HighResImage:     stringOf(meta[MetaHighResImage]),
	}
	if p.SKU == "" {
		p.SKU = hit.ID
	}
	if v, ok := toFloat(meta[MetaRegularPrice]); ok {
		p.RegularPrice = v
	}
	if v, ok := toFloat(meta[MetaSalePrice]); ok {
		p.SalePrice = v
	}
	if v, ok := toFloat(meta[MetaCustomerRating]); ok {
		p.CustomerRating = &v
	}
	if v, ok := meta[MetaIsOnSale].(bool); ok {
		p.IsOnSale = v
	}
	score := hit.Score
	p.RelevanceScore = &score
	return p
}

// MetadataOf 是 ProductFromHit 的逆映射，供内存索引和测试使用。
func MetadataOf(p catalog.Product) map[string]any {
	meta := map[string]any{
		MetaSKU:              p.SKU,
		MetaName:             p.Name,
		MetaShortDescription: p.ShortDescription,
		MetaProductURL:       p.ProductURL,
		MetaRegularPrice:     p.RegularPrice,
		MetaSalePrice:        p.SalePrice,
		MetaCategoryName:     p.CategoryName,
		MetaIsOnSale:         p.IsOnSale,
	}
	if p.SalePrice == 0 {
		meta[MetaSalePrice] = p.RegularPrice
	}
	if p.CustomerRating != nil {
		meta[MetaCustomerRating] = *p.CustomerRating
	}
	if p.HighResImage != "" {
		meta[MetaHighResImage] = p.HighResImage
	}
	return meta
}

func stringOf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		return ""
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
