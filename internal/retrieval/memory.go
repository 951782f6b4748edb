package retrieval

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"

	"ShopAssist/internal/catalog"
)

// MemoryIndex 是基于词项重叠打分的内存检索实现，用于开发环境和测试。
type MemoryIndex struct {
	mu       sync.RWMutex
	products []catalog.Product
}

var (
	_ Retriever      = (*MemoryIndex)(nil)
	_ catalog.Lookup = (*MemoryIndex)(nil)
)

// NewMemoryIndex 创建内存索引。
func NewMemoryIndex(products ...catalog.Product) *MemoryIndex {
	return &MemoryIndex{products: append([]catalog.Product(nil), products...)}
}

// LoadMemoryIndex 从商品文件构建索引。
func LoadMemoryIndex(path string) (*MemoryIndex, error) {
	products, err := catalog.LoadProducts(path)
	if err != nil {
		return nil, err
	}
	return NewMemoryIndex(products...), nil
}

// SimilaritySearch 实现 Retriever。得分为查询词在商品文本中的命中比例。
func (m *MemoryIndex) SimilaritySearch(ctx context.Context, query string, filter Filter, topK int) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := tokenize(query)
	m.mu.RLock()
	defer m.mu.RUnlock()

	hits := make([]Hit, 0, len(m.products))
	for _, p := range m.products {
		meta := MetadataOf(p)
		if !filter.Match(meta) {
			continue
		}
		hits = append(hits, Hit{ID: p.SKU, Score: score(terms, p), Metadata: meta})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// ProductBySKU 实现 catalog.Lookup。
func (m *MemoryIndex) ProductBySKU(_ context.Context, sku string) (*catalog.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.products {
		if p.SKU == sku {
			clone := p
			return &clone, nil
		}
	}
	return nil, catalog.ErrProductNotFound
}

func score(terms []string, p catalog.Product) float64 {
	if len(terms) == 0 {
		return 1
	}
	text := strings.Join(tokenize(p.Name+" "+p.ShortDescription+" "+p.CategoryName), " ")
	matched := 0
	for _, term := range terms {
		if strings.Contains(text, term) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
