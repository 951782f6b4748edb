// Package weaviate implements retrieval.Retriever and catalog.Lookup on a
// Weaviate product class, translating RetrievalFilter into a native where
// clause.
package weaviate

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/elliotchance/pie/v2"
	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"ShopAssist/internal/catalog"
	xerrors "ShopAssist/internal/errors"
	"ShopAssist/internal/retrieval"
	"ShopAssist/pkg/logger"
)

// DefaultClass 是商品在 Weaviate 中的类名。
const DefaultClass = "Product"

// Config 描述 Weaviate 连接。
type Config struct {
	URL        string `yaml:"url"`
	APIKey     string `yaml:"api_key"`
	Class      string `yaml:"class"`
	Vectorizer string `yaml:"vectorizer"`
}

// Store 是基于 Weaviate 的商品检索实现。
type Store struct {
	client *weaviate.Client
	class  string
	vector string
	logger *slog.Logger
}

var (
	_ retrieval.Retriever = (*Store)(nil)
	_ catalog.Lookup      = (*Store)(nil)
)

// New 根据配置创建客户端。
func New(cfg Config) (*Store, error) {
	parsed, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("Weaviate 地址无效: %q", cfg.URL))
	}
	clientCfg := weaviate.Config{Host: parsed.Host, Scheme: parsed.Scheme}
	if cfg.APIKey != "" {
		clientCfg.Headers = map[string]string{"Authorization": "Bearer " + cfg.APIKey}
	}
	client, err := weaviate.NewClient(clientCfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 Weaviate 客户端失败")
	}
	class := cfg.Class
	if class == "" {
		class = DefaultClass
	}
	vectorizer := cfg.Vectorizer
	if vectorizer == "" {
		vectorizer = "text2vec-openai"
	}
	return &Store{client: client, class: class, vector: vectorizer, logger: logger.Named("weaviate")}, nil
}

var productFields = []graphql.Field{
	{Name: retrieval.MetaSKU},
	{Name: retrieval.MetaName},
	{Name: retrieval.MetaShortDescription},
	{Name: retrieval.MetaCustomerRating},
	{Name: retrieval.MetaProductURL},
	{Name: retrieval.MetaRegularPrice},
	{Name: retrieval.MetaSalePrice},
	{Name: retrieval.MetaCategoryName},
	{Name: retrieval.MetaIsOnSale},
	{Name: retrieval.MetaHighResImage},
	{Name: "_additional { id certainty distance }"},
}

// SimilaritySearch 实现 retrieval.Retriever。
func (s *Store) SimilaritySearch(ctx context.Context, query string, filter retrieval.Filter, topK int) ([]retrieval.Hit, error) {
	get := s.client.GraphQL().Get().
		WithClassName(s.class).
		WithFields(productFields...).
		WithLimit(topK)
	if strings.TrimSpace(query) != "" {
		get = get.WithNearText(s.client.GraphQL().NearTextArgBuilder().WithConcepts([]string{query}))
	}
	if where := BuildWhere(filter); where != nil {
		get = get.WithWhere(where)
	}

	result, err := get.Do(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "Weaviate 检索失败")
	}
	if len(result.Errors) > 0 {
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, "Weaviate 检索失败: "+result.Errors[0].Message)
	}
	hits := parseHits(result, s.class)
	s.logger.Debug("检索完成", slog.String("query", query), slog.String("filter", filter.String()), slog.Int("hits", len(hits)))
	return hits, nil
}

// ProductBySKU 实现 catalog.Lookup。
func (s *Store) ProductBySKU(ctx context.Context, sku string) (*catalog.Product, error) {
	where := filters.Where().
		WithPath([]string{retrieval.MetaSKU}).
		WithOperator(filters.Equal).
		WithValueText(sku)
	result, err := s.client.GraphQL().Get().
		WithClassName(s.class).
		WithFields(productFields...).
		WithWhere(where).
		WithLimit(1).
		Do(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "Weaviate 查询商品失败")
	}
	if len(result.Errors) > 0 {
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, "Weaviate 查询商品失败: "+result.Errors[0].Message)
	}
	hits := parseHits(result, s.class)
	if len(hits) == 0 {
		return nil, catalog.ErrProductNotFound
	}
	product := retrieval.ProductFromHit(hits[0])
	product.RelevanceScore = nil
	return &product, nil
}

// Ready 检查 Weaviate 是否就绪。
func (s *Store) Ready(ctx context.Context) error {
	ready, err := s.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return err
	}
	if !ready {
		return fmt.Errorf("Weaviate 未就绪")
	}
	return nil
}

// EnsureSchema 在类不存在时创建商品类。
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.client.Schema().ClassGetter().WithClassName(s.class).Do(ctx); err == nil {
		s.logger.Info("商品类已存在", slog.String("class", s.class))
		return nil
	}
	if err := s.client.Schema().ClassCreator().WithClass(ProductClass(s.class, s.vector)).Do(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建商品类失败")
	}
	s.logger.Info("商品类已创建", slog.String("class", s.class))
	return nil
}

// Index 分批写入商品，返回成功条数。对象 ID 由 SKU 派生，重复导入会覆盖同一对象。
func (s *Store) Index(ctx context.Context, products []catalog.Product, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	indexed := 0
	for _, chunk := range pie.Chunk(products, batchSize) {
		objects := pie.Map(chunk, func(p catalog.Product) *models.Object { return ProductObject(s.class, p) })
		resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
		if err != nil {
			return indexed, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "Weaviate 批量写入失败")
		}
		var failures []string
		for _, item := range resp {
			if item.Result != nil && item.Result.Errors != nil && len(item.Result.Errors.Error) > 0 {
				for _, e := range item.Result.Errors.Error {
					failures = append(failures, e.Message)
				}
				continue
			}
			indexed++
		}
		if len(failures) > 0 {
			return indexed, xerrors.New(xerrors.CodeUpstreamFailure, "Weaviate 批量写入部分失败: "+strings.Join(failures, "; "))
		}
		s.logger.Info("商品已写入", slog.Int("batch", len(chunk)), slog.Int("indexed", indexed))
	}
	return indexed, nil
}

// ProductObject 把商品转换为 Weaviate 对象，省略空的可选字段。
func ProductObject(class string, p catalog.Product) *models.Object {
	props := map[string]interface{}{
		retrieval.MetaSKU:              p.SKU,
		retrieval.MetaName:             p.Name,
		retrieval.MetaShortDescription: p.ShortDescription,
		retrieval.MetaProductURL:       p.ProductURL,
		retrieval.MetaRegularPrice:     p.RegularPrice,
		retrieval.MetaSalePrice:        p.SalePrice,
		retrieval.MetaCategoryName:     p.CategoryName,
		retrieval.MetaIsOnSale:         p.IsOnSale,
	}
	if p.CustomerRating != nil {
		props[retrieval.MetaCustomerRating] = *p.CustomerRating
	}
	if p.HighResImage != "" {
		props[retrieval.MetaHighResImage] = p.HighResImage
	}
	return &models.Object{
		Class:      class,
		ID:         strfmt.UUID(productID(p.SKU).String()),
		Properties: props,
	}
}

func productID(sku string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("shopassist:product:"+sku))
}

// ProductClass 返回商品类定义。
func ProductClass(name, vectorizer string) *models.Class {
	filterable := true
	text := func(prop, description string, tokenization string) *models.Property {
		return &models.Property{
			Name:            prop,
			DataType:        []string{"text"},
			Description:     description,
			IndexFilterable: &filterable,
			Tokenization:    tokenization,
		}
	}
	scalar := func(prop, dataType, description string) *models.Property {
		return &models.Property{
			Name:            prop,
			DataType:        []string{dataType},
			Description:     description,
			IndexFilterable: &filterable,
		}
	}
	return &models.Class{
		Class:       name,
		Description: "A catalog product indexed for semantic search.",
		Vectorizer:  vectorizer,
		Properties: []*models.Property{
			text(retrieval.MetaSKU, "Stock keeping unit.", "field"),
			text(retrieval.MetaName, "Product name.", "word"),
			text(retrieval.MetaShortDescription, "Short marketing description.", "word"),
			scalar(retrieval.MetaCustomerRating, "number", "Average customer rating from 0 to 5."),
			text(retrieval.MetaProductURL, "Product page URL.", "field"),
			scalar(retrieval.MetaRegularPrice, "number", "List price."),
			scalar(retrieval.MetaSalePrice, "number", "Current price."),
			text(retrieval.MetaCategoryName, "Catalog category.", "field"),
			scalar(retrieval.MetaIsOnSale, "boolean", "Whether the product is discounted."),
			text(retrieval.MetaHighResImage, "Image URL.", "field"),
		},
	}
}

// BuildWhere 把 RetrievalFilter 翻译为 Weaviate where 子句，空过滤返回 nil。
func BuildWhere(filter retrieval.Filter) *filters.WhereBuilder {
	operands := make([]*filters.WhereBuilder, 0, len(filter.Constraints))
	for _, c := range filter.Constraints {
		spec, ok := retrieval.Whitelist[c.Field]
		if !ok {
			continue
		}
		path := []string{spec.MetadataKey}
		switch {
		case c.Number != nil:
			op := filters.LessThanEqual
			if c.Op == retrieval.OpGte {
				op = filters.GreaterThanEqual
			}
			operands = append(operands, filters.Where().WithPath(path).WithOperator(op).WithValueNumber(*c.Number))
		case c.Flag != nil:
			operands = append(operands, filters.Where().WithPath(path).WithOperator(filters.Equal).WithValueBoolean(*c.Flag))
		case len(c.Values) == 1:
			operands = append(operands, filters.Where().WithPath(path).WithOperator(filters.Equal).WithValueText(c.Values[0]))
		case len(c.Values) > 1:
			alternatives := make([]*filters.WhereBuilder, 0, len(c.Values))
			for _, v := range c.Values {
				alternatives = append(alternatives, filters.Where().WithPath(path).WithOperator(filters.Equal).WithValueText(v))
			}
			operands = append(operands, filters.Where().WithOperator(filters.Or).WithOperands(alternatives))
		}
	}
	switch len(operands) {
	case 0:
		return nil
	case 1:
		return operands[0]
	default:
		return filters.Where().WithOperator(filters.And).WithOperands(operands)
	}
}

func parseHits(result *models.GraphQLResponse, class string) []retrieval.Hit {
	if result == nil {
		return nil
	}
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	objects, ok := data[class].([]interface{})
	if !ok {
		return nil
	}
	hits := make([]retrieval.Hit, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		hit := retrieval.Hit{Metadata: make(map[string]any, len(m))}
		for key, value := range m {
			if key == "_additional" || value == nil {
				continue
			}
			hit.Metadata[key] = value
		}
		if additional, ok := m["_additional"].(map[string]interface{}); ok {
			hit.ID, _ = additional["id"].(string)
			if certainty, ok := additional["certainty"].(float64); ok {
				hit.Score = certainty
			} else if distance, ok := additional["distance"].(float64); ok {
				hit.Score = 1 - distance
			}
		}
		hits = append(hits, hit)
	}
	return hits
}
