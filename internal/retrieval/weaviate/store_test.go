package weaviate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate/entities/models"

	"ShopAssist/internal/catalog"
	"ShopAssist/internal/retrieval"
)

func TestBuildWhereEmptyFilter(t *testing.T) {
	assert.Nil(t, BuildWhere(retrieval.Filter{}))
}

func TestBuildWhereTranslatesConstraints(t *testing.T) {
	limit := 1500.0
	onSale := true
	where := BuildWhere(retrieval.Filter{Constraints: []retrieval.Constraint{
		{Field: retrieval.FieldCategory, Op: retrieval.OpIn, Values: []string{"Laptops", "Tablets"}},
		{Field: retrieval.FieldPrice, Op: retrieval.OpLte, Number: &limit},
		{Field: retrieval.FieldOnSale, Op: retrieval.OpEq, Flag: &onSale},
	}})
	require.NotNil(t, where)

	built := where.Build()
	assert.Equal(t, string(filters.And), built.Operator)
	require.Len(t, built.Operands, 3)

	category := built.Operands[0]
	assert.Equal(t, string(filters.Or), category.Operator)
	require.Len(t, category.Operands, 2)
	assert.Equal(t, []string{retrieval.MetaCategoryName}, category.Operands[0].Path)
	assert.Equal(t, "Laptops", *category.Operands[0].ValueText)

	price := built.Operands[1]
	assert.Equal(t, string(filters.LessThanEqual), price.Operator)
	assert.Equal(t, []string{retrieval.MetaSalePrice}, price.Path)
	assert.InDelta(t, 1500, *price.ValueNumber, 0)

	sale := built.Operands[2]
	assert.Equal(t, []string{retrieval.MetaIsOnSale}, sale.Path)
	assert.True(t, *sale.ValueBoolean)
}

func TestBuildWhereSingleConstraint(t *testing.T) {
	floor := 4.0
	built := BuildWhere(retrieval.Filter{Constraints: []retrieval.Constraint{
		{Field: retrieval.FieldRating, Op: retrieval.OpGte, Number: &floor},
	}}).Build()
	assert.Equal(t, string(filters.GreaterThanEqual), built.Operator)
	assert.Equal(t, []string{retrieval.MetaCustomerRating}, built.Path)
}

func TestParseHits(t *testing.T) {
	result := &models.GraphQLResponse{Data: map[string]models.JSONObject{
		"Get": map[string]interface{}{
			"Product": []interface{}{
				map[string]interface{}{
					"sku":          "6509928",
					"name":         "MacBook Air",
					"salePrice":    999.0,
					"categoryName": "Laptops",
					"isOnSale":     true,
					"_additional":  map[string]interface{}{"id": "uuid-1", "certainty": 0.91},
				},
				map[string]interface{}{
					"sku":         "6509929",
					"name":        "Surface Laptop",
					"_additional": map[string]interface{}{"id": "uuid-2", "distance": 0.3},
				},
				"malformed",
			},
		},
	}}

	hits := parseHits(result, "Product")
	require.Len(t, hits, 2)
	assert.Equal(t, "uuid-1", hits[0].ID)
	assert.InDelta(t, 0.91, hits[0].Score, 1e-9)
	assert.InDelta(t, 0.7, hits[1].Score, 1e-9)

	product := retrieval.ProductFromHit(hits[0])
	assert.Equal(t, "6509928", product.SKU)
	assert.True(t, product.IsOnSale)
	assert.InDelta(t, 999, product.SalePrice, 0)
}

func TestProductClassDeclaresFilterableFields(t *testing.T) {
	class := ProductClass("Product", "none")
	names := make(map[string]string)
	for _, p := range class.Properties {
		names[p.Name] = p.DataType[0]
	}
	for _, spec := range retrieval.Whitelist {
		assert.Contains(t, names, spec.MetadataKey)
	}
	assert.Equal(t, "number", names[retrieval.MetaSalePrice])
	assert.Equal(t, "boolean", names[retrieval.MetaIsOnSale])
}

func TestProductObject(t *testing.T) {
	rating := 4.5
	obj := ProductObject("Product", catalog.Product{
		SKU:            "6505727",
		Name:           "Sony WH-1000XM5",
		CustomerRating: &rating,
		SalePrice:      329.99,
		CategoryName:   "Headphones",
		IsOnSale:       true,
	})
	props, ok := obj.Properties.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Product", obj.Class)
	assert.Equal(t, "6505727", props[retrieval.MetaSKU])
	assert.Equal(t, 4.5, props[retrieval.MetaCustomerRating])
	assert.NotContains(t, props, retrieval.MetaHighResImage)

	again := ProductObject("Product", catalog.Product{SKU: "6505727"})
	other := ProductObject("Product", catalog.Product{SKU: "6487435"})
	assert.Equal(t, obj.ID, again.ID)
	assert.NotEqual(t, obj.ID, other.ID)
	assert.NotContains(t, again.Properties.(map[string]interface{}), retrieval.MetaCustomerRating)
}
