package retrieval

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ShopAssist/internal/catalog"
)

var vocab = catalog.NewStaticVocabulary([]string{"Laptops", "Headphones", "TV & Home Theater"})

func raw(field, op string, value any) RawConstraint {
	data, _ := json.Marshal(value)
	return RawConstraint{Field: field, Op: op, Value: data}
}

func TestSanitizeLaptopsUnderBudgetOnSale(t *testing.T) {
	filter, dropped := Sanitize([]RawConstraint{
		raw("categoryName", "eq", "laptops"),
		raw("price", "<=", 1500),
		raw("isOnSale", "eq", true),
	}, vocab)

	require.Empty(t, dropped)
	require.Len(t, filter.Constraints, 3)
	assert.Equal(t, Constraint{Field: FieldCategory, Op: OpEq, Values: []string{"Laptops"}}, filter.Constraints[0])
	assert.Equal(t, FieldPrice, filter.Constraints[1].Field)
	assert.Equal(t, OpLte, filter.Constraints[1].Op)
	assert.InDelta(t, 1500, *filter.Constraints[1].Number, 0)
	assert.True(t, *filter.Constraints[2].Flag)
	assert.Equal(t, "category eq Laptops AND price lte 1500 AND on_sale eq true", filter.String())
}

func TestSanitizeDropsUnknownCategory(t *testing.T) {
	filter, dropped := Sanitize([]RawConstraint{raw("category", "eq", "Drones")}, vocab)

	assert.True(t, filter.Empty())
	require.Len(t, dropped, 1)
	assert.Contains(t, dropped[0].Reason, "Drones")
	assert.Contains(t, dropped[0].AsError().Error(), "INVALID_FILTER_FIELD")
}

func TestSanitizeOnlyWhitelistedFieldsAndTypedOperators(t *testing.T) {
	inputs := []RawConstraint{
		raw("brand", "eq", "Sony"),
		raw("price", "eq", 100),
		raw("price", "in", []int{1, 2}),
		raw("rating", "gte", "four"),
		raw("rating", "gte", 7),
		raw("price", "lte", -10),
		raw("on_sale", "gte", true),
		raw("category", "lte", "Laptops"),
		raw("on_sale", "eq", "maybe"),
		raw("category", "in", 42),
		raw("rating", "gte", "4.5"),
		raw("price", "gte", "$200"),
		raw("category", "in", []string{"headphones", "Drones", "laptops"}),
	}
	filter, dropped := Sanitize(inputs, vocab)

	assert.Len(t, dropped, 10)
	for _, c := range filter.Constraints {
		spec, ok := Whitelist[c.Field]
		require.True(t, ok, "field %s must be whitelisted", c.Field)
		assert.True(t, spec.Allows(c.Op), "op %s must be allowed for %s", c.Op, c.Field)
		switch spec.Kind {
		case KindNumeric:
			require.NotNil(t, c.Number)
			assert.GreaterOrEqual(t, *c.Number, spec.Min)
			assert.LessOrEqual(t, *c.Number, spec.Max)
		case KindBoolean:
			assert.NotNil(t, c.Flag)
		case KindCategorical:
			for _, v := range c.Values {
				_, ok := vocab.Canonical(v)
				assert.True(t, ok)
			}
		}
	}
	require.Len(t, filter.Constraints, 3)
	assert.Equal(t, []string{"Headphones", "Laptops"}, filter.Constraints[2].Values)
	assert.Equal(t, OpIn, filter.Constraints[2].Op)
}

func TestSanitizeMergesCategoriesPerField(t *testing.T) {
	filter, dropped := Sanitize([]RawConstraint{
		raw("category", "eq", "laptops"),
		raw("price", "lte", 2000),
		raw("categoryName", "in", []string{"Headphones", "Laptops"}),
		raw("category", "eq", "LAPTOPS"),
	}, vocab)

	require.Empty(t, dropped)
	require.Len(t, filter.Constraints, 2)
	assert.Equal(t, Constraint{Field: FieldCategory, Op: OpIn, Values: []string{"Laptops", "Headphones"}}, filter.Constraints[0])
	assert.Equal(t, FieldPrice, filter.Constraints[1].Field)
	assert.True(t, filter.Match(map[string]any{MetaCategoryName: "Headphones", MetaSalePrice: 300.0}))
	assert.False(t, filter.Match(map[string]any{MetaCategoryName: "TV & Home Theater", MetaSalePrice: 300.0}))

	filter, dropped = Sanitize([]RawConstraint{raw("category", "eq", "Laptops"), raw("category", "eq", "laptops")}, vocab)
	require.Empty(t, dropped)
	assert.Equal(t, []Constraint{{Field: FieldCategory, Op: OpEq, Values: []string{"Laptops"}}}, filter.Constraints)
}

func TestSanitizeDropsContradictoryLowerBound(t *testing.T) {
	filter, dropped := Sanitize([]RawConstraint{
		raw("price", "gte", 2000),
		raw("price", "lte", 1500),
	}, vocab)

	require.Len(t, filter.Constraints, 1)
	assert.Equal(t, OpLte, filter.Constraints[0].Op)
	require.Len(t, dropped, 1)
	assert.Contains(t, dropped[0].Reason, "exceeds upper bound")
}

func TestSanitizeWithoutVocabularyDropsCategory(t *testing.T) {
	filter, dropped := Sanitize([]RawConstraint{raw("category", "eq", "Laptops"), raw("price", "lte", 10)}, nil)
	require.Len(t, dropped, 1)
	require.Len(t, filter.Constraints, 1)
	assert.Equal(t, FieldPrice, filter.Constraints[0].Field)
}

func TestFilterMatch(t *testing.T) {
	limit := 1500.0
	onSale := true
	filter := Filter{Constraints: []Constraint{
		{Field: FieldCategory, Op: OpIn, Values: []string{"Laptops", "Headphones"}},
		{Field: FieldPrice, Op: OpLte, Number: &limit},
		{Field: FieldOnSale, Op: OpEq, Flag: &onSale},
	}}

	assert.True(t, filter.Match(map[string]any{MetaCategoryName: "Laptops", MetaSalePrice: 999.0, MetaIsOnSale: true}))
	assert.False(t, filter.Match(map[string]any{MetaCategoryName: "Laptops", MetaSalePrice: 1999.0, MetaIsOnSale: true}))
	assert.False(t, filter.Match(map[string]any{MetaCategoryName: "Cameras", MetaSalePrice: 999.0, MetaIsOnSale: true}))
	assert.False(t, filter.Match(map[string]any{MetaCategoryName: "Laptops", MetaSalePrice: 999.0}))
}
