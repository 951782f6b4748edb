package retrieval

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"ShopAssist/internal/catalog"
	xerrors "ShopAssist/internal/errors"
)

// Field 是可过滤的元数据字段。
type Field string

const (
	FieldCategory Field = "category"
	FieldPrice    Field = "price"
	FieldRating   Field = "rating"
	FieldOnSale   Field = "on_sale"
)

// Operator 是过滤运算符。
type Operator string

const (
	OpEq  Operator = "eq"
	OpIn  Operator = "in"
	OpLte Operator = "lte"
	OpGte Operator = "gte"
)

// Kind 描述字段的值类型，决定允许的运算符。
type Kind int

const (
	KindCategorical Kind = iota
	KindNumeric
	KindBoolean
)

// FieldSpec 描述白名单中的一个字段。
type FieldSpec struct {
	Field       Field
	Kind        Kind
	Operators   []Operator
	MetadataKey string
	Min         float64
	Max         float64
}

// Allows 判断运算符是否适用于该字段。
func (s FieldSpec) Allows(op Operator) bool {
	for _, allowed := range s.Operators {
		if allowed == op {
			return true
		}
	}
	return false
}

// Whitelist 是唯一允许进入 RetrievalFilter 的字段集合。
var Whitelist = map[Field]FieldSpec{
	FieldCategory: {Field: FieldCategory, Kind: KindCategorical, Operators: []Operator{OpEq, OpIn}, MetadataKey: MetaCategoryName},
	FieldPrice:    {Field: FieldPrice, Kind: KindNumeric, Operators: []Operator{OpLte, OpGte}, MetadataKey: MetaSalePrice, Min: 0, Max: 1_000_000},
	FieldRating:   {Field: FieldRating, Kind: KindNumeric, Operators: []Operator{OpLte, OpGte}, MetadataKey: MetaCustomerRating, Min: 0, Max: 5},
	FieldOnSale:   {Field: FieldOnSale, Kind: KindBoolean, Operators: []Operator{OpEq}, MetadataKey: MetaIsOnSale},
}

// Constraint 是经过校验的单个过滤条件。每种值类型只会填充一个字段。
type Constraint struct {
	Field  Field    `json:"field"`
	Op     Operator `json:"op"`
	Values []string `json:"values,omitempty"`
	Number *float64 `json:"number,omitempty"`
	Flag   *bool    `json:"flag,omitempty"`
}

// Filter 是条件的扁平合取。
type Filter struct {
	Constraints []Constraint `json:"constraints,omitempty"`
}

// Empty 表示纯语义检索。
func (f Filter) Empty() bool { return len(f.Constraints) == 0 }

// String 便于日志输出。
func (f Filter) String() string {
	parts := make([]string, 0, len(f.Constraints))
	for _, c := range f.Constraints {
		var value string
		switch {
		case c.Number != nil:
			value = strconv.FormatFloat(*c.Number, 'f', -1, 64)
		case c.Flag != nil:
			value = strconv.FormatBool(*c.Flag)
		default:
			value = strings.Join(c.Values, "|")
		}
		parts = append(parts, fmt.Sprintf("%s %s %s", c.Field, c.Op, value))
	}
	return strings.Join(parts, " AND ")
}

// RawConstraint 是模型给出的未校验条件。
type RawConstraint struct {
	Field string          `json:"field"`
	Op    string          `json:"op"`
	Value json.RawMessage `json:"value"`
}

// Dropped 记录被丢弃的条件及原因。
type Dropped struct {
	Raw    RawConstraint
	Reason string
}

// CodeInvalidFilterField 表示分解结果引用了非法字段或取值，只用于记录，不会返回给用户。
const CodeInvalidFilterField xerrors.Code = "INVALID_FILTER_FIELD"

func init() {
	xerrors.Register(CodeInvalidFilterField, xerrors.Attributes{
		Message:    "invalid filter field",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
}

// AsError 把丢弃记录转换为统一错误，便于日志记录。
func (d Dropped) AsError() error {
	return xerrors.New(CodeInvalidFilterField, d.Reason,
		xerrors.WithMetadata("field", d.Raw.Field),
		xerrors.WithMetadata("op", d.Raw.Op))
}

var fieldAliases = map[string]Field{
	"category":        FieldCategory,
	"categoryname":    FieldCategory,
	"category_name":   FieldCategory,
	"price":           FieldPrice,
	"saleprice":       FieldPrice,
	"sale_price":      FieldPrice,
	"rating":          FieldRating,
	"customerrating":  FieldRating,
	"customer_rating": FieldRating,
	"on_sale":         FieldOnSale,
	"onsale":          FieldOnSale,
	"isonsale":        FieldOnSale,
	"is_on_sale":      FieldOnSale,
}

var opAliases = map[string]Operator{
	"eq": OpEq, "=": OpEq, "==": OpEq,
	"in":  OpIn,
	"lte": OpLte, "<=": OpLte,
	"gte": OpGte, ">=": OpGte,
}

// Sanitize 校验模型给出的条件：字段必须在白名单内，运算符必须匹配字段类型，
// 分类取值必须存在于词表，数值必须在合理范围内。不合格的条件被丢弃而不是报错。
func Sanitize(raw []RawConstraint, vocab catalog.Vocabulary) (Filter, []Dropped) {
	var (
		filter  Filter
		dropped []Dropped
		seen    = make(map[string]struct{})
		// 分类字段按字段合并为一个条件，记录其下标。
		categoryAt = make(map[Field]int)
	)
	drop := func(rc RawConstraint, format string, args ...any) {
		dropped = append(dropped, Dropped{Raw: rc, Reason: fmt.Sprintf(format, args...)})
	}

	for _, rc := range raw {
		field, ok := fieldAliases[strings.ToLower(strings.TrimSpace(rc.Field))]
		if !ok {
			drop(rc, "field %q is not filterable", rc.Field)
			continue
		}
		spec := Whitelist[field]
		op, ok := opAliases[strings.ToLower(strings.TrimSpace(rc.Op))]
		if !ok || !spec.Allows(op) {
			drop(rc, "operator %q is not valid for %s", rc.Op, field)
			continue
		}
		key := string(field) + "/" + string(op)
		if _, dup := seen[key]; dup && spec.Kind != KindCategorical {
			drop(rc, "duplicate constraint %s %s", field, op)
			continue
		}

		var (
			c      Constraint
			reason string
		)
		switch spec.Kind {
		case KindCategorical:
			c, reason = categorical(field, rc.Value, vocab)
		case KindNumeric:
			c, reason = numeric(spec, op, rc.Value)
		case KindBoolean:
			c, reason = boolean(field, rc.Value)
		}
		if reason != "" {
			drop(rc, "%s", reason)
			continue
		}
		if spec.Kind == KindCategorical {
			if i, ok := categoryAt[field]; ok {
				filter.Constraints[i] = mergeCategorical(filter.Constraints[i], c)
				continue
			}
			categoryAt[field] = len(filter.Constraints)
		}
		seen[key] = struct{}{}
		filter.Constraints = append(filter.Constraints, c)
	}

	return dropContradictions(filter, &dropped), dropped
}

func categorical(field Field, value json.RawMessage, vocab catalog.Vocabulary) (Constraint, string) {
	var candidates []string
	var single string
	if err := json.Unmarshal(value, &single); err == nil {
		candidates = []string{single}
	} else if err := json.Unmarshal(value, &candidates); err != nil {
		return Constraint{}, fmt.Sprintf("%s value must be a string or list of strings", field)
	}
	if vocab == nil {
		return Constraint{}, "no category vocabulary available"
	}

	var valid []string
	for _, candidate := range candidates {
		if canonical, ok := vocab.Canonical(candidate); ok && !contains(valid, canonical) {
			valid = append(valid, canonical)
		}
	}
	switch {
	case len(valid) == 0:
		return Constraint{}, fmt.Sprintf("%v not in category vocabulary", candidates)
	case len(valid) == 1:
		return Constraint{Field: field, Op: OpEq, Values: valid}, ""
	default:
		return Constraint{Field: field, Op: OpIn, Values: valid}, ""
	}
}

// mergeCategorical 把同一字段的两个分类条件合并为一个，取值取并集。
// 单个商品只属于一个分类，同字段多个条件按合取解释永远为空。
func mergeCategorical(into, from Constraint) Constraint {
	values := append([]string(nil), into.Values...)
	for _, v := range from.Values {
		if !contains(values, v) {
			values = append(values, v)
		}
	}
	op := OpIn
	if len(values) == 1 {
		op = OpEq
	}
	return Constraint{Field: into.Field, Op: op, Values: values}
}

func numeric(spec FieldSpec, op Operator, value json.RawMessage) (Constraint, string) {
	n, ok := parseNumber(value)
	if !ok {
		return Constraint{}, fmt.Sprintf("%s value %s is not a number", spec.Field, string(value))
	}
	if math.IsNaN(n) || math.IsInf(n, 0) || n < spec.Min || n > spec.Max {
		return Constraint{}, fmt.Sprintf("%s value %v outside [%v, %v]", spec.Field, n, spec.Min, spec.Max)
	}
	return Constraint{Field: spec.Field, Op: op, Number: &n}, ""
}

func boolean(field Field, value json.RawMessage) (Constraint, string) {
	var b bool
	if err := json.Unmarshal(value, &b); err != nil {
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			return Constraint{}, fmt.Sprintf("%s value must be boolean", field)
		}
		parsed, err := strconv.ParseBool(strings.TrimSpace(s))
		if err != nil {
			return Constraint{}, fmt.Sprintf("%s value %q is not boolean", field, s)
		}
		b = parsed
	}
	return Constraint{Field: field, Op: OpEq, Flag: &b}, ""
}

func parseNumber(value json.RawMessage) (float64, bool) {
	var n float64
	if err := json.Unmarshal(value, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(value, &s); err != nil {
		return 0, false
	}
	s = strings.NewReplacer("$", "", ",", "", " ", "").Replace(s)
	parsed, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

// dropContradictions 移除下界大于上界的下界条件。
func dropContradictions(filter Filter, dropped *[]Dropped) Filter {
	bounds := make(map[Field]float64)
	for _, c := range filter.Constraints {
		if c.Op == OpLte && c.Number != nil {
			bounds[c.Field] = *c.Number
		}
	}
	out := Filter{Constraints: make([]Constraint, 0, len(filter.Constraints))}
	for _, c := range filter.Constraints {
		if upper, ok := bounds[c.Field]; ok && c.Op == OpGte && c.Number != nil && *c.Number > upper {
			*dropped = append(*dropped, Dropped{
				Raw:    RawConstraint{Field: string(c.Field), Op: string(c.Op)},
				Reason: fmt.Sprintf("%s lower bound %v exceeds upper bound %v", c.Field, *c.Number, upper),
			})
			continue
		}
		out.Constraints = append(out.Constraints, c)
	}
	if len(out.Constraints) == 0 {
		out.Constraints = nil
	}
	return out
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

// Match 判断一条元数据记录是否满足过滤条件。
func (f Filter) Match(metadata map[string]any) bool {
	for _, c := range f.Constraints {
		spec, ok := Whitelist[c.Field]
		if !ok {
			return false
		}
		raw := metadata[spec.MetadataKey]
		switch {
		case c.Number != nil:
			n, ok := toFloat(raw)
			if !ok {
				return false
			}
			if c.Op == OpLte && n > *c.Number {
				return false
			}
			if c.Op == OpGte && n < *c.Number {
				return false
			}
		case c.Flag != nil:
			b, _ := raw.(bool)
			if b != *c.Flag {
				return false
			}
		default:
			s, _ := raw.(string)
			if !contains(c.Values, s) {
				return false
			}
		}
	}
	return true
}
