package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	xerrors "ShopAssist/internal/errors"
)

// FieldType 是参数字段的 JSON 类型。
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
)

// Field 描述一个输入参数。
type Field struct {
	Name        string
	Type        FieldType
	Description string
	Required    bool
	Enum        []string
	Min         *float64
	Max         *float64
	Default     any
}

// Schema 是工具输入参数的类型化字段列表。
type Schema struct {
	Fields []Field
}

// Bound 便于声明 Min/Max。
func Bound(v float64) *float64 { return &v }

// JSONSchema 生成提供给模型的 JSON Schema。
func (s Schema) JSONSchema() map[string]any {
	properties := make(map[string]any, len(s.Fields))
	required := make([]string, 0)
	for _, f := range s.Fields {
		prop := map[string]any{"type": string(f.Type)}
		if f.Description != "" {
			prop["description"] = f.Description
		}
		if len(f.Enum) > 0 {
			prop["enum"] = f.Enum
		}
		if f.Min != nil {
			prop["minimum"] = *f.Min
		}
		if f.Max != nil {
			prop["maximum"] = *f.Max
		}
		if f.Default != nil {
			prop["default"] = f.Default
		}
		properties[f.Name] = prop
		if f.Required {
			required = append(required, f.Name)
		}
	}
	schema := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Validate 按 schema 校验参数，返回补齐默认值、去除未知字段后的规范化参数。
func (s Schema) Validate(raw json.RawMessage) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}
	var args map[string]any
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&args); err != nil {
		return nil, violation("arguments must be a JSON object")
	}

	normalised := make(map[string]any, len(s.Fields))
	var problems []string
	for _, f := range s.Fields {
		value, present := args[f.Name]
		if !present || value == nil {
			if f.Required {
				problems = append(problems, fmt.Sprintf("%s is required", f.Name))
			} else if f.Default != nil {
				normalised[f.Name] = f.Default
			}
			continue
		}
		v, problem := checkField(f, value)
		if problem != "" {
			problems = append(problems, problem)
			continue
		}
		normalised[f.Name] = v
	}
	if len(problems) > 0 {
		return nil, violation(strings.Join(problems, "; "))
	}
	out, err := json.Marshal(normalised)
	if err != nil {
		return nil, violation(err.Error())
	}
	return out, nil
}

func checkField(f Field, value any) (any, string) {
	switch f.Type {
	case TypeString:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Sprintf("%s must be a string", f.Name)
		}
		s = strings.TrimSpace(s)
		if f.Required && s == "" {
			return nil, fmt.Sprintf("%s must not be empty", f.Name)
		}
		if len(f.Enum) > 0 && !containsString(f.Enum, s) {
			return nil, fmt.Sprintf("%s must be one of %s", f.Name, strings.Join(f.Enum, ", "))
		}
		return s, ""
	case TypeInteger, TypeNumber:
		n, ok := number(value)
		if !ok {
			return nil, fmt.Sprintf("%s must be a %s", f.Name, f.Type)
		}
		if f.Type == TypeInteger && n != math.Trunc(n) {
			return nil, fmt.Sprintf("%s must be an integer", f.Name)
		}
		if f.Min != nil && n < *f.Min {
			return nil, fmt.Sprintf("%s must be >= %v", f.Name, *f.Min)
		}
		if f.Max != nil && n > *f.Max {
			return nil, fmt.Sprintf("%s must be <= %v", f.Name, *f.Max)
		}
		if f.Type == TypeInteger {
			return int64(n), ""
		}
		return n, ""
	case TypeBoolean:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Sprintf("%s must be a boolean", f.Name)
		}
		return b, ""
	default:
		return nil, fmt.Sprintf("%s has unsupported type %s", f.Name, f.Type)
	}
}

func number(value any) (float64, bool) {
	switch v := value.(type) {
	case json.Number:
		n, err := v.Float64()
		return n, err == nil
	case float64:
		return v, true
	default:
		return 0, false
	}
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

func violation(message string) error {
	return xerrors.New(CodeSchemaViolation, message)
}
