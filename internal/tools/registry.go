package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/elliotchance/pie/v2"
	"github.com/go-playground/validator/v10"

	xerrors "ShopAssist/internal/errors"
	"ShopAssist/internal/llm"
)

// Invocation 是工具执行时可见的上下文，处理器只能读取，不能修改会话状态。
type Invocation struct {
	CallID         string
	ConversationID string
	TurnID         string
	UserID         string
}

// Key 在会话内唯一标识一次调用。调用 ID 只在回合内唯一，因此带上回合 ID。
func (inv Invocation) Key() string {
	if inv.TurnID == "" {
		return inv.ConversationID + "/" + inv.CallID
	}
	return inv.ConversationID + "/" + inv.TurnID + "/" + inv.CallID
}

// Output 是处理器返回的数据：给模型看的文本和给提取器用的结构化载荷。
type Output struct {
	Display string
	Payload any
}

// Handler 执行工具，args 已经过 schema 校验与规范化。
type Handler func(ctx context.Context, inv Invocation, args json.RawMessage) (Output, error)

// Definition 是一个已注册的工具变体。
type Definition struct {
	Name                 string
	Description          string
	Schema               Schema
	RequiresConfirmation bool
	// Action 是工具对应的动作名，用于确认单和界面直接发起的操作，可以为空。
	Action string
	// Describe 为确认单生成目标描述，可以为空。
	Describe func(ctx context.Context, inv Invocation, args json.RawMessage) string
	Handler  Handler
}

// Registry 在启动时构造，之后只读，可被所有会话共享。
type Registry struct {
	order []string
	defs  map[string]Definition
}

// NewRegistry 创建注册表，名称重复或缺少处理器时返回错误。
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]Definition, len(defs))}
	for _, def := range defs {
		if def.Name == "" || def.Handler == nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("工具 %q 定义不完整", def.Name))
		}
		if _, ok := r.defs[def.Name]; ok {
			return nil, xerrors.New(CodeDuplicateToolName, fmt.Sprintf("工具 %q 重复注册", def.Name))
		}
		r.defs[def.Name] = def
		r.order = append(r.order, def.Name)
	}
	return r, nil
}

// Lookup 按名称查找工具。
func (r *Registry) Lookup(name string) (Definition, bool) {
	def, ok := r.defs[name]
	return def, ok
}

// ByAction 按动作名查找工具。
func (r *Registry) ByAction(action string) (Definition, bool) {
	if action == "" {
		return Definition{}, false
	}
	for _, name := range r.order {
		if def := r.defs[name]; def.Action == action {
			return def, true
		}
	}
	return Definition{}, false
}

// Names 按注册顺序返回工具名。
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// RequiresConfirmation 判断工具是否需要人工确认，未知工具返回 false。
func (r *Registry) RequiresConfirmation(name string) bool {
	return r.defs[name].RequiresConfirmation
}

// Specs 返回提供给模型的工具描述。
func (r *Registry) Specs() []llm.ToolSpec {
	return pie.Map(r.order, func(name string) llm.ToolSpec {
		def := r.defs[name]
		return llm.ToolSpec{Name: def.Name, Description: def.Description, Parameters: def.Schema.JSONSchema()}
	})
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Typed 把参数解码为 T 并用 validator 校验后再调用 fn，处理器因此只面对类型化参数。
func Typed[T any](fn func(ctx context.Context, inv Invocation, args T) (Output, error)) Handler {
	return func(ctx context.Context, inv Invocation, raw json.RawMessage) (Output, error) {
		args, err := Decode[T](raw)
		if err != nil {
			return Output{}, err
		}
		return fn(ctx, inv, args)
	}
}

// Decode 解码并校验参数。
func Decode[T any](raw json.RawMessage) (T, error) {
	var args T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return args, violation(err.Error())
		}
	}
	if err := validate.Struct(args); err != nil {
		if _, ok := err.(*validator.InvalidValidationError); !ok {
			return args, violation(err.Error())
		}
	}
	return args, nil
}
