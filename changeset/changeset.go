// Package changeset 提供实体的“差量 + 校验状态”包装。
//
// 变更集包装一个实体值、一份只含差异字段的 changes 映射、
// 错误列表与有效标志，用于在持久化之前暂存并校验待定修改。
// 关联协调引擎（datamap/relation）既消费也产出变更集。
package changeset

import (
	"fmt"
	"reflect"

	"datamap/schema"
)

// Action 表示变更集预期的持久化动作。
type Action string

const (
	// ActionNone 未指定动作，由策略层（协调引擎）后续赋值。
	ActionNone   Action = ""
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// FieldError 表示一条字段级错误。
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) String() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Changeset 变更集。
//
// 生命周期：insert 语义下全新创建（changes 为空、action 未设置），
// 或由已加载实体 + 差量派生（update 语义）；
// 被折叠进父变更集的 changes 后即视为被消费，不再复用。
type Changeset struct {
	// Entity 基础实体值。
	Entity *schema.Entity

	// Params 原始输入参数（Cast 时记录，便于诊断）。
	Params map[string]any

	// Changes 差异字段映射：仅包含与 Entity 不同的新值。
	Changes map[string]any

	// Errors 字段级错误列表。
	Errors []FieldError

	// Valid 有效标志；添加错误后为 false。
	Valid bool

	// Action 预期动作，可能未设置。
	Action Action

	// Required / Optional 存在性校验使用的字段清单。
	Required []string
	Optional []string
}

// New 基于实体创建空变更集（无差异、有效、动作未设置）。
func New(entity *schema.Entity) *Changeset {
	return &Changeset{
		Entity:  entity,
		Changes: make(map[string]any),
		Valid:   true,
	}
}

// Cast 将外部参数按许可字段列表转换为变更集。
//
// 仅 permitted 中的字段被接收；与实体当前值相同的参数不进入 Changes。
func Cast(entity *schema.Entity, params map[string]any, permitted ...string) *Changeset {
	cs := New(entity)
	cs.Params = params
	cs.Optional = permitted

	allowed := make(map[string]bool, len(permitted))
	for _, f := range permitted {
		allowed[f] = true
	}

	for field, value := range params {
		if !allowed[field] {
			continue
		}
		current, ok := entity.Get(field)
		if ok && valueEqual(current, value) {
			continue
		}
		cs.Changes[field] = value
	}
	return cs
}

// Diff 对比两个实体的标量字段，产出 update 语义的变更集。
// base 为当前已加载实体，next 提供新值；仅差异字段进入 Changes。
func Diff(base, next *schema.Entity) *Changeset {
	cs := New(base)
	if next == nil {
		return cs
	}
	for field, value := range next.Fields() {
		if schema.IsNotLoaded(value) {
			continue
		}
		// 关联值不参与标量差量
		if isRelationValue(value) {
			continue
		}
		current, ok := base.Get(field)
		if ok && valueEqual(current, value) {
			continue
		}
		cs.Changes[field] = value
	}
	return cs
}

// PutChange 强制写入一个变更字段。
func (c *Changeset) PutChange(field string, value any) *Changeset {
	c.Changes[field] = value
	return c
}

// GetChange 读取变更字段。
func (c *Changeset) GetChange(field string) (any, bool) {
	v, ok := c.Changes[field]
	return v, ok
}

// GetField 读取字段的当前视图：变更优先，其次实体值。
func (c *Changeset) GetField(field string) any {
	if v, ok := c.Changes[field]; ok {
		return v
	}
	return c.Entity.GetOrNil(field)
}

// AddError 追加字段级错误并将变更集标记为无效。
func (c *Changeset) AddError(field, message string) *Changeset {
	c.Errors = append(c.Errors, FieldError{Field: field, Message: message})
	c.Valid = false
	return c
}

// ValidateRequired 校验必填字段在“当前视图”中存在且非 nil。
func (c *Changeset) ValidateRequired(fields ...string) *Changeset {
	c.Required = append(c.Required, fields...)
	for _, f := range fields {
		if c.GetField(f) == nil {
			c.AddError(f, "can't be blank")
		}
	}
	return c
}

// HasChanges 是否存在差异字段。
func (c *Changeset) HasChanges() bool {
	return len(c.Changes) > 0
}

// Apply 将变更套用到实体副本上，返回套用后的实体。
func (c *Changeset) Apply() *schema.Entity {
	applied := c.Entity.Clone()
	if applied == nil {
		applied = schema.NewEntity("")
	}
	for field, value := range c.Changes {
		applied.Set(field, value)
	}
	return applied
}

func valueEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

func isRelationValue(v any) bool {
	switch v.(type) {
	case *schema.Entity, []*schema.Entity, *Changeset, []*Changeset:
		return true
	default:
		return false
	}
}
