package schema

// notLoaded 关联未加载哨兵的内部类型。
type notLoaded struct{}

// NotLoaded 表示关联字段“从未被加载”的哨兵值。
//
// 与“字段缺失”（零关联）不同：缺失表示关系确定为空，
// NotLoaded 表示尚未查询、当前值未知。对 NotLoaded 的关联
// 执行嵌套 cast/change 属于调用方编程错误。
var NotLoaded = notLoaded{}

// IsNotLoaded 判断值是否为 NotLoaded 哨兵。
func IsNotLoaded(v any) bool {
	_, ok := v.(notLoaded)
	return ok
}

// Entity 表示一条不透明的实体记录：类型名 + 字段名到值的映射。
//
// 关联字段的值可能处于三种状态：
//   - NotLoaded 哨兵：从未加载；
//   - 已加载：单个 *Entity 或 []*Entity；
//   - 键缺失：零关联（无关系实体化）。
//
// Entity 的所有权属于当前持有它的变更集或集合；
// 核心算法不会在单次调用之外保留引用。
type Entity struct {
	// TypeName 实体类型标识，对应注册表中的 EntityMeta。
	TypeName string

	fields map[string]any
}

// NewEntity 创建空实体。
func NewEntity(typeName string) *Entity {
	return &Entity{TypeName: typeName, fields: make(map[string]any)}
}

// NewEntityWith 以初始字段创建实体（拷贝传入映射）。
func NewEntityWith(typeName string, fields map[string]any) *Entity {
	e := NewEntity(typeName)
	for k, v := range fields {
		e.fields[k] = v
	}
	return e
}

// Get 读取字段值。
func (e *Entity) Get(field string) (any, bool) {
	if e == nil || e.fields == nil {
		return nil, false
	}
	v, ok := e.fields[field]
	return v, ok
}

// GetOrNil 读取字段值，缺失时返回 nil。
func (e *Entity) GetOrNil(field string) any {
	v, _ := e.Get(field)
	return v
}

// Set 写入字段值。
func (e *Entity) Set(field string, value any) {
	if e.fields == nil {
		e.fields = make(map[string]any)
	}
	e.fields[field] = value
}

// Delete 删除字段。
func (e *Entity) Delete(field string) {
	delete(e.fields, field)
}

// Fields 返回字段映射（只读约定：调用方不得修改）。
func (e *Entity) Fields() map[string]any {
	return e.fields
}

// Clone 浅拷贝实体：字段映射复制，值本身不复制。
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	return NewEntityWith(e.TypeName, e.fields)
}
