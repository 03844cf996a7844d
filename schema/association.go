package schema

import (
	"datamap/errors"
)

// AssociationKind 表示关联类型。
type AssociationKind string

const (
	KindHasOne         AssociationKind = "has_one"
	KindHasMany        AssociationKind = "has_many"
	KindBelongsTo      AssociationKind = "belongs_to"
	KindHasOneThrough  AssociationKind = "has_one_through"
	KindHasManyThrough AssociationKind = "has_many_through"
)

// Cardinality 关联基数。
type Cardinality string

const (
	CardinalityOne  Cardinality = "one"
	CardinalityMany Cardinality = "many"
)

// ReplacePolicy 表示已加载关联值被替换/移除时的处理策略。
type ReplacePolicy string

const (
	// ReplaceRaise 默认策略：替换视为编程错误，立即失败。
	ReplaceRaise ReplacePolicy = "raise"
	// ReplaceMarkInvalid 不产生任何变更集，返回数据级校验错误。
	ReplaceMarkInvalid ReplacePolicy = "mark_invalid"
	// ReplaceNilify 将被移除成员的外键置空（仅产生 update 变更集）。
	ReplaceNilify ReplacePolicy = "nilify"
	// ReplaceDelete 为被移除成员产生 delete 变更集。
	ReplaceDelete ReplacePolicy = "delete"
	// ReplaceIgnore 静默丢弃被移除成员。
	ReplaceIgnore ReplacePolicy = "ignore"
)

// Association 描述一条关联关系。
//
// 通过专用构造函数创建（NewHasOne/NewHasMany/NewBelongsTo/NewThrough），
// 保证非法组合（例如非 through 关联携带 Through 路径）不可表达。
// 创建后视为不可变，可被任意并发读取。
type Association struct {
	kind AssociationKind

	// Field 是 owner 实体上的关联字段名。
	Field string

	// OwnerType / RelatedType 为类型标识，由外部注册表解析。
	OwnerType   string
	RelatedType string

	// OwnerKey / RelatedKey 为连接使用的字段名。
	// has_one/has_many：owner 主键 vs related 外键；
	// belongs_to：owner 外键 vs related 主键。
	OwnerKey   string
	RelatedKey string

	// RelatedSource 可选覆盖 related 类型的物理存储名（表名）。
	RelatedSource string

	// Through 仅 through 类型携带：owner 上的中间关联字段名序列（≥2 段）。
	Through []string

	// OnReplace 替换策略。
	OnReplace ReplacePolicy

	// OnCast 嵌套 cast 时构建变更集的函数名；
	// 为空时使用 related 类型在注册表中的默认变更集构造函数。
	OnCast string

	// Defaults 通过 Build 构造全新 related 实体时套用的默认字段值。
	Defaults map[string]any
}

// AssociationOption 配置可选属性。
type AssociationOption func(*Association)

// WithRelatedSource 覆盖 related 类型的物理存储名。
func WithRelatedSource(source string) AssociationOption {
	return func(a *Association) { a.RelatedSource = source }
}

// WithOnReplace 指定替换策略。
func WithOnReplace(policy ReplacePolicy) AssociationOption {
	return func(a *Association) { a.OnReplace = policy }
}

// WithOnCast 指定嵌套 cast 使用的变更集构造函数名。
func WithOnCast(name string) AssociationOption {
	return func(a *Association) { a.OnCast = name }
}

// WithDefaults 指定 Build 时套用的默认字段值。
func WithDefaults(defaults map[string]any) AssociationOption {
	return func(a *Association) { a.Defaults = defaults }
}

// NewHasOne 创建 has_one 关联。
// ownerKey 通常为 owner 主键，relatedKey 为 related 侧外键列。
func NewHasOne(field, ownerType, relatedType, ownerKey, relatedKey string, opts ...AssociationOption) *Association {
	a := &Association{
		kind:        KindHasOne,
		Field:       field,
		OwnerType:   ownerType,
		RelatedType: relatedType,
		OwnerKey:    ownerKey,
		RelatedKey:  relatedKey,
		OnReplace:   ReplaceRaise,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewHasMany 创建 has_many 关联。
func NewHasMany(field, ownerType, relatedType, ownerKey, relatedKey string, opts ...AssociationOption) *Association {
	a := &Association{
		kind:        KindHasMany,
		Field:       field,
		OwnerType:   ownerType,
		RelatedType: relatedType,
		OwnerKey:    ownerKey,
		RelatedKey:  relatedKey,
		OnReplace:   ReplaceRaise,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewBelongsTo 创建 belongs_to 关联。
// ownerKey 为 owner 上的外键列，relatedKey 为 related 主键。
func NewBelongsTo(field, ownerType, relatedType, ownerKey, relatedKey string, opts ...AssociationOption) *Association {
	a := &Association{
		kind:        KindBelongsTo,
		Field:       field,
		OwnerType:   ownerType,
		RelatedType: relatedType,
		OwnerKey:    ownerKey,
		RelatedKey:  relatedKey,
		OnReplace:   ReplaceRaise,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewThrough 创建 through 关联（cardinality 决定 has_one_through 或 has_many_through）。
//
// through 为 owner 上的中间关联字段名序列，至少 2 段，最后一段指向最终 related 类型。
// through 关联从不直接落库，解析时展开为各中间关联隐含的 join/filter 链。
func NewThrough(field, ownerType string, cardinality Cardinality, through []string, opts ...AssociationOption) (*Association, error) {
	if len(through) < 2 {
		return nil, errors.Configuration(
			"association %q: through path requires at least 2 steps, got %d", field, len(through))
	}

	kind := KindHasManyThrough
	if cardinality == CardinalityOne {
		kind = KindHasOneThrough
	}

	a := &Association{
		kind:      kind,
		Field:     field,
		OwnerType: ownerType,
		Through:   append([]string(nil), through...),
		OnReplace: ReplaceRaise,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Kind 返回关联类型。
func (a *Association) Kind() AssociationKind { return a.kind }

// Cardinality 返回关联基数（由 kind 推导）。
func (a *Association) Cardinality() Cardinality {
	switch a.kind {
	case KindHasMany, KindHasManyThrough:
		return CardinalityMany
	default:
		return CardinalityOne
	}
}

// IsThrough 是否为 through 关联。
func (a *Association) IsThrough() bool {
	return a.kind == KindHasOneThrough || a.kind == KindHasManyThrough
}

// OwnsKey 关联的外键是否位于 related 侧。
// has_one/has_many 外键在 related 上；belongs_to 外键在 owner 上。
func (a *Association) OwnsKey() bool {
	return a.kind == KindHasOne || a.kind == KindHasMany
}
