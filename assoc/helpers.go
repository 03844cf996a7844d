package assoc

import (
	"datamap/errors"
	"datamap/query"
	"datamap/schema"
)

// Build 构造一个挂在 owner 指定关联下的全新 related 实体。
//
// 流程：零值实体 → 套用关联 Defaults → 叠加 attrs → 盖上 owner 主键
// 作为外键。attrs 优先于 Defaults，但永远不能覆盖外键：
// attrs 中出现的外键值被静默丢弃。
//
// belongs_to（目标键无法由单个 owner 推导）与 through（无具体存储）
// 关联不支持 Build，返回 ArgumentError。
func Build(reg schema.IRegistry, owner *schema.Entity, name string, attrs map[string]any) (*schema.Entity, error) {
	a, ok := reg.Association(owner.TypeName, name)
	if !ok {
		return nil, errors.Configuration(
			"type %q has no association %q", owner.TypeName, name)
	}

	if a.Kind() == schema.KindBelongsTo {
		return nil, errors.Argument(
			"cannot build belongs_to association %q, only has_one/has_many supported", name)
	}
	if a.IsThrough() {
		return nil, errors.Argument(
			"cannot build through association %q, build the intermediate steps instead", name)
	}

	related := schema.NewEntity(a.RelatedType)
	for field, value := range a.Defaults {
		related.Set(field, value)
	}
	for field, value := range attrs {
		if field == a.RelatedKey {
			// 外键由 owner 决定，调用方提供的值直接丢弃
			continue
		}
		related.Set(field, value)
	}
	related.Set(a.RelatedKey, owner.GetOrNil(a.OwnerKey))

	return related, nil
}

// Query 为一个或多个 owner 实体构建抓取指定关联的查询。
//
// 收集所有非 nil 的 owner 键值（键未设置的实体被过滤掉），
// 委托 FilterQuery/ThroughQuery 构建。
//
// 约定：owners 为空或类型不一致时返回 ArgumentError。
func Query(reg schema.IRegistry, owners []*schema.Entity, name string) (*query.Query, error) {
	if len(owners) == 0 {
		return nil, errors.Argument("cannot retrieve association %q for empty list", name)
	}

	typeName := owners[0].TypeName
	for _, o := range owners[1:] {
		if o.TypeName != typeName {
			return nil, errors.Argument(
				"cannot retrieve association %q for heterogeneous list: %q and %q",
				name, typeName, o.TypeName)
		}
	}

	a, ok := reg.Association(typeName, name)
	if !ok {
		return nil, errors.Configuration(
			"type %q has no association %q", typeName, name)
	}

	ownerKeyField := a.OwnerKey
	if a.IsThrough() {
		steps, err := resolveSteps(reg, a)
		if err != nil {
			return nil, err
		}
		ownerKeyField = steps[0].OwnerKey
	}

	keys := make([]any, 0, len(owners))
	for _, o := range owners {
		if v, ok := o.Get(ownerKeyField); ok && v != nil {
			keys = append(keys, v)
		}
	}

	return FilterQuery(reg, a, keys, nil)
}
