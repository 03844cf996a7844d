package preload

import (
	"datamap/schema"
)

// Stitch 将抓取到的 related 行按外键相等拼回 owner 实体。
//
// 简单分组操作：related 按 RelatedKey 值分组，owner 按 OwnerKey 值取组。
// 拼接后关联字段处于“已加载”状态：
//   - many：始终写入切片（可能为空）；
//   - one：写入首个匹配实体，无匹配时写入 nil。
func Stitch(a *schema.Association, owners, related []*schema.Entity) {
	groups := make(map[any][]*schema.Entity, len(related))
	for _, r := range related {
		key := r.GetOrNil(a.RelatedKey)
		if key == nil {
			continue
		}
		groups[key] = append(groups[key], r)
	}

	many := a.Cardinality() == schema.CardinalityMany
	for _, o := range owners {
		var matched []*schema.Entity
		if key := o.GetOrNil(a.OwnerKey); key != nil {
			matched = groups[key]
		}
		if many {
			if matched == nil {
				matched = []*schema.Entity{}
			}
			o.Set(a.Field, matched)
			continue
		}
		if len(matched) > 0 {
			o.Set(a.Field, matched[0])
		} else {
			o.Set(a.Field, (*schema.Entity)(nil))
		}
	}
}

// StitchThrough 在中间关联全部加载完成后，沿步骤序列在内存中
// 遍历并将最终实体集合写到 owner 的 through 字段上。
//
// 多对多中间步骤的扇出按最终类型主键去重（保持遍历顺序）；
// 缺少主键值的实体不去重、原样保留。
func StitchThrough(reg schema.IRegistry, a *schema.Association, steps []*schema.Association, owners []*schema.Entity) {
	pk := "id"
	if meta, ok := reg.Meta(steps[len(steps)-1].RelatedType); ok && meta.PrimaryKey != "" {
		pk = meta.PrimaryKey
	}

	many := a.Cardinality() == schema.CardinalityMany
	for _, o := range owners {
		frontier := []*schema.Entity{o}
		for _, st := range steps {
			var next []*schema.Entity
			for _, e := range frontier {
				next = appendLoaded(next, e.GetOrNil(st.Field))
			}
			frontier = next
		}

		final := dedupByKey(frontier, pk)
		if many {
			o.Set(a.Field, final)
			continue
		}
		if len(final) > 0 {
			o.Set(a.Field, final[0])
		} else {
			o.Set(a.Field, (*schema.Entity)(nil))
		}
	}
}

func appendLoaded(dst []*schema.Entity, v any) []*schema.Entity {
	switch val := v.(type) {
	case *schema.Entity:
		if val != nil {
			dst = append(dst, val)
		}
	case []*schema.Entity:
		dst = append(dst, val...)
	}
	return dst
}

func dedupByKey(entities []*schema.Entity, pk string) []*schema.Entity {
	seen := make(map[any]bool, len(entities))
	result := make([]*schema.Entity, 0, len(entities))
	for _, e := range entities {
		key := e.GetOrNil(pk)
		if key == nil {
			result = append(result, e)
			continue
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		result = append(result, e)
	}
	return result
}
