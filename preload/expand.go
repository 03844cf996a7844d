package preload

import (
	"datamap/assoc"
	"datamap/errors"
	"datamap/query"
	"datamap/schema"
)

// Tag 标记展开条目的关联形态。
type Tag string

const (
	// TagAssoc 直接关联：按 join 键收集 owner 键后过滤抓取。
	TagAssoc Tag = "assoc"

	// TagThrough through 关联：逐级加载中间步骤后在内存中遍历。
	TagThrough Tag = "through"
)

// Expanded 预加载执行计划的一个条目。
type Expanded struct {
	Name string
	Tag  Tag

	// Assoc 解析得到的关联描述。
	Assoc *schema.Association

	// OwnerKey / RelatedKey 直接关联的 join 键对。
	OwnerKey   string
	RelatedKey string

	// Steps through 关联解析后的具体步骤序列。
	Steps []*schema.Association

	// Query 自定义查询（可为 nil）。
	Query *query.Query

	// Nested 直接关联的递归展开；through 恒为空：
	// 其“虚拟”存在只是标记，最终目标上的嵌套预加载
	// 应表达在终端具体关联上。
	Nested []Expanded
}

// Expand 对照 owner 类型的关联描述展开标准树，返回执行计划。
//
// 返回列表保持各层级关联名的首次出现顺序。
// acc 非空时在其上合并：同名条目形态不兼容（一次空嵌套、一次
// 自定义查询）返回 ArgumentError；等价形态按拼接嵌套展开合并，
// 嵌套列表中允许重复、各自独立展开。
func Expand(reg schema.IRegistry, typeName string, nodes []Node, acc []Expanded) ([]Expanded, error) {
	result := acc
	for _, node := range nodes {
		a, ok := reg.Association(typeName, node.Name)
		if !ok {
			return nil, errors.Argument(
				"type %q does not have association %q", typeName, node.Name)
		}

		var item Expanded
		if a.IsThrough() {
			if len(node.Nested) > 0 {
				return nil, errors.Argument(
					"cannot nest preloads under through association %q: preload the terminal association instead", node.Name)
			}
			steps, err := assoc.Steps(reg, a)
			if err != nil {
				return nil, err
			}
			item = Expanded{
				Name:  node.Name,
				Tag:   TagThrough,
				Assoc: a,
				Steps: steps,
				Query: node.Query,
			}
		} else {
			nested, err := Expand(reg, a.RelatedType, node.Nested, nil)
			if err != nil {
				return nil, err
			}
			item = Expanded{
				Name:       node.Name,
				Tag:        TagAssoc,
				Assoc:      a,
				OwnerKey:   a.OwnerKey,
				RelatedKey: a.RelatedKey,
				Query:      node.Query,
				Nested:     nested,
			}
		}

		merged, err := mergeExpanded(result, item)
		if err != nil {
			return nil, err
		}
		result = merged
	}
	return result, nil
}

// mergeExpanded 将条目并入累加列表：
// 未出现过的名字追加，等价形态拼接嵌套展开，不兼容形态报错。
func mergeExpanded(acc []Expanded, item Expanded) ([]Expanded, error) {
	for i, existing := range acc {
		if existing.Name != item.Name {
			continue
		}

		sameQuery := (existing.Query == nil && item.Query == nil) ||
			(existing.Query != nil && existing.Query.Equal(item.Query))
		if !sameQuery {
			return nil, errors.Argument(
				"association %q expanded twice with incompatible shapes", item.Name)
		}

		// 等价形态：嵌套展开直接拼接，不去重
		acc[i].Nested = append(existing.Nested, item.Nested...)
		return acc, nil
	}
	return append(acc, item), nil
}
