// Package preload 实现预加载规划：
// 把任意嵌套的预加载请求规范化为无冲突的标准树（Normalize），
// 再对照根实体的关联描述展开为带标记的执行计划（Expand），
// 并提供把抓取结果拼回 owner 实体的分组工具（Stitch）。
package preload

import (
	"fmt"

	"datamap/errors"
	"datamap/query"
)

// Entry 表示一条预加载请求：关联名 + 可选的嵌套请求或自定义查询。
// Nested 与 Query 互斥。
type Entry struct {
	Name   string
	Nested any
	Query  *query.Query
}

// With 构造带嵌套请求的条目。
func With(name string, nested any) Entry {
	return Entry{Name: name, Nested: nested}
}

// WithQuery 构造带自定义查询的条目。
// 自定义查询是终端：其下不再接受具名嵌套
// （查询自身携带的 join 会被保留）。
func WithQuery(name string, q *query.Query) Entry {
	return Entry{Name: name, Query: q}
}

// Node 规范化后的标准树节点。
type Node struct {
	Name   string
	Query  *query.Query
	Nested []Node
}

// Normalize 将预加载请求规范化为标准树。
//
// 接受的输入形态：
//   - 单个名字（string）；
//   - Entry（名字 + 嵌套请求或自定义查询）；
//   - []any，自由混合上述两种。
//
// 合并规则（同一层级同名重复出现时）：
//   - 两次均为嵌套请求：递归合并，未见过的名字按出现顺序追加；
//   - 一次为裸名、另一次携带嵌套或查询：取更丰富者，裸名不贡献内容；
//   - 两次携带结构不同的自定义查询，或一次查询一次嵌套：冲突，
//     返回 ArgumentError 并指明关联名。
func Normalize(spec any) ([]Node, error) {
	acc := newNodeAcc()
	if err := normalizeInto(spec, acc, spec); err != nil {
		return nil, err
	}
	return acc.materialize(), nil
}

type nodeAcc struct {
	order  []string
	byName map[string]*nodeDraft
}

type nodeDraft struct {
	name   string
	query  *query.Query
	nested *nodeAcc
}

func newNodeAcc() *nodeAcc {
	return &nodeAcc{byName: make(map[string]*nodeDraft)}
}

func (acc *nodeAcc) draft(name string) *nodeDraft {
	if d, ok := acc.byName[name]; ok {
		return d
	}
	d := &nodeDraft{name: name, nested: newNodeAcc()}
	acc.byName[name] = d
	acc.order = append(acc.order, name)
	return d
}

func (acc *nodeAcc) materialize() []Node {
	nodes := make([]Node, 0, len(acc.order))
	for _, name := range acc.order {
		d := acc.byName[name]
		nodes = append(nodes, Node{
			Name:   name,
			Query:  d.query,
			Nested: d.nested.materialize(),
		})
	}
	return nodes
}

// normalizeInto 把一个 spec 归并进累加器。
// original 为最外层输入，仅用于顶层形态错误的提示。
func normalizeInto(spec any, acc *nodeAcc, original any) error {
	switch s := spec.(type) {
	case nil:
		return nil
	case string:
		acc.draft(s)
		return nil
	case Entry:
		return mergeEntry(s, acc, original)
	case []any:
		for _, item := range s {
			if err := normalizeInto(item, acc, original); err != nil {
				return err
			}
		}
		return nil
	case []string:
		for _, name := range s {
			acc.draft(name)
		}
		return nil
	case []Entry:
		for _, e := range s {
			if err := mergeEntry(e, acc, original); err != nil {
				return err
			}
		}
		return nil
	default:
		return errors.Argument(
			"invalid preload spec: expected a name, an entry or a list, got %s",
			fmt.Sprintf("%#v", original))
	}
}

func mergeEntry(e Entry, acc *nodeAcc, original any) error {
	if e.Name == "" {
		return errors.Argument("invalid preload spec: entry without association name in %#v", original)
	}
	d := acc.draft(e.Name)

	if e.Query != nil {
		if len(d.nested.order) > 0 {
			return errors.Argument(
				"conflicting preload for association %q: cannot mix a custom query with nested preloads", e.Name)
		}
		if d.query != nil && !d.query.Equal(e.Query) {
			return errors.Argument(
				"conflicting preload for association %q: two different custom queries given", e.Name)
		}
		d.query = e.Query
		return nil
	}

	if e.Nested == nil {
		// 裸名：已存在的更丰富定义保持不变
		return nil
	}

	if d.query != nil {
		return errors.Argument(
			"conflicting preload for association %q: cannot mix a custom query with nested preloads", e.Name)
	}
	return normalizeInto(e.Nested, d.nested, original)
}
