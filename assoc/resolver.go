// Package assoc 实现关联解析：
// 由关联描述与 owner 侧键值集合构建抓取 related 行的过滤查询，
// 以及 through 关联到具体 join/filter 链的展开。
//
// 本包所有函数均为纯查询构建，无副作用；
// 传入的 baseQuery 不会被修改（内部先 Clone）。
package assoc

import (
	"strconv"
	"strings"

	"datamap/errors"
	"datamap/query"
	"datamap/schema"
)

// JoinCondition 返回连接 owner 与 related 存储的字段对（恒为等值比较）。
//
// 方向由 kind 决定：
//   - has_one/has_many：owner 主键 vs related 外键；
//   - belongs_to：owner 外键 vs related 主键。
//
// 对互逆的一对描述（has_many 与其 belongs_to 反向），
// 两次调用引用相同的两列、顺序互换。
func JoinCondition(a *schema.Association) (ownerField, relatedField string) {
	return a.OwnerKey, a.RelatedKey
}

// FilterQuery 构建（或在 base 之上增补）抓取 related 行的过滤查询：
// `related.<related_key> IN ownerKeys`。
//
// 约定：
//   - ownerKeys 为空时生成的过滤条件仍结构合法、命中零行；
//   - base 非空时过滤条件与既有谓词 AND 合取，列清单/limit/order 均保留；
//   - base 已按相同关联路径 join 过时，过滤绑定到既有 join 的别名，
//     不引入重复 join；
//   - through 关联展开为对最终 related 类型的扁平查询（见 ThroughQuery）。
func FilterQuery(reg schema.IRegistry, a *schema.Association, ownerKeys []any, base *query.Query) (*query.Query, error) {
	if a.IsThrough() {
		return ThroughQuery(reg, a, ownerKeys, base)
	}

	source := schema.RelatedSourceFor(reg, a)
	if source == "" {
		return nil, errors.Configuration(
			"association %q: cannot resolve source for related type %q", a.Field, a.RelatedType)
	}

	var q *query.Query
	if base != nil {
		q = base.Clone()
	} else {
		q = query.New(source)
	}

	binding := q.Binding()
	if j, ok := q.JoinFor(a.Field); ok {
		binding = j.Binding
	}
	q.WhereIn(binding, a.RelatedKey, ownerKeys)
	return q, nil
}

// ChainJoin 表示 through 链展开产出的一条 join。
type ChainJoin struct {
	// Binding join 引入的绑定别名（owner 为 s0，逐级递增）。
	Binding string

	// Table 被 join 的物理表名。
	Table string

	// Path 自 owner 起的关联路径（字段名以 . 连接）。
	Path string

	// On 等值条件：Binding 限定的本侧列 = 前级绑定限定的列。
	On query.OnPair
}

// JoinChain 将 through 关联展开为正向 join 链：
// owner→step1→step2→...→final，每级分配新的绑定别名，
// 各级条件与对应中间关联单独 join 时一致。
//
// 中间步骤本身是 through 时先深度优先展开再拼接；
// 路径中任一名字无法在前一类型上解析为关联时返回 ConfigurationError。
func JoinChain(reg schema.IRegistry, a *schema.Association) ([]ChainJoin, error) {
	steps, err := resolveSteps(reg, a)
	if err != nil {
		return nil, err
	}

	chain := make([]ChainJoin, 0, len(steps))
	prevBinding := "s0" // owner
	var fields []string
	for i, st := range steps {
		fields = append(fields, st.Field)
		binding := bindingAt(i + 1)
		table := schema.RelatedSourceFor(reg, st)
		if table == "" {
			return nil, errors.Configuration(
				"association %q: cannot resolve source for related type %q", st.Field, st.RelatedType)
		}
		chain = append(chain, ChainJoin{
			Binding: binding,
			Table:   table,
			Path:    strings.Join(fields, "."),
			On: query.OnPair{
				Left:  binding + "." + st.RelatedKey,
				Right: prevBinding + "." + st.OwnerKey,
			},
		})
		prevBinding = binding
	}
	return chain, nil
}

// ThroughQuery 为 through 关联构建扁平的过滤查询。
//
// 查询以最终 related 类型为源，逐级 join 回第一个中间类型，
// 过滤条件落在第一个中间关联的 owner 键列上（owner 本身不进查询）。
// 多对多中间步骤可能造成行扇出，结果按最终 related 身份 DISTINCT。
//
// base 非空时：自定义 where 与生成的过滤条件 AND 合取；
// 自定义查询已包含结构匹配链前缀的 join（相同关联路径）时复用该 join，
// 仅补齐剩余后缀。
func ThroughQuery(reg schema.IRegistry, a *schema.Association, ownerKeys []any, base *query.Query) (*query.Query, error) {
	steps, err := resolveSteps(reg, a)
	if err != nil {
		return nil, err
	}

	n := len(steps)
	final := steps[n-1]
	source := schema.RelatedSourceFor(reg, final)
	if source == "" {
		return nil, errors.Configuration(
			"association %q: cannot resolve source for related type %q", a.Field, final.RelatedType)
	}

	var q *query.Query
	if base != nil {
		q = base.Clone()
	} else {
		q = query.New(source)
	}
	q.Distinct()

	// bindings[i] 为链上第 i 个中间类型的绑定（i=1..n，n 为查询源）。
	bindings := make([]string, n+1)
	bindings[n] = q.Binding()

	for i := n - 1; i >= 1; i-- {
		st := steps[i] // 连接第 i 个中间类型与第 i+1 个
		path := pathPrefix(steps[:i])
		if j, ok := q.JoinFor(path); ok {
			bindings[i] = j.Binding
			continue
		}
		table := schema.RelatedSourceFor(reg, steps[i-1])
		if table == "" {
			return nil, errors.Configuration(
				"association %q: cannot resolve source for related type %q",
				steps[i-1].Field, steps[i-1].RelatedType)
		}
		bindings[i] = q.Join(table, path, st.OwnerKey, bindings[i+1], st.RelatedKey)
	}

	q.WhereIn(bindings[1], steps[0].RelatedKey, ownerKeys)
	return q, nil
}

// Steps 将 through 关联解析为具体（非 through）关联步骤序列。
// 预加载层据此逐级加载中间关联并在内存中遍历拼接。
func Steps(reg schema.IRegistry, a *schema.Association) ([]*schema.Association, error) {
	return resolveSteps(reg, a)
}

// resolveSteps 将 through 路径解析为具体（非 through）关联序列。
//
// 采用显式工作队列而非原生递归：嵌套 through 的路径按深度优先
// 顺序拼接进队列；visited 集合将配置成环转化为明确的
// ConfigurationError，而不是栈溢出。
func resolveSteps(reg schema.IRegistry, a *schema.Association) ([]*schema.Association, error) {
	if !a.IsThrough() {
		return nil, errors.Configuration("association %q is not a through association", a.Field)
	}

	queue := append([]string(nil), a.Through...)
	curType := a.OwnerType
	visited := make(map[string]bool)
	var steps []*schema.Association

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]

		step, ok := reg.Association(curType, name)
		if !ok {
			return nil, errors.Configuration(
				"association %q: type %q has no association %q in through path", a.Field, curType, name)
		}

		if step.IsThrough() {
			key := curType + "." + name
			if visited[key] {
				return nil, errors.Configuration(
					"association %q: through path cycles at %q", a.Field, key)
			}
			visited[key] = true
			queue = append(append([]string(nil), step.Through...), queue...)
			continue
		}

		steps = append(steps, step)
		curType = step.RelatedType
	}

	if len(steps) == 0 {
		return nil, errors.Configuration("association %q: through path resolves to no steps", a.Field)
	}
	return steps, nil
}

func pathPrefix(steps []*schema.Association) string {
	fields := make([]string, len(steps))
	for i, st := range steps {
		fields[i] = st.Field
	}
	return strings.Join(fields, ".")
}

func bindingAt(i int) string {
	// 与 query 包的 s<n> 别名约定一致
	return "s" + strconv.Itoa(i)
}
