// Package query 提供纯数据的结构化查询对象。
//
// Query 是核心各层之间传递的“查询值”：
//   - 关联解析器以它为输出（过滤查询、through 链查询）；
//   - 预加载规划器以它为输入（调用方自定义查询）；
//   - 存储适配器最终通过 Build 渲染为 SQL 执行。
//
// 约定：构建方法返回接收者自身以支持链式调用；
// 需要在不污染输入的前提下增补查询时，先 Clone 再修改。
package query

import (
	"fmt"
	"reflect"
	"strings"

	"datamap/query/dialect"
)

// OnPair 表示 JOIN ON 中的一组等值列对，两侧均为 binding 限定列。
type OnPair struct {
	Left  string
	Right string
}

// Join 表示一条 INNER JOIN。
type Join struct {
	// Binding 本次 join 引入的别名。
	Binding string

	// Table 被 join 的物理表名。
	Table string

	// Path 关联路径标记（如 "comments"、"comments.author"），
	// 用于检测调用方已手工 join 过的前缀，避免重复 join。
	// 调用方原生 SQL join 可不携带。
	Path string

	// On 等值条件列表，AND 连接。
	On []OnPair
}

// Where 表示一条 WHERE 谓词，多条之间 AND 连接。
type Where struct {
	Expr string
	Args []any
}

// Query 结构化查询值。
type Query struct {
	table   string
	binding string

	selects  []string
	joins    []Join
	wheres   []Where
	distinct bool
	orderBy  []string
	limit    int
	offset   int

	bindSeq int
}

// New 创建针对指定表的查询，源绑定别名为 s0。
func New(table string) *Query {
	return &Query{
		table:   table,
		binding: "s0",
		bindSeq: 1,
	}
}

// Table 返回查询源表名。
func (q *Query) Table() string { return q.table }

// Binding 返回查询源的绑定别名。
func (q *Query) Binding() string { return q.binding }

// Joins 返回当前 join 列表（只读约定）。
func (q *Query) Joins() []Join { return q.joins }

// IsDistinct 返回是否去重。
func (q *Query) IsDistinct() bool { return q.distinct }

// Select 指定返回列（binding 限定或裸列名）。
func (q *Query) Select(cols ...string) *Query {
	q.selects = append(q.selects, cols...)
	return q
}

// Where 追加谓词，多条之间 AND 连接。
func (q *Query) Where(expr string, args ...any) *Query {
	if expr != "" {
		q.wheres = append(q.wheres, Where{Expr: expr, Args: args})
	}
	return q
}

// WhereIn 追加 `binding.column IN (...)` 谓词。
//
// 约定：values 为空时仍生成结构合法、恒为假的谓词（1 = 0），
// 而不是省略过滤条件，空键集必须命中零行。
func (q *Query) WhereIn(binding, column string, values []any) *Query {
	if len(values) == 0 {
		q.wheres = append(q.wheres, Where{Expr: "1 = 0"})
		return q
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
	expr := fmt.Sprintf("%s.%s IN (%s)", binding, column, placeholders)
	q.wheres = append(q.wheres, Where{Expr: expr, Args: append([]any(nil), values...)})
	return q
}

// Join 追加一条 INNER JOIN，返回分配的绑定别名。
//
// ON 条件为单组等值：<新别名>.<localColumn> = <refBinding>.<refColumn>。
func (q *Query) Join(table, path, localColumn, refBinding, refColumn string) string {
	binding := q.nextBinding()
	q.joins = append(q.joins, Join{
		Binding: binding,
		Table:   table,
		Path:    path,
		On: []OnPair{{
			Left:  binding + "." + localColumn,
			Right: refBinding + "." + refColumn,
		}},
	})
	return binding
}

// JoinFor 按关联路径查找已存在的 join，用于绑定复用。
func (q *Query) JoinFor(path string) (Join, bool) {
	if path == "" {
		return Join{}, false
	}
	for _, j := range q.joins {
		if j.Path == path {
			return j, true
		}
	}
	return Join{}, false
}

// Distinct 标记结果按查询源身份去重。
func (q *Query) Distinct() *Query {
	q.distinct = true
	return q
}

// OrderBy 追加排序表达式。
func (q *Query) OrderBy(expr string) *Query {
	if expr != "" {
		q.orderBy = append(q.orderBy, expr)
	}
	return q
}

// Limit 设置返回行数上限；0 表示不限制。
func (q *Query) Limit(n int) *Query {
	if n < 0 {
		panic("query: limit cannot be negative")
	}
	q.limit = n
	return q
}

// Offset 设置偏移量；0 表示从头开始。
func (q *Query) Offset(n int) *Query {
	if n < 0 {
		panic("query: offset cannot be negative")
	}
	q.offset = n
	return q
}

// Clone 深拷贝查询值（args 按引用共享，约定不被修改）。
func (q *Query) Clone() *Query {
	if q == nil {
		return nil
	}
	cp := &Query{
		table:    q.table,
		binding:  q.binding,
		distinct: q.distinct,
		limit:    q.limit,
		offset:   q.offset,
		bindSeq:  q.bindSeq,
	}
	cp.selects = append([]string(nil), q.selects...)
	cp.orderBy = append([]string(nil), q.orderBy...)
	cp.joins = make([]Join, len(q.joins))
	for i, j := range q.joins {
		j.On = append([]OnPair(nil), j.On...)
		cp.joins[i] = j
	}
	cp.wheres = make([]Where, len(q.wheres))
	for i, w := range q.wheres {
		w.Args = append([]any(nil), w.Args...)
		cp.wheres[i] = w
	}
	return cp
}

// Equal 判断两个查询值在结构上完全等价。
// 预加载规划器用它区分“同一自定义查询出现两次”（兼容）
// 与“两个不同查询”（冲突）。
func (q *Query) Equal(other *Query) bool {
	if q == other {
		return true
	}
	if q == nil || other == nil {
		return false
	}
	return reflect.DeepEqual(q.snapshot(), other.snapshot())
}

// snapshot 提取参与等价比较的结构内容（不含绑定计数器）。
func (q *Query) snapshot() any {
	return struct {
		Table    string
		Selects  []string
		Joins    []Join
		Wheres   []Where
		Distinct bool
		OrderBy  []string
		Limit    int
		Offset   int
	}{q.table, q.selects, q.joins, q.wheres, q.distinct, q.orderBy, q.limit, q.offset}
}

func (q *Query) nextBinding() string {
	b := fmt.Sprintf("s%d", q.bindSeq)
	q.bindSeq++
	return b
}

// Build 将查询渲染为 SQL 与参数列表。
func (q *Query) Build(d dialect.Dialect) (string, []any) {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	if q.distinct {
		sb.WriteString("DISTINCT ")
	}
	cols := q.selects
	if len(cols) == 0 {
		cols = []string{q.binding + ".*"}
	}
	sb.WriteString(strings.Join(cols, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(d.QuoteIdentifier(q.table))
	sb.WriteString(" AS ")
	sb.WriteString(q.binding)

	args := make([]any, 0, len(q.wheres)+2)

	for _, j := range q.joins {
		sb.WriteString(" INNER JOIN ")
		sb.WriteString(d.QuoteIdentifier(j.Table))
		sb.WriteString(" AS ")
		sb.WriteString(j.Binding)
		sb.WriteString(" ON ")
		for i, on := range j.On {
			if i > 0 {
				sb.WriteString(" AND ")
			}
			sb.WriteString(on.Left)
			sb.WriteString(" = ")
			sb.WriteString(on.Right)
		}
	}

	if len(q.wheres) > 0 {
		sb.WriteString(" WHERE ")
		for i, w := range q.wheres {
			if i > 0 {
				sb.WriteString(" AND ")
			}
			sb.WriteString("(")
			sb.WriteString(w.Expr)
			sb.WriteString(")")
			args = append(args, w.Args...)
		}
	}
	if len(q.orderBy) > 0 {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(q.orderBy, ", "))
	}
	if q.limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, q.limit)
	}
	if q.offset > 0 {
		sb.WriteString(" OFFSET ?")
		args = append(args, q.offset)
	}

	return d.Rebind(sb.String()), args
}
