package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datamap/query/dialect"
)

var sqlite = dialect.New("sqlite")

// TestBuild_Basic 测试基础渲染
func TestBuild_Basic(t *testing.T) {
	q := New("comments").
		Where("s0.approved = ?", true).
		OrderBy("s0.id").
		Limit(10).
		Offset(5)

	sql, args := q.Build(sqlite)
	assert.Equal(t,
		`SELECT s0.* FROM "comments" AS s0 WHERE (s0.approved = ?) ORDER BY s0.id LIMIT ? OFFSET ?`,
		sql)
	assert.Equal(t, []any{true, 10, 5}, args)
}

// TestWhereIn_Empty 测试空键集仍生成恒假谓词
func TestWhereIn_Empty(t *testing.T) {
	q := New("comments").WhereIn("s0", "post_id", nil)

	sql, args := q.Build(sqlite)
	assert.Equal(t, `SELECT s0.* FROM "comments" AS s0 WHERE (1 = 0)`, sql)
	assert.Empty(t, args)
}

// TestWhereIn_Values 测试 IN 渲染
func TestWhereIn_Values(t *testing.T) {
	q := New("comments").WhereIn("s0", "post_id", []any{int64(1), int64(2)})

	sql, args := q.Build(sqlite)
	assert.Equal(t, `SELECT s0.* FROM "comments" AS s0 WHERE (s0.post_id IN (?, ?))`, sql)
	assert.Equal(t, []any{int64(1), int64(2)}, args)
}

// TestJoin_BindingAllocation 测试 join 别名分配与路径查找
func TestJoin_BindingAllocation(t *testing.T) {
	q := New("authors")
	b1 := q.Join("comments", "comments", "author_id", "s0", "id")
	assert.Equal(t, "s1", b1)

	b2 := q.Join("posts", "comments.post", "id", b1, "post_id")
	assert.Equal(t, "s2", b2)

	j, ok := q.JoinFor("comments")
	require.True(t, ok)
	assert.Equal(t, "s1", j.Binding)

	_, ok = q.JoinFor("authors")
	assert.False(t, ok)

	sql, _ := q.Distinct().Build(sqlite)
	assert.Equal(t,
		`SELECT DISTINCT s0.* FROM "authors" AS s0`+
			` INNER JOIN "comments" AS s1 ON s1.author_id = s0.id`+
			` INNER JOIN "posts" AS s2 ON s2.id = s1.post_id`,
		sql)
}

// TestClone_Isolation 测试 Clone 后互不影响
func TestClone_Isolation(t *testing.T) {
	base := New("comments").Where("s0.approved = ?", true)
	cp := base.Clone().WhereIn("s0", "post_id", []any{int64(7)})

	baseSQL, _ := base.Build(sqlite)
	cpSQL, _ := cp.Build(sqlite)

	assert.NotContains(t, baseSQL, "IN")
	assert.Contains(t, cpSQL, "s0.post_id IN (?)")
}

// TestEqual 测试结构等价比较
func TestEqual(t *testing.T) {
	q1 := New("comments").Where("s0.approved = ?", true).Limit(3)
	q2 := New("comments").Where("s0.approved = ?", true).Limit(3)
	q3 := New("comments").Where("s0.approved = ?", false).Limit(3)

	assert.True(t, q1.Equal(q2))
	assert.True(t, q1.Equal(q1))
	assert.False(t, q1.Equal(q3))
	assert.False(t, q1.Equal(nil))

	// Clone 后绑定计数器可能不同，但结构等价
	assert.True(t, q1.Equal(q1.Clone()))
}

// TestBuild_PostgresRebind 测试 Postgres 占位符改写
func TestBuild_PostgresRebind(t *testing.T) {
	q := New("comments").WhereIn("s0", "post_id", []any{int64(1), int64(2)})
	sql, _ := q.Build(dialect.New("postgres"))
	assert.Contains(t, sql, "IN ($1, $2)")
}
