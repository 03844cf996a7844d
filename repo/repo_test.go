package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"datamap/cache"
	"datamap/changeset"
	coredb "datamap/db"
	"datamap/db/basic"
	"datamap/errors"
	"datamap/preload"
	"datamap/query"
	"datamap/schema"
)

func testRegistry() *schema.Registry {
	reg := schema.NewRegistry()

	post := schema.NewEntityMeta("Post", "posts", "id", "id", "title")
	post.AddAssociation(schema.NewHasMany("comments", "Post", "Comment", "id", "post_id"))
	authors, err := schema.NewThrough("authors", "Post", schema.CardinalityMany, []string{"comments", "author"})
	if err != nil {
		panic(err)
	}
	post.AddAssociation(authors)

	comment := schema.NewEntityMeta("Comment", "comments", "id", "id", "post_id", "author_id", "body")
	comment.AddAssociation(schema.NewBelongsTo("author", "Comment", "Author", "author_id", "id"))

	author := schema.NewEntityMeta("Author", "authors", "id", "id", "name")

	reg.Register(post).Register(comment).Register(author)
	return reg
}

func newTestRepo(t *testing.T, opts ...Option) *Repo {
	t.Helper()

	database, err := basic.Open(coredb.Config{
		Driver:       "sqlite",
		Database:     ":memory:",
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	for _, ddl := range []string{
		`CREATE TABLE posts (id INTEGER PRIMARY KEY, title TEXT)`,
		`CREATE TABLE comments (id INTEGER PRIMARY KEY, post_id INTEGER, author_id INTEGER, body TEXT)`,
		`CREATE TABLE authors (id INTEGER PRIMARY KEY, name TEXT UNIQUE)`,
	} {
		require.NoError(t, database.MustExecDDL(ddl))
	}

	return New(database, testRegistry(), opts...)
}

func seed(t *testing.T, r *Repo) {
	t.Helper()
	ctx := context.Background()

	stmts := []struct {
		sql  string
		args []any
	}{
		{`INSERT INTO posts (id, title) VALUES (?, ?)`, []any{1, "first"}},
		{`INSERT INTO posts (id, title) VALUES (?, ?)`, []any{2, "second"}},
		{`INSERT INTO authors (id, name) VALUES (?, ?)`, []any{10, "alice"}},
		{`INSERT INTO authors (id, name) VALUES (?, ?)`, []any{11, "bob"}},
		{`INSERT INTO comments (id, post_id, author_id, body) VALUES (?, ?, ?, ?)`, []any{100, 1, 10, "c1"}},
		{`INSERT INTO comments (id, post_id, author_id, body) VALUES (?, ?, ?, ?)`, []any{101, 1, 11, "c2"}},
		{`INSERT INTO comments (id, post_id, author_id, body) VALUES (?, ?, ?, ?)`, []any{102, 2, 10, "c3"}},
	}
	for _, s := range stmts {
		_, err := r.db.Exec(ctx, s.sql, s.args...)
		require.NoError(t, err)
	}
}

func TestRepo_All(t *testing.T) {
	r := newTestRepo(t)
	seed(t, r)

	q := query.New("posts").OrderBy("s0.id")
	posts, err := r.All(context.Background(), "Post", q)
	require.NoError(t, err)

	require.Len(t, posts, 2)
	assert.Equal(t, "first", posts[0].GetOrNil("title"))
	assert.Equal(t, int64(2), posts[1].GetOrNil("id"))
}

func TestRepo_Get(t *testing.T) {
	r := newTestRepo(t)
	seed(t, r)

	e, found, err := r.Get(context.Background(), "Post", 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "first", e.GetOrNil("title"))

	_, found, err = r.Get(context.Background(), "Post", 404)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRepo_Get_RowCache(t *testing.T) {
	store := cache.NewLocalStore(100, time.Minute)
	r := newTestRepo(t, WithStore(store))
	seed(t, r)

	_, found, err := r.Get(context.Background(), "Post", 1)
	require.NoError(t, err)
	require.True(t, found)

	// 第二次命中缓存
	_, found, err = r.Get(context.Background(), "Post", 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1), store.Stats().Hits)
}

func TestRepo_Preload_HasMany(t *testing.T) {
	r := newTestRepo(t)
	seed(t, r)
	ctx := context.Background()

	posts, err := r.All(ctx, "Post", query.New("posts").OrderBy("s0.id"))
	require.NoError(t, err)
	require.NoError(t, r.Preload(ctx, posts, "comments"))

	c1 := posts[0].GetOrNil("comments").([]*schema.Entity)
	require.Len(t, c1, 2)
	c2 := posts[1].GetOrNil("comments").([]*schema.Entity)
	require.Len(t, c2, 1)
	assert.Equal(t, "c3", c2[0].GetOrNil("body"))
}

func TestRepo_Preload_Nested(t *testing.T) {
	r := newTestRepo(t)
	seed(t, r)
	ctx := context.Background()

	posts, err := r.All(ctx, "Post", query.New("posts").OrderBy("s0.id"))
	require.NoError(t, err)
	require.NoError(t, r.Preload(ctx, posts, preload.With("comments", "author")))

	comments := posts[0].GetOrNil("comments").([]*schema.Entity)
	require.Len(t, comments, 2)
	byBody := map[string]*schema.Entity{}
	for _, c := range comments {
		byBody[c.GetOrNil("body").(string)] = c
	}
	author := byBody["c1"].GetOrNil("author").(*schema.Entity)
	require.NotNil(t, author)
	assert.Equal(t, "alice", author.GetOrNil("name"))
}

func TestRepo_Preload_Through(t *testing.T) {
	r := newTestRepo(t)
	seed(t, r)
	ctx := context.Background()

	posts, err := r.All(ctx, "Post", query.New("posts").OrderBy("s0.id"))
	require.NoError(t, err)
	require.NoError(t, r.Preload(ctx, posts, "authors"))

	// post 1 的两条评论来自两位作者
	a1 := posts[0].GetOrNil("authors").([]*schema.Entity)
	require.Len(t, a1, 2)

	// post 2 只有 alice，且去重后恰一条
	a2 := posts[1].GetOrNil("authors").([]*schema.Entity)
	require.Len(t, a2, 1)
	assert.Equal(t, "alice", a2[0].GetOrNil("name"))
}

func TestRepo_Preload_EmptyOwners(t *testing.T) {
	r := newTestRepo(t)
	require.NoError(t, r.Preload(context.Background(), nil, "comments"))
}

func TestRepo_Preload_LoadedEmpty(t *testing.T) {
	r := newTestRepo(t)
	seed(t, r)
	ctx := context.Background()

	_, err := r.db.Exec(ctx, `INSERT INTO posts (id, title) VALUES (?, ?)`, 3, "bare")
	require.NoError(t, err)

	posts, err := r.All(ctx, "Post", query.New("posts").Where("s0.id = ?", 3))
	require.NoError(t, err)
	require.NoError(t, r.Preload(ctx, posts, "comments"))

	// 无关联行也要缝合为已加载的空集合
	loaded := posts[0].GetOrNil("comments")
	require.NotNil(t, loaded)
	assert.Empty(t, loaded.([]*schema.Entity))
}

func TestRepo_Persist_Insert(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	cs := changeset.New(schema.NewEntity("Post"))
	cs.Action = changeset.ActionInsert
	cs.PutChange("title", "created")

	applied, err := r.Persist(ctx, cs)
	require.NoError(t, err)
	assert.Equal(t, "created", applied.GetOrNil("title"))
	assert.NotNil(t, applied.GetOrNil("id"))

	got, found, err := r.Get(ctx, "Post", applied.GetOrNil("id"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "created", got.GetOrNil("title"))
}

func TestRepo_Persist_UpdateAndDelete(t *testing.T) {
	r := newTestRepo(t)
	seed(t, r)
	ctx := context.Background()

	post, found, err := r.Get(ctx, "Post", 1)
	require.NoError(t, err)
	require.True(t, found)

	cs := changeset.New(post)
	cs.Action = changeset.ActionUpdate
	cs.PutChange("title", "renamed")
	_, err = r.Persist(ctx, cs)
	require.NoError(t, err)

	got, _, err := r.Get(ctx, "Post", 1)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.GetOrNil("title"))

	del := changeset.New(got)
	del.Action = changeset.ActionDelete
	_, err = r.Persist(ctx, del)
	require.NoError(t, err)

	_, found, err = r.Get(ctx, "Post", 1)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRepo_Persist_UniqueViolation(t *testing.T) {
	r := newTestRepo(t)
	seed(t, r)
	ctx := context.Background()

	cs := changeset.New(schema.NewEntity("Author"))
	cs.Action = changeset.ActionInsert
	cs.PutChange("name", "alice") // 已存在

	_, err := r.Persist(ctx, cs)
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeValidation))
}

func TestRepo_Persist_RejectsInvalid(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	cs := changeset.New(schema.NewEntity("Post"))
	cs.Action = changeset.ActionInsert
	cs.AddError("title", "is required")

	_, err := r.Persist(ctx, cs)
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeValidation))
}

func TestRepo_PersistAll_Transactional(t *testing.T) {
	r := newTestRepo(t)
	seed(t, r)
	ctx := context.Background()

	ok := changeset.New(schema.NewEntity("Author"))
	ok.Action = changeset.ActionInsert
	ok.PutChange("name", "carol")

	dup := changeset.New(schema.NewEntity("Author"))
	dup.Action = changeset.ActionInsert
	dup.PutChange("name", "alice") // 唯一键冲突，触发回滚

	_, err := r.PersistAll(ctx, []*changeset.Changeset{ok, dup})
	require.Error(t, err)

	// carol 不应落库
	authors, err := r.All(ctx, "Author", query.New("authors").Where("s0.name = ?", "carol"))
	require.NoError(t, err)
	assert.Empty(t, authors)
}

func TestRepo_PersistAll_Order(t *testing.T) {
	r := newTestRepo(t)
	seed(t, r)
	ctx := context.Background()

	old, _, err := r.Get(ctx, "Comment", 100)
	require.NoError(t, err)

	del := changeset.New(old)
	del.Action = changeset.ActionDelete

	ins := changeset.New(schema.NewEntity("Comment"))
	ins.Action = changeset.ActionInsert
	ins.PutChange("post_id", int64(1))
	ins.PutChange("author_id", int64(10))
	ins.PutChange("body", "replacement")

	applied, err := r.PersistAll(ctx, []*changeset.Changeset{del, ins})
	require.NoError(t, err)
	require.Len(t, applied, 2)

	comments, err := r.All(ctx, "Comment", query.New("comments").Where("s0.post_id = ?", 1))
	require.NoError(t, err)
	assert.Len(t, comments, 2)
}
