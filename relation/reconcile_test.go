package relation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datamap/changeset"
	"datamap/errors"
	"datamap/schema"
)

func testRegistry() *schema.Registry {
	reg := schema.NewRegistry()
	reg.Register(schema.NewEntityMeta("Post", "posts", "id", "id", "title"))
	reg.Register(schema.NewEntityMeta("Comment", "comments", "id", "id", "post_id", "body"))
	reg.Register(schema.NewEntityMeta("Profile", "profiles", "id", "id", "author_id", "bio", "kind"))
	reg.Register(schema.NewEntityMeta("Author", "authors", "id", "id", "name"))
	return reg
}

func commentsAssoc(policy schema.ReplacePolicy) *schema.Association {
	return schema.NewHasMany("comments", "Post", "Comment", "id", "post_id",
		schema.WithOnReplace(policy))
}

func profileAssoc(policy schema.ReplacePolicy, opts ...schema.AssociationOption) *schema.Association {
	all := append([]schema.AssociationOption{schema.WithOnReplace(policy)}, opts...)
	return schema.NewHasOne("profile", "Author", "Profile", "id", "author_id", all...)
}

func post(id int64) *schema.Entity {
	return schema.NewEntityWith("Post", map[string]any{"id": id, "title": "t"})
}

func comment(fields map[string]any) *schema.Entity {
	return schema.NewEntityWith("Comment", fields)
}

func TestChange_InsertStampsForeignKey(t *testing.T) {
	r := New(testRegistry(), nil)
	a := commentsAssoc(schema.ReplaceRaise)

	res, err := r.Change(a, post(10), []*schema.Entity{
		comment(map[string]any{"body": "hi"}),
	}, nil)
	require.NoError(t, err)

	require.Equal(t, StatusOk, res.Status)
	require.Len(t, res.Changesets, 1)
	cs := res.Changesets[0]
	assert.Equal(t, changeset.ActionInsert, cs.Action)
	assert.Equal(t, int64(10), cs.GetField("post_id"))
	assert.Equal(t, "hi", cs.GetField("body"))
	assert.True(t, res.Changed)
	assert.True(t, res.Valid)
}

func TestChange_MatchedUpdate(t *testing.T) {
	r := New(testRegistry(), nil)
	a := commentsAssoc(schema.ReplaceRaise)
	cur := []*schema.Entity{comment(map[string]any{"id": int64(1), "post_id": int64(10), "body": "a"})}

	res, err := r.Change(a, post(10), []*schema.Entity{
		comment(map[string]any{"id": int64(1), "post_id": int64(10), "body": "b"}),
	}, cur)
	require.NoError(t, err)

	require.Len(t, res.Changesets, 1)
	cs := res.Changesets[0]
	assert.Equal(t, changeset.ActionUpdate, cs.Action)
	got, ok := cs.GetChange("body")
	require.True(t, ok)
	assert.Equal(t, "b", got)
	assert.True(t, res.Changed)
}

func TestChange_MatchedUnchanged(t *testing.T) {
	r := New(testRegistry(), nil)
	a := commentsAssoc(schema.ReplaceRaise)
	cur := []*schema.Entity{comment(map[string]any{"id": int64(1), "post_id": int64(10), "body": "a"})}

	res, err := r.Change(a, post(10), []*schema.Entity{
		comment(map[string]any{"id": int64(1), "post_id": int64(10), "body": "a"}),
	}, cur)
	require.NoError(t, err)

	assert.Equal(t, StatusOk, res.Status)
	assert.False(t, res.Changed)
	assert.True(t, res.Valid)
}

func TestChange_NotLoadedCurrent(t *testing.T) {
	r := New(testRegistry(), nil)
	a := commentsAssoc(schema.ReplaceRaise)

	_, err := r.Change(a, post(10), nil, schema.NotLoaded)
	require.Error(t, err)
	assert.True(t, errors.IsArgument(err))
	assert.Contains(t, err.Error(), "comments")
}

func TestChange_ExplicitInsertOnExisting(t *testing.T) {
	r := New(testRegistry(), nil)
	a := commentsAssoc(schema.ReplaceRaise)
	cur := []*schema.Entity{comment(map[string]any{"id": int64(1), "post_id": int64(10)})}

	cs := changeset.New(comment(map[string]any{"id": int64(1)}))
	cs.Action = changeset.ActionInsert

	_, err := r.Change(a, post(10), []*changeset.Changeset{cs}, cur)
	require.Error(t, err)
	assert.True(t, errors.IsInvariant(err))
	assert.Contains(t, err.Error(), "already exists")
}

func TestChange_ExplicitUpdateOnMissing(t *testing.T) {
	r := New(testRegistry(), nil)
	a := commentsAssoc(schema.ReplaceRaise)

	cs := changeset.New(comment(map[string]any{"id": int64(99)}))
	cs.Action = changeset.ActionUpdate

	_, err := r.Change(a, post(10), []*changeset.Changeset{cs}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvariant(err))
	assert.Contains(t, err.Error(), "does not exist")
}

func TestChange_ExplicitDeleteOnMatched(t *testing.T) {
	r := New(testRegistry(), nil)
	a := commentsAssoc(schema.ReplaceRaise)
	cur := []*schema.Entity{comment(map[string]any{"id": int64(1), "post_id": int64(10)})}

	cs := changeset.New(comment(map[string]any{"id": int64(1)}))
	cs.Action = changeset.ActionDelete

	res, err := r.Change(a, post(10), []*changeset.Changeset{cs}, cur)
	require.NoError(t, err)
	require.Len(t, res.Changesets, 1)
	assert.Equal(t, changeset.ActionDelete, res.Changesets[0].Action)
	assert.True(t, res.Changed)
}

func TestChange_ReplaceRaise(t *testing.T) {
	r := New(testRegistry(), nil)
	a := commentsAssoc(schema.ReplaceRaise)
	cur := []*schema.Entity{comment(map[string]any{"id": int64(1), "post_id": int64(10)})}

	_, err := r.Change(a, post(10), nil, cur)
	require.Error(t, err)
	assert.True(t, errors.IsInvariant(err))
	assert.Contains(t, err.Error(), "on_replace")
}

func TestChange_ReplaceMarkInvalid(t *testing.T) {
	r := New(testRegistry(), nil)
	a := commentsAssoc(schema.ReplaceMarkInvalid)
	cur := []*schema.Entity{comment(map[string]any{"id": int64(1), "post_id": int64(10)})}

	res, err := r.Change(a, post(10), nil, cur)
	require.NoError(t, err)

	assert.Equal(t, StatusInvalid, res.Status)
	assert.Empty(t, res.Changesets)
	assert.False(t, res.Valid)
}

func TestChange_ReplaceNilify(t *testing.T) {
	r := New(testRegistry(), nil)
	a := commentsAssoc(schema.ReplaceNilify)
	cur := []*schema.Entity{comment(map[string]any{"id": int64(1), "post_id": int64(10)})}

	res, err := r.Change(a, post(10), nil, cur)
	require.NoError(t, err)

	require.Len(t, res.Changesets, 1)
	cs := res.Changesets[0]
	assert.Equal(t, changeset.ActionUpdate, cs.Action)
	got, ok := cs.GetChange("post_id")
	require.True(t, ok)
	assert.Nil(t, got)
	assert.True(t, res.Changed)
}

func TestChange_ReplaceDelete(t *testing.T) {
	r := New(testRegistry(), nil)
	a := commentsAssoc(schema.ReplaceDelete)
	cur := []*schema.Entity{comment(map[string]any{"id": int64(1), "post_id": int64(10)})}

	res, err := r.Change(a, post(10), nil, cur)
	require.NoError(t, err)

	require.Len(t, res.Changesets, 1)
	assert.Equal(t, changeset.ActionDelete, res.Changesets[0].Action)
	assert.True(t, res.Changed)
}

func TestChange_ReplaceIgnore(t *testing.T) {
	r := New(testRegistry(), nil)
	a := commentsAssoc(schema.ReplaceIgnore)
	cur := []*schema.Entity{comment(map[string]any{"id": int64(1), "post_id": int64(10)})}

	res, err := r.Change(a, post(10), nil, cur)
	require.NoError(t, err)

	assert.Empty(t, res.Changesets)
	assert.False(t, res.Changed)
	assert.True(t, res.Valid)
}

// 单数关联替换产出 [delete(旧), insert(新)] 的确定性顺序。
func TestChange_SingularSwapOrdering(t *testing.T) {
	r := New(testRegistry(), nil)
	a := profileAssoc(schema.ReplaceDelete)
	author := schema.NewEntityWith("Author", map[string]any{"id": int64(7), "name": "n"})
	cur := schema.NewEntityWith("Profile", map[string]any{"id": int64(1), "author_id": int64(7), "bio": "old"})

	res, err := r.Change(a, author, schema.NewEntityWith("Profile", map[string]any{"bio": "new"}), cur)
	require.NoError(t, err)

	require.Len(t, res.Changesets, 2)
	assert.Equal(t, changeset.ActionDelete, res.Changesets[0].Action)
	assert.Equal(t, changeset.ActionInsert, res.Changesets[1].Action)
	assert.Equal(t, "new", res.Changesets[1].GetField("bio"))
	assert.Equal(t, int64(7), res.Changesets[1].GetField("author_id"))

	primary := res.Changeset()
	require.NotNil(t, primary)
	assert.Equal(t, changeset.ActionInsert, primary.Action)
}

// 删除在对应插入之前冲出，但尚会被匹配的成员不受影响。
func TestChange_LaterMatchSurvivesFlush(t *testing.T) {
	r := New(testRegistry(), nil)
	a := commentsAssoc(schema.ReplaceDelete)
	cur := []*schema.Entity{
		comment(map[string]any{"id": int64(1), "post_id": int64(10), "body": "keep"}),
		comment(map[string]any{"id": int64(2), "post_id": int64(10), "body": "drop"}),
	}

	res, err := r.Change(a, post(10), []*schema.Entity{
		comment(map[string]any{"body": "fresh"}),
		comment(map[string]any{"id": int64(1), "post_id": int64(10), "body": "kept"}),
	}, cur)
	require.NoError(t, err)

	require.Len(t, res.Changesets, 3)
	assert.Equal(t, changeset.ActionDelete, res.Changesets[0].Action)
	assert.Equal(t, int64(2), res.Changesets[0].Entity.GetOrNil("id"))
	assert.Equal(t, changeset.ActionInsert, res.Changesets[1].Action)
	assert.Equal(t, changeset.ActionUpdate, res.Changesets[2].Action)
}

func TestChange_SingularDefaultsOnInsert(t *testing.T) {
	r := New(testRegistry(), nil)
	a := profileAssoc(schema.ReplaceRaise,
		schema.WithDefaults(map[string]any{"kind": "main"}))
	author := schema.NewEntityWith("Author", map[string]any{"id": int64(7)})

	res, err := r.Change(a, author, schema.NewEntityWith("Profile", map[string]any{"bio": "b"}), nil)
	require.NoError(t, err)

	require.Len(t, res.Changesets, 1)
	assert.Equal(t, "main", res.Changesets[0].GetField("kind"))

	// 调用方已设值时默认值不覆盖
	res, err = r.Change(a, author, schema.NewEntityWith("Profile", map[string]any{"bio": "b", "kind": "alt"}), nil)
	require.NoError(t, err)
	assert.Equal(t, "alt", res.Changesets[0].GetField("kind"))
}

func TestChange_ParamsThroughFuncRegistry(t *testing.T) {
	funcs := changeset.NewFuncRegistry()
	funcs.RegisterDefault("Comment", func(e *schema.Entity, params map[string]any) *changeset.Changeset {
		return changeset.Cast(e, params, "body").ValidateRequired("body")
	})
	r := New(testRegistry(), funcs)
	a := commentsAssoc(schema.ReplaceRaise)

	res, err := r.Change(a, post(10), []map[string]any{{"body": "from params"}}, nil)
	require.NoError(t, err)

	require.Len(t, res.Changesets, 1)
	cs := res.Changesets[0]
	assert.Equal(t, changeset.ActionInsert, cs.Action)
	assert.Equal(t, "from params", cs.GetField("body"))
	assert.Equal(t, int64(10), cs.GetField("post_id"))

	// 校验失败沿着 Valid 合取向上传播
	res, err = r.Change(a, post(10), []map[string]any{{}}, nil)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, StatusOk, res.Status)
}

func TestChange_EmptyBothSides(t *testing.T) {
	r := New(testRegistry(), nil)
	a := commentsAssoc(schema.ReplaceRaise)

	res, err := r.Change(a, post(10), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Changesets)
	assert.False(t, res.Changed)
	assert.True(t, res.Valid)
}
