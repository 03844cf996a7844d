package repo

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"datamap/changeset"
	"datamap/errors"
	"datamap/logging"
	"datamap/schema"
)

// executor 写操作的最小执行面，IDatabase 与 ITransaction 均满足。
type executor interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Persist 将单个变更集落库并返回套用后的实体。
//
// Action 必须已确定：insert/update/delete。无效变更集
// （Valid 为假）返回 ValidationError。
func (r *Repo) Persist(ctx context.Context, cs *changeset.Changeset) (*schema.Entity, error) {
	return r.persistOne(ctx, r.db, cs)
}

// PersistAll 在单个事务内按序落库多个变更集。
// 顺序即传入顺序，调用方负责删除先于对应插入的排列。
func (r *Repo) PersistAll(ctx context.Context, css []*changeset.Changeset) ([]*schema.Entity, error) {
	if len(css) == 0 {
		return nil, nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeDatabase, "begin transaction failed")
	}

	out := make([]*schema.Entity, 0, len(css))
	for _, cs := range css {
		e, err := r.persistOne(ctx, tx, cs)
		if err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		out = append(out, e)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeDatabase, "commit failed")
	}
	return out, nil
}

func (r *Repo) persistOne(ctx context.Context, ex executor, cs *changeset.Changeset) (*schema.Entity, error) {
	if cs == nil || cs.Entity == nil {
		return nil, errors.Argument("nil changeset")
	}
	if !cs.Valid {
		return nil, errors.Newf(errors.ErrCodeValidation,
			"cannot persist invalid changeset for %q", cs.Entity.TypeName)
	}

	typeName := cs.Entity.TypeName
	meta, ok := r.reg.Meta(typeName)
	if !ok {
		return nil, errors.Configuration("unknown entity type %q", typeName)
	}

	switch cs.Action {
	case changeset.ActionInsert:
		return r.execInsert(ctx, ex, meta, cs)
	case changeset.ActionUpdate:
		return r.execUpdate(ctx, ex, meta, cs)
	case changeset.ActionDelete:
		return r.execDelete(ctx, ex, meta, cs)
	default:
		return nil, errors.Argument(
			"changeset for %q has no persistable action", typeName)
	}
}

func (r *Repo) execInsert(ctx context.Context, ex executor, meta *schema.EntityMeta, cs *changeset.Changeset) (*schema.Entity, error) {
	cols, args := orderedChanges(cs)
	if len(cols) == 0 {
		return nil, errors.Argument("insert changeset for %q has no fields", meta.TypeName)
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(r.dial.QuoteIdentifier(meta.Source))
	b.WriteString(" (")
	for i, col := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(r.dial.QuoteIdentifier(col))
	}
	b.WriteString(") VALUES (")
	for i := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("?")
	}
	b.WriteString(")")

	res, err := ex.Exec(ctx, r.dial.Rebind(b.String()), args...)
	if err != nil {
		if r.dial.IsUniqueViolation(err) {
			return nil, errors.WrapError(err, errors.ErrCodeValidation,
				"unique constraint violated on "+meta.Source)
		}
		return nil, errors.WrapError(err, errors.ErrCodeDatabase, "insert failed")
	}

	applied := cs.Apply()
	if applied.GetOrNil(meta.PrimaryKey) == nil {
		if id, err := res.LastInsertId(); err == nil && id > 0 {
			applied.Set(meta.PrimaryKey, id)
		}
	}

	r.afterWrite(ctx, meta.TypeName, applied.GetOrNil(meta.PrimaryKey))
	r.logger.Debug(ctx, "inserted entity", logging.String("type", meta.TypeName))
	return applied, nil
}

func (r *Repo) execUpdate(ctx context.Context, ex executor, meta *schema.EntityMeta, cs *changeset.Changeset) (*schema.Entity, error) {
	id := cs.Entity.GetOrNil(meta.PrimaryKey)
	if id == nil {
		return nil, errors.Argument(
			"update changeset for %q has no primary key", meta.TypeName)
	}
	if !cs.HasChanges() {
		return cs.Entity, nil
	}

	cols, args := orderedChanges(cs)

	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(r.dial.QuoteIdentifier(meta.Source))
	b.WriteString(" SET ")
	for i, col := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(r.dial.QuoteIdentifier(col))
		b.WriteString(" = ?")
	}
	b.WriteString(" WHERE ")
	b.WriteString(r.dial.QuoteIdentifier(meta.PrimaryKey))
	b.WriteString(" = ?")
	args = append(args, id)

	if _, err := ex.Exec(ctx, r.dial.Rebind(b.String()), args...); err != nil {
		if r.dial.IsUniqueViolation(err) {
			return nil, errors.WrapError(err, errors.ErrCodeValidation,
				"unique constraint violated on "+meta.Source)
		}
		return nil, errors.WrapError(err, errors.ErrCodeDatabase, "update failed")
	}

	r.afterWrite(ctx, meta.TypeName, id)
	return cs.Apply(), nil
}

func (r *Repo) execDelete(ctx context.Context, ex executor, meta *schema.EntityMeta, cs *changeset.Changeset) (*schema.Entity, error) {
	id := cs.Entity.GetOrNil(meta.PrimaryKey)
	if id == nil {
		return nil, errors.Argument(
			"delete changeset for %q has no primary key", meta.TypeName)
	}

	sqlText := "DELETE FROM " + r.dial.QuoteIdentifier(meta.Source) +
		" WHERE " + r.dial.QuoteIdentifier(meta.PrimaryKey) + " = ?"
	if _, err := ex.Exec(ctx, r.dial.Rebind(sqlText), id); err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeDatabase, "delete failed")
	}

	r.afterWrite(ctx, meta.TypeName, id)
	return cs.Entity, nil
}

// afterWrite 同步失效本地行缓存并广播给其他节点。
func (r *Repo) afterWrite(ctx context.Context, typeName string, id any) {
	if id == nil {
		return
	}
	if r.store != nil {
		if err := r.store.Invalidate(ctx, typeName, id); err != nil {
			r.logger.Warn(ctx, "row cache invalidate failed",
				logging.String("type", typeName), logging.Error(err))
		}
	}
	if r.inval != nil {
		if err := r.inval.Invalidate(ctx, typeName, id); err != nil {
			r.logger.Warn(ctx, "broadcast invalidate failed",
				logging.String("type", typeName), logging.Error(err))
		}
	}
}

// orderedChanges 以确定性列序展开变更字段。
func orderedChanges(cs *changeset.Changeset) ([]string, []any) {
	cols := make([]string, 0, len(cs.Changes))
	for col := range cs.Changes {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	args := make([]any, len(cols))
	for i, col := range cols {
		args[i] = cs.Changes[col]
	}
	return cols, args
}
