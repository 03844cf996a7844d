package repo

import (
	"context"

	coredb "datamap/db"
	"datamap/errors"
	"datamap/logging"
	"datamap/query"
	"datamap/schema"
)

// All 执行查询并把结果行扫描为 typeName 类型的实体。
func (r *Repo) All(ctx context.Context, typeName string, q *query.Query) ([]*schema.Entity, error) {
	sqlText, args := q.Build(r.dial)
	r.logger.Debug(ctx, "execute query",
		logging.String("type", typeName), logging.String("sql", sqlText))

	rows, err := r.db.Query(ctx, sqlText, args...)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeDatabase, "query failed")
	}
	return scanEntities(rows, typeName)
}

// One 执行查询并返回首行，零行时 found 为假。
func (r *Repo) One(ctx context.Context, typeName string, q *query.Query) (*schema.Entity, bool, error) {
	entities, err := r.All(ctx, typeName, q.Clone().Limit(1))
	if err != nil {
		return nil, false, err
	}
	if len(entities) == 0 {
		return nil, false, nil
	}
	return entities[0], true, nil
}

// Get 按主键取单个实体，行缓存命中时不落库。
func (r *Repo) Get(ctx context.Context, typeName string, id any) (*schema.Entity, bool, error) {
	if r.store != nil {
		if e, found, err := r.store.Get(ctx, typeName, id); err != nil {
			r.logger.Warn(ctx, "row cache get failed",
				logging.String("type", typeName), logging.Error(err))
		} else if found {
			return e, true, nil
		}
	}

	meta, ok := r.reg.Meta(typeName)
	if !ok {
		return nil, false, errors.Configuration("unknown entity type %q", typeName)
	}

	q := query.New(meta.Source)
	q.WhereIn(q.Binding(), meta.PrimaryKey, []any{id})
	e, found, err := r.One(ctx, typeName, q)
	if err != nil || !found {
		return nil, found, err
	}

	if r.store != nil {
		if err := r.store.Set(ctx, e, id); err != nil {
			r.logger.Warn(ctx, "row cache set failed",
				logging.String("type", typeName), logging.Error(err))
		}
	}
	return e, true, nil
}

// scanEntities 把结果集按列名装进实体字段。
func scanEntities(rows coredb.IRows, typeName string) ([]*schema.Entity, error) {
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeDatabase, "read columns failed")
	}

	out := make([]*schema.Entity, 0, 8)
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.WrapError(err, errors.ErrCodeDatabase, "scan row failed")
		}

		e := schema.NewEntity(typeName)
		for i, col := range cols {
			e.Set(col, normalizeScanValue(values[i]))
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeDatabase, "iterate rows failed")
	}
	return out, nil
}

// normalizeScanValue 驱动返回的字节串统一转为 string。
func normalizeScanValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
