package repo

import (
	"context"

	"datamap/assoc"
	"datamap/logging"
	"datamap/preload"
	"datamap/query"
	"datamap/schema"
)

// Preload 按规格在 owners 上加载关联并缝合到对应字段。
//
// spec 接受 preload 包定义的全部形态（名字、Entry、嵌套列表）。
// owners 必须同为一种类型；空列表直接返回。
func (r *Repo) Preload(ctx context.Context, owners []*schema.Entity, spec any) error {
	if len(owners) == 0 {
		return nil
	}

	nodes, err := preload.Normalize(spec)
	if err != nil {
		return err
	}
	plan, err := preload.Expand(r.reg, owners[0].TypeName, nodes, nil)
	if err != nil {
		return err
	}
	return r.runPlan(ctx, owners, plan)
}

func (r *Repo) runPlan(ctx context.Context, owners []*schema.Entity, plan []preload.Expanded) error {
	for _, item := range plan {
		var err error
		switch item.Tag {
		case preload.TagThrough:
			err = r.loadThrough(ctx, owners, item)
		default:
			err = r.loadAssoc(ctx, owners, item)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// loadAssoc 加载一个直接关联并递归其嵌套预加载。
func (r *Repo) loadAssoc(ctx context.Context, owners []*schema.Entity, item preload.Expanded) error {
	related, err := r.fetchRelated(ctx, owners, item.Assoc, item.OwnerKey, item.Query)
	if err != nil {
		return err
	}
	preload.Stitch(item.Assoc, owners, related)

	if len(item.Nested) > 0 && len(related) > 0 {
		return r.runPlan(ctx, related, item.Nested)
	}
	return nil
}

// loadThrough 逐级加载 through 链的中间步骤，再在内存中
// 遍历缝合最终目标。自定义查询只约束最终一步的抓取。
func (r *Repo) loadThrough(ctx context.Context, owners []*schema.Entity, item preload.Expanded) error {
	frontier := owners
	for i, step := range item.Steps {
		var base *query.Query
		if i == len(item.Steps)-1 {
			base = item.Query
		}

		related, err := r.fetchRelated(ctx, frontier, step, step.OwnerKey, base)
		if err != nil {
			return err
		}
		preload.Stitch(step, frontier, related)

		if len(related) == 0 {
			frontier = nil
			break
		}
		frontier = related
	}

	preload.StitchThrough(r.reg, item.Assoc, item.Steps, owners)
	r.logger.Debug(ctx, "through preload done",
		logging.String("assoc", item.Name), logging.Int("owners", len(owners)))
	return nil
}

// fetchRelated 收集 owner 侧键值并抓取 related 行。
func (r *Repo) fetchRelated(ctx context.Context, owners []*schema.Entity, a *schema.Association, ownerKey string, base *query.Query) ([]*schema.Entity, error) {
	keys := collectKeys(owners, ownerKey)
	if len(keys) == 0 {
		return nil, nil
	}

	q, err := assoc.FilterQuery(r.reg, a, keys, base)
	if err != nil {
		return nil, err
	}
	return r.All(ctx, a.RelatedType, q)
}

// collectKeys 去重收集非空键值，保持首次出现顺序。
func collectKeys(owners []*schema.Entity, field string) []any {
	seen := make(map[any]bool, len(owners))
	keys := make([]any, 0, len(owners))
	for _, o := range owners {
		v := o.GetOrNil(field)
		if v == nil || schema.IsNotLoaded(v) {
			continue
		}
		if seen[v] {
			continue
		}
		seen[v] = true
		keys = append(keys, v)
	}
	return keys
}
