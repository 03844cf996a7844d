// Package relation 实现嵌套关联的协调（"change"）引擎。
//
// 给定关联描述、当前已加载值与用户提交的新值，计算
// 匹配/插入/更新/删除集合，套用替换策略，产出变更集列表
// 与变更/有效标志。引擎本身是纯计算：不保留输入引用、
// 无共享可变状态，可被任意并发调用。
package relation

import (
	"datamap/changeset"
	"datamap/errors"
	"datamap/schema"
)

// Status 协调结果状态。
type Status string

const (
	// StatusOk 正常产出变更集。
	StatusOk Status = "ok"

	// StatusInvalid 替换策略为 mark_invalid 时的短路结果：
	// 不产出任何变更集，调用方将其转化为父变更集上的
	// "is invalid" 字段错误。唯一可恢复的错误类别。
	StatusInvalid Status = "invalid"
)

// Result 协调结果。
type Result struct {
	Status Status

	// Changesets 按确定性顺序排列的产出变更集：
	// 删除在对应替换的插入之前，匹配更新按新列表出现顺序。
	Changesets []*changeset.Changeset

	// Changed 是否存在实际变更：任一变更集有非空差量、
	// 动作不为空，或集合成员关系发生变化。
	Changed bool

	// Valid 所有产出变更集有效标志的合取。
	Valid bool
}

// Changeset 返回 One 基数下的主变更集（最后一个非 delete 动作的变更集）。
func (r *Result) Changeset() *changeset.Changeset {
	for i := len(r.Changesets) - 1; i >= 0; i-- {
		if r.Changesets[i].Action != changeset.ActionDelete {
			return r.Changesets[i]
		}
	}
	return nil
}

// Reconciler 关联协调引擎。
type Reconciler struct {
	reg   schema.IRegistry
	funcs changeset.IFuncSource
}

// New 创建协调引擎。funcs 可为 nil：此时 map 参数形态的
// 新值会退化为对 related 类型全部已注册字段的通用 Cast。
func New(reg schema.IRegistry, funcs changeset.IFuncSource) *Reconciler {
	return &Reconciler{reg: reg, funcs: funcs}
}

// Change 对 owner 的指定关联执行协调。
//
// newValue 形态：
//   - One 基数：*schema.Entity、*changeset.Changeset、map[string]any 或 nil；
//   - Many 基数：上述形态的切片（[]any、[]*schema.Entity、[]*changeset.Changeset），
//     nil 视为空列表。
//
// currentValue 为先前加载的值（同形态约定）或 schema.NotLoaded 哨兵。
// 对 NotLoaded 关联执行协调属于调用方编程错误，返回 ArgumentError。
func (r *Reconciler) Change(a *schema.Association, owner *schema.Entity, newValue, currentValue any) (*Result, error) {
	if schema.IsNotLoaded(currentValue) {
		return nil, errors.Argument(
			"cannot change relation %q that was not loaded, preload it before casting", a.Field)
	}

	current, err := toEntityList(a, currentValue)
	if err != nil {
		return nil, err
	}
	items, err := toItemList(a, newValue)
	if err != nil {
		return nil, err
	}

	pk := r.primaryKey(a)

	// 当前成员索引：保序记录，身份缺失的成员永不匹配
	entries := make([]*currentEntry, len(current))
	index := make(map[any]*currentEntry, len(current))
	for i, e := range current {
		entry := &currentEntry{entity: e}
		entries[i] = entry
		if id := e.GetOrNil(pk); id != nil {
			if _, dup := index[id]; !dup {
				index[id] = entry
			}
		}
	}

	// 新列表中出现的身份：用于判断某个当前成员“再也不会被匹配”
	futureIDs := make(map[any]int, len(items))
	for _, item := range items {
		if id := itemIdentity(item, pk); id != nil {
			futureIDs[id]++
		}
	}

	st := &walkState{
		reconciler: r,
		assoc:      a,
		owner:      owner,
		pk:         pk,
		entries:    entries,
		futureIDs:  futureIDs,
	}

	for _, item := range items {
		id := itemIdentity(item, pk)
		if id != nil {
			futureIDs[id]--
		}

		if id != nil {
			if entry, ok := index[id]; ok && !entry.matched {
				entry.matched = true
				if err := st.emitMatched(entry.entity, item); err != nil {
					return nil, err
				}
				continue
			}
		}

		// 插入即一次“替换”发生：先冲掉再也不会被匹配的当前成员
		if err := st.flushRemovals(false); err != nil {
			return nil, err
		}
		if st.invalid {
			return invalidResult(), nil
		}
		if err := st.emitInsert(item); err != nil {
			return nil, err
		}
	}

	if err := st.flushRemovals(true); err != nil {
		return nil, err
	}
	if st.invalid {
		return invalidResult(), nil
	}

	return st.result(), nil
}

type currentEntry struct {
	entity  *schema.Entity
	matched bool
	flushed bool
}

type walkState struct {
	reconciler *Reconciler
	assoc      *schema.Association
	owner      *schema.Entity
	pk         string

	entries   []*currentEntry
	futureIDs map[any]int

	out        []*changeset.Changeset
	invalid    bool
	membership bool // 成员关系是否变化（插入/删除/置空）
}

// emitMatched 为身份匹配的新成员产出 update 变更集。
func (s *walkState) emitMatched(current *schema.Entity, item any) error {
	var cs *changeset.Changeset

	switch it := item.(type) {
	case *changeset.Changeset:
		// 已是变更集：沿用其 changes/errors/有效性，不重新计算
		switch it.Action {
		case changeset.ActionInsert:
			return errors.Invariant(
				"cannot insert related entity in %q: entity already exists in the parent", s.assoc.Field)
		case changeset.ActionNone:
			it.Action = changeset.ActionUpdate
		}
		cs = it
	case *schema.Entity:
		cs = changeset.Diff(current, it)
		cs.Action = changeset.ActionUpdate
	case map[string]any:
		cs = s.reconciler.buildFromParams(s.assoc, current, it)
		cs.Action = changeset.ActionUpdate
	default:
		return errors.Argument("unsupported relation value of type %T for %q", item, s.assoc.Field)
	}

	s.out = append(s.out, cs)
	return nil
}

// emitInsert 为无匹配身份的新成员产出 insert 变更集。
// 盖上 owner 侧外键；One 基数下补齐调用方未设置的默认值。
func (s *walkState) emitInsert(item any) error {
	a := s.assoc

	var cs *changeset.Changeset
	switch it := item.(type) {
	case *changeset.Changeset:
		switch it.Action {
		case changeset.ActionUpdate, changeset.ActionDelete:
			return errors.Invariant(
				"cannot %s related entity in %q: entity does not exist in the parent model", it.Action, a.Field)
		}
		it.Action = changeset.ActionInsert
		cs = it
	case *schema.Entity:
		stamped := it.Clone()
		s.stamp(stamped)
		cs = changeset.Diff(schema.NewEntity(a.RelatedType), stamped)
		cs.Action = changeset.ActionInsert
		s.out = append(s.out, cs)
		s.membership = true
		return nil
	case map[string]any:
		fresh := schema.NewEntity(a.RelatedType)
		cs = s.reconciler.buildFromParams(a, fresh, it)
		cs.Action = changeset.ActionInsert
	default:
		return errors.Argument("unsupported relation value of type %T for %q", item, a.Field)
	}

	// 变更集形态：外键与默认值通过 changes 写入
	if a.OwnsKey() {
		cs.PutChange(a.RelatedKey, s.owner.GetOrNil(a.OwnerKey))
	}
	if a.Cardinality() == schema.CardinalityOne {
		for field, value := range a.Defaults {
			if cs.GetField(field) == nil {
				cs.PutChange(field, value)
			}
		}
	}

	s.out = append(s.out, cs)
	s.membership = true
	return nil
}

// stamp 在实体副本上盖外键并补默认值。
func (s *walkState) stamp(e *schema.Entity) {
	a := s.assoc
	if a.OwnsKey() {
		e.Set(a.RelatedKey, s.owner.GetOrNil(a.OwnerKey))
	}
	if a.Cardinality() == schema.CardinalityOne {
		for field, value := range a.Defaults {
			if e.GetOrNil(field) == nil {
				e.Set(field, value)
			}
		}
	}
}

// flushRemovals 将“再也不会被匹配”的当前成员按原始顺序冲掉，
// 套用 on_replace 策略。final 为真时（新列表处理完毕）冲掉
// 所有剩余未匹配成员。
func (s *walkState) flushRemovals(final bool) error {
	for _, entry := range s.entries {
		if entry.matched || entry.flushed {
			continue
		}
		if !final {
			if id := entry.entity.GetOrNil(s.pk); id != nil && s.futureIDs[id] > 0 {
				// 之后还会被匹配，暂不处理
				continue
			}
		}
		entry.flushed = true
		if err := s.applyReplace(entry.entity); err != nil {
			return err
		}
		if s.invalid {
			return nil
		}
	}
	return nil
}

// applyReplace 对一个被移除成员套用替换策略。
func (s *walkState) applyReplace(current *schema.Entity) error {
	a := s.assoc
	switch a.OnReplace {
	case schema.ReplaceRaise:
		return errors.Invariant(
			"attempting to change relation %q with on_replace: raise, you probably meant a different :on_replace configuration", a.Field)
	case schema.ReplaceMarkInvalid:
		s.invalid = true
		return nil
	case schema.ReplaceNilify:
		cs := changeset.New(current)
		cs.Action = changeset.ActionUpdate
		if a.OwnsKey() {
			cs.PutChange(a.RelatedKey, nil)
		}
		s.out = append(s.out, cs)
		s.membership = true
		return nil
	case schema.ReplaceDelete:
		cs := changeset.New(current)
		cs.Action = changeset.ActionDelete
		s.out = append(s.out, cs)
		s.membership = true
		return nil
	case schema.ReplaceIgnore:
		// 静默丢弃，不计为变更
		return nil
	default:
		return errors.Configuration("unknown on_replace policy %q for %q", a.OnReplace, a.Field)
	}
}

func (s *walkState) result() *Result {
	changed := s.membership
	valid := true
	for _, cs := range s.out {
		if cs.HasChanges() {
			changed = true
		}
		switch cs.Action {
		case changeset.ActionInsert, changeset.ActionDelete:
			changed = true
		}
		if !cs.Valid {
			valid = false
		}
	}

	return &Result{
		Status:     StatusOk,
		Changesets: s.out,
		Changed:    changed,
		Valid:      valid,
	}
}

func invalidResult() *Result {
	return &Result{Status: StatusInvalid, Changed: false, Valid: false}
}

// buildFromParams 通过 on_cast 指定（或默认）的构造函数
// 从参数映射构建变更集。
func (r *Reconciler) buildFromParams(a *schema.Association, base *schema.Entity, params map[string]any) *changeset.Changeset {
	if r.funcs != nil {
		if fn, ok := r.funcs.ChangesetFunc(a.RelatedType, a.OnCast); ok {
			return fn(base, params)
		}
	}
	// 兜底：对 related 类型全部已注册标量字段做通用 Cast
	var permitted []string
	if meta, ok := r.reg.Meta(a.RelatedType); ok {
		permitted = meta.Fields
	}
	return changeset.GenericFunc(permitted...)(base, params)
}

// primaryKey 解析 related 类型的自然身份键。
func (r *Reconciler) primaryKey(a *schema.Association) string {
	if meta, ok := r.reg.Meta(a.RelatedType); ok && meta.PrimaryKey != "" {
		return meta.PrimaryKey
	}
	return "id"
}

// itemIdentity 提取新成员的身份键值。
func itemIdentity(item any, pk string) any {
	switch it := item.(type) {
	case *schema.Entity:
		return it.GetOrNil(pk)
	case *changeset.Changeset:
		return it.GetField(pk)
	case map[string]any:
		return it[pk]
	default:
		return nil
	}
}

// toEntityList 把 currentValue 归一为实体列表。
func toEntityList(a *schema.Association, v any) ([]*schema.Entity, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case *schema.Entity:
		if val == nil {
			return nil, nil
		}
		return []*schema.Entity{val}, nil
	case []*schema.Entity:
		return val, nil
	default:
		return nil, errors.Argument(
			"unsupported current value of type %T for relation %q", v, a.Field)
	}
}

// toItemList 把 newValue 归一为成员列表。nil 表示显式置空或空列表。
func toItemList(a *schema.Association, v any) ([]any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case *schema.Entity:
		if val == nil {
			return nil, nil
		}
		return []any{val}, nil
	case *changeset.Changeset:
		if val == nil {
			return nil, nil
		}
		return []any{val}, nil
	case map[string]any:
		return []any{val}, nil
	case []any:
		return val, nil
	case []*schema.Entity:
		items := make([]any, len(val))
		for i, e := range val {
			items[i] = e
		}
		return items, nil
	case []*changeset.Changeset:
		items := make([]any, len(val))
		for i, cs := range val {
			items[i] = cs
		}
		return items, nil
	case []map[string]any:
		items := make([]any, len(val))
		for i, m := range val {
			items[i] = m
		}
		return items, nil
	default:
		return nil, errors.Argument(
			"unsupported relation value of type %T for %q", v, a.Field)
	}
}
