package schema

import (
	"sort"
	"sync"
)

// EntityMeta 描述实体类型元信息。
type EntityMeta struct {
	// TypeName 类型标识（注册表键）。
	TypeName string

	// Source 物理存储名（表名）。
	Source string

	// PrimaryKey 主键字段名，作为协调时的自然身份键。
	PrimaryKey string

	// Fields 标量字段名列表（不含关联字段）。
	Fields []string

	associations map[string]*Association
	assocOrder   []string
}

// NewEntityMeta 创建实体元信息。
func NewEntityMeta(typeName, source, primaryKey string, fields ...string) *EntityMeta {
	return &EntityMeta{
		TypeName:     typeName,
		Source:       source,
		PrimaryKey:   primaryKey,
		Fields:       fields,
		associations: make(map[string]*Association),
	}
}

// AddAssociation 注册一条关联（按字段名）。重复注册以最后一次为准。
func (m *EntityMeta) AddAssociation(a *Association) *EntityMeta {
	if _, ok := m.associations[a.Field]; !ok {
		m.assocOrder = append(m.assocOrder, a.Field)
	}
	m.associations[a.Field] = a
	return m
}

// Association 按字段名查找关联。
func (m *EntityMeta) Association(field string) (*Association, bool) {
	a, ok := m.associations[field]
	return a, ok
}

// AssociationNames 返回关联字段名（按注册顺序）。
func (m *EntityMeta) AssociationNames() []string {
	return append([]string(nil), m.assocOrder...)
}

// HasField 判断是否为已声明的标量字段。
func (m *EntityMeta) HasField(name string) bool {
	for _, f := range m.Fields {
		if f == name {
			return true
		}
	}
	return false
}

// IRegistry 类型/关联注册表的只读查询接口。
//
// 核心算法将其视为无副作用的只读服务，从不修改。
type IRegistry interface {
	// Meta 按类型名查找实体元信息。
	Meta(typeName string) (*EntityMeta, bool)

	// Association 按类型名与字段名查找关联描述。
	Association(typeName, field string) (*Association, bool)
}

// Registry 基于内存映射的注册表实现。
// 注册阶段完成后只读，可被任意并发查询。
type Registry struct {
	mu    sync.RWMutex
	metas map[string]*EntityMeta
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{metas: make(map[string]*EntityMeta)}
}

// Register 注册实体元信息。
func (r *Registry) Register(meta *EntityMeta) *Registry {
	if meta == nil {
		panic("schema.Registry: meta cannot be nil")
	}
	r.mu.Lock()
	r.metas[meta.TypeName] = meta
	r.mu.Unlock()
	return r
}

// Meta 按类型名查找实体元信息。
func (r *Registry) Meta(typeName string) (*EntityMeta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.metas[typeName]
	return m, ok
}

// Association 按类型名与字段名查找关联描述。
func (r *Registry) Association(typeName, field string) (*Association, bool) {
	m, ok := r.Meta(typeName)
	if !ok {
		return nil, false
	}
	return m.Association(field)
}

// TypeNames 返回已注册的类型名（排序后），主要用于诊断输出。
func (r *Registry) TypeNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.metas))
	for name := range r.metas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RelatedSourceFor 解析关联目标的物理存储名：
// 优先使用关联上的 RelatedSource 覆盖，否则取 related 类型的 Source。
func RelatedSourceFor(reg IRegistry, a *Association) string {
	if a.RelatedSource != "" {
		return a.RelatedSource
	}
	if m, ok := reg.Meta(a.RelatedType); ok {
		return m.Source
	}
	return ""
}
