package changeset

import (
	"sync"

	"datamap/schema"
)

// DefaultFuncName 默认变更集构造函数名。
// 关联未指定 OnCast 时使用该名字查找。
const DefaultFuncName = "changeset"

// Func 按类型构建变更集的函数。
// 嵌套 cast 时由协调引擎通过 IFuncSource 解析后调用。
type Func func(entity *schema.Entity, params map[string]any) *Changeset

// IFuncSource 变更集构造函数的只读查询能力。
//
// name 为空时等价于 DefaultFuncName。
type IFuncSource interface {
	ChangesetFunc(typeName, name string) (Func, bool)
}

type funcKey struct {
	typeName string
	name     string
}

// FuncRegistry 内存实现的变更集构造函数注册表。
// 注册阶段完成后只读，可被任意并发查询。
type FuncRegistry struct {
	mu    sync.RWMutex
	funcs map[funcKey]Func
}

// NewFuncRegistry 创建空注册表。
func NewFuncRegistry() *FuncRegistry {
	return &FuncRegistry{funcs: make(map[funcKey]Func)}
}

// Register 注册指定类型的命名构造函数。
func (r *FuncRegistry) Register(typeName, name string, fn Func) *FuncRegistry {
	if fn == nil {
		panic("changeset.FuncRegistry: fn cannot be nil")
	}
	if name == "" {
		name = DefaultFuncName
	}
	r.mu.Lock()
	r.funcs[funcKey{typeName, name}] = fn
	r.mu.Unlock()
	return r
}

// RegisterDefault 注册指定类型的默认构造函数。
func (r *FuncRegistry) RegisterDefault(typeName string, fn Func) *FuncRegistry {
	return r.Register(typeName, DefaultFuncName, fn)
}

// ChangesetFunc 查找构造函数。
func (r *FuncRegistry) ChangesetFunc(typeName, name string) (Func, bool) {
	if name == "" {
		name = DefaultFuncName
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[funcKey{typeName, name}]
	return fn, ok
}

// GenericFunc 返回通用构造函数：按给定许可字段做 Cast。
// 未在 FuncRegistry 中注册专用函数的类型可用它兜底。
func GenericFunc(permitted ...string) Func {
	return func(entity *schema.Entity, params map[string]any) *Changeset {
		return Cast(entity, params, permitted...)
	}
}
