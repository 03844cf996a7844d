// Package repo 提供实体仓储：查询执行、预加载编排与变更集持久化。
//
// 仓储把下层各纯计算包串起来：query 构建 SQL，assoc 解析
// 关联过滤，preload 规划与缝合，changeset 描述写操作。
// 可选接入 cache.IStore 行缓存与失效广播。
package repo

import (
	"context"

	"datamap/cache"
	"datamap/db"
	"datamap/logging"
	"datamap/query/dialect"
	"datamap/schema"
)

// IInvalidator 跨节点失效广播能力（cache/bus.Bus 实现）。
type IInvalidator interface {
	Invalidate(ctx context.Context, typeName string, ids ...any) error
}

// Repo 实体仓储。
type Repo struct {
	db     db.IDatabase
	reg    schema.IRegistry
	dial   dialect.Dialect
	logger logging.Logger
	store  cache.IStore
	inval  IInvalidator
}

// Option 仓储可选配置。
type Option func(*Repo)

// WithLogger 指定日志器。
func WithLogger(l logging.Logger) Option {
	return func(r *Repo) { r.logger = l }
}

// WithStore 接入行缓存。
func WithStore(s cache.IStore) Option {
	return func(r *Repo) { r.store = s }
}

// WithInvalidator 接入失效广播。
func WithInvalidator(inv IInvalidator) Option {
	return func(r *Repo) { r.inval = inv }
}

// WithDialect 强制指定方言，覆盖从连接探测的结果。
func WithDialect(name string) Option {
	return func(r *Repo) { r.dial = dialect.New(name) }
}

// New 创建仓储。方言默认从数据库连接探测，探测不到按 sqlite 处理。
func New(database db.IDatabase, reg schema.IRegistry, opts ...Option) *Repo {
	r := &Repo{
		db:   database,
		reg:  reg,
		dial: dialect.New("sqlite"),
	}
	if p, ok := database.(db.IDialectNameProvider); ok {
		r.dial = dialect.New(p.GetDialectName())
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logging.GetLogger().WithFields(logging.String("component", "repo"))
	}
	return r
}

// Registry 返回仓储使用的类型注册表。
func (r *Repo) Registry() schema.IRegistry { return r.reg }
