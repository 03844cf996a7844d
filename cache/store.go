package cache

import (
	"context"
	"fmt"
	"time"

	"datamap/schema"
)

// IStore 实体行存储抽象。
//
// 键为 (类型名, 主键值)。实现必须并发安全；Get 未命中
// 返回 (nil, false, nil)，错误保留给底层存储故障。
type IStore interface {
	Get(ctx context.Context, typeName string, id any) (*schema.Entity, bool, error)
	Set(ctx context.Context, e *schema.Entity, id any) error
	Invalidate(ctx context.Context, typeName string, ids ...any) error
	Clear(ctx context.Context) error
}

// RowKey 组合类型名与主键值为存储键。
func RowKey(typeName string, id any) string {
	return fmt.Sprintf("%s:%v", typeName, id)
}

// LocalStore 进程内 IStore 实现，基于本包 LRU 缓存。
type LocalStore struct {
	cache *Cache[string, *schema.Entity]
}

// NewLocalStore 创建进程内行存储。
func NewLocalStore(maxSize int, ttl time.Duration) *LocalStore {
	return &LocalStore{
		cache: New[string, *schema.Entity](Config{
			Name:    "rows",
			MaxSize: maxSize,
			TTL:     ttl,
		}),
	}
}

func (s *LocalStore) Get(ctx context.Context, typeName string, id any) (*schema.Entity, bool, error) {
	e, ok := s.cache.Get(RowKey(typeName, id))
	if !ok {
		return nil, false, nil
	}
	// 返回副本，调用方可自由修改
	return e.Clone(), true, nil
}

func (s *LocalStore) Set(ctx context.Context, e *schema.Entity, id any) error {
	s.cache.Set(RowKey(e.TypeName, id), e.Clone())
	return nil
}

func (s *LocalStore) Invalidate(ctx context.Context, typeName string, ids ...any) error {
	for _, id := range ids {
		s.cache.Delete(RowKey(typeName, id))
	}
	return nil
}

func (s *LocalStore) Clear(ctx context.Context) error {
	s.cache.Clear()
	return nil
}

// Stats 暴露底层缓存统计。
func (s *LocalStore) Stats() Stats { return s.cache.Stats() }
