// Package cache 提供实体行缓存。
//
// 核心是一个并发安全的泛型 LRU+TTL 缓存，其上定义 IStore
// 行存储抽象：进程内实现基于本包缓存，跨进程实现见
// redisstore 子包，失效广播见 bus 子包。
package cache

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// Cache 泛型缓存：LRU 驱逐 + 基于访问时间的 TTL 过期。
type Cache[K comparable, V any] struct {
	name   string
	config Config

	items   map[K]*entry[K, V]
	lruList *list.List

	mu    sync.Mutex
	stats Stats
}

type entry[K comparable, V any] struct {
	key        K
	value      V
	accessedAt time.Time
	element    *list.Element
}

// Config 缓存配置
type Config struct {
	// Name 缓存名称（用于日志和统计）
	Name string

	// MaxSize 最大条目数，0 表示无限制
	MaxSize int

	// TTL 过期时间，基于最近访问时间；0 表示永不过期
	TTL time.Duration

	// OnEvict 驱逐回调（可选）
	OnEvict func(key, value any)
}

// Stats 缓存统计信息
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Expires   int64
	Size      int
}

// New 创建缓存实例
func New[K comparable, V any](config Config) *Cache[K, V] {
	if config.Name == "" {
		config.Name = "unnamed"
	}
	return &Cache[K, V]{
		name:    config.Name,
		config:  config,
		items:   make(map[K]*entry[K, V]),
		lruList: list.New(),
	}
}

// Get 获取缓存值。
// 读取也会更新访问时间、LRU 位置与统计，因此统一走互斥锁。
func (c *Cache[K, V]) Get(key K) (value V, found bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.items[key]
	if !exists {
		c.stats.Misses++
		return value, false
	}
	if c.expired(e) {
		c.removeLocked(e)
		c.stats.Misses++
		c.stats.Expires++
		return value, false
	}

	e.accessedAt = time.Now()
	c.lruList.MoveToFront(e.element)
	c.stats.Hits++
	return e.value, true
}

// Set 写入缓存值，容量满时驱逐最久未使用条目。
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e, exists := c.items[key]; exists {
		e.value = value
		e.accessedAt = now
		c.lruList.MoveToFront(e.element)
		return
	}

	if c.config.MaxSize > 0 && len(c.items) >= c.config.MaxSize {
		c.evictOldestLocked()
	}

	e := &entry[K, V]{key: key, value: value, accessedAt: now}
	e.element = c.lruList.PushFront(e)
	c.items[key] = e
	c.stats.Size = len(c.items)
}

// Delete 删除条目，返回是否存在并被删除。
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.items[key]
	if !exists {
		return false
	}
	c.removeLocked(e)
	return true
}

// Clear 清空所有条目。
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.config.OnEvict != nil {
		for _, e := range c.items {
			c.config.OnEvict(e.key, e.value)
		}
	}
	c.items = make(map[K]*entry[K, V])
	c.lruList = list.New()
	c.stats.Size = 0
}

// CleanExpired 清理过期条目，返回清理数量。
func (c *Cache[K, V]) CleanExpired() int {
	if c.config.TTL <= 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cleaned := 0
	now := time.Now()
	for _, e := range c.items {
		if now.Sub(e.accessedAt) >= c.config.TTL {
			c.removeLocked(e)
			cleaned++
		}
	}
	c.stats.Expires += int64(cleaned)
	c.stats.Size = len(c.items)
	return cleaned
}

// Stats 返回统计信息副本。
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Size = len(c.items)
	return s
}

// Size 返回当前条目数。
func (c *Cache[K, V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// HitRate 返回命中率。
func (c *Cache[K, V]) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.stats.Hits + c.stats.Misses
	if total == 0 {
		return 0
	}
	return float64(c.stats.Hits) / float64(total)
}

func (c *Cache[K, V]) expired(e *entry[K, V]) bool {
	if c.config.TTL <= 0 {
		return false
	}
	return time.Since(e.accessedAt) >= c.config.TTL
}

func (c *Cache[K, V]) evictOldestLocked() {
	oldest := c.lruList.Back()
	if oldest == nil {
		return
	}
	c.removeLocked(oldest.Value.(*entry[K, V]))
	c.stats.Evictions++
}

func (c *Cache[K, V]) removeLocked(e *entry[K, V]) {
	if c.config.OnEvict != nil {
		c.config.OnEvict(e.key, e.value)
	}
	if e.element != nil {
		c.lruList.Remove(e.element)
	}
	delete(c.items, e.key)
	c.stats.Size = len(c.items)
}

// String 返回缓存状态摘要。
func (c *Cache[K, V]) String() string {
	s := c.Stats()
	return fmt.Sprintf("Cache[%s]: size=%d/%d, hits=%d, misses=%d, evictions=%d, expires=%d",
		c.name, s.Size, c.config.MaxSize, s.Hits, s.Misses, s.Evictions, s.Expires)
}
