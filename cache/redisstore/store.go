// Package redisstore 提供 Redis 后端的实体行存储。
//
// 多进程部署时与 cache/bus 的失效广播配合使用：本地进程
// 写穿到 Redis，其他节点的本地缓存通过总线失效。
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"datamap/cache"
	"datamap/logging"
	"datamap/schema"
)

// client captures the subset of go-redis commands we rely on (for easier testing).
type client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Close() error
}

// Config 连接与行为配置。
type Config struct {
	Client   redis.UniversalClient
	Addr     string
	Username string
	Password string
	DB       int

	// KeyPrefix 键前缀，默认 "rows:"
	KeyPrefix string

	// TTL 行过期时间，0 表示永不过期
	TTL time.Duration

	Logger logging.Logger
}

// Store Redis 后端的 cache.IStore 实现。
type Store struct {
	cfg       Config
	client    client
	ownClient bool
	logger    logging.Logger
}

// envelope 行的序列化形态。
type envelope struct {
	Type   string         `json:"type"`
	Fields map[string]any `json:"fields"`
}

// New 创建 Redis 行存储。
func New(cfg Config) (*Store, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "rows:"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetLogger().WithFields(logging.String("component", "cache.redisstore"))
	}

	var cl client
	var own bool
	if cfg.Client != nil {
		cl = cfg.Client
	} else {
		cl = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		own = true
	}
	if cl == nil {
		return nil, errors.New("redis client not configured")
	}

	return &Store{cfg: cfg, client: cl, ownClient: own, logger: cfg.Logger}, nil
}

func (s *Store) Get(ctx context.Context, typeName string, id any) (*schema.Entity, bool, error) {
	raw, err := s.client.Get(ctx, s.key(typeName, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// 坏条目按未命中处理，同时清掉
		s.logger.Warn(ctx, "discard corrupt cache row", logging.String("type", typeName), logging.Error(err))
		_ = s.client.Del(ctx, s.key(typeName, id)).Err()
		return nil, false, nil
	}
	return schema.NewEntityWith(env.Type, env.Fields), true, nil
}

func (s *Store) Set(ctx context.Context, e *schema.Entity, id any) error {
	data, err := json.Marshal(envelope{Type: e.TypeName, Fields: e.Fields()})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(e.TypeName, id), data, s.cfg.TTL).Err()
}

func (s *Store) Invalidate(ctx context.Context, typeName string, ids ...any) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(typeName, id)
	}
	return s.client.Del(ctx, keys...).Err()
}

// Clear 按前缀扫描删除全部行。
func (s *Store) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.cfg.KeyPrefix+"*", 200).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Close 关闭自有客户端连接。
func (s *Store) Close() error {
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}

func (s *Store) key(typeName string, id any) string {
	return s.cfg.KeyPrefix + cache.RowKey(typeName, id)
}
