// Package bus 基于 NATS 的缓存失效广播。
//
// 每个节点持有唯一标识，收到自己发出的失效事件时跳过，
// 避免本地缓存被自身写操作二次失效。
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"datamap/cache"
	"datamap/logging"
)

// Config 连接与主题配置。
type Config struct {
	Conn    *nats.Conn
	URL     string
	Subject string // 默认 "datamap.cache.invalidate"
	NodeID  string // 默认随机 UUID
	Logger  logging.Logger
}

// event 失效事件的线上形态。
type event struct {
	Node string `json:"node"`
	Type string `json:"type"`
	IDs  []any  `json:"ids,omitempty"`

	// All 为真表示整库失效
	All bool `json:"all,omitempty"`
}

// Bus 失效广播器。
type Bus struct {
	cfg     Config
	conn    *nats.Conn
	ownConn bool
	logger  logging.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// New 创建广播器。cfg.Conn 为空时按 URL 自建连接。
func New(cfg Config) (*Bus, error) {
	if cfg.Subject == "" {
		cfg.Subject = "datamap.cache.invalidate"
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetLogger().WithFields(logging.String("component", "cache.bus"))
	}

	conn := cfg.Conn
	var own bool
	if conn == nil {
		if cfg.URL == "" {
			return nil, errors.New("nats connection not configured")
		}
		c, err := nats.Connect(cfg.URL)
		if err != nil {
			return nil, err
		}
		conn = c
		own = true
	}

	return &Bus{cfg: cfg, conn: conn, ownConn: own, logger: cfg.Logger}, nil
}

// NodeID 返回本节点标识。
func (b *Bus) NodeID() string { return b.cfg.NodeID }

// Invalidate 广播指定类型若干主键的失效。
func (b *Bus) Invalidate(ctx context.Context, typeName string, ids ...any) error {
	return b.publish(event{Node: b.cfg.NodeID, Type: typeName, IDs: ids})
}

// InvalidateAll 广播整库失效。
func (b *Bus) InvalidateAll(ctx context.Context) error {
	return b.publish(event{Node: b.cfg.NodeID, All: true})
}

func (b *Bus) publish(ev event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.conn.Publish(b.cfg.Subject, data)
}

// Listen 订阅失效事件并套用到 store。重复调用返回错误。
func (b *Bus) Listen(store cache.IStore) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return errors.New("invalidation bus already listening")
	}

	sub, err := b.conn.Subscribe(b.cfg.Subject, func(msg *nats.Msg) {
		b.handle(store, msg.Data)
	})
	if err != nil {
		return err
	}
	b.sub = sub
	return nil
}

func (b *Bus) handle(store cache.IStore, data []byte) {
	ctx := context.Background()

	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		b.logger.Warn(ctx, "decode invalidation event failed", logging.Error(err))
		return
	}
	if ev.Node == b.cfg.NodeID {
		// 本节点自身的写操作已同步失效
		return
	}

	var err error
	if ev.All {
		err = store.Clear(ctx)
	} else {
		err = store.Invalidate(ctx, ev.Type, ev.IDs...)
	}
	if err != nil {
		b.logger.Warn(ctx, "apply invalidation failed",
			logging.String("type", ev.Type), logging.Error(err))
	}
}

// Close 退订并关闭自有连接。
func (b *Bus) Close() error {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			return err
		}
	}
	if b.ownConn {
		b.conn.Close()
	}
	return nil
}
