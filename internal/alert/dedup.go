package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper 记录已送达的告警，保证同一个 (task_id, version)
// 触发事件只投递一次。存储层的版本控制是第一道防线，
// Deduper 兜住进程内的竞态与重复投递。
type Deduper interface {
	// MarkDelivered 在首次见到该触发事件时返回 true。
	MarkDelivered(ctx context.Context, taskID string, version int64) (bool, error)
}

// MemoryDeduper 以内存集合实现去重。
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemoryDeduper 创建内存去重器。
func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: make(map[string]struct{})}
}

// MarkDelivered 实现 Deduper 接口。
func (d *MemoryDeduper) MarkDelivered(_ context.Context, taskID string, version int64) (bool, error) {
	key := dedupKey(taskID, version)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return false, nil
	}
	d.seen[key] = struct{}{}
	return true, nil
}

// RedisDeduper 以 Redis SETNX 实现跨进程去重。
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// RedisDeduperConfig 描述 Redis 去重器的连接参数。
type RedisDeduperConfig struct {
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

// NewRedisDeduper 创建 Redis 去重器。
func NewRedisDeduper(cfg RedisDeduperConfig) (*RedisDeduper, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("Redis address 不能为空")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisDeduper{client: client, ttl: ttl}, nil
}

// MarkDelivered 实现 Deduper 接口。
func (d *RedisDeduper) MarkDelivered(ctx context.Context, taskID string, version int64) (bool, error) {
	ok, err := d.client.SetNX(ctx, "taskflow:alert:"+dedupKey(taskID, version), 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("Redis 去重失败: %w", err)
	}
	return ok, nil
}

// Close 关闭 Redis 连接。
func (d *RedisDeduper) Close() error {
	if d == nil || d.client == nil {
		return nil
	}
	return d.client.Close()
}

func dedupKey(taskID string, version int64) string {
	return fmt.Sprintf("%s:%d", taskID, version)
}
