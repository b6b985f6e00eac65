package statestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 状态存储的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisBackend 将文档保存在 "<prefix>:<name>" 键下。
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend 连接 Redis 并校验连通性。
func NewRedisBackend(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newRedisBackend(client, cfg.Prefix), nil
}

func newRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "agentpilot:state"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (r *RedisBackend) key(name string) string {
	return r.prefix + ":" + name
}

// Read 读取文档，键不存在时返回 ErrNotFound。
func (r *RedisBackend) Read(ctx context.Context, name string) ([]byte, error) {
	payload, err := r.client.Get(ctx, r.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("Redis 读取文档 %s 失败: %w", name, err)
	}
	return payload, nil
}

// Write 覆盖文档，不设置过期时间。
func (r *RedisBackend) Write(ctx context.Context, name string, payload []byte) error {
	if err := r.client.Set(ctx, r.key(name), payload, 0).Err(); err != nil {
		return fmt.Errorf("Redis 写入文档 %s 失败: %w", name, err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (r *RedisBackend) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}
