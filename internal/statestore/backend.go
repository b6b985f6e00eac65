package statestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound 表示文档尚未写入过。
var ErrNotFound = errors.New("statestore: document not found")

// ErrUnsupportedDriver 表示配置了未知的存储驱动。
var ErrUnsupportedDriver = errors.New("statestore: unsupported driver")

// Backend 以文档名为键保存原始字节。
type Backend interface {
	Read(ctx context.Context, name string) ([]byte, error)
	Write(ctx context.Context, name string, payload []byte) error
	Close() error
}

// Config 描述状态存储后端的连接参数。
type Config struct {
	Driver string
	// Dir 用于 file 驱动，sqlite 驱动在 DSN 为空时也会在其中建库。
	Dir             string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	Redis           RedisConfig
}

// Open 按驱动名称构造后端。
func Open(ctx context.Context, cfg Config) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "file":
		return NewFileBackend(cfg.Dir)
	case "mysql":
		return OpenMySQL(ctx, cfg)
	case "sqlite":
		return OpenSQLite(ctx, cfg)
	case "redis":
		return NewRedisBackend(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, cfg.Driver)
	}
}
