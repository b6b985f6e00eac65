package statestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	// 注册 sqlite 驱动。
	_ "github.com/glebarez/go-sqlite"
)

type dialect int

const (
	dialectMySQL dialect = iota
	dialectSQLite
)

const selectDocumentSQL = `SELECT payload FROM documents WHERE name = ?`

const upsertMySQLSQL = `INSERT INTO documents (name, payload, updated_at) VALUES (?, ?, ?)
    ON DUPLICATE KEY UPDATE payload = VALUES(payload), updated_at = VALUES(updated_at)`

const upsertSQLiteSQL = `INSERT INTO documents (name, payload, updated_at) VALUES (?, ?, ?)
    ON CONFLICT(name) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`

// SQLBackend 将文档保存在 documents 表中，每个文档一行。
type SQLBackend struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

// OpenMySQL 连接 MySQL 并执行迁移。
func OpenMySQL(ctx context.Context, cfg Config) (*SQLBackend, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}
	dsn, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("解析 MySQL DSN 失败: %w", err)
	}
	if dsn.Timeout == 0 {
		dsn.Timeout = 5 * time.Second
	}
	connector, err := mysql.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}
	db := sql.OpenDB(connector)
	configurePool(db, cfg, 20, 10)
	return newSQLBackend(ctx, db, dialectMySQL)
}

// OpenSQLite 打开本地 SQLite 数据库并执行迁移。
func OpenSQLite(ctx context.Context, cfg Config) (*SQLBackend, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		dir := cfg.Dir
		if dir == "" {
			dir = "."
		}
		dsn = filepath.Join(dir, "agentpilot.db")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开 SQLite 失败: %w", err)
	}
	// SQLite 只允许单写者。
	configurePool(db, Config{MaxOpenConns: 1, MaxIdleConns: 1}, 1, 1)
	return newSQLBackend(ctx, db, dialectSQLite)
}

func configurePool(db *sql.DB, cfg Config, defaultOpen, defaultIdle int) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(defaultOpen)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(defaultIdle)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
}

func newSQLBackend(ctx context.Context, db *sql.DB, d dialect) (*SQLBackend, error) {
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到数据库: %w", err)
	}
	backend := &SQLBackend{db: db, dialect: d, now: time.Now}
	if err := backend.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return backend, nil
}

// Read 查询文档内容。
func (s *SQLBackend) Read(ctx context.Context, name string) ([]byte, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, selectDocumentSQL, name).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询文档 %s 失败: %w", name, err)
	}
	return []byte(payload), nil
}

// Write 插入或覆盖文档。
func (s *SQLBackend) Write(ctx context.Context, name string, payload []byte) error {
	query := upsertMySQLSQL
	if s.dialect == dialectSQLite {
		query = upsertSQLiteSQL
	}
	if _, err := s.db.ExecContext(ctx, query, name, string(payload), s.now().Unix()); err != nil {
		return fmt.Errorf("写入文档 %s 失败: %w", name, err)
	}
	return nil
}

// Close 关闭连接池。
func (s *SQLBackend) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
