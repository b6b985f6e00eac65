package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config 描述了 AgentPilot 在启动阶段需要加载的核心配置。
type Config struct {
	Server      ServerConfig         `json:"server"`
	Logging     LoggingConfig        `json:"logging"`
	Runtime     RuntimeConfig        `json:"runtime"`
	Storage     StorageConfig        `json:"storage"`
	Queue       QueueConfig          `json:"queue"`
	Runner      RunnerConfig         `json:"runner"`
	Activity    ActivityConfig       `json:"activity"`
	Permissions []PermissionOverride `json:"permissions"`
	Market      MarketConfig         `json:"market"`
	Connector   ConnectorConfig      `json:"connector"`
	Approval    ApprovalConfig       `json:"approval"`
	Scheduler   SchedulerConfig      `json:"scheduler"`
	Metrics     MetricsConfig        `json:"metrics"`
	Alerting    AlertingConfig       `json:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// LoggingConfig 对应 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format"`
	Outputs []string    `json:"outputs"`
	Audit   AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志的轮转。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// StorageConfig 描述持久化后端。
type StorageConfig struct {
	StateStore StateStoreConfig `json:"state_store"`
}

// StateStoreConfig 支持 file、mysql、sqlite、redis 四种驱动。
type StateStoreConfig struct {
	Driver                 string      `json:"driver"`
	DSN                    string      `json:"dsn"`
	MaxOpenConns           int         `json:"max_open_conns"`
	MaxIdleConns           int         `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int         `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int         `json:"conn_max_idle_time_seconds"`
	Redis                  RedisConfig `json:"redis"`
}

// RedisConfig 在状态存储与队列之间共用。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	// Prefix 用于状态存储的键前缀。
	Prefix string `json:"prefix"`
	// Queue 与 BlockWait 只对计划队列生效。
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// QueueConfig 描述计划队列。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Workers  int            `json:"workers"`
	Buffer   int            `json:"buffer"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 队列参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// RunnerConfig 描述执行器的超时与退避参数，单位为毫秒。
type RunnerConfig struct {
	ApprovalTimeoutMs   int     `json:"approval_timeout_ms"`
	StepTimeoutMs       int     `json:"step_timeout_ms"`
	BackoffInitialMs    int     `json:"backoff_initial_ms"`
	BackoffMaxMs        int     `json:"backoff_max_ms"`
	BackoffMultiplier   float64 `json:"backoff_multiplier"`
	DefaultMaxRetries   int     `json:"default_max_retries"`
}

// ApprovalTimeout 返回审批超时。
func (r RunnerConfig) ApprovalTimeout() time.Duration {
	return time.Duration(r.ApprovalTimeoutMs) * time.Millisecond
}

// StepTimeout 返回默认的步骤超时。
func (r RunnerConfig) StepTimeout() time.Duration {
	return time.Duration(r.StepTimeoutMs) * time.Millisecond
}

// BackoffInitial 返回首次重试的等待时间。
func (r RunnerConfig) BackoffInitial() time.Duration {
	return time.Duration(r.BackoffInitialMs) * time.Millisecond
}

// BackoffMax 返回重试等待的上限。
func (r RunnerConfig) BackoffMax() time.Duration {
	return time.Duration(r.BackoffMaxMs) * time.Millisecond
}

// ActivityConfig 控制活动日志容量。
type ActivityConfig struct {
	Capacity int `json:"capacity"`
}

// PermissionOverride 覆盖能力目录中的单个能力。未填写的字段保持不变。
type PermissionOverride struct {
	ID               string   `json:"id"`
	Enabled          *bool    `json:"enabled,omitempty"`
	LimitValue       *float64 `json:"limit_value,omitempty"`
	LimitUnit        string   `json:"limit_unit,omitempty"`
	ClearLimit       bool     `json:"clear_limit,omitempty"`
	RequiresApproval *bool    `json:"requires_approval,omitempty"`
}

// MarketConfig 覆盖内置报价。
type MarketConfig struct {
	Prices map[string]float64 `json:"prices"`
}

// ConnectorConfig 描述模拟连接器。
type ConnectorConfig struct {
	LatencyMs  int    `json:"latency_ms"`
	ChainsFile string `json:"chains_file"`
	Wallet     string `json:"wallet"`
}

// ApprovalConfig 描述审批通道，NATS 地址为空时只使用进程内通道。
type ApprovalConfig struct {
	NATS NATSConfig `json:"nats"`
}

// NATSConfig 描述 NATS 连接。
type NATSConfig struct {
	URL            string `json:"url"`
	Subject        string `json:"subject"`
	Name           string `json:"name"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// SchedulerConfig 控制触发器扫描。
type SchedulerConfig struct {
	Enabled         bool `json:"enabled"`
	IntervalSeconds int  `json:"interval_seconds"`
}

// Interval 返回扫描周期。
func (s SchedulerConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// MetricsConfig 控制独立的指标端口，Address 为空时只挂载在 API 上。
type MetricsConfig struct {
	Address string `json:"address"`
}

// AlertingConfig 描述告警通道。
type AlertingConfig struct {
	Webhook WebhookConfig `json:"webhook"`
}

// WebhookConfig 描述 Webhook 告警。
type WebhookConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

// Load 按扩展名解析配置文件：.json、.yaml/.yml、.toml。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	cfg, err := Parse(content, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults(filepath.Dir(path))
	return cfg, nil
}

// Parse 解析配置内容但不填充默认值。YAML 与 TOML 先转换为 JSON，
// 使三种格式共用同一组字段标签。
func Parse(content []byte, ext string) (*Config, error) {
	var generic map[string]any
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &generic); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置失败: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(content), &generic); err != nil {
			return nil, fmt.Errorf("解析 TOML 配置失败: %w", err)
		}
	case ".json", "":
		return decodeJSON(content)
	default:
		return nil, fmt.Errorf("不支持的配置格式: %s", ext)
	}
	normalized, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("转换配置失败: %w", err)
	}
	return decodeJSON(normalized)
}

func decodeJSON(content []byte) (*Config, error) {
	var cfg Config
	if len(bytes.TrimSpace(content)) == 0 || string(bytes.TrimSpace(content)) == "null" {
		return &cfg, nil
	}
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return &cfg, nil
}

// Default 返回只包含默认值的配置，baseDir 用于解析相对路径。
func Default(baseDir string) *Config {
	cfg := &Config{}
	cfg.applyDefaults(baseDir)
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir, "data")
	if c.Logging.Audit.Enabled {
		c.Logging.Audit.Path = resolve(c.Runtime.DataDir, c.Logging.Audit.Path, "audit.log")
	}

	if c.Storage.StateStore.Driver == "" {
		c.Storage.StateStore.Driver = "file"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 256
	}

	if c.Runner.ApprovalTimeoutMs <= 0 {
		c.Runner.ApprovalTimeoutMs = int((10 * time.Minute).Milliseconds())
	}
	if c.Runner.StepTimeoutMs <= 0 {
		c.Runner.StepTimeoutMs = int((30 * time.Second).Milliseconds())
	}
	if c.Runner.BackoffInitialMs <= 0 {
		c.Runner.BackoffInitialMs = 500
	}
	if c.Runner.BackoffMaxMs <= 0 {
		c.Runner.BackoffMaxMs = 10_000
	}
	if c.Runner.BackoffMultiplier < 1 {
		c.Runner.BackoffMultiplier = 2
	}

	if c.Activity.Capacity <= 0 {
		c.Activity.Capacity = 50
	}

	if c.Connector.ChainsFile != "" {
		c.Connector.ChainsFile = resolve(baseDir, c.Connector.ChainsFile, "")
	}

	if c.Scheduler.IntervalSeconds <= 0 {
		c.Scheduler.IntervalSeconds = 30
	}
	if c.Approval.NATS.TimeoutSeconds <= 0 {
		c.Approval.NATS.TimeoutSeconds = 5
	}
}

func resolve(baseDir, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}
