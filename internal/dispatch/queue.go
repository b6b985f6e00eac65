package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Message 是队列中的一次计划投递。Plan 携带排队时的计划快照，
// 使其他进程或重启后的消费者也能执行该计划。
type Message struct {
	PlanID string          `json:"plan_id"`
	Plan   json.RawMessage `json:"plan,omitempty"`
}

// Encode 将消息编码为队列载荷。
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage 解析队列载荷。不是 JSON 对象的载荷按纯计划 ID 处理。
func DecodeMessage(body []byte) Message {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil || m.PlanID == "" {
		return Message{PlanID: strings.TrimSpace(string(body))}
	}
	return m
}

// Handler 处理来自队列的计划投递。
type Handler func(ctx context.Context, msg Message) error

// Producer 负责向队列投递计划。
type Producer interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Consumer 负责从队列中消费计划。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// ErrQueueClosed 表示队列已关闭。
var ErrQueueClosed = errors.New("dispatch: queue closed")

// Config 描述队列驱动。
type Config struct {
	Driver   string
	Buffer   int
	Redis    RedisQueueConfig
	RabbitMQ RabbitMQConfig
}

// Open 按驱动名称构造队列。
func Open(ctx context.Context, cfg Config) (Queue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		return NewRedisQueue(ctx, cfg.Redis)
	case "rabbitmq":
		return NewRabbitMQQueue(cfg.RabbitMQ)
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

