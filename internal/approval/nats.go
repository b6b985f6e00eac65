package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"AgentPilot/pkg/logger"
)

// DefaultSubject 是审批结果所在的 NATS subject。
const DefaultSubject = "agentpilot.approvals"

// Message 是 NATS 上传递的审批结果。
type Message struct {
	PlanID   string `json:"plan_id"`
	StepID   string `json:"step_id"`
	Approved bool   `json:"approved"`
	Approver string `json:"approver,omitempty"`
}

// Resolver 接收审批结果。
type Resolver interface {
	Resolve(planID, stepID string, approved bool) error
}

// NATSConfig 描述 NATS 连接参数。
type NATSConfig struct {
	URL     string
	Subject string
	Name    string
	Timeout time.Duration
}

// NATSBridge 订阅 <subject> 上的审批结果，并把待审批请求发布到 <subject>.requests。
type NATSBridge struct {
	conn     *nats.Conn
	sub      *nats.Subscription
	subject  string
	resolver Resolver
	logger   *slog.Logger
}

// NewNATSBridge 连接 NATS 并开始订阅。
func NewNATSBridge(cfg NATSConfig, resolver Resolver) (*NATSBridge, error) {
	if cfg.URL == "" {
		return nil, errors.New("NATS URL 不能为空")
	}
	if resolver == nil {
		return nil, errors.New("resolver 不能为空")
	}
	subject := cfg.Subject
	if subject == "" {
		subject = DefaultSubject
	}
	name := cfg.Name
	if name == "" {
		name = "agentpilot"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn, err := nats.Connect(cfg.URL, nats.Name(name), nats.Timeout(timeout), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("连接 NATS 失败: %w", err)
	}
	b := &NATSBridge{conn: conn, subject: subject, resolver: resolver, logger: logger.Named("approval.nats")}
	sub, err := conn.Subscribe(subject, b.handle)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("订阅 NATS subject 失败: %w", err)
	}
	b.sub = sub
	return b, nil
}

func (b *NATSBridge) handle(msg *nats.Msg) {
	var m Message
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		b.logger.Warn("忽略无法解析的审批消息", slog.Any("error", err))
		return
	}
	if err := b.resolver.Resolve(m.PlanID, m.StepID, m.Approved); err != nil {
		b.logger.Warn("处理审批消息失败",
			slog.Any("error", err),
			slog.String("plan_id", m.PlanID),
			slog.String("step_id", m.StepID),
		)
		return
	}
	if msg.Reply != "" {
		_ = msg.Respond([]byte("ok"))
	}
}

// Announce 发布待审批请求，可作为 Broker 的 Notifier。
func (b *NATSBridge) Announce(req Request) {
	data, err := json.Marshal(req)
	if err != nil {
		return
	}
	if err := b.conn.Publish(b.subject+".requests", data); err != nil {
		b.logger.Warn("发布待审批请求失败", slog.Any("error", err), slog.String("plan_id", req.PlanID))
	}
}

// Publish 发送审批结果，供远程审批方使用。
func (b *NATSBridge) Publish(m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return b.conn.Publish(b.subject, data)
}

// Close 取消订阅并关闭连接。
func (b *NATSBridge) Close() error {
	if b == nil || b.conn == nil {
		return nil
	}
	var err error
	if b.sub != nil {
		err = b.sub.Unsubscribe()
	}
	b.conn.Close()
	return err
}
