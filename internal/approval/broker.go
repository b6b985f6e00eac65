// Package approval 连接等待审批的步骤与外部审批来源。
package approval

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	xerrors "AgentPilot/internal/errors"
	"AgentPilot/pkg/logger"
)

// Key 唯一标识一个等待审批的步骤。
type Key struct {
	PlanID string `json:"plan_id"`
	StepID string `json:"step_id"`
}

// Request 是对外公布的待审批请求。
type Request struct {
	Key
	Since time.Time `json:"since"`
}

// Notifier 在步骤开始等待审批时被调用。
type Notifier func(Request)

// Broker 在进程内撮合审批等待与审批结果。结果可能先于等待到达，
// 此时会被暂存直到对应步骤开始等待。
type Broker struct {
	mu        sync.Mutex
	waiters   map[Key]*waiter
	early     map[Key]bool
	notifiers []Notifier
	logger    *slog.Logger
}

type waiter struct {
	ch    chan bool
	since time.Time
}

// Option 定义 Broker 的可选配置。
type Option func(*Broker)

// WithNotifier 注册待审批通知。
func WithNotifier(n Notifier) Option {
	return func(b *Broker) {
		if n != nil {
			b.notifiers = append(b.notifiers, n)
		}
	}
}

// NewBroker 创建 Broker。
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		waiters: make(map[Key]*waiter),
		early:   make(map[Key]bool),
		logger:  logger.Named("approval"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// AddNotifier 在构造之后追加通知，供 NATS 桥接使用。
func (b *Broker) AddNotifier(n Notifier) {
	if n == nil {
		return
	}
	b.mu.Lock()
	b.notifiers = append(b.notifiers, n)
	b.mu.Unlock()
}

// Await 阻塞直到步骤被批准或拒绝，或 ctx 结束。
func (b *Broker) Await(ctx context.Context, planID, stepID string) (bool, error) {
	key := Key{PlanID: planID, StepID: stepID}
	b.mu.Lock()
	if approved, ok := b.early[key]; ok {
		delete(b.early, key)
		b.mu.Unlock()
		return approved, nil
	}
	if _, exists := b.waiters[key]; exists {
		b.mu.Unlock()
		return false, xerrors.New(xerrors.CodeConflict, "step is already awaiting approval")
	}
	w := &waiter{ch: make(chan bool, 1), since: time.Now().UTC()}
	b.waiters[key] = w
	notifiers := b.notifiers
	b.mu.Unlock()

	for _, n := range notifiers {
		n(Request{Key: key, Since: w.since})
	}

	select {
	case approved := <-w.ch:
		return approved, nil
	case <-ctx.Done():
		b.mu.Lock()
		if b.waiters[key] == w {
			delete(b.waiters, key)
			b.mu.Unlock()
			return false, ctx.Err()
		}
		b.mu.Unlock()
		// Resolve 已在锁内取走等待者并写入结果。
		return <-w.ch, nil
	}
}

// Resolve 提交审批结果。
func (b *Broker) Resolve(planID, stepID string, approved bool) error {
	if planID == "" || stepID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "plan_id and step_id are required")
	}
	key := Key{PlanID: planID, StepID: stepID}
	b.mu.Lock()
	w, ok := b.waiters[key]
	if ok {
		delete(b.waiters, key)
		w.ch <- approved
	} else {
		b.early[key] = approved
	}
	b.mu.Unlock()

	b.logger.Info("审批结果已提交",
		slog.String("plan_id", planID),
		slog.String("step_id", stepID),
		slog.Bool("approved", approved),
		slog.Bool("waiting", ok),
	)
	return nil
}

// Forget 丢弃计划相关的暂存结果，计划结束时调用。
func (b *Broker) Forget(planID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key := range b.early {
		if key.PlanID == planID {
			delete(b.early, key)
		}
	}
}

// Pending 返回当前等待审批的请求，按开始时间排序。
func (b *Broker) Pending() []Request {
	b.mu.Lock()
	out := make([]Request, 0, len(b.waiters))
	for key, w := range b.waiters {
		out = append(out, Request{Key: key, Since: w.since})
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Since.Equal(out[j].Since) {
			return out[i].PlanID+out[i].StepID < out[j].PlanID+out[j].StepID
		}
		return out[i].Since.Before(out[j].Since)
	})
	return out
}
