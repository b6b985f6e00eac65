// Package runner 按依赖顺序驱动计划中的步骤，负责门禁检查、审批等待、
// 连接器调用、重试、超时与协作式取消。
package runner

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"AgentPilot/internal/activity"
	"AgentPilot/internal/connector"
	"AgentPilot/internal/gate"
	"AgentPilot/internal/observability/alerting"
	"AgentPilot/internal/plan"
	"AgentPilot/pkg/logger"
)

// Approver 阻塞直到外部审批结果到达或 ctx 结束。
type Approver interface {
	Await(ctx context.Context, planID, stepID string) (bool, error)
}

// Recorder 接收活动日志条目。
type Recorder interface {
	Append(e activity.Entry) activity.Entry
}

// Observer 在每次状态变化后收到计划快照。
type Observer func(snapshot *plan.Plan)

// Outcome 汇总一次运行的结果。
type Outcome struct {
	PlanID    string      `json:"plan_id"`
	Status    plan.Status `json:"status"`
	Completed int         `json:"completed"`
	Failed    int         `json:"failed"`
	Skipped   int         `json:"skipped"`
	Plan      *plan.Plan  `json:"plan"`
}

// Defaults 集中运行器的可调参数。
type Defaults struct {
	ApprovalTimeout   time.Duration
	StepTimeout       time.Duration
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
}

func (d *Defaults) applyDefaults() {
	if d.ApprovalTimeout <= 0 {
		d.ApprovalTimeout = 10 * time.Minute
	}
	if d.StepTimeout <= 0 {
		d.StepTimeout = 30 * time.Second
	}
	if d.BackoffInitial <= 0 {
		d.BackoffInitial = 500 * time.Millisecond
	}
	if d.BackoffMax <= 0 {
		d.BackoffMax = 10 * time.Second
	}
	if d.BackoffMultiplier < 1 {
		d.BackoffMultiplier = 2
	}
}

// Runner 是单计划的协作式执行循环，可被多个计划并发复用。
type Runner struct {
	gate      *gate.Gate
	caps      gate.CapabilityReader
	connector connector.Connector
	approvals Approver
	recorder  Recorder
	alerter   alerting.Dispatcher
	observers []Observer
	defaults  Defaults
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time
}

// Option 定义 Runner 的可选配置。
type Option func(*Runner)

// WithGate 替换门禁实例。
func WithGate(g *gate.Gate) Option {
	return func(r *Runner) {
		if g != nil {
			r.gate = g
		}
	}
}

// WithApprover 配置审批来源。未配置时所有待审批步骤都会超时。
func WithApprover(a Approver) Option {
	return func(r *Runner) {
		r.approvals = a
	}
}

// WithRecorder 配置活动日志。
func WithRecorder(rec Recorder) Option {
	return func(r *Runner) {
		r.recorder = rec
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(r *Runner) {
		r.alerter = d
	}
}

// WithObserver 注册计划快照观察者。
func WithObserver(o Observer) Option {
	return func(r *Runner) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// WithDefaults 覆盖超时与退避参数。
func WithDefaults(d Defaults) Option {
	return func(r *Runner) {
		r.defaults = d
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// New 构造 Runner。caps 与 conn 为必需依赖。
func New(caps gate.CapabilityReader, conn connector.Connector, opts ...Option) *Runner {
	r := &Runner{
		gate:      gate.New(nil),
		caps:      caps,
		connector: conn,
		tracer:    otel.Tracer("AgentPilot/internal/runner"),
		logger:    logger.Named("runner"),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.defaults.applyDefaults()
	return r
}
