package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"AgentPilot/internal/activity"
	"AgentPilot/internal/approval"
	"AgentPilot/internal/connector"
	"AgentPilot/internal/dispatch"
	"AgentPilot/internal/gate"
	"AgentPilot/internal/intent"
	"AgentPilot/internal/market"
	"AgentPilot/internal/observability/alerting"
	"AgentPilot/internal/permission"
	"AgentPilot/internal/plan"
	"AgentPilot/internal/runner"
	"AgentPilot/internal/statestore"
	"AgentPilot/internal/workflow"
	"AgentPilot/pkg/logger"
)

// DefaultPlanRetention 是内存中保留的已结束计划数量。
const DefaultPlanRetention = 200

// Engine 持有全部内存状态，是外部修改状态的唯一入口。
type Engine struct {
	caps       *permission.Store
	activities *activity.Log
	approvals  *approval.Broker
	history    *workflow.CommandHistory
	workflows  *workflow.Repository
	prices     *market.Table
	classifier *intent.Classifier
	builder    *plan.Builder
	runner     *runner.Runner
	queue      dispatch.Producer
	mirror     *statestore.Mirror
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.RWMutex
	plans     map[string]*tracked
	order     []string
	retention int

	settings settings
}

// tracked 是引擎对单个计划的记录。plan 在执行期间只由运行协程修改，
// 读取一律使用 snapshot。
type tracked struct {
	plan     *plan.Plan
	snapshot *plan.Plan
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	done     bool
}

type settings struct {
	catalog           []permission.Capability
	activityCapacity  int
	historyCapacity   int
	defaultMaxRetries int
	runnerDefaults    runner.Defaults
	alerts            alerting.Dispatcher
	notifiers         []approval.Notifier
	classifierOpts    []intent.Option
}

// Option 配置 Engine。
type Option func(*Engine)

// WithCatalog 替换能力目录。
func WithCatalog(catalog []permission.Capability) Option {
	return func(e *Engine) { e.settings.catalog = catalog }
}

// WithActivityCapacity 设置活动日志容量。
func WithActivityCapacity(n int) Option {
	return func(e *Engine) { e.settings.activityCapacity = n }
}

// WithHistoryCapacity 设置命令历史容量。
func WithHistoryCapacity(n int) Option {
	return func(e *Engine) { e.settings.historyCapacity = n }
}

// WithDefaultMaxRetries 为未声明重试次数的步骤设置默认值，显式的 0 保持不变。
func WithDefaultMaxRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.settings.defaultMaxRetries = n
		}
	}
}

// WithPrices 指定报价表，门禁换算与阈值触发共用。
func WithPrices(t *market.Table) Option {
	return func(e *Engine) {
		if t != nil {
			e.prices = t
		}
	}
}

// WithQueue 指定计划队列。
func WithQueue(q dispatch.Producer) Option {
	return func(e *Engine) { e.queue = q }
}

// WithMirror 启用持久化。
func WithMirror(m *statestore.Mirror) Option {
	return func(e *Engine) { e.mirror = m }
}

// WithRunnerDefaults 设置执行器的超时与退避参数。
func WithRunnerDefaults(d runner.Defaults) Option {
	return func(e *Engine) { e.settings.runnerDefaults = d }
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(e *Engine) { e.settings.alerts = d }
}

// WithApprovalNotifier 在步骤等待审批时通知外部，例如 NATS。
func WithApprovalNotifier(n approval.Notifier) Option {
	return func(e *Engine) {
		if n != nil {
			e.settings.notifiers = append(e.settings.notifiers, n)
		}
	}
}

// WithClassifierOptions 定制意图分类器。
func WithClassifierOptions(opts ...intent.Option) Option {
	return func(e *Engine) { e.settings.classifierOpts = append(e.settings.classifierOpts, opts...) }
}

// WithPlanRetention 设置保留的已结束计划数量。
func WithPlanRetention(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.retention = n
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New 组装引擎。conn 负责执行动作。
func New(conn connector.Connector, opts ...Option) *Engine {
	e := &Engine{
		prices:    market.NewTable(nil),
		logger:    logger.Named("engine"),
		now:       time.Now,
		plans:     make(map[string]*tracked),
		retention: DefaultPlanRetention,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}

	e.caps = permission.NewStore(e.settings.catalog, permission.WithObserver(func(snapshot []permission.Capability) {
		e.persist(statestore.DocPermissions, snapshot)
	}))
	e.activities = activity.New(e.settings.activityCapacity, activity.WithObserver(func(activity.Entry) {
		if e.mirror != nil {
			e.mirror.SaveAsyncFunc(statestore.DocActivities, func() any { return e.activities.Snapshot() })
		}
	}))
	e.history = workflow.NewCommandHistory(e.settings.historyCapacity, func(items []string) {
		e.persist(statestore.DocCommands, items)
	})
	e.workflows = workflow.NewRepository(workflow.WithRepositoryObserver(func(snapshot []workflow.Workflow) {
		e.persist(statestore.DocWorkflows, snapshot)
	}))
	e.approvals = approval.NewBroker()
	for _, n := range e.settings.notifiers {
		e.approvals.AddNotifier(n)
	}
	e.classifier = intent.New(e.settings.classifierOpts...)
	e.builder = plan.NewBuilder(plan.WithClock(e.now), plan.WithDefaultMaxRetries(e.settings.defaultMaxRetries))
	e.runner = runner.New(e.caps, conn,
		runner.WithGate(gate.New(e.prices)),
		runner.WithApprover(e.approvals),
		runner.WithRecorder(e.activities),
		runner.WithObserver(e.observe),
		runner.WithAlertDispatcher(e.settings.alerts),
		runner.WithDefaults(e.settings.runnerDefaults),
	)
	if e.queue == nil {
		e.queue = dispatch.NewMemoryQueue(256)
	}
	return e
}

func (e *Engine) persist(name string, value any) {
	if e.mirror == nil {
		return
	}
	e.mirror.SaveAsync(name, value)
}

// Restore 从持久化存储恢复四类文档。未启用持久化时直接返回。
func (e *Engine) Restore(ctx context.Context) error {
	if e.mirror == nil {
		return nil
	}
	var caps []permission.Capability
	if ok, err := e.mirror.Load(ctx, statestore.DocPermissions, &caps); err != nil {
		return err
	} else if ok {
		e.caps.Restore(caps)
	}
	var commands []string
	if ok, err := e.mirror.Load(ctx, statestore.DocCommands, &commands); err != nil {
		return err
	} else if ok {
		e.history.Restore(commands)
	}
	var workflows []workflow.Workflow
	if ok, err := e.mirror.Load(ctx, statestore.DocWorkflows, &workflows); err != nil {
		return err
	} else if ok {
		e.workflows.Restore(workflows)
	}
	var entries []activity.Entry
	if ok, err := e.mirror.Load(ctx, statestore.DocActivities, &entries); err != nil {
		return err
	} else if ok {
		e.activities.Restore(entries)
	}
	e.logger.Info("已恢复持久化状态",
		slog.Int("capabilities", len(caps)),
		slog.Int("commands", len(commands)),
		slog.Int("workflows", len(workflows)),
		slog.Int("activities", len(entries)),
	)
	return nil
}

// Approvals 返回审批通道，供外部桥接使用。
func (e *Engine) Approvals() *approval.Broker { return e.approvals }

// Workflows 返回模板仓库。
func (e *Engine) Workflows() *workflow.Repository { return e.workflows }

// Prices 返回报价表。
func (e *Engine) Prices() *market.Table { return e.prices }

// Queue 返回计划队列。
func (e *Engine) Queue() dispatch.Producer { return e.queue }
