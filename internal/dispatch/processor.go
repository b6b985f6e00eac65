package dispatch

import (
	"context"
	"log/slog"
	"sync/atomic"

	xerrors "AgentPilot/internal/errors"
	"AgentPilot/internal/observability/alerting"
	"AgentPilot/pkg/logger"
)

// Executor 执行指定计划直到结束。
type Executor interface {
	Execute(ctx context.Context, planID string) error
}

// Adopter 由能够从消息快照登记计划的执行器实现。本进程未登记的计划
// （其他实例投递或进程重启前投递）通过它接管后再执行。
type Adopter interface {
	Adopt(payload []byte) error
}

// ExecutorFunc 将函数适配为 Executor。
type ExecutorFunc func(ctx context.Context, planID string) error

// Execute 调用函数本身。
func (f ExecutorFunc) Execute(ctx context.Context, planID string) error { return f(ctx, planID) }

// Processor 负责从队列消费计划并交给执行器。
type Processor struct {
	executor    Executor
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher

	inflight atomic.Int64
	handled  atomic.Int64
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithWorkerCount 设置消费协程数量，即可并发执行的计划数。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = d
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		consumer:    consumer,
		workerCount: 1,
		logger:      logger.Named("dispatch"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动消费循环，直到 ctx 取消或队列关闭。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置计划消费者或执行器")
	}
	p.logger.Info("计划处理器启动", slog.Int("workers", p.workerCount))
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// Inflight 返回正在执行的计划数量。
func (p *Processor) Inflight() int64 { return p.inflight.Load() }

// Handled 返回已处理的计划数量。
func (p *Processor) Handled() int64 { return p.handled.Load() }

// handle 只在基础设施错误时返回错误，使队列驱动重新投递。计划本身的
// 失败由运行器记录，不会导致重投。
func (p *Processor) handle(ctx context.Context, msg Message) error {
	p.inflight.Add(1)
	defer p.inflight.Add(-1)
	defer p.handled.Add(1)

	planID := msg.PlanID
	err := p.executor.Execute(ctx, planID)
	if xerrors.HasCode(err, xerrors.CodePlanNotFound) && len(msg.Plan) > 0 {
		if adopter, ok := p.executor.(Adopter); ok {
			if adoptErr := adopter.Adopt(msg.Plan); adoptErr != nil {
				err = adoptErr
			} else {
				p.logger.Info("接管队列中的计划", slog.String("plan_id", planID))
				err = p.executor.Execute(ctx, planID)
			}
		}
	}
	switch {
	case err == nil:
		return nil
	case xerrors.HasCode(err, xerrors.CodePlanNotFound),
		xerrors.HasCode(err, xerrors.CodeInvalidPlan):
		p.logger.Warn("丢弃无法执行的计划", slog.String("plan_id", planID), slog.String("reason", err.Error()))
		return nil
	case xerrors.HasCode(err, xerrors.CodeConflict):
		p.logger.Debug("跳过计划", slog.String("plan_id", planID), slog.String("reason", err.Error()))
		return nil
	}

	p.logger.Error("执行计划失败", slog.String("plan_id", planID), slog.Any("error", err))
	if p.alerter != nil && xerrors.ShouldAlert(err) {
		if alertErr := p.alerter.Notify(ctx, alerting.NewEvent(err, planID, "")); alertErr != nil {
			p.logger.Error("告警通知失败", slog.String("plan_id", planID), slog.Any("error", alertErr))
		}
	}
	if xerrors.RetryableError(err) && ctx.Err() == nil {
		return err
	}
	return nil
}
