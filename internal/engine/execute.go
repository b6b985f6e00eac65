package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"AgentPilot/internal/dispatch"
	xerrors "AgentPilot/internal/errors"
	"AgentPilot/internal/plan"
)

// enqueue 登记计划并投递到队列。取消信号在登记时建立，
// 因此排队中的计划也可以被取消。消息携带计划快照，供其他实例接管。
func (e *Engine) enqueue(ctx context.Context, p *plan.Plan) (*plan.Plan, error) {
	queued := p.Clone()
	payload, err := json.Marshal(queued)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, fmt.Sprintf("encode plan %s", queued.ID))
	}
	cancel, _ := e.track(p)

	// 发布后消费者可能立即开始执行 p，之后只能读取 queued。
	if err := e.queue.Publish(ctx, dispatch.Message{PlanID: queued.ID, Plan: payload}); err != nil {
		e.mu.Lock()
		delete(e.plans, queued.ID)
		e.order = slices.DeleteFunc(e.order, func(id string) bool { return id == queued.ID })
		e.mu.Unlock()
		cancel()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, fmt.Sprintf("enqueue plan %s", queued.ID))
	}
	e.logger.Info("计划已排队", slog.String("plan_id", queued.ID), slog.String("source", string(queued.Source)), slog.Int("steps", len(queued.Steps)))
	return queued, nil
}

// track 登记计划，ID 已存在时返回 false。
func (e *Engine) track(p *plan.Plan) (context.CancelFunc, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.plans[p.ID]; exists {
		return func() {}, false
	}
	planCtx, cancel := context.WithCancel(context.Background())
	e.plans[p.ID] = &tracked{plan: p, snapshot: p.Clone(), ctx: planCtx, cancel: cancel}
	e.order = append(e.order, p.ID)
	e.pruneLocked()
	return cancel, true
}

// Adopt 从队列消息中的快照登记计划，实现 dispatch.Adopter。已登记的
// 计划保持不变；只接受尚未开始的计划。
func (e *Engine) Adopt(payload []byte) error {
	var p plan.Plan
	if err := json.Unmarshal(payload, &p); err != nil {
		return plan.InvalidPlan("decode queued plan: %v", err)
	}
	if p.Status != plan.StatusPending {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("plan %s is %s", p.ID, p.Status))
	}
	if err := plan.Validate(&p); err != nil {
		return err
	}
	if _, added := e.track(&p); !added {
		return nil
	}
	e.logger.Info("接管计划", slog.String("plan_id", p.ID), slog.Int("steps", len(p.Steps)))
	return nil
}

// Execute 运行排队的计划，实现 dispatch.Executor。ctx 或计划自身的取消
// 信号任一触发都会取消计划。
func (e *Engine) Execute(ctx context.Context, planID string) error {
	e.mu.Lock()
	t, ok := e.plans[planID]
	if !ok {
		e.mu.Unlock()
		return planNotFound(planID)
	}
	if t.started {
		e.mu.Unlock()
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("plan %s already started", planID))
	}
	t.started = true
	e.mu.Unlock()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	if t.ctx.Err() != nil {
		stop()
	}
	unlink := context.AfterFunc(t.ctx, stop)
	defer unlink()

	outcome, err := e.runner.Run(runCtx, t.plan)
	e.approvals.Forget(planID)

	e.mu.Lock()
	t.done = true
	t.snapshot = t.plan.Clone()
	t.cancel()
	e.mu.Unlock()

	if err != nil {
		return err
	}
	e.logger.Info("计划执行结束",
		slog.String("plan_id", planID),
		slog.String("status", string(outcome.Status)),
		slog.Int("completed", outcome.Completed),
		slog.Int("failed", outcome.Failed),
		slog.Int("skipped", outcome.Skipped),
	)
	return nil
}

// observe 接收运行器发布的计划快照。
func (e *Engine) observe(snapshot *plan.Plan) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.plans[snapshot.ID]; ok {
		t.snapshot = snapshot
	}
}

// pruneLocked 丢弃超出保留数量的已结束计划。
func (e *Engine) pruneLocked() {
	excess := len(e.order) - e.retention
	if excess <= 0 {
		return
	}
	kept := e.order[:0]
	for _, id := range e.order {
		if excess > 0 && e.plans[id].done {
			delete(e.plans, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	e.order = kept
}
