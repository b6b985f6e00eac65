package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"AgentPilot/internal/activity"
	xerrors "AgentPilot/internal/errors"
	"AgentPilot/internal/gate"
	"AgentPilot/internal/observability/alerting"
	"AgentPilot/internal/observability/metrics"
	"AgentPilot/internal/plan"
	"AgentPilot/pkg/logger"
)

const (
	reasonDependencyBlocked = "dependency blocked"
	reasonDependencyFailed  = "dependency failed"
	reasonDependencySkipped = "dependency skipped"
	reasonPlanCancelled     = "plan cancelled"
	reasonPlanAborted       = "plan aborted"
)

// execution 保存单次运行的可变状态，只在运行协程内访问。
type execution struct {
	r         *Runner
	p         *plan.Plan
	cancelled bool
	failed    bool
}

// Run 驱动计划直到结束。ctx 被取消即视为取消信号：不再派发新步骤，
// 已在 Running 的连接器调用不会被打断。计划无效时不会执行任何步骤。
func (r *Runner) Run(ctx context.Context, p *plan.Plan) (Outcome, error) {
	if err := plan.Validate(p); err != nil {
		r.record(activity.Entry{Kind: activity.KindPlan, PlanID: planID(p), Subject: planID(p),
			Status: "rejected", Reason: err.Error(), Code: string(xerrors.CodeOf(err))})
		return Outcome{PlanID: planID(p)}, err
	}
	if p.Status.Terminal() || p.Status == plan.StatusRunning {
		return Outcome{}, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("plan %s is %s", p.ID, p.Status))
	}

	ctx, span := r.tracer.Start(ctx, "plan.run")
	span.SetAttributes(
		attribute.String("plan.id", p.ID),
		attribute.String("plan.source", string(p.Source)),
		attribute.Int("plan.steps", len(p.Steps)),
	)
	defer span.End()

	ex := &execution{r: r, p: p}
	ex.setPlanStatus(plan.StatusRunning, "")
	metrics.PlanStarted()

	for {
		if ctx.Err() != nil {
			ex.cancelled = true
			break
		}
		step := ex.nextEligible()
		if step == nil {
			break
		}
		ex.process(ctx, step)
		if ex.failed || ex.cancelled {
			break
		}
	}

	ex.finalize()
	metrics.PlanFinished(string(p.Status))
	span.SetAttributes(attribute.String("plan.status", string(p.Status)))
	if p.Status == plan.StatusAborted {
		span.SetStatus(codes.Error, p.Reason)
	}
	return ex.outcome(), nil
}

func planID(p *plan.Plan) string {
	if p == nil {
		return ""
	}
	return p.ID
}

// nextEligible 返回第一个依赖全部完成的 Pending 步骤。
func (ex *execution) nextEligible() *plan.Step {
	for _, s := range ex.p.Steps {
		if s.Status == plan.StepPending && ex.dependenciesCompleted(s) {
			return s
		}
	}
	return nil
}

func (ex *execution) dependenciesCompleted(s *plan.Step) bool {
	for _, dep := range s.DependsOn {
		d := ex.p.Step(dep)
		if d == nil || d.Status != plan.StepCompleted {
			return false
		}
	}
	return true
}

func (ex *execution) process(ctx context.Context, step *plan.Step) {
	decision := ex.evaluate(step)
	switch decision.Verdict {
	case gate.Deny:
		ex.block(step, decision)
		return
	case gate.PendingApproval:
		if !ex.awaitApproval(ctx, step) {
			return
		}
		// 审批期间能力可能被关闭或上限被调低。
		if again := ex.evaluate(step); again.Verdict == gate.Deny {
			ex.block(step, again)
			return
		}
		// 批准与取消同时到达时以取消为准。
		if ctx.Err() != nil {
			ex.cancelled = true
			ex.transition(step, plan.StepSkipped, reasonPlanCancelled, xerrors.CodePlanCancelled, nil)
			return
		}
	}
	ex.dispatch(ctx, step)
}

func (ex *execution) evaluate(step *plan.Step) gate.Decision {
	d := ex.r.gate.Evaluate(step, ex.r.caps)
	metrics.ObserveGateDecision(d.CapabilityID, string(d.Verdict))
	entry := activity.Entry{
		Kind:     activity.KindGate,
		PlanID:   ex.p.ID,
		Subject:  step.ID,
		Decision: string(d.Verdict),
		Reason:   d.Reason,
		Code:     string(d.Code),
		Metadata: map[string]string{"capability": d.CapabilityID, "kind": string(step.Kind)},
	}
	if d.Implied != nil {
		entry.Metadata["quantity"] = d.Implied.String()
	}
	ex.r.record(entry)
	if d.Verdict == gate.Deny {
		ex.r.logger.Warn("门禁拒绝步骤",
			slog.String("plan_id", ex.p.ID),
			slog.String("step_id", step.ID),
			slog.String("capability", d.CapabilityID),
			slog.String("reason", d.Reason),
		)
	}
	return d
}

func (ex *execution) block(step *plan.Step, d gate.Decision) {
	ex.transition(step, plan.StepBlocked, d.Reason, d.Code, nil)
	ex.skipDependents(step, reasonDependencyBlocked)
}

// awaitApproval 返回 true 表示已批准，可以继续派发。
func (ex *execution) awaitApproval(ctx context.Context, step *plan.Step) bool {
	ex.transition(step, plan.StepAwaitingApproval, gate.ReasonApprovalRequired, "", nil)

	var (
		approved bool
		err      error
	)
	waitCtx, cancel := context.WithTimeout(ctx, ex.r.defaults.ApprovalTimeout)
	defer cancel()
	if ex.r.approvals != nil {
		approved, err = ex.r.approvals.Await(waitCtx, ex.p.ID, step.ID)
	} else {
		<-waitCtx.Done()
		err = waitCtx.Err()
	}

	switch {
	case err == nil && approved:
		return true
	case err == nil:
		ex.transition(step, plan.StepSkipped, "approval denied", xerrors.CodeApprovalDenied, nil)
		ex.skipDependents(step, reasonDependencySkipped)
	case ctx.Err() != nil:
		ex.cancelled = true
		ex.transition(step, plan.StepSkipped, reasonPlanCancelled, xerrors.CodePlanCancelled, nil)
	case errors.Is(err, context.DeadlineExceeded):
		ex.transition(step, plan.StepSkipped, "approval timed out", xerrors.CodeApprovalTimeout, nil)
		ex.skipDependents(step, reasonDependencySkipped)
	default:
		ex.transition(step, plan.StepSkipped, err.Error(), xerrors.CodeOf(err), nil)
		ex.skipDependents(step, reasonDependencySkipped)
	}
	return false
}

func (ex *execution) dispatch(ctx context.Context, step *plan.Step) {
	if !ex.dependenciesCompleted(step) {
		// 不会发生：nextEligible 已保证依赖完成。保留检查以维持不变量。
		ex.transition(step, plan.StepSkipped, reasonDependencySkipped, "", nil)
		return
	}
	started := ex.r.now()
	ex.transition(step, plan.StepRunning, "", "", nil)

	result, err := ex.r.execute(ctx, ex.p.ID, step)
	metrics.ObserveStepDuration(string(step.Kind), ex.r.now().Sub(started))
	if err != nil {
		ex.failed = true
		code := xerrors.CodeOf(err)
		if code == xerrors.CodeUnknown || code == xerrors.CodeTimeout {
			code = xerrors.CodeConnectorFailure
		}
		ex.transition(step, plan.StepFailed, err.Error(), code, nil)
		ex.skipDependents(step, reasonDependencyFailed)
		ex.r.emitAlert(ctx, ex.p, step, err)
		return
	}
	ex.transition(step, plan.StepCompleted, "", "", result.Data)
}

func (ex *execution) skipDependents(step *plan.Step, reason string) {
	for _, dep := range ex.p.Dependents(step.ID) {
		if dep.Status == plan.StepPending || dep.Status == plan.StepBlocked {
			ex.transition(dep, plan.StepSkipped, reason, "", nil)
		}
	}
}

// finalize 将剩余的 Blocked、Pending 步骤标记为 Skipped 并确定计划终态。
func (ex *execution) finalize() {
	reason := reasonPlanAborted
	switch {
	case ex.cancelled:
		reason = reasonPlanCancelled
	case !ex.failed:
		reason = reasonDependencySkipped
	}
	for _, s := range ex.p.Steps {
		switch s.Status {
		case plan.StepBlocked:
			ex.transition(s, plan.StepSkipped, s.Reason, xerrors.Code(s.Code), nil)
		case plan.StepPending, plan.StepAwaitingApproval:
			code := xerrors.Code("")
			if ex.cancelled {
				code = xerrors.CodePlanCancelled
			}
			ex.transition(s, plan.StepSkipped, reason, code, nil)
		}
	}

	status := plan.StatusCompleted
	planReason := ""
	switch {
	case ex.cancelled:
		status, planReason = plan.StatusCancelled, reasonPlanCancelled
	case ex.failed:
		status = plan.StatusAborted
		for _, s := range ex.p.Steps {
			if s.Status == plan.StepFailed {
				planReason = fmt.Sprintf("step %s failed: %s", s.ID, s.Reason)
				break
			}
		}
	}
	ex.setPlanStatus(status, planReason)

	counts := ex.p.Counts()
	logger.Audit().Info("计划执行结束",
		slog.String("plan_id", ex.p.ID),
		slog.String("status", string(status)),
		slog.Int("completed", counts[plan.StepCompleted]),
		slog.Int("failed", counts[plan.StepFailed]),
		slog.Int("skipped", counts[plan.StepSkipped]),
	)
}

func (ex *execution) outcome() Outcome {
	counts := ex.p.Counts()
	return Outcome{
		PlanID:    ex.p.ID,
		Status:    ex.p.Status,
		Completed: counts[plan.StepCompleted],
		Failed:    counts[plan.StepFailed],
		Skipped:   counts[plan.StepSkipped],
		Plan:      ex.p.Clone(),
	}
}

func (ex *execution) transition(step *plan.Step, to plan.StepStatus, reason string, code xerrors.Code, data map[string]string) {
	from := step.Status
	if from == plan.StepFailed || from == plan.StepSkipped || from == plan.StepCompleted {
		ex.r.logger.Error("忽略终态步骤的状态变化",
			slog.String("plan_id", ex.p.ID),
			slog.String("step_id", step.ID),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		)
		return
	}
	now := ex.r.now().UTC()
	step.Status = to
	step.Reason = reason
	step.Code = string(code)
	switch to {
	case plan.StepRunning:
		step.StartedAt = &now
	case plan.StepCompleted, plan.StepFailed, plan.StepSkipped:
		step.FinishedAt = &now
		if data != nil {
			step.Result = data
		}
	}
	ex.p.UpdatedAt = now

	metrics.ObserveStepTransition(string(step.Kind), string(to))
	entry := activity.Entry{
		Kind:     activity.KindStep,
		PlanID:   ex.p.ID,
		Subject:  step.ID,
		Status:   string(to),
		Reason:   reason,
		Code:     string(code),
		Metadata: map[string]string{"kind": string(step.Kind), "from": string(from)},
	}
	for k, v := range data {
		entry.Metadata[k] = v
	}
	if to == plan.StepFailed || to == plan.StepCompleted {
		entry.Metadata["attempts"] = fmt.Sprint(step.Attempts)
	}
	ex.r.record(entry)
	ex.r.logger.Debug("步骤状态变化",
		slog.String("plan_id", ex.p.ID),
		slog.String("step_id", step.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	ex.r.notify(ex.p)
}

func (ex *execution) setPlanStatus(status plan.Status, reason string) {
	ex.p.Status = status
	ex.p.Reason = reason
	ex.p.UpdatedAt = ex.r.now().UTC()
	ex.r.record(activity.Entry{
		Kind:    activity.KindPlan,
		PlanID:  ex.p.ID,
		Subject: ex.p.ID,
		Status:  string(status),
		Reason:  reason,
	})
	ex.r.notify(ex.p)
}

func (r *Runner) record(e activity.Entry) {
	if r.recorder != nil {
		r.recorder.Append(e)
	}
}

func (r *Runner) notify(p *plan.Plan) {
	if len(r.observers) == 0 {
		return
	}
	snapshot := p.Clone()
	for _, o := range r.observers {
		o(snapshot)
	}
}

func (r *Runner) emitAlert(ctx context.Context, p *plan.Plan, step *plan.Step, cause error) {
	if r.alerter == nil || !xerrors.ShouldAlert(cause) {
		return
	}
	event := alerting.NewEvent(cause, p.ID, step.ID)
	event.Attempts = step.Attempts
	event.MaxRetries = step.MaxRetries
	event.Metadata = map[string]string{"kind": string(step.Kind)}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.alerter.Notify(notifyCtx, event); err != nil {
		r.logger.Error("告警通知失败", slog.Any("error", err), slog.String("plan_id", p.ID))
	}
}
