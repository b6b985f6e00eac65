package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"AgentPilot/internal/activity"
	xerrors "AgentPilot/internal/errors"
	"AgentPilot/internal/intent"
	"AgentPilot/internal/observability/metrics"
	"AgentPilot/internal/permission"
	"AgentPilot/internal/plan"
	"AgentPilot/internal/workflow"
	"AgentPilot/pkg/logger"
)

// Submission 是提交命令或工作流的结果。需要澄清时 Plan 为空。
type Submission struct {
	Intent        *intent.Intent `json:"intent,omitempty"`
	Plan          *plan.Plan     `json:"plan,omitempty"`
	Clarification string         `json:"clarification,omitempty"`
}

// SubmitText 分类自由文本，构建单步计划并排队执行。
func (e *Engine) SubmitText(ctx context.Context, text string) (Submission, error) {
	if strings.TrimSpace(text) == "" {
		return Submission{}, xerrors.New(xerrors.CodeInvalidArgument, "command text is empty")
	}
	e.history.Add(text)

	in := e.classifier.Classify(text)
	metrics.ObserveClassification(string(in.Kind))
	entry := activity.Entry{
		Kind:     activity.KindClassification,
		Subject:  string(in.Kind),
		Status:   "classified",
		Metadata: map[string]string{"text": in.OriginalText},
	}
	for k, v := range in.Parameters {
		entry.Metadata["param."+k] = v
	}
	if in.NeedsClarification() {
		entry.Status = "clarification"
		entry.Reason = in.Note
		entry.Code = string(xerrors.CodeParseAmbiguous)
	}
	e.activities.Append(entry)
	e.logger.Debug("命令已分类", slog.String("kind", string(in.Kind)), slog.String("text", in.OriginalText))

	if in.NeedsClarification() {
		return Submission{Intent: &in, Clarification: in.Note}, nil
	}

	p, err := e.builder.FromIntent(in, nil)
	if err != nil {
		e.reject("", err)
		return Submission{Intent: &in}, err
	}
	queued, err := e.enqueue(ctx, p)
	if err != nil {
		return Submission{Intent: &in}, err
	}
	return Submission{Intent: &in, Plan: queued}, nil
}

// SubmitWorkflow 展开保存的工作流并排队执行。零步骤的草稿会被拒绝。
func (e *Engine) SubmitWorkflow(ctx context.Context, workflowID string) (Submission, error) {
	wf, err := e.workflows.Get(workflowID)
	if err != nil {
		return Submission{}, err
	}
	p, err := e.builder.FromWorkflow(wf.Definition())
	if err != nil {
		e.reject(workflowID, err)
		return Submission{}, err
	}
	queued, err := e.enqueue(ctx, p)
	if err != nil {
		return Submission{}, err
	}
	return Submission{Plan: queued}, nil
}

// SaveWorkflow 保存或更新工作流模板。
func (e *Engine) SaveWorkflow(def plan.WorkflowDefinition) (workflow.Workflow, error) {
	return e.workflows.Save(def)
}

// reject 记录被拒绝的计划，不执行任何步骤。
func (e *Engine) reject(workflowID string, err error) {
	subject := workflowID
	if subject == "" {
		subject = "text"
	}
	e.activities.Append(activity.Entry{
		Kind:    activity.KindPlan,
		Subject: subject,
		Status:  "rejected",
		Reason:  err.Error(),
		Code:    string(xerrors.CodeOf(err)),
	})
	e.logger.Warn("计划被拒绝", slog.String("subject", subject), slog.Any("error", err))
}

// UpdateCapability 修改能力，对尚未派发的步骤立即生效。
func (e *Engine) UpdateCapability(id string, update permission.Update) (permission.Capability, error) {
	if update.Empty() {
		return permission.Capability{}, xerrors.New(xerrors.CodeInvalidArgument, "empty capability update")
	}
	c, err := e.caps.Set(id, update)
	if err != nil {
		return c, err
	}
	meta := map[string]string{"enabled": fmt.Sprint(c.Enabled), "requires_approval": fmt.Sprint(c.RequiresApproval)}
	if c.Limit != nil {
		meta["limit"] = c.Limit.String()
	}
	e.activities.Append(activity.Entry{
		Kind:     activity.KindCapability,
		Subject:  id,
		Status:   "updated",
		Metadata: meta,
	})
	logger.Audit().Info("能力变更", slog.String("capability", id), slog.Bool("enabled", c.Enabled))
	return c, nil
}

// CancelPlan 取消排队中或执行中的计划。已在 Running 的步骤会正常结束，
// 之后不再派发新步骤。
func (e *Engine) CancelPlan(planID string) (*plan.Plan, error) {
	e.mu.Lock()
	t, ok := e.plans[planID]
	if !ok {
		e.mu.Unlock()
		return nil, planNotFound(planID)
	}
	if t.done {
		status := t.snapshot.Status
		e.mu.Unlock()
		return nil, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("plan %s already %s", planID, status))
	}
	t.cancel()
	snapshot := t.snapshot.Clone()
	e.mu.Unlock()

	e.activities.Append(activity.Entry{
		Kind:    activity.KindPlan,
		PlanID:  planID,
		Subject: planID,
		Status:  "cancel_requested",
	})
	e.logger.Info("已请求取消计划", slog.String("plan_id", planID))
	return snapshot, nil
}

// ResolveApproval 提交审批结果。
func (e *Engine) ResolveApproval(planID, stepID string, approved bool) error {
	e.mu.RLock()
	_, ok := e.plans[planID]
	e.mu.RUnlock()
	if !ok {
		return planNotFound(planID)
	}
	return e.approvals.Resolve(planID, stepID, approved)
}

func planNotFound(id string) error {
	return xerrors.New(xerrors.CodePlanNotFound, fmt.Sprintf("plan %s not found", id))
}
