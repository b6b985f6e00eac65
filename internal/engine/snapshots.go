package engine

import (
	"AgentPilot/internal/activity"
	"AgentPilot/internal/approval"
	"AgentPilot/internal/permission"
	"AgentPilot/internal/plan"
	"AgentPilot/internal/workflow"
)

// Plan 返回计划快照。
func (e *Engine) Plan(id string) (*plan.Plan, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.plans[id]
	if !ok {
		return nil, planNotFound(id)
	}
	return t.snapshot.Clone(), nil
}

// Plans 按提交顺序从新到旧返回计划快照。
func (e *Engine) Plans() []*plan.Plan {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*plan.Plan, 0, len(e.order))
	for i := len(e.order) - 1; i >= 0; i-- {
		out = append(out, e.plans[e.order[i]].snapshot.Clone())
	}
	return out
}

// Activities 按从新到旧返回符合条件的活动条目。
func (e *Engine) Activities(opts ...activity.ListOption) []activity.Entry {
	var out []activity.Entry
	for entry := range e.activities.List(opts...) {
		out = append(out, entry)
	}
	return out
}

// ActivityLog 返回活动日志，只读使用。
func (e *Engine) ActivityLog() *activity.Log { return e.activities }

// Capabilities 返回全部能力。
func (e *Engine) Capabilities() []permission.Capability {
	return e.caps.List()
}

// WorkflowList 返回保存的工作流模板。
func (e *Engine) WorkflowList() []workflow.Workflow {
	return e.workflows.List()
}

// RecentCommands 返回最近的命令，prefix 非空时按前缀过滤。
func (e *Engine) RecentCommands(prefix string, n int) []string {
	if prefix == "" {
		return e.history.Recent(n)
	}
	return e.history.Suggest(prefix, n)
}

// PendingApprovals 返回等待审批的步骤。
func (e *Engine) PendingApprovals() []approval.Request {
	return e.approvals.Pending()
}
