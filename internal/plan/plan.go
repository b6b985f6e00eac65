// Package plan 定义计划、步骤与触发器模型，并负责把意图或工作流定义展开为计划。
package plan

import (
	"maps"
	"time"

	"AgentPilot/internal/intent"
)

// StepStatus 表示步骤在状态机中的位置。
type StepStatus string

const (
	StepPending          StepStatus = "pending"
	StepBlocked          StepStatus = "blocked"
	StepAwaitingApproval StepStatus = "awaiting_approval"
	StepRunning          StepStatus = "running"
	StepCompleted        StepStatus = "completed"
	StepFailed           StepStatus = "failed"
	StepSkipped          StepStatus = "skipped"
)

// Terminal 判断状态是否为终态。
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// Status 表示计划整体状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
	StatusCancelled Status = "cancelled"
)

// Terminal 判断计划是否已结束。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted || s == StatusCancelled
}

// Source 标记计划来源。
type Source string

const (
	SourceText     Source = "text"
	SourceWorkflow Source = "workflow"
)

// TriggerType 表示计划的触发方式。
type TriggerType string

const (
	TriggerNone      TriggerType = "none"
	TriggerTime      TriggerType = "time"
	TriggerThreshold TriggerType = "threshold"
)

// Trigger 描述计划何时被执行。
//
// 时间触发器使用 Every（Go duration）或 At（HH:MM，可配合 Weekday）。
// 阈值触发器的 Condition 是布尔表达式，例如 `price("ETH") > 3000`。
type Trigger struct {
	Type      TriggerType `json:"type" yaml:"type"`
	Every     string      `json:"every,omitempty" yaml:"every,omitempty"`
	At        string      `json:"at,omitempty" yaml:"at,omitempty"`
	Weekday   string      `json:"weekday,omitempty" yaml:"weekday,omitempty"`
	Condition string      `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// IsZero 判断是否未设置触发器。
func (t Trigger) IsZero() bool {
	return t.Type == "" || t.Type == TriggerNone
}

// Step 是计划中的一个动作。步骤只属于创建它的计划，从不共享。
type Step struct {
	ID         string            `json:"id"`
	Kind       intent.Kind       `json:"kind"`
	Parameters map[string]string `json:"parameters"`
	DependsOn  []string          `json:"depends_on,omitempty"`
	Status     StepStatus        `json:"status"`
	MaxRetries int               `json:"max_retries,omitempty"`
	Timeout    time.Duration     `json:"timeout,omitempty"`
	Attempts   int               `json:"attempts"`
	Reason     string            `json:"reason,omitempty"`
	Code       string            `json:"code,omitempty"`
	Result     map[string]string `json:"result,omitempty"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// Clone 返回步骤的深拷贝。
func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	c := *s
	c.Parameters = maps.Clone(s.Parameters)
	c.Result = maps.Clone(s.Result)
	c.DependsOn = append([]string(nil), s.DependsOn...)
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Plan 是一组按依赖关系排列的步骤，依赖图必须无环。
type Plan struct {
	ID         string         `json:"id"`
	Source     Source         `json:"source"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	Intent     *intent.Intent `json:"intent,omitempty"`
	Steps      []*Step        `json:"steps"`
	Trigger    Trigger        `json:"trigger"`
	Status     Status         `json:"status"`
	Reason     string         `json:"reason,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Step 按 ID 查找步骤。
func (p *Plan) Step(id string) *Step {
	for _, s := range p.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Clone 返回计划的深拷贝，用于对外快照。
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	c := *p
	if p.Intent != nil {
		in := *p.Intent
		in.Parameters = maps.Clone(p.Intent.Parameters)
		c.Intent = &in
	}
	c.Steps = make([]*Step, len(p.Steps))
	for i, s := range p.Steps {
		c.Steps[i] = s.Clone()
	}
	return &c
}

// Counts 统计各状态的步骤数量。
func (p *Plan) Counts() map[StepStatus]int {
	out := make(map[StepStatus]int)
	for _, s := range p.Steps {
		out[s.Status]++
	}
	return out
}

// Dependents 返回直接或间接依赖 id 的全部步骤。
func (p *Plan) Dependents(id string) []*Step {
	seen := map[string]bool{id: true}
	var out []*Step
	changed := true
	for changed {
		changed = false
		for _, s := range p.Steps {
			if seen[s.ID] {
				continue
			}
			for _, dep := range s.DependsOn {
				if seen[dep] {
					seen[s.ID] = true
					out = append(out, s)
					changed = true
					break
				}
			}
		}
	}
	return out
}
