package plan

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AgentPilot/internal/errors"
	"AgentPilot/internal/intent"
)

// StepSpec 是用户编写的工作流中的一个动作。
type StepSpec struct {
	Kind       intent.Kind       `json:"kind" yaml:"kind"`
	Parameters map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	MaxRetries *int              `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Timeout    string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// WorkflowDefinition 是有序动作列表，作者顺序即依赖顺序。
type WorkflowDefinition struct {
	ID      string     `json:"id,omitempty" yaml:"id,omitempty"`
	Name    string     `json:"name" yaml:"name"`
	Steps   []StepSpec `json:"steps" yaml:"steps"`
	Trigger Trigger    `json:"trigger,omitempty" yaml:"trigger,omitempty"`
}

// InvalidPlan 创建 INVALID_PLAN 错误。
func InvalidPlan(format string, args ...any) *xerrors.Error {
	return xerrors.New(xerrors.CodeInvalidPlan, fmt.Sprintf(format, args...))
}

// IsInvalidPlan 判断错误是否为 INVALID_PLAN。
func IsInvalidPlan(err error) bool {
	return xerrors.HasCode(err, xerrors.CodeInvalidPlan)
}

// Builder 将意图或工作流定义展开为计划，本身不产生副作用。
type Builder struct {
	newID      func() string
	now        func() time.Time
	maxRetries int
}

// BuilderOption 定义 Builder 的可选配置。
type BuilderOption func(*Builder)

// WithIDGenerator 替换计划 ID 生成函数。
func WithIDGenerator(fn func() string) BuilderOption {
	return func(b *Builder) {
		if fn != nil {
			b.newID = fn
		}
	}
}

// WithClock 替换时钟，便于测试。
func WithClock(fn func() time.Time) BuilderOption {
	return func(b *Builder) {
		if fn != nil {
			b.now = fn
		}
	}
}

// WithDefaultMaxRetries 设置未声明 max_retries 的步骤的重试次数。
// 显式的 0 不受影响，默认值为 0，即每个步骤只尝试一次。
func WithDefaultMaxRetries(n int) BuilderOption {
	return func(b *Builder) {
		if n >= 0 {
			b.maxRetries = n
		}
	}
}

// Retries 返回指向 n 的指针，便于在代码中声明 StepSpec.MaxRetries。
func Retries(n int) *int { return &n }

// NewBuilder 构造 Builder。
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{newID: uuid.NewString, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// FromIntent 为单个意图构造只有一个步骤、没有依赖的计划。
func (b *Builder) FromIntent(in intent.Intent, trigger *Trigger) (*Plan, error) {
	if _, ok := intent.ParseKind(string(in.Kind)); !ok {
		return nil, InvalidPlan("unknown action kind %q", in.Kind)
	}
	captured := in
	captured.Parameters = copyParams(in.Parameters)
	p := b.newPlan(SourceText)
	p.Intent = &captured
	p.Steps = []*Step{{
		ID:         stepID(0),
		Kind:       in.Kind,
		Parameters: copyParams(in.Parameters),
		Status:     StepPending,
		MaxRetries: b.maxRetries,
	}}
	if trigger != nil && !trigger.IsZero() {
		p.Trigger = *trigger
	}
	if err := Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

// FromWorkflow 将工作流定义展开为链式计划，每个步骤依赖其前一个步骤。
// 零步骤的定义会被拒绝。
func (b *Builder) FromWorkflow(def WorkflowDefinition) (*Plan, error) {
	if len(def.Steps) == 0 {
		return nil, InvalidPlan("workflow %q has no steps", def.Name)
	}
	p := b.newPlan(SourceWorkflow)
	p.WorkflowID = def.ID
	if !def.Trigger.IsZero() {
		p.Trigger = def.Trigger
	}
	for i, spec := range def.Steps {
		kind, ok := intent.ParseKind(string(spec.Kind))
		if !ok {
			return nil, InvalidPlan("step %d: unknown action kind %q", i+1, spec.Kind)
		}
		retries := b.maxRetries
		if spec.MaxRetries != nil {
			if *spec.MaxRetries < 0 {
				return nil, InvalidPlan("step %d: max_retries must not be negative", i+1)
			}
			retries = *spec.MaxRetries
		}
		var timeout time.Duration
		if strings.TrimSpace(spec.Timeout) != "" {
			d, err := time.ParseDuration(spec.Timeout)
			if err != nil || d < 0 {
				return nil, InvalidPlan("step %d: invalid timeout %q", i+1, spec.Timeout)
			}
			timeout = d
		}
		step := &Step{
			ID:         stepID(i),
			Kind:       kind,
			Parameters: copyParams(spec.Parameters),
			Status:     StepPending,
			MaxRetries: retries,
			Timeout:    timeout,
		}
		if i > 0 {
			step.DependsOn = []string{stepID(i - 1)}
		}
		p.Steps = append(p.Steps, step)
	}
	if err := Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (b *Builder) newPlan(source Source) *Plan {
	now := b.now().UTC()
	return &Plan{
		ID:        b.newID(),
		Source:    source,
		Trigger:   Trigger{Type: TriggerNone},
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func stepID(i int) string {
	return fmt.Sprintf("step-%d", i+1)
}

func copyParams(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
