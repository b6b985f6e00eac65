package workflow

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "AgentPilot/internal/errors"
	"AgentPilot/internal/intent"
	"AgentPilot/internal/plan"
	"AgentPilot/pkg/logger"
)

// Status 表示模板状态。
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusScheduled Status = "scheduled"
)

// ParseStatus 解析状态字符串。
func ParseStatus(s string) (Status, bool) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusActive, StatusPaused, StatusScheduled:
		return st, true
	}
	return "", false
}

// Workflow 是保存的计划模板。
type Workflow struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Steps     []plan.StepSpec `json:"steps"`
	Trigger   plan.Trigger    `json:"trigger"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	LastRunAt *time.Time      `json:"last_run_at,omitempty"`
}

// Definition 转换为计划构建器的输入。
func (w Workflow) Definition() plan.WorkflowDefinition {
	return plan.WorkflowDefinition{ID: w.ID, Name: w.Name, Steps: cloneSteps(w.Steps), Trigger: w.Trigger}
}

func (w Workflow) clone() Workflow {
	w.Steps = cloneSteps(w.Steps)
	if w.LastRunAt != nil {
		at := *w.LastRunAt
		w.LastRunAt = &at
	}
	return w
}

func cloneSteps(in []plan.StepSpec) []plan.StepSpec {
	out := make([]plan.StepSpec, len(in))
	for i, s := range in {
		if s.Parameters != nil {
			params := make(map[string]string, len(s.Parameters))
			for k, v := range s.Parameters {
				params[k] = v
			}
			s.Parameters = params
		}
		if s.MaxRetries != nil {
			n := *s.MaxRetries
			s.MaxRetries = &n
		}
		out[i] = s
	}
	return out
}

// Observer 在模板集合变化后收到快照。
type Observer func(snapshot []Workflow)

// Repository 保存工作流模板。允许保存零步骤的草稿，执行时才会被拒绝。
type Repository struct {
	mu        sync.RWMutex
	items     map[string]Workflow
	observers []Observer
	newID     func() string
	now       func() time.Time
	logger    *slog.Logger
}

// RepositoryOption 配置 Repository。
type RepositoryOption func(*Repository)

// WithRepositoryObserver 注册变更观察者。
func WithRepositoryObserver(o Observer) RepositoryOption {
	return func(r *Repository) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// WithRepositoryClock 替换时间来源。
func WithRepositoryClock(now func() time.Time) RepositoryOption {
	return func(r *Repository) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRepository 创建空仓库。
func NewRepository(opts ...RepositoryOption) *Repository {
	r := &Repository{
		items:  make(map[string]Workflow),
		newID:  func() string { return "wf-" + uuid.NewString() },
		now:    time.Now,
		logger: logger.Named("workflow"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Save 新建或覆盖模板。ID 为空时分配新 ID。步骤类型与触发器会被校验，
// 步骤数量不做要求。
func (r *Repository) Save(def plan.WorkflowDefinition) (Workflow, error) {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return Workflow{}, xerrors.New(xerrors.CodeInvalidArgument, "workflow name is required")
	}
	for i, s := range def.Steps {
		if _, ok := intent.ParseKind(string(s.Kind)); !ok {
			return Workflow{}, plan.InvalidPlan("step %d: unknown action kind %q", i+1, s.Kind)
		}
	}
	if err := plan.ValidateTrigger(def.Trigger); err != nil {
		return Workflow{}, err
	}
	if def.Trigger.Type == plan.TriggerThreshold {
		if _, err := CompileCondition(def.Trigger.Condition); err != nil {
			return Workflow{}, err
		}
	}

	r.mu.Lock()
	now := r.now().UTC()
	wf, exists := r.items[def.ID]
	if !exists {
		wf = Workflow{ID: def.ID, CreatedAt: now, Status: StatusActive}
		if wf.ID == "" {
			wf.ID = r.newID()
		}
	}
	wf.Name = name
	wf.Steps = cloneSteps(def.Steps)
	wf.Trigger = def.Trigger
	wf.UpdatedAt = now
	if wf.Status != StatusPaused {
		wf.Status = StatusActive
		if !wf.Trigger.IsZero() {
			wf.Status = StatusScheduled
		}
	}
	r.items[wf.ID] = wf
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.logger.Info("保存工作流", slog.String("workflow_id", wf.ID), slog.Int("steps", len(wf.Steps)), slog.String("status", string(wf.Status)))
	r.notify(snapshot)
	return wf.clone(), nil
}

// Get 返回模板副本。
func (r *Repository) Get(id string) (Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.items[id]
	if !ok {
		return Workflow{}, notFound(id)
	}
	return wf.clone(), nil
}

// List 按创建时间返回全部模板。
func (r *Repository) List() []Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Delete 删除模板。
func (r *Repository) Delete(id string) error {
	r.mu.Lock()
	if _, ok := r.items[id]; !ok {
		r.mu.Unlock()
		return notFound(id)
	}
	delete(r.items, id)
	snapshot := r.snapshotLocked()
	r.mu.Unlock()
	r.notify(snapshot)
	return nil
}

// SetStatus 修改模板状态，暂停的模板不会被调度。
func (r *Repository) SetStatus(id string, status Status) (Workflow, error) {
	if _, ok := ParseStatus(string(status)); !ok {
		return Workflow{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown workflow status %q", status))
	}
	return r.update(id, func(wf *Workflow) {
		wf.Status = status
	})
}

// MarkRun 记录模板最近一次被触发的时间。
func (r *Repository) MarkRun(id string, at time.Time) (Workflow, error) {
	return r.update(id, func(wf *Workflow) {
		ts := at.UTC()
		wf.LastRunAt = &ts
	})
}

func (r *Repository) update(id string, mutate func(*Workflow)) (Workflow, error) {
	r.mu.Lock()
	wf, ok := r.items[id]
	if !ok {
		r.mu.Unlock()
		return Workflow{}, notFound(id)
	}
	mutate(&wf)
	wf.UpdatedAt = r.now().UTC()
	r.items[id] = wf
	snapshot := r.snapshotLocked()
	r.mu.Unlock()
	r.notify(snapshot)
	return wf.clone(), nil
}

// Restore 载入持久化的模板，不触发观察者。
func (r *Repository) Restore(items []Workflow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, wf := range items {
		if wf.ID == "" {
			continue
		}
		if _, ok := ParseStatus(string(wf.Status)); !ok {
			wf.Status = StatusActive
		}
		r.items[wf.ID] = wf.clone()
	}
}

func (r *Repository) snapshotLocked() []Workflow {
	out := make([]Workflow, 0, len(r.items))
	for _, wf := range r.items {
		out = append(out, wf.clone())
	}
	slices.SortFunc(out, func(a, b Workflow) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func (r *Repository) notify(snapshot []Workflow) {
	for _, o := range r.observers {
		o(snapshot)
	}
}

func notFound(id string) error {
	return xerrors.New(xerrors.CodeWorkflowNotFound, fmt.Sprintf("workflow %s not found", id))
}
