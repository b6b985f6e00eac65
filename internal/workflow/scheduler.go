package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"AgentPilot/internal/plan"
	"AgentPilot/pkg/logger"
)

// PriceSource 为阈值条件提供报价。
type PriceSource interface {
	Price(symbol string) (float64, bool)
}

// SubmitFunc 提交一个工作流执行。
type SubmitFunc func(ctx context.Context, workflowID string) error

// conditionEnv 构造条件表达式可用的环境，price("ETH") 返回美元报价。
func conditionEnv(prices PriceSource) map[string]any {
	return map[string]any{
		"price": func(symbol string) (float64, error) {
			if prices == nil {
				return 0, fmt.Errorf("no price source")
			}
			v, ok := prices.Price(symbol)
			if !ok {
				return 0, fmt.Errorf("unknown symbol %q", symbol)
			}
			return v, nil
		},
	}
}

// CompileCondition 编译阈值条件，表达式必须返回布尔值。
func CompileCondition(condition string) (*vm.Program, error) {
	program, err := expr.Compile(condition, expr.Env(conditionEnv(nil)), expr.AsBool())
	if err != nil {
		return nil, plan.InvalidPlan("invalid trigger condition %q: %v", condition, err)
	}
	return program, nil
}

// Scheduler 周期扫描 active 与 scheduled 状态的模板：时间触发器到期即执行，
// 阈值触发器在条件由假变真时执行一次。
type Scheduler struct {
	repo     *Repository
	submit   SubmitFunc
	prices   PriceSource
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu       sync.Mutex
	programs map[string]*vm.Program
	armed    map[string]bool
}

// SchedulerOption 配置 Scheduler。
type SchedulerOption func(*Scheduler)

// WithInterval 设置扫描周期。
func WithInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSchedulerClock 替换时间来源。
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScheduler 构造调度器。
func NewScheduler(repo *Repository, prices PriceSource, submit SubmitFunc, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		repo:     repo,
		submit:   submit,
		prices:   prices,
		interval: 30 * time.Second,
		now:      time.Now,
		logger:   logger.Named("scheduler"),
		programs: make(map[string]*vm.Program),
		armed:    make(map[string]bool),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Run 按周期调用 Tick，直到 ctx 取消。
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("调度器启动", slog.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick 执行一轮扫描，返回本轮触发的模板 ID。
func (s *Scheduler) Tick(ctx context.Context) []string {
	now := s.now()
	var fired []string
	for _, wf := range s.repo.List() {
		if wf.Status == StatusPaused || wf.Trigger.IsZero() {
			continue
		}
		due, err := s.due(wf, now)
		if err != nil {
			s.logger.Warn("触发器评估失败", slog.String("workflow_id", wf.ID), slog.Any("error", err))
			continue
		}
		if !due {
			continue
		}
		if err := s.submit(ctx, wf.ID); err != nil {
			s.logger.Error("提交定时工作流失败", slog.String("workflow_id", wf.ID), slog.Any("error", err))
			continue
		}
		if _, err := s.repo.MarkRun(wf.ID, now); err != nil {
			s.logger.Warn("记录触发时间失败", slog.String("workflow_id", wf.ID), slog.Any("error", err))
		}
		s.logger.Info("触发工作流", slog.String("workflow_id", wf.ID), slog.String("trigger", string(wf.Trigger.Type)))
		fired = append(fired, wf.ID)
	}
	return fired
}

func (s *Scheduler) due(wf Workflow, now time.Time) (bool, error) {
	switch wf.Trigger.Type {
	case plan.TriggerTime:
		return timeDue(wf, now)
	case plan.TriggerThreshold:
		return s.thresholdDue(wf)
	}
	return false, nil
}

func timeDue(wf Workflow, now time.Time) (bool, error) {
	ref := wf.CreatedAt
	if wf.LastRunAt != nil {
		ref = *wf.LastRunAt
	}
	t := wf.Trigger
	if t.Every != "" {
		every, err := time.ParseDuration(t.Every)
		if err != nil || every <= 0 {
			return false, fmt.Errorf("invalid interval %q", t.Every)
		}
		return !now.Before(ref.Add(every)), nil
	}
	occurrence, err := lastOccurrence(t, now)
	if err != nil {
		return false, err
	}
	return occurrence.After(ref), nil
}

// lastOccurrence 返回不晚于 now 的最近一次 At（及 Weekday）时刻，按 now 的时区计算。
func lastOccurrence(t plan.Trigger, now time.Time) (time.Time, error) {
	at, err := time.Parse("15:04", t.At)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", t.At)
	}
	candidate := time.Date(now.Year(), now.Month(), now.Day(), at.Hour(), at.Minute(), 0, 0, now.Location())
	if candidate.After(now) {
		candidate = candidate.AddDate(0, 0, -1)
	}
	if t.Weekday == "" {
		return candidate, nil
	}
	day, ok := plan.ParseWeekday(t.Weekday)
	if !ok {
		return time.Time{}, fmt.Errorf("invalid weekday %q", t.Weekday)
	}
	for candidate.Weekday() != day {
		candidate = candidate.AddDate(0, 0, -1)
	}
	return candidate, nil
}

func (s *Scheduler) thresholdDue(wf Workflow) (bool, error) {
	program, err := s.program(wf)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, conditionEnv(s.prices))
	if err != nil {
		return false, err
	}
	met, _ := out.(bool)

	s.mu.Lock()
	defer s.mu.Unlock()
	wasMet := s.armed[wf.ID]
	s.armed[wf.ID] = met
	return met && !wasMet, nil
}

func (s *Scheduler) program(wf Workflow) (*vm.Program, error) {
	key := wf.ID + "\x00" + wf.Trigger.Condition
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.programs[key]; ok {
		return p, nil
	}
	p, err := CompileCondition(wf.Trigger.Condition)
	if err != nil {
		return nil, err
	}
	s.programs[key] = p
	return p, nil
}
