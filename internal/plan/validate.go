package plan

import (
	"strings"
	"time"

	"AgentPilot/internal/intent"
)

// Validate 检查计划结构：非空、步骤 ID 唯一、依赖存在且无环、触发器合法。
func Validate(p *Plan) error {
	if p == nil || len(p.Steps) == 0 {
		return InvalidPlan("plan has no steps")
	}
	index := make(map[string]*Step, len(p.Steps))
	for _, s := range p.Steps {
		if s == nil || s.ID == "" {
			return InvalidPlan("step without id")
		}
		if _, dup := index[s.ID]; dup {
			return InvalidPlan("duplicate step id %q", s.ID)
		}
		if _, ok := intent.ParseKind(string(s.Kind)); !ok {
			return InvalidPlan("step %s: unknown action kind %q", s.ID, s.Kind)
		}
		index[s.ID] = s
	}
	indegree := make(map[string]int, len(p.Steps))
	children := make(map[string][]string)
	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return InvalidPlan("step %s depends on itself", s.ID)
			}
			if _, ok := index[dep]; !ok {
				return InvalidPlan("step %s depends on unknown step %q", s.ID, dep)
			}
			indegree[s.ID]++
			children[dep] = append(children[dep], s.ID)
		}
	}
	queue := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		if indegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, child := range children[id] {
			indegree[child]--
			if indegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}
	if visited != len(p.Steps) {
		return InvalidPlan("dependency graph contains a cycle")
	}
	return ValidateTrigger(p.Trigger)
}

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday, "wednesday": time.Wednesday,
	"thursday": time.Thursday, "friday": time.Friday, "saturday": time.Saturday,
}

// ParseWeekday 解析英文星期名称。
func ParseWeekday(s string) (time.Weekday, bool) {
	d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(s))]
	return d, ok
}

// ValidateTrigger 检查触发器字段组合是否合法。
func ValidateTrigger(t Trigger) error {
	switch t.Type {
	case "", TriggerNone:
		return nil
	case TriggerTime:
		if t.Every == "" && t.At == "" {
			return InvalidPlan("time trigger requires every or at")
		}
		if t.Every != "" {
			d, err := time.ParseDuration(t.Every)
			if err != nil || d <= 0 {
				return InvalidPlan("invalid trigger interval %q", t.Every)
			}
		}
		if t.At != "" {
			if _, err := time.Parse("15:04", t.At); err != nil {
				return InvalidPlan("invalid trigger time %q", t.At)
			}
		}
		if t.Weekday != "" {
			if _, ok := ParseWeekday(t.Weekday); !ok {
				return InvalidPlan("invalid trigger weekday %q", t.Weekday)
			}
		}
		return nil
	case TriggerThreshold:
		if strings.TrimSpace(t.Condition) == "" {
			return InvalidPlan("threshold trigger requires a condition")
		}
		return nil
	default:
		return InvalidPlan("unknown trigger type %q", t.Type)
	}
}
