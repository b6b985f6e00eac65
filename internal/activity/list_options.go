package activity

import (
	"slices"
	"time"
)

// ListOptions 控制 List 返回的条目。
type ListOptions struct {
	Kinds   []Kind
	PlanID  string
	Subject string
	Since   time.Time
	Limit   int
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithKinds 只返回指定类型的条目。
func WithKinds(kinds ...Kind) ListOption {
	return func(opts *ListOptions) {
		opts.Kinds = append(opts.Kinds[:0], kinds...)
	}
}

// ForPlan 只返回指定计划的条目。
func ForPlan(planID string) ListOption {
	return func(opts *ListOptions) {
		opts.PlanID = planID
	}
}

// WithSubject 只返回指定主体（步骤、能力等）的条目。
func WithSubject(subject string) ListOption {
	return func(opts *ListOptions) {
		opts.Subject = subject
	}
}

// WithSince 只返回不早于 ts 的条目。
func WithSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.Since = ts
	}
}

// WithLimit 限制返回数量，非正数表示不限制。
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if options.Limit < 0 {
		options.Limit = 0
	}
	return options
}

func (o ListOptions) match(e Entry) bool {
	if len(o.Kinds) > 0 && !slices.Contains(o.Kinds, e.Kind) {
		return false
	}
	if o.PlanID != "" && e.PlanID != o.PlanID {
		return false
	}
	if o.Subject != "" && e.Subject != o.Subject {
		return false
	}
	if !o.Since.IsZero() && e.Timestamp.Before(o.Since) {
		return false
	}
	return true
}
