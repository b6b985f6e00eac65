// Package activity 实现容量受限的审计日志。分类、门禁决定、步骤与计划状态
// 变化都会写入这里，展示层只读取这里的内容。
package activity

import (
	"maps"
	"time"
)

// Kind 标记条目来源。
type Kind string

const (
	KindClassification Kind = "classification"
	KindGate           Kind = "gate"
	KindStep           Kind = "step"
	KindPlan           Kind = "plan"
	KindCapability     Kind = "capability"
)

// Entry 是不可变的日志条目。Seq 全局单调递增，反映真实发生顺序。
type Entry struct {
	ID        string            `json:"id"`
	Seq       uint64            `json:"seq"`
	Timestamp time.Time         `json:"timestamp"`
	Kind      Kind              `json:"kind"`
	PlanID    string            `json:"plan_id,omitempty"`
	Subject   string            `json:"subject"`
	Status    string            `json:"status,omitempty"`
	Decision  string            `json:"decision,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Code      string            `json:"code,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (e Entry) clone() Entry {
	e.Metadata = maps.Clone(e.Metadata)
	return e
}
