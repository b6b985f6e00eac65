// Package connector 定义执行步骤副作用的外部连接器，并提供一个不访问网络的模拟实现。
package connector

import (
	"context"
	"maps"

	"AgentPilot/internal/intent"
)

// Result 是一次连接器调用的结果。Success 为 false 时 ErrorReason 说明原因。
type Result struct {
	Success     bool              `json:"success"`
	Data        map[string]string `json:"data,omitempty"`
	ErrorReason string            `json:"error_reason,omitempty"`
}

// Connector 执行一个步骤的实际副作用。调用可能很慢，也可能失败。
type Connector interface {
	Execute(ctx context.Context, kind intent.Kind, params map[string]string) (Result, error)
}

// Func 将普通函数适配为 Connector。
type Func func(ctx context.Context, kind intent.Kind, params map[string]string) (Result, error)

// Execute 实现 Connector。
func (f Func) Execute(ctx context.Context, kind intent.Kind, params map[string]string) (Result, error) {
	return f(ctx, kind, params)
}

// StepRef 标识正在执行的步骤。
type StepRef struct {
	PlanID  string
	StepID  string
	Attempt int
}

type stepRefKey struct{}

// WithStep 把步骤标识放入上下文，供连接器生成确定性的交易标识。
func WithStep(ctx context.Context, ref StepRef) context.Context {
	return context.WithValue(ctx, stepRefKey{}, ref)
}

// StepFrom 读取上下文中的步骤标识。
func StepFrom(ctx context.Context) (StepRef, bool) {
	ref, ok := ctx.Value(stepRefKey{}).(StepRef)
	return ref, ok
}

// Router 按动作类型把调用分发到不同的连接器。
type Router struct {
	routes   map[intent.Kind]Connector
	fallback Connector
}

// NewRouter 创建 Router，fallback 处理未注册的动作类型。
func NewRouter(fallback Connector) *Router {
	return &Router{routes: make(map[intent.Kind]Connector), fallback: fallback}
}

// Handle 为动作类型注册连接器。
func (r *Router) Handle(kind intent.Kind, c Connector) *Router {
	if c != nil {
		r.routes[kind] = c
	}
	return r
}

// Execute 实现 Connector。
func (r *Router) Execute(ctx context.Context, kind intent.Kind, params map[string]string) (Result, error) {
	if c, ok := r.routes[kind]; ok {
		return c.Execute(ctx, kind, maps.Clone(params))
	}
	if r.fallback != nil {
		return r.fallback.Execute(ctx, kind, maps.Clone(params))
	}
	return Result{Success: false, ErrorReason: "no connector for " + string(kind)}, nil
}
