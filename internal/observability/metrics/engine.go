package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	classifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentpilot",
		Name:      "classifications_total",
		Help:      "Free-text commands classified, by action kind.",
	}, []string{"kind"})

	gateDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentpilot",
		Name:      "gate_decisions_total",
		Help:      "Permission gate decisions, by capability and verdict.",
	}, []string{"capability", "verdict"})

	stepTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentpilot",
		Name:      "step_transitions_total",
		Help:      "Step status transitions, by action kind and resulting status.",
	}, []string{"kind", "status"})

	stepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agentpilot",
		Name:      "step_duration_seconds",
		Help:      "Time spent in the connector per step, including retries.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})

	plansFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentpilot",
		Name:      "plans_finished_total",
		Help:      "Plans that reached a terminal status.",
	}, []string{"status"})

	plansRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentpilot",
		Name:      "plans_running",
		Help:      "Plans currently being drained by a runner.",
	})
)

func init() {
	Registry.MustRegister(classifications, gateDecisions, stepTransitions, stepDuration, plansFinished, plansRunning)
}

// ObserveClassification 记录一次分类结果。
func ObserveClassification(kind string) {
	classifications.WithLabelValues(kind).Inc()
}

// ObserveGateDecision 记录一次门禁结论。
func ObserveGateDecision(capability, verdict string) {
	gateDecisions.WithLabelValues(capability, verdict).Inc()
}

// ObserveStepTransition 记录步骤状态变化。
func ObserveStepTransition(kind, status string) {
	stepTransitions.WithLabelValues(kind, status).Inc()
}

// ObserveStepDuration 记录步骤在连接器中的耗时。
func ObserveStepDuration(kind string, d time.Duration) {
	stepDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// PlanStarted 在计划开始执行时调用。
func PlanStarted() {
	plansRunning.Inc()
}

// PlanFinished 在计划结束时调用。
func PlanFinished(status string) {
	plansRunning.Dec()
	plansFinished.WithLabelValues(status).Inc()
}
