// Package metrics exposes prometheus instrumentation for the
// orchestration core, with a Noop fallback for tests and embedders that
// do not scrape.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WorkflowMetrics captures DAG scheduler activity.
type WorkflowMetrics interface {
	IncWorkflowStarted(dag string)
	IncWorkflowCompleted(dag, status string)
	ObserveNodeDuration(nodeType string, durationSeconds float64)
	IncHITLRequested(dag string)
}

// PlannerMetrics captures autonomous plan engine activity.
type PlannerMetrics interface {
	IncPlanCreated(planType string)
	IncPlanResolved(planType, status string)
	IncStepExecuted(mode, status string)
	IncStrategyFallback(site string)
}

// Noop implements both interfaces without emitting anything.
type Noop struct{}

func (Noop) IncWorkflowStarted(string)           {}
func (Noop) IncWorkflowCompleted(string, string) {}
func (Noop) ObserveNodeDuration(string, float64) {}
func (Noop) IncHITLRequested(string)             {}
func (Noop) IncPlanCreated(string)               {}
func (Noop) IncPlanResolved(string, string)      {}
func (Noop) IncStepExecuted(string, string)      {}
func (Noop) IncStrategyFallback(string)          {}

// Prom implements WorkflowMetrics and PlannerMetrics backed by Prometheus.
type Prom struct {
	workflowsStarted   *prometheus.CounterVec
	workflowsCompleted *prometheus.CounterVec
	nodeDuration       *prometheus.HistogramVec
	hitlRequested      *prometheus.CounterVec
	plansCreated       *prometheus.CounterVec
	plansResolved      *prometheus.CounterVec
	stepsExecuted      *prometheus.CounterVec
	strategyFallbacks  *prometheus.CounterVec
	once               sync.Once
}

// NewProm constructs and registers the collectors under the namespace.
func NewProm(namespace string) *Prom {
	p := &Prom{
		workflowsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_started_total",
			Help:      "Workflows started by dag",
		}, []string{"dag"}),
		workflowsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_completed_total",
			Help:      "Workflows finished by dag and status",
		}, []string{"dag", "status"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Node execution duration by node type",
			Buckets:   prometheus.DefBuckets,
		}, []string{"node_type"}),
		hitlRequested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hitl_requests_total",
			Help:      "Human-in-the-loop requests raised by dag",
		}, []string{"dag"}),
		plansCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plans_created_total",
			Help:      "Plans created by plan type",
		}, []string{"plan_type"}),
		plansResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plans_resolved_total",
			Help:      "Plans resolved by plan type and status",
		}, []string{"plan_type", "status"}),
		stepsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_steps_executed_total",
			Help:      "Plan steps executed by mode and status",
		}, []string{"mode", "status"}),
		strategyFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "strategy_fallbacks_total",
			Help:      "Planning strategy fallbacks by call site",
		}, []string{"site"}),
	}
	p.once.Do(func() {
		prometheus.MustRegister(
			p.workflowsStarted, p.workflowsCompleted, p.nodeDuration, p.hitlRequested,
			p.plansCreated, p.plansResolved, p.stepsExecuted, p.strategyFallbacks,
		)
	})
	return p
}

func (p *Prom) IncWorkflowStarted(dag string) {
	p.workflowsStarted.WithLabelValues(dag).Inc()
}

func (p *Prom) IncWorkflowCompleted(dag, status string) {
	p.workflowsCompleted.WithLabelValues(dag, status).Inc()
}

func (p *Prom) ObserveNodeDuration(nodeType string, durationSeconds float64) {
	p.nodeDuration.WithLabelValues(nodeType).Observe(durationSeconds)
}

func (p *Prom) IncHITLRequested(dag string) {
	p.hitlRequested.WithLabelValues(dag).Inc()
}

func (p *Prom) IncPlanCreated(planType string) {
	p.plansCreated.WithLabelValues(planType).Inc()
}

func (p *Prom) IncPlanResolved(planType, status string) {
	p.plansResolved.WithLabelValues(planType, status).Inc()
}

func (p *Prom) IncStepExecuted(mode, status string) {
	p.stepsExecuted.WithLabelValues(mode, status).Inc()
}

func (p *Prom) IncStrategyFallback(site string) {
	p.strategyFallbacks.WithLabelValues(site).Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
