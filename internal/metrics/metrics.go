// internal/metrics/metrics.go
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "reactor"

// Metrics holds the collectors for every pipeline stage. A nil *Metrics
// records nothing, so components can run without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	TriggerInstances     *prometheus.CounterVec
	Enforcements         *prometheus.CounterVec
	QueueClaims          prometheus.Counter
	QueueItems           *prometheus.GaugeVec
	QueueGC              *prometheus.CounterVec
	Dispatches           *prometheus.CounterVec
	PolicyDecisions      *prometheus.CounterVec
	Executions           *prometheus.CounterVec
	ExecutionDuration    *prometheus.HistogramVec
	RunnersInFlight      prometheus.Gauge
	SensorDispatchErrors *prometheus.CounterVec
}

// New creates the collectors on a private registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		TriggerInstances: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "trigger_instances_total",
				Help:      "Trigger instances handled by the rules engine, by final status",
			},
			[]string{"status"},
		),

		Enforcements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "enforcements_total",
				Help:      "Rule enforcements, by outcome",
			},
			[]string{"status"},
		),

		QueueClaims: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "claims_total",
				Help:      "Queue items claimed by this process",
			},
		),

		QueueItems: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "items",
				Help:      "Queue items by state, sampled on each GC pass",
			},
			[]string{"state"},
		),

		QueueGC: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "gc_items_total",
				Help:      "Queue items touched by garbage collection, by action",
			},
			[]string{"action"},
		),

		Dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "items_total",
				Help:      "Claimed queue items, by scheduling outcome",
			},
			[]string{"outcome"},
		),

		PolicyDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "policy",
				Name:      "applied_total",
				Help:      "Policy applications, by policy type and phase",
			},
			[]string{"policy_type", "phase"},
		),

		Executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "runner",
				Name:      "executions_total",
				Help:      "Completed executions, by runner and terminal status",
			},
			[]string{"runner", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "runner",
				Name:      "execution_duration_seconds",
				Help:      "Execution wall time from dispatch to completion",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"runner"},
		),

		RunnersInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "runner",
				Name:      "in_flight",
				Help:      "Executions currently running in this process",
			},
		),

		SensorDispatchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sensor",
				Name:      "dispatch_errors_total",
				Help:      "Sensor events that could not be dispatched",
			},
			[]string{"trigger"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.TriggerInstances,
		m.Enforcements,
		m.QueueClaims,
		m.QueueItems,
		m.QueueGC,
		m.Dispatches,
		m.PolicyDecisions,
		m.Executions,
		m.ExecutionDuration,
		m.RunnersInFlight,
		m.SensorDispatchErrors,
	)
	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) TriggerInstanceHandled(status string) {
	if m == nil {
		return
	}
	m.TriggerInstances.WithLabelValues(status).Inc()
}

func (m *Metrics) Enforcement(status string) {
	if m == nil {
		return
	}
	m.Enforcements.WithLabelValues(status).Inc()
}

func (m *Metrics) Claimed() {
	if m == nil {
		return
	}
	m.QueueClaims.Inc()
}

// QueueDepth records a sample of item counts by state.
func (m *Metrics) QueueDepth(counts map[string]int) {
	if m == nil {
		return
	}
	for state, n := range counts {
		m.QueueItems.WithLabelValues(state).Set(float64(n))
	}
}

func (m *Metrics) GarbageCollected(action string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.QueueGC.WithLabelValues(action).Add(float64(n))
}

func (m *Metrics) Scheduled(outcome string) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PolicyApplied(policyType, phase string) {
	if m == nil {
		return
	}
	m.PolicyDecisions.WithLabelValues(policyType, phase).Inc()
}

func (m *Metrics) RunnerStarted() {
	if m == nil {
		return
	}
	m.RunnersInFlight.Inc()
}

// RunnerFinished records a completed execution and its duration.
func (m *Metrics) RunnerFinished(runner, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RunnersInFlight.Dec()
	m.Executions.WithLabelValues(runner, status).Inc()
	m.ExecutionDuration.WithLabelValues(runner).Observe(elapsed.Seconds())
}

func (m *Metrics) SensorDispatchFailed(trigger string) {
	if m == nil {
		return
	}
	m.SensorDispatchErrors.WithLabelValues(trigger).Inc()
}
