// Package metrics exposes the router core's Prometheus surface: a Registry
// bundling every counter, gauge, and histogram behind a single construction
// point and scrape handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every counter, gauge, and histogram the router core
// exports to an administrative scrape target.
type Registry struct {
	reg *prometheus.Registry

	ActiveCredentialsByState *prometheus.GaugeVec
	RequestsByObjective      *prometheus.CounterVec
	BudgetUtilization        *prometheus.GaugeVec
	DecisionLatency          prometheus.Histogram
	AttemptsPerRoute         prometheus.Histogram
	RetryReasonsTotal        *prometheus.CounterVec

	CircuitBreakerState     *prometheus.GaugeVec // 0=closed, 1=open, 2=half-open, keyed by provider
	SchedulerUp             prometheus.Gauge
}

// New builds a Registry with every metric registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		ActiveCredentialsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "llmrouter_active_credentials",
			Help: "Number of registered credentials by provider and lifecycle state",
		}, []string{"provider", "state"}),
		RequestsByObjective: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmrouter_requests_total",
			Help: "Total routed requests by objective and terminal outcome",
		}, []string{"objective", "outcome"}),
		BudgetUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "llmrouter_budget_utilization_ratio",
			Help: "Fraction of a budget's limit currently spent, by scope and scope id",
		}, []string{"scope", "scope_id"}),
		DecisionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "llmrouter_decision_latency_ms",
			Help:    "Time to gather, score, and persist one routing decision",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		AttemptsPerRoute: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "llmrouter_attempts_per_route",
			Help:    "Number of credential attempts a single Route call made before success or exhaustion",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		}),
		RetryReasonsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmrouter_retry_reasons_total",
			Help: "Total retries broken down by the adapter error class that triggered them",
		}, []string{"reason"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "llmrouter_circuit_breaker_state",
			Help: "Per-provider circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"provider"}),
		SchedulerUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "llmrouter_scheduler_up",
			Help: "Whether the durable sweep scheduler is connected (1=up, 0=down/disabled)",
		}),
	}
	reg.MustRegister(
		m.ActiveCredentialsByState,
		m.RequestsByObjective,
		m.BudgetUtilization,
		m.DecisionLatency,
		m.AttemptsPerRoute,
		m.RetryReasonsTotal,
		m.CircuitBreakerState,
		m.SchedulerUp,
	)
	return m
}

// Handler returns the HTTP handler an admin process can mount to scrape
// this registry.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
