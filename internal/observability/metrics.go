package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "insight"

// MetricsCollector holds all Prometheus metrics for Insight.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// LLM metrics, labelled by calling agent.
	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensUsed      *prometheus.CounterVec

	// SQL execution metrics, labelled by purpose (explore, answer, evidence, passthrough).
	SQLExecutionsTotal   *prometheus.CounterVec
	SQLExecutionDuration *prometheus.HistogramVec
	SQLRowsReturned      *prometheus.HistogramVec

	// Pipeline metrics.
	BudgetRejectionsTotal *prometheus.CounterVec
	RouterDecisionsTotal  *prometheus.CounterVec
	StreamEventsTotal     *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total LLM API requests.",
		}, []string{"provider", "agent", "status"}),

		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "LLM API request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "agent"}),

		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "tokens_used_total",
			Help:      "Total LLM tokens consumed.",
		}, []string{"provider", "agent", "direction"}),

		SQLExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sql",
			Name:      "executions_total",
			Help:      "Total SQL statements sent to the data engine.",
		}, []string{"engine", "purpose", "status"}),

		SQLExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sql",
			Name:      "execution_duration_seconds",
			Help:      "SQL execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"engine", "purpose"}),

		SQLRowsReturned: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sql",
			Name:      "rows_returned",
			Help:      "Rows returned per SQL statement.",
			Buckets:   []float64{0, 1, 5, 10, 50, 100, 500, 1000},
		}, []string{"purpose"}),

		BudgetRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "budget",
			Name:      "rejections_total",
			Help:      "Agent calls refused because the per-request cap was reached.",
		}, []string{"agent"}),

		RouterDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "decisions_total",
			Help:      "Router decisions by route and outcome.",
		}, []string{"route", "allowed"}),

		StreamEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "events_total",
			Help:      "Chat stream events by kind.",
		}, []string{"kind"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.LLMRequestsTotal,
		m.LLMRequestDuration,
		m.LLMTokensUsed,
		m.SQLExecutionsTotal,
		m.SQLExecutionDuration,
		m.SQLRowsReturned,
		m.BudgetRejectionsTotal,
		m.RouterDecisionsTotal,
		m.StreamEventsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// ObserveRouterDecision counts one router decision.
func (m *MetricsCollector) ObserveRouterDecision(route string, allowed bool) {
	if m == nil {
		return
	}
	a := "false"
	if allowed {
		a = "true"
	}
	m.RouterDecisionsTotal.WithLabelValues(route, a).Inc()
}

// ObserveStreamEvent counts one chat stream event.
func (m *MetricsCollector) ObserveStreamEvent(kind string) {
	if m == nil {
		return
	}
	m.StreamEventsTotal.WithLabelValues(kind).Inc()
}

// ObserveBudgetRejection counts one refused agent call.
func (m *MetricsCollector) ObserveBudgetRejection(agent string) {
	if m == nil {
		return
	}
	m.BudgetRejectionsTotal.WithLabelValues(agent).Inc()
}
