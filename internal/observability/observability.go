// Package observability holds the Prometheus metrics, OpenTelemetry tracing,
// readiness checks and anomaly detection of the chat pipeline. Metrics,
// tracing and anomaly detection are opt-in; the health checker always exists.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jkaninda/insight/internal/config"
)

// Observability groups the enabled components. Metrics, Tracer and Anomaly
// are nil when switched off, and every method tolerates a nil receiver.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker
}

// New builds the components enabled in cfg. A nil cfg yields a nil
// *Observability, which the serve command treats as "nothing to wire".
func New(cfg *config.ObservabilityConfig, info ResourceInfo, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}

	obs := &Observability{Health: NewHealthChecker(logger)}
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}
	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing, info)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
	}
	if cfg.Anomaly != nil && cfg.Anomaly.Enabled {
		obs.Anomaly = NewAnomalyDetector(cfg.Anomaly, logger)
	}
	return obs, nil
}

// Instrumented reports whether LLM and SQL calls should be wrapped.
func (o *Observability) Instrumented() bool {
	return o != nil && (o.Metrics != nil || o.Tracer != nil || o.Anomaly != nil)
}

// Shutdown flushes pending spans.
func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil || o.Tracer == nil {
		return nil
	}
	if err := o.Tracer.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("shutting down tracer: %w", err)
	}
	return nil
}

// TracerOrNil returns the tracer setup, or nil when tracing is disabled.
func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}

// ObserveRouterDecision counts a router decision.
func (o *Observability) ObserveRouterDecision(route string, allowed bool) {
	if o == nil {
		return
	}
	o.Metrics.ObserveRouterDecision(route, allowed)
}

// ObserveStreamEvent counts an event pushed on a chat stream.
func (o *Observability) ObserveStreamEvent(kind string) {
	if o == nil {
		return
	}
	o.Metrics.ObserveStreamEvent(kind)
}

// ObserveBudgetRejection counts a refused agent call and feeds the
// anomaly detector.
func (o *Observability) ObserveBudgetRejection(agent string) {
	if o == nil {
		return
	}
	o.Metrics.ObserveBudgetRejection(agent)
	o.Anomaly.RecordBudgetRejection(agent)
}
