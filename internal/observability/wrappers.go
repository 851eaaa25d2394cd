package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/insight/internal/dataengine"
	"github.com/jkaninda/insight/internal/llm"
)

// InstrumentedProvider records per-agent latency, tokens and failures of
// every LLM call. Any of metrics, tracer and anomaly may be nil.
type InstrumentedProvider struct {
	inner   llm.Provider
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedProvider wraps an LLM provider with observability.
func NewInstrumentedProvider(inner llm.Provider, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedProvider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedProvider{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	provider, agent := p.inner.Name(), agentLabel(req)
	ctx, end := startSpan(ctx, p.tracer, "llm.send_message", AttrProvider.String(provider), AttrAgent.String(agent))

	start := time.Now()
	resp, err := p.inner.SendMessage(ctx, req)
	p.record(provider, agent, time.Since(start), resp, err)
	if err == nil && resp != nil && p.tracer != nil {
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.Int("insight.llm.input_tokens", resp.Usage.InputTokens),
			attribute.Int("insight.llm.output_tokens", resp.Usage.OutputTokens),
		)
	}
	end(err)
	return resp, err
}

// StreamMessage streams through the inner provider, adapting it when it
// cannot stream natively. One request is recorded when the stream ends.
func (p *InstrumentedProvider) StreamMessage(ctx context.Context, req *llm.Request, events chan<- llm.StreamEvent) error {
	provider, agent := p.inner.Name(), agentLabel(req)
	ctx, end := startSpan(ctx, p.tracer, "llm.stream_message", AttrProvider.String(provider), AttrAgent.String(agent))

	start := time.Now()
	err := llm.AsStreaming(p.inner).StreamMessage(ctx, req, events)
	p.record(provider, agent, time.Since(start), nil, err)
	end(err)
	return err
}

func (p *InstrumentedProvider) record(provider, agent string, elapsed time.Duration, resp *llm.Response, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	if p.metrics != nil {
		p.metrics.LLMRequestsTotal.WithLabelValues(provider, agent, status).Inc()
		p.metrics.LLMRequestDuration.WithLabelValues(provider, agent).Observe(elapsed.Seconds())

		if resp != nil {
			p.metrics.LLMTokensUsed.WithLabelValues(provider, agent, "input").Add(float64(resp.Usage.InputTokens))
			p.metrics.LLMTokensUsed.WithLabelValues(provider, agent, "output").Add(float64(resp.Usage.OutputTokens))
		}
	}

	if err != nil {
		p.anomaly.RecordError("llm_" + agent)
	} else {
		p.anomaly.RecordSuccess("llm_" + agent)
	}
}

func agentLabel(req *llm.Request) string {
	if req == nil || req.Agent == "" {
		return "chat"
	}
	return req.Agent
}

// InstrumentedEngine records every SQL statement sent to the data engine,
// labelled by the purpose set with dataengine.WithPurpose. A result carrying
// an engine-side ErrorMessage counts as "rejected", not as a failure.
type InstrumentedEngine struct {
	inner   dataengine.Engine
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedEngine wraps a data engine with observability.
func NewInstrumentedEngine(inner dataengine.Engine, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedEngine {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedEngine{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (e *InstrumentedEngine) Name() string { return e.inner.Name() }

func (e *InstrumentedEngine) Execute(ctx context.Context, sql string) (*dataengine.Result, error) {
	engine, purpose := e.inner.Name(), dataengine.PurposeFrom(ctx)
	ctx, end := startSpan(ctx, e.tracer, "sql.execute", attribute.String("db.system", engine), AttrSQLPurpose.String(purpose))

	start := time.Now()
	result, err := e.inner.Execute(ctx, sql)
	duration := time.Since(start).Seconds()

	status := "success"
	span := trace.SpanFromContext(ctx)
	switch {
	case err != nil:
		status = "error"
	case result != nil && result.ErrorMessage != "":
		status = "rejected"
		span.SetAttributes(AttrSQLRejected.String(result.ErrorMessage))
	case result != nil:
		span.SetAttributes(AttrSQLRows.Int(result.RowCount()))
	}
	end(err)

	if e.metrics != nil {
		e.metrics.SQLExecutionsTotal.WithLabelValues(engine, purpose, status).Inc()
		e.metrics.SQLExecutionDuration.WithLabelValues(engine, purpose).Observe(duration)
		if err == nil && result != nil {
			e.metrics.SQLRowsReturned.WithLabelValues(purpose).Observe(float64(result.RowCount()))
		}
	}

	if err != nil {
		e.anomaly.RecordError("sql_" + engine)
	} else {
		e.anomaly.RecordSuccess("sql_" + engine)
	}

	return result, err
}

func (e *InstrumentedEngine) Tables(ctx context.Context, schema string) (map[string][]string, error) {
	ctx, end := startSpan(ctx, e.tracer, "sql.tables", AttrSchema.String(schema))
	tables, err := e.inner.Tables(ctx, schema)
	end(err)
	return tables, err
}

// Ping forwards to the inner engine when it supports readiness checks.
func (e *InstrumentedEngine) Ping(ctx context.Context) error {
	if p, ok := e.inner.(dataengine.Pinger); ok {
		return p.Ping(ctx)
	}
	return errors.ErrUnsupported
}

var (
	_ llm.StreamingProvider = (*InstrumentedProvider)(nil)
	_ dataengine.Engine     = (*InstrumentedEngine)(nil)
	_ dataengine.Pinger     = (*InstrumentedEngine)(nil)
)
