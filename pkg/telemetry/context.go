package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/warden/pkg/types"
)

// Telemetry bundles logging, tracing and metrics. Components receive it at construction.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

// NewTelemetry creates a new telemetry bundle from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
	}, nil
}

// NewNopTelemetry returns a bundle that records nothing, for tests.
func NewNopTelemetry() *Telemetry {
	return &Telemetry{
		Logger:  NewNopLogger(),
		Tracer:  NewNopTracer(),
		Metrics: &Metrics{},
		Config:  TestConfig(),
	}
}

// OrNop returns t, or a no-op bundle when t is nil.
func OrNop(t *Telemetry) *Telemetry {
	if t == nil {
		return NewNopTelemetry()
	}
	return t
}

// Component returns a copy of the bundle whose logger carries a component field.
func (t *Telemetry) Component(name string) *Telemetry {
	cp := *t
	cp.Logger = t.Logger.NewComponentLogger(name)
	return &cp
}

// Shutdown flushes and stops the tracer.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.Tracer.Shutdown(ctx)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer(ctx context.Context) error {
	return t.Metrics.StartMetricsServer(ctx, t.Logger)
}

// InstrumentedContext carries the span, logger and timer of one operation.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation begins an instrumented operation with logging, tracing and timing.
func (t *Telemetry) StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	spanCtx, span := t.Tracer.StartSpan(ctx, operation, attrs...)
	return t.Instrument(spanCtx, span, operation)
}

// StartInstanceOperation is StartOperation for an instance lifecycle op.
func (t *Telemetry) StartInstanceOperation(ctx context.Context, uuid types.InstanceUUID, op string) *InstrumentedContext {
	spanCtx, span := t.Tracer.StartInstanceSpan(ctx, uuid, op)
	return t.Instrument(spanCtx, span, "instance."+op)
}

// Instrument wraps a started span with a logger carrying its trace and span ids.
func (t *Telemetry) Instrument(spanCtx context.Context, span trace.Span, operation string) *InstrumentedContext {
	logger := t.Logger.WithField("operation", operation)
	if span.SpanContext().IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": span.SpanContext().TraceID().String(),
			"span_id":  span.SpanContext().SpanID().String(),
		})
	}

	return &InstrumentedContext{
		Ctx:    logger.WithContext(spanCtx),
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End finishes the instrumented operation, recording success or failure.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span != nil {
		EndSpan(ic.Span, err)
	}
}
