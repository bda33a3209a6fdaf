package hoppercore

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry is the optional tracing/metrics seam every package that
// crosses a strategy boundary (router's soft-timeout budget, delegation's
// critical section) takes as a dependency, mirroring core.Telemetry.
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// Span is a single unit of traced work, mirroring core.Span.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// NoOpTelemetry discards everything. Safe zero value for constructors that
// take a Telemetry but are exercised without one in tests.
type NoOpTelemetry struct{}

func (NoOpTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, NoOpSpan{}
}

func (NoOpTelemetry) RecordMetric(name string, value float64, labels map[string]string) {}

// NoOpSpan discards everything.
type NoOpSpan struct{}

func (NoOpSpan) End()                               {}
func (NoOpSpan) SetAttribute(key string, value interface{}) {}
func (NoOpSpan) RecordError(err error)              {}

// OTelTelemetry backs Telemetry with the global OpenTelemetry tracer and
// meter providers. The host process (cmd/hopperd) is responsible for
// installing real SDK providers via otel.SetTracerProvider /
// otel.SetMeterProvider; absent that, the global providers are no-ops, so
// this type is safe to wire unconditionally.
type OTelTelemetry struct {
	tracer  trace.Tracer
	meter   metric.Meter
	gauges  map[string]metric.Float64Gauge
}

// NewOTelTelemetry builds an OTelTelemetry reading the current global
// providers under instrumentation name serviceName.
func NewOTelTelemetry(serviceName string) *OTelTelemetry {
	return &OTelTelemetry{
		tracer: otel.Tracer(serviceName),
		meter:  otel.Meter(serviceName),
		gauges: make(map[string]metric.Float64Gauge),
	}
}

func (t *OTelTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric records an instantaneous value via a lazily-created
// Float64Gauge, matching the Telemetry contract's one-shot
// name/value/labels shape rather than requiring pre-declared instruments.
func (t *OTelTelemetry) RecordMetric(name string, value float64, labels map[string]string) {
	gauge, ok := t.gauges[name]
	if !ok {
		var err error
		gauge, err = t.meter.Float64Gauge(name)
		if err != nil {
			return
		}
		t.gauges[name] = gauge
	}
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	gauge.Record(context.Background(), value, metric.WithAttributes(attrs...))
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}
