// Package telemetry wires OpenTelemetry tracing into the orchestrator.
// Components accept the narrow Telemetry/Span interfaces so they never
// import the OTel SDK directly; only this package and cmd/orchestratord do.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowmesh/orchestrator/internal/config"
)

// Telemetry starts spans for a named component.
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// Span is a narrow view over an OTel span so callers don't need the SDK.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	AddEvent(name string, attrs map[string]interface{})
	RecordError(err error)
}

// NoOp is the default Telemetry implementation; zero overhead.
type NoOp struct{}

func (NoOp) StartSpan(ctx context.Context, _ string) (context.Context, Span) { return ctx, noopSpan{} }
func (NoOp) RecordMetric(string, float64, map[string]string)                 {}

type noopSpan struct{}

func (noopSpan) End()                                      {}
func (noopSpan) SetAttribute(string, interface{})          {}
func (noopSpan) AddEvent(string, map[string]interface{})   {}
func (noopSpan) RecordError(error)                         {}

// Provider wraps an OTel TracerProvider and exposes the narrow Telemetry
// interface used by cmd/orchestratord's plan service.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
	meter  metric.Meter

	countersMu sync.Mutex
	counters   map[string]metric.Float64Counter
}

// NewProvider builds an OTel tracer provider: OTLP/gRPC export when an
// endpoint is configured, stdout pretty-print otherwise (local runs). With
// telemetry disabled in config, callers should use NoOp instead of
// constructing a Provider.
func NewProvider(cfg config.TelemetryConfig) (*Provider, error) {
	var exporter sdktrace.SpanExporter
	var err error
	if cfg.Endpoint != "" {
		exporter, err = otlptracegrpc.New(context.Background(),
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithInsecure(),
		)
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceNameKey.String(cfg.ServiceName),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)

	return &Provider{
		tp:       tp,
		tracer:   tp.Tracer("orchestrator"),
		meter:    otel.Meter("orchestrator"),
		counters: make(map[string]metric.Float64Counter),
	}, nil
}

// Shutdown flushes and stops the tracer provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric adds value to a lazily-created counter. The meter resolves
// through the global meter provider, so whatever metrics SDK
// cmd/orchestratord installs (or the default no-op) receives these without
// component code changing.
func (p *Provider) RecordMetric(name string, value float64, labels map[string]string) {
	p.countersMu.Lock()
	counter, ok := p.counters[name]
	if !ok {
		var err error
		counter, err = p.meter.Float64Counter(name)
		if err != nil {
			p.countersMu.Unlock()
			return
		}
		p.counters[name] = counter
	}
	p.countersMu.Unlock()

	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	counter.Add(context.Background(), value, metric.WithAttributes(attrs...))
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	case time.Duration:
		s.span.SetAttributes(attribute.Int64(key+"_ms", v.Milliseconds()))
	default:
		s.span.SetAttributes(attribute.String(key, toString(v)))
	}
}

func (s *otelSpan) AddEvent(name string, attrs map[string]interface{}) {
	opts := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		opts = append(opts, attribute.String(k, toString(v)))
	}
	s.span.AddEvent(name, trace.WithAttributes(opts...))
}

func (s *otelSpan) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return "" // non-string event attrs are best-effort; avoid reflection in the hot path
}
