package bridge

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingManager handles OpenTelemetry tracing setup and operations
type TracingManager struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	provider   *sdktrace.TracerProvider
	enabled    bool
}

// NewTracingManager creates a new tracing manager
func NewTracingManager(config *TracingConfig) (*TracingManager, error) {
	if config == nil || !config.Enabled {
		return &TracingManager{enabled: false}, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlptracegrpc.New(
		context.Background(),
		otlptracegrpc.WithEndpoint(config.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	propagator := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(propagator)

	return newTracingManager(tp, propagator), nil
}

func newTracingManager(tp *sdktrace.TracerProvider, propagator propagation.TextMapPropagator) *TracingManager {
	return &TracingManager{
		tracer:     tp.Tracer("interlink"),
		propagator: propagator,
		provider:   tp,
		enabled:    true,
	}
}

// Shutdown flushes pending spans
func (tm *TracingManager) Shutdown(ctx context.Context) error {
	if !tm.enabled || tm.provider == nil {
		return nil
	}
	return tm.provider.Shutdown(ctx)
}

// StartSpan starts a new span with the given name and attributes
func (tm *TracingManager) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if !tm.enabled {
		return ctx, trace.SpanFromContext(ctx)
	}

	return tm.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// InjectProcessEnv adds the trace context to a child environment
// (TRACEPARENT, ...), keeping every existing entry
func (tm *TracingManager) InjectProcessEnv(ctx context.Context, env []string) []string {
	if !tm.enabled {
		return env
	}

	carrier := envCarrier{}
	tm.propagator.Inject(ctx, carrier)

	result := make([]string, 0, len(env)+len(carrier))
	for _, e := range env {
		key, _, _ := strings.Cut(e, "=")
		if _, replaced := carrier[strings.ToUpper(key)]; replaced {
			continue
		}
		result = append(result, e)
	}
	for k, v := range carrier {
		result = append(result, k+"="+v)
	}
	return result
}

// RecordError records an error on the current span
func (tm *TracingManager) RecordError(ctx context.Context, err error) {
	if !tm.enabled || err == nil {
		return
	}

	trace.SpanFromContext(ctx).RecordError(err)
}

// SetSpanStatus sets the status of the current span
func (tm *TracingManager) SetSpanStatus(ctx context.Context, code codes.Code, description string) {
	if !tm.enabled {
		return
	}

	trace.SpanFromContext(ctx).SetStatus(code, description)
}

// envCarrier implements propagation.TextMapCarrier over upper-cased
// environment variable names
type envCarrier map[string]string

func (c envCarrier) Get(key string) string {
	return c[strings.ToUpper(key)]
}

func (c envCarrier) Set(key, value string) {
	c[strings.ToUpper(key)] = value
}

func (c envCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
