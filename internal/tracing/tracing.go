// Package tracing provides opt-in OpenTelemetry trace propagation around
// routing decisions and route attempts.
//
// When enabled via LLMROUTER_OTEL_ENABLED=true, it sets up an OTLP HTTP
// exporter and a TracerProvider. When disabled, all functions are no-ops
// with zero overhead.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "llmrouter"

// Config holds the OTel tracing configuration. When Enabled is false, Setup
// returns a no-op shutdown and StartDecisionSpan/StartRouteSpan return
// no-op spans.
type Config struct {
	Enabled     bool
	Endpoint    string // OTLP HTTP endpoint, e.g. "localhost:4318"
	ServiceName string // resource service name, e.g. "llmrouter"
}

// Setup initialises the OpenTelemetry TracerProvider with an OTLP HTTP
// exporter.
//
// The returned shutdown function must be called (typically in a defer) to
// flush pending spans and release resources.
//
// When cfg.Enabled is false, Setup returns a no-op shutdown and nil error.
func Setup(cfg Config) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	ctx := context.Background()

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(), // typical for local collectors
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// StartDecisionSpan starts a span around one Routing Engine Decide call.
// Callers should defer span.End() and record the outcome with
// span.SetAttributes/RecordError as appropriate.
func StartDecisionSpan(ctx context.Context, objective string) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, "routing.decide", trace.WithAttributes(
		attribute.String("objective", objective),
	))
}

// StartRouteSpan starts a span around one Router Façade Route call,
// covering every attempt it makes before success or exhaustion.
func StartRouteSpan(ctx context.Context, objective string) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, "router.route", trace.WithAttributes(
		attribute.String("objective", objective),
	))
}
