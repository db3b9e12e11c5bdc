// Package telemetry bootstraps distributed tracing and Prometheus metrics
// for the control plane. The tracer provider setup is grounded on the
// teacher's telemetry/otel.go (OTLP exporter, batched export, a resource
// tagged with the service name), adapted to the gRPC OTLP exporter and the
// plain stdlib http.Server the rest of this module is built on rather than
// the teacher's own framework types.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerProvider owns the SDK tracer provider and knows how to flush and
// shut it down; ocfd holds one for the lifetime of the process.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
}

// NewTracerProvider builds a tracer provider exporting spans via OTLP/gRPC
// to endpoint. An empty endpoint falls back to a stdout exporter, the same
// "always have somewhere to send spans" fallback the teacher's provider
// applies when no collector is configured, useful for local runs and tests.
func NewTracerProvider(ctx context.Context, serviceName, endpoint string, sampleRatio float64) (*TracerProvider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("building telemetry resource: %w", err)
	}

	exporter, err := newSpanExporter(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("building span exporter: %w", err)
	}

	sampler := sdktrace.TraceIDRatioBased(sampleRatio)
	if sampleRatio >= 1 {
		sampler = sdktrace.AlwaysSample()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return &TracerProvider{provider: tp}, nil
}

func newSpanExporter(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	if endpoint == "" {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	return otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
}

// Tracer returns a tracer scoped to name, for use by any package that wants
// to start its own spans.
func (t *TracerProvider) Tracer(name string) trace.Tracer { return t.provider.Tracer(name) }

// Shutdown flushes any pending spans and releases exporter resources.
func (t *TracerProvider) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}
