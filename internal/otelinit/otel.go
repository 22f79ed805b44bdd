// Package otelinit wires up OpenTelemetry tracing and metrics for the
// taskmesh daemon, falling back to inert no-op providers whenever a
// collector endpoint is unreachable so the daemon never fails to start for
// want of observability infrastructure.
package otelinit

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	trace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
)

const tracerName = "taskmesh"

// InitTracer configures a global tracer provider backed by an OTLP gRPC
// exporter. On exporter setup failure it logs and returns a no-op shutdown
// function rather than failing daemon startup.
func InitTracer(ctx context.Context, service string) func(context.Context) error {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("otel trace exporter init failed", "error", err)
		return func(context.Context) error { return nil }
	}

	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
	))
	tp := trace.NewTracerProvider(
		trace.WithBatcher(exp),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	slog.Info("otel tracer initialized", "endpoint", endpoint)
	return tp.Shutdown
}

// WithSpan starts a span named name and returns the derived context along
// with a function that ends it.
func WithSpan(ctx context.Context, name string) (context.Context, func()) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	return ctx, span.End
}

// Flush bounds a shutdown call with a short timeout so a wedged exporter
// doesn't hang process exit indefinitely.
func Flush(ctx context.Context, shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		slog.Warn("otel shutdown error", "error", err)
	}
}
