// Package tracing wires up the OpenTelemetry SDK so broker.InjectTraceContext
// and broker.ExtractTraceContext propagate real spans instead of operating
// against otel's no-op default. Adapted from the teacher's per-service
// tracing bootstrap; resilientmq has one process topology instead of many
// services, so Init is called once from cmd/resilientmq-demo rather than
// from every service's main.go.
package tracing

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/resilientmq/resilientmq/logging"
)

// Init creates an OTLP/gRPC exporter, registers a TracerProvider and the
// W3C trace-context propagator globally, and returns a shutdown func that
// flushes pending spans. The collector endpoint comes from
// OTEL_EXPORTER_OTLP_ENDPOINT, defaulting to the local collector address.
func Init(serviceName string, logger logging.Logger) (func(context.Context) error, error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: create OTLP exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion("v1.0.0"),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	logging.OrNoop(logger).Info("tracing initialized", "service", serviceName, "endpoint", endpoint)

	return tp.Shutdown, nil
}
