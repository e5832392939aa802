package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"
)

// ServiceName identifies the server in traces
const ServiceName = "docsync"

/*
TRACING

  handler / pump / persistence worker → otel span → batcher → Jaeger collector

Spans are sampled by their parent when one arrives with the request, else at
sampleRatio. Without InitJaeger the global provider is a no-op and spans cost
nothing.
*/

// InitJaeger installs a global tracer provider exporting to jaegerEndpoint.
// The returned function flushes pending spans and must run on shutdown.
func InitJaeger(jaegerEndpoint string, sampleRatio float64, logger *zap.SugaredLogger) (func(context.Context) error, error) {
	exp, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(ServiceName),
		semconv.ServiceVersion("1.0.0"),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	logger.Infow("✓ Jaeger tracing initialized", "endpoint", jaegerEndpoint, "sample_ratio", sampleRatio)
	return tp.Shutdown, nil
}
