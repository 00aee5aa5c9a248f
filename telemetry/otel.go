package telemetry

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// OTelProvider owns one component's trace pipeline: a tracer provider
// batching spans to an OTLP/gRPC collector (or, with no collector
// configured, to stdout so a local run still produces something to look
// at), registered as the process-wide trace provider so every
// telemetry.AddSpanEvent/RecordSpanError call downstream reaches it.
type OTelProvider struct {
	traceProvider *sdktrace.TracerProvider
	shutdownOnce  sync.Once
}

// NewOTelProvider builds the trace pipeline for serviceName. endpoint is an
// OTLP/gRPC collector address (host:port); an empty endpoint exports to
// stdout instead of failing to dial. `councild` only builds a provider
// when COUNCIL_OTEL_ENDPOINT is set, so it never takes the stdout path.
func NewOTelProvider(serviceName string, endpoint string) (*OTelProvider, error) {
	if serviceName == "" {
		return nil, fmt.Errorf("telemetry: service name cannot be empty")
	}
	logger := GetLogger()

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String("1.0.0"),
	)

	var exporter sdktrace.SpanExporter
	var err error
	if endpoint == "" {
		logger.Info("telemetry: no collector endpoint configured, exporting traces to stdout", map[string]interface{}{"service": serviceName})
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	} else {
		logger.Info("telemetry: exporting traces via OTLP/gRPC", map[string]interface{}{"service": serviceName, "endpoint": endpoint})
		exporter, err = otlptracegrpc.New(context.Background(),
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &OTelProvider{traceProvider: tp}, nil
}

// Shutdown flushes pending spans and stops the exporter. Idempotent.
func (o *OTelProvider) Shutdown(ctx context.Context) error {
	var shutdownErr error
	o.shutdownOnce.Do(func() {
		start := time.Now()
		if err := o.traceProvider.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("telemetry: trace provider shutdown: %w", err)
			return
		}
		GetLogger().Info("telemetry: trace provider shut down", map[string]interface{}{"elapsed_ms": time.Since(start).Milliseconds()})
	})
	return shutdownErr
}

// NewServiceOTelProvider creates an OTelProvider for a named council
// component, defaulting the collector endpoint from
// OTEL_EXPORTER_OTLP_ENDPOINT when unset. This is the composition-root
// entry point cmd/councild uses to give traces somewhere to go.
func NewServiceOTelProvider(serviceName, endpoint string) (*OTelProvider, error) {
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	return NewOTelProvider(serviceName, endpoint)
}
