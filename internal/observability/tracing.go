package observability

import (
	"context"
	"fmt"

	"github.com/authgate/authgate/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// TracerGateway is the instrumentation scope for the authorization pipeline:
// it owns the spans around credential resolution, the backend authrep call,
// and origin forwarding.
const TracerGateway = "authgate.gateway"

// InitTracing sets up OpenTelemetry tracing with an OTLP HTTP exporter.
// An empty endpoint uses the exporter's default (localhost:4318). Returns a
// shutdown function that should be called on application exit.
func InitTracing(ctx context.Context, cfg config.TracingConfig, version string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(_ context.Context) error { return nil }, nil
	}

	var exporterOpts []otlptracehttp.Option
	if cfg.Endpoint != "" {
		exporterOpts = append(exporterOpts, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	}
	exporter, err := otlptracehttp.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "authgate"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampSampleRate(cfg.SampleRate)))

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// clampSampleRate bounds the configured ratio to [0, 1] so a typo cannot
// produce an always-on or undefined sampler.
func clampSampleRate(r float64) float64 {
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}
