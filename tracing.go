package querycelery

import (
	"context"

	"github.com/caarlos0/env/v11"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const tracerName = "github.com/clp-project/querycelery"

// tracingEnv holds the standard OpenTelemetry variables the worker reads.
type tracingEnv struct {
	Endpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Disabled bool   `env:"OTEL_SDK_DISABLED"`
}

func loadTracingEnv(environment map[string]string) (tracingEnv, error) {
	return env.ParseAsWithOptions[tracingEnv](env.Options{Environment: environment})
}

func (e tracingEnv) enabled() bool {
	return !e.Disabled && e.Endpoint != ""
}

// setupTracing initialises OpenTelemetry tracing for the worker.
//
// Tracing is opt-in: when OTEL_EXPORTER_OTLP_ENDPOINT is empty or
// OTEL_SDK_DISABLED is "true", it returns a no-op shutdown function and the
// global no-op provider stays in place.
func setupTracing(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	cfg, err := loadTracingEnv(nil)
	if err != nil {
		return noop, err
	}
	if !cfg.enabled() {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return noop, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return noop, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown, nil
}
