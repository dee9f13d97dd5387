// Package telemetry wires the OpenTelemetry tracer provider used by the
// engine spans and the otelhttp handler.
package telemetry

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.26.0"
)

type Options struct {
	Endpoint    string
	Insecure    bool
	Version     string
	Environment string
	// SampleRatio is the share of root traces kept, 0..1. Child spans follow
	// their parent's decision.
	SampleRatio float64
}

// Setup installs a global tracer provider exporting over OTLP gRPC. Without an
// endpoint tracing stays a no-op. The returned func flushes and stops export.
func Setup(ctx context.Context, serviceName string, options Options, logger zerolog.Logger) func(context.Context) error {
	if options.Endpoint == "" {
		return func(context.Context) error { return nil }
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(options.Endpoint)}
	if options.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		logger.Error().Err(err).Msg("otel exporter")
		return func(context.Context) error { return nil }
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(serviceAttributes(serviceName, options)...),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		logger.Warn().Err(err).Msg("otel resource")
	}
	if res == nil {
		res = resource.Default()
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(options.SampleRatio)),
	)
	otel.SetTracerProvider(provider)
	logger.Info().
		Str("endpoint", options.Endpoint).
		Str("version", options.Version).
		Float64("sample_ratio", options.SampleRatio).
		Msg("tracing enabled")

	return provider.Shutdown
}

func serviceAttributes(serviceName string, options Options) []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	if options.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(options.Version))
	}
	if options.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(options.Environment))
	}
	return attrs
}

func sampler(ratio float64) sdktrace.Sampler {
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
