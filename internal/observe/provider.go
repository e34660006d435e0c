package observe

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// ProviderConfig configures the global OpenTelemetry providers.
type ProviderConfig struct {
	// ServiceName is reported on every metric and span. Default: "parley".
	ServiceName string

	// ServiceVersion is the build version.
	ServiceVersion string

	// SampleRatio is the fraction of new traces recorded. Nil records all.
	// Child spans follow their parent's decision.
	SampleRatio *float64

	// MetricReader replaces the Prometheus exporter. Tests pass a
	// [sdkmetric.ManualReader].
	MetricReader sdkmetric.Reader

	// TraceExporter receives finished spans. Nil keeps spans in-process,
	// which still gives every request a trace id for log correlation.
	TraceExporter sdktrace.SpanExporter
}

// InitProvider installs the global meter, tracer and propagator, then
// rebinds [DefaultMetrics] to the new meter provider. The returned function
// flushes and stops both providers.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "parley"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	reader := cfg.MetricReader
	if reader == nil {
		exp, err := promexporter.New()
		if err != nil {
			return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
		}
		reader = exp
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio != nil {
		sampler = sdktrace.TraceIDRatioBased(*cfg.SampleRatio)
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	m, err := NewMetrics(mp)
	if err != nil {
		_ = mp.Shutdown(ctx)
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	setDefaultMetrics(m)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
