// Package telemetry wires the OpenTelemetry SDK for spectred: a meter provider
// feeding internal/observability/metrics and a tracer provider used for claim
// and settlement spans. Exporters are selected by configuration.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ShutdownFunc flushes and releases telemetry resources.
type ShutdownFunc func(context.Context) error

// Config controls exporter behaviour.
type Config struct {
	// Exporter is one of "none", "stdout" or "otlp".
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
	Interval     time.Duration
}

const defaultInterval = time.Minute

// Providers holds the SDK providers built by Init.
type Providers struct {
	Meter    *metric.MeterProvider
	Tracer   *trace.TracerProvider
	Shutdown ShutdownFunc
}

// Init builds the providers, installs them globally and returns them.
// With Exporter "none" the providers are real but export nowhere.
func Init(ctx context.Context, serviceName, version string, cfg Config) (*Providers, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	var (
		metricOpts = []metric.Option{metric.WithResource(res)}
		traceOpts  = []trace.TracerProviderOption{trace.WithResource(res)}
	)
	switch cfg.Exporter {
	case "", "none":
	case "stdout":
		metricExporter, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}
		traceExporter, err := stdouttrace.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		metricOpts = append(metricOpts, metric.WithReader(metric.NewPeriodicReader(metricExporter, metric.WithInterval(interval))))
		traceOpts = append(traceOpts, trace.WithBatcher(traceExporter, trace.WithBatchTimeout(time.Second)))
	case "otlp":
		if cfg.OTLPEndpoint == "" {
			return nil, errors.New("otlp endpoint is required")
		}
		metricGRPC := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		traceGRPC := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			metricGRPC = append(metricGRPC, otlpmetricgrpc.WithInsecure())
			traceGRPC = append(traceGRPC, otlptracegrpc.WithInsecure())
		}
		metricExporter, err := otlpmetricgrpc.New(ctx, metricGRPC...)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp metric exporter: %w", err)
		}
		traceExporter, err := otlptracegrpc.New(ctx, traceGRPC...)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp trace exporter: %w", err)
		}
		metricOpts = append(metricOpts, metric.WithReader(metric.NewPeriodicReader(metricExporter, metric.WithInterval(interval))))
		traceOpts = append(traceOpts, trace.WithBatcher(traceExporter, trace.WithBatchTimeout(time.Second)))
	default:
		return nil, fmt.Errorf("unknown telemetry exporter: %s", cfg.Exporter)
	}

	mp := metric.NewMeterProvider(metricOpts...)
	tp := trace.NewTracerProvider(traceOpts...)
	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Providers{
		Meter:  mp,
		Tracer: tp,
		Shutdown: func(ctx context.Context) error {
			return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
		},
	}, nil
}
