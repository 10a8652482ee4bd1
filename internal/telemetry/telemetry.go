// ABOUTME: OpenTelemetry SDK bootstrap with stdout, OTLP/gRPC or disabled exporters
// ABOUTME: Returns a ShutdownFunc that flushes trace and metric providers

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
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ShutdownFunc flushes and stops the providers installed by Init.
type ShutdownFunc func(context.Context) error

// Config selects the exporter.
type Config struct {
	Exporter       string        // "none", "stdout" or "otlp"
	OTLPEndpoint   string        // host:port for otlp
	OTLPInsecure   bool          // disable TLS for otlp
	ExportInterval time.Duration // metric export period
}

func noopShutdown(context.Context) error { return nil }

// Init installs global trace and meter providers for the configured exporter.
// The "none" exporter leaves the otel no-op providers in place.
func Init(ctx context.Context, serviceName, version string, cfg Config) (ShutdownFunc, error) {
	if cfg.Exporter == "" || cfg.Exporter == "none" {
		return noopShutdown, nil
	}
	if cfg.ExportInterval <= 0 {
		cfg.ExportInterval = time.Minute
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	var tp *sdktrace.TracerProvider
	var mp *sdkmetric.MeterProvider
	switch cfg.Exporter {
	case "stdout":
		tp, mp, err = stdoutProviders(res, cfg)
	case "otlp":
		if cfg.OTLPEndpoint == "" {
			return nil, errors.New("telemetry.otlp_endpoint is required for the otlp exporter")
		}
		tp, mp, err = otlpProviders(ctx, res, cfg)
	default:
		return nil, fmt.Errorf("unknown telemetry exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func stdoutProviders(res *resource.Resource, cfg Config) (*sdktrace.TracerProvider, *sdkmetric.MeterProvider, error) {
	traceExporter, err := stdouttrace.New()
	if err != nil {
		return nil, nil, fmt.Errorf("creating stdout trace exporter: %w", err)
	}
	metricExporter, err := stdoutmetric.New()
	if err != nil {
		return nil, nil, fmt.Errorf("creating stdout metric exporter: %w", err)
	}
	tp, mp := newProviders(res, traceExporter, metricExporter, cfg.ExportInterval)
	return tp, mp, nil
}

func otlpProviders(ctx context.Context, res *resource.Resource, cfg Config) (*sdktrace.TracerProvider, *sdkmetric.MeterProvider, error) {
	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.OTLPInsecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("creating otlp trace exporter: %w", err)
	}
	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("creating otlp metric exporter: %w", err)
	}
	tp, mp := newProviders(res, traceExporter, metricExporter, cfg.ExportInterval)
	return tp, mp, nil
}

func newProviders(res *resource.Resource, te sdktrace.SpanExporter, me sdkmetric.Exporter, interval time.Duration) (*sdktrace.TracerProvider, *sdkmetric.MeterProvider) {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(te, sdktrace.WithBatchTimeout(time.Second)),
		sdktrace.WithResource(res),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(me, sdkmetric.WithInterval(interval))),
		sdkmetric.WithResource(res),
	)
	return tp, mp
}
