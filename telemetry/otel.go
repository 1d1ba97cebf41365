// Package telemetry exports traces and sign-in metrics over OTLP.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/getlantern/osversion"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"google.golang.org/grpc/credentials"
)

const serviceName = "nativeauth"

var (
	initMutex    sync.Mutex
	shutdownOTEL func(context.Context) error
)

// Config selects the OTLP collector. An empty Endpoint disables export.
type Config struct {
	Endpoint string
	Headers  map[string]string
	// Insecure disables TLS to the collector.
	Insecure         bool
	TracesSampleRate float64
	MetricsInterval  time.Duration
}

// Init installs global tracer and meter providers exporting to cfg.Endpoint, replacing any
// providers installed by an earlier call.
func Init(ctx context.Context, cfg Config, version string) error {
	initMutex.Lock()
	defer initMutex.Unlock()

	if shutdownOTEL != nil {
		slog.Info("Shutting down existing OpenTelemetry SDK")
		if err := shutdownOTEL(ctx); err != nil {
			return fmt.Errorf("failed to shutdown OpenTelemetry SDK: %w", err)
		}
		shutdownOTEL = nil
	}
	if cfg.Endpoint == "" {
		slog.Debug("No otel endpoint configured, skipping OpenTelemetry initialization")
		return nil
	}

	shutdown, err := setupOTelSDK(ctx, cfg, version)
	if err != nil {
		return fmt.Errorf("failed to start OpenTelemetry SDK: %w", err)
	}
	shutdownOTEL = shutdown
	return nil
}

// Close flushes and stops the providers installed by Init.
func Close(ctx context.Context) error {
	initMutex.Lock()
	defer initMutex.Unlock()
	if shutdownOTEL == nil {
		return nil
	}
	slog.Debug("Shutting down OpenTelemetry SDK")
	err := shutdownOTEL(ctx)
	shutdownOTEL = nil
	return err
}

func buildResources(version string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(version),
		attribute.String("library.language", "go"),
		attribute.String("library.language.version", runtime.Version()),
		attribute.String("os.name", runtime.GOOS),
		attribute.String("os.arch", runtime.GOARCH),
	}
	if osStr, err := osversion.GetHumanReadable(); err == nil {
		attrs = append(attrs, attribute.String("os.version", osStr))
	}
	return attrs
}

func setupOTelSDK(ctx context.Context, cfg Config, version string) (func(context.Context) error, error) {
	var shutdownFuncs []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		shutdownFuncs = nil
		return err
	}
	res, err := resource.New(ctx, resource.WithAttributes(buildResources(version)...))
	if err != nil {
		return shutdown, fmt.Errorf("failed to create resource: %w", err)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	shutdownTracer, err := initTracer(ctx, res, cfg)
	if err != nil {
		return shutdown, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, shutdownTracer)

	shutdownMeter, err := initMeterProvider(ctx, res, cfg)
	if err != nil {
		return shutdown, errors.Join(fmt.Errorf("failed to initialize meter provider: %w", err), shutdown(ctx))
	}
	shutdownFuncs = append(shutdownFuncs, shutdownMeter)
	slog.Info("OpenTelemetry initialized", "endpoint", cfg.Endpoint)
	return shutdown, nil
}

func initTracer(ctx context.Context, res *resource.Resource, cfg Config) (func(context.Context) error, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithHeaders(cfg.Headers),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.TracesSampleRate))),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tracerProvider)
	return func(ctx context.Context) error {
		if err := tracerProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown tracer provider: %w", err)
		}
		return nil
	}, nil
}

func initMeterProvider(ctx context.Context, res *resource.Resource, cfg Config) (func(context.Context) error, error) {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithHeaders(cfg.Headers),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	} else {
		opts = append(opts, otlpmetricgrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	metricExporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	var readerOpts []sdkmetric.PeriodicReaderOption
	if cfg.MetricsInterval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.MetricsInterval))
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, readerOpts...)),
	)
	otel.SetMeterProvider(meterProvider)
	return meterProvider.Shutdown, nil
}
