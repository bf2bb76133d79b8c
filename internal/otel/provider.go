// Package otel provides OpenTelemetry tracer and meter provider initialization
// and the sinks the telemetry emitter writes to.
package otel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"

	"github.com/Ongy/conntracker/internal/config"
	"github.com/Ongy/conntracker/internal/telemetry"
)

// Export tuning. Exporters run on their own goroutines; the event loop never waits
// on them.
const (
	traceBatchTimeout  = 3 * time.Second
	traceMaxBatchSize  = 50
	traceExportTimeout = 500 * time.Millisecond

	metricInterval      = time.Second
	metricExportTimeout = 500 * time.Millisecond
)

// batchSizeBuckets cover batch sizes up to well past the default batch limit.
var batchSizeBuckets = []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024}

// logProxyConfiguration logs the proxy settings the OTLP/HTTP exporters will honor.
func logProxyConfiguration(logger *zap.Logger) {
	httpProxy := os.Getenv("HTTP_PROXY")
	if httpProxy == "" {
		httpProxy = os.Getenv("http_proxy")
	}
	httpsProxy := os.Getenv("HTTPS_PROXY")
	if httpsProxy == "" {
		httpsProxy = os.Getenv("https_proxy")
	}

	if httpProxy != "" || httpsProxy != "" {
		logger.Info("proxy configuration", zap.String("http_proxy", httpProxy), zap.String("https_proxy", httpsProxy))
	} else {
		logger.Debug("no proxy configured (HTTP_PROXY/HTTPS_PROXY not set)")
	}
}

// NewResource describes this process to the telemetry backends.
func NewResource(ctx context.Context, cfg *config.OTELConfig, versionInfo string) (*resource.Resource, error) {
	resourceAttrs := []resource.Option{
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(versionInfo),
		),
		resource.WithHost(),
	}

	// Add custom resource attributes from environment
	if customAttrs := cfg.ParseResourceAttributes(); len(customAttrs) > 0 {
		resourceAttrs = append(resourceAttrs, resource.WithAttributes(customAttrs...))
	}

	res, err := resource.New(ctx, resourceAttrs...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// InitProvider initializes the OpenTelemetry tracer provider for the selected exporter.
//
// Note: Uses OTLP/HTTP protocol. The HTTP client automatically honors HTTP_PROXY,
// HTTPS_PROXY, and NO_PROXY environment variables through Go's standard net/http transport.
func InitProvider(ctx context.Context, cfg *config.OTELConfig, exporterName string, res *resource.Resource, logger *zap.Logger) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	switch exporterName {
	case config.TraceExporterOTLP:
		endpoint := cfg.GetEndpoint()
		logger.Info("OTEL trace configuration",
			zap.String("service_name", cfg.ServiceName),
			zap.String("endpoint", endpoint),
			zap.String("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.ExporterEndpoint),
			zap.String("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", cfg.TracesEndpoint),
			zap.String("resource_attributes", cfg.ResourceAttributes),
		)
		logProxyConfiguration(logger)

		exporter, err := otlptracehttp.New(ctx, traceExporterOptions(cfg, endpoint)...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(traceBatchTimeout),
			sdktrace.WithMaxExportBatchSize(traceMaxBatchSize),
			sdktrace.WithExportTimeout(traceExportTimeout),
		))

	case config.TraceExporterStdout:
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(traceBatchTimeout),
			sdktrace.WithMaxExportBatchSize(traceMaxBatchSize),
		))

	case config.TraceExporterNone:
		logger.Info("trace export disabled")

	default:
		return nil, fmt.Errorf("unknown trace exporter %q", exporterName)
	}

	return sdktrace.NewTracerProvider(opts...), nil
}

func traceExporterOptions(cfg *config.OTELConfig, endpoint string) []otlptracehttp.Option {
	opts := []otlptracehttp.Option{otlptracehttp.WithTimeout(traceExportTimeout)}
	if config.IsURL(endpoint) {
		return append(opts, otlptracehttp.WithEndpointURL(endpoint))
	}
	opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return opts
}

func metricExporterOptions(cfg *config.OTELConfig, endpoint string) []otlpmetrichttp.Option {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithTimeout(metricExportTimeout)}
	if config.IsURL(endpoint) {
		return append(opts, otlpmetrichttp.WithEndpointURL(endpoint))
	}
	opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
	if cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	return opts
}

// NewRegistry creates the Prometheus registry served on the metrics endpoint, with
// the Go runtime and process collectors registered.
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// InitMeterProvider initializes the meter provider. Metrics are always exposed
// through registry; they are additionally pushed over OTLP/HTTP when a metrics
// endpoint is configured.
func InitMeterProvider(ctx context.Context, cfg *config.OTELConfig, res *resource.Resource, registry prometheus.Registerer, logger *zap.Logger) (*sdkmetric.MeterProvider, error) {
	promExporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithView(sdkmetric.NewView(
			sdkmetric.Instrument{Name: telemetry.HistogramBatchSize},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: batchSizeBuckets}},
		)),
	}

	if endpoint, ok := cfg.GetMetricsEndpoint(); ok {
		logger.Info("OTEL metric push configuration", zap.String("endpoint", endpoint), zap.Duration("interval", metricInterval))
		exporter, err := otlpmetrichttp.New(ctx, metricExporterOptions(cfg, endpoint)...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(metricInterval),
			sdkmetric.WithTimeout(metricExportTimeout),
		)))
	}

	return sdkmetric.NewMeterProvider(opts...), nil
}

// ShutdownProviders gracefully shuts down the providers, flushing remaining spans
// and metrics. Nil providers are skipped.
func ShutdownProviders(ctx context.Context, tp *sdktrace.TracerProvider, mp *sdkmetric.MeterProvider) error {
	var errs []error
	if tp != nil {
		if err := tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown tracer provider: %w", err))
		}
	}
	if mp != nil {
		if err := mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}
