// Package telemetry sets up OpenTelemetry metrics and tracing for gojotx.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const shutdownTimeout = 5 * time.Second

// Config controls metrics and tracing.
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	// PrometheusPort, when set, serves /metrics on its own listener in
	// addition to the handler mounted by the server.
	PrometheusPort int `yaml:"prometheus_port"`
	// Fraction of traces sampled; out of range values sample everything.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// Telemetry carries the tracer, the meter and the metrics endpoint handed
// to the rest of the server.
type Telemetry struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	// MetricsHandler serves the Prometheus exposition format.
	MetricsHandler http.Handler
}

// ShutdownFunc flushes and stops whatever New started.
type ShutdownFunc func(ctx context.Context) error

func disabled() (*Telemetry, ShutdownFunc) {
	return &Telemetry{
		Tracer:         nooptrace.NewTracerProvider().Tracer(""),
		Meter:          noop.NewMeterProvider().Meter(""),
		MetricsHandler: http.NotFoundHandler(),
	}, func(context.Context) error { return nil }
}

// New builds the providers and installs them globally. A disabled config
// yields no-op instruments and a 404 metrics handler.
func New(cfg Config) (*Telemetry, ShutdownFunc, error) {
	if !cfg.Enabled {
		tel, shutdown := disabled()
		return tel, shutdown, nil
	}

	res, err := resource.Merge(resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	meterProvider, metricsHandler, err := newMeterProvider(res)
	if err != nil {
		return nil, nil, err
	}
	tracerProvider := newTracerProvider(res, cfg.TraceSampleRatio)

	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	var metricsServer *http.Server
	if cfg.PrometheusPort > 0 {
		metricsServer = serveMetrics(cfg.PrometheusPort, metricsHandler)
	}

	tel := &Telemetry{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Tracer:         tracerProvider.Tracer(cfg.ServiceName),
		Meter:          meterProvider.Meter(cfg.ServiceName),
		MetricsHandler: metricsHandler,
	}
	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
		if err := tracerProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown tracer provider: %w", err)
		}
		if err := meterProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown meter provider: %w", err)
		}
		if metricsServer != nil {
			return metricsServer.Shutdown(ctx)
		}
		return nil
	}
	return tel, shutdown, nil
}

// newMeterProvider exports through a private Prometheus registry so that
// several providers can live in one process.
func newMeterProvider(res *resource.Resource) (*sdkmetric.MeterProvider, http.Handler, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exporter))
	return provider, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

func newTracerProvider(res *resource.Resource, ratio float64) *sdktrace.TracerProvider {
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
}

func serveMetrics(port int, handler http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			otel.Handle(fmt.Errorf("prometheus http server failed: %w", err))
		}
	}()
	return srv
}
