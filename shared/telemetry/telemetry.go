package telemetry

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	metricSDK "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	traceSDK "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config holds telemetry configuration for a service
type Config struct {
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint is host:port of the collector. Empty disables OTLP export;
	// Prometheus metrics stay available.
	OTLPEndpoint   string
	MetricInterval time.Duration
}

type Telemetry struct {
	tracer  trace.Tracer
	metrics *Metrics
	config  Config
}

// NewNoop returns telemetry that records nothing, for tests and tools
func NewNoop(serviceName string) *Telemetry {
	tel := &Telemetry{
		config:  Config{ServiceName: serviceName},
		tracer:  noop.NewTracerProvider().Tracer(serviceName),
		metrics: NewNoopMetrics(),
	}
	return tel
}

// InitTelemetry initializes OpenTelemetry with the Prometheus exporter and,
// when an endpoint is configured, OTLP trace and metric exporters.
func InitTelemetry(ctx context.Context, config Config) (*Telemetry, func(), error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
			semconv.ServiceVersionKey.String(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to build telemetry resource")
	}

	traceProvider, traceShutdown, err := setupTracing(ctx, res, config.OTLPEndpoint)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to set up tracing")
	}

	meterProvider, metricShutdown, err := setupMetrics(ctx, res, config)
	if err != nil {
		traceShutdown()
		return nil, nil, errors.Wrap(err, "failed to set up metrics")
	}

	otel.SetTracerProvider(traceProvider)
	otel.SetMeterProvider(meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	metrics, err := NewMetrics(otel.Meter(config.ServiceName))
	if err != nil {
		traceShutdown()
		metricShutdown()
		return nil, nil, err
	}

	tel := &Telemetry{
		config:  config,
		tracer:  otel.Tracer(config.ServiceName),
		metrics: metrics,
	}

	shutdown := func() {
		traceShutdown()
		metricShutdown()
	}

	return tel, shutdown, nil
}

func setupTracing(ctx context.Context, res *resource.Resource, otlpEndpoint string) (trace.TracerProvider, func(), error) {
	opts := []traceSDK.TracerProviderOption{
		traceSDK.WithResource(res),
		traceSDK.WithSampler(traceSDK.ParentBased(traceSDK.AlwaysSample())),
	}

	if otlpEndpoint != "" {
		traceExporter, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(otlpEndpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, traceSDK.WithBatcher(traceExporter))
	}

	traceProvider := traceSDK.NewTracerProvider(opts...)

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = traceProvider.Shutdown(ctx)
	}

	return traceProvider, shutdown, nil
}

func setupMetrics(ctx context.Context, res *resource.Resource, config Config) (metric.MeterProvider, func(), error) {
	prometheusExporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	opts := []metricSDK.Option{
		metricSDK.WithResource(res),
		metricSDK.WithReader(prometheusExporter),
	}

	if config.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(config.OTLPEndpoint),
			otlpmetrichttp.WithInsecure(),
		)
		if err != nil {
			return nil, nil, err
		}

		interval := config.MetricInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		opts = append(opts, metricSDK.WithReader(metricSDK.NewPeriodicReader(otlpExporter,
			metricSDK.WithInterval(interval),
		)))
	}

	meterProvider := metricSDK.NewMeterProvider(opts...)

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = meterProvider.Shutdown(ctx)
	}

	return meterProvider, shutdown, nil
}

// StartSpan starts a new trace span (method on Telemetry)
func (t *Telemetry) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// Metrics returns the saga instruments
func (t *Telemetry) Metrics() *Metrics {
	return t.metrics
}

func (t *Telemetry) GetServiceName() string {
	return t.config.ServiceName
}

type contextKey string

const telemetryKey contextKey = "telemetry"

// WithTelemetry injects telemetry into context
func WithTelemetry(ctx context.Context, tel *Telemetry) context.Context {
	return context.WithValue(ctx, telemetryKey, tel)
}

// FromContext extracts telemetry from context
func FromContext(ctx context.Context) *Telemetry {
	if tel, ok := ctx.Value(telemetryKey).(*Telemetry); ok {
		return tel
	}
	return nil
}

// StartSpan starts a new trace span using telemetry from context
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tel := FromContext(ctx); tel != nil {
		return tel.StartSpan(ctx, name, opts...)
	}
	return otel.Tracer("order-saga").Start(ctx, name, opts...)
}
