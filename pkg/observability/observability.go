// Package observability wires OpenTelemetry tracing and metrics for the
// refinement loop.
//
// Every provider call, tribunal vote and phase iteration is tracked with
// the RED pattern (rate, errors, duration). When telemetry is disabled the
// provider falls back to the global no-op implementations, so callers never
// need to check.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/xggarcia/Curt-IA/pkg/config"
)

const (
	serviceName       = "curtia"
	instrumentation   = "github.com/xggarcia/Curt-IA"
	exportBatchWindow = 5 * time.Second
)

// Provider manages OpenTelemetry trace and metric providers.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	// RED metrics
	requestCounter   metric.Int64Counter
	errorCounter     metric.Int64Counter
	durationHist     metric.Float64Histogram
	activeOperations metric.Int64UpDownCounter

	// Domain metrics
	attemptCounter metric.Int64Counter
	attemptLatency metric.Float64Histogram
	verdictCounter metric.Int64Counter
	verdictAverage metric.Float64Histogram
}

// New creates a provider exporting over OTLP/gRPC. A disabled config
// yields a provider backed by the global no-op tracer and meter.
func New(ctx context.Context, cfg config.TelemetryConfig, version string) (*Provider, error) {
	p := &Provider{logger: slog.Default().With("component", "observability")}

	if !cfg.Enabled {
		p.logger.DebugContext(ctx, "observability disabled")
		p.tracer = otel.Tracer(instrumentation)
		p.meter = otel.Meter(instrumentation)
		if err := p.initMetrics(); err != nil {
			return nil, fmt.Errorf("failed to init metrics: %w", err)
		}
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp, err := newTraceProvider(ctx, cfg, res)
	if err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	mp, err := newMeterProvider(ctx, cfg, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p, err = newProvider(tp, mp, version)
	if err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"environment", cfg.Environment,
		"endpoint", cfg.Endpoint,
		"sample_rate", cfg.SampleRate,
		"insecure", cfg.Insecure,
	)
	return p, nil
}

// newProvider builds a provider on explicit SDK providers.
func newProvider(tp *sdktrace.TracerProvider, mp *sdkmetric.MeterProvider, version string) (*Provider, error) {
	p := &Provider{
		tracerProvider: tp,
		meterProvider:  mp,
		tracer:         tp.Tracer(instrumentation, trace.WithInstrumentationVersion(version)),
		meter:          mp.Meter(instrumentation, metric.WithInstrumentationVersion(version)),
		logger:         slog.Default().With("component", "observability"),
	}
	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to init metrics: %w", err)
	}
	return p, nil
}

func newTraceProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(exportBatchWindow)),
		sdktrace.WithSampler(sampler),
	), nil
}

func newMeterProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	), nil
}

func (p *Provider) initMetrics() error {
	var err error

	if p.requestCounter, err = p.meter.Int64Counter("curtia.operations.total",
		metric.WithDescription("Total number of tracked operations"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return err
	}
	if p.errorCounter, err = p.meter.Int64Counter("curtia.errors.total",
		metric.WithDescription("Total number of failed operations"),
		metric.WithUnit("{error}"),
	); err != nil {
		return err
	}
	if p.durationHist, err = p.meter.Float64Histogram("curtia.operation.duration",
		metric.WithDescription("Operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	); err != nil {
		return err
	}
	if p.activeOperations, err = p.meter.Int64UpDownCounter("curtia.operations.active",
		metric.WithDescription("Number of operations in flight"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return err
	}
	if p.attemptCounter, err = p.meter.Int64Counter("curtia.provider.attempts",
		metric.WithDescription("Provider attempts by credential and outcome"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return err
	}
	if p.attemptLatency, err = p.meter.Float64Histogram("curtia.provider.latency",
		metric.WithDescription("Provider attempt latency in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return err
	}
	if p.verdictCounter, err = p.meter.Int64Counter("curtia.tribunal.verdicts",
		metric.WithDescription("Tribunal verdicts by phase and result"),
		metric.WithUnit("{verdict}"),
	); err != nil {
		return err
	}
	if p.verdictAverage, err = p.meter.Float64Histogram("curtia.tribunal.average",
		metric.WithDescription("Average tribunal score"),
		metric.WithExplicitBucketBoundaries(5, 6, 7, 8, 8.5, 9, 9.5, 10),
	); err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops the SDK providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter { return p.meter }

// TrackOperation starts a span and RED bookkeeping for one operation. The
// returned function must be called with the operation's error.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)

	opAttrs := append([]attribute.KeyValue{attribute.String("operation", name)}, attrs...)
	set := metric.WithAttributes(opAttrs...)
	p.activeOperations.Add(ctx, 1, set)
	p.requestCounter.Add(ctx, 1, set)

	return ctx, func(err error) {
		p.activeOperations.Add(ctx, -1, set)
		p.durationHist.Record(ctx, time.Since(start).Seconds(), set)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			p.errorCounter.Add(ctx, 1, metric.WithAttributes(
				append(opAttrs, attribute.String("error.type", fmt.Sprintf("%T", err)))...,
			))
		}
		span.End()
	}
}

// RecordVerdict counts one tribunal verdict.
func (p *Provider) RecordVerdict(ctx context.Context, phase string, accepted bool, average float64) {
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	p.verdictCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("phase", phase),
		attribute.String("result", result),
	))
	p.verdictAverage.Record(ctx, average, metric.WithAttributes(attribute.String("phase", phase)))
}
