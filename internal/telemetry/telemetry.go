package telemetry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/BaSui01/minionflow/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Providers holds the SDK providers installed as globals by Init. Both are
// nil when telemetry is disabled.
type Providers struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Build identifies the running master binary in exported resources.
type Build struct {
	Version string
	Commit  string
}

const defaultServiceName = "minionflow-master"

// Init installs OTLP/gRPC trace and metric pipelines as the global OTel
// providers. Disabled telemetry leaves the noop globals in place.
func Init(cfg config.TelemetryConfig, build Build, logger *zap.Logger) (*Providers, error) {
	if !cfg.Enabled {
		logger.Info("telemetry disabled")
		return &Providers{}, nil
	}

	ctx := context.Background()
	res, err := newResource(ctx, cfg, build)
	if err != nil {
		return nil, err
	}

	tp, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		return nil, err
	}
	mp, err := newMeterProvider(ctx, cfg, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("telemetry exporting",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.Float64("sample_rate", clampRate(cfg.SampleRate)),
	)
	return &Providers{tp: tp, mp: mp}, nil
}

func newResource(ctx context.Context, cfg config.TelemetryConfig, build Build) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = defaultServiceName
	}
	version := build.Version
	if version == "" || version == "dev" {
		version = moduleVersion()
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(name),
		semconv.ServiceVersionKey.String(version),
	}
	if build.Commit != "" && build.Commit != "unknown" {
		attrs = append(attrs, attribute.String("minionflow.commit", build.Commit))
	}

	res, err := resource.New(ctx, resource.WithAttributes(attrs...), resource.WithHost())
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}
	return res, nil
}

func newTracerProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		// 入站请求已带采样决定时沿用上游
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampRate(cfg.SampleRate)))),
	), nil
}

func newMeterProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		sdkmetric.WithResource(res),
	), nil
}

func clampRate(r float64) float64 {
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}

// Shutdown flushes and stops both providers. Safe on nil or disabled Providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// moduleVersion falls back to the module version stamped by go install.
func moduleVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return "dev"
	}
	return info.Main.Version
}

// =============================================================================
// Instrumentation
// =============================================================================

// InstrumentationName scopes every tracer and meter minionflow creates.
const InstrumentationName = "github.com/BaSui01/minionflow"

// Tracer returns the tracer of a component, e.g. "dispatch" or "http".
// It reads the global provider at call time, so it follows Init.
func Tracer(component string) trace.Tracer {
	return otel.Tracer(InstrumentationName + "/" + component)
}

// JobInstruments are the OTel instruments of the dispatch engine. They
// complement the Prometheus collector for deployments exporting OTLP.
type JobInstruments struct {
	submitted metric.Int64Counter
	duration  metric.Float64Histogram
}

// NewJobInstruments creates the instruments on the global meter provider.
func NewJobInstruments() (*JobInstruments, error) {
	meter := otel.Meter(InstrumentationName + "/dispatch")
	submitted, err := meter.Int64Counter("minionflow.jobs.submitted",
		metric.WithDescription("Jobs submitted, by client mode and result"))
	if err != nil {
		return nil, fmt.Errorf("create jobs counter: %w", err)
	}
	duration, err := meter.Float64Histogram("minionflow.jobs.duration",
		metric.WithDescription("Time from submit to reply"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create jobs histogram: %w", err)
	}
	return &JobInstruments{submitted: submitted, duration: duration}, nil
}

// Record reports one finished submit. A nil receiver records nothing.
func (j *JobInstruments) Record(ctx context.Context, mode, result string, d time.Duration) {
	if j == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("result", result),
	)
	j.submitted.Add(ctx, 1, attrs)
	j.duration.Record(ctx, d.Seconds(), attrs)
}
