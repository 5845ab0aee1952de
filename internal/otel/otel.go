// Package otel wires the OpenTelemetry SDK for the controller: job and
// provisioner spans, registry and server metrics, and the Prometheus
// reader behind /metrics.
package otel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"

	"github.com/terrpan/runbot/internal/buildinfo"
)

const exportInterval = 10 * time.Second

// Config holds OpenTelemetry configuration.
type Config struct {
	// Enabled turns on OTLP push of traces and metrics.
	Enabled bool

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool

	// Headers are sent with every OTLP request, e.g. collector auth.
	Headers map[string]string

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool

	// Prometheus registers a Prometheus metric reader with the default
	// registry, which the controller's /metrics route serves.
	Prometheus bool

	// SampleRatio is the fraction of root job traces kept.  Values
	// outside (0, 1) keep every trace.
	SampleRatio float64
}

// setup accumulates the cleanup of every provider it installs.
type setup struct {
	cfg       Config
	res       *resource.Resource
	shutdowns []func(context.Context) error
}

func (s *setup) shutdown(ctx context.Context) error {
	var err error
	for _, fn := range s.shutdowns {
		err = errors.Join(err, fn(ctx))
	}
	s.shutdowns = nil
	return err
}

// SetupOTelSDK installs the global tracer and meter providers for
// serviceName and returns the function that flushes and stops them.
//
// Traces are only recorded when cfg.Enabled is set.  A meter provider is
// installed when either OTLP push or the Prometheus reader is on.
// Instruments are created from the global providers, so this must run
// before the registry and server are constructed.
func SetupOTelSDK(ctx context.Context, serviceName string, cfg Config) (func(context.Context) error, error) {
	res, err := newResource(serviceName)
	if err != nil {
		return nil, fmt.Errorf("building otel resource: %w", err)
	}
	s := &setup{cfg: cfg, res: res}

	if cfg.Enabled {
		tp, err := s.tracerProvider(ctx)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("creating tracer provider: %w", err), s.shutdown(ctx))
		}
		s.shutdowns = append(s.shutdowns, tp.Shutdown)
		otel.SetTracerProvider(tp)
	}

	if cfg.Enabled || cfg.Prometheus {
		mp, err := s.meterProvider(ctx)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("creating meter provider: %w", err), s.shutdown(ctx))
		}
		s.shutdowns = append(s.shutdowns, mp.Shutdown)
		otel.SetMeterProvider(mp)
	}

	return s.shutdown, nil
}

// newResource describes this controller instance.  The hostname tells
// replicas apart; a random id stands in when it is unavailable.
func newResource(serviceName string) (*resource.Resource, error) {
	instance, err := os.Hostname()
	if err != nil || instance == "" {
		instance = uuid.NewString()
	}
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(buildinfo.Version),
			semconv.ServiceInstanceID(instance),
		),
	)
}

func (s *setup) tracerProvider(ctx context.Context) (*trace.TracerProvider, error) {
	otlp, err := otlptracehttp.New(ctx, s.traceOptions()...)
	if err != nil {
		return nil, err
	}
	exporters := []trace.SpanExporter{otlp}

	if s.cfg.StdOut {
		stdout, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		exporters = append(exporters, stdout)
	}

	opts := []trace.TracerProviderOption{
		trace.WithResource(s.res),
		trace.WithSampler(sampler(s.cfg.SampleRatio)),
	}
	for _, exp := range exporters {
		opts = append(opts, trace.WithBatcher(exp, trace.WithBatchTimeout(time.Second)))
	}
	return trace.NewTracerProvider(opts...), nil
}

func (s *setup) meterProvider(ctx context.Context) (*metric.MeterProvider, error) {
	opts := []metric.Option{metric.WithResource(s.res)}

	if s.cfg.Enabled {
		otlp, err := otlpmetrichttp.New(ctx, s.metricOptions()...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, metric.WithReader(metric.NewPeriodicReader(otlp, metric.WithInterval(exportInterval))))
	}

	if s.cfg.StdOut {
		stdout, err := stdoutmetric.New()
		if err != nil {
			return nil, err
		}
		opts = append(opts, metric.WithReader(metric.NewPeriodicReader(stdout, metric.WithInterval(exportInterval))))
	}

	if s.cfg.Prometheus {
		prom, err := promexporter.New()
		if err != nil {
			return nil, fmt.Errorf("creating prometheus exporter: %w", err)
		}
		opts = append(opts, metric.WithReader(prom))
	}

	return metric.NewMeterProvider(opts...), nil
}

func (s *setup) traceOptions() []otlptracehttp.Option {
	var opts []otlptracehttp.Option
	if s.cfg.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(s.cfg.Endpoint))
	}
	if s.cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(s.cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(s.cfg.Headers))
	}
	return opts
}

func (s *setup) metricOptions() []otlpmetrichttp.Option {
	var opts []otlpmetrichttp.Option
	if s.cfg.Endpoint != "" {
		opts = append(opts, otlpmetrichttp.WithEndpoint(s.cfg.Endpoint))
	}
	if s.cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	if len(s.cfg.Headers) > 0 {
		opts = append(opts, otlpmetrichttp.WithHeaders(s.cfg.Headers))
	}
	return opts
}

// sampler keeps ratio of root traces; child spans follow their parent.
func sampler(ratio float64) trace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return trace.ParentBased(trace.AlwaysSample())
	}
	return trace.ParentBased(trace.TraceIDRatioBased(ratio))
}
