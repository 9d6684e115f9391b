package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config selects how a gwaggli process exports telemetry.
type Config struct {
	ServiceVersion string

	// Source and Transcriber describe the session. They become resource
	// attributes, exported to Prometheus as target_info labels.
	Source      string
	Transcriber string

	// Registry receives the collectors. A fresh registry is used when nil.
	Registry *prometheus.Registry

	// TraceExporter receives frame and HTTP spans in batches. Without one
	// spans are recorded for log correlation only.
	TraceExporter sdktrace.SpanExporter

	// FrameSampleRatio keeps this fraction of root spans. Zero or one keeps
	// every frame.
	FrameSampleRatio float64
}

// Telemetry is the metric and trace pipeline of one gwaggli process. Setup
// installs it as the global OpenTelemetry provider.
type Telemetry struct {
	registry *prometheus.Registry
	metrics  *Metrics
	mp       *sdkmetric.MeterProvider
	tp       *sdktrace.TracerProvider
}

// Setup builds the Prometheus-backed meter provider, the tracer provider and
// the gwaggli instruments. Call [Telemetry.Shutdown] on exit.
func Setup(ctx context.Context, cfg Config) (*Telemetry, error) {
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(c); err != nil && !errors.As(err, new(prometheus.AlreadyRegisteredError)) {
			return nil, fmt.Errorf("observe: register runtime collector: %w", err)
		}
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("gwaggli"),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String("gwaggli.source", cfg.Source),
			attribute.String("gwaggli.transcriber", cfg.Transcriber),
		),
	)
	if err != nil {
		return nil, err
	}

	exp, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exp))

	sampler := sdktrace.AlwaysSample()
	if r := cfg.FrameSampleRatio; r > 0 && r < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(r))
	}
	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res), sdktrace.WithSampler(sampler)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	m, err := NewMetrics(mp)
	if err != nil {
		return nil, errors.Join(err, mp.Shutdown(ctx), tp.Shutdown(ctx))
	}

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	return &Telemetry{registry: reg, metrics: m, mp: mp, tp: tp}, nil
}

// Registry returns the registry served by [Telemetry.Handler].
func (t *Telemetry) Registry() *prometheus.Registry { return t.registry }

// Metrics returns the instruments bound to this pipeline.
func (t *Telemetry) Metrics() *Metrics { return t.metrics }

// Handler serves the registry for scraping.
func (t *Telemetry) Handler() http.Handler { return Handler(t.registry) }

// Shutdown flushes pending spans and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.mp.Shutdown(ctx), t.tp.Shutdown(ctx))
}

// Handler serves the Prometheus text exposition of reg, or of the default
// gatherer when reg is nil.
func Handler(reg *prometheus.Registry) http.Handler {
	if reg == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
