// Package observe provides application-wide observability primitives for
// gwaggli: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [Setup] and served by [Handler] so
// that metrics can be scraped via the standard /metrics endpoint. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all gwaggli metrics.
const meterName = "github.com/gwaggli/gwaggli"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// TranscribeDuration tracks per-frame transcription latency. Use with
	// attribute.String("provider", ...).
	TranscribeDuration metric.Float64Histogram

	// FramesEmitted counts frames handed to the transcriber.
	FramesEmitted metric.Int64Counter

	// FramerBacklog reports samples buffered in the framer after each poll.
	FramerBacklog metric.Int64Gauge

	// BusPublished counts events accepted by the event bus.
	BusPublished metric.Int64Counter

	// BusDropped counts events lost on the bus. Use with
	// attribute.String("reason", ...) ("lagged", "no_subscribers").
	BusDropped metric.Int64Counter

	// TranscribeErrors counts failed transcriptions. Use with
	// attribute.String("provider", ...).
	TranscribeErrors metric.Int64Counter

	// ModelDownloads counts model download attempts. Use with
	// attribute.String("model", ...), attribute.String("status", ...).
	ModelDownloads metric.Int64Counter

	// ActiveSessions tracks the number of running pipeline sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes method and path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds. Whisper inference on a
// 10 s window ranges from tens of milliseconds to tens of seconds.
var latencyBuckets = []float64{
	0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TranscribeDuration, err = m.Float64Histogram("gwaggli.transcribe.duration",
		metric.WithDescription("Latency of one transcription call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FramesEmitted, err = m.Int64Counter("gwaggli.framer.frames",
		metric.WithDescription("Frames emitted by the sliding-window framer."),
	); err != nil {
		return nil, err
	}
	if met.FramerBacklog, err = m.Int64Gauge("gwaggli.framer.backlog",
		metric.WithDescription("Samples buffered in the framer."),
		metric.WithUnit("{sample}"),
	); err != nil {
		return nil, err
	}
	if met.BusPublished, err = m.Int64Counter("gwaggli.bus.published",
		metric.WithDescription("Events accepted by the event bus."),
	); err != nil {
		return nil, err
	}
	if met.BusDropped, err = m.Int64Counter("gwaggli.bus.dropped",
		metric.WithDescription("Events lost on the event bus by reason."),
	); err != nil {
		return nil, err
	}
	if met.TranscribeErrors, err = m.Int64Counter("gwaggli.transcribe.errors",
		metric.WithDescription("Failed transcriptions by provider."),
	); err != nil {
		return nil, err
	}
	if met.ModelDownloads, err = m.Int64Counter("gwaggli.model.download.attempts",
		metric.WithDescription("Model download attempts by model and status."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("gwaggli.active_sessions",
		metric.WithDescription("Number of running pipeline sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("gwaggli.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTranscription records the latency of one transcription and, when
// err is non-nil, an error for provider.
func (m *Metrics) RecordTranscription(ctx context.Context, provider string, seconds float64, err error) {
	attrs := metric.WithAttributes(attribute.String("provider", provider))
	m.TranscribeDuration.Record(ctx, seconds, attrs)
	if err != nil {
		m.TranscribeErrors.Add(ctx, 1, attrs)
	}
}

// RecordFrame counts one emitted frame and reports the remaining backlog.
func (m *Metrics) RecordFrame(ctx context.Context, backlog int) {
	m.FramesEmitted.Add(ctx, 1)
	m.FramerBacklog.Record(ctx, int64(backlog))
}

// RecordBusDrop counts n events dropped on the bus for reason.
func (m *Metrics) RecordBusDrop(ctx context.Context, reason string, n int) {
	m.BusDropped.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
}

// BusDropHook adapts [Metrics.RecordBusDrop] to the event bus drop hook
// signature.
func (m *Metrics) BusDropHook() func(reason string, n int) {
	return func(reason string, n int) {
		m.RecordBusDrop(context.Background(), reason, n)
	}
}

// RecordModelDownload counts one download attempt for model with status
// ("ok", "error", "cached").
func (m *Metrics) RecordModelDownload(ctx context.Context, model, status string) {
	m.ModelDownloads.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("status", status),
		),
	)
}
