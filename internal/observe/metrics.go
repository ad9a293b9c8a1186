// Package observe provides application-wide observability primitives for
// yomiage: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all yomiage metrics.
const meterName = "github.com/MrWong99/yomiage"

// Reasons an event is dropped without producing audio.
const (
	DropIgnored  = "ignored"
	DropEmpty    = "empty"
	DropStale    = "stale_queue"
	DropPanic    = "panic"
	DropSettings = "settings_error"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	meter metric.Meter

	// SynthesisDuration tracks the latency of one synthesis call.
	SynthesisDuration metric.Float64Histogram

	// SynthesisErrors counts failed synthesis calls. Use with attribute:
	//   attribute.String("kind", "validation"|"upstream"|"circuit_open"|"timeout"|"decode")
	SynthesisErrors metric.Int64Counter

	// SegmentsSynthesized counts audio units pushed to ready-audio queues.
	SegmentsSynthesized metric.Int64Counter

	// SegmentsPlayed counts audio units handed to a voice connection.
	SegmentsPlayed metric.Int64Counter

	// EventsProcessed counts text events taken off a queue.
	EventsProcessed metric.Int64Counter

	// EventsDropped counts events that produced no audio. Use with attribute:
	//   attribute.String("reason", ...)
	EventsDropped metric.Int64Counter

	// VoiceConnections tracks the number of live voice connections.
	VoiceConnections metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// VOICEVOX synthesis of one sentence.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.SynthesisDuration, err = m.Float64Histogram("yomiage.synthesis.duration",
		metric.WithDescription("Latency of one speech synthesis call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisErrors, err = m.Int64Counter("yomiage.synthesis.errors",
		metric.WithDescription("Failed synthesis calls by kind."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsSynthesized, err = m.Int64Counter("yomiage.segments.synthesized",
		metric.WithDescription("Audio segments queued for playback."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsPlayed, err = m.Int64Counter("yomiage.segments.played",
		metric.WithDescription("Audio segments handed to a voice connection."),
	); err != nil {
		return nil, err
	}
	if met.EventsProcessed, err = m.Int64Counter("yomiage.events.processed",
		metric.WithDescription("Text events taken off a guild queue."),
	); err != nil {
		return nil, err
	}
	if met.EventsDropped, err = m.Int64Counter("yomiage.events.dropped",
		metric.WithDescription("Text events that produced no audio, by reason."),
	); err != nil {
		return nil, err
	}
	if met.VoiceConnections, err = m.Int64UpDownCounter("yomiage.voice.connections",
		metric.WithDescription("Number of live voice connections."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("yomiage.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// QueueDepthFunc reports the summed text and audio queue lengths.
type QueueDepthFunc func() (text, audio int)

// RegisterQueueDepth installs an observable gauge "yomiage.queue.depth"
// that calls fn on every collection. The returned function unregisters it.
func (m *Metrics) RegisterQueueDepth(fn QueueDepthFunc) (func() error, error) {
	gauge, err := m.meter.Int64ObservableGauge("yomiage.queue.depth",
		metric.WithDescription("Pending items across all guild queues, by queue."),
	)
	if err != nil {
		return nil, err
	}
	textAttr := metric.WithAttributes(attribute.String("queue", "text"))
	audioAttr := metric.WithAttributes(attribute.String("queue", "audio"))
	reg, err := m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		text, audio := fn()
		o.ObserveInt64(gauge, int64(text), textAttr)
		o.ObserveInt64(gauge, int64(audio), audioAttr)
		return nil
	}, gauge)
	if err != nil {
		return nil, err
	}
	return reg.Unregister, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordSynthesis records the duration of a synthesis call and, when kind
// is non-empty, an error of that kind.
func (m *Metrics) RecordSynthesis(ctx context.Context, seconds float64, kind string) {
	m.SynthesisDuration.Record(ctx, seconds)
	if kind != "" {
		m.SynthesisErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// RecordDropped is a convenience method that records a dropped event with
// its reason.
func (m *Metrics) RecordDropped(ctx context.Context, reason string) {
	m.EventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
