// Package observe provides application-wide observability primitives for
// postvoz: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all postvoz metrics.
const meterName = "github.com/MrWong99/postvoz"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Session lifecycle ---

	// ActiveSessions tracks the number of live sessions (0 or 1 per
	// controller).
	ActiveSessions metric.Int64UpDownCounter

	// SessionStarts counts start attempts. Use with attribute:
	//   attribute.String("result", "ok"|"config_error"|"device_error"|"transport_error"|"stopped"|"error")
	SessionStarts metric.Int64Counter

	// ConnectDuration tracks the time from dialing the endpoint until the
	// session is acknowledged.
	ConnectDuration metric.Float64Histogram

	// --- Capture ---

	// FramesSent counts outbound frames delivered to the endpoint.
	FramesSent metric.Int64Counter

	// FramesDropped counts outbound frames evicted by the bounded queue.
	FramesDropped metric.Int64Counter

	// --- Playback ---

	// ChunksScheduled counts inbound audio chunks placed on the output clock.
	ChunksScheduled metric.Int64Counter

	// DecodeErrors counts malformed inbound audio chunks.
	DecodeErrors metric.Int64Counter

	// Resyncs counts chunks that arrived after the previous chunk had
	// finished and were started at "now".
	Resyncs metric.Int64Counter

	// --- Transcript / transport ---

	// TranscriptDeltas counts transcription deltas. Use with attribute:
	//   attribute.String("role", ...)
	TranscriptDeltas metric.Int64Counter

	// TransportErrors counts fatal transport errors. Use with attribute:
	//   attribute.String("provider", ...)
	TransportErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection and request latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveSessions, err = m.Int64UpDownCounter("postvoz.live.sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionStarts, err = m.Int64Counter("postvoz.live.session_starts",
		metric.WithDescription("Total session start attempts by result."),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("postvoz.live.connect.duration",
		metric.WithDescription("Latency from dial until the endpoint acknowledged the session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.FramesSent, err = m.Int64Counter("postvoz.capture.frames_sent",
		metric.WithDescription("Total outbound audio frames sent."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("postvoz.capture.frames_dropped",
		metric.WithDescription("Total outbound audio frames dropped by the send queue."),
	); err != nil {
		return nil, err
	}

	if met.ChunksScheduled, err = m.Int64Counter("postvoz.playback.chunks_scheduled",
		metric.WithDescription("Total inbound audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("postvoz.playback.decode_errors",
		metric.WithDescription("Total malformed inbound audio chunks."),
	); err != nil {
		return nil, err
	}
	if met.Resyncs, err = m.Int64Counter("postvoz.playback.resyncs",
		metric.WithDescription("Total chunks resynchronised to the current output time."),
	); err != nil {
		return nil, err
	}

	if met.TranscriptDeltas, err = m.Int64Counter("postvoz.transcript.deltas",
		metric.WithDescription("Total transcription deltas by role."),
	); err != nil {
		return nil, err
	}
	if met.TransportErrors, err = m.Int64Counter("postvoz.transport.errors",
		metric.WithDescription("Total fatal transport errors by provider."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("postvoz.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
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

// RecordSessionStart records one start attempt with its result.
func (m *Metrics) RecordSessionStart(ctx context.Context, result string) {
	m.SessionStarts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordTranscriptDelta records one transcription delta for role.
func (m *Metrics) RecordTranscriptDelta(ctx context.Context, role string) {
	m.TranscriptDeltas.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// RecordTransportError records one fatal transport error for provider.
func (m *Metrics) RecordTransportError(ctx context.Context, provider string) {
	m.TransportErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}
