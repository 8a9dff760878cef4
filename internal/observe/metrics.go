// Package observe provides application-wide observability primitives for
// murmur: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
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

// meterName is the instrumentation scope name used for all murmur metrics.
const meterName = "github.com/MrWong99/murmur"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// UtteranceDuration tracks the length of recorded utterances. Use with
	// attribute.String("outcome", "speech"|"max"|"timeout").
	UtteranceDuration metric.Float64Histogram

	// STTDuration tracks recognizer round-trip latency.
	STTDuration metric.Float64Histogram

	// SynthDuration tracks how long the renderer took per request.
	SynthDuration metric.Float64Histogram

	// PlaybackDuration tracks how long the player ran per request.
	PlaybackDuration metric.Float64Histogram

	// SpeechTurnDuration tracks a full client-side speech turn, from publish
	// to terminal status or timeout.
	SpeechTurnDuration metric.Float64Histogram

	// WakeInferenceDuration tracks a single wake-word model evaluation.
	WakeInferenceDuration metric.Float64Histogram

	// --- Counters ---

	// WakeDetections counts wake-word triggers. Use with
	// attribute.String("mode", "wait"|"poll").
	WakeDetections metric.Int64Counter

	// TTSStatuses counts published speech statuses. Use with
	// attribute.String("state", ...).
	TTSStatuses metric.Int64Counter

	// TTSDuplicates counts speak requests dropped as duplicates.
	TTSDuplicates metric.Int64Counter

	// BargeIns counts speech turns interrupted by the wake word.
	BargeIns metric.Int64Counter

	// LocalFallbacks counts speech turns rendered without the engine.
	LocalFallbacks metric.Int64Counter

	// CaptureDropped counts device blocks discarded while capture was muted.
	CaptureDropped metric.Int64Counter

	// --- Error counters ---

	// BusErrors counts message channel publish failures. Use with
	// attribute.String("topic", ...).
	BusErrors metric.Int64Counter

	// --- Gauges ---

	// TTSQueueDepth tracks speak requests waiting for the engine worker.
	TTSQueueDepth metric.Int64UpDownCounter

	// HTTPRequestDuration times diagnostics requests, labelled with the
	// matched "route" and the response "status".
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// speechBuckets covers spoken lengths, which run longer than stage latencies.
var speechBuckets = []float64{
	0.25, 0.5, 1, 2, 3, 5, 8, 12, 20, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.UtteranceDuration, err = m.Float64Histogram("murmur.utterance.duration",
		metric.WithDescription("Length of recorded user utterances."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(speechBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTDuration, err = m.Float64Histogram("murmur.stt.duration",
		metric.WithDescription("Latency of speech recognition requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthDuration, err = m.Float64Histogram("murmur.tts.synth.duration",
		metric.WithDescription("Latency of speech rendering."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackDuration, err = m.Float64Histogram("murmur.tts.playback.duration",
		metric.WithDescription("Length of speech playback."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(speechBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SpeechTurnDuration, err = m.Float64Histogram("murmur.speech_turn.duration",
		metric.WithDescription("Length of a client speech turn from request to terminal status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(speechBuckets...),
	); err != nil {
		return nil, err
	}
	if met.WakeInferenceDuration, err = m.Float64Histogram("murmur.wake.inference.duration",
		metric.WithDescription("Latency of one wake-word model evaluation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.WakeDetections, err = m.Int64Counter("murmur.wake.detections",
		metric.WithDescription("Total wake-word detections by mode."),
	); err != nil {
		return nil, err
	}
	if met.TTSStatuses, err = m.Int64Counter("murmur.tts.statuses",
		metric.WithDescription("Total speech statuses published by state."),
	); err != nil {
		return nil, err
	}
	if met.TTSDuplicates, err = m.Int64Counter("murmur.tts.duplicates",
		metric.WithDescription("Total speak requests dropped as duplicates."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("murmur.barge_ins",
		metric.WithDescription("Total speech turns interrupted by the wake word."),
	); err != nil {
		return nil, err
	}
	if met.LocalFallbacks, err = m.Int64Counter("murmur.tts.local_fallbacks",
		metric.WithDescription("Total speech turns rendered locally without the engine."),
	); err != nil {
		return nil, err
	}
	if met.CaptureDropped, err = m.Int64Counter("murmur.capture.dropped",
		metric.WithDescription("Total capture blocks dropped while muted."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.BusErrors, err = m.Int64Counter("murmur.bus.errors",
		metric.WithDescription("Total message channel publish failures by topic."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.TTSQueueDepth, err = m.Int64UpDownCounter("murmur.tts.queue_depth",
		metric.WithDescription("Number of speak requests waiting for the engine worker."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("murmur.diagnostics.request.duration",
		metric.WithDescription("Diagnostics request latency by route and status."),
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

// RecordWakeDetection counts one wake-word trigger for mode.
func (m *Metrics) RecordWakeDetection(ctx context.Context, mode string) {
	m.WakeDetections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("mode", mode)),
	)
}

// RecordTTSStatus counts one published status.
func (m *Metrics) RecordTTSStatus(ctx context.Context, state string) {
	m.TTSStatuses.Add(ctx, 1,
		metric.WithAttributes(attribute.String("state", state)),
	)
}

// RecordUtterance records the length of a recorded utterance.
func (m *Metrics) RecordUtterance(ctx context.Context, seconds float64, outcome string) {
	m.UtteranceDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordBusError counts one failed publish on topic.
func (m *Metrics) RecordBusError(ctx context.Context, topic string) {
	m.BusErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("topic", topic)),
	)
}
