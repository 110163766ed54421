// Package observe provides application-wide observability primitives for
// lessonscribe: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all lessonscribe metrics.
const meterName = "github.com/MrWong99/lessonscribe"

// Recording outcomes used with [Metrics.RecordRecording].
const (
	OutcomeFinished  = "finished"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Transcript reconciliation ---

	// TokenBatches counts token batches received. Use with attribute:
	//   attribute.String("provider", ...)
	TokenBatches metric.Int64Counter

	// FinalTokens counts final tokens folded into transcripts.
	FinalTokens metric.Int64Counter

	// DuplicateFinals counts re-emitted final tokens that were dropped.
	DuplicateFinals metric.Int64Counter

	// --- Recording lifecycle ---

	// Recordings counts ended recordings. Use with attribute:
	//   attribute.String("outcome", "finished"|"failed"|"cancelled")
	Recordings metric.Int64Counter

	// ActiveRecordings tracks recordings between start and their end.
	ActiveRecordings metric.Int64UpDownCounter

	// RecordingDuration tracks the live duration of finished recordings.
	RecordingDuration metric.Float64Histogram

	// ConnectDuration tracks the time from start request until the
	// transcription session reported started.
	ConnectDuration metric.Float64Histogram

	// MixerAutoStops counts mixers that stopped on their own. Use with
	// attribute:
	//   attribute.String("reason", ...)
	MixerAutoStops metric.Int64Counter

	// --- Providers ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

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

// lessonBuckets defines histogram bucket boundaries (in seconds) for
// recording lengths, from a short check to a double period.
var lessonBuckets = []float64{
	30, 60, 300, 600, 1200, 1800, 2700, 3600, 5400, 7200,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Transcript counters.
	if met.TokenBatches, err = m.Int64Counter("lessonscribe.transcript.token_batches",
		metric.WithDescription("Token batches received from the transcription stream."),
	); err != nil {
		return nil, err
	}
	if met.FinalTokens, err = m.Int64Counter("lessonscribe.transcript.final_tokens",
		metric.WithDescription("Final tokens folded into transcripts."),
	); err != nil {
		return nil, err
	}
	if met.DuplicateFinals, err = m.Int64Counter("lessonscribe.transcript.duplicate_finals",
		metric.WithDescription("Re-emitted final tokens dropped by the accumulator."),
	); err != nil {
		return nil, err
	}

	// Recording lifecycle.
	if met.Recordings, err = m.Int64Counter("lessonscribe.recordings",
		metric.WithDescription("Ended recordings by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRecordings, err = m.Int64UpDownCounter("lessonscribe.active_recordings",
		metric.WithDescription("Number of recordings in progress."),
	); err != nil {
		return nil, err
	}
	if met.RecordingDuration, err = m.Float64Histogram("lessonscribe.recording.duration",
		metric.WithDescription("Live duration of finished recordings."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(lessonBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("lessonscribe.connect.duration",
		metric.WithDescription("Time from start request until the transcription session started."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MixerAutoStops, err = m.Int64Counter("lessonscribe.mixer.auto_stops",
		metric.WithDescription("Mixers that stopped on their own, by reason."),
	); err != nil {
		return nil, err
	}

	// Providers.
	if met.ProviderRequests, err = m.Int64Counter("lessonscribe.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("lessonscribe.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("lessonscribe.http.request.duration",
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

// RecordTokenBatch records one token batch and its final-token counts.
func (m *Metrics) RecordTokenBatch(ctx context.Context, provider string, finals, duplicates int) {
	attrs := metric.WithAttributes(attribute.String("provider", provider))
	m.TokenBatches.Add(ctx, 1, attrs)
	if finals > 0 {
		m.FinalTokens.Add(ctx, int64(finals), attrs)
	}
	if duplicates > 0 {
		m.DuplicateFinals.Add(ctx, int64(duplicates), attrs)
	}
}

// RecordRecording records the end of a recording. d is recorded only for
// finished recordings.
func (m *Metrics) RecordRecording(ctx context.Context, outcome string, d time.Duration) {
	m.Recordings.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if outcome == OutcomeFinished && d > 0 {
		m.RecordingDuration.Record(ctx, d.Seconds())
	}
}

// RecordMixerAutoStop records a mixer that stopped itself.
func (m *Metrics) RecordMixerAutoStop(ctx context.Context, reason string) {
	m.MixerAutoStops.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
