// Package observe provides the observability primitives for visionvoice:
// OpenTelemetry metrics and tracing plus HTTP middleware that ties them
// together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus by [InitProvider], so they can be scraped from /metrics. A
// package-level [Metrics] instance ([DefaultMetrics]) backs components that
// are not handed one explicitly; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/MrWong99/visionvoice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// FrameDuration tracks end-to-end per-frame pipeline latency.
	FrameDuration metric.Float64Histogram

	// DetectDuration tracks object detection latency.
	DetectDuration metric.Float64Histogram

	// TTSDuration tracks speech synthesis latency. Use with attribute:
	//   attribute.String("engine", ...)
	TTSDuration metric.Float64Histogram

	// PlaybackDuration tracks how long one audio item occupies the device.
	PlaybackDuration metric.Float64Histogram

	// --- Counters ---

	// Events counts bus traffic. Use with attributes:
	//   attribute.String("stage", "published"|"dispatched"|"dropped"), attribute.String("type", ...)
	Events metric.Int64Counter

	// HandlerFailures counts event handlers that returned an error or panicked.
	HandlerFailures metric.Int64Counter

	// FrameErrors counts frames discarded because a pipeline stage failed.
	FrameErrors metric.Int64Counter

	// CacheLookups counts speech cache lookups. Use with attribute:
	//   attribute.String("result", "hit"|"miss"|"error")
	CacheLookups metric.Int64Counter

	// SynthRequests counts synthesis attempts. Use with attributes:
	//   attribute.String("engine", ...), attribute.String("status", ...)
	SynthRequests metric.Int64Counter

	// SpeechDropped counts utterances that never reached the playback queue.
	// Use with attribute:
	//   attribute.String("reason", "backlog_full"|"synthesis"|"stopped")
	SpeechDropped metric.Int64Counter

	// ResolutionChanges counts adaptive resolution steps. Use with attribute:
	//   attribute.String("direction", "reduce"|"increase")
	ResolutionChanges metric.Int64Counter

	// --- Gauges ---

	// QueueDepth tracks audio items waiting for playback.
	QueueDepth metric.Int64UpDownCounter

	// WorkingPixels reports the current working resolution in pixels.
	WorkingPixels metric.Int64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) tuned for
// frame and synthesis latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histogram := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}

	if met.FrameDuration, err = histogram("visionvoice.frame.duration",
		"End-to-end latency of one frame through the pipeline."); err != nil {
		return nil, err
	}
	if met.DetectDuration, err = histogram("visionvoice.detect.duration",
		"Latency of object detection."); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = histogram("visionvoice.tts.duration",
		"Latency of speech synthesis by engine."); err != nil {
		return nil, err
	}
	if met.PlaybackDuration, err = histogram("visionvoice.playback.duration",
		"Time spent playing one audio item."); err != nil {
		return nil, err
	}

	if met.Events, err = m.Int64Counter("visionvoice.eventbus.events",
		metric.WithDescription("Event bus traffic by stage and event type."),
	); err != nil {
		return nil, err
	}
	if met.HandlerFailures, err = m.Int64Counter("visionvoice.eventbus.handler_failures",
		metric.WithDescription("Event handlers that returned an error or panicked."),
	); err != nil {
		return nil, err
	}
	if met.FrameErrors, err = m.Int64Counter("visionvoice.frame.errors",
		metric.WithDescription("Frames discarded after a stage failure."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("visionvoice.speech.cache_lookups",
		metric.WithDescription("Speech cache lookups by result."),
	); err != nil {
		return nil, err
	}
	if met.SynthRequests, err = m.Int64Counter("visionvoice.tts.requests",
		metric.WithDescription("Synthesis attempts by engine and status."),
	); err != nil {
		return nil, err
	}
	if met.SpeechDropped, err = m.Int64Counter("visionvoice.speech.dropped",
		metric.WithDescription("Utterances dropped before playback by reason."),
	); err != nil {
		return nil, err
	}
	if met.ResolutionChanges, err = m.Int64Counter("visionvoice.adaptive.resolution_changes",
		metric.WithDescription("Adaptive working-resolution steps by direction."),
	); err != nil {
		return nil, err
	}

	if met.QueueDepth, err = m.Int64UpDownCounter("visionvoice.speech.queue_depth",
		metric.WithDescription("Audio items waiting for playback."),
	); err != nil {
		return nil, err
	}
	if met.WorkingPixels, err = m.Int64Gauge("visionvoice.adaptive.working_pixels",
		metric.WithDescription("Current working resolution in pixels."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("visionvoice.http.request.duration",
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
// fails, which does not happen with the global provider.
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

// Attr is a shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordEvent counts one bus event at the given stage.
func (m *Metrics) RecordEvent(ctx context.Context, stage, eventType string) {
	m.Events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("type", eventType),
	))
}

// RecordHandlerFailure counts one failed event handler.
func (m *Metrics) RecordHandlerFailure(ctx context.Context, eventType string) {
	m.HandlerFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// RecordCacheLookup counts one speech cache lookup.
func (m *Metrics) RecordCacheLookup(ctx context.Context, result string) {
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordSynth counts one synthesis attempt and records its latency.
func (m *Metrics) RecordSynth(ctx context.Context, engine, status string, seconds float64) {
	m.SynthRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("engine", engine),
		attribute.String("status", status),
	))
	m.TTSDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("engine", engine)))
}

// RecordSpeechDropped counts one utterance that will never be played.
func (m *Metrics) RecordSpeechDropped(ctx context.Context, reason string) {
	m.SpeechDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordResolution counts a resolution step and updates the working-size gauge.
func (m *Metrics) RecordResolution(ctx context.Context, direction string, pixels int) {
	m.ResolutionChanges.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
	m.WorkingPixels.Record(ctx, int64(pixels))
}
