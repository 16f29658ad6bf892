// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics, tracing helpers, structured-logging utilities, and
// HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/TheGitCommit/voice-assistant"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TTFA tracks time-to-first-audio: utterance end to the first
	// synthesized audio byte queued for egress. The headline latency.
	TTFA metric.Float64Histogram

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// LLMFirstToken tracks latency from request to first streamed token.
	LLMFirstToken metric.Float64Histogram

	// LLMDuration tracks full LLM stream latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks per-clause text-to-speech synthesis latency. Use
	// with attribute.String("engine", ...).
	TTSDuration metric.Float64Histogram

	// RoundDuration tracks end-to-end round latency (utterance end to
	// tts_stop).
	RoundDuration metric.Float64Histogram

	// --- Counters ---

	// Rounds counts assistant rounds. Use with attributes:
	//   attribute.String("kind", "voice"|"text"), attribute.String("status", "completed"|"interrupted"|"failed"|"empty")
	Rounds metric.Int64Counter

	// QueueDrops counts frames dropped on queue overflow. Use with attributes:
	//   attribute.String("queue", "ingress"|"egress"), attribute.String("policy", "oldest"|"new")
	QueueDrops metric.Int64Counter

	// BargeIns counts utterances arriving during playback. Use with attribute:
	//   attribute.String("action", "keyword"|"buffered"|"dropped")
	BargeIns metric.Int64Counter

	// Interrupts counts round interruptions. Use with attribute:
	//   attribute.String("reason", "keyword"|"client")
	Interrupts metric.Int64Counter

	// LlamaRestarts counts supervised llama.cpp subprocess restarts.
	LlamaRestarts metric.Int64Counter

	// --- Gauges ---

	// ActiveConnections tracks the number of live WebSocket connections.
	ActiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TTFA, err = m.Float64Histogram("voice_assistant.ttfa",
		metric.WithDescription("Time from utterance end to first synthesized audio byte queued."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTDuration, err = m.Float64Histogram("voice_assistant.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMFirstToken, err = m.Float64Histogram("voice_assistant.llm.first_token",
		metric.WithDescription("Latency from LLM request to first streamed token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("voice_assistant.llm.duration",
		metric.WithDescription("Latency of the full LLM stream."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("voice_assistant.tts.duration",
		metric.WithDescription("Per-clause text-to-speech synthesis latency by engine."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RoundDuration, err = m.Float64Histogram("voice_assistant.round.duration",
		metric.WithDescription("End-to-end round latency, utterance end to tts_stop."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Rounds, err = m.Int64Counter("voice_assistant.rounds",
		metric.WithDescription("Total assistant rounds by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.QueueDrops, err = m.Int64Counter("voice_assistant.queue.drops",
		metric.WithDescription("Frames dropped on queue overflow by queue and policy."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voice_assistant.barge_ins",
		metric.WithDescription("Utterances arriving during playback by action taken."),
	); err != nil {
		return nil, err
	}
	if met.Interrupts, err = m.Int64Counter("voice_assistant.interrupts",
		metric.WithDescription("Round interruptions by reason."),
	); err != nil {
		return nil, err
	}
	if met.LlamaRestarts, err = m.Int64Counter("voice_assistant.llama.restarts",
		metric.WithDescription("Supervised llama.cpp subprocess restarts."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConnections, err = m.Int64UpDownCounter("voice_assistant.active_connections",
		metric.WithDescription("Number of live WebSocket connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voice_assistant.http.request.duration",
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

// RecordRound is a convenience method that records a completed round with the
// standard attribute set.
func (m *Metrics) RecordRound(ctx context.Context, kind, status string) {
	m.Rounds.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordQueueDrop is a convenience method that records a queue overflow drop.
func (m *Metrics) RecordQueueDrop(ctx context.Context, queue, policy string) {
	m.QueueDrops.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("queue", queue),
			attribute.String("policy", policy),
		),
	)
}

// RecordBargeIn is a convenience method that records an utterance arriving
// during playback and the action taken on it.
func (m *Metrics) RecordBargeIn(ctx context.Context, action string) {
	m.BargeIns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("action", action)),
	)
}

// RecordInterrupt is a convenience method that records a round interruption.
func (m *Metrics) RecordInterrupt(ctx context.Context, reason string) {
	m.Interrupts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}
