// Package observe provides application-wide observability primitives for the
// NPC engagement engine: OpenTelemetry metrics, distributed tracing,
// structured logging, and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all npcrelay metrics.
const meterName = "github.com/briarhollow/npcrelay"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// LLMDuration tracks LLM completion latency.
	LLMDuration metric.Float64Histogram

	// TickDuration tracks how long a single state-machine tick took to run,
	// including any decision-layer scoring it performed.
	TickDuration metric.Float64Histogram

	// StateDwellDuration tracks how long the engine spent in a state before
	// transitioning out of it. Use with attribute.String("state", ...).
	StateDwellDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// DecisionsTotal counts every decision-layer verdict. Use with attributes:
	//   attribute.Bool("respond", ...), attribute.String("reason", ...)
	DecisionsTotal metric.Int64Counter

	// StateTransitionsTotal counts state-machine transitions. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...), attribute.String("reason", ...)
	StateTransitionsTotal metric.Int64Counter

	// BufferUtterancesTotal counts utterances ingested into the message
	// buffer. Use with attribute.String("outcome", ...) ("ingested",
	// "evicted_per_speaker", "evicted_global", "expired").
	BufferUtterancesTotal metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// MemoryEntriesActive tracks the number of memory entries currently held
	// by the memory store.
	MemoryEntriesActive metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) suited to
// both sub-second tick/decision work and multi-second LLM completions.
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
	if met.LLMDuration, err = m.Float64Histogram("npcrelay.llm.duration",
		metric.WithDescription("Latency of LLM completion calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TickDuration, err = m.Float64Histogram("npcrelay.tick.duration",
		metric.WithDescription("Duration of a single engine tick."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StateDwellDuration, err = m.Float64Histogram("npcrelay.state.dwell_duration",
		metric.WithDescription("Time spent in a state before transitioning out of it."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("npcrelay.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("npcrelay.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.DecisionsTotal, err = m.Int64Counter("npcrelay.decisions.total",
		metric.WithDescription("Total decision-layer verdicts by respond/reason."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitionsTotal, err = m.Int64Counter("npcrelay.state.transitions_total",
		metric.WithDescription("Total state-machine transitions by from/to/reason."),
	); err != nil {
		return nil, err
	}
	if met.BufferUtterancesTotal, err = m.Int64Counter("npcrelay.buffer.utterances_total",
		metric.WithDescription("Total utterances ingested into the message buffer by outcome."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("npcrelay.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.MemoryEntriesActive, err = m.Int64UpDownCounter("npcrelay.memory.entries_active",
		metric.WithDescription("Number of memory entries currently held by the memory store."),
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

// RecordDecision is a convenience method that records a decision-layer
// verdict. reason is the Decision's Reason field ("" for a respond verdict).
func (m *Metrics) RecordDecision(ctx context.Context, respond bool, reason string) {
	m.DecisionsTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.Bool("respond", respond),
			attribute.String("reason", reason),
		),
	)
}

// RecordStateTransition is a convenience method that records a state-machine
// transition.
func (m *Metrics) RecordStateTransition(ctx context.Context, from, to, reason string) {
	m.StateTransitionsTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
			attribute.String("reason", reason),
		),
	)
}

// RecordBufferOutcome is a convenience method that records a message-buffer
// ingest outcome.
func (m *Metrics) RecordBufferOutcome(ctx context.Context, outcome string) {
	m.BufferUtterancesTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}
