// Package observe provides application-wide observability primitives for the
// voice bridge: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all bridge metrics.
const meterName = "github.com/kombalarasoftware-cmd/cenaniVoice-sub001"

// Metrics holds all OpenTelemetry metric instruments for the bridge.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Gauges ---

	// ActiveCalls tracks the number of calls currently in flight.
	ActiveCalls metric.Int64UpDownCounter

	// --- Counters ---

	// FramesIn counts audio frames received from the telephony side, by
	// provider.
	FramesIn metric.Int64Counter

	// FramesOut counts audio frames sent back to the telephony side, by
	// provider.
	FramesOut metric.Int64Counter

	// BargeIns counts caller interruptions of agent speech, by provider.
	BargeIns metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// Reconnects counts provider WebSocket reconnect attempts, by provider
	// and outcome.
	Reconnects metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Histograms ---

	// CallDuration tracks total call length in seconds, by provider.
	CallDuration metric.Float64Histogram

	// ConnectDuration tracks provider session handshake latency.
	ConnectDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// connectBuckets defines handshake latency boundaries (in seconds).
var connectBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callBuckets defines call duration boundaries (in seconds); calls run from
// a few seconds to many minutes.
var callBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveCalls, err = m.Int64UpDownCounter("bridge.active_calls",
		metric.WithDescription("Number of calls currently in flight."),
	); err != nil {
		return nil, err
	}

	if met.FramesIn, err = m.Int64Counter("bridge.frames.in",
		metric.WithDescription("Audio frames received from the telephony side."),
	); err != nil {
		return nil, err
	}
	if met.FramesOut, err = m.Int64Counter("bridge.frames.out",
		metric.WithDescription("Audio frames sent to the telephony side."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("bridge.barge_ins",
		metric.WithDescription("Caller interruptions of agent speech."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("bridge.tool.calls",
		metric.WithDescription("Tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("bridge.provider.reconnects",
		metric.WithDescription("Provider WebSocket reconnect attempts by provider and outcome."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("bridge.provider.errors",
		metric.WithDescription("Provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.CallDuration, err = m.Float64Histogram("bridge.call.duration",
		metric.WithDescription("Total call length."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("bridge.provider.connect.duration",
		metric.WithDescription("Provider session handshake latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(connectBuckets...),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("bridge.http.request.duration",
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

// RecordFrameIn counts one inbound audio frame.
func (m *Metrics) RecordFrameIn(ctx context.Context, provider string) {
	m.FramesIn.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordFrameOut counts one outbound audio frame.
func (m *Metrics) RecordFrameOut(ctx context.Context, provider string) {
	m.FramesOut.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordBargeIn counts one caller interruption.
func (m *Metrics) RecordBargeIn(ctx context.Context, provider string) {
	m.BargeIns.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordToolCall records a tool invocation with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordReconnect records a provider reconnect attempt and its outcome.
func (m *Metrics) RecordReconnect(ctx context.Context, provider, outcome string) {
	m.Reconnects.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordProviderError records a provider error with the standard attribute
// set.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordCall records one finished call's duration.
func (m *Metrics) RecordCall(ctx context.Context, provider string, d time.Duration) {
	m.CallDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordConnect records one provider handshake's latency.
func (m *Metrics) RecordConnect(ctx context.Context, provider string, d time.Duration) {
	m.ConnectDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("provider", provider)))
}
