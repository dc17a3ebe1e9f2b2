// Package observe provides application-wide observability primitives for
// the voxlate gateway: OpenTelemetry metrics, distributed tracing, structured
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxlate metrics.
const meterName = "github.com/voxlate/voxlate"

// Metrics holds all OpenTelemetry metric instruments for the gateway.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Counters ---

	// IngressFrames counts inbound call-platform frames. Use with attribute:
	//   attribute.String("type", ...) — audio, audio.commit, control
	IngressFrames metric.Int64Counter

	// EmittedFrames counts paced outbound audio frames. Use with attribute:
	//   attribute.String("kind", ...) — audio, silence
	EmittedFrames metric.Int64Counter

	// BusOverflows counts items rejected or evicted by a full handler queue.
	// Use with attributes:
	//   attribute.String("bus", ...), attribute.String("slot", ...), attribute.String("policy", ...)
	BusOverflows metric.Int64Counter

	// BargeIns counts gate engagements. Use with attribute:
	//   attribute.String("mode", ...)
	BargeIns metric.Int64Counter

	// Reconnects counts WebSocket reconnect attempts. Use with attributes:
	//   attribute.String("adapter", ...), attribute.String("status", ...)
	Reconnects metric.Int64Counter

	// ProviderEvents counts normalized provider output events. Use with
	// attributes:
	//   attribute.String("provider", ...), attribute.String("type", ...)
	ProviderEvents metric.Int64Counter

	// ProviderErrors counts provider-reported and normalization errors. Use
	// with attribute:
	//   attribute.String("provider", ...)
	ProviderErrors metric.Int64Counter

	// --- Histograms ---

	// TickLag tracks how far behind its deadline each emitter tick fired.
	TickLag metric.Float64Histogram

	// DrainDuration tracks how long audio.done drains waited for buffered
	// frames to play out.
	DrainDuration metric.Float64Histogram

	// --- Gauges ---

	// ActiveSessions tracks the number of live call sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveStreams tracks the number of open playout streams across all
	// sessions.
	ActiveStreams metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// tickLagBuckets defines histogram bucket boundaries (in seconds) sized for a
// 20ms frame clock: sub-millisecond lags are normal, anything beyond one
// frame period is trouble.
var tickLagBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1,
}

// drainBuckets defines histogram bucket boundaries (in seconds) for
// audio.done drain waits.
var drainBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.IngressFrames, err = m.Int64Counter("voxlate.ingress.frames",
		metric.WithDescription("Total inbound call-platform frames by type."),
	); err != nil {
		return nil, err
	}
	if met.EmittedFrames, err = m.Int64Counter("voxlate.playout.frames",
		metric.WithDescription("Total paced outbound audio frames by kind."),
	); err != nil {
		return nil, err
	}
	if met.BusOverflows, err = m.Int64Counter("voxlate.bus.overflows",
		metric.WithDescription("Total items rejected or evicted by full handler queues."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voxlate.gate.barge_ins",
		metric.WithDescription("Total barge-in gate engagements by mode."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("voxlate.ws.reconnects",
		metric.WithDescription("Total WebSocket reconnect attempts by adapter and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderEvents, err = m.Int64Counter("voxlate.provider.events",
		metric.WithDescription("Total normalized provider output events by provider and type."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voxlate.provider.errors",
		metric.WithDescription("Total provider errors by provider."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.TickLag, err = m.Float64Histogram("voxlate.playout.tick_lag",
		metric.WithDescription("Lag between an emitter tick's deadline and when it fired."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(tickLagBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DrainDuration, err = m.Float64Histogram("voxlate.playout.drain.duration",
		metric.WithDescription("Duration of audio.done drain waits."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(drainBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxlate.active_sessions",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("voxlate.active_streams",
		metric.WithDescription("Number of open playout streams across all sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxlate.http.request.duration",
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

// RecordIngressFrame records one inbound frame of the given type.
func (m *Metrics) RecordIngressFrame(ctx context.Context, frameType string) {
	m.IngressFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", frameType)),
	)
}

// RecordBusOverflow records one queue overflow on the named bus and slot.
func (m *Metrics) RecordBusOverflow(ctx context.Context, busName, slot, policy string) {
	m.BusOverflows.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("bus", busName),
			attribute.String("slot", slot),
			attribute.String("policy", policy),
		),
	)
}

// RecordBargeIn records one gate engagement in the given mode.
func (m *Metrics) RecordBargeIn(ctx context.Context, mode string) {
	m.BargeIns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("mode", mode)),
	)
}

// RecordReconnect records one reconnect attempt for the named adapter.
func (m *Metrics) RecordReconnect(ctx context.Context, adapter, status string) {
	m.Reconnects.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("adapter", adapter),
			attribute.String("status", status),
		),
	)
}

// RecordProviderEvent records one normalized provider output event.
func (m *Metrics) RecordProviderEvent(ctx context.Context, provider, eventType string) {
	m.ProviderEvents.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("type", eventType),
		),
	)
}

// RecordProviderError records one provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}
