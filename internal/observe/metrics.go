// Package observe provides application-wide observability primitives for
// parley: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long a full session connect takes, from
	// instructions update to the greeting being sent.
	ConnectDuration metric.Float64Histogram

	// EvaluationDuration tracks scoring latency.
	EvaluationDuration metric.Float64Histogram

	// --- Counters ---

	// ConnectAttempts counts session connects. Use with attributes:
	//   attribute.String("status", ...), attribute.String("kind", ...)
	ConnectAttempts metric.Int64Counter

	// Turns counts completed user turns. Use with attribute:
	//   attribute.String("scenario", ...)
	Turns metric.Int64Counter

	// Conversations counts conversations that reached evaluation. Use with
	// attribute:
	//   attribute.String("scenario", ...)
	Conversations metric.Int64Counter

	// --- Error counters ---

	// SessionErrors counts non-fatal errors reported by live sessions.
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of connected realtime sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveClients tracks the number of open browser sockets.
	ActiveClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// SocketDuration tracks how long practice WebSockets stay open.
	SocketDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connect and scoring latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("parley.session.connect.duration",
		metric.WithDescription("Latency of a full session connect."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EvaluationDuration, err = m.Float64Histogram("parley.evaluation.duration",
		metric.WithDescription("Latency of conversation scoring."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ConnectAttempts, err = m.Int64Counter("parley.session.connects",
		metric.WithDescription("Total session connects by status and failure kind."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("parley.conversation.turns",
		metric.WithDescription("Total completed user turns by scenario."),
	); err != nil {
		return nil, err
	}
	if met.Conversations, err = m.Int64Counter("parley.conversations.completed",
		metric.WithDescription("Total conversations that reached evaluation by scenario."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.SessionErrors, err = m.Int64Counter("parley.session.errors",
		metric.WithDescription("Total non-fatal errors reported by live sessions."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of connected realtime sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveClients, err = m.Int64UpDownCounter("parley.active_clients",
		metric.WithDescription("Number of open browser sockets."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.SocketDuration, err = m.Float64Histogram("parley.http.socket.duration",
		metric.WithDescription("Lifetime of practice WebSockets."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 10, 30, 60, 120, 300, 600, 1800),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics   atomic.Pointer[Metrics]
	defaultMetricsMu sync.Mutex
)

// DefaultMetrics returns the package-level [Metrics], creating it from
// [otel.GetMeterProvider] on first use. [InitProvider] replaces it with one
// bound to the configured provider. Panics if instrument creation fails,
// which does not happen with a well-formed provider.
func DefaultMetrics() *Metrics {
	if m := defaultMetrics.Load(); m != nil {
		return m
	}
	defaultMetricsMu.Lock()
	defer defaultMetricsMu.Unlock()
	if m := defaultMetrics.Load(); m != nil {
		return m
	}
	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		panic("observe: failed to create default metrics: " + err.Error())
	}
	defaultMetrics.Store(m)
	return m
}

func setDefaultMetrics(m *Metrics) { defaultMetrics.Store(m) }

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordConnect records a connect attempt. kind is empty on success.
func (m *Metrics) RecordConnect(ctx context.Context, status, kind string) {
	m.ConnectAttempts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("status", status),
			attribute.String("kind", kind),
		),
	)
}

// RecordTurn records one completed user turn.
func (m *Metrics) RecordTurn(ctx context.Context, scenario string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("scenario", scenario)),
	)
}

// RecordConversation records a conversation that reached evaluation.
func (m *Metrics) RecordConversation(ctx context.Context, scenario string) {
	m.Conversations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("scenario", scenario)),
	)
}

// RecordSessionError records a non-fatal session error.
func (m *Metrics) RecordSessionError(ctx context.Context) {
	m.SessionErrors.Add(ctx, 1)
}
