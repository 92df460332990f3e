// Package observe provides application-wide observability primitives for
// forja: OpenTelemetry metrics, tracing, trace-aware structured logging, and
// HTTP middleware for the ops endpoint.
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all forja metrics.
const meterName = "github.com/doumen/vana-forja"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// OracleDuration tracks one oracle call including retries. Attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	OracleDuration metric.Float64Histogram

	// StageDuration tracks pipeline stage latency. Attribute:
	//   attribute.String("stage", ...)
	StageDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts oracle calls that reached a provider.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider failures by provider and kind
	// ("transient", "invalid", "budget", "exhausted").
	ProviderErrors metric.Int64Counter

	// CacheLookups counts response cache lookups by result ("hit", "miss",
	// "expired").
	CacheLookups metric.Int64Counter

	// SpendUSD accumulates committed oracle spend by provider.
	SpendUSD metric.Float64Counter

	// BudgetRejections counts requests refused by the spend gate, by period.
	BudgetRejections metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes by provider and
	// target state.
	BreakerTransitions metric.Int64Counter

	// MarkerDivergences counts stages whose output marker count differs from
	// its input, by stage.
	MarkerDivergences metric.Int64Counter

	// Documents counts finished documents by final status.
	Documents metric.Int64Counter

	// --- Gauges ---

	// ChunksInFlight tracks chunks currently awaiting an oracle answer.
	ChunksInFlight metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks ops endpoint request time. Attributes:
	//   attribute.String("method", ...), attribute.String("path", ...),
	//   attribute.String("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// oracleBuckets covers LLM editing latencies (in seconds), which run from
// sub-second cache-warm calls to multi-minute long chunks.
var oracleBuckets = []float64{
	0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.OracleDuration, err = m.Float64Histogram("forja.oracle.duration",
		metric.WithDescription("Latency of one oracle edit call including retries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(oracleBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StageDuration, err = m.Float64Histogram("forja.stage.duration",
		metric.WithDescription("Latency of a document pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(oracleBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("forja.provider.requests",
		metric.WithDescription("Total oracle provider requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("forja.provider.errors",
		metric.WithDescription("Total oracle failures by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("forja.oracle.cache.lookups",
		metric.WithDescription("Response cache lookups by result."),
	); err != nil {
		return nil, err
	}
	if met.SpendUSD, err = m.Float64Counter("forja.oracle.spend",
		metric.WithDescription("Committed oracle spend by provider."),
		metric.WithUnit("USD"),
	); err != nil {
		return nil, err
	}
	if met.BudgetRejections, err = m.Int64Counter("forja.oracle.budget.rejections",
		metric.WithDescription("Oracle requests refused by the spend gate, by period."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("forja.provider.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by provider and state."),
	); err != nil {
		return nil, err
	}
	if met.MarkerDivergences, err = m.Int64Counter("forja.markers.divergences",
		metric.WithDescription("Stages whose output timestamp count differs from input, by stage."),
	); err != nil {
		return nil, err
	}
	if met.Documents, err = m.Int64Counter("forja.documents",
		metric.WithDescription("Finished documents by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ChunksInFlight, err = m.Int64UpDownCounter("forja.chunks.in_flight",
		metric.WithDescription("Chunks currently awaiting an oracle answer."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("forja.http.request.duration",
		metric.WithDescription("Ops endpoint request latency by method, path and status."),
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

// RecordOracleCall records one oracle call's latency and request counter.
func (m *Metrics) RecordOracleCall(ctx context.Context, provider, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	)
	m.OracleDuration.Record(ctx, d.Seconds(), attrs)
	m.ProviderRequests.Add(ctx, 1, attrs)
}

// RecordProviderError records a provider failure of the given kind.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordCacheLookup records a response cache lookup result.
func (m *Metrics) RecordCacheLookup(ctx context.Context, result string) {
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordSpend records committed spend for a provider.
func (m *Metrics) RecordSpend(ctx context.Context, provider string, usd float64) {
	m.SpendUSD.Add(ctx, usd, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordBudgetRejection records a spend gate refusal for a billing period
// ("day" or "month").
func (m *Metrics) RecordBudgetRejection(ctx context.Context, period string) {
	m.BudgetRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("period", period)))
}

// RecordBreakerTransition records a circuit breaker moving to state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("state", state),
		),
	)
}

// RecordMarkerDivergence records a stage whose marker count drifted.
func (m *Metrics) RecordMarkerDivergence(ctx context.Context, stage string) {
	m.MarkerDivergences.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordStage records a pipeline stage latency.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	m.StageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordDocument records a finished document.
func (m *Metrics) RecordDocument(ctx context.Context, status string) {
	m.Documents.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
