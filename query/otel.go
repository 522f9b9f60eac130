package query

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/agentuity/go-query"

// OtelMetrics exports cache counters through an OpenTelemetry meter. Counter
// adds are keyed by the query hash in the "query.hash" attribute.
type OtelMetrics struct {
	fetches    metric.Int64Counter
	shared     metric.Int64Counter
	successes  metric.Int64Counter
	failures   metric.Int64Counter
	cancels    metric.Int64Counter
	retries    metric.Int64Counter
	evictions  metric.Int64Counter
	hydrations metric.Int64Counter
}

var _ Metrics = (*OtelMetrics)(nil)

// NewOtelMetrics creates the counters on the provider's meter.
func NewOtelMetrics(provider metric.MeterProvider) (*OtelMetrics, error) {
	meter := provider.Meter(instrumentationName)
	m := &OtelMetrics{}
	for _, c := range []struct {
		name string
		desc string
		dst  *metric.Int64Counter
	}{
		{"query.fetch.started", "Fetch runs started", &m.fetches},
		{"query.fetch.shared", "Fetch requests deduplicated onto an in-flight attempt", &m.shared},
		{"query.fetch.succeeded", "Fetch runs committed successfully", &m.successes},
		{"query.fetch.failed", "Fetch runs that exhausted retries", &m.failures},
		{"query.fetch.cancelled", "Fetch attempts discarded on cancellation", &m.cancels},
		{"query.fetch.retries", "Scheduled fetch retries", &m.retries},
		{"query.cache.evictions", "Entries removed by garbage collection", &m.evictions},
		{"query.cache.hydrations", "Entries restored from persisted storage", &m.hydrations},
	} {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return m, nil
}

func (m *OtelMetrics) add(counter metric.Int64Counter, hash string) {
	counter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("query.hash", hash)))
}

func (m *OtelMetrics) FetchStarted(hash string)   { m.add(m.fetches, hash) }
func (m *OtelMetrics) FetchShared(hash string)    { m.add(m.shared, hash) }
func (m *OtelMetrics) FetchSucceeded(hash string) { m.add(m.successes, hash) }
func (m *OtelMetrics) FetchFailed(hash string)    { m.add(m.failures, hash) }
func (m *OtelMetrics) FetchCancelled(hash string) { m.add(m.cancels, hash) }
func (m *OtelMetrics) Retry(hash string)          { m.add(m.retries, hash) }
func (m *OtelMetrics) EntryEvicted(hash string)   { m.add(m.evictions, hash) }
func (m *OtelMetrics) EntryRestored(hash string)  { m.add(m.hydrations, hash) }
