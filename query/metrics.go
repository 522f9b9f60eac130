package query

// Metrics receives counters from the cache. Implementations must be safe for
// concurrent use. All engine call sites are fire-and-forget: a slow collector
// slows fetch commits, so implementations should not block.
type Metrics interface {
	// FetchStarted is recorded once per fetch run (not per retry attempt).
	FetchStarted(hash string)
	// FetchShared is recorded when a fetch request joined an already
	// in-flight attempt instead of starting a new one.
	FetchShared(hash string)
	// FetchSucceeded / FetchFailed are recorded when a run commits.
	FetchSucceeded(hash string)
	FetchFailed(hash string)
	// FetchCancelled is recorded when an attempt is discarded on cancellation.
	FetchCancelled(hash string)
	// Retry is recorded per scheduled retry.
	Retry(hash string)
	// EntryEvicted is recorded when garbage collection removes an entry.
	EntryEvicted(hash string)
	// EntryRestored is recorded when hydration installs persisted data.
	EntryRestored(hash string)
}

// NoopMetrics discards everything. It is the default collector.
type NoopMetrics struct{}

var _ Metrics = NoopMetrics{}

func (NoopMetrics) FetchStarted(string)   {}
func (NoopMetrics) FetchShared(string)    {}
func (NoopMetrics) FetchSucceeded(string) {}
func (NoopMetrics) FetchFailed(string)    {}
func (NoopMetrics) FetchCancelled(string) {}
func (NoopMetrics) Retry(string)          {}
func (NoopMetrics) EntryEvicted(string)   {}
func (NoopMetrics) EntryRestored(string)  {}
