package query

import (
	"sync"
	"time"

	"github.com/agentuity/go-common/logger"
	"github.com/agentuity/go-query/keys"
)

// CacheListener observes cache-level events. The persistence layer implements
// it to serialize successful fetches and drop records for removed entries.
type CacheListener interface {
	// OnFetchSuccess fires after a successful fetch (or direct data write)
	// has been committed and observers notified. It must not block.
	OnFetchSuccess(key keys.Key, hash string, data any, updatedAt time.Time)
	// OnEntryRemoved fires when an entry is explicitly removed from the
	// cache. Garbage collection does not fire it.
	OnEntryRemoved(key keys.Key, hash string)
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the cache logger. Defaults to a silent console logger.
func WithLogger(log logger.Logger) Option {
	return func(c *Cache) { c.log = log }
}

// WithDefaults sets cache-level fallbacks for observer options.
func WithDefaults(d Defaults) Option {
	return func(c *Cache) { c.defaults = d }
}

// WithMetrics sets the metrics collector. Defaults to NoopMetrics.
func WithMetrics(m Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// Cache is the keyed registry of query entries and the single source of truth
// consumers read through. All methods are safe for concurrent use; the
// registry is guarded by one mutex, entries by their own.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Entry
	closed  bool

	listenerMu sync.Mutex
	listener   CacheListener

	defaults Defaults
	metrics  Metrics
	log      logger.Logger

	stateMu sync.Mutex
	online  bool
	focused bool
}

// New creates an empty cache. The zero Defaults give a 5 minute cache time,
// 3 retries with exponential backoff, and immediately-stale data.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]*Entry),
		metrics: NoopMetrics{},
		log:     logger.NewConsoleLogger(logger.LevelNone),
		online:  true,
		focused: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.defaults = c.defaults.normalized()
	c.log = c.log.WithPrefix("querycache")
	return c
}

// SetListener installs the cache listener. Pass nil to detach.
func (c *Cache) SetListener(l CacheListener) {
	c.listenerMu.Lock()
	c.listener = l
	c.listenerMu.Unlock()
}

func (c *Cache) fetchCommitted(key keys.Key, hash string, data any, at time.Time) {
	c.listenerMu.Lock()
	l := c.listener
	c.listenerMu.Unlock()
	if l != nil {
		l.OnFetchSuccess(key, hash, data, at)
	}
}

// Defaults returns the cache-level option fallbacks.
func (c *Cache) Defaults() Defaults {
	return c.defaults
}

// GetOrCreate returns the entry for key, creating it with the given options'
// cache time if absent.
func (c *Cache) GetOrCreate(key keys.Key, o Options) *Entry {
	hash := keys.Hash(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[hash]; ok {
		return e
	}
	o = o.withDefaults(c.defaults)
	e := &Entry{
		cache:     c,
		key:       key,
		hash:      hash,
		status:    StatusPending,
		cacheTime: o.CacheTime,
	}
	c.entries[hash] = e
	// A freshly created entry has no observers yet; if none ever attach it
	// must still age out.
	c.scheduleGCLocked(e)
	return e
}

// Get returns the entry for key, or nil.
func (c *Cache) Get(key keys.Key) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[keys.Hash(key)]
}

// Matching returns every entry whose key matches the prefix filter. An empty
// filter matches all entries.
func (c *Cache) Matching(filter keys.Key) []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Entry
	for _, e := range c.entries {
		if keys.MatchesPrefix(e.key, filter) {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of resident entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// GetData returns the retained data for key, if the entry exists and has
// successfully fetched.
func (c *Cache) GetData(key keys.Key) (any, bool) {
	e := c.Get(key)
	if e == nil {
		return nil, false
	}
	snap := e.Snapshot()
	if snap.Status != StatusSuccess || snap.DataRaw {
		// A hydrated payload whose serializer is not yet registered stays
		// invisible; consumers never receive the wire bytes.
		return nil, false
	}
	return snap.Data, true
}

// SetData writes data for key directly, creating the entry if needed. A zero
// updatedAt means now.
func (c *Cache) SetData(key keys.Key, data any, updatedAt time.Time) *Entry {
	e := c.GetOrCreate(key, Options{Key: key})
	e.SetData(data, updatedAt)
	return e
}

// InvalidateOptions controls Invalidate.
type InvalidateOptions struct {
	// RefetchActive immediately refetches matching entries that have at
	// least one attached observer. Inactive entries are only marked stale.
	RefetchActive bool
}

// Invalidate marks every matching entry stale. With RefetchActive, observed
// entries refetch immediately using their last fetch configuration.
func (c *Cache) Invalidate(filter keys.Key, o InvalidateOptions) {
	for _, e := range c.Matching(filter) {
		e.Invalidate()
		if o.RefetchActive && e.ObserverCount() > 0 {
			e.Refetch()
		}
	}
}

// Refetch forces a new fetch run for every matching entry that has a fetch
// configuration, and waits for none of them.
func (c *Cache) Refetch(filter keys.Key) []*Attempt {
	var attempts []*Attempt
	for _, e := range c.Matching(filter) {
		attempts = append(attempts, e.Refetch())
	}
	return attempts
}

// CancelFetches cancels the in-flight run of every matching entry, leaving
// retained data and errors untouched.
func (c *Cache) CancelFetches(filter keys.Key) {
	for _, e := range c.Matching(filter) {
		e.Cancel()
	}
}

// Reset returns every matching entry to pending, clearing data and errors.
func (c *Cache) Reset(filter keys.Key) {
	for _, e := range c.Matching(filter) {
		e.Reset()
	}
}

// Remove deletes every matching entry from the registry, cancelling in-flight
// work. Attached observers keep their (now orphaned) entry reference until
// they stop or swap keys.
func (c *Cache) Remove(filter keys.Key) {
	for _, e := range c.Matching(filter) {
		c.RemoveEntry(e)
	}
}

// RemoveEntry deletes one entry from the registry.
func (c *Cache) RemoveEntry(e *Entry) {
	c.mu.Lock()
	cur, ok := c.entries[e.hash]
	if !ok || cur != e {
		c.mu.Unlock()
		return
	}
	delete(c.entries, e.hash)
	c.mu.Unlock()

	e.Cancel()
	e.mu.Lock()
	t := e.gcTimer
	e.gcTimer = nil
	e.mu.Unlock()
	if t != nil {
		t.Stop()
	}

	c.log.Debug("entry removed: %s", e.hash)
	c.listenerMu.Lock()
	l := c.listener
	c.listenerMu.Unlock()
	if l != nil {
		l.OnEntryRemoved(e.key, e.hash)
	}
}

func (c *Cache) scheduleGC(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scheduleGCLocked(e)
}

func (c *Cache) scheduleGCLocked(e *Entry) {
	if c.closed {
		return
	}
	e.mu.Lock()
	if e.cacheTime == Forever {
		e.mu.Unlock()
		return
	}
	e.gcGen++
	gen := e.gcGen
	old := e.gcTimer
	e.gcTimer = time.AfterFunc(e.cacheTime, func() { c.collect(e, gen) })
	e.mu.Unlock()
	if old != nil {
		old.Stop()
	}
}

// collect removes an entry whose observer count stayed at zero for its whole
// cache-time window. An observer attaching in the window bumps gcGen, which
// voids the timer.
func (c *Cache) collect(e *Entry, gen int) {
	c.mu.Lock()
	e.mu.Lock()
	if e.gcGen != gen || len(e.observers) > 0 || c.entries[e.hash] != e {
		e.mu.Unlock()
		c.mu.Unlock()
		return
	}
	delete(c.entries, e.hash)
	tok := e.token
	e.token = nil
	e.attempt = nil
	e.gcTimer = nil
	e.mu.Unlock()
	c.mu.Unlock()

	if tok != nil {
		tok.Cancel()
	}
	c.metrics.EntryEvicted(e.hash)
	c.log.Trace("entry collected: %s", e.hash)
}

// IsOnline reports the last connectivity state delivered to the cache.
func (c *Cache) IsOnline() bool {
	return c.isOnline()
}

func (c *Cache) isOnline() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.online
}

// SetOnline delivers a connectivity change. Going online resumes fetches that
// parked while offline and, when Defaults.RefetchOnReconnect is set,
// refetches stale observed entries.
func (c *Cache) SetOnline(online bool) {
	c.stateMu.Lock()
	was := c.online
	c.online = online
	c.stateMu.Unlock()
	if !online || was {
		return
	}

	c.log.Debug("connectivity restored")
	for _, e := range c.Matching(nil) {
		e.resumePaused()
	}
	if c.defaults.RefetchOnReconnect {
		c.refetchStaleObserved()
	}
}

// SetFocused delivers an application focus change. Gaining focus refetches
// stale observed entries when Defaults.RefetchOnFocus is set.
func (c *Cache) SetFocused(focused bool) {
	c.stateMu.Lock()
	was := c.focused
	c.focused = focused
	c.stateMu.Unlock()
	if !focused || was {
		return
	}
	if c.defaults.RefetchOnFocus {
		c.log.Debug("focus regained")
		c.refetchStaleObserved()
	}
}

func (c *Cache) refetchStaleObserved() {
	now := time.Now()
	for _, e := range c.Matching(nil) {
		e.mu.Lock()
		obs := make([]*Observer, len(e.observers))
		copy(obs, e.observers)
		e.mu.Unlock()
		for _, o := range obs {
			o.refetchIfStale(now)
		}
	}
}

// Close cancels all in-flight work and gc timers and empties the registry.
// The cache is unusable afterwards.
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	entries := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.entries = make(map[string]*Entry)
	c.mu.Unlock()

	for _, e := range entries {
		e.Cancel()
		e.mu.Lock()
		t := e.gcTimer
		e.gcTimer = nil
		e.mu.Unlock()
		if t != nil {
			t.Stop()
		}
	}
}
