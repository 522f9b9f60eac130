package query

import (
	"fmt"
	"sync"
	"time"

	"github.com/agentuity/go-query/keys"
	"github.com/google/uuid"
)

// Result is the consumer-facing view of a query, derived purely from entry
// state plus the observer's own options and key history.
type Result struct {
	Data           any
	Error          error
	Status         Status
	FetchStatus    FetchStatus
	IsStale        bool
	IsPreviousData bool
	DataUpdatedAt  time.Time
}

// IsPending reports that no data (current or previous-key) is available yet.
func (r Result) IsPending() bool { return r.Status == StatusPending }

// IsSuccess reports that Data is populated.
func (r Result) IsSuccess() bool { return r.Status == StatusSuccess }

// IsError reports a terminal fetch error. Data may still hold stale data from
// an earlier success ("stale but available").
func (r Result) IsError() bool { return r.Status == StatusError }

// IsFetching reports an in-flight (or paused) fetch run.
func (r Result) IsFetching() bool { return r.FetchStatus != FetchIdle }

// Listener receives a Result on every observable change.
type Listener func(Result)

// Observer is a live subscription binding one consumer's option set to one
// cache entry. Create with NewObserver, then Start to attach; the caller owns
// the handle and must Stop it, or the entry's ref count leaks and garbage
// collection never runs for that entry.
type Observer struct {
	id    string
	cache *Cache

	mu       sync.Mutex
	opts     Options
	entry    *Entry
	started  bool
	listener Listener
	result   Result

	prevData      any
	prevUpdatedAt time.Time
	usingPrev     bool

	timer    *time.Timer
	timerGen int
}

// NewObserver builds an observer for the cache. listener may be nil for
// callers that poll CurrentResult instead.
func NewObserver(c *Cache, opts Options, listener Listener) *Observer {
	return &Observer{
		id:       uuid.New().String(),
		cache:    c,
		opts:     opts.withDefaults(c.defaults),
		listener: listener,
	}
}

// ID returns the observer's unique instance id.
func (o *Observer) ID() string {
	return o.id
}

// Start attaches to the entry for the observer's key, incrementing its ref
// count. If the observer is enabled and the entry has no data or stale data,
// a fetch is triggered; otherwise the current state is emitted as-is.
func (o *Observer) Start() {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	entry := o.cache.GetOrCreate(o.opts.Key, o.opts)
	o.entry = entry
	opts := o.opts
	o.mu.Unlock()

	entry.attach(o)
	if shouldFetch(entry, opts) {
		entry.Fetch(opts, false)
	}
	o.armInterval()
	o.onEntryChange()
}

// Stop detaches from the entry, decrementing its ref count, and disarms the
// refetch interval. It does not cancel the entry's in-flight fetch: other
// observers, or an observer re-attaching within the cache-time window, may
// still want the result.
func (o *Observer) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	entry := o.entry
	t := o.timer
	o.timer = nil
	o.timerGen++
	o.mu.Unlock()

	if t != nil {
		t.Stop()
	}
	entry.detach(o)
}

// SetOptions replaces the observer's option set. If the key changed, the
// observer re-binds to the new key's entry; with KeepPreviousData the old
// key's data stays visible (flagged IsPreviousData) until the new key's fetch
// resolves. A changed RefetchInterval re-arms the timer immediately.
func (o *Observer) SetOptions(opts Options) {
	opts = opts.withDefaults(o.cache.defaults)

	o.mu.Lock()
	oldEntry := o.entry
	keyChanged := o.started && keys.Hash(opts.Key) != keys.Hash(o.opts.Key)
	o.opts = opts
	if !o.started {
		o.mu.Unlock()
		return
	}
	var newEntry *Entry
	if keyChanged {
		if opts.KeepPreviousData {
			snap := oldEntry.Snapshot()
			if snap.Status == StatusSuccess && !snap.DataRaw {
				o.prevData = snap.Data
				o.prevUpdatedAt = snap.DataUpdatedAt
				o.usingPrev = true
			}
		}
		newEntry = o.cache.GetOrCreate(opts.Key, opts)
		o.entry = newEntry
	}
	o.mu.Unlock()

	if keyChanged {
		oldEntry.detach(o)
		newEntry.attach(o)
		if shouldFetch(newEntry, opts) {
			newEntry.Fetch(opts, false)
		}
	}
	o.armInterval()
	o.onEntryChange()
}

// Refetch forces a new fetch run for the observer's entry regardless of
// staleness. An observer without its own fetch function falls back to the
// entry's last fetch configuration, like the bulk cache operations do.
func (o *Observer) Refetch() *Attempt {
	o.mu.Lock()
	entry := o.entry
	opts := o.opts
	started := o.started
	o.mu.Unlock()
	if !started {
		return resolvedAttempt(nil, ErrNoFetchFunc)
	}
	if opts.Fetch == nil {
		return entry.Refetch()
	}
	return entry.Fetch(opts, true)
}

// CurrentResult returns the most recently computed result.
func (o *Observer) CurrentResult() Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result
}

func shouldFetch(e *Entry, opts Options) bool {
	if !opts.enabled() || opts.Fetch == nil {
		return false
	}
	return !e.HasData() || e.IsStale(opts.StaleTime, time.Now())
}

// refetchIfStale triggers a deduplicated fetch when the observer is enabled
// and its entry is stale. Used by the focus/reconnect paths.
func (o *Observer) refetchIfStale(now time.Time) {
	o.mu.Lock()
	entry := o.entry
	opts := o.opts
	started := o.started
	o.mu.Unlock()
	if !started || !opts.enabled() || opts.Fetch == nil {
		return
	}
	if entry.IsStale(opts.StaleTime, now) {
		entry.Fetch(opts, false)
	}
}

func (o *Observer) armInterval() {
	o.mu.Lock()
	old := o.timer
	o.timer = nil
	o.timerGen++
	gen := o.timerGen
	if o.started && o.opts.RefetchInterval > 0 && o.opts.enabled() && o.opts.Fetch != nil {
		o.timer = time.AfterFunc(o.opts.RefetchInterval, func() { o.intervalFired(gen) })
	}
	o.mu.Unlock()
	if old != nil {
		old.Stop()
	}
}

func (o *Observer) intervalFired(gen int) {
	o.mu.Lock()
	if !o.started || gen != o.timerGen {
		o.mu.Unlock()
		return
	}
	entry := o.entry
	opts := o.opts
	o.mu.Unlock()

	entry.Fetch(opts, true)
	o.armInterval()
}

// onEntryChange recomputes the consumer-facing result from current entry
// state. Called synchronously by the entry on every state transition.
func (o *Observer) onEntryChange() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	entry := o.entry
	opts := o.opts
	o.mu.Unlock()

	snap := entry.Snapshot()
	res := o.buildResult(entry, opts, snap)

	o.mu.Lock()
	if !o.started || o.entry != entry {
		o.mu.Unlock()
		return
	}
	o.result = res
	listener := o.listener
	o.mu.Unlock()

	if listener != nil {
		listener(res)
	}
}

func (o *Observer) buildResult(entry *Entry, opts Options, snap Snapshot) Result {
	if snap.DataRaw {
		// Hydrated payload awaiting its serializer. Consumers never see the
		// wire bytes: the entry reads as pending until deserialization runs.
		snap.Status = StatusPending
		snap.Data = nil
		snap.DataUpdatedAt = time.Time{}
	}

	o.mu.Lock()
	usingPrev := o.usingPrev
	if usingPrev && snap.Status != StatusPending {
		// The new key resolved (or failed); previous-key data retires.
		o.usingPrev = false
		o.prevData = nil
		usingPrev = false
	}
	prevData := o.prevData
	prevUpdatedAt := o.prevUpdatedAt
	o.mu.Unlock()

	if usingPrev {
		return Result{
			Data:           projectData(opts, prevData),
			Status:         StatusSuccess,
			FetchStatus:    snap.FetchStatus,
			IsStale:        true,
			IsPreviousData: true,
			DataUpdatedAt:  prevUpdatedAt,
		}
	}

	res := Result{
		Status:        snap.Status,
		FetchStatus:   snap.FetchStatus,
		Error:         snap.Err,
		DataUpdatedAt: snap.DataUpdatedAt,
	}
	if snap.Status == StatusSuccess || snap.Data != nil {
		if opts.Select != nil {
			selected, err := applySelect(opts.Select, snap.Data)
			if err != nil {
				// Selector failures surface only on this observer; the
				// shared entry keeps its data and error untouched.
				res.Error = err
				res.Data = nil
			} else {
				res.Data = selected
			}
		} else {
			res.Data = snap.Data
		}
	}
	if snap.Status == StatusSuccess {
		res.IsStale = entry.IsStale(opts.StaleTime, time.Now())
	}
	return res
}

func projectData(opts Options, data any) any {
	if opts.Select == nil {
		return data
	}
	selected, err := applySelect(opts.Select, data)
	if err != nil {
		return data
	}
	return selected
}

func applySelect(sel func(any) (any, error), data any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("query: select panic: %v", r)
		}
	}()
	return sel(data)
}
