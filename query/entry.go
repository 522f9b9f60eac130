package query

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentuity/go-query/keys"
)

// ErrNoFetchFunc is returned by Fetch when neither the request nor any prior
// fetch for the entry supplied a fetch function.
var ErrNoFetchFunc = errors.New("query: no fetch function configured")

// Entry is the cache-resident state machine for one query key. All fields are
// guarded by mu; public methods may be called from any goroutine. Entries are
// created by the Cache and must not be constructed directly.
type Entry struct {
	cache *Cache
	key   keys.Key
	hash  string

	mu             sync.Mutex
	status         Status
	fetchStatus    FetchStatus
	data           any
	dataRaw        bool
	err            error
	dataUpdatedAt  time.Time
	errorUpdatedAt time.Time
	failureCount   int
	invalidated    bool

	cacheTime time.Duration

	// seq orders fetch runs. A run may only commit its result while it is
	// still the entry's newest run; anything older is discarded.
	seq       uint64
	token     *Token
	attempt   *Attempt
	paused    *fetchConfig
	pausedAtt *Attempt
	lastFetch *fetchConfig

	observers []*Observer
	gcGen     int
	gcTimer   *time.Timer
}

// fetchConfig is the resolved per-run fetch configuration. The entry keeps the
// most recent one so bulk refetch/invalidate operations can re-run a query
// without the original observer.
type fetchConfig struct {
	fn         FetchFunc
	pageParam  any
	retryLimit int
	retryDelay RetryDelayFunc
}

// Attempt is a handle on one fetch run. Concurrent fetch requests for the
// same entry share a single Attempt while it is in flight.
type Attempt struct {
	once sync.Once
	done chan struct{}
	data any
	err  error
}

func newAttempt() *Attempt {
	return &Attempt{done: make(chan struct{})}
}

func resolvedAttempt(data any, err error) *Attempt {
	a := newAttempt()
	a.resolve(data, err)
	return a
}

func (a *Attempt) resolve(data any, err error) {
	a.once.Do(func() {
		a.data = data
		a.err = err
		close(a.done)
	})
}

// Done returns a channel closed when the run settles.
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Wait blocks until the run settles or ctx is done. A cancelled run settles
// with ErrCancelled. Note that a fetch function which ignores its Token can
// keep a run unsettled indefinitely; callers wanting a bound pass a ctx with
// a deadline.
func (a *Attempt) Wait(ctx context.Context) (any, error) {
	select {
	case <-a.done:
		return a.data, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Key returns the entry's query key.
func (e *Entry) Key() keys.Key {
	return e.key
}

// Hash returns the canonical key hash identifying the entry in its cache.
func (e *Entry) Hash() string {
	return e.hash
}

// Snapshot is a point-in-time copy of observable entry state.
type Snapshot struct {
	Status         Status
	FetchStatus    FetchStatus
	Data           any
	DataRaw        bool
	Err            error
	DataUpdatedAt  time.Time
	ErrorUpdatedAt time.Time
	FailureCount   int
	Invalidated    bool
}

// Snapshot returns the current observable state under a single lock
// acquisition, so callers never see a half-applied transition.
func (e *Entry) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Status:         e.status,
		FetchStatus:    e.fetchStatus,
		Data:           e.data,
		DataRaw:        e.dataRaw,
		Err:            e.err,
		DataUpdatedAt:  e.dataUpdatedAt,
		ErrorUpdatedAt: e.errorUpdatedAt,
		FailureCount:   e.failureCount,
		Invalidated:    e.invalidated,
	}
}

// Status returns the entry's data state.
func (e *Entry) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// FetchStatus returns the entry's network activity state.
func (e *Entry) FetchStatus() FetchStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fetchStatus
}

// Data returns the last successful data, which is retained across refetches
// and failed refresh runs.
func (e *Entry) Data() any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.data
}

// Err returns the error of the last failed fetch run, if any.
func (e *Entry) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// DataUpdatedAt returns when the entry's data was last committed.
func (e *Entry) DataUpdatedAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dataUpdatedAt
}

// FailureCount returns the number of failed attempts in the current (or last)
// fetch run. It resets to zero on success.
func (e *Entry) FailureCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failureCount
}

// ObserverCount returns the number of attached observers.
func (e *Entry) ObserverCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.observers)
}

// HasData reports whether the entry holds successful data.
func (e *Entry) HasData() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status == StatusSuccess
}

// IsStale reports whether the entry's data is due for a background refresh
// under the given stale time. Entries without data, and invalidated entries,
// are always stale. Forever means never stale.
func (e *Entry) IsStale(staleTime time.Duration, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusSuccess {
		return true
	}
	if e.invalidated {
		return true
	}
	if staleTime == Forever {
		return false
	}
	return now.Sub(e.dataUpdatedAt) > staleTime
}

// Fetch requests a fetch run using the given options. If a run is already in
// flight and force is false, the existing run's Attempt is returned and no
// new call to the fetch function is made. With force, the in-flight run is
// cancelled and superseded. While the cache is offline the request parks with
// fetchStatus paused and starts when connectivity returns.
func (e *Entry) Fetch(o Options, force bool) *Attempt {
	o = o.withDefaults(e.cache.defaults)
	cfg := fetchConfig{
		fn:         o.Fetch,
		pageParam:  o.PageParam,
		retryLimit: o.RetryLimit,
		retryDelay: o.RetryDelay,
	}
	return e.fetch(cfg, force)
}

// Refetch re-runs the entry's most recent fetch configuration, forcing a new
// run even if data is fresh. Used by the bulk cache operations.
func (e *Entry) Refetch() *Attempt {
	e.mu.Lock()
	cfg := e.lastFetch
	e.mu.Unlock()
	if cfg == nil {
		return resolvedAttempt(nil, ErrNoFetchFunc)
	}
	return e.fetch(*cfg, true)
}

func (e *Entry) fetch(cfg fetchConfig, force bool) *Attempt {
	e.mu.Lock()
	if cfg.fn == nil {
		if e.lastFetch == nil {
			e.mu.Unlock()
			return resolvedAttempt(nil, ErrNoFetchFunc)
		}
		prev := *e.lastFetch
		prev.pageParam = cfg.pageParam
		cfg = prev
	}
	if cfg.retryDelay == nil {
		cfg.retryDelay = DefaultRetryDelay
	}
	e.lastFetch = &cfg

	if e.attempt != nil && !force {
		att := e.attempt
		e.mu.Unlock()
		e.cache.metrics.FetchShared(e.hash)
		return att
	}
	if e.paused != nil && !force {
		att := e.pausedAtt
		e.mu.Unlock()
		e.cache.metrics.FetchShared(e.hash)
		return att
	}

	oldToken := e.token
	e.token = nil

	if !e.cache.isOnline() {
		e.attempt = nil
		if e.pausedAtt == nil {
			e.pausedAtt = newAttempt()
		}
		e.paused = &cfg
		e.fetchStatus = FetchPaused
		att := e.pausedAtt
		e.mu.Unlock()
		if oldToken != nil {
			oldToken.Cancel()
		}
		e.notifyObservers()
		return att
	}

	e.seq++
	seq := e.seq
	tok := NewToken()
	// A request parked while offline shares its Attempt with the run that
	// finally executes it.
	att := e.pausedAtt
	if att == nil {
		att = newAttempt()
	}
	e.paused = nil
	e.pausedAtt = nil
	e.token = tok
	e.attempt = att
	e.fetchStatus = FetchActive
	e.failureCount = 0
	e.mu.Unlock()

	if oldToken != nil {
		oldToken.Cancel()
	}
	e.cache.metrics.FetchStarted(e.hash)
	e.notifyObservers()
	go e.run(seq, tok, att, cfg)
	return att
}

// resumePaused starts the parked fetch, if any. Called by the cache on
// reconnect.
func (e *Entry) resumePaused() {
	e.mu.Lock()
	if e.paused == nil {
		e.mu.Unlock()
		return
	}
	cfg := *e.paused
	att := e.pausedAtt
	e.paused = nil
	e.pausedAtt = nil
	e.seq++
	seq := e.seq
	tok := NewToken()
	e.token = tok
	e.attempt = att
	e.fetchStatus = FetchActive
	e.failureCount = 0
	e.mu.Unlock()

	e.cache.metrics.FetchStarted(e.hash)
	e.notifyObservers()
	go e.run(seq, tok, att, cfg)
}

// run executes one fetch run: the initial attempt plus retries with backoff.
// fetchStatus stays FetchActive for the whole run so observers see one
// continuous fetching period rather than a flicker per attempt.
func (e *Entry) run(seq uint64, tok *Token, att *Attempt, cfg fetchConfig) {
	attempt := 0
	for {
		data, err := invokeFetch(cfg.fn, FetchRequest{Key: e.key, PageParam: cfg.pageParam, Token: tok})
		if tok.IsCancelled() || errors.Is(err, ErrCancelled) {
			e.discard(seq, att)
			return
		}
		if err == nil {
			e.commitSuccess(seq, tok, att, data)
			return
		}

		attempt++
		e.mu.Lock()
		live := seq == e.seq && e.attempt == att
		if live {
			e.failureCount = attempt
		}
		e.mu.Unlock()
		if !live {
			att.resolve(nil, err)
			return
		}
		if attempt > cfg.retryLimit {
			e.commitError(seq, tok, att, err)
			return
		}

		e.cache.metrics.Retry(e.hash)
		delay := time.NewTimer(cfg.retryDelay(attempt, err))
		select {
		case <-delay.C:
		case <-tok.Done():
			delay.Stop()
			e.discard(seq, att)
			return
		}
		if !e.cache.isOnline() {
			e.park(seq, tok, att, cfg)
			return
		}
	}
}

// park suspends a live run that lost connectivity between retries. The run's
// Attempt carries over to the resumed run, so waiters stay blocked rather
// than seeing a spurious error.
func (e *Entry) park(seq uint64, tok *Token, att *Attempt, cfg fetchConfig) {
	e.mu.Lock()
	if seq != e.seq || e.attempt != att || tok.IsCancelled() {
		e.mu.Unlock()
		att.resolve(nil, ErrCancelled)
		return
	}
	e.token = nil
	e.attempt = nil
	e.paused = &cfg
	e.pausedAtt = att
	e.fetchStatus = FetchPaused
	e.mu.Unlock()
	e.notifyObservers()
}

// invokeFetch calls the user-supplied fetch function with panic recovery so a
// panicking fetcher degrades to a failed attempt instead of tearing down the
// process.
func invokeFetch(fn FetchFunc, req FetchRequest) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			data = nil
			err = fmt.Errorf("query: fetch panic: %v", r)
		}
	}()
	return fn(req)
}

func (e *Entry) commitSuccess(seq uint64, tok *Token, att *Attempt, data any) {
	e.mu.Lock()
	if seq != e.seq || e.attempt != att || tok.IsCancelled() {
		// Superseded or cancelled after the fetch returned. The entry keeps
		// whatever a newer run has written.
		e.mu.Unlock()
		att.resolve(nil, ErrCancelled)
		return
	}
	e.status = StatusSuccess
	e.data = data
	e.dataRaw = false
	e.err = nil
	e.dataUpdatedAt = time.Now()
	e.failureCount = 0
	e.invalidated = false
	e.fetchStatus = FetchIdle
	e.token = nil
	e.attempt = nil
	at := e.dataUpdatedAt
	e.mu.Unlock()

	e.cache.metrics.FetchSucceeded(e.hash)
	e.notifyObservers()
	e.cache.fetchCommitted(e.key, e.hash, data, at)
	att.resolve(data, nil)
}

func (e *Entry) commitError(seq uint64, tok *Token, att *Attempt, err error) {
	e.mu.Lock()
	if seq != e.seq || e.attempt != att || tok.IsCancelled() {
		e.mu.Unlock()
		att.resolve(nil, ErrCancelled)
		return
	}
	e.status = StatusError
	e.err = err
	e.errorUpdatedAt = time.Now()
	e.fetchStatus = FetchIdle
	e.token = nil
	e.attempt = nil
	e.mu.Unlock()

	e.cache.metrics.FetchFailed(e.hash)
	e.notifyObservers()
	att.resolve(nil, err)
}

// discard ends a cancelled run, leaving status/data/error exactly as they
// were before the run began. Cancellation never counts against the retry
// budget and never becomes a terminal error state.
func (e *Entry) discard(seq uint64, att *Attempt) {
	e.mu.Lock()
	changed := seq == e.seq && e.attempt == att
	if changed {
		e.fetchStatus = FetchIdle
		e.token = nil
		e.attempt = nil
	}
	e.mu.Unlock()

	e.cache.metrics.FetchCancelled(e.hash)
	if changed {
		e.notifyObservers()
	}
	att.resolve(nil, ErrCancelled)
}

// SetData writes data directly, as if a fetch had succeeded at the given
// time. A zero updatedAt means now. Used for optimistic updates and for
// reconciling server responses after a mutation.
func (e *Entry) SetData(data any, updatedAt time.Time) {
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	e.mu.Lock()
	e.status = StatusSuccess
	e.data = data
	e.dataRaw = false
	e.err = nil
	e.dataUpdatedAt = updatedAt
	e.invalidated = false
	e.failureCount = 0
	e.mu.Unlock()

	e.notifyObservers()
	e.cache.fetchCommitted(e.key, e.hash, data, updatedAt)
}

// SetError records err as the entry's error state without touching retained
// data.
func (e *Entry) SetError(err error) {
	e.mu.Lock()
	e.status = StatusError
	e.err = err
	e.errorUpdatedAt = time.Now()
	e.mu.Unlock()
	e.notifyObservers()
}

// Invalidate marks the entry stale without clearing its data. The next
// observer interaction (or a bulk refetch) refreshes it.
func (e *Entry) Invalidate() {
	e.mu.Lock()
	e.invalidated = true
	e.mu.Unlock()
	e.notifyObservers()
}

// Reset clears data and error and returns the entry to pending, cancelling
// any in-flight run.
func (e *Entry) Reset() {
	e.mu.Lock()
	tok := e.token
	pausedAtt := e.pausedAtt
	e.token = nil
	e.attempt = nil
	e.paused = nil
	e.pausedAtt = nil
	e.status = StatusPending
	e.fetchStatus = FetchIdle
	e.data = nil
	e.dataRaw = false
	e.err = nil
	e.dataUpdatedAt = time.Time{}
	e.errorUpdatedAt = time.Time{}
	e.failureCount = 0
	e.invalidated = false
	e.mu.Unlock()

	if tok != nil {
		tok.Cancel()
	}
	if pausedAtt != nil {
		pausedAtt.resolve(nil, ErrCancelled)
	}
	e.notifyObservers()
}

// Cancel cancels the in-flight run (if any) without altering retained
// data or error. A fetch function that ignores the token may still be
// executing afterwards, but its result can no longer commit.
func (e *Entry) Cancel() {
	e.mu.Lock()
	tok := e.token
	pausedAtt := e.pausedAtt
	changed := e.attempt != nil || e.paused != nil || e.fetchStatus != FetchIdle
	e.token = nil
	e.attempt = nil
	e.paused = nil
	e.pausedAtt = nil
	e.fetchStatus = FetchIdle
	e.mu.Unlock()

	if tok != nil {
		tok.Cancel()
	}
	if pausedAtt != nil {
		pausedAtt.resolve(nil, ErrCancelled)
	}
	if changed {
		e.notifyObservers()
	}
}

// Hydrate installs a still-serialized payload as the entry's data, stamped
// with the original fetch time. It refuses to overwrite newer data. The
// payload stays raw until ResolveHydrated or DiscardHydrated runs.
func (e *Entry) Hydrate(payload []byte, dataUpdatedAt time.Time) bool {
	e.mu.Lock()
	if e.status == StatusSuccess && e.dataUpdatedAt.After(dataUpdatedAt) {
		e.mu.Unlock()
		return false
	}
	e.status = StatusSuccess
	e.data = payload
	e.dataRaw = true
	e.err = nil
	e.dataUpdatedAt = dataUpdatedAt
	e.mu.Unlock()

	e.cache.metrics.EntryRestored(e.hash)
	e.notifyObservers()
	return true
}

// HydratedPayload returns the raw payload if the entry holds hydrated,
// not-yet-deserialized data.
func (e *Entry) HydratedPayload() ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.dataRaw {
		return nil, false
	}
	payload, _ := e.data.([]byte)
	return payload, true
}

// ResolveHydrated replaces the raw hydrated payload with its deserialized
// value, keeping the original data timestamp.
func (e *Entry) ResolveHydrated(v any) {
	e.mu.Lock()
	if !e.dataRaw {
		e.mu.Unlock()
		return
	}
	e.data = v
	e.dataRaw = false
	e.mu.Unlock()
	e.notifyObservers()
}

// DiscardHydrated drops a raw hydrated payload that failed to deserialize,
// returning the entry to pending so a fresh fetch follows naturally.
func (e *Entry) DiscardHydrated() {
	e.mu.Lock()
	if !e.dataRaw {
		e.mu.Unlock()
		return
	}
	e.status = StatusPending
	e.data = nil
	e.dataRaw = false
	e.dataUpdatedAt = time.Time{}
	e.mu.Unlock()
	e.notifyObservers()
}

func (e *Entry) attach(o *Observer) {
	e.mu.Lock()
	e.observers = append(e.observers, o)
	e.gcGen++
	t := e.gcTimer
	e.gcTimer = nil
	e.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

func (e *Entry) detach(o *Observer) {
	e.mu.Lock()
	for i, cur := range e.observers {
		if cur == o {
			e.observers = append(e.observers[:i], e.observers[i+1:]...)
			break
		}
	}
	zero := len(e.observers) == 0
	e.mu.Unlock()
	if zero {
		e.cache.scheduleGC(e)
	}
}

// notifyObservers delivers the state change synchronously on the goroutine
// that caused it, so two observers reading current state immediately after a
// commit never disagree.
func (e *Entry) notifyObservers() {
	e.mu.Lock()
	obs := make([]*Observer, len(e.observers))
	copy(obs, e.observers)
	e.mu.Unlock()
	for _, o := range obs {
		o.onEntryChange()
	}
}
