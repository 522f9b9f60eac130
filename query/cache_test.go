package query

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentuity/go-query/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateSharesEntries(t *testing.T) {
	c := testCache(t)
	a := c.GetOrCreate(keys.Key{"todos", map[string]any{"page": 1, "tab": "open"}}, Options{})
	b := c.GetOrCreate(keys.Key{"todos", map[string]any{"tab": "open", "page": 1}}, Options{})
	assert.Same(t, a, b, "structurally equal keys share one entry")
	assert.Equal(t, 1, c.Len())
}

func TestGetMissing(t *testing.T) {
	c := testCache(t)
	assert.Nil(t, c.Get(keys.Key{"nope"}))
}

func TestMatchingPrefix(t *testing.T) {
	c := testCache(t)
	c.GetOrCreate(keys.Key{"todos", "list"}, Options{})
	c.GetOrCreate(keys.Key{"todos", "detail", 7}, Options{})
	c.GetOrCreate(keys.Key{"users"}, Options{})

	assert.Len(t, c.Matching(keys.Key{"todos"}), 2)
	assert.Len(t, c.Matching(keys.Key{"todos", "detail"}), 1)
	assert.Len(t, c.Matching(nil), 3)
	assert.Empty(t, c.Matching(keys.Key{"posts"}))
}

func TestSetDataGetData(t *testing.T) {
	c := testCache(t)
	key := keys.Key{"profile", 42}

	_, ok := c.GetData(key)
	assert.False(t, ok)

	c.SetData(key, "alice", time.Time{})
	data, ok := c.GetData(key)
	assert.True(t, ok)
	assert.Equal(t, "alice", data)
}

func TestGarbageCollection(t *testing.T) {
	c := testCache(t, WithDefaults(Defaults{CacheTime: 50 * time.Millisecond}))
	key := keys.Key{"gc"}
	e := c.GetOrCreate(key, Options{})
	e.SetData("v1", time.Time{})

	// No observers: the entry ages out after its cache time.
	assert.Eventually(t, func() bool {
		return c.Get(key) == nil
	}, time.Second, 10*time.Millisecond)
	_ = e
}

func TestGarbageCollectionRescuedByObserver(t *testing.T) {
	c := testCache(t, WithDefaults(Defaults{CacheTime: 80 * time.Millisecond}))
	key := keys.Key{"gc", "rescue"}

	o := NewObserver(c, Options{Key: key, Fetch: fetchValue("v1")}, nil)
	o.Start()
	assert.Eventually(t, func() bool {
		return c.Get(key) != nil && c.Get(key).HasData()
	}, time.Second, 5*time.Millisecond)
	entry := c.Get(key)
	o.Stop()

	// Re-attach before cache time elapses: same entry, data intact.
	time.Sleep(20 * time.Millisecond)
	o2 := NewObserver(c, Options{Key: key, StaleTime: Forever}, nil)
	o2.Start()
	defer o2.Stop()

	time.Sleep(150 * time.Millisecond)
	assert.Same(t, entry, c.Get(key))
	assert.Equal(t, "v1", entry.Data())
}

func TestCacheTimeForeverDisablesGC(t *testing.T) {
	c := testCache(t, WithDefaults(Defaults{CacheTime: Forever}))
	key := keys.Key{"pinned"}
	c.GetOrCreate(key, Options{})
	time.Sleep(60 * time.Millisecond)
	assert.NotNil(t, c.Get(key))
}

func TestInvalidateMarksStale(t *testing.T) {
	c := testCache(t)
	c.SetData(keys.Key{"todos", 1}, "a", time.Time{})
	c.SetData(keys.Key{"todos", 2}, "b", time.Time{})
	c.SetData(keys.Key{"users", 1}, "u", time.Time{})

	c.Invalidate(keys.Key{"todos"}, InvalidateOptions{})

	now := time.Now()
	assert.True(t, c.Get(keys.Key{"todos", 1}).IsStale(Forever, now))
	assert.True(t, c.Get(keys.Key{"todos", 2}).IsStale(Forever, now))
	assert.False(t, c.Get(keys.Key{"users", 1}).IsStale(Forever, now))
}

func TestInvalidateRefetchesActiveEntries(t *testing.T) {
	c := testCache(t)
	var calls atomic.Int32
	fn := func(FetchRequest) (any, error) { return calls.Add(1), nil }

	o := NewObserver(c, Options{Key: keys.Key{"todos"}, Fetch: fn}, nil)
	o.Start()
	defer o.Stop()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	// Inactive entry: marked stale only.
	c.SetData(keys.Key{"silent"}, "x", time.Time{})

	c.Invalidate(nil, InvalidateOptions{RefetchActive: true})
	assert.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusSuccess, c.Get(keys.Key{"silent"}).Status())
}

func TestBulkRefetch(t *testing.T) {
	c := testCache(t)
	var calls atomic.Int32
	fn := func(FetchRequest) (any, error) { return calls.Add(1), nil }

	e := c.GetOrCreate(keys.Key{"todos"}, Options{})
	_, err := waitAttempt(t, e.Fetch(Options{Fetch: fn}, false))
	require.NoError(t, err)

	for _, att := range c.Refetch(keys.Key{"todos"}) {
		_, err := waitAttempt(t, att)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestBulkReset(t *testing.T) {
	c := testCache(t)
	c.SetData(keys.Key{"todos", 1}, "a", time.Time{})
	c.SetData(keys.Key{"users", 1}, "u", time.Time{})

	c.Reset(keys.Key{"todos"})
	assert.Equal(t, StatusPending, c.Get(keys.Key{"todos", 1}).Status())
	assert.Equal(t, StatusSuccess, c.Get(keys.Key{"users", 1}).Status())
}

func TestBulkRemove(t *testing.T) {
	c := testCache(t)
	c.SetData(keys.Key{"todos", 1}, "a", time.Time{})
	c.SetData(keys.Key{"todos", 2}, "b", time.Time{})
	c.SetData(keys.Key{"users", 1}, "u", time.Time{})

	c.Remove(keys.Key{"todos"})
	assert.Nil(t, c.Get(keys.Key{"todos", 1}))
	assert.Nil(t, c.Get(keys.Key{"todos", 2}))
	assert.NotNil(t, c.Get(keys.Key{"users", 1}))
	assert.Equal(t, 1, c.Len())
}

func TestBulkCancel(t *testing.T) {
	c := testCache(t)
	e := c.GetOrCreate(keys.Key{"slow"}, Options{})
	e.SetData("v1", time.Time{})

	started := make(chan struct{})
	fn := func(req FetchRequest) (any, error) {
		close(started)
		<-req.Token.Done()
		return nil, ErrCancelled
	}
	att := e.Fetch(Options{Fetch: fn}, false)
	<-started

	c.CancelFetches(nil)
	_, err := waitAttempt(t, att)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, "v1", e.Data())
	assert.Equal(t, StatusSuccess, e.Status())
}

func TestOfflinePausesFetch(t *testing.T) {
	c := testCache(t)
	e := c.GetOrCreate(keys.Key{"paused"}, Options{})

	c.SetOnline(false)
	var calls atomic.Int32
	att := e.Fetch(Options{Fetch: func(FetchRequest) (any, error) {
		return calls.Add(1), nil
	}}, false)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, FetchPaused, e.FetchStatus())
	assert.Zero(t, calls.Load(), "no fetch call while offline")

	// Requests while paused join the parked attempt.
	att2 := e.Fetch(Options{Fetch: func(FetchRequest) (any, error) {
		return calls.Add(1), nil
	}}, false)
	assert.Same(t, att, att2)

	c.SetOnline(true)
	data, err := waitAttempt(t, att)
	require.NoError(t, err)
	assert.Equal(t, int32(1), data)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, StatusSuccess, e.Status())
}

func TestOfflineDuringRetryParksRun(t *testing.T) {
	c := testCache(t)
	e := c.GetOrCreate(keys.Key{"flaky"}, Options{})

	var calls atomic.Int32
	att := e.Fetch(Options{
		Fetch: func(FetchRequest) (any, error) {
			if calls.Add(1) == 1 {
				c.SetOnline(false)
				return nil, errors.New("transient")
			}
			return "recovered", nil
		},
		RetryLimit: 3,
		RetryDelay: func(int, error) time.Duration { return 10 * time.Millisecond },
	}, false)

	// The run parks between retries instead of retrying into a dead network.
	require.Eventually(t, func() bool {
		return e.FetchStatus() == FetchPaused
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	c.SetOnline(true)
	data, err := waitAttempt(t, att)
	require.NoError(t, err)
	assert.Equal(t, "recovered", data)
	assert.Equal(t, int32(2), calls.Load())
}

func TestReconnectRefetchesStaleObserved(t *testing.T) {
	c := testCache(t, WithDefaults(Defaults{RefetchOnReconnect: true}))
	var calls atomic.Int32
	fn := func(FetchRequest) (any, error) { return calls.Add(1), nil }

	o := NewObserver(c, Options{Key: keys.Key{"live"}, Fetch: fn}, nil)
	o.Start()
	defer o.Stop()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	c.SetOnline(false)
	c.SetOnline(true)
	assert.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestFocusRefetchesStaleObserved(t *testing.T) {
	c := testCache(t, WithDefaults(Defaults{RefetchOnFocus: true}))
	var calls atomic.Int32
	fn := func(FetchRequest) (any, error) { return calls.Add(1), nil }

	o := NewObserver(c, Options{Key: keys.Key{"focus"}, Fetch: fn}, nil)
	o.Start()
	defer o.Stop()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	c.SetFocused(false)
	c.SetFocused(true)
	assert.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)

	// Fresh data does not refetch on focus.
	o2 := NewObserver(c, Options{Key: keys.Key{"focus"}, Fetch: fn, StaleTime: Forever}, nil)
	o2.Start()
	defer o2.Stop()
	o.Stop()
	before := calls.Load()
	c.SetFocused(false)
	c.SetFocused(true)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, before, calls.Load())
}

func TestListenerReceivesCommits(t *testing.T) {
	c := testCache(t)
	l := &recordingListener{}
	c.SetListener(l)

	key := keys.Key{"todos"}
	e := c.GetOrCreate(key, Options{})
	_, err := waitAttempt(t, e.Fetch(Options{Fetch: fetchValue("v1")}, false))
	require.NoError(t, err)

	assert.Equal(t, int32(1), l.successes.Load())

	c.Remove(key)
	assert.Equal(t, int32(1), l.removals.Load())
}

func TestListenerNotFiredOnFailedFetch(t *testing.T) {
	c := testCache(t)
	l := &recordingListener{}
	c.SetListener(l)

	e := c.GetOrCreate(keys.Key{"broken"}, Options{})
	att := e.Fetch(Options{
		Fetch:      func(FetchRequest) (any, error) { return nil, errors.New("boom") },
		RetryLimit: -1,
	}, false)
	waitAttempt(t, att)
	assert.Zero(t, l.successes.Load())
}

type recordingListener struct {
	successes atomic.Int32
	removals  atomic.Int32
}

func (l *recordingListener) OnFetchSuccess(keys.Key, string, any, time.Time) {
	l.successes.Add(1)
}

func (l *recordingListener) OnEntryRemoved(keys.Key, string) {
	l.removals.Add(1)
}
