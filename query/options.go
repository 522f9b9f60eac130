package query

import (
	"time"

	"github.com/agentuity/go-query/keys"
)

// Status is the data state of a query entry.
type Status int

const (
	// StatusPending means no fetch has succeeded yet.
	StatusPending Status = iota
	// StatusError means the most recent fetch run exhausted its retries.
	StatusError
	// StatusSuccess means the entry holds data from a successful fetch.
	StatusSuccess
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusError:
		return "error"
	case StatusSuccess:
		return "success"
	default:
		return "unknown"
	}
}

// FetchStatus is the network activity state of a query entry, independent of
// Status.
type FetchStatus int

const (
	FetchIdle FetchStatus = iota
	FetchActive
	FetchPaused
)

func (s FetchStatus) String() string {
	switch s {
	case FetchIdle:
		return "idle"
	case FetchActive:
		return "fetching"
	case FetchPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Forever disables a time-based policy. As a stale time it means data never
// goes stale; as a cache time it means an entry with zero observers is never
// garbage collected.
const Forever time.Duration = -1

// FetchRequest carries the inputs handed to a fetch function for one attempt.
type FetchRequest struct {
	Key       keys.Key
	PageParam any
	Token     *Token
}

// FetchFunc produces the data for a query. It is supplied by the caller at
// observe time and is the only place the engine touches the network. It may
// return ErrCancelled (or any error wrapping it) after observing Token
// cancellation; any other error is treated as transient and retried.
type FetchFunc func(req FetchRequest) (any, error)

// RetryDelayFunc computes the backoff before retry number attempt (1-based).
type RetryDelayFunc func(attempt int, err error) time.Duration

// DefaultRetryDelay doubles per attempt, capped at 16 seconds.
func DefaultRetryDelay(attempt int, _ error) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	secs := int64(1) << (attempt - 1)
	if secs > 16 {
		secs = 16
	}
	return time.Duration(secs) * time.Second
}

// DefaultRetryLimit is the number of retries after the initial attempt.
const DefaultRetryLimit = 3

// DefaultCacheTime is how long an entry with zero observers survives before
// garbage collection.
const DefaultCacheTime = 5 * time.Minute

// Defaults are cache-level fallbacks applied to every observer option set
// that does not override them.
type Defaults struct {
	// StaleTime is how long after a successful fetch the data is still
	// considered fresh. Zero means immediately stale; Forever means never.
	StaleTime time.Duration
	// CacheTime is how long an unobserved entry survives. Forever disables
	// garbage collection for entries created with it.
	CacheTime time.Duration
	// RetryLimit is the number of retries after a failed attempt.
	RetryLimit int
	// RetryDelay computes backoff between attempts. Nil means
	// DefaultRetryDelay.
	RetryDelay RetryDelayFunc
	// RefetchOnFocus triggers a refetch of stale, observed entries when the
	// application regains focus.
	RefetchOnFocus bool
	// RefetchOnReconnect resumes paused fetches and refetches stale,
	// observed entries when connectivity returns.
	RefetchOnReconnect bool
}

func (d Defaults) normalized() Defaults {
	if d.CacheTime == 0 {
		d.CacheTime = DefaultCacheTime
	}
	if d.RetryLimit == 0 {
		d.RetryLimit = DefaultRetryLimit
	}
	if d.RetryDelay == nil {
		d.RetryDelay = DefaultRetryDelay
	}
	return d
}

// Options is the immutable per-observer configuration for one query. It is
// constructed once per observer and replaced wholesale via
// Observer.SetOptions; individual fields are never mutated in place.
type Options struct {
	// Key identifies the query. Required.
	Key keys.Key
	// Fetch produces the data. Required for observers that fetch; bulk cache
	// operations reuse the last fetch configuration an entry has seen.
	Fetch FetchFunc
	// PageParam is passed through to the fetch function unchanged.
	PageParam any
	// Enabled gates fetching. A disabled observer still attaches and reads
	// cached state but never triggers a fetch.
	Enabled *bool
	// StaleTime overrides the cache default when non-zero (Forever allowed).
	StaleTime time.Duration
	// CacheTime overrides the cache default when non-zero (Forever allowed).
	CacheTime time.Duration
	// RetryLimit overrides the cache default when non-zero. Use -1 for no
	// retries.
	RetryLimit int
	// RetryDelay overrides the cache default when non-nil.
	RetryDelay RetryDelayFunc
	// Select projects raw entry data into the consumer-facing result. Errors
	// (or panics) in Select surface as the observer's error only; the shared
	// entry is untouched.
	Select func(data any) (any, error)
	// KeepPreviousData keeps the previous key's data visible, flagged
	// IsPreviousData, while a new key's first fetch is in flight.
	KeepPreviousData bool
	// RefetchInterval forces a periodic refetch regardless of staleness.
	// Zero disables.
	RefetchInterval time.Duration
}

func (o Options) enabled() bool {
	return o.Enabled == nil || *o.Enabled
}

// withDefaults resolves zero-valued fields against cache-level defaults.
func (o Options) withDefaults(d Defaults) Options {
	if o.StaleTime == 0 {
		o.StaleTime = d.StaleTime
	}
	if o.CacheTime == 0 {
		o.CacheTime = d.CacheTime
	}
	if o.RetryLimit == 0 {
		o.RetryLimit = d.RetryLimit
	}
	if o.RetryDelay == nil {
		o.RetryDelay = d.RetryDelay
	}
	return o
}

// Enabled returns a pointer suitable for Options.Enabled.
func Enabled(v bool) *bool {
	return &v
}
