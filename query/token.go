package query

import (
	"errors"
	"sync"
)

// ErrCancelled is the distinguished error a fetch function may return (or a
// caller may wrap) to report that it observed cancellation. Cancelled attempts
// are discarded silently: they are never retried, never become the entry's
// error state, and never overwrite retained data.
var ErrCancelled = errors.New("query: fetch cancelled")

// Token is a cooperative cancellation flag with listener callbacks. The engine
// hands a fresh Token to every fetch attempt; the fetch function is expected
// to poll IsCancelled (or select on Done) at safe points and abort. Cancelling
// a token only guarantees the attempt's result is discarded — it cannot
// interrupt code that ignores the signal.
type Token struct {
	mu        sync.Mutex
	cancelled bool
	done      chan struct{}
	listeners []func()
}

// NewToken returns a token in the not-cancelled state.
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel flips the flag and fires every registered listener exactly once.
// Subsequent calls are no-ops.
func (t *Token) Cancel() {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	listeners := t.listeners
	t.listeners = nil
	close(t.done)
	t.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// IsCancelled reports whether Cancel has been called.
func (t *Token) IsCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// OnCancel registers a listener invoked when the token is cancelled. If the
// token is already cancelled the listener runs immediately on the calling
// goroutine.
func (t *Token) OnCancel(fn func()) {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		fn()
		return
	}
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// Done returns a channel closed on cancellation, for select-based fetchers.
func (t *Token) Done() <-chan struct{} {
	return t.done
}
