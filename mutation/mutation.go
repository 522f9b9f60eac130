// Package mutation runs one-shot asynchronous writes with optimistic-update
// hooks. A Runner is not key-addressed and never cached: create one per
// logical action (or keep one per form/command and call Mutate repeatedly).
//
// The OnMutate hook runs to completion — including any synchronous cache
// writes it performs — before the write operation starts, so optimistic state
// is visible immediately. Its return value is passed back to OnSuccess,
// OnError and OnSettled as the rollback context; the usual pattern snapshots
// the cache entries about to be edited and restores them in OnError:
//
//	runner, _ := mutation.New(mutation.Options[Todo, Todo]{
//	    Fn: saveTodo,
//	    OnMutate: func(ctx context.Context, todo Todo) (any, error) {
//	        prev, _ := cache.GetData(keys.Key{"todos", todo.ID})
//	        cache.SetData(keys.Key{"todos", todo.ID}, todo, time.Time{})
//	        return prev, nil
//	    },
//	    OnError: func(ctx context.Context, err error, todo Todo, prev any) {
//	        cache.SetData(keys.Key{"todos", todo.ID}, prev, time.Time{})
//	    },
//	    OnSettled: func(ctx context.Context, _ *Todo, _ error, todo Todo, _ any) {
//	        cache.Invalidate(keys.Key{"todos"}, query.InvalidateOptions{RefetchActive: true})
//	    },
//	})
package mutation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrNilFn is returned by New when no write function is supplied.
var ErrNilFn = errors.New("mutation: fn cannot be nil")

// Status is the lifecycle state of a mutation runner.
type Status int

const (
	StatusIdle Status = iota
	StatusPending
	StatusError
	StatusSuccess
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
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

// Fn performs the write.
type Fn[TData, TVars any] func(ctx context.Context, vars TVars) (TData, error)

// Options configures a Runner. Only Fn is required.
type Options[TData, TVars any] struct {
	// Fn performs the write.
	Fn Fn[TData, TVars]
	// OnMutate runs before Fn. Whatever it returns is the rollback context
	// delivered to the remaining callbacks. Returning an error aborts the
	// mutation before the write starts; the abort still runs OnError and
	// OnSettled so optimistic edits can be rolled back.
	OnMutate func(ctx context.Context, vars TVars) (any, error)
	// OnSuccess runs after Fn succeeds, before OnSettled.
	OnSuccess func(ctx context.Context, data TData, vars TVars, mutateCtx any)
	// OnError runs after Fn (or OnMutate) fails, before OnSettled.
	OnError func(ctx context.Context, err error, vars TVars, mutateCtx any)
	// OnSettled runs last on both outcomes.
	OnSettled func(ctx context.Context, data TData, err error, vars TVars, mutateCtx any)
}

// Runner executes mutations and exposes the state of the most recent call.
// Concurrent Mutate calls are permitted and run their callback chains
// independently; the newest call owns the observable state.
type Runner[TData, TVars any] struct {
	id   string
	opts Options[TData, TVars]

	mu     sync.Mutex
	seq    uint64
	status Status
	vars   TVars
	data   TData
	err    error
}

// New builds a Runner.
func New[TData, TVars any](opts Options[TData, TVars]) (*Runner[TData, TVars], error) {
	if opts.Fn == nil {
		return nil, ErrNilFn
	}
	return &Runner[TData, TVars]{
		id:   uuid.New().String(),
		opts: opts,
	}, nil
}

// ID returns the runner's unique instance id.
func (r *Runner[TData, TVars]) ID() string {
	return r.id
}

// Mutate runs one mutation cycle: OnMutate, then Fn, then the outcome
// callbacks. Unlike query errors, the failure is returned to the caller as
// well as delivered to OnError — a mutation failure is first-class and never
// silently absorbed into cached state.
func (r *Runner[TData, TVars]) Mutate(ctx context.Context, vars TVars) (TData, error) {
	r.mu.Lock()
	r.seq++
	seq := r.seq
	r.status = StatusPending
	r.vars = vars
	r.mu.Unlock()

	var mutateCtx any
	if r.opts.OnMutate != nil {
		var err error
		mutateCtx, err = r.runOnMutate(ctx, vars)
		if err != nil {
			return r.fail(ctx, seq, vars, mutateCtx, err)
		}
	}

	data, err := r.opts.Fn(ctx, vars)
	if err != nil {
		return r.fail(ctx, seq, vars, mutateCtx, err)
	}

	r.commit(seq, func() {
		r.status = StatusSuccess
		r.data = data
		r.err = nil
	})
	if r.opts.OnSuccess != nil {
		r.opts.OnSuccess(ctx, data, vars, mutateCtx)
	}
	if r.opts.OnSettled != nil {
		r.opts.OnSettled(ctx, data, nil, vars, mutateCtx)
	}
	return data, nil
}

func (r *Runner[TData, TVars]) runOnMutate(ctx context.Context, vars TVars) (mutateCtx any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("mutation: onMutate panic: %v", rec)
		}
	}()
	return r.opts.OnMutate(ctx, vars)
}

func (r *Runner[TData, TVars]) fail(ctx context.Context, seq uint64, vars TVars, mutateCtx any, err error) (TData, error) {
	var zero TData
	r.commit(seq, func() {
		r.status = StatusError
		r.data = zero
		r.err = err
	})
	if r.opts.OnError != nil {
		r.opts.OnError(ctx, err, vars, mutateCtx)
	}
	if r.opts.OnSettled != nil {
		r.opts.OnSettled(ctx, zero, err, vars, mutateCtx)
	}
	return zero, err
}

// commit applies an observable state change only if this call is still the
// newest one; an older concurrent call never overwrites a newer call's state.
func (r *Runner[TData, TVars]) commit(seq uint64, apply func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if seq != r.seq {
		return
	}
	apply()
}

// Reset returns the runner to idle, clearing variables, data and error.
func (r *Runner[TData, TVars]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	var zeroData TData
	var zeroVars TVars
	r.status = StatusIdle
	r.data = zeroData
	r.vars = zeroVars
	r.err = nil
}

// Status returns the state of the most recent call.
func (r *Runner[TData, TVars]) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Data returns the result of the most recent successful call.
func (r *Runner[TData, TVars]) Data() TData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data
}

// Err returns the error of the most recent failed call.
func (r *Runner[TData, TVars]) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Variables returns the input of the most recent call.
func (r *Runner[TData, TVars]) Variables() TVars {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.vars
}
