// Package strategy provides a reusable scheduler for state machines of the
// shape "exactly one active named state with a cancellable async body". The
// runtime owns the current strategy, runs its body with a cancellation
// context, and transitions to whatever the body or an external caller picks
// next. At most one body executes at a time; coordination happens only through
// cancellation and the pending-next slot.
package strategy

import (
	"context"
	"sync"
)

// Strategy is one named state. Run blocks until the state is finished or its
// context is cancelled, and may name a successor. Cancellation is cooperative:
// a body must observe ctx and return promptly.
type Strategy[S any] interface {
	Type() string
	Run(ctx context.Context) (S, error)
}

// Options configure a Runtime.
type Options[S Strategy[S]] struct {
	// Init is the first strategy. When nil, Idle() is used.
	Init S
	// Idle supplies the fallback strategy when neither the caller nor the
	// finished body named a successor.
	Idle func() S
	// Error wraps a body failure into the error-variant strategy.
	Error func(error) S
	// IsError inspects a strategy for the error variant, returning the wrapped
	// error. Used by AwaitType to fail fast instead of waiting forever.
	IsError func(S) (error, bool)
}

// Runtime is the single-flight scheduler.
type Runtime[S Strategy[S]] struct {
	idle    func() S
	errWrap func(error) S
	isError func(S) (error, bool)

	mu       sync.Mutex
	current  S
	pending  *S
	cancel   context.CancelFunc
	changeCh chan struct{}
	stopped  bool
	done     chan struct{}
}

// New creates a runtime and starts its scheduling loop.
func New[S Strategy[S]](opts Options[S]) *Runtime[S] {
	init := opts.Init
	if any(init) == nil {
		init = opts.Idle()
	}
	r := &Runtime[S]{
		idle:     opts.Idle,
		errWrap:  opts.Error,
		isError:  opts.IsError,
		current:  init,
		changeCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Runtime[S]) loop() {
	defer close(r.done)
	for {
		r.mu.Lock()
		// A Change that landed between two bodies has no run to cancel; apply
		// it here so the stale state is never re-entered. This happens even
		// when stopping, so a Change racing Stop still settles.
		if r.pending != nil {
			r.current = *r.pending
			r.pending = nil
			close(r.changeCh)
			r.changeCh = make(chan struct{})
		}
		if r.stopped {
			r.mu.Unlock()
			return
		}
		current := r.current
		ctx, cancel := context.WithCancel(context.Background())
		r.cancel = cancel
		r.mu.Unlock()

		next, err := current.Run(ctx)
		cancel()

		r.mu.Lock()
		var actual S
		switch {
		case r.pending != nil:
			// A queued explicit transition always wins, even over a body
			// failure: the caller already decided to move on.
			actual = *r.pending
			r.pending = nil
		case r.stopped:
			// Stop cancelled the body; freeze the last state rather than
			// wrapping our own cancellation into an error.
			r.mu.Unlock()
			return
		case err != nil:
			actual = r.errWrap(err)
		case any(next) != nil:
			actual = next
		default:
			actual = r.idle()
		}
		r.current = actual
		close(r.changeCh)
		r.changeCh = make(chan struct{})
		r.mu.Unlock()
	}
}

// Change records next as the pending transition and cancels the running body.
// Fire-and-forget and idempotent under rapid repeated calls: only the last
// call before the body observes cancellation wins.
func (r *Runtime[S]) Change(next S) {
	r.mu.Lock()
	r.pending = &next
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Stop cancels the current body and shuts the loop down after the final
// transition is applied. Await calls after Stop still observe the last state.
func (r *Runtime[S]) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.stopped = true
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-r.done
}

// Current returns the active strategy.
func (r *Runtime[S]) Current() S {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Type returns the active strategy's type.
func (r *Runtime[S]) Type() string {
	return r.Current().Type()
}

// AwaitChange blocks until the next transition, or until ctx is done.
func (r *Runtime[S]) AwaitChange(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	ch := r.changeCh
	r.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AwaitType blocks until the active strategy has the target type. When the
// machine sits in the error variant with no transition pending, it fails
// immediately with the wrapped error instead of waiting forever.
func (r *Runtime[S]) AwaitType(ctx context.Context, target string) error {
	for {
		r.mu.Lock()
		ch := r.changeCh
		current := r.current
		hasPending := r.pending != nil
		r.mu.Unlock()

		if current.Type() == target {
			return nil
		}
		if wrapped, ok := r.isError(current); ok && !hasPending {
			return wrapped
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Idle blocks until cancelled. Strategies without an active body use it as
// their Run.
func Idle[S any](ctx context.Context) (S, error) {
	<-ctx.Done()
	var zero S
	return zero, ctx.Err()
}
