// Package awaitable turns a single callback resolution into a cancellable,
// deadline-bound result.
//
// An Awaitable is resolved from exactly one place: the first call to Resolve,
// Reject, Cancel, or the expiry of its deadline wins, and every later call is
// ignored. Cancellation is recorded separately from expiry so that callers can
// tell a deliberate teardown from a timeout.
package awaitable

import (
	"context"
	"sync"
	"time"

	"github.com/bluetuith-org/blecommand/api/errorkinds"
)

// Outcome describes how an Awaitable was settled.
type Outcome uint8

const (
	Pending Outcome = iota
	Resolved
	Rejected
	Expired
	Cancelled
)

// String converts an Outcome to a string.
func (o Outcome) String() string {
	switch o {
	case Resolved:
		return "resolved"
	case Rejected:
		return "rejected"
	case Expired:
		return "expired"
	case Cancelled:
		return "cancelled"
	}

	return "pending"
}

// Awaitable holds one pending result.
type Awaitable[T any] struct {
	value   T
	err     error
	outcome Outcome

	timer *time.Timer
	done  chan struct{}
	hooks []func(T, error)

	mu sync.Mutex
}

// New returns an Awaitable. If timeout is positive, the Awaitable expires
// with a timeout error after that duration unless it was settled before.
func New[T any](timeout time.Duration) *Awaitable[T] {
	a := &Awaitable[T]{done: make(chan struct{})}
	if timeout > 0 {
		a.timer = time.AfterFunc(timeout, a.expire)
	}

	return a
}

// Resolve settles the Awaitable with a value. It reports whether this call
// determined the outcome.
func (a *Awaitable[T]) Resolve(value T) bool {
	return a.settle(Resolved, value, nil)
}

// Reject settles the Awaitable with an error.
func (a *Awaitable[T]) Reject(err error) bool {
	var zero T
	return a.settle(Rejected, zero, err)
}

// Cancel settles the Awaitable as cancelled. A nil reason is replaced with
// a teardown error.
func (a *Awaitable[T]) Cancel(reason error) bool {
	if reason == nil {
		reason = errorkinds.ErrCancelledTeardown
	}

	var zero T
	return a.settle(Cancelled, zero, reason)
}

// OnSettled registers fn to run once the Awaitable is settled. If it already
// is, fn runs immediately on the calling goroutine.
func (a *Awaitable[T]) OnSettled(fn func(T, error)) {
	a.mu.Lock()
	if a.outcome == Pending {
		a.hooks = append(a.hooks, fn)
		a.mu.Unlock()

		return
	}

	value, err := a.value, a.err
	a.mu.Unlock()

	fn(value, err)
}

// Wait blocks until the Awaitable is settled or the context is done. A done
// context does not settle the Awaitable.
func (a *Awaitable[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-a.done:
		return a.Result()

	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the settled value and error. It does not block.
func (a *Awaitable[T]) Result() (T, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.value, a.err
}

// Done returns a channel which is closed once the Awaitable is settled.
func (a *Awaitable[T]) Done() <-chan struct{} {
	return a.done
}

// Outcome returns how the Awaitable was settled.
func (a *Awaitable[T]) Outcome() Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.outcome
}

// Settled reports whether the Awaitable has an outcome.
func (a *Awaitable[T]) Settled() bool {
	return a.Outcome() != Pending
}

// Cancelled reports whether the Awaitable was settled by Cancel.
func (a *Awaitable[T]) Cancelled() bool {
	return a.Outcome() == Cancelled
}

func (a *Awaitable[T]) expire() {
	var zero T
	a.settle(Expired, zero, errorkinds.Wrap(errorkinds.ErrMethodTimeout, "awaitable", "", ""))
}

func (a *Awaitable[T]) settle(outcome Outcome, value T, err error) bool {
	if a == nil {
		return false
	}

	a.mu.Lock()
	if a.outcome != Pending {
		a.mu.Unlock()
		return false
	}

	a.outcome = outcome
	a.value = value
	a.err = err

	if a.timer != nil {
		a.timer.Stop()
	}

	hooks := a.hooks
	a.hooks = nil
	close(a.done)
	a.mu.Unlock()

	for _, hook := range hooks {
		hook(value, err)
	}

	return true
}
