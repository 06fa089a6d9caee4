// Package dispatch provides the contexts on which command callbacks run.
package dispatch

import (
	"sync"
	"sync/atomic"
)

// Dispatcher runs callbacks on a caller-designated context.
type Dispatcher interface {
	Dispatch(fn func())
}

// Inline runs callbacks on the calling goroutine.
type Inline struct{}

// Dispatch runs fn immediately.
func (Inline) Dispatch(fn func()) {
	fn()
}

// Serial runs callbacks one at a time, in submission order, on a single
// goroutine. Dispatch never blocks.
type Serial struct {
	queue  []func()
	wake   chan struct{}
	closed bool
	done   chan struct{}

	// running is set while a callback runs.
	running atomic.Bool

	mu sync.Mutex
}

// NewSerial starts a Serial dispatcher.
func NewSerial() *Serial {
	s := &Serial{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.run()

	return s
}

// Dispatch queues fn. Callbacks dispatched after Close are dropped.
func (s *Serial) Dispatch(fn func()) {
	if fn == nil {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close stops accepting callbacks. Callbacks that are already queued still
// run; use Wait to block until they have.
func (s *Serial) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Wait blocks until the dispatcher has stopped. Called from a callback, it
// returns at once; a closed dispatcher stops after the callbacks which are
// already queued.
func (s *Serial) Wait() {
	if s.running.Load() {
		return
	}

	<-s.done
}

func (s *Serial) run() {
	defer close(s.done)

	for {
		s.mu.Lock()
		queue := s.queue
		s.queue = nil
		closed := s.closed
		s.mu.Unlock()

		for _, fn := range queue {
			s.running.Store(true)
			fn()
			s.running.Store(false)
		}

		if len(queue) > 0 {
			continue
		}
		if closed {
			return
		}

		<-s.wake
	}
}
