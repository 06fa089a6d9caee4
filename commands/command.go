// Package commands describes the operations the engine executes. A command is
// created by the caller, executed by exactly one session, and completes
// exactly once with a result, a typed error, or a timeout.
package commands

import (
	"context"
	"sync"
	"time"

	"github.com/bluetuith-org/blecommand/api/bluetooth"
	"github.com/bluetuith-org/blecommand/api/errorkinds"
	"github.com/bluetuith-org/blecommand/api/helpers/dispatch"
	"github.com/oklog/ulid/v2"
)

// NoResult is the result type of commands which only report errors.
type NoResult = struct{}

// Command is one requested operation.
type Command interface {
	// ID returns the unique identifier of the command.
	ID() ulid.ULID

	// Kind returns the kind of the command.
	Kind() Kind

	// Description returns a human-readable description of the command.
	Description() string

	// Address returns the addressed device, or bluetooth.NilAddress for
	// commands which do not address a device.
	Address() bluetooth.MacAddress

	// Timeout returns the timeout of the command. Zero or negative means
	// the command never times out.
	Timeout() time.Duration

	// Equal reports whether both commands request the same operation.
	Equal(other Command) bool

	// Execute hands the command to the receiver. It does not block.
	Execute(r Receiver)

	Complete()
	ErrorAndComplete(err error)
	Cancel()

	Completed() bool
	Errored() bool
	Err() error
	Done() <-chan struct{}

	base() *Base
}

// Interceptor receives the callbacks of a command instead of its owner.
type Interceptor interface {
	InterceptResult(c Command, value any)
	InterceptFailure(c Command, err error)
	InterceptCompleted(c Command)
}

// Option configures a command.
type Option func(b *Base)

// WithTimeout sets the timeout of the command. Zero or negative disables it.
func WithTimeout(timeout time.Duration) Option {
	return func(b *Base) {
		b.timeout = timeout
		b.timeoutSet = true
	}
}

// WithDescription overrides the description of the command.
func WithDescription(description string) Option {
	return func(b *Base) {
		b.description = description
	}
}

// WithDispatcher sets the context the callbacks of the command run on.
func WithDispatcher(d dispatch.Dispatcher) Option {
	return func(b *Base) {
		b.dispatcher = d
	}
}

// OnError sets the failure callback.
func OnError(fn func(err error)) Option {
	return func(b *Base) {
		b.onError = fn
	}
}

// OnCompleted sets the completion callback, which runs after the result or
// failure callback.
func OnCompleted(fn func()) Option {
	return func(b *Base) {
		b.onCompleted = fn
	}
}

// Base holds the lifecycle shared by every command kind.
type Base struct {
	id          ulid.ULID
	kind        Kind
	description string
	address     bluetooth.MacAddress
	self        Command

	timeout    time.Duration
	timeoutSet bool

	dispatcher  dispatch.Dispatcher
	interceptor Interceptor
	onError     func(error)
	onCompleted func()

	completed bool
	errored   bool
	err       error
	done      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	timers []*time.Timer

	mu sync.Mutex
}

func (b *Base) init(self Command, kind Kind, address bluetooth.MacAddress, opts []Option) {
	b.id = ulid.Make()
	b.kind = kind
	b.address = address
	b.self = self
	b.description = kind.String()
	if !address.IsNil() {
		b.description += " " + address.String()
	}

	b.done = make(chan struct{})
	b.ctx, b.cancel = context.WithCancel(context.Background())

	for _, opt := range opts {
		opt(b)
	}
}

func (b *Base) base() *Base {
	return b
}

// ID returns the unique identifier of the command.
func (b *Base) ID() ulid.ULID {
	return b.id
}

// Kind returns the kind of the command.
func (b *Base) Kind() Kind {
	return b.kind
}

// Description returns a human-readable description of the command.
func (b *Base) Description() string {
	return b.description
}

// Address returns the addressed device.
func (b *Base) Address() bluetooth.MacAddress {
	return b.address
}

// Timeout returns the timeout of the command.
func (b *Base) Timeout() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.timeout
}

// Immediate reports whether the command preempts the queue it is added to.
func (b *Base) Immediate() bool {
	return b.kind.Immediate()
}

// Dispatcher returns the context the callbacks of the command run on.
func (b *Base) Dispatcher() dispatch.Dispatcher {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dispatcher == nil {
		return dispatch.Inline{}
	}

	return b.dispatcher
}

// Intercept redirects the callbacks of the command to the interceptor.
func (b *Base) Intercept(i Interceptor) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.interceptor = i
}

// Completed reports whether the command has completed.
func (b *Base) Completed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.completed
}

// Errored reports whether the command completed with an error.
func (b *Base) Errored() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.errored
}

// Err returns the error the command completed with.
func (b *Base) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.err
}

// Done returns a channel which is closed when the command completes.
func (b *Base) Done() <-chan struct{} {
	return b.done
}

// Context returns a context which is cancelled when the command completes.
func (b *Base) Context() context.Context {
	return b.ctx
}

// Go runs fn as a task owned by the command. The context passed to fn is
// cancelled when the command completes.
func (b *Base) Go(fn func(ctx context.Context)) {
	if b.ctx.Err() != nil {
		return
	}

	go fn(b.ctx)
}

// After runs fn once the duration has elapsed, unless the command completed
// before.
func (b *Base) After(d time.Duration, fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.completed {
		return
	}

	b.timers = append(b.timers, time.AfterFunc(d, func() {
		if b.ctx.Err() == nil {
			fn()
		}
	}))
}

// Complete completes the command successfully. It has no effect on a
// command which already completed.
func (b *Base) Complete() {
	b.settle(nil, nil, false)
}

// ErrorAndComplete completes the command with an error. A nil error is
// treated as an internal error.
func (b *Base) ErrorAndComplete(err error) {
	if err == nil {
		err = errorkinds.Wrap(errorkinds.ErrMethodCall, b.kind.String(), b.addressString(), "Command failed without an error")
	}

	b.settle(err, nil, false)
}

// Cancel completes the command with a teardown error.
func (b *Base) Cancel() {
	b.ErrorAndComplete(errorkinds.Wrap(errorkinds.ErrCancelledTeardown, b.kind.String(), b.addressString(), "Command was cancelled"))
}

// DefaultTimeout sets the timeout if none was configured when the command
// was created.
func (b *Base) DefaultTimeout(timeout time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.timeoutSet {
		b.timeout = timeout
		b.timeoutSet = true
	}
}

// DefaultDispatcher sets the dispatcher if none was configured.
func (b *Base) DefaultDispatcher(d dispatch.Dispatcher) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dispatcher == nil {
		b.dispatcher = d
	}
}

func (b *Base) addressString() string {
	return b.address.String()
}

// settle completes the command. The owned tasks are cancelled before any
// callback is dispatched, and Done is closed after.
func (b *Base) settle(err error, result func(), silent bool) bool {
	b.mu.Lock()
	if b.completed {
		b.mu.Unlock()
		return false
	}

	b.completed = true
	if err != nil {
		b.errored = true
		b.err = err
	}

	b.cancel()
	for _, t := range b.timers {
		t.Stop()
	}
	b.timers = nil

	interceptor := b.interceptor
	onError, onCompleted := b.onError, b.onCompleted
	self := b.self
	d := b.dispatcher
	b.mu.Unlock()

	if silent {
		close(b.done)
		return true
	}

	if d == nil {
		d = dispatch.Inline{}
	}

	d.Dispatch(func() {
		switch {
		case err != nil:
			if interceptor != nil {
				interceptor.InterceptFailure(self, err)
			} else if onError != nil {
				onError(err)
			}

		case result != nil:
			result()
		}

		if interceptor != nil {
			interceptor.InterceptCompleted(self)
		} else if onCompleted != nil {
			onCompleted()
		}
	})
	close(b.done)

	return true
}

// Result adds a typed success callback to Base.
type Result[T any] struct {
	Base

	onResult func(T)
}

// OnResult sets the success callback. It must be set before the command is
// submitted.
func (r *Result[T]) OnResult(fn func(T)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.onResult = fn
}

// ResultAndComplete completes the command with a value. It has no effect on
// a command which already completed.
func (r *Result[T]) ResultAndComplete(value T) {
	r.mu.Lock()
	onResult := r.onResult
	r.mu.Unlock()

	r.settle(nil, func() {
		r.mu.Lock()
		interceptor, self := r.interceptor, r.self
		r.mu.Unlock()

		if interceptor != nil {
			interceptor.InterceptResult(self, value)
			return
		}

		if onResult != nil {
			onResult(value)
		}
	}, false)
}

// Duplicate reports whether cmd repeats current while current is still
// executing.
func Duplicate(current, cmd Command) bool {
	if current == nil || cmd == nil || current.Completed() {
		return false
	}

	return current == cmd || current.Equal(cmd)
}

// Drop completes the command without running any of its callbacks.
func Drop(c Command, err error) {
	c.base().settle(err, nil, true)
}

// DefaultTimeout applies a timeout to a command created without one.
func DefaultTimeout(c Command, timeout time.Duration) {
	c.base().DefaultTimeout(timeout)
}

// DefaultDispatcher applies a dispatcher to a command created without one.
func DefaultDispatcher(c Command, d dispatch.Dispatcher) {
	c.base().DefaultDispatcher(d)
}

// Go runs fn as a task owned by the command.
func Go(c Command, fn func(ctx context.Context)) {
	c.base().Go(fn)
}

// Intercept redirects the callbacks of the command to the interceptor.
func Intercept(c Command, i Interceptor) {
	c.base().Intercept(i)
}
