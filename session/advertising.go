package session

import (
	"context"
	"reflect"
	"sync"

	"github.com/bluetuith-org/blecommand/api/bluetooth"
	"github.com/bluetuith-org/blecommand/api/errorkinds"
	"github.com/bluetuith-org/blecommand/api/helpers/awaitable"
	"github.com/bluetuith-org/blecommand/api/logger"
	"github.com/bluetuith-org/blecommand/commands"
	"github.com/bluetuith-org/blecommand/invoker"
)

// advertiseRun receives the callbacks of one start request.
type advertiseRun struct {
	wait *awaitable.Awaitable[commands.NoResult]
}

func (r *advertiseRun) AdvertiseStarted() {
	r.wait.Resolve(commands.NoResult{})
}

func (r *advertiseRun) AdvertiseFailed(err error) {
	message := "Advertising failed to start"
	if err != nil {
		message += ": " + err.Error()
	}

	r.wait.Reject(errorkinds.Wrap(errorkinds.ErrRejected, "advertise", "", message))
}

// Advertising executes advertising commands against the advertiser of the
// adapter.
type Advertising struct {
	unsupported

	deps Deps
	log  logger.Logger
	inv  *invoker.Invoker

	pending *advertiseRun
	active  bool
	params  bluetooth.AdvertiseParams
	closed  bool

	mu sync.Mutex
}

// NewAdvertising starts the advertising session.
func NewAdvertising(deps Deps) *Advertising {
	deps = deps.withDefaults()

	s := &Advertising{
		unsupported: unsupported{kind: KindAdvertising},
		deps:        deps,
		log:         deps.Log.With(logger.F("session", KindAdvertising.String())),
	}
	s.inv = invoker.New(KindAdvertising.String(), s, nil, deps.Log)

	return s
}

// Kind returns KindAdvertising.
func (s *Advertising) Kind() Kind {
	return KindAdvertising
}

// Address returns bluetooth.NilAddress.
func (s *Advertising) Address() bluetooth.MacAddress {
	return bluetooth.NilAddress
}

// State reports an active advertisement as connected.
func (s *Advertising) State() bluetooth.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.active:
		return bluetooth.StateConnected
	case s.pending != nil:
		return bluetooth.StateConnecting
	}

	return bluetooth.StateDisconnected
}

// Submit queues a command on the session.
func (s *Advertising) Submit(cmd commands.Command) {
	s.inv.Add(cmd)
}

// StartAdvertising starts advertising and succeeds once the advertiser
// reports that it started. Advertising the same payload again succeeds
// immediately; a different payload must be stopped first.
func (s *Advertising) StartAdvertising(c *commands.StartAdvertising) {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		c.ErrorAndComplete(errorkinds.Wrap(errorkinds.ErrSessionStop, "advertise", "", "The session was stopped"))

		return

	case s.active && reflect.DeepEqual(s.params, c.Params):
		s.mu.Unlock()
		c.Complete()

		return

	case s.active || s.pending != nil:
		s.mu.Unlock()
		c.ErrorAndComplete(errorkinds.Wrap(errorkinds.ErrBusy, "advertise", "", "The device is already advertising"))

		return
	}

	run := &advertiseRun{wait: awaitable.New[commands.NoResult](c.Timeout())}
	s.pending = run
	s.mu.Unlock()

	run.wait.OnSettled(func(_ commands.NoResult, err error) {
		s.mu.Lock()
		owned := s.pending == run
		if owned {
			s.pending = nil
			if err == nil {
				s.active = true
				s.params = c.Params
			}
		}
		s.mu.Unlock()

		if err != nil {
			if owned {
				s.deps.Adapter.StopAdvertising()
			}

			c.ErrorAndComplete(err)

			return
		}

		s.log.Info("Advertising", commandFields(c)...)
		s.deps.Bus.Publish(bluetooth.EventAdvertising, bluetooth.AdvertisingEvent{Active: true})
		c.Complete()
	})

	c.Go(func(ctx context.Context) {
		<-ctx.Done()
		run.wait.Cancel(errorkinds.Wrap(errorkinds.ErrCancelledTeardown, "advertise", "", "Advertising was cancelled"))
	})

	if !s.deps.Adapter.StartAdvertising(c.Params, run) {
		run.wait.Reject(errorkinds.Wrap(errorkinds.ErrRejected, "advertise", "", "The adapter refused to start advertising"))
	}
}

// StopAdvertising stops advertising and cancels a pending start.
func (s *Advertising) StopAdvertising(c *commands.StopAdvertising) {
	s.reset(errorkinds.Wrap(errorkinds.ErrCancelledTeardown, "advertise", "", "Advertising was stopped"))
	c.Complete()
}

// Close stops advertising and the session.
func (s *Advertising) Close(c *commands.Close) {
	s.stop(errorkinds.Wrap(errorkinds.ErrCancelledTeardown, "advertise", "", "The session was closed"))
	c.Complete()
}

// Shutdown stops advertising and the session, and waits for it.
func (s *Advertising) Shutdown() {
	s.stop(errorkinds.Wrap(errorkinds.ErrSessionStop, "advertise", "", "The session was shut down"))
	s.inv.Wait()
}

// RadioChanged fails a pending start when the radio is switched off.
func (s *Advertising) RadioChanged(enabled bool) {
	if enabled {
		return
	}

	s.reset(errorkinds.Wrap(errorkinds.ErrDisconnected, "radio", "", "The radio was switched off"))
}

func (s *Advertising) stop(reason error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.reset(reason)
	s.inv.Close()
}

func (s *Advertising) reset(reason error) {
	s.mu.Lock()
	run := s.pending
	wasActive := s.active
	s.pending = nil
	s.active = false
	s.params = bluetooth.AdvertiseParams{}
	s.mu.Unlock()

	if run != nil {
		fail(run.wait, reason)
	}

	s.deps.Adapter.StopAdvertising()
	if wasActive {
		s.deps.Bus.Publish(bluetooth.EventAdvertising, bluetooth.AdvertisingEvent{Active: false})
	}
}
