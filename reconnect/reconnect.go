// Package reconnect keeps devices connected. A supervisor runs at most one
// loop per device address, which submits connect commands until one
// succeeds and waits between attempts with a back-off policy.
package reconnect

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluetuith-org/blecommand/api/bluetooth"
	"github.com/bluetuith-org/blecommand/api/config"
	"github.com/bluetuith-org/blecommand/api/errorkinds"
	"github.com/bluetuith-org/blecommand/api/eventbus"
	"github.com/bluetuith-org/blecommand/api/helpers/dispatch"
	"github.com/bluetuith-org/blecommand/api/logger"
	"github.com/bluetuith-org/blecommand/commands"
	"github.com/cenkalti/backoff"
	"github.com/puzpuzpuz/xsync/v3"
)

// Submitter accepts the connect commands of the supervisor.
type Submitter interface {
	Submit(cmd commands.Command)
}

// Option configures one reconnect loop.
type Option func(l *loop)

// OnConnected sets the callback invoked when an attempt succeeds.
func OnConnected(fn func()) Option {
	return func(l *loop) {
		l.onConnected = fn
	}
}

// OnDisconnected sets the callback invoked when an attempt fails, or when a
// kept-alive link is lost.
func OnDisconnected(fn func(err error)) Option {
	return func(l *loop) {
		l.onDisconnected = fn
	}
}

// KeepAlive keeps the loop running after a successful attempt. It resumes
// reconnecting when the link is lost unsolicited, and ends when the link is
// disconnected by request.
func KeepAlive() Option {
	return func(l *loop) {
		l.keepAlive = true
	}
}

// MaxRetries ends the loop after the given number of failed attempts.
func MaxRetries(n uint64) Option {
	return func(l *loop) {
		l.maxRetries = n
	}
}

// ConnectTimeout sets the timeout of each connect command. Without it the
// default connect timeout of the engine applies.
func ConnectTimeout(timeout time.Duration) Option {
	return func(l *loop) {
		l.timeout = timeout
	}
}

// loop is the reconnect loop of one address.
type loop struct {
	address bluetooth.MacAddress

	onConnected    func()
	onDisconnected func(err error)
	keepAlive      bool
	maxRetries     uint64
	timeout        time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor runs reconnect loops.
type Supervisor struct {
	submitter  Submitter
	bus        *eventbus.Bus
	cfg        config.ReconnectConfig
	dispatcher dispatch.Dispatcher
	log        logger.Logger

	loops  *xsync.MapOf[bluetooth.MacAddress, *loop]
	closed atomic.Bool
	wg     sync.WaitGroup
}

// New returns a supervisor which submits its commands to the submitter and
// watches links on the bus. Callbacks run on the dispatcher.
func New(submitter Submitter, bus *eventbus.Bus, cfg config.ReconnectConfig, dispatcher dispatch.Dispatcher, log logger.Logger) *Supervisor {
	if dispatcher == nil {
		dispatcher = dispatch.Inline{}
	}
	if log == nil {
		log = logger.Nop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = config.DefaultReconnectInterval
	}

	return &Supervisor{
		submitter:  submitter,
		bus:        bus,
		cfg:        cfg,
		dispatcher: dispatcher,
		log:        log.With(logger.F("component", "reconnect")),
		loops:      xsync.NewMapOf[bluetooth.MacAddress, *loop](),
	}
}

// Start starts a reconnect loop for the device. Starting a second loop for
// the same device while the first one runs fails with a busy error. The
// returned function stops the loop.
func (s *Supervisor) Start(address bluetooth.MacAddress, opts ...Option) (func(), error) {
	if s.closed.Load() {
		return nil, errorkinds.Wrap(errorkinds.ErrSessionStop, "reconnect", address.String(), "The supervisor is closed")
	}

	if address.IsNil() {
		return nil, errorkinds.Wrap(errorkinds.ErrInvalidArgument, "reconnect", "", "No device address was provided")
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{
		address: address,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	if _, loaded := s.loops.LoadOrStore(address, l); loaded {
		cancel()
		return nil, errorkinds.Wrap(errorkinds.ErrBusy, "reconnect", address.String(), "A reconnect loop is already running for the device")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(l.done)
		defer s.loops.Compute(address, func(current *loop, loaded bool) (*loop, bool) {
			return current, !loaded || current == l
		})

		s.run(ctx, l)
	}()

	s.log.Debug("Started reconnect loop", logger.F("address", address.String()))

	return func() { s.stop(l) }, nil
}

// Stop stops the loop of the device and waits for it to end. Stopping is
// silent: no callback runs for the abandoned attempt.
func (s *Supervisor) Stop(address bluetooth.MacAddress) error {
	l, ok := s.loops.Load(address)
	if !ok {
		return errorkinds.Wrap(errorkinds.ErrSessionNotExist, "reconnect", address.String(), "No reconnect loop is running for the device")
	}

	s.stop(l)

	return nil
}

// Running reports whether a loop runs for the device.
func (s *Supervisor) Running(address bluetooth.MacAddress) bool {
	_, ok := s.loops.Load(address)
	return ok
}

// Close stops every loop and waits for them to end.
func (s *Supervisor) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	s.loops.Range(func(_ bluetooth.MacAddress, l *loop) bool {
		l.cancel()
		return true
	})

	s.wg.Wait()
}

func (s *Supervisor) stop(l *loop) {
	l.cancel()
	<-l.done
}

func (s *Supervisor) run(ctx context.Context, l *loop) {
	policy := s.policy(l)
	log := s.log.With(logger.F("address", l.address.String()))

	for {
		sub := s.bus.Subscribe(bluetooth.EventConnection)
		err := s.attempt(ctx, l)

		if err == nil {
			log.Info("Reconnected")
			s.notify(ctx, func() {
				if l.onConnected != nil {
					l.onConnected()
				}
			})

			if !l.keepAlive {
				sub.Unsubscribe()
				return
			}

			err = s.watch(ctx, l, sub)
			sub.Unsubscribe()
			if err == nil {
				return
			}

			policy.Reset()
		} else {
			sub.Unsubscribe()
		}

		if ctx.Err() != nil || errorkinds.IsCancelled(err) {
			log.Debug("Reconnect loop cancelled")
			return
		}

		log.Warn("Reconnect attempt failed", logger.Err(err))
		s.notify(ctx, func() {
			if l.onDisconnected != nil {
				l.onDisconnected(err)
			}
		})

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			log.Warn("Gave up reconnecting")
			return
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// attempt submits one connect command and waits for it. An abandoned
// attempt is cancelled, which releases whatever the session holds for it.
func (s *Supervisor) attempt(ctx context.Context, l *loop) error {
	opts := []commands.Option{commands.WithDescription("reconnect " + l.address.String())}
	if l.timeout > 0 {
		opts = append(opts, commands.WithTimeout(l.timeout))
	}

	cmd := commands.NewConnect(l.address, opts...)
	s.submitter.Submit(cmd)

	select {
	case <-cmd.Done():
		return cmd.Err()

	case <-ctx.Done():
		cmd.Cancel()
		return ctx.Err()
	}
}

// watch waits until the link of the device is disconnected. It returns the
// cause of an unsolicited disconnection, or nil when the link was
// disconnected by request or the loop was stopped.
func (s *Supervisor) watch(ctx context.Context, l *loop, sub eventbus.SubscriberID) error {
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}

			e, ok := ev.(bluetooth.ConnectionEvent)
			if !ok || e.Address != l.address || e.State != bluetooth.StateDisconnected {
				continue
			}

			return e.Err

		case <-ctx.Done():
			return nil
		}
	}
}

// notify runs a callback on the dispatcher unless the loop was stopped.
func (s *Supervisor) notify(ctx context.Context, fn func()) {
	s.dispatcher.Dispatch(func() {
		if ctx.Err() == nil {
			fn()
		}
	})
}

// policy returns the back-off of the loop: a constant interval, or an
// exponentially growing one capped at the maximum interval when the
// multiplier is greater than 1.
func (s *Supervisor) policy(l *loop) backoff.BackOff {
	var policy backoff.BackOff = backoff.NewConstantBackOff(s.cfg.Interval)

	if s.cfg.Multiplier > 1 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = s.cfg.Interval
		exp.Multiplier = s.cfg.Multiplier
		exp.MaxInterval = max(s.cfg.MaxInterval, s.cfg.Interval)
		exp.RandomizationFactor = 0
		exp.MaxElapsedTime = 0
		exp.Reset()

		policy = exp
	}

	if l.maxRetries > 0 {
		policy = backoff.WithMaxRetries(policy, l.maxRetries)
	}

	return policy
}
