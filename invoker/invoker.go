// Package invoker runs the commands of one execution scope one at a time.
package invoker

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/bluetuith-org/blecommand/api/errorkinds"
	"github.com/bluetuith-org/blecommand/api/logger"
	"github.com/bluetuith-org/blecommand/commands"
	"github.com/puzpuzpuz/xsync/v3"
)

// Admitter decides whether a command may join the queue. It is consulted
// before the command is queued, with the command currently executing (or nil).
// Returning discard drops the command without any callback; returning an
// error fails the command with it.
type Admitter interface {
	Admit(cmd, current commands.Command) (discard bool, err error)
}

// AdmitFunc adapts a function to the Admitter interface.
type AdmitFunc func(cmd, current commands.Command) (bool, error)

// Admit calls f.
func (f AdmitFunc) Admit(cmd, current commands.Command) (bool, error) {
	return f(cmd, current)
}

// DuplicateAdmitter discards commands which repeat the executing command.
type DuplicateAdmitter struct{}

// Admit discards duplicates of the executing command.
func (DuplicateAdmitter) Admit(cmd, current commands.Command) (bool, error) {
	return commands.Duplicate(current, cmd), nil
}

// Stats holds the counters of an invoker.
type Stats struct {
	Executed  int64
	Discarded int64
	Rejected  int64
	Preempted int64
}

// Invoker is a single-consumer command queue.
type Invoker struct {
	name     string
	receiver commands.Receiver
	admitter Admitter
	log      logger.Logger

	queue   []commands.Command
	current commands.Command
	closed  bool

	wake  chan struct{}
	abort chan struct{}
	done  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	executed, discarded, rejected, preempted *xsync.Counter

	// executing is set while the consumer is inside a command's Execute.
	executing atomic.Bool

	mu sync.Mutex
}

// New starts an invoker which executes commands against the receiver.
func New(name string, receiver commands.Receiver, admitter Admitter, log logger.Logger) *Invoker {
	if admitter == nil {
		admitter = DuplicateAdmitter{}
	}
	if log == nil {
		log = logger.Nop()
	}

	inv := &Invoker{
		name:      name,
		receiver:  receiver,
		admitter:  admitter,
		log:       log.With(logger.F("scope", name)),
		wake:      make(chan struct{}, 1),
		abort:     make(chan struct{}, 1),
		done:      make(chan struct{}),
		executed:  xsync.NewCounter(),
		discarded: xsync.NewCounter(),
		rejected:  xsync.NewCounter(),
		preempted: xsync.NewCounter(),
	}
	inv.ctx, inv.cancel = context.WithCancel(context.Background())

	go inv.loop()

	return inv
}

// Add submits a command. Immediate commands are moved to the front of the
// queue and abort the wait on the executing command; the executing command
// itself is left untouched.
func (inv *Invoker) Add(cmd commands.Command) {
	if cmd == nil {
		return
	}

	inv.mu.Lock()
	closed, current := inv.closed, inv.current
	inv.mu.Unlock()

	if closed {
		inv.rejected.Inc()
		cmd.ErrorAndComplete(errorkinds.Wrap(errorkinds.ErrSessionStop, inv.name, cmd.Address().String(), "The command queue is closed"))

		return
	}

	if cmd.Kind().Immediate() {
		inv.push(cmd, true)
		return
	}

	discard, err := inv.admitter.Admit(cmd, current)
	switch {
	case err != nil:
		inv.rejected.Inc()
		inv.log.Debug("Rejected command", logger.F("command", cmd.Description()), logger.F("id", cmd.ID().String()), logger.Err(err))
		cmd.ErrorAndComplete(err)

		return

	case discard:
		inv.discarded.Inc()
		inv.log.Debug("Discarded duplicate command", logger.F("command", cmd.Description()), logger.F("id", cmd.ID().String()))

		return
	}

	inv.push(cmd, false)
}

// Current returns the executing command, or nil.
func (inv *Invoker) Current() commands.Command {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	return inv.current
}

// Len returns the number of queued commands.
func (inv *Invoker) Len() int {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	return len(inv.queue)
}

// Stats returns the counters of the invoker.
func (inv *Invoker) Stats() Stats {
	return Stats{
		Executed:  inv.executed.Value(),
		Discarded: inv.discarded.Value(),
		Rejected:  inv.rejected.Value(),
		Preempted: inv.preempted.Value(),
	}
}

// Close stops the consumer and closes the queue. Queued commands are
// dropped: they complete without any of their callbacks running. Close does
// not wait for the consumer; use Wait.
func (inv *Invoker) Close() {
	inv.mu.Lock()
	if inv.closed {
		inv.mu.Unlock()
		return
	}

	inv.closed = true
	dropped := inv.queue
	inv.queue = nil
	inv.mu.Unlock()

	inv.cancel()

	if len(dropped) == 0 {
		return
	}

	err := errorkinds.Wrap(errorkinds.ErrSessionStop, inv.name, "", "The command queue was closed")
	for _, cmd := range dropped {
		commands.Drop(cmd, err)
	}
	inv.log.Debug("Dropped queued commands", logger.F("count", len(dropped)))
}

// Wait blocks until the consumer has stopped. It returns at once while the
// consumer is inside a command's Execute, which is where the callbacks of a
// command completing synchronously run; the consumer of a closed invoker
// stops as soon as Execute returns.
func (inv *Invoker) Wait() {
	if inv.executing.Load() {
		return
	}

	<-inv.done
}

// Closed reports whether the invoker was closed.
func (inv *Invoker) Closed() bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	return inv.closed
}

func (inv *Invoker) push(cmd commands.Command, front bool) {
	inv.mu.Lock()
	if inv.closed {
		inv.mu.Unlock()
		inv.rejected.Inc()
		cmd.ErrorAndComplete(errorkinds.Wrap(errorkinds.ErrSessionStop, inv.name, cmd.Address().String(), "The command queue is closed"))

		return
	}

	if front {
		inv.queue = append([]commands.Command{cmd}, inv.queue...)
		if inv.current != nil {
			inv.preempted.Inc()
			signal(inv.abort)
		}
	} else {
		inv.queue = append(inv.queue, cmd)
	}
	signal(inv.wake)
	inv.mu.Unlock()
}

// next dequeues the next command and makes it the executing one.
func (inv *Invoker) next() (commands.Command, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	inv.current = nil
	if len(inv.queue) == 0 {
		return nil, false
	}

	cmd := inv.queue[0]
	inv.queue[0] = nil
	inv.queue = inv.queue[1:]
	inv.current = cmd

	return cmd, true
}

// preemptPending reports whether an immediate command waits at the front of the
// queue.
func (inv *Invoker) preemptPending() bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	return len(inv.queue) > 0 && inv.queue[0].Kind().Immediate()
}

func (inv *Invoker) loop() {
	defer close(inv.done)
	defer inv.setCurrent(nil)

	for {
		cmd, ok := inv.next()
		if !ok {
			select {
			case <-inv.wake:
				continue

			case <-inv.ctx.Done():
				return
			}
		}

		if inv.ctx.Err() != nil {
			return
		}

		if cmd.Completed() {
			continue
		}

		inv.execute(cmd)
	}
}

func (inv *Invoker) execute(cmd commands.Command) {
	inv.executed.Inc()
	inv.log.Debug("Executing command",
		logger.F("command", cmd.Description()),
		logger.F("id", cmd.ID().String()),
	)

	inv.executing.Store(true)
	cmd.Execute(inv.receiver)
	inv.executing.Store(false)

	for {
		select {
		case <-cmd.Done():
			if err := cmd.Err(); err != nil {
				inv.log.Debug("Command failed", logger.F("command", cmd.Description()), logger.F("id", cmd.ID().String()), logger.Err(err))
			}

			return

		case <-inv.abort:
			if !inv.preemptPending() {
				continue
			}

			inv.log.Debug("Stopped waiting on preempted command", logger.F("command", cmd.Description()), logger.F("id", cmd.ID().String()))

			return

		case <-inv.ctx.Done():
			return
		}
	}
}

func (inv *Invoker) setCurrent(cmd commands.Command) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	inv.current = cmd
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
