package commands

import (
	"context"

	"github.com/bluetuith-org/blecommand/api/bluetooth"
	"github.com/bluetuith-org/blecommand/api/errorkinds"
)

// Composite runs an ordered list of commands back to back. Only the
// callbacks of the designated command reach its owner; the callbacks of
// every other command are intercepted. The first failure aborts the rest.
type Composite struct {
	Result[NoResult]

	commands   []Command
	designated int
}

// NewComposite returns a command which runs cmds in order and surfaces the
// callbacks of cmds[designated].
func NewComposite(designated int, cmds []Command, opts ...Option) *Composite {
	c := &Composite{commands: cmds, designated: designated}
	c.init(c, KindComposite, bluetooth.NilAddress, opts)

	return c
}

// Commands returns the commands run by the composite.
func (c *Composite) Commands() []Command {
	return c.commands
}

// Designated returns the command whose callbacks are surfaced.
func (c *Composite) Designated() Command {
	if c.designated < 0 || c.designated >= len(c.commands) {
		return nil
	}

	return c.commands[c.designated]
}

// Execute runs every command against a single receiver.
func (c *Composite) Execute(r Receiver) {
	c.Run(func(sub Command) {
		sub.Execute(r)
	})
}

// Run runs every command through start, which must hand the command to
// whatever executes it without blocking.
func (c *Composite) Run(start func(Command)) {
	if len(c.commands) < 2 || c.Designated() == nil {
		c.ErrorAndComplete(errorkinds.Wrap(errorkinds.ErrRejected, "composite", "",
			"A composite command needs at least two commands and a designated one"))
		return
	}

	for i, sub := range c.commands {
		if i != c.designated {
			Intercept(sub, c)
		}
	}

	c.Go(func(ctx context.Context) {
		for i, sub := range c.commands {
			start(sub)

			select {
			case <-sub.Done():
			case <-ctx.Done():
				c.abort(i, nil)
				return
			}

			if err := sub.Err(); err != nil {
				c.abort(i+1, err)
				c.ErrorAndComplete(err)

				return
			}
		}

		c.Complete()
	})
}

// abort cancels the commands from index from onwards. The designated command
// is failed with err so that its owner is told why it never ran.
func (c *Composite) abort(from int, err error) {
	designated := c.Designated()
	if err != nil && !designated.Completed() {
		designated.ErrorAndComplete(err)
	}

	for _, sub := range c.commands[min(from, len(c.commands)):] {
		sub.Cancel()
	}
}

// Equal reports whether other is the same composite.
func (c *Composite) Equal(other Command) bool {
	o, ok := other.(*Composite)
	return ok && o == c
}

// InterceptResult drops the result of an intercepted command.
func (c *Composite) InterceptResult(Command, any) {}

// InterceptFailure drops the failure of an intercepted command. Failures
// are handled once the command is done.
func (c *Composite) InterceptFailure(Command, error) {}

// InterceptCompleted drops the completion of an intercepted command.
func (c *Composite) InterceptCompleted(Command) {}
