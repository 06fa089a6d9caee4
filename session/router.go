package session

import (
	"sync/atomic"

	"github.com/bluetuith-org/blecommand/api/bluetooth"
	"github.com/bluetuith-org/blecommand/api/errorkinds"
	"github.com/bluetuith-org/blecommand/api/logger"
	"github.com/bluetuith-org/blecommand/commands"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

// Key identifies a session. Scan and advertising sessions have no address.
type Key struct {
	Kind    Kind
	Address bluetooth.MacAddress
}

// String converts a Key to a string.
func (k Key) String() string {
	if k.Address.IsNil() {
		return k.Kind.String()
	}

	return k.Kind.String() + " " + k.Address.String()
}

// Router maps commands to sessions. Sessions are created the first time a
// command addresses their key, and there is at most one session per key.
type Router struct {
	deps     Deps
	log      logger.Logger
	sessions *xsync.MapOf[Key, Session]
	closed   atomic.Bool
}

// NewRouter returns a Router whose sessions share the collaborators.
func NewRouter(deps Deps) *Router {
	deps = deps.withDefaults()

	return &Router{
		deps:     deps,
		log:      deps.Log.With(logger.F("component", "router")),
		sessions: xsync.NewMapOf[Key, Session](),
	}
}

// KeyOf returns the key of the session which executes the command.
func KeyOf(cmd commands.Command) (Key, error) {
	kind, ok := KindFor(cmd.Kind())
	if !ok {
		return Key{}, errorkinds.Wrap(errorkinds.ErrNotSupported, "route", cmd.Address().String(),
			"The command is not executed by any session")
	}

	if kind != KindConnection {
		return Key{Kind: kind}, nil
	}

	if cmd.Address().IsNil() {
		return Key{}, errorkinds.Wrap(errorkinds.ErrInvalidArgument, "route", "",
			"The command does not address a device")
	}

	return Key{Kind: kind, Address: cmd.Address()}, nil
}

// Submit routes the command to its session, creating the session if needed.
// Close commands remove the session they close.
func (r *Router) Submit(cmd commands.Command) {
	if r.closed.Load() {
		cmd.ErrorAndComplete(errorkinds.Wrap(errorkinds.ErrSessionStop, "route", cmd.Address().String(), "The router is closed"))
		return
	}

	if c, ok := cmd.(*commands.Close); ok {
		r.submitClose(c)
		return
	}

	key, err := KeyOf(cmd)
	if err != nil {
		cmd.ErrorAndComplete(err)
		return
	}

	s := r.Session(key)

	// Close may have ranged the sessions before this one was created.
	if r.closed.Load() {
		r.sessions.Compute(key, func(current Session, loaded bool) (Session, bool) {
			return current, !loaded || current == s
		})
		s.Shutdown()

		cmd.ErrorAndComplete(errorkinds.Wrap(errorkinds.ErrSessionStop, "route", cmd.Address().String(), "The router is closed"))
		return
	}

	s.Submit(cmd)
}

// Session returns the session for the key, creating it if needed.
func (r *Router) Session(key Key) Session {
	s, _ := r.sessions.LoadOrCompute(key, func() Session {
		r.log.Debug("Created session", logger.F("session", key.String()))
		return r.newSession(key)
	})

	return s
}

// Lookup returns the session for the key if it exists.
func (r *Router) Lookup(key Key) (Session, bool) {
	return r.sessions.Load(key)
}

// Connection returns the connection session of the device if it exists.
func (r *Router) Connection(address bluetooth.MacAddress) (*Connection, bool) {
	s, ok := r.sessions.Load(Key{Kind: KindConnection, Address: address})
	if !ok {
		return nil, false
	}

	conn, ok := s.(*Connection)
	return conn, ok
}

// Sessions returns every live session.
func (r *Router) Sessions() []Session {
	sessions := make([]Session, 0, r.sessions.Size())
	r.sessions.Range(func(_ Key, s Session) bool {
		sessions = append(sessions, s)
		return true
	})

	return sessions
}

// Len returns the number of live sessions.
func (r *Router) Len() int {
	return r.sessions.Size()
}

// CloseSession removes the session of the key and shuts it down.
func (r *Router) CloseSession(key Key) error {
	s, ok := r.sessions.LoadAndDelete(key)
	if !ok {
		return errorkinds.Wrap(errorkinds.ErrSessionNotExist, "close-session", key.Address.String(),
			"No session exists for "+key.String())
	}

	s.Shutdown()
	r.log.Debug("Closed session", logger.F("session", key.String()))

	return nil
}

// CloseAll removes every session and shuts them down concurrently.
func (r *Router) CloseAll() error {
	var g errgroup.Group

	r.sessions.Range(func(key Key, _ Session) bool {
		s, ok := r.sessions.LoadAndDelete(key)
		if !ok {
			return true
		}

		g.Go(func() error {
			s.Shutdown()
			return nil
		})

		return true
	})

	return g.Wait()
}

// RadioChanged tells every session about a radio transition.
func (r *Router) RadioChanged(enabled bool) {
	r.sessions.Range(func(_ Key, s Session) bool {
		s.RadioChanged(enabled)
		return true
	})

	if !enabled {
		r.deps.Discovered.Flush()
	}
}

// Discovered returns the devices remembered from previous scans.
func (r *Router) Discovered() []bluetooth.DeviceData {
	return Discovered(r.deps.Discovered)
}

// Close closes every session. Commands submitted afterwards fail.
func (r *Router) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	return r.CloseAll()
}

func (r *Router) submitClose(c *commands.Close) {
	if c.Address().IsNil() {
		if err := r.CloseAll(); err != nil {
			c.ErrorAndComplete(err)
			return
		}

		c.Complete()

		return
	}

	s, ok := r.sessions.LoadAndDelete(Key{Kind: KindConnection, Address: c.Address()})
	if !ok {
		c.Complete()
		return
	}

	s.Submit(c)
}

func (r *Router) newSession(key Key) Session {
	switch key.Kind {
	case KindScan:
		return NewScan(r.deps)

	case KindAdvertising:
		return NewAdvertising(r.deps)
	}

	return NewConnection(key.Address, r.deps)
}
