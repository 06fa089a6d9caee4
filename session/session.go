// Package session executes commands against the resources of a device
// adapter. There is one session per resource: the scanner, the advertiser,
// and one link per device address. A session is the only owner of its
// resource handle, and a Router is the only owner of the sessions.
package session

import (
	"fmt"

	"github.com/bluetuith-org/blecommand/api/bluetooth"
	"github.com/bluetuith-org/blecommand/api/config"
	"github.com/bluetuith-org/blecommand/api/errorkinds"
	"github.com/bluetuith-org/blecommand/api/eventbus"
	"github.com/bluetuith-org/blecommand/api/logger"
	"github.com/bluetuith-org/blecommand/commands"
	"github.com/patrickmn/go-cache"
)

// Kind names a session variant.
type Kind uint8

const (
	KindScan Kind = iota + 1
	KindConnection
	KindAdvertising
)

// String converts a Kind to a string.
func (k Kind) String() string {
	switch k {
	case KindScan:
		return "scan"
	case KindConnection:
		return "connection"
	case KindAdvertising:
		return "advertising"
	}

	return "unknown"
}

// KindFor returns the session variant which executes the command kind.
func KindFor(kind commands.Kind) (Kind, bool) {
	switch kind.Scope() {
	case commands.ScopeScan:
		return KindScan, true

	case commands.ScopeLink, commands.ScopeData:
		return KindConnection, true

	case commands.ScopeAdvertise:
		return KindAdvertising, true
	}

	return 0, false
}

// Session executes the commands of one resource.
type Session interface {
	commands.Receiver

	// Kind returns the variant of the session.
	Kind() Kind

	// Address returns the address of the device for connection sessions.
	Address() bluetooth.MacAddress

	// State returns the link state. Scan and advertising sessions report
	// whether they are active as connected or disconnected.
	State() bluetooth.ConnectionState

	// Submit queues a command on the session.
	Submit(cmd commands.Command)

	// RadioChanged is called when the radio is switched on or off.
	RadioChanged(enabled bool)

	// Shutdown fails every pending command, releases the resource and
	// stops the session. It waits until the session stopped.
	Shutdown()
}

// Deps holds the collaborators shared by all sessions of a Router.
type Deps struct {
	Adapter bluetooth.DeviceAdapter
	Bus     *eventbus.Bus
	Config  config.Configuration
	Log     logger.Logger

	// Discovered remembers the devices found by scans.
	Discovered *cache.Cache
}

func (d Deps) withDefaults() Deps {
	if d.Log == nil {
		d.Log = logger.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.NewWithHandler(eventbus.NilHandler())
	}
	if d.Config.WriteChunkSize == 0 {
		d.Config = config.New()
	}
	if d.Discovered == nil {
		d.Discovered = cache.New(d.Config.DiscoveredTTL, 2*d.Config.DiscoveredTTL)
	}

	return d
}

// unsupported fails every command kind with a not-supported error. Session
// variants embed it and override the kinds they execute.
type unsupported struct {
	kind Kind
}

func (u unsupported) reject(c commands.Command) {
	c.ErrorAndComplete(errorkinds.Wrap(
		errorkinds.ErrNotSupported, u.kind.String(), c.Address().String(),
		fmt.Sprintf("The %s session cannot execute %s commands", u.kind, c.Kind()),
	))
}

func (u unsupported) Connect(c *commands.Connect)                   { u.reject(c) }
func (u unsupported) Disconnect(c *commands.Disconnect)             { u.reject(c) }
func (u unsupported) Read(c *commands.Read)                         { u.reject(c) }
func (u unsupported) Write(c *commands.Write)                       { u.reject(c) }
func (u unsupported) Subscribe(c *commands.Subscribe)               { u.reject(c) }
func (u unsupported) WriteAndWait(c *commands.WriteAndWait)         { u.reject(c) }
func (u unsupported) RequestMtu(c *commands.RequestMtu)             { u.reject(c) }
func (u unsupported) ReadRssi(c *commands.ReadRssi)                 { u.reject(c) }
func (u unsupported) StartScan(c *commands.StartScan)               { u.reject(c) }
func (u unsupported) StopScan(c *commands.StopScan)                 { u.reject(c) }
func (u unsupported) StartAdvertising(c *commands.StartAdvertising) { u.reject(c) }
func (u unsupported) StopAdvertising(c *commands.StopAdvertising)   { u.reject(c) }

// settler is the part of an awaitable a session needs to fail it.
type settler interface {
	Reject(err error) bool
	Cancel(reason error) bool
}

// fail settles a with err, as a cancellation when err is a teardown error.
func fail(a settler, err error) {
	if a == nil {
		return
	}

	if errorkinds.IsCancelled(err) {
		a.Cancel(err)
		return
	}

	a.Reject(err)
}

func commandFields(c commands.Command) []logger.Field {
	return []logger.Field{
		logger.F("command", c.Kind().String()),
		logger.F("id", c.ID().String()),
	}
}
