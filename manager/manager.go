// Package manager provides the command engine. A Manager is constructed
// explicitly around a device adapter and owns every session, reconnect loop
// and event subscription it creates until it is closed.
package manager

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
	"github.com/bluetuith-org/blecommand/reconnect"
	"github.com/bluetuith-org/blecommand/session"
	"github.com/patrickmn/go-cache"
)

// Option configures a Manager.
type Option func(m *Manager)

// WithConfig sets the configuration. Without it config.New() is used.
func WithConfig(cfg config.Configuration) Option {
	return func(m *Manager) {
		m.cfg = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

// WithDispatcher sets the context command callbacks run on when a command
// does not name its own. Without it the callbacks of all commands run one
// at a time on a goroutine owned by the manager.
func WithDispatcher(d dispatch.Dispatcher) Option {
	return func(m *Manager) {
		m.dispatcher = d
	}
}

// WithEventBus sets the bus events are published on. The manager does not
// close a bus it was given.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(m *Manager) {
		m.bus = bus
	}
}

// Manager schedules commands on the sessions of a device adapter.
type Manager struct {
	adapter    bluetooth.DeviceAdapter
	authorizer bluetooth.Authorizer

	cfg        config.Configuration
	log        logger.Logger
	bus        *eventbus.Bus
	ownsBus    bool
	dispatcher dispatch.Dispatcher
	serial     *dispatch.Serial
	discovered *cache.Cache

	router     *session.Router
	supervisor *reconnect.Supervisor

	removeRadio func()
	radioWake   chan struct{}
	stopRadio   chan struct{}
	radioDone   chan struct{}

	// radioOff records a switch-off the radio watcher has not handled yet.
	// Later changes never clear it.
	radioOff     bool
	radioPending bool
	radioMu      sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New returns a Manager for the adapter.
func New(adapter bluetooth.DeviceAdapter, opts ...Option) (*Manager, error) {
	if adapter == nil {
		return nil, errorkinds.Wrap(errorkinds.ErrInvalidArgument, "manager", "", "No device adapter was provided")
	}

	m := &Manager{
		adapter:    adapter,
		authorizer: bluetooth.AuthorizerOf(adapter),
		cfg:        config.New(),
		radioWake:  make(chan struct{}, 1),
		stopRadio:  make(chan struct{}),
		radioDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.log == nil {
		m.log = logger.Nop()
	}
	if m.bus == nil {
		m.bus = eventbus.New()
		m.ownsBus = true
	}
	if m.dispatcher == nil {
		m.serial = dispatch.NewSerial()
		m.dispatcher = m.serial
	}

	m.discovered = cache.New(m.cfg.DiscoveredTTL, 2*m.cfg.DiscoveredTTL)
	m.router = session.NewRouter(session.Deps{
		Adapter:    adapter,
		Bus:        m.bus,
		Config:     m.cfg,
		Log:        m.log,
		Discovered: m.discovered,
	})
	m.supervisor = reconnect.New(m, m.bus, m.cfg.Reconnect, m.dispatcher, m.log)

	go m.watchRadio()
	m.removeRadio = adapter.OnRadioChange(m.radioChanged)

	m.log.Debug("Manager started", logger.F("powered", adapter.Powered()))

	return m, nil
}

// Submit schedules a command and returns immediately. The outcome is
// delivered through the callbacks of the command.
func (m *Manager) Submit(cmd commands.Command) {
	if cmd == nil {
		return
	}

	commands.DefaultDispatcher(cmd, m.dispatcher)

	if m.closed.Load() {
		cmd.ErrorAndComplete(errorkinds.Wrap(errorkinds.ErrSessionStop, "submit", cmd.Address().String(), "The manager is closed"))
		return
	}

	if c, ok := cmd.(*commands.Composite); ok {
		c.Run(m.Submit)
		return
	}

	if err := m.check(cmd); err != nil {
		m.log.Debug("Refused command", logger.F("command", cmd.Description()), logger.F("id", cmd.ID().String()), logger.Err(err))
		cmd.ErrorAndComplete(err)

		return
	}

	if timeout := m.defaultTimeout(cmd.Kind()); timeout > 0 {
		commands.DefaultTimeout(cmd, timeout)
	}

	m.router.Submit(cmd)
}

// Do submits a command and waits until it completes. If ctx is done first
// the command is cancelled.
func (m *Manager) Do(ctx context.Context, cmd commands.Command) error {
	m.Submit(cmd)

	select {
	case <-cmd.Done():
		return cmd.Err()

	case <-ctx.Done():
		m.Cancel(cmd)
		<-cmd.Done()

		return cmd.Err()
	}
}

// Cancel cancels a command. It fails with a teardown error through its
// failure callback whether it is queued or executing. A queued command is
// then skipped, and an executing one releases what it holds.
func (m *Manager) Cancel(cmd commands.Command) {
	if cmd == nil {
		return
	}

	cmd.Cancel()
}

// CloseSession closes the session of the key and releases its resource.
func (m *Manager) CloseSession(key session.Key) error {
	return m.router.CloseSession(key)
}

// CloseDevice closes the connection session of the device.
func (m *Manager) CloseDevice(address bluetooth.MacAddress) error {
	return m.router.CloseSession(session.Key{Kind: session.KindConnection, Address: address})
}

// CloseAll closes every session. New sessions are created for commands
// submitted afterwards.
func (m *Manager) CloseAll() error {
	return m.router.CloseAll()
}

// State returns the link state of the device.
func (m *Manager) State(address bluetooth.MacAddress) bluetooth.ConnectionState {
	conn, ok := m.router.Connection(address)
	if !ok {
		return bluetooth.StateDisconnected
	}

	return conn.State()
}

// Services returns the services discovered on the link of the device.
func (m *Manager) Services(address bluetooth.MacAddress) []bluetooth.Service {
	conn, ok := m.router.Connection(address)
	if !ok {
		return nil
	}

	return conn.Services()
}

// Reconnect starts a reconnect loop for the device. See reconnect.Supervisor.
func (m *Manager) Reconnect(address bluetooth.MacAddress, opts ...reconnect.Option) (func(), error) {
	return m.supervisor.Start(address, opts...)
}

// StopReconnect stops the reconnect loop of the device.
func (m *Manager) StopReconnect(address bluetooth.MacAddress) error {
	return m.supervisor.Stop(address)
}

// Reconnecting reports whether a reconnect loop runs for the device.
func (m *Manager) Reconnecting(address bluetooth.MacAddress) bool {
	return m.supervisor.Running(address)
}

// Events returns the event bus of the manager.
func (m *Manager) Events() *eventbus.Bus {
	return m.bus
}

// Discovered returns the devices found by recent scans.
func (m *Manager) Discovered() []bluetooth.DeviceData {
	return m.router.Discovered()
}

// Config returns the configuration of the manager.
func (m *Manager) Config() config.Configuration {
	return m.cfg
}

// Close stops every reconnect loop, closes every session and stops the
// callback dispatcher once the queued callbacks ran. It is safe to call
// more than once.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)

		if m.removeRadio != nil {
			m.removeRadio()
		}
		close(m.stopRadio)
		<-m.radioDone

		m.supervisor.Close()
		m.closeErr = m.router.Close()

		if m.serial != nil {
			m.serial.Close()
			m.serial.Wait()
		}
		if m.ownsBus {
			m.bus.Close()
		}

		m.log.Debug("Manager closed")
	})

	return m.closeErr
}

// check refuses commands the radio cannot run right now.
func (m *Manager) check(cmd commands.Command) error {
	kind := cmd.Kind()

	if kind.RequiresRadio() && !m.adapter.Powered() {
		return errorkinds.Wrap(errorkinds.ErrUnavailable, "submit", cmd.Address().String(), "The radio is switched off")
	}

	event, ok := authorizeEvent(kind)
	if !ok {
		return nil
	}

	if err := m.authorizer.Authorize(event, cmd.Address()); err != nil {
		return errorkinds.Wrap(errorkinds.ErrPermissionDenied, "submit", cmd.Address().String(), err.Error())
	}

	return nil
}

// defaultTimeout returns the timeout applied to commands of the kind created
// without one. Teardown kinds and scans have none.
func (m *Manager) defaultTimeout(kind commands.Kind) time.Duration {
	switch {
	case kind == commands.KindConnect:
		return m.cfg.ConnectTimeout

	case kind == commands.KindStartAdvertising:
		return m.cfg.AdvertiseTimeout

	case kind.Scope() == commands.ScopeData:
		return m.cfg.OperationTimeout
	}

	return 0
}

// radioChanged records a radio change for the watcher. Changes which arrive
// while the watcher is busy are coalesced, but a switch-off is kept until
// the watcher handled it.
func (m *Manager) radioChanged(enabled bool) {
	m.radioMu.Lock()
	m.radioPending = true
	if !enabled {
		m.radioOff = true
	}
	m.radioMu.Unlock()

	select {
	case m.radioWake <- struct{}{}:
	default:
	}
}

func (m *Manager) watchRadio() {
	defer close(m.radioDone)

	for {
		select {
		case <-m.radioWake:
			m.radioMu.Lock()
			pending, off := m.radioPending, m.radioOff
			m.radioPending, m.radioOff = false, false
			m.radioMu.Unlock()

			if !pending {
				continue
			}

			if off {
				m.log.Warn("Radio switched off")
				m.router.RadioChanged(false)
				m.bus.Publish(bluetooth.EventRadio, bluetooth.RadioEvent{Enabled: false})
			}

			if m.adapter.Powered() {
				m.log.Info("Radio switched on")
				m.router.RadioChanged(true)
				m.bus.Publish(bluetooth.EventRadio, bluetooth.RadioEvent{Enabled: true})
			}

		case <-m.stopRadio:
			return
		}
	}
}

func authorizeEvent(kind commands.Kind) (bluetooth.AuthorizeEventID, bool) {
	switch kind {
	case commands.KindStartScan:
		return bluetooth.AuthorizeScan, true

	case commands.KindConnect:
		return bluetooth.AuthorizeConnect, true

	case commands.KindStartAdvertising:
		return bluetooth.AuthorizeAdvertise, true
	}

	return "", false
}
