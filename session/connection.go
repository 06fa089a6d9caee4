package session

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bluetuith-org/blecommand/api/bluetooth"
	"github.com/bluetuith-org/blecommand/api/errorkinds"
	"github.com/bluetuith-org/blecommand/api/helpers/awaitable"
	"github.com/bluetuith-org/blecommand/api/logger"
	"github.com/bluetuith-org/blecommand/commands"
	"github.com/bluetuith-org/blecommand/invoker"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// attHeaderSize is the part of the MTU used by the ATT write header.
const attHeaderSize = 3

// pendingOperation is the single adapter operation in flight on a link.
type pendingOperation struct {
	op   bluetooth.Operation
	wait *awaitable.Awaitable[bluetooth.OperationResult]
}

// collector accumulates the notifications of one characteristic until a
// whole frame has been received.
type collector struct {
	buf        []byte
	wholeFrame commands.FramePredicate
	wait       *awaitable.Awaitable[[]byte]

	mu sync.Mutex
}

func (c *collector) add(data []byte) {
	c.mu.Lock()
	c.buf = append(c.buf, data...)
	whole := c.wholeFrame(c.buf)
	frame := bytes.Clone(c.buf)
	c.mu.Unlock()

	if whole {
		c.wait.Resolve(frame)
	}
}

// detached holds everything a teardown took away from the session.
type detached struct {
	connect  *awaitable.Awaitable[bluetooth.Handle]
	handle   bluetooth.Handle
	pending  *pendingOperation
	inflight []settler
	previous bluetooth.ConnectionState
}

// Connection executes link and data commands against one device.
//
// The link scope (connect, disconnect) and the data scope (read, write,
// subscribe, ...) are exclusive independently: a connect while the link is
// being established and a data command while another one is outstanding are
// both rejected as busy.
type Connection struct {
	unsupported

	address bluetooth.MacAddress
	deps    Deps
	log     logger.Logger
	inv     *invoker.Invoker
	limiter *rate.Limiter

	state    bluetooth.ConnectionState
	handle   bluetooth.Handle
	services []bluetooth.Service
	mtu      int

	connect     *awaitable.Awaitable[bluetooth.Handle]
	pending     *pendingOperation
	inflight    map[commands.Command]settler
	collectors  map[uuid.UUID]*collector
	subscribers map[uuid.UUID]*commands.Subscribe

	admitted map[commands.Command]struct{}
	closed   bool

	mu sync.Mutex
}

// NewConnection starts a session for the device.
func NewConnection(address bluetooth.MacAddress, deps Deps) *Connection {
	deps = deps.withDefaults()

	limit := rate.Inf
	if deps.Config.WriteInterval > 0 {
		limit = rate.Every(deps.Config.WriteInterval)
	}

	s := &Connection{
		unsupported: unsupported{kind: KindConnection},
		address:     address,
		deps:        deps,
		log:         deps.Log.With(logger.F("address", address.String())),
		limiter:     rate.NewLimiter(limit, 1),
		inflight:    make(map[commands.Command]settler),
		admitted:    make(map[commands.Command]struct{}),
		collectors:  make(map[uuid.UUID]*collector),
		subscribers: make(map[uuid.UUID]*commands.Subscribe),
	}
	s.inv = invoker.New("connection "+address.String(), s, s, deps.Log)

	return s
}

// Kind returns KindConnection.
func (s *Connection) Kind() Kind {
	return KindConnection
}

// Address returns the address of the device.
func (s *Connection) Address() bluetooth.MacAddress {
	return s.address
}

// State returns the link state.
func (s *Connection) State() bluetooth.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Services returns the services discovered on the link.
func (s *Connection) Services() []bluetooth.Service {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.services
}

// Mtu returns the negotiated MTU, or zero if none was negotiated.
func (s *Connection) Mtu() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mtu
}

// Submit queues a command on the session.
func (s *Connection) Submit(cmd commands.Command) {
	s.inv.Add(cmd)
}

// Admit applies the busy rules of both scopes before a command is queued.
func (s *Connection) Admit(cmd, current commands.Command) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd.Kind().Scope() {
	case commands.ScopeLink:
		if s.state == bluetooth.StateConnecting || s.state == bluetooth.StateServiceDiscovery || s.outstanding(commands.ScopeLink) {
			return false, s.busy("A connection attempt is already in progress")
		}

	case commands.ScopeData:
		if commands.Duplicate(current, cmd) {
			return true, nil
		}

		if s.outstanding(commands.ScopeData) {
			return false, s.busy("Another operation is in progress on the link")
		}

		if s.state == bluetooth.StateDisconnected && !s.outstanding(commands.ScopeLink) {
			return false, s.notConnected()
		}

	default:
		return commands.Duplicate(current, cmd), nil
	}

	s.admitted[cmd] = struct{}{}

	return false, nil
}

// outstanding reports whether an admitted command of the scope has not
// completed yet. Completed commands are forgotten.
func (s *Connection) outstanding(scope commands.Scope) bool {
	found := false
	for cmd := range s.admitted {
		switch {
		case cmd.Completed():
			delete(s.admitted, cmd)
		case cmd.Kind().Scope() == scope:
			found = true
		}
	}

	return found
}

// Connect opens the link and discovers its services. A connect on an
// established link succeeds without any adapter call.
func (s *Connection) Connect(c *commands.Connect) {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		c.ErrorAndComplete(s.stopped())

		return

	case s.state == bluetooth.StateConnected:
		s.mu.Unlock()
		c.Complete()

		return

	case s.state != bluetooth.StateDisconnected:
		s.mu.Unlock()
		c.ErrorAndComplete(s.busy("A connection attempt is already in progress"))

		return
	}

	wait := awaitable.New[bluetooth.Handle](c.Timeout())
	s.connect = wait
	s.state = bluetooth.StateConnecting
	s.mu.Unlock()

	s.log.Debug("Connecting", commandFields(c)...)
	s.publishState(bluetooth.StateConnecting, nil)

	wait.OnSettled(func(_ bluetooth.Handle, err error) {
		s.connectSettled(c, wait, err)
	})
	c.Go(func(ctx context.Context) {
		<-ctx.Done()
		wait.Cancel(s.teardown("connect", "The connect command was cancelled"))
	})

	h, err := s.deps.Adapter.Open(s.address, s)
	if err != nil {
		wait.Reject(errorkinds.Wrap(errorkinds.ErrRejected, "connect", s.address.String(), err.Error()))
		return
	}

	s.mu.Lock()
	stale := false
	switch {
	case s.connect == wait && s.handle == nil:
		s.handle = h
	case s.connect != wait && s.handle != h:
		stale = true
	}
	s.mu.Unlock()

	if stale {
		s.deps.Adapter.Close(h)
	}
}

func (s *Connection) connectSettled(c *commands.Connect, wait *awaitable.Awaitable[bluetooth.Handle], err error) {
	s.mu.Lock()
	owned := s.connect == wait
	if !owned {
		s.mu.Unlock()
		if err == nil {
			c.Complete()
		} else {
			c.ErrorAndComplete(err)
		}

		return
	}

	s.connect = nil
	if err == nil {
		s.state = bluetooth.StateConnected
		s.mu.Unlock()

		s.log.Info("Connected", commandFields(c)...)
		s.publishState(bluetooth.StateConnected, nil)
		c.Complete()

		return
	}

	d := s.detach()
	s.mu.Unlock()

	d.release(s, err)
	s.log.Warn("Connection attempt failed", append(commandFields(c), logger.Err(err))...)
	s.publishState(bluetooth.StateDisconnected, err)
	c.ErrorAndComplete(err)
}

// Disconnect tears the link down. Every pending command on the link fails
// with a teardown error, which is distinct from a timeout.
func (s *Connection) Disconnect(c *commands.Disconnect) {
	s.mu.Lock()
	d := s.detach()
	s.mu.Unlock()

	d.release(s, s.teardown("disconnect", "The device was disconnected by request"))
	if d.previous != bluetooth.StateDisconnected {
		s.log.Info("Disconnected", commandFields(c)...)
		s.publishState(bluetooth.StateDisconnected, nil)
	}

	c.Complete()
}

// Close tears the link down and stops the session.
func (s *Connection) Close(c *commands.Close) {
	s.stop(s.teardown("close", "The session was closed"))
	c.Complete()
}

// Shutdown tears the link down, stops the session and waits for it.
func (s *Connection) Shutdown() {
	s.stop(errorkinds.Wrap(errorkinds.ErrSessionStop, "shutdown", s.address.String(), "The session was shut down"))
	s.inv.Wait()
}

func (s *Connection) stop(reason error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	s.closed = true
	d := s.detach()
	s.mu.Unlock()

	d.release(s, reason)
	if d.previous != bluetooth.StateDisconnected {
		s.publishState(bluetooth.StateDisconnected, nil)
	}

	s.inv.Close()
	s.log.Debug("Connection session stopped")
}

// RadioChanged fails every pending command with a disconnection error when
// the radio is switched off.
func (s *Connection) RadioChanged(enabled bool) {
	if enabled {
		return
	}

	s.lost(nil, errorkinds.Wrap(errorkinds.ErrDisconnected, "radio", s.address.String(), "The radio was switched off"))
}

// LinkReady starts service discovery once the adapter reports the link
// as usable.
func (s *Connection) LinkReady(h bluetooth.Handle) {
	s.mu.Lock()
	if s.connect == nil || s.state != bluetooth.StateConnecting {
		s.mu.Unlock()
		return
	}

	wait := s.connect
	s.handle = h
	s.state = bluetooth.StateServiceDiscovery
	s.mu.Unlock()

	s.publishState(bluetooth.StateServiceDiscovery, nil)

	s.perform(bluetooth.Operation{Kind: bluetooth.OpDiscoverServices}, 0).OnSettled(
		func(res bluetooth.OperationResult, err error) {
			if err != nil {
				wait.Reject(err)
				return
			}

			s.mu.Lock()
			if s.connect == wait {
				s.services = res.Services
			}
			s.mu.Unlock()

			wait.Resolve(h)
		},
	)
}

// LinkLost fails every pending command with a disconnection error and
// releases the link.
func (s *Connection) LinkLost(h bluetooth.Handle, err error) {
	message := "The device disconnected"
	if err != nil {
		message = fmt.Sprintf("The device disconnected: %s", err)
	}

	s.lost(h, errorkinds.Wrap(errorkinds.ErrDisconnected, "link-lost", s.address.String(), message))
}

func (s *Connection) lost(h bluetooth.Handle, err error) {
	s.mu.Lock()
	if s.state == bluetooth.StateDisconnected || (h != nil && s.handle != nil && h != s.handle) {
		s.mu.Unlock()
		return
	}

	d := s.detach()
	if d.handle == nil {
		d.handle = h
	}
	s.mu.Unlock()

	d.release(s, err)
	s.log.Warn("Link lost", logger.Err(err))
	s.publishState(bluetooth.StateDisconnected, err)
}

// OperationDone resolves the operation in flight on the link. Results which
// do not match it are late or stale and are ignored.
func (s *Connection) OperationDone(h bluetooth.Handle, result bluetooth.OperationResult) {
	s.mu.Lock()
	p := s.pending
	if p == nil || h != s.handle || p.op.Kind != result.Op.Kind {
		s.mu.Unlock()
		s.log.Debug("Ignored stale operation result", logger.F("operation", result.Op.Kind.String()))

		return
	}
	s.pending = nil
	s.mu.Unlock()

	if result.Err != nil {
		p.wait.Reject(errorkinds.Wrap(errorkinds.ErrRejected, p.op.Kind.String(), s.address.String(), result.Err.Error()))
		return
	}

	p.wait.Resolve(result)
}

// Notification hands a notified value to the command waiting for it, or
// publishes it.
func (s *Connection) Notification(h bluetooth.Handle, characteristic uuid.UUID, data []byte) {
	s.mu.Lock()
	if h != s.handle {
		s.mu.Unlock()
		return
	}
	col := s.collectors[characteristic]
	sub := s.subscribers[characteristic]
	s.mu.Unlock()

	if col != nil {
		col.add(data)
		return
	}

	if sub != nil {
		sub.Notify(data)
	}

	s.deps.Bus.Publish(bluetooth.EventNotification, bluetooth.NotificationEvent{
		Address:        s.address,
		Characteristic: characteristic,
		Data:           bytes.Clone(data),
	})
}

// Read reads the characteristic until the command's frame predicate is
// satisfied.
func (s *Connection) Read(c *commands.Read) {
	runData(s, c, func(ctx context.Context) ([]byte, error) {
		if _, err := s.characteristic(c.Target, bluetooth.PropertyRead); err != nil {
			return nil, err
		}

		var buf []byte
		for {
			res, err := s.step(ctx, bluetooth.Operation{
				Kind:           bluetooth.OpRead,
				Service:        c.Service,
				Characteristic: c.Characteristic,
			})
			if err != nil {
				return nil, err
			}

			buf = append(buf, res.Data...)
			if c.WholeFrame(buf) {
				return buf, nil
			}
		}
	})
}

// Write writes the value in MTU-sized chunks.
func (s *Connection) Write(c *commands.Write) {
	runData(s, c, func(ctx context.Context) (commands.NoResult, error) {
		return commands.NoResult{}, s.write(ctx, c.Target, c.Data, c.NoResponse)
	})
}

// WriteAndWait writes the request and collects notifications until the
// response is a whole frame.
func (s *Connection) WriteAndWait(c *commands.WriteAndWait) {
	runData(s, c, func(ctx context.Context) ([]byte, error) {
		notify := c.NotifyCharacteristic()
		col := &collector{wholeFrame: c.WholeFrame, wait: awaitable.New[[]byte](0)}

		s.mu.Lock()
		s.collectors[notify] = col
		s.mu.Unlock()

		defer func() {
			s.mu.Lock()
			if s.collectors[notify] == col {
				delete(s.collectors, notify)
			}
			s.mu.Unlock()
		}()

		if err := s.write(ctx, c.Target, c.Data, c.NoResponse); err != nil {
			return nil, err
		}

		return col.wait.Wait(ctx)
	})
}

// Subscribe enables or disables notifications, falling back to indications
// when the characteristic cannot notify.
func (s *Connection) Subscribe(c *commands.Subscribe) {
	runData(s, c, func(ctx context.Context) (commands.NoResult, error) {
		char, err := s.characteristic(c.Target, 0)
		if err != nil {
			return commands.NoResult{}, err
		}

		kind := bluetooth.OpSetNotify
		switch {
		case char.Properties == 0 || char.Properties.Has(bluetooth.PropertyNotify):
		case char.Properties.Has(bluetooth.PropertyIndicate):
			kind = bluetooth.OpSetIndicate
		default:
			return commands.NoResult{}, errorkinds.Wrap(errorkinds.ErrNotSupported, "subscribe", s.address.String(),
				fmt.Sprintf("Characteristic %s can neither notify nor indicate", c.Characteristic))
		}

		if _, err := s.step(ctx, bluetooth.Operation{
			Kind:           kind,
			Service:        c.Service,
			Characteristic: c.Characteristic,
			Enable:         c.Enable,
		}); err != nil {
			return commands.NoResult{}, err
		}

		s.mu.Lock()
		if c.Enable {
			s.subscribers[c.Characteristic] = c
		} else {
			delete(s.subscribers, c.Characteristic)
		}
		s.mu.Unlock()

		return commands.NoResult{}, nil
	})
}

// RequestMtu negotiates the MTU. Later writes are chunked to fit it.
func (s *Connection) RequestMtu(c *commands.RequestMtu) {
	runData(s, c, func(ctx context.Context) (int, error) {
		res, err := s.step(ctx, bluetooth.Operation{Kind: bluetooth.OpRequestMtu, Value: c.Mtu})
		if err != nil {
			return 0, err
		}

		s.mu.Lock()
		s.mtu = res.Value
		s.mu.Unlock()

		return res.Value, nil
	})
}

// ReadRssi reads the signal strength of the link.
func (s *Connection) ReadRssi(c *commands.ReadRssi) {
	runData(s, c, func(ctx context.Context) (int, error) {
		res, err := s.step(ctx, bluetooth.Operation{Kind: bluetooth.OpReadRssi})
		if err != nil {
			return 0, err
		}

		return res.Value, nil
	})
}

// resultCommand is a data command with a typed result.
type resultCommand[T any] interface {
	commands.Command
	ResultAndComplete(value T)
	Go(fn func(ctx context.Context))
}

// runData executes a data command on an established link. The work runs as
// a task owned by the command, and its outcome races the command timeout
// through a single awaitable.
func runData[T any](s *Connection, c resultCommand[T], work func(ctx context.Context) (T, error)) {
	s.mu.Lock()
	if s.state != bluetooth.StateConnected || s.handle == nil {
		s.mu.Unlock()
		c.ErrorAndComplete(s.notConnected())

		return
	}

	result := awaitable.New[T](c.Timeout())
	s.inflight[c] = result
	s.mu.Unlock()

	result.OnSettled(func(value T, err error) {
		s.mu.Lock()
		delete(s.inflight, c)
		s.mu.Unlock()

		if err != nil {
			c.ErrorAndComplete(err)
			return
		}

		c.ResultAndComplete(value)
	})

	c.Go(func(ctx context.Context) {
		value, err := work(ctx)
		if err != nil {
			fail(result, err)
			return
		}

		result.Resolve(value)
	})
}

// perform starts one adapter operation. At most one operation is in flight
// on the link; its result arrives through OperationDone.
func (s *Connection) perform(op bluetooth.Operation, timeout time.Duration) *awaitable.Awaitable[bluetooth.OperationResult] {
	wait := awaitable.New[bluetooth.OperationResult](timeout)

	s.mu.Lock()
	h := s.handle
	switch {
	case h == nil || s.state == bluetooth.StateDisconnected:
		s.mu.Unlock()
		wait.Reject(s.notConnected())

		return wait

	case s.pending != nil:
		s.mu.Unlock()
		wait.Reject(s.busy("Another operation is in flight on the link"))

		return wait
	}

	p := &pendingOperation{op: op, wait: wait}
	s.pending = p
	s.mu.Unlock()

	wait.OnSettled(func(bluetooth.OperationResult, error) {
		s.mu.Lock()
		if s.pending == p {
			s.pending = nil
		}
		s.mu.Unlock()
	})

	if !s.deps.Adapter.Perform(h, op) {
		wait.Reject(errorkinds.Wrap(errorkinds.ErrRejected, op.Kind.String(), s.address.String(), "The adapter refused to start the operation"))
	}

	return wait
}

// step performs one operation and waits for it. The operation is abandoned
// when ctx is done.
func (s *Connection) step(ctx context.Context, op bluetooth.Operation) (bluetooth.OperationResult, error) {
	wait := s.perform(op, 0)

	res, err := wait.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		wait.Cancel(nil)
	}

	return res, err
}

func (s *Connection) write(ctx context.Context, target commands.Target, data []byte, noResponse bool) error {
	props := bluetooth.PropertyWrite
	kind := bluetooth.OpWrite
	if noResponse {
		props = bluetooth.PropertyWriteNoResponse
		kind = bluetooth.OpWriteNoResponse
	}

	if _, err := s.characteristic(target, props); err != nil {
		return err
	}

	for _, chunk := range chunks(data, s.chunkSize()) {
		if noResponse {
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		if _, err := s.step(ctx, bluetooth.Operation{
			Kind:           kind,
			Service:        target.Service,
			Characteristic: target.Characteristic,
			Data:           chunk,
		}); err != nil {
			return err
		}
	}

	return nil
}

func (s *Connection) chunkSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mtu > attHeaderSize {
		return s.mtu - attHeaderSize
	}

	return s.deps.Config.WriteChunkSize
}

// characteristic looks the target up in the discovered services. When the
// device reported properties for it, the required ones must be present.
func (s *Connection) characteristic(target commands.Target, required bluetooth.CharacteristicProperty) (bluetooth.Characteristic, error) {
	s.mu.Lock()
	services := s.services
	s.mu.Unlock()

	char, ok := bluetooth.FindCharacteristic(services, target.Service, target.Characteristic)
	if !ok {
		return char, errorkinds.Wrap(errorkinds.ErrRejected, "characteristic", s.address.String(),
			fmt.Sprintf("Characteristic %s was not discovered on the device", target.Characteristic))
	}

	if required != 0 && char.Properties != 0 && !char.Properties.Has(required) {
		return char, errorkinds.Wrap(errorkinds.ErrNotSupported, "characteristic", s.address.String(),
			fmt.Sprintf("Characteristic %s does not support the operation", target.Characteristic))
	}

	return char, nil
}

// detach takes the link state away from the session. It must be called with
// the lock held; the returned value is released without it.
func (s *Connection) detach() detached {
	d := detached{
		connect:  s.connect,
		handle:   s.handle,
		pending:  s.pending,
		previous: s.state,
	}
	for _, a := range s.inflight {
		d.inflight = append(d.inflight, a)
	}

	s.connect = nil
	s.handle = nil
	s.pending = nil
	s.services = nil
	s.mtu = 0
	s.state = bluetooth.StateDisconnected
	clear(s.inflight)
	clear(s.subscribers)

	return d
}

func (d detached) release(s *Connection, err error) {
	if d.connect != nil {
		fail(d.connect, err)
	}
	if d.pending != nil {
		fail(d.pending.wait, err)
	}
	for _, a := range d.inflight {
		fail(a, err)
	}

	if d.handle != nil {
		s.deps.Adapter.Close(d.handle)
	}
}

func (s *Connection) publishState(state bluetooth.ConnectionState, err error) {
	s.deps.Bus.Publish(bluetooth.EventConnection, bluetooth.ConnectionEvent{
		Address: s.address,
		State:   state,
		Err:     err,
	})
}

func (s *Connection) busy(message string) error {
	return errorkinds.Wrap(errorkinds.ErrBusy, "connection", s.address.String(), message)
}

func (s *Connection) notConnected() error {
	return errorkinds.Wrap(errorkinds.ErrNotConnected, "connection", s.address.String(), "The device is not connected")
}

func (s *Connection) stopped() error {
	return errorkinds.Wrap(errorkinds.ErrSessionStop, "connection", s.address.String(), "The session was stopped")
}

func (s *Connection) teardown(at, message string) error {
	return errorkinds.Wrap(errorkinds.ErrCancelledTeardown, at, s.address.String(), message)
}

// chunks splits data into pieces of at most size bytes. Empty data is
// written as a single empty chunk.
func chunks(data []byte, size int) [][]byte {
	if size <= 0 || len(data) <= size {
		return [][]byte{data}
	}

	out := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > 0 {
		n := min(size, len(data))
		out = append(out, data[:n])
		data = data[n:]
	}

	return out
}
