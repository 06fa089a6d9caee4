package commands

import (
	"bytes"
	"sync"

	"github.com/bluetuith-org/blecommand/api/bluetooth"
	"github.com/google/uuid"
)

// FramePredicate reports whether the accumulated bytes form a whole frame.
type FramePredicate func(buf []byte) bool

// SingleFrame accepts any buffer, so a single read is a whole frame.
func SingleFrame([]byte) bool {
	return true
}

// Target addresses a characteristic. A nil service matches any service.
type Target struct {
	Service        uuid.UUID
	Characteristic uuid.UUID
}

// Read reads a characteristic until a whole frame has been received.
type Read struct {
	Result[[]byte]
	Target

	wholeFrame FramePredicate
}

// NewRead returns a command which reads the characteristic.
func NewRead(address bluetooth.MacAddress, target Target, opts ...Option) *Read {
	c := &Read{Target: target, wholeFrame: SingleFrame}
	c.init(c, KindRead, address, opts)

	return c
}

// WithWholeFrame sets the predicate which decides when enough bytes were
// read. The read is re-issued until the predicate is satisfied.
func (c *Read) WithWholeFrame(fn FramePredicate) *Read {
	if fn != nil {
		c.wholeFrame = fn
	}

	return c
}

// WholeFrame reports whether buf is a whole frame.
func (c *Read) WholeFrame(buf []byte) bool {
	return c.wholeFrame(buf)
}

// Execute hands the command to the receiver.
func (c *Read) Execute(r Receiver) {
	r.Read(c)
}

// Equal reports whether other reads the same characteristic of the same
// device. The timeouts of both commands are not compared.
func (c *Read) Equal(other Command) bool {
	o, ok := other.(*Read)
	return ok && o.address == c.address && o.Target == c.Target
}

// Write writes a value to a characteristic, split into chunks which fit
// the negotiated MTU.
type Write struct {
	Result[NoResult]
	Target

	Data       []byte
	NoResponse bool
}

// NewWrite returns a command which writes data to the characteristic.
func NewWrite(address bluetooth.MacAddress, target Target, data []byte, opts ...Option) *Write {
	c := &Write{Target: target, Data: data}
	c.init(c, KindWrite, address, opts)

	return c
}

// WithoutResponse makes the command write without response.
func (c *Write) WithoutResponse() *Write {
	c.NoResponse = true
	return c
}

// Execute hands the command to the receiver.
func (c *Write) Execute(r Receiver) {
	r.Write(c)
}

// Equal reports whether other writes the same bytes to the same
// characteristic of the same device.
func (c *Write) Equal(other Command) bool {
	o, ok := other.(*Write)
	return ok && o.address == c.address && o.Target == c.Target &&
		o.NoResponse == c.NoResponse && bytes.Equal(o.Data, c.Data)
}

// Subscribe enables or disables notifications (or indications) of a
// characteristic.
type Subscribe struct {
	Result[NoResult]
	Target

	Enable bool

	onNotification func([]byte)
	notifyMu       sync.Mutex
}

// NewSubscribe returns a command which enables or disables notifications.
func NewSubscribe(address bluetooth.MacAddress, target Target, enable bool, opts ...Option) *Subscribe {
	c := &Subscribe{Target: target, Enable: enable}
	c.init(c, KindSubscribe, address, opts)

	return c
}

// OnNotification sets the callback for notified values. It keeps running
// after the command completed, until notifications are disabled.
func (c *Subscribe) OnNotification(fn func(data []byte)) *Subscribe {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.onNotification = fn

	return c
}

// Notify dispatches a notified value to the notification callback.
func (c *Subscribe) Notify(data []byte) {
	c.notifyMu.Lock()
	fn := c.onNotification
	c.notifyMu.Unlock()

	if fn == nil {
		return
	}

	value := bytes.Clone(data)
	c.Dispatcher().Dispatch(func() {
		fn(value)
	})
}

// Execute hands the command to the receiver.
func (c *Subscribe) Execute(r Receiver) {
	r.Subscribe(c)
}

// Equal reports whether other sets the same notification state on the same
// characteristic of the same device.
func (c *Subscribe) Equal(other Command) bool {
	o, ok := other.(*Subscribe)
	return ok && o.address == c.address && o.Target == c.Target && o.Enable == c.Enable
}

// WriteAndWait writes a request and collects the notifications of a
// characteristic until a whole frame has been received.
type WriteAndWait struct {
	Result[[]byte]
	Target

	Data       []byte
	NoResponse bool

	// Notify is the characteristic the response arrives on. A nil value
	// means the written characteristic.
	Notify uuid.UUID

	wholeFrame FramePredicate
}

// NewWriteAndWait returns a command which writes data and waits for the
// response.
func NewWriteAndWait(address bluetooth.MacAddress, target Target, data []byte, opts ...Option) *WriteAndWait {
	c := &WriteAndWait{Target: target, Data: data, wholeFrame: SingleFrame}
	c.init(c, KindWriteAndWait, address, opts)

	return c
}

// WithNotify sets the characteristic the response arrives on.
func (c *WriteAndWait) WithNotify(characteristic uuid.UUID) *WriteAndWait {
	c.Notify = characteristic
	return c
}

// WithWholeFrame sets the predicate which decides when the response is
// complete.
func (c *WriteAndWait) WithWholeFrame(fn FramePredicate) *WriteAndWait {
	if fn != nil {
		c.wholeFrame = fn
	}

	return c
}

// WholeFrame reports whether buf is a whole frame.
func (c *WriteAndWait) WholeFrame(buf []byte) bool {
	return c.wholeFrame(buf)
}

// NotifyCharacteristic returns the characteristic the response arrives on.
func (c *WriteAndWait) NotifyCharacteristic() uuid.UUID {
	if c.Notify == uuid.Nil {
		return c.Characteristic
	}

	return c.Notify
}

// Execute hands the command to the receiver.
func (c *WriteAndWait) Execute(r Receiver) {
	r.WriteAndWait(c)
}

// Equal reports whether other sends the same request to the same device.
func (c *WriteAndWait) Equal(other Command) bool {
	o, ok := other.(*WriteAndWait)
	return ok && o.address == c.address && o.Target == c.Target &&
		o.NotifyCharacteristic() == c.NotifyCharacteristic() && bytes.Equal(o.Data, c.Data)
}

// RequestMtu negotiates the MTU of the link. The result is the MTU the
// device agreed to.
type RequestMtu struct {
	Result[int]

	Mtu int
}

// NewRequestMtu returns a command which requests the MTU.
func NewRequestMtu(address bluetooth.MacAddress, mtu int, opts ...Option) *RequestMtu {
	c := &RequestMtu{Mtu: mtu}
	c.init(c, KindRequestMtu, address, opts)

	return c
}

// Execute hands the command to the receiver.
func (c *RequestMtu) Execute(r Receiver) {
	r.RequestMtu(c)
}

// Equal reports whether other requests the same MTU from the same device.
func (c *RequestMtu) Equal(other Command) bool {
	o, ok := other.(*RequestMtu)
	return ok && o.address == c.address && o.Mtu == c.Mtu
}

// ReadRssi reads the signal strength of the link.
type ReadRssi struct {
	Result[int]
}

// NewReadRssi returns a command which reads the signal strength.
func NewReadRssi(address bluetooth.MacAddress, opts ...Option) *ReadRssi {
	c := &ReadRssi{}
	c.init(c, KindReadRssi, address, opts)

	return c
}

// Execute hands the command to the receiver.
func (c *ReadRssi) Execute(r Receiver) {
	r.ReadRssi(c)
}

// Equal reports whether other reads the signal strength of the same device.
func (c *ReadRssi) Equal(other Command) bool {
	o, ok := other.(*ReadRssi)
	return ok && o.address == c.address
}
