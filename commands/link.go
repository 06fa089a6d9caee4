package commands

import (
	"github.com/bluetuith-org/blecommand/api/bluetooth"
)

// Connect opens a link to a device and discovers its services.
type Connect struct {
	Result[NoResult]
}

// NewConnect returns a command which connects to the device.
func NewConnect(address bluetooth.MacAddress, opts ...Option) *Connect {
	c := &Connect{}
	c.init(c, KindConnect, address, opts)

	return c
}

// Execute hands the command to the receiver.
func (c *Connect) Execute(r Receiver) {
	r.Connect(c)
}

// Equal reports whether other connects to the same device.
func (c *Connect) Equal(other Command) bool {
	o, ok := other.(*Connect)
	return ok && o.address == c.address
}

// Disconnect tears a link down, cancelling every pending operation on it.
type Disconnect struct {
	Result[NoResult]
}

// NewDisconnect returns a command which disconnects from the device.
func NewDisconnect(address bluetooth.MacAddress, opts ...Option) *Disconnect {
	c := &Disconnect{}
	c.init(c, KindDisconnect, address, opts)

	return c
}

// Execute hands the command to the receiver.
func (c *Disconnect) Execute(r Receiver) {
	r.Disconnect(c)
}

// Equal reports whether other disconnects from the same device.
func (c *Disconnect) Equal(other Command) bool {
	o, ok := other.(*Disconnect)
	return ok && o.address == c.address
}

// Close releases a session and everything it owns. A Close without an
// address closes every session.
type Close struct {
	Result[NoResult]
}

// NewClose returns a command which closes the session of the device.
func NewClose(address bluetooth.MacAddress, opts ...Option) *Close {
	c := &Close{}
	c.init(c, KindClose, address, opts)

	return c
}

// Execute hands the command to the receiver.
func (c *Close) Execute(r Receiver) {
	r.Close(c)
}

// Equal reports whether other closes the same session.
func (c *Close) Equal(other Command) bool {
	o, ok := other.(*Close)
	return ok && o.address == c.address
}
