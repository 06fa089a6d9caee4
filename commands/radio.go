package commands

import (
	"reflect"
	"sync"
	"time"

	"github.com/bluetuith-org/blecommand/api/bluetooth"
)

// StartScan scans for devices. The scan ends when its duration elapses or
// when a StopScan arrives, and the command then succeeds with every device
// found. A duration of zero or less scans until stopped.
type StartScan struct {
	Result[[]bluetooth.DeviceData]

	Filter   bluetooth.ScanFilter
	Duration time.Duration

	onDevice func(bluetooth.DeviceData)
	deviceMu sync.Mutex
}

// NewStartScan returns a command which scans for devices.
func NewStartScan(filter bluetooth.ScanFilter, duration time.Duration, opts ...Option) *StartScan {
	c := &StartScan{Filter: filter, Duration: duration}
	c.init(c, KindStartScan, bluetooth.NilAddress, opts)

	return c
}

// OnDevice sets the callback which receives each device once per scan.
func (c *StartScan) OnDevice(fn func(device bluetooth.DeviceData)) *StartScan {
	c.deviceMu.Lock()
	defer c.deviceMu.Unlock()

	c.onDevice = fn

	return c
}

// DeviceFound dispatches a found device to the device callback.
func (c *StartScan) DeviceFound(device bluetooth.DeviceData) {
	c.deviceMu.Lock()
	fn := c.onDevice
	c.deviceMu.Unlock()

	if fn == nil {
		return
	}

	c.Dispatcher().Dispatch(func() {
		fn(device)
	})
}

// Execute hands the command to the receiver.
func (c *StartScan) Execute(r Receiver) {
	r.StartScan(c)
}

// Equal reports whether other scans with the same filter.
func (c *StartScan) Equal(other Command) bool {
	o, ok := other.(*StartScan)
	return ok && o.Filter == c.Filter
}

// StopScan stops a running scan.
type StopScan struct {
	Result[NoResult]
}

// NewStopScan returns a command which stops scanning.
func NewStopScan(opts ...Option) *StopScan {
	c := &StopScan{}
	c.init(c, KindStopScan, bluetooth.NilAddress, opts)

	return c
}

// Execute hands the command to the receiver.
func (c *StopScan) Execute(r Receiver) {
	r.StopScan(c)
}

// Equal reports whether other is a StopScan.
func (c *StopScan) Equal(other Command) bool {
	_, ok := other.(*StopScan)
	return ok
}

// StartAdvertising advertises the local device. The command succeeds once
// the advertiser reports that advertising started.
type StartAdvertising struct {
	Result[NoResult]

	Params bluetooth.AdvertiseParams
}

// NewStartAdvertising returns a command which starts advertising.
func NewStartAdvertising(params bluetooth.AdvertiseParams, opts ...Option) *StartAdvertising {
	c := &StartAdvertising{Params: params}
	c.init(c, KindStartAdvertising, bluetooth.NilAddress, opts)

	return c
}

// Execute hands the command to the receiver.
func (c *StartAdvertising) Execute(r Receiver) {
	r.StartAdvertising(c)
}

// Equal reports whether other advertises the same payload.
func (c *StartAdvertising) Equal(other Command) bool {
	o, ok := other.(*StartAdvertising)
	return ok && reflect.DeepEqual(o.Params, c.Params)
}

// StopAdvertising stops advertising.
type StopAdvertising struct {
	Result[NoResult]
}

// NewStopAdvertising returns a command which stops advertising.
func NewStopAdvertising(opts ...Option) *StopAdvertising {
	c := &StopAdvertising{}
	c.init(c, KindStopAdvertising, bluetooth.NilAddress, opts)

	return c
}

// Execute hands the command to the receiver.
func (c *StopAdvertising) Execute(r Receiver) {
	r.StopAdvertising(c)
}

// Equal reports whether other is a StopAdvertising.
func (c *StopAdvertising) Equal(other Command) bool {
	_, ok := other.(*StopAdvertising)
	return ok
}
