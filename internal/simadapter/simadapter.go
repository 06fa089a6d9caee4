// Package simadapter provides an in-memory device adapter. Its devices and
// their behaviour are scripted, and every callback is delivered from its own
// goroutine, as a radio driver would.
package simadapter

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluetuith-org/blecommand/api/bluetooth"
	"github.com/google/uuid"
)

// ErrLinkFailed is reported when a scripted connection attempt fails.
var ErrLinkFailed = errors.New("simulated link failure")

// Outcome scripts the result of one connection attempt.
type Outcome uint8

const (
	// Succeed makes the link ready after the connect delay.
	Succeed Outcome = iota

	// Fail reports the link as lost after the connect delay.
	Fail

	// Hang never answers.
	Hang
)

// Device is a simulated remote device.
type Device struct {
	Address  bluetooth.MacAddress
	Name     string
	RSSI     int16
	UUIDs    []uuid.UUID
	Services []bluetooth.Service

	// Reads holds the values returned by successive reads of a
	// characteristic. The last value is repeated once the others are used.
	Reads map[uuid.UUID][][]byte

	// Respond returns the notifications sent after a write.
	Respond func(characteristic uuid.UUID, data []byte) []Notification

	// MaxMtu caps the negotiated MTU. Zero means 247.
	MaxMtu int
}

// Notification is a value notified on a characteristic.
type Notification struct {
	Characteristic uuid.UUID
	Data           []byte
}

// Data returns the advertisement data of the device.
func (d *Device) Data() bluetooth.DeviceData {
	return bluetooth.DeviceData{
		Address: d.Address,
		Name:    d.Name,
		RSSI:    d.RSSI,
		UUIDs:   d.UUIDs,
	}
}

// Write is a recorded write.
type Write struct {
	Address        bluetooth.MacAddress
	Characteristic uuid.UUID
	Data           []byte
	NoResponse     bool
}

// Stats counts the calls the adapter received.
type Stats struct {
	Opens      int64
	Performs   int64
	Closes     int64
	ScanStarts int64
	ScanStops  int64
}

type handle struct {
	address bluetooth.MacAddress
	events  bluetooth.LinkEvents
	closed  atomic.Bool
}

func (h *handle) Address() bluetooth.MacAddress {
	return h.address
}

// Adapter is a scriptable bluetooth.DeviceAdapter.
type Adapter struct {
	// ConnectDelay is the time a connection attempt takes.
	ConnectDelay time.Duration

	// OperationDelay is the time an operation takes.
	OperationDelay time.Duration

	// ScanInterval is the time between two found devices.
	ScanInterval time.Duration

	// AdvertiseDelay is the time advertising takes to start.
	AdvertiseDelay time.Duration

	devices   map[bluetooth.MacAddress]*Device
	outcomes  map[bluetooth.MacAddress][]Outcome
	readIndex map[bluetooth.MacAddress]map[uuid.UUID]int
	links     map[bluetooth.MacAddress]*handle
	writes    []Write
	hangOps   map[bluetooth.MacAddress]bool
	denied    map[bluetooth.AuthorizeEventID]bool

	powered       bool
	scanning      bool
	scanGen       uint64
	advertising   bool
	advertiseFail bool

	radioHandlers map[int]func(bool)
	nextHandler   int

	opens, performs, closes, scanStarts, scanStops atomic.Int64

	mu sync.Mutex
}

// New returns a powered adapter with the given devices in range.
func New(devices ...*Device) *Adapter {
	a := &Adapter{
		ConnectDelay:   10 * time.Millisecond,
		OperationDelay: 2 * time.Millisecond,
		ScanInterval:   5 * time.Millisecond,
		AdvertiseDelay: 5 * time.Millisecond,
		devices:        make(map[bluetooth.MacAddress]*Device),
		outcomes:       make(map[bluetooth.MacAddress][]Outcome),
		readIndex:      make(map[bluetooth.MacAddress]map[uuid.UUID]int),
		links:          make(map[bluetooth.MacAddress]*handle),
		hangOps:        make(map[bluetooth.MacAddress]bool),
		denied:         make(map[bluetooth.AuthorizeEventID]bool),
		radioHandlers:  make(map[int]func(bool)),
		powered:        true,
	}

	for _, d := range devices {
		a.devices[d.Address] = d
	}

	return a
}

// AddDevice puts a device in range.
func (a *Adapter) AddDevice(d *Device) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.devices[d.Address] = d
}

// Script queues the outcomes of the next connection attempts to the device.
// Attempts beyond the script succeed.
func (a *Adapter) Script(address bluetooth.MacAddress, outcomes ...Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.outcomes[address] = append(a.outcomes[address], outcomes...)
}

// HangOperations makes operations on the device never answer.
func (a *Adapter) HangOperations(address bluetooth.MacAddress, hang bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.hangOps[address] = hang
}

// Deny makes the adapter refuse authorization for the event.
func (a *Adapter) Deny(event bluetooth.AuthorizeEventID, deny bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.denied[event] = deny
}

// FailAdvertising makes the next start requests fail.
func (a *Adapter) FailAdvertising(fail bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.advertiseFail = fail
}

// Writes returns the recorded writes.
func (a *Adapter) Writes() []Write {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]Write(nil), a.writes...)
}

// Stats returns the call counters.
func (a *Adapter) Stats() Stats {
	return Stats{
		Opens:      a.opens.Load(),
		Performs:   a.performs.Load(),
		Closes:     a.closes.Load(),
		ScanStarts: a.scanStarts.Load(),
		ScanStops:  a.scanStops.Load(),
	}
}

// Linked reports whether a link to the device is open.
func (a *Adapter) Linked(address bluetooth.MacAddress) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	h, ok := a.links[address]
	return ok && !h.closed.Load()
}

// Scanning reports whether a scan is running.
func (a *Adapter) Scanning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.scanning
}

// Advertising reports whether the adapter advertises.
func (a *Adapter) Advertising() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.advertising
}

// SetPowered switches the radio on or off. Switching it off drops every
// link without link callbacks; sessions learn about it from the radio
// handlers.
func (a *Adapter) SetPowered(powered bool) {
	a.mu.Lock()
	if a.powered == powered {
		a.mu.Unlock()
		return
	}

	a.powered = powered
	if !powered {
		for _, h := range a.links {
			h.closed.Store(true)
		}
		clear(a.links)
		a.scanning = false
		a.advertising = false
	}

	handlers := make([]func(bool), 0, len(a.radioHandlers))
	for _, fn := range a.radioHandlers {
		handlers = append(handlers, fn)
	}
	a.mu.Unlock()

	for _, fn := range handlers {
		go fn(powered)
	}
}

// DropLink makes the device disconnect unsolicited.
func (a *Adapter) DropLink(address bluetooth.MacAddress) {
	a.mu.Lock()
	h, ok := a.links[address]
	delete(a.links, address)
	a.mu.Unlock()

	if !ok || !h.closed.CompareAndSwap(false, true) {
		return
	}

	go h.events.LinkLost(h, ErrLinkFailed)
}

// Notify makes the device notify a value.
func (a *Adapter) Notify(address bluetooth.MacAddress, characteristic uuid.UUID, data []byte) {
	a.mu.Lock()
	h, ok := a.links[address]
	a.mu.Unlock()

	if !ok || h.closed.Load() {
		return
	}

	go h.events.Notification(h, characteristic, data)
}

// Open starts a scripted connection attempt.
func (a *Adapter) Open(address bluetooth.MacAddress, events bluetooth.LinkEvents) (bluetooth.Handle, error) {
	a.opens.Add(1)

	a.mu.Lock()
	if !a.powered {
		a.mu.Unlock()
		return nil, errors.New("radio is off")
	}

	if _, ok := a.devices[address]; !ok {
		a.mu.Unlock()
		return nil, errors.New("device is not in range")
	}

	outcome := Succeed
	if script := a.outcomes[address]; len(script) > 0 {
		outcome = script[0]
		a.outcomes[address] = script[1:]
	}

	h := &handle{address: address, events: events}
	if old, ok := a.links[address]; ok {
		old.closed.Store(true)
	}
	a.links[address] = h
	delay := a.ConnectDelay
	a.mu.Unlock()

	if outcome == Hang {
		return h, nil
	}

	time.AfterFunc(delay, func() {
		if h.closed.Load() {
			return
		}

		if outcome == Fail {
			a.mu.Lock()
			if a.links[address] == h {
				delete(a.links, address)
			}
			a.mu.Unlock()

			if h.closed.CompareAndSwap(false, true) {
				events.LinkLost(h, ErrLinkFailed)
			}

			return
		}

		events.LinkReady(h)
	})

	return h, nil
}

// Perform answers an operation after the operation delay.
func (a *Adapter) Perform(hd bluetooth.Handle, op bluetooth.Operation) bool {
	a.performs.Add(1)

	h, ok := hd.(*handle)
	if !ok || h.closed.Load() {
		return false
	}

	a.mu.Lock()
	device := a.devices[h.address]
	hang := a.hangOps[h.address]
	delay := a.OperationDelay
	a.mu.Unlock()

	if device == nil {
		return false
	}
	if hang {
		return true
	}

	time.AfterFunc(delay, func() {
		if h.closed.Load() {
			return
		}

		result, notifications := a.answer(device, op)
		h.events.OperationDone(h, result)

		for _, n := range notifications {
			if h.closed.Load() {
				return
			}
			h.events.Notification(h, n.Characteristic, n.Data)
		}
	})

	return true
}

func (a *Adapter) answer(device *Device, op bluetooth.Operation) (bluetooth.OperationResult, []Notification) {
	result := bluetooth.OperationResult{Op: op}

	switch op.Kind {
	case bluetooth.OpDiscoverServices:
		result.Services = device.Services

	case bluetooth.OpRead:
		result.Data = a.nextRead(device, op.Characteristic)

	case bluetooth.OpWrite, bluetooth.OpWriteNoResponse:
		a.mu.Lock()
		a.writes = append(a.writes, Write{
			Address:        device.Address,
			Characteristic: op.Characteristic,
			Data:           append([]byte(nil), op.Data...),
			NoResponse:     op.Kind == bluetooth.OpWriteNoResponse,
		})
		a.mu.Unlock()

		if device.Respond != nil {
			return result, device.Respond(op.Characteristic, op.Data)
		}

	case bluetooth.OpRequestMtu:
		limit := device.MaxMtu
		if limit == 0 {
			limit = 247
		}
		result.Value = min(op.Value, limit)

	case bluetooth.OpReadRssi:
		result.Value = int(device.RSSI)
	}

	return result, nil
}

func (a *Adapter) nextRead(device *Device, characteristic uuid.UUID) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	values := device.Reads[characteristic]
	if len(values) == 0 {
		return nil
	}

	index := a.readIndex[device.Address]
	if index == nil {
		index = make(map[uuid.UUID]int)
		a.readIndex[device.Address] = index
	}

	i := min(index[characteristic], len(values)-1)
	index[characteristic]++

	return values[i]
}

// Close releases the link. No callback is delivered for it afterwards.
func (a *Adapter) Close(hd bluetooth.Handle) {
	a.closes.Add(1)

	h, ok := hd.(*handle)
	if !ok {
		return
	}

	h.closed.Store(true)

	a.mu.Lock()
	if a.links[h.address] == h {
		delete(a.links, h.address)
	}
	a.mu.Unlock()
}

// StartScan reports every device in range, one per scan interval.
func (a *Adapter) StartScan(filter bluetooth.ScanFilter, events bluetooth.ScanEvents) bool {
	a.scanStarts.Add(1)

	a.mu.Lock()
	if !a.powered || a.scanning {
		a.mu.Unlock()
		return false
	}

	a.scanning = true
	a.scanGen++
	gen := a.scanGen
	devices := make([]bluetooth.DeviceData, 0, len(a.devices))
	for _, d := range a.devices {
		devices = append(devices, d.Data())
	}
	interval := a.ScanInterval
	a.mu.Unlock()

	go func() {
		for _, d := range devices {
			time.Sleep(interval)

			if !a.scanActive(gen) {
				return
			}
			events.DeviceFound(d)

			// Devices advertise repeatedly.
			if a.scanActive(gen) {
				events.DeviceFound(d)
			}
		}
	}()

	return true
}

func (a *Adapter) scanActive(gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.scanning && a.scanGen == gen
}

// StopScan stops the running scan.
func (a *Adapter) StopScan() {
	a.scanStops.Add(1)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.scanning = false
}

// StartAdvertising starts advertising after the advertise delay.
func (a *Adapter) StartAdvertising(params bluetooth.AdvertiseParams, events bluetooth.AdvertiseEvents) bool {
	a.mu.Lock()
	if !a.powered {
		a.mu.Unlock()
		return false
	}
	fail := a.advertiseFail
	delay := a.AdvertiseDelay
	a.mu.Unlock()

	time.AfterFunc(delay, func() {
		if fail {
			events.AdvertiseFailed(errors.New("advertising data too large"))
			return
		}

		a.mu.Lock()
		a.advertising = true
		a.mu.Unlock()

		events.AdvertiseStarted()
	})

	return true
}

// StopAdvertising stops advertising.
func (a *Adapter) StopAdvertising() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.advertising = false
}

// Powered reports whether the radio is on.
func (a *Adapter) Powered() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.powered
}

// OnRadioChange registers a radio handler.
func (a *Adapter) OnRadioChange(fn func(enabled bool)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.nextHandler
	a.nextHandler++
	a.radioHandlers[id] = fn

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()

		delete(a.radioHandlers, id)
	}
}

// Authorize refuses the events passed to Deny.
func (a *Adapter) Authorize(event bluetooth.AuthorizeEventID, _ bluetooth.MacAddress) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.denied[event] {
		return errors.New("not authorized: " + string(event))
	}

	return nil
}
