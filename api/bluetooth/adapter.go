package bluetooth

import (
	"github.com/google/uuid"
)

// OperationKind names an operation performed on an established link.
type OperationKind uint8

const (
	OpDiscoverServices OperationKind = iota + 1
	OpRead
	OpWrite
	OpWriteNoResponse
	OpSetNotify
	OpSetIndicate
	OpRequestMtu
	OpReadRssi
)

// String converts an OperationKind to a string.
func (o OperationKind) String() string {
	switch o {
	case OpDiscoverServices:
		return "discover-services"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpWriteNoResponse:
		return "write-no-response"
	case OpSetNotify:
		return "set-notify"
	case OpSetIndicate:
		return "set-indicate"
	case OpRequestMtu:
		return "request-mtu"
	case OpReadRssi:
		return "read-rssi"
	}

	return "unknown"
}

// Operation describes one asynchronous operation on an established link.
type Operation struct {
	Kind           OperationKind
	Service        uuid.UUID
	Characteristic uuid.UUID
	Data           []byte
	Enable         bool
	Value          int
}

// OperationResult carries the outcome of an Operation. Depending on the kind,
// Data holds read bytes, Value holds the MTU or RSSI, and Services holds the
// discovered GATT database.
type OperationResult struct {
	Op       Operation
	Data     []byte
	Value    int
	Services []Service
	Err      error
}

// Handle identifies a low-level link opened by a DeviceAdapter.
type Handle interface {
	Address() MacAddress
}

// LinkEvents receives the unsolicited callbacks of one link.
// Adapters may invoke these from any goroutine.
type LinkEvents interface {
	// LinkReady is called when the link became ready for use.
	LinkReady(h Handle)

	// LinkLost is called when the link became unavailable.
	LinkLost(h Handle, err error)

	// OperationDone is called with the outcome of an accepted operation.
	OperationDone(h Handle, result OperationResult)

	// Notification is called when the remote device notifies or indicates
	// a characteristic value.
	Notification(h Handle, characteristic uuid.UUID, data []byte)
}

// ScanEvents receives scan callbacks.
type ScanEvents interface {
	DeviceFound(device DeviceData)
	ScanFailed(err error)
}

// AdvertiseEvents receives advertising callbacks.
type AdvertiseEvents interface {
	AdvertiseStarted()
	AdvertiseFailed(err error)
}

// DeviceAdapter is the capability set the command engine needs from the
// hardware layer. Implementations report results only through the event
// interfaces passed to them, never through return values, except for
// synchronous refusals.
type DeviceAdapter interface {
	// Open starts opening a link to the device. A returned error means the
	// adapter refused to start; otherwise LinkReady or LinkLost follows.
	Open(address MacAddress, events LinkEvents) (Handle, error)

	// Perform starts an operation on the link and reports whether it was
	// accepted. Accepted operations are answered through OperationDone.
	Perform(h Handle, op Operation) bool

	// Close releases the link. No further callbacks are delivered for it.
	Close(h Handle)

	// StartScan starts a scan and reports whether it was accepted.
	StartScan(filter ScanFilter, events ScanEvents) bool

	// StopScan stops a running scan.
	StopScan()

	// StartAdvertising starts advertising and reports whether it was accepted.
	StartAdvertising(params AdvertiseParams, events AdvertiseEvents) bool

	// StopAdvertising stops a running advertisement.
	StopAdvertising()

	// Powered reports whether the radio is currently enabled.
	Powered() bool

	// OnRadioChange registers a handler for radio on/off transitions and
	// returns a function that removes it.
	OnRadioChange(fn func(enabled bool)) (remove func())
}
