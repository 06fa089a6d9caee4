package bluetooth

import (
	"github.com/google/uuid"
)

// EventID identifies a family of events published on the event bus.
type EventID uint

const (
	EventNone EventID = iota
	EventRadio
	EventConnection
	EventNotification
	EventDeviceFound
	EventAdvertising
)

// Value returns the numeric topic of the event.
func (e EventID) Value() uint {
	return uint(e)
}

// String converts an EventID to a string.
func (e EventID) String() string {
	switch e {
	case EventRadio:
		return "radio"
	case EventConnection:
		return "connection"
	case EventNotification:
		return "notification"
	case EventDeviceFound:
		return "device-found"
	case EventAdvertising:
		return "advertising"
	}

	return "none"
}

// ConnectionState is the state of a connection session.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateServiceDiscovery
	StateConnected
)

// String returns a human-readable name for the connection state.
func (c ConnectionState) String() string {
	switch c {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateServiceDiscovery:
		return "service-discovery"
	case StateConnected:
		return "connected"
	}

	return "unknown"
}

// RadioEvent is published when the radio is switched on or off.
type RadioEvent struct {
	Enabled bool `json:"enabled"`
}

// ConnectionEvent is published on every connection state transition.
// Err is set when the transition was unsolicited.
type ConnectionEvent struct {
	Address MacAddress      `json:"address"`
	State   ConnectionState `json:"state"`
	Err     error           `json:"-"`
}

// NotificationEvent is published for notifications that no pending command consumed.
type NotificationEvent struct {
	Address        MacAddress `json:"address"`
	Characteristic uuid.UUID  `json:"characteristic"`
	Data           []byte     `json:"data"`
}

// AdvertisingEvent is published when advertising starts or stops.
type AdvertisingEvent struct {
	Active bool `json:"active"`
}
