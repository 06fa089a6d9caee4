// Package platform selects the device adapter of the running system.
package platform

import (
	"runtime"

	"github.com/bluetuith-org/blecommand/api/bluetooth"
	"github.com/bluetuith-org/blecommand/internal/simadapter"
)

type BluetoothStack string

const (
	BluezStack       BluetoothStack = "BlueZ (DBus)"
	SimulatedStack   BluetoothStack = "Simulated"
	UnsupportedStack BluetoothStack = "Unsupported"
)

// PlatformInfo describes platform-specific information.
type PlatformInfo struct {
	OS    string         `json:"os,omitempty"`
	Stack BluetoothStack `json:"bluetooth_stack,omitempty"`
}

// Adapter is a device adapter which holds system resources until it is
// stopped.
type Adapter interface {
	bluetooth.DeviceAdapter

	// Stop releases the resources of the adapter.
	Stop() error
}

// NewPlatformInfo returns a new PlatformInfo.
func NewPlatformInfo(stack BluetoothStack) PlatformInfo {
	return PlatformInfo{
		OS:    runtime.GOOS + " (" + runtime.GOARCH + ")",
		Stack: stack,
	}
}

// String converts a BluetoothStack to a string.
func (b BluetoothStack) String() string {
	return string(b)
}

// simulated adapts an in-memory adapter to Adapter.
type simulated struct {
	*simadapter.Adapter
}

// Stop does not do anything.
func (simulated) Stop() error {
	return nil
}

// Simulated returns the in-memory adapter as a platform adapter.
func Simulated(adapter *simadapter.Adapter) (Adapter, PlatformInfo) {
	return simulated{Adapter: adapter}, NewPlatformInfo(SimulatedStack)
}
