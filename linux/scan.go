//go:build linux

package linux

import (
	"context"

	"github.com/bluetuith-org/blecommand/api/bluetooth"
	"github.com/bluetuith-org/blecommand/api/errorkinds"
	"github.com/bluetuith-org/blecommand/api/logger"
	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
)

// StartScan starts LE discovery. Devices BlueZ saw recently are reported
// first, then every device whose advertisement is received.
func (a *Adapter) StartScan(filter bluetooth.ScanFilter, events bluetooth.ScanEvents) bool {
	a.scanMu.Lock()
	if a.scanEvents != nil {
		a.scanMu.Unlock()
		return false
	}
	a.scanEvents = events
	a.scanMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	obj := a.conn.Object(bluezBusName, a.path)

	args := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"DuplicateData": dbus.MakeVariant(true),
	}
	if filter.Service != uuid.Nil {
		args["UUIDs"] = dbus.MakeVariant([]string{filter.Service.String()})
	}

	if call := obj.CallWithContext(ctx, bluezAdapterIface+".SetDiscoveryFilter", 0, args); call.Err != nil {
		a.log.Warn("Cannot set the discovery filter", logger.Err(call.Err))
	}

	if call := obj.CallWithContext(ctx, bluezAdapterIface+".StartDiscovery", 0); call.Err != nil {
		a.log.Warn("Cannot start discovery", logger.Err(call.Err))

		a.scanMu.Lock()
		a.scanEvents = nil
		a.scanMu.Unlock()

		return false
	}

	go a.reportKnown()

	return true
}

// StopScan stops discovery.
func (a *Adapter) StopScan() {
	a.scanMu.Lock()
	active := a.scanEvents != nil
	a.scanEvents = nil
	a.scanMu.Unlock()

	if !active {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	call := a.conn.Object(bluezBusName, a.path).CallWithContext(ctx, bluezAdapterIface+".StopDiscovery", 0)
	if call.Err != nil {
		a.log.Debug("Cannot stop discovery", logger.Err(call.Err))
	}
}

func (a *Adapter) scanning() bluetooth.ScanEvents {
	a.scanMu.Lock()
	defer a.scanMu.Unlock()

	return a.scanEvents
}

// discoveryStopped fails a running scan which BlueZ ended on its own.
func (a *Adapter) discoveryStopped() {
	a.scanMu.Lock()
	events := a.scanEvents
	a.scanEvents = nil
	a.scanMu.Unlock()

	if events != nil {
		events.ScanFailed(errorkinds.Wrap(errorkinds.ErrRejected, "bluez-scan", "", "Discovery was stopped by the controller"))
	}
}

// reportKnown reports the devices of the controller which have a signal
// strength, since BlueZ does not announce devices it already knows.
func (a *Adapter) reportKnown() {
	objects, err := managedObjects(a.conn)
	if err != nil {
		a.log.Warn("Cannot list known devices", logger.Err(err))
		return
	}

	for path, ifaces := range objects {
		props, ok := ifaces[bluezDeviceIface]
		if !ok || !a.underController(path) {
			continue
		}

		if _, ok := props["RSSI"]; ok {
			a.deviceFound(path, props)
		}
	}
}

// reportDevice reports a device whose signal strength changed.
func (a *Adapter) reportDevice(path dbus.ObjectPath) {
	if a.scanning() == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	var props map[string]dbus.Variant

	call := a.conn.Object(bluezBusName, path).CallWithContext(ctx, dbusProperties+".GetAll", 0, bluezDeviceIface)
	if call.Err != nil {
		return
	}
	if err := call.Store(&props); err != nil {
		return
	}

	a.deviceFound(path, props)
}

func (a *Adapter) deviceFound(path dbus.ObjectPath, props map[string]dbus.Variant) {
	events := a.scanning()
	if events == nil {
		return
	}

	device, ok := deviceData(path, props)
	if ok {
		events.DeviceFound(device)
	}
}

// deviceData converts the Device1 properties of a device.
func deviceData(path dbus.ObjectPath, props map[string]dbus.Variant) (bluetooth.DeviceData, bool) {
	var device bluetooth.DeviceData

	if v, ok := props["Address"]; ok {
		text, _ := v.Value().(string)
		address, err := bluetooth.ParseMAC(text)
		if err != nil {
			return device, false
		}
		device.Address = address
	} else {
		address, err := addressOf(path)
		if err != nil {
			return device, false
		}
		device.Address = address
	}

	for _, key := range []string{"Name", "Alias"} {
		if v, ok := props[key]; ok {
			if name, _ := v.Value().(string); name != "" {
				device.Name = name
				break
			}
		}
	}

	if v, ok := props["RSSI"]; ok {
		device.RSSI, _ = v.Value().(int16)
	}

	if v, ok := props["UUIDs"]; ok {
		ids, _ := v.Value().([]string)
		for _, text := range ids {
			if id, err := uuid.Parse(text); err == nil {
				device.UUIDs = append(device.UUIDs, id)
			}
		}
	}

	return device, true
}
