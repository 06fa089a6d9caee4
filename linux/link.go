//go:build linux

package linux

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bluetuith-org/blecommand/api/bluetooth"
	"github.com/bluetuith-org/blecommand/api/errorkinds"
	"github.com/bluetuith-org/blecommand/api/logger"
	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
)

// charKey identifies a characteristic within the GATT database of a link.
type charKey struct {
	service        uuid.UUID
	characteristic uuid.UUID
}

// link is the handle of one device connection.
type link struct {
	adapter *Adapter
	address bluetooth.MacAddress
	path    dbus.ObjectPath
	events  bluetooth.LinkEvents

	ctx    context.Context
	cancel context.CancelFunc

	ready  atomic.Bool
	closed atomic.Bool

	chars map[charKey]dbus.ObjectPath
	paths map[dbus.ObjectPath]uuid.UUID
	mu    sync.Mutex
}

// Address returns the address of the device.
func (l *link) Address() bluetooth.MacAddress {
	return l.address
}

// Open connects to the device. BlueZ must know the device, which usually
// means it was found by a recent scan.
func (a *Adapter) Open(address bluetooth.MacAddress, events bluetooth.LinkEvents) (bluetooth.Handle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	l := &link{
		adapter: a,
		address: address,
		path:    devicePath(a.path, address),
		events:  events,
		ctx:     ctx,
		cancel:  cancel,
		chars:   make(map[charKey]dbus.ObjectPath),
		paths:   make(map[dbus.ObjectPath]uuid.UUID),
	}

	if _, loaded := a.links.LoadOrStore(l.path, l); loaded {
		cancel()
		return nil, errorkinds.Wrap(errorkinds.ErrBusy, "bluez-open", address.String(), "The device already has an open link")
	}

	go l.connect()

	return l, nil
}

// Perform starts an operation on a ready link.
func (a *Adapter) Perform(h bluetooth.Handle, op bluetooth.Operation) bool {
	l, ok := h.(*link)
	if !ok || l.closed.Load() || !l.ready.Load() {
		return false
	}

	go func() {
		result := l.perform(op)
		result.Op = op

		if !l.closed.Load() {
			l.events.OperationDone(l, result)
		}
	}()

	return true
}

// Close releases the link and disconnects the device.
func (a *Adapter) Close(h bluetooth.Handle) {
	l, ok := h.(*link)
	if !ok || !l.closed.CompareAndSwap(false, true) {
		return
	}

	l.release()
	go l.disconnect()
}

func (l *link) disconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	call := l.adapter.conn.Object(bluezBusName, l.path).CallWithContext(ctx, bluezDeviceIface+".Disconnect", 0)
	if call.Err != nil {
		l.adapter.log.Debug("Disconnect failed", logger.F("address", l.address.String()), logger.Err(call.Err))
	}
}

func (l *link) connect() {
	call := l.adapter.conn.Object(bluezBusName, l.path).CallWithContext(l.ctx, bluezDeviceIface+".Connect", 0)
	if err := call.Err; err != nil {
		if dbusErr, ok := err.(dbus.Error); !ok || dbusErr.Name != "org.bluez.Error.AlreadyConnected" {
			l.lost(wrapError(err, "bluez-connect", l.address))
			return
		}
	}

	resolved, err := getProperty[bool](l.adapter.conn, l.path, bluezDeviceIface, "ServicesResolved")
	if err == nil && resolved {
		l.markReady()
	}
}

// deviceChanged follows the device properties while the link is open.
func (l *link) deviceChanged(changed map[string]dbus.Variant) {
	if v, ok := changed["ServicesResolved"]; ok {
		if resolved, _ := v.Value().(bool); resolved {
			l.markReady()
		}
	}

	if v, ok := changed["Connected"]; ok {
		if connected, _ := v.Value().(bool); !connected {
			l.lost(errorkinds.Wrap(errorkinds.ErrDisconnected, "bluez-link", l.address.String(), "The device disconnected"))
		}
	}
}

func (l *link) markReady() {
	if l.closed.Load() || !l.ready.CompareAndSwap(false, true) {
		return
	}

	l.events.LinkReady(l)
}

func (l *link) lost(err error) {
	if !l.closed.CompareAndSwap(false, true) {
		return
	}

	l.release()
	l.events.LinkLost(l, err)
}

// drop releases the link without any callback.
func (l *link) drop() {
	if l.closed.CompareAndSwap(false, true) {
		l.release()
	}
}

func (l *link) release() {
	l.cancel()
	l.adapter.links.Compute(l.path, func(current *link, loaded bool) (*link, bool) {
		return current, !loaded || current == l
	})
}

func (l *link) notify(path dbus.ObjectPath, data []byte) {
	if l.closed.Load() || !l.ready.Load() {
		return
	}

	l.mu.Lock()
	characteristic, ok := l.paths[path]
	l.mu.Unlock()

	if ok {
		l.events.Notification(l, characteristic, data)
	}
}

func (l *link) perform(op bluetooth.Operation) bluetooth.OperationResult {
	var result bluetooth.OperationResult

	switch op.Kind {
	case bluetooth.OpDiscoverServices:
		result.Services, result.Err = l.discover()

	case bluetooth.OpRead:
		result.Data, result.Err = l.read(op)

	case bluetooth.OpWrite, bluetooth.OpWriteNoResponse:
		result.Err = l.write(op)

	case bluetooth.OpSetNotify, bluetooth.OpSetIndicate:
		result.Err = l.setNotify(op)

	case bluetooth.OpRequestMtu:
		result.Value, result.Err = l.mtu(op.Value)

	case bluetooth.OpReadRssi:
		rssi, err := getProperty[int16](l.adapter.conn, l.path, bluezDeviceIface, "RSSI")
		result.Value, result.Err = int(rssi), err

	default:
		result.Err = errorkinds.Wrap(errorkinds.ErrNotSupported, op.Kind.String(), l.address.String(), "BlueZ does not support the operation")
	}

	return result
}

// discover reads the GATT database BlueZ resolved for the device.
func (l *link) discover() ([]bluetooth.Service, error) {
	objects, err := managedObjects(l.adapter.conn)
	if err != nil {
		return nil, err
	}

	prefix := string(l.path) + "/"
	services := make(map[dbus.ObjectPath]*bluetooth.Service)
	chars := make(map[dbus.ObjectPath]map[string]dbus.Variant)

	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}

		if props, ok := ifaces[bluezServiceIface]; ok {
			if id, ok := uuidProperty(props); ok {
				services[path] = &bluetooth.Service{UUID: id}
			}
		}

		if props, ok := ifaces[bluezCharIface]; ok {
			chars[path] = props
		}
	}

	charPaths := make(map[charKey]dbus.ObjectPath, len(chars))
	uuids := make(map[dbus.ObjectPath]uuid.UUID, len(chars))

	for _, path := range sortedKeys(chars) {
		props := chars[path]

		id, ok := uuidProperty(props)
		if !ok {
			continue
		}

		parent, _ := props["Service"].Value().(dbus.ObjectPath)
		service, ok := services[parent]
		if !ok {
			continue
		}

		flags, _ := props["Flags"].Value().([]string)
		service.Characteristics = append(service.Characteristics, bluetooth.Characteristic{
			UUID:       id,
			Properties: properties(flags),
		})

		charPaths[charKey{service: service.UUID, characteristic: id}] = path
		uuids[path] = id
	}

	l.mu.Lock()
	l.chars, l.paths = charPaths, uuids
	l.mu.Unlock()

	result := make([]bluetooth.Service, 0, len(services))
	for _, path := range sortedKeys(services) {
		result = append(result, *services[path])
	}

	return result, nil
}

func (l *link) characteristic(service, characteristic uuid.UUID) (dbus.ObjectPath, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if service != uuid.Nil {
		if path, ok := l.chars[charKey{service: service, characteristic: characteristic}]; ok {
			return path, nil
		}
	} else {
		for key, path := range l.chars {
			if key.characteristic == characteristic {
				return path, nil
			}
		}
	}

	return "", errorkinds.Wrap(errorkinds.ErrNotSupported, "bluez-characteristic", l.address.String(), "The characteristic "+characteristic.String()+" was not discovered")
}

func (l *link) read(op bluetooth.Operation) ([]byte, error) {
	path, err := l.characteristic(op.Service, op.Characteristic)
	if err != nil {
		return nil, err
	}

	call := l.adapter.conn.Object(bluezBusName, path).CallWithContext(l.ctx, bluezCharIface+".ReadValue", 0, map[string]dbus.Variant{})
	if call.Err != nil {
		return nil, wrapError(call.Err, "bluez-read", l.address)
	}

	var data []byte
	if err := call.Store(&data); err != nil {
		return nil, wrapError(err, "bluez-read", l.address)
	}

	return data, nil
}

func (l *link) write(op bluetooth.Operation) error {
	path, err := l.characteristic(op.Service, op.Characteristic)
	if err != nil {
		return err
	}

	writeType := "request"
	if op.Kind == bluetooth.OpWriteNoResponse {
		writeType = "command"
	}

	call := l.adapter.conn.Object(bluezBusName, path).CallWithContext(l.ctx, bluezCharIface+".WriteValue", 0, op.Data, map[string]dbus.Variant{
		"type": dbus.MakeVariant(writeType),
	})
	if call.Err != nil {
		return wrapError(call.Err, "bluez-write", l.address)
	}

	return nil
}

// setNotify enables or disables notifications. BlueZ chooses between
// notifications and indications from the characteristic flags.
func (l *link) setNotify(op bluetooth.Operation) error {
	path, err := l.characteristic(op.Service, op.Characteristic)
	if err != nil {
		return err
	}

	method := bluezCharIface + ".StopNotify"
	if op.Enable {
		method = bluezCharIface + ".StartNotify"
	}

	call := l.adapter.conn.Object(bluezBusName, path).CallWithContext(l.ctx, method, 0)
	if call.Err != nil {
		return wrapError(call.Err, "bluez-notify", l.address)
	}

	return nil
}

// mtu returns the MTU BlueZ negotiated, bounded by the requested one. BlueZ
// exchanges the MTU on its own when the link is established.
func (l *link) mtu(requested int) (int, error) {
	l.mu.Lock()
	var path dbus.ObjectPath
	for _, p := range l.chars {
		path = p
		break
	}
	l.mu.Unlock()

	if path == "" {
		return 0, errorkinds.Wrap(errorkinds.ErrNotSupported, "bluez-mtu", l.address.String(), "No characteristic reports the MTU")
	}

	mtu, err := getProperty[uint16](l.adapter.conn, path, bluezCharIface, "MTU")
	if err != nil {
		return 0, err
	}

	if requested > 0 {
		return min(requested, int(mtu)), nil
	}

	return int(mtu), nil
}

func uuidProperty(props map[string]dbus.Variant) (uuid.UUID, bool) {
	v, ok := props["UUID"]
	if !ok {
		return uuid.Nil, false
	}

	text, _ := v.Value().(string)
	id, err := uuid.Parse(text)

	return id, err == nil
}

// properties converts BlueZ characteristic flags.
func properties(flags []string) bluetooth.CharacteristicProperty {
	var p bluetooth.CharacteristicProperty

	for _, flag := range flags {
		switch flag {
		case "broadcast":
			p |= bluetooth.PropertyBroadcast
		case "read":
			p |= bluetooth.PropertyRead
		case "write-without-response":
			p |= bluetooth.PropertyWriteNoResponse
		case "write":
			p |= bluetooth.PropertyWrite
		case "notify":
			p |= bluetooth.PropertyNotify
		case "indicate":
			p |= bluetooth.PropertyIndicate
		}
	}

	return p
}

func sortedKeys[V any](m map[dbus.ObjectPath]V) []dbus.ObjectPath {
	keys := make([]dbus.ObjectPath, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	return keys
}
