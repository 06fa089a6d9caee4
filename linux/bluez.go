//go:build linux

// Package linux implements a device adapter over the BlueZ D-Bus API.
package linux

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/bluetuith-org/blecommand/api/bluetooth"
	"github.com/bluetuith-org/blecommand/api/errorkinds"
	"github.com/bluetuith-org/blecommand/api/logger"
	"github.com/godbus/dbus/v5"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	bluezBusName         = "org.bluez"
	bluezAdapterIface    = "org.bluez.Adapter1"
	bluezDeviceIface     = "org.bluez.Device1"
	bluezServiceIface    = "org.bluez.GattService1"
	bluezCharIface       = "org.bluez.GattCharacteristic1"
	bluezAdvManagerIface = "org.bluez.LEAdvertisingManager1"
	bluezAdvIface        = "org.bluez.LEAdvertisement1"

	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"
	dbusProperties    = "org.freedesktop.DBus.Properties"
)

// callTimeout bounds calls which are not tied to a command.
const callTimeout = 5 * time.Second

// Adapter is a bluetooth.DeviceAdapter for one BlueZ controller.
type Adapter struct {
	conn *dbus.Conn
	path dbus.ObjectPath
	log  logger.Logger

	links *xsync.MapOf[dbus.ObjectPath, *link]

	radio   *xsync.MapOf[int64, func(bool)]
	radioID atomic.Int64

	scanEvents bluetooth.ScanEvents
	scanMu     sync.Mutex

	adv   *advertisement
	advMu sync.Mutex

	signals   chan *dbus.Signal
	done      chan struct{}
	closeOnce sync.Once
}

// New connects to the system bus and returns an adapter for the named
// controller. An empty name selects the first controller BlueZ reports.
func New(name string, log logger.Logger) (*Adapter, error) {
	if log == nil {
		log = logger.Nop()
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fault.Wrap(err,
			fctx.With(context.Background(), "error_at", "bluez-bus"),
			ftag.With(errorkinds.KindUnavailable),
			fmsg.With("Cannot connect to the system bus"),
		)
	}

	a := &Adapter{
		conn:    conn,
		log:     log.With(logger.F("component", "bluez")),
		links:   xsync.NewMapOf[dbus.ObjectPath, *link](),
		radio:   xsync.NewMapOf[int64, func(bool)](),
		signals: make(chan *dbus.Signal, 64),
		done:    make(chan struct{}),
	}

	a.path, err = a.findController(name)
	if err != nil {
		conn.Close()
		return nil, err
	}

	for _, match := range [][]dbus.MatchOption{
		{
			dbus.WithMatchSender(bluezBusName),
			dbus.WithMatchInterface(dbusProperties),
			dbus.WithMatchMember("PropertiesChanged"),
		},
		{
			dbus.WithMatchSender(bluezBusName),
			dbus.WithMatchInterface(dbusObjectManager),
			dbus.WithMatchMember("InterfacesAdded"),
		},
	} {
		if err := conn.AddMatchSignal(match...); err != nil {
			conn.Close()
			return nil, fault.Wrap(err,
				fctx.With(context.Background(), "error_at", "bluez-match"),
				ftag.With(errorkinds.KindInternal),
				fmsg.With("Cannot watch BlueZ signals"),
			)
		}
	}

	conn.Signal(a.signals)
	go a.listen()

	a.log.Debug("Using controller", logger.F("path", string(a.path)))

	return a, nil
}

// Stop releases every link, stops advertising and closes the bus
// connection.
func (a *Adapter) Stop() error {
	var err error

	a.closeOnce.Do(func() {
		a.StopAdvertising()
		a.StopScan()

		a.links.Range(func(_ dbus.ObjectPath, l *link) bool {
			if l.closed.CompareAndSwap(false, true) {
				l.release()
				l.disconnect()
			}
			return true
		})

		close(a.done)
		a.conn.RemoveSignal(a.signals)
		err = a.conn.Close()
	})

	return err
}

// Powered reports whether the controller is powered.
func (a *Adapter) Powered() bool {
	powered, err := getProperty[bool](a.conn, a.path, bluezAdapterIface, "Powered")
	if err != nil {
		a.log.Warn("Cannot read the power state", logger.Err(err))
		return false
	}

	return powered
}

// OnRadioChange registers a handler for power state changes of the controller.
func (a *Adapter) OnRadioChange(fn func(enabled bool)) func() {
	id := a.radioID.Add(1)
	a.radio.Store(id, fn)

	return func() {
		a.radio.Delete(id)
	}
}

// Authorize checks that the application may use the controller. BlueZ
// enforces access with the D-Bus policy, so a refused property read means
// every command would be refused as well.
func (a *Adapter) Authorize(event bluetooth.AuthorizeEventID, address bluetooth.MacAddress) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	call := a.conn.Object(bluezBusName, a.path).CallWithContext(ctx, dbusProperties+".Get", 0, bluezAdapterIface, "Address")
	if call.Err == nil {
		return nil
	}

	err := wrapError(call.Err, string(event), address)
	if errorkinds.KindOf(err) != errorkinds.KindPermissionDenied {
		return nil
	}

	return err
}

// findController returns the object path of the named controller.
func (a *Adapter) findController(name string) (dbus.ObjectPath, error) {
	objects, err := managedObjects(a.conn)
	if err != nil {
		return "", err
	}

	var found []dbus.ObjectPath
	for path, ifaces := range objects {
		if _, ok := ifaces[bluezAdapterIface]; ok {
			found = append(found, path)
		}
	}

	slices.Sort(found)
	for _, path := range found {
		if name == "" || strings.HasSuffix(string(path), "/"+name) {
			return path, nil
		}
	}

	message := "No Bluetooth controller was found"
	if name != "" {
		message = "The Bluetooth controller " + name + " was not found"
	}

	return "", fault.Wrap(errorkinds.ErrUnavailable,
		fctx.With(context.Background(), "error_at", "bluez-controller"),
		ftag.With(errorkinds.KindUnavailable),
		fmsg.With(message),
	)
}

func (a *Adapter) listen() {
	for {
		select {
		case sig, ok := <-a.signals:
			if !ok {
				return
			}

			a.handle(sig)

		case <-a.done:
			return
		}
	}
}

func (a *Adapter) handle(sig *dbus.Signal) {
	switch sig.Name {
	case dbusProperties + ".PropertiesChanged":
		if len(sig.Body) < 2 {
			return
		}

		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)

		switch iface {
		case bluezAdapterIface:
			if sig.Path == a.path {
				a.adapterChanged(changed)
			}

		case bluezDeviceIface:
			if l, ok := a.links.Load(sig.Path); ok {
				l.deviceChanged(changed)
			}
			if _, ok := changed["RSSI"]; ok {
				go a.reportDevice(sig.Path)
			}

		case bluezCharIface:
			value, ok := changed["Value"]
			if !ok {
				return
			}

			if l, ok := a.links.Load(devicePathOf(sig.Path)); ok {
				data, _ := value.Value().([]byte)
				l.notify(sig.Path, data)
			}
		}

	case dbusObjectManager + ".InterfacesAdded":
		if len(sig.Body) < 2 {
			return
		}

		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		if props, ok := ifaces[bluezDeviceIface]; ok && a.underController(path) {
			a.deviceFound(path, props)
		}
	}
}

func (a *Adapter) adapterChanged(changed map[string]dbus.Variant) {
	if v, ok := changed["Powered"]; ok {
		powered, _ := v.Value().(bool)
		a.radioChanged(powered)
	}

	if v, ok := changed["Discovering"]; ok {
		if discovering, _ := v.Value().(bool); !discovering {
			a.discoveryStopped()
		}
	}
}

// radioChanged drops every link without callbacks when the controller
// powers off, and notifies the radio handlers.
func (a *Adapter) radioChanged(powered bool) {
	a.log.Debug("Power state changed", logger.F("powered", powered))

	if !powered {
		a.links.Range(func(_ dbus.ObjectPath, l *link) bool {
			l.drop()
			return true
		})
	}

	a.radio.Range(func(_ int64, fn func(bool)) bool {
		fn(powered)
		return true
	})
}

func (a *Adapter) underController(path dbus.ObjectPath) bool {
	return strings.HasPrefix(string(path), string(a.path)+"/")
}

// devicePath returns the object path of a device of the controller.
func devicePath(controller dbus.ObjectPath, address bluetooth.MacAddress) dbus.ObjectPath {
	return controller + dbus.ObjectPath("/dev_"+strings.ReplaceAll(address.String(), ":", "_"))
}

// devicePathOf returns the device part of an object path below a device,
// for example the device of a characteristic.
func devicePathOf(path dbus.ObjectPath) dbus.ObjectPath {
	parts := strings.Split(string(path), "/")
	if len(parts) < 5 || !strings.HasPrefix(parts[4], "dev_") {
		return ""
	}

	return dbus.ObjectPath(strings.Join(parts[:5], "/"))
}

// addressOf parses the device address from a device object path.
func addressOf(path dbus.ObjectPath) (bluetooth.MacAddress, error) {
	device := devicePathOf(path)
	if device == "" {
		return bluetooth.NilAddress, errorkinds.Wrap(errorkinds.ErrInvalidArgument, "bluez-path", string(path), "Not a device object path")
	}

	_, name, _ := strings.Cut(string(device[strings.LastIndex(string(device), "/")+1:]), "dev_")

	return bluetooth.ParseMAC(name)
}

func managedObjects(conn *dbus.Conn) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

	call := conn.Object(bluezBusName, "/").CallWithContext(ctx, dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, wrapError(call.Err, "bluez-objects", bluetooth.NilAddress)
	}
	if err := call.Store(&objects); err != nil {
		return nil, wrapError(err, "bluez-objects", bluetooth.NilAddress)
	}

	return objects, nil
}

// getProperty reads a property of a BlueZ object.
func getProperty[T any](conn *dbus.Conn, path dbus.ObjectPath, iface, property string) (T, error) {
	var zero T

	variant, err := conn.Object(bluezBusName, path).GetProperty(iface + "." + property)
	if err != nil {
		return zero, wrapError(err, "bluez-property", bluetooth.NilAddress)
	}

	value, ok := variant.Value().(T)
	if !ok {
		return zero, errorkinds.Wrap(errorkinds.ErrNotSupported, "bluez-property", "", "Unexpected type of property "+property)
	}

	return value, nil
}

// errorKind classifies a BlueZ error name.
func errorKind(name string) ftag.Kind {
	switch name {
	case "org.bluez.Error.NotPermitted", "org.bluez.Error.NotAuthorized",
		"org.freedesktop.DBus.Error.AccessDenied", "org.freedesktop.DBus.Error.AuthFailed":
		return errorkinds.KindPermissionDenied

	case "org.bluez.Error.InProgress", "org.bluez.Error.AlreadyExists":
		return errorkinds.KindBusy

	case "org.bluez.Error.NotSupported", "org.bluez.Error.NotAvailable",
		"org.freedesktop.DBus.Error.UnknownObject", "org.freedesktop.DBus.Error.UnknownMethod",
		"org.freedesktop.DBus.Error.UnknownInterface", "org.freedesktop.DBus.Error.UnknownProperty":
		return errorkinds.KindNotSupported

	case "org.bluez.Error.NotConnected", "org.bluez.Error.NotReady":
		return errorkinds.KindDisconnected

	case "org.freedesktop.DBus.Error.NoReply", "org.freedesktop.DBus.Error.Timeout":
		return errorkinds.KindTimeout
	}

	return errorkinds.KindRejected
}

// wrapError classifies an error returned by a BlueZ call.
func wrapError(err error, at string, address bluetooth.MacAddress) error {
	kind := errorkinds.KindRejected
	message := "BlueZ refused the request"

	var dbusErr dbus.Error
	switch {
	case errors.As(err, &dbusErr):
		kind = errorKind(dbusErr.Name)
		if len(dbusErr.Body) > 0 {
			if text, ok := dbusErr.Body[0].(string); ok && text != "" {
				message = text
			}
		}

	case errors.Is(err, context.DeadlineExceeded):
		kind = errorkinds.KindTimeout
		message = "BlueZ did not answer in time"

	case errors.Is(err, context.Canceled):
		kind = errorkinds.KindCancelled
		message = "The request was cancelled"
	}

	kv := []string{"error_at", at}
	if !address.IsNil() {
		kv = append(kv, "address", address.String())
	}

	return fault.Wrap(err,
		fctx.With(context.Background(), kv...),
		ftag.With(kind),
		fmsg.With(message),
	)
}
