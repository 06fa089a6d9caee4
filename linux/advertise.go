//go:build linux

package linux

import (
	"context"

	"github.com/bluetuith-org/blecommand/api/bluetooth"
	"github.com/bluetuith-org/blecommand/api/logger"
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
)

const advertisementPath = dbus.ObjectPath("/org/bluetuith/blecommand/advertisement0")

// advertisement is the LEAdvertisement1 object registered with BlueZ.
type advertisement struct {
	adapter *Adapter
	events  bluetooth.AdvertiseEvents
	cancel  context.CancelFunc
}

// Release is called by BlueZ when it removed the advertisement.
func (adv *advertisement) Release() *dbus.Error {
	adv.adapter.log.Debug("Advertisement released")
	adv.adapter.releaseAdvertisement(adv)

	return nil
}

// StartAdvertising exports an advertisement and registers it with the
// LE advertising manager of the controller.
func (a *Adapter) StartAdvertising(params bluetooth.AdvertiseParams, events bluetooth.AdvertiseEvents) bool {
	a.advMu.Lock()
	defer a.advMu.Unlock()

	if a.adv != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	adv := &advertisement{adapter: a, events: events, cancel: cancel}

	if err := a.conn.Export(adv, advertisementPath, bluezAdvIface); err != nil {
		cancel()
		a.log.Warn("Cannot export the advertisement", logger.Err(err))

		return false
	}

	if _, err := prop.Export(a.conn, advertisementPath, advertisementProperties(params)); err != nil {
		cancel()
		a.unexportAdvertisement()
		a.log.Warn("Cannot export the advertisement properties", logger.Err(err))

		return false
	}

	a.adv = adv

	go func() {
		defer cancel()

		call := a.conn.Object(bluezBusName, a.path).CallWithContext(ctx, bluezAdvManagerIface+".RegisterAdvertisement", 0,
			advertisementPath, map[string]dbus.Variant{},
		)
		if call.Err != nil {
			if a.releaseAdvertisement(adv) {
				events.AdvertiseFailed(wrapError(call.Err, "bluez-advertise", bluetooth.NilAddress))
			}

			return
		}

		events.AdvertiseStarted()
	}()

	return true
}

// StopAdvertising unregisters the advertisement.
func (a *Adapter) StopAdvertising() {
	a.advMu.Lock()
	adv := a.adv
	a.advMu.Unlock()

	if adv == nil || !a.releaseAdvertisement(adv) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	call := a.conn.Object(bluezBusName, a.path).CallWithContext(ctx, bluezAdvManagerIface+".UnregisterAdvertisement", 0, advertisementPath)
	if call.Err != nil {
		a.log.Debug("Cannot unregister the advertisement", logger.Err(call.Err))
	}
}

// releaseAdvertisement forgets the advertisement and removes its object.
// It reports false if the advertisement was already released.
func (a *Adapter) releaseAdvertisement(adv *advertisement) bool {
	a.advMu.Lock()
	defer a.advMu.Unlock()

	if a.adv != adv {
		return false
	}

	a.adv = nil
	adv.cancel()
	a.unexportAdvertisement()

	return true
}

func (a *Adapter) unexportAdvertisement() {
	_ = a.conn.Export(nil, advertisementPath, bluezAdvIface)
	_ = a.conn.Export(nil, advertisementPath, dbusProperties)
}

func advertisementProperties(params bluetooth.AdvertiseParams) prop.Map {
	kind := "broadcast"
	if params.Connectable {
		kind = "peripheral"
	}

	props := map[string]*prop.Prop{
		"Type":     {Value: kind, Emit: prop.EmitFalse},
		"Includes": {Value: []string{"tx-power"}, Emit: prop.EmitFalse},
	}

	if params.LocalName != "" {
		props["LocalName"] = &prop.Prop{Value: params.LocalName, Emit: prop.EmitFalse}
	}

	if len(params.ServiceUUIDs) > 0 {
		ids := make([]string, 0, len(params.ServiceUUIDs))
		for _, id := range params.ServiceUUIDs {
			ids = append(ids, id.String())
		}

		props["ServiceUUIDs"] = &prop.Prop{Value: ids, Emit: prop.EmitFalse}
	}

	if len(params.Manufacturer) > 0 {
		data := make(map[uint16]dbus.Variant, len(params.Manufacturer))
		for id, payload := range params.Manufacturer {
			data[id] = dbus.MakeVariant(payload)
		}

		props["ManufacturerData"] = &prop.Prop{Value: data, Emit: prop.EmitFalse}
	}

	return prop.Map{bluezAdvIface: props}
}
