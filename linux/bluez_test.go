//go:build linux

package linux

import (
	"context"
	"testing"

	"github.com/bluetuith-org/blecommand/api/bluetooth"
	"github.com/bluetuith-org/blecommand/api/errorkinds"
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var addr = bluetooth.MustParseMAC("11:22:33:44:55:66")

func TestDevicePaths(t *testing.T) {
	path := devicePath("/org/bluez/hci0", addr)
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci0/dev_11_22_33_44_55_66"), path)

	assert.Equal(t, path, devicePathOf(path+"/service000a/char000b"))
	assert.Equal(t, path, devicePathOf(path))
	assert.Empty(t, devicePathOf("/org/bluez/hci0"))

	address, err := addressOf(path + "/service000a")
	require.NoError(t, err)
	assert.Equal(t, addr, address)

	_, err = addressOf("/org/bluez/hci0")
	require.ErrorIs(t, err, errorkinds.ErrInvalidArgument)
}

func TestProperties(t *testing.T) {
	p := properties([]string{"read", "notify", "write-without-response", "extended-properties"})

	assert.True(t, p.Has(bluetooth.PropertyRead|bluetooth.PropertyNotify|bluetooth.PropertyWriteNoResponse))
	assert.False(t, p.Has(bluetooth.PropertyWrite))
	assert.False(t, p.Has(bluetooth.PropertyIndicate))
}

func TestDeviceData(t *testing.T) {
	battery := uuid.MustParse("0000180f-0000-1000-8000-00805f9b34fb")

	device, ok := deviceData("/org/bluez/hci0/dev_11_22_33_44_55_66", map[string]dbus.Variant{
		"Alias": dbus.MakeVariant("11-22-33-44-55-66"),
		"Name":  dbus.MakeVariant("Battery"),
		"RSSI":  dbus.MakeVariant(int16(-70)),
		"UUIDs": dbus.MakeVariant([]string{battery.String(), "not-a-uuid"}),
	})
	require.True(t, ok)

	assert.Equal(t, addr, device.Address)
	assert.Equal(t, "Battery", device.Name)
	assert.Equal(t, int16(-70), device.RSSI)
	assert.Equal(t, []uuid.UUID{battery}, device.UUIDs)

	_, ok = deviceData("/org/bluez/hci0", map[string]dbus.Variant{
		"Address": dbus.MakeVariant("invalid"),
	})
	assert.False(t, ok)
}

func TestWrapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind string
	}{
		{name: "busy", err: dbus.Error{Name: "org.bluez.Error.InProgress"}, kind: string(errorkinds.KindBusy)},
		{name: "not permitted", err: dbus.Error{Name: "org.bluez.Error.NotPermitted"}, kind: string(errorkinds.KindPermissionDenied)},
		{name: "access denied", err: dbus.Error{Name: "org.freedesktop.DBus.Error.AccessDenied"}, kind: string(errorkinds.KindPermissionDenied)},
		{name: "unknown object", err: dbus.Error{Name: "org.freedesktop.DBus.Error.UnknownObject"}, kind: string(errorkinds.KindNotSupported)},
		{name: "not connected", err: dbus.Error{Name: "org.bluez.Error.NotConnected"}, kind: string(errorkinds.KindDisconnected)},
		{name: "failed", err: dbus.Error{Name: "org.bluez.Error.Failed", Body: []any{"le-connection-abort-by-local"}}, kind: string(errorkinds.KindRejected)},
		{name: "deadline", err: context.DeadlineExceeded, kind: string(errorkinds.KindTimeout)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := wrapError(tt.err, "test", addr)

			assert.Equal(t, tt.kind, string(errorkinds.KindOf(err)))
			assert.Contains(t, err.Error(), tt.err.Error())
		})
	}
}

func TestAdvertisementProperties(t *testing.T) {
	service := uuid.MustParse("0000180f-0000-1000-8000-00805f9b34fb")

	props := advertisementProperties(bluetooth.AdvertiseParams{
		LocalName:    "beacon",
		ServiceUUIDs: []uuid.UUID{service},
		Manufacturer: map[uint16][]byte{0x004c: {0x02, 0x15}},
		Connectable:  true,
	})[bluezAdvIface]

	assert.Equal(t, "peripheral", props["Type"].Value)
	assert.Equal(t, "beacon", props["LocalName"].Value)
	assert.Equal(t, []string{service.String()}, props["ServiceUUIDs"].Value)
	assert.Equal(t, prop.EmitFalse, props["Type"].Emit)

	data, ok := props["ManufacturerData"].Value.(map[uint16]dbus.Variant)
	require.True(t, ok)
	assert.Equal(t, []byte{0x02, 0x15}, data[0x004c].Value())

	broadcast := advertisementProperties(bluetooth.AdvertiseParams{})[bluezAdvIface]
	assert.Equal(t, "broadcast", broadcast["Type"].Value)
	assert.NotContains(t, broadcast, "LocalName")
	assert.NotContains(t, broadcast, "ServiceUUIDs")
}
