package session

import (
	"testing"
	"time"

	"github.com/bluetuith-org/blecommand/api/bluetooth"
	"github.com/bluetuith-org/blecommand/api/errorkinds"
	"github.com/bluetuith-org/blecommand/commands"
	"github.com/bluetuith-org/blecommand/internal/simadapter"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var otherAddr = bluetooth.MustParseMAC("AA:BB:CC:DD:EE:FF")

func scanAdapter() *simadapter.Adapter {
	return simadapter.New(
		testDevice(),
		&simadapter.Device{Address: otherAddr, Name: "Thermometer", RSSI: -80},
	)
}

func TestScanReportsEachDeviceOnce(t *testing.T) {
	adapter := scanAdapter()
	deps := testDeps(adapter)

	s := NewScan(deps)
	defer s.Shutdown()

	found := make(chan bluetooth.DeviceData, 8)
	c := commands.NewStartScan(bluetooth.ScanFilter{}, 100*time.Millisecond).OnDevice(func(d bluetooth.DeviceData) {
		found <- d
	})
	var devices []bluetooth.DeviceData
	c.OnResult(func(d []bluetooth.DeviceData) { devices = d })

	s.Submit(c)
	await(t, c)

	require.NoError(t, c.Err())
	assert.Len(t, devices, 2)
	assert.Len(t, found, 2)
	assert.False(t, adapter.Scanning())
	assert.Equal(t, bluetooth.StateDisconnected, s.State())

	discovered := Discovered(deps.Discovered)
	require.Len(t, discovered, 2)
	assert.Equal(t, addr, discovered[0].Address)
	assert.Equal(t, otherAddr, discovered[1].Address)
}

func TestScanFilter(t *testing.T) {
	s := NewScan(testDeps(scanAdapter()))
	defer s.Shutdown()

	var devices []bluetooth.DeviceData
	c := commands.NewStartScan(bluetooth.ScanFilter{Name: "thermo", FuzzyName: true}, 100*time.Millisecond)
	c.OnResult(func(d []bluetooth.DeviceData) { devices = d })

	s.Submit(c)
	await(t, c)

	require.NoError(t, c.Err())
	require.Len(t, devices, 1)
	assert.Equal(t, otherAddr, devices[0].Address)
}

func TestStopScanFinishesScan(t *testing.T) {
	adapter := scanAdapter()

	s := NewScan(testDeps(adapter))
	defer s.Shutdown()

	start := commands.NewStartScan(bluetooth.ScanFilter{}, 0)
	s.Submit(start)
	require.Eventually(t, adapter.Scanning, time.Second, time.Millisecond)
	assert.Equal(t, bluetooth.StateConnected, s.State())

	stop := commands.NewStopScan()
	s.Submit(stop)
	await(t, stop)
	await(t, start)

	require.NoError(t, start.Err())
	require.NoError(t, stop.Err())
	assert.False(t, adapter.Scanning())
}

func TestStartScanWhileScanningIsBusy(t *testing.T) {
	adapter := scanAdapter()

	s := NewScan(testDeps(adapter))
	defer s.Shutdown()

	first := commands.NewStartScan(bluetooth.ScanFilter{}, 0)
	s.StartScan(first)

	second := commands.NewStartScan(bluetooth.ScanFilter{Name: "x"}, 0)
	s.StartScan(second)
	await(t, second)

	require.ErrorIs(t, second.Err(), errorkinds.ErrBusy)
	assert.False(t, first.Completed())
}

func TestScanRadioOff(t *testing.T) {
	adapter := scanAdapter()
	deps := testDeps(adapter)

	s := NewScan(deps)
	defer s.Shutdown()

	c := commands.NewStartScan(bluetooth.ScanFilter{}, 0)
	s.Submit(c)
	require.Eventually(t, func() bool {
		return deps.Discovered.ItemCount() == 2
	}, time.Second, time.Millisecond)

	s.RadioChanged(false)
	await(t, c)

	require.ErrorIs(t, c.Err(), errorkinds.ErrDisconnected)
	assert.Zero(t, deps.Discovered.ItemCount())
}

func TestScanShutdownCancels(t *testing.T) {
	s := NewScan(testDeps(scanAdapter()))

	c := commands.NewStartScan(bluetooth.ScanFilter{}, 0)
	s.Submit(c)
	require.Eventually(t, func() bool {
		return s.State() == bluetooth.StateConnected
	}, time.Second, time.Millisecond)

	s.Shutdown()
	await(t, c)

	assert.True(t, errorkinds.IsCancelled(c.Err()))
}

func TestMatches(t *testing.T) {
	service := uuid.MustParse("0000180f-0000-1000-8000-00805f9b34fb")
	device := bluetooth.DeviceData{
		Address: addr,
		Name:    "Battery Monitor",
		UUIDs:   []uuid.UUID{service},
	}

	tests := []struct {
		name   string
		filter bluetooth.ScanFilter
		want   bool
	}{
		{name: "empty", filter: bluetooth.ScanFilter{}, want: true},
		{name: "address", filter: bluetooth.ScanFilter{Address: addr}, want: true},
		{name: "other address", filter: bluetooth.ScanFilter{Address: otherAddr}, want: false},
		{name: "exact name", filter: bluetooth.ScanFilter{Name: "battery monitor"}, want: true},
		{name: "partial name", filter: bluetooth.ScanFilter{Name: "battery"}, want: false},
		{name: "fuzzy name", filter: bluetooth.ScanFilter{Name: "MONITOR", FuzzyName: true}, want: true},
		{name: "service", filter: bluetooth.ScanFilter{Service: service}, want: true},
		{name: "other service", filter: bluetooth.ScanFilter{Service: serviceUUID}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(tt.filter, device))
		})
	}
}
