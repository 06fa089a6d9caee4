package session

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/bluetuith-org/blecommand/api/bluetooth"
	"github.com/bluetuith-org/blecommand/api/config"
	"github.com/bluetuith-org/blecommand/api/errorkinds"
	"github.com/bluetuith-org/blecommand/api/eventbus"
	"github.com/bluetuith-org/blecommand/api/logger"
	"github.com/bluetuith-org/blecommand/commands"
	"github.com/bluetuith-org/blecommand/internal/simadapter"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	addr = bluetooth.MustParseMAC("11:22:33:44:55:66")

	serviceUUID = uuid.MustParse("0000180d-0000-1000-8000-00805f9b34fb")
	readUUID    = uuid.MustParse("00002a37-0000-1000-8000-00805f9b34fb")
	writeUUID   = uuid.MustParse("00002a39-0000-1000-8000-00805f9b34fb")
	notifyUUID  = uuid.MustParse("00002a38-0000-1000-8000-00805f9b34fb")
)

func testDevice() *simadapter.Device {
	return &simadapter.Device{
		Address: addr,
		Name:    "Heart Rate",
		RSSI:    -60,
		UUIDs:   []uuid.UUID{serviceUUID},
		Services: []bluetooth.Service{{
			UUID: serviceUUID,
			Characteristics: []bluetooth.Characteristic{
				{UUID: readUUID, Properties: bluetooth.PropertyRead},
				{UUID: writeUUID, Properties: bluetooth.PropertyWrite | bluetooth.PropertyWriteNoResponse},
				{UUID: notifyUUID, Properties: bluetooth.PropertyNotify},
			},
		}},
		Reads: map[uuid.UUID][][]byte{
			readUUID: {[]byte("hello")},
		},
	}
}

func testDeps(adapter bluetooth.DeviceAdapter) Deps {
	cfg := config.New()
	cfg.WriteInterval = 0

	return Deps{
		Adapter:    adapter,
		Bus:        eventbus.New(),
		Config:     cfg,
		Log:        logger.Nop(),
		Discovered: cache.New(cfg.DiscoveredTTL, cfg.DiscoveredTTL),
	}
}

func await(t *testing.T, c commands.Command) {
	t.Helper()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		require.FailNow(t, "command did not complete", c.Description())
	}
}

func target(characteristic uuid.UUID) commands.Target {
	return commands.Target{Service: serviceUUID, Characteristic: characteristic}
}

func connected(t *testing.T, adapter *simadapter.Adapter) *Connection {
	t.Helper()

	s := NewConnection(addr, testDeps(adapter))
	t.Cleanup(s.Shutdown)

	c := commands.NewConnect(addr)
	s.Submit(c)
	await(t, c)
	require.NoError(t, c.Err())
	require.Equal(t, bluetooth.StateConnected, s.State())

	return s
}

func TestConnectSucceedsBeforeTimeout(t *testing.T) {
	adapter := simadapter.New(testDevice())
	adapter.ConnectDelay = 50 * time.Millisecond

	deps := testDeps(adapter)
	sub := deps.Bus.Subscribe(bluetooth.EventConnection)
	defer sub.Unsubscribe()

	s := NewConnection(addr, deps)
	defer s.Shutdown()

	c := commands.NewConnect(addr, commands.WithTimeout(time.Second))
	s.Submit(c)
	await(t, c)

	require.NoError(t, c.Err())
	assert.Equal(t, bluetooth.StateConnected, s.State())
	assert.Len(t, s.Services(), 1)

	var states []bluetooth.ConnectionState
	for len(states) < 3 {
		select {
		case ev := <-sub.C:
			states = append(states, ev.(bluetooth.ConnectionEvent).State)
		case <-time.After(time.Second):
			require.FailNow(t, "missing connection events")
		}
	}
	assert.Equal(t, []bluetooth.ConnectionState{
		bluetooth.StateConnecting,
		bluetooth.StateServiceDiscovery,
		bluetooth.StateConnected,
	}, states)
}

func TestConnectOnEstablishedLinkSucceeds(t *testing.T) {
	adapter := simadapter.New(testDevice())
	s := connected(t, adapter)

	c := commands.NewConnect(addr)
	s.Submit(c)
	await(t, c)

	require.NoError(t, c.Err())
	assert.EqualValues(t, 1, adapter.Stats().Opens)
}

func TestConnectTimeoutReleasesLink(t *testing.T) {
	adapter := simadapter.New(testDevice())
	adapter.Script(addr, simadapter.Hang)

	s := NewConnection(addr, testDeps(adapter))
	defer s.Shutdown()

	c := commands.NewConnect(addr, commands.WithTimeout(50*time.Millisecond))
	s.Submit(c)
	await(t, c)

	require.Error(t, c.Err())
	assert.True(t, errorkinds.IsTimeout(c.Err()))
	assert.False(t, errorkinds.IsCancelled(c.Err()))
	assert.Equal(t, bluetooth.StateDisconnected, s.State())
	assert.EqualValues(t, 1, adapter.Stats().Closes)
	assert.False(t, adapter.Linked(addr))
}

func TestConnectFailureReportsDisconnected(t *testing.T) {
	adapter := simadapter.New(testDevice())
	adapter.Script(addr, simadapter.Fail)

	s := NewConnection(addr, testDeps(adapter))
	defer s.Shutdown()

	c := commands.NewConnect(addr)
	s.Submit(c)
	await(t, c)

	require.ErrorIs(t, c.Err(), errorkinds.ErrDisconnected)
	assert.Equal(t, bluetooth.StateDisconnected, s.State())
}

func TestSecondConnectIsBusy(t *testing.T) {
	adapter := simadapter.New(testDevice())
	adapter.Script(addr, simadapter.Hang)

	s := NewConnection(addr, testDeps(adapter))
	defer s.Shutdown()

	first := commands.NewConnect(addr)
	s.Submit(first)
	require.Eventually(t, func() bool {
		return s.State() == bluetooth.StateConnecting
	}, time.Second, time.Millisecond)

	second := commands.NewConnect(addr)
	s.Submit(second)
	await(t, second)

	require.ErrorIs(t, second.Err(), errorkinds.ErrBusy)
	assert.False(t, first.Completed())
	assert.EqualValues(t, 1, adapter.Stats().Opens)
}

func TestDisconnectCancelsPendingConnect(t *testing.T) {
	adapter := simadapter.New(testDevice())
	adapter.Script(addr, simadapter.Hang)

	s := NewConnection(addr, testDeps(adapter))
	defer s.Shutdown()

	connect := commands.NewConnect(addr)
	s.Submit(connect)
	require.Eventually(t, func() bool {
		return s.State() == bluetooth.StateConnecting
	}, time.Second, time.Millisecond)

	disconnect := commands.NewDisconnect(addr)
	s.Submit(disconnect)
	await(t, disconnect)
	await(t, connect)

	require.NoError(t, disconnect.Err())
	require.ErrorIs(t, connect.Err(), errorkinds.ErrCancelledTeardown)
	assert.False(t, errorkinds.IsTimeout(connect.Err()))
	assert.Equal(t, bluetooth.StateDisconnected, s.State())
	assert.False(t, adapter.Linked(addr))
}

func TestReadWhileDisconnectedFailsImmediately(t *testing.T) {
	adapter := simadapter.New(testDevice())

	s := NewConnection(addr, testDeps(adapter))
	defer s.Shutdown()

	c := commands.NewRead(addr, target(readUUID))
	s.Submit(c)
	await(t, c)

	require.ErrorIs(t, c.Err(), errorkinds.ErrNotConnected)
	assert.Zero(t, adapter.Stats().Opens)
	assert.Zero(t, adapter.Stats().Performs)
}

func TestRead(t *testing.T) {
	adapter := simadapter.New(testDevice())
	s := connected(t, adapter)

	var got []byte
	c := commands.NewRead(addr, target(readUUID))
	c.OnResult(func(data []byte) { got = data })
	s.Submit(c)
	await(t, c)

	require.NoError(t, c.Err())
	assert.Equal(t, []byte("hello"), got)
}

func TestReadCollectsWholeFrame(t *testing.T) {
	device := testDevice()
	device.Reads[readUUID] = [][]byte{{0x01}, {0x02, 0x03}}

	s := connected(t, simadapter.New(device))

	var got []byte
	c := commands.NewRead(addr, target(readUUID)).WithWholeFrame(func(buf []byte) bool {
		return len(buf) >= 3
	})
	c.OnResult(func(data []byte) { got = data })
	s.Submit(c)
	await(t, c)

	require.NoError(t, c.Err())
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, got)
}

func TestReadUnknownCharacteristic(t *testing.T) {
	s := connected(t, simadapter.New(testDevice()))

	c := commands.NewRead(addr, target(uuid.New()))
	s.Submit(c)
	await(t, c)

	require.ErrorIs(t, c.Err(), errorkinds.ErrRejected)
}

func TestReadWithoutReadProperty(t *testing.T) {
	s := connected(t, simadapter.New(testDevice()))

	c := commands.NewRead(addr, target(notifyUUID))
	s.Submit(c)
	await(t, c)

	require.ErrorIs(t, c.Err(), errorkinds.ErrNotSupported)
}

func TestReadTimeout(t *testing.T) {
	adapter := simadapter.New(testDevice())
	s := connected(t, adapter)
	adapter.HangOperations(addr, true)

	c := commands.NewRead(addr, target(readUUID), commands.WithTimeout(30*time.Millisecond))
	s.Submit(c)
	await(t, c)

	require.True(t, errorkinds.IsTimeout(c.Err()))
	assert.Equal(t, bluetooth.StateConnected, s.State())

	// The link accepts operations again once the timed out one was abandoned.
	adapter.HangOperations(addr, false)
	next := commands.NewReadRssi(addr)
	s.Submit(next)
	await(t, next)
	require.NoError(t, next.Err())
}

func TestWriteIsChunked(t *testing.T) {
	adapter := simadapter.New(testDevice())
	s := connected(t, adapter)

	data := make([]byte, 45)
	c := commands.NewWrite(addr, target(writeUUID), data)
	s.Submit(c)
	await(t, c)

	require.NoError(t, c.Err())

	writes := adapter.Writes()
	require.Len(t, writes, 3)
	assert.Len(t, writes[0].Data, 20)
	assert.Len(t, writes[1].Data, 20)
	assert.Len(t, writes[2].Data, 5)
	assert.False(t, writes[0].NoResponse)
}

func TestWriteChunksFollowMtu(t *testing.T) {
	adapter := simadapter.New(testDevice())
	s := connected(t, adapter)

	var mtu int
	m := commands.NewRequestMtu(addr, 100)
	m.OnResult(func(v int) { mtu = v })
	s.Submit(m)
	await(t, m)
	require.NoError(t, m.Err())
	require.Equal(t, 100, mtu)
	assert.Equal(t, 100, s.Mtu())

	c := commands.NewWrite(addr, target(writeUUID), make([]byte, 150)).WithoutResponse()
	s.Submit(c)
	await(t, c)
	require.NoError(t, c.Err())

	writes := adapter.Writes()
	require.Len(t, writes, 2)
	assert.Len(t, writes[0].Data, 97)
	assert.Len(t, writes[1].Data, 53)
	assert.True(t, writes[0].NoResponse)
}

func TestWriteAndWaitCollectsNotifications(t *testing.T) {
	device := testDevice()
	device.Respond = func(characteristic uuid.UUID, data []byte) []simadapter.Notification {
		return []simadapter.Notification{
			{Characteristic: notifyUUID, Data: []byte{0xAA, 0x01}},
			{Characteristic: notifyUUID, Data: []byte{0x02, 0x03}},
		}
	}

	s := connected(t, simadapter.New(device))

	var got []byte
	c := commands.NewWriteAndWait(addr, target(writeUUID), []byte{0x10}).
		WithNotify(notifyUUID).
		WithWholeFrame(func(buf []byte) bool { return len(buf) >= 4 })
	c.OnResult(func(data []byte) { got = data })
	s.Submit(c)
	await(t, c)

	require.NoError(t, c.Err())
	assert.Equal(t, []byte{0xAA, 0x01, 0x02, 0x03}, got)
}

func TestSubscribeDeliversNotifications(t *testing.T) {
	adapter := simadapter.New(testDevice())
	s := connected(t, adapter)

	sub := s.deps.Bus.Subscribe(bluetooth.EventNotification)
	defer sub.Unsubscribe()

	received := make(chan []byte, 1)
	c := commands.NewSubscribe(addr, target(notifyUUID), true).OnNotification(func(data []byte) {
		received <- data
	})
	s.Submit(c)
	await(t, c)
	require.NoError(t, c.Err())

	adapter.Notify(addr, notifyUUID, []byte{0x42})

	select {
	case data := <-received:
		assert.Equal(t, []byte{0x42}, data)
	case <-time.After(time.Second):
		require.FailNow(t, "notification was not delivered")
	}

	select {
	case ev := <-sub.C:
		n := ev.(bluetooth.NotificationEvent)
		assert.Equal(t, addr, n.Address)
		assert.Equal(t, notifyUUID, n.Characteristic)
	case <-time.After(time.Second):
		require.FailNow(t, "notification was not published")
	}
}

func TestDataCommandBusyWhileOutstanding(t *testing.T) {
	adapter := simadapter.New(testDevice())
	s := connected(t, adapter)
	adapter.HangOperations(addr, true)

	first := commands.NewRead(addr, target(readUUID))
	s.Submit(first)
	require.Eventually(t, func() bool {
		return s.inv.Current() == first
	}, time.Second, time.Millisecond)

	duplicate := commands.NewRead(addr, target(readUUID))
	s.Submit(duplicate)
	assert.False(t, duplicate.Completed())

	other := commands.NewReadRssi(addr)
	s.Submit(other)
	await(t, other)
	require.ErrorIs(t, other.Err(), errorkinds.ErrBusy)

	assert.EqualValues(t, 1, s.inv.Stats().Discarded)
}

func TestLinkLostFailsPendingOperation(t *testing.T) {
	adapter := simadapter.New(testDevice())
	s := connected(t, adapter)
	adapter.HangOperations(addr, true)

	sub := s.deps.Bus.Subscribe(bluetooth.EventConnection)
	defer sub.Unsubscribe()

	c := commands.NewRead(addr, target(readUUID))
	s.Submit(c)
	require.Eventually(t, func() bool {
		return adapter.Stats().Performs >= 2
	}, time.Second, time.Millisecond)

	adapter.DropLink(addr)
	await(t, c)

	require.ErrorIs(t, c.Err(), errorkinds.ErrDisconnected)
	assert.False(t, errorkinds.IsCancelled(c.Err()))
	assert.Equal(t, bluetooth.StateDisconnected, s.State())

	select {
	case ev := <-sub.C:
		e := ev.(bluetooth.ConnectionEvent)
		assert.Equal(t, bluetooth.StateDisconnected, e.State)
		assert.ErrorIs(t, e.Err, errorkinds.ErrDisconnected)
	case <-time.After(time.Second):
		require.FailNow(t, "disconnection was not published")
	}
}

func TestRadioOffFailsPendingOperation(t *testing.T) {
	adapter := simadapter.New(testDevice())
	s := connected(t, adapter)
	adapter.HangOperations(addr, true)

	c := commands.NewReadRssi(addr)
	s.Submit(c)
	require.Eventually(t, func() bool {
		return adapter.Stats().Performs >= 2
	}, time.Second, time.Millisecond)

	s.RadioChanged(false)
	await(t, c)

	require.ErrorIs(t, c.Err(), errorkinds.ErrDisconnected)
	assert.Equal(t, bluetooth.StateDisconnected, s.State())
}

func TestDisconnectCancelsPendingOperation(t *testing.T) {
	adapter := simadapter.New(testDevice())
	s := connected(t, adapter)
	adapter.HangOperations(addr, true)

	c := commands.NewRead(addr, target(readUUID))
	s.Submit(c)
	require.Eventually(t, func() bool {
		return adapter.Stats().Performs >= 2
	}, time.Second, time.Millisecond)

	d := commands.NewDisconnect(addr)
	s.Submit(d)
	await(t, d)
	await(t, c)

	require.ErrorIs(t, c.Err(), errorkinds.ErrCancelledTeardown)
	assert.Equal(t, bluetooth.StateDisconnected, s.State())
}

func TestCloseStopsSession(t *testing.T) {
	adapter := simadapter.New(testDevice())
	s := connected(t, adapter)

	c := commands.NewClose(addr)
	s.Submit(c)
	await(t, c)
	require.NoError(t, c.Err())
	assert.False(t, adapter.Linked(addr))

	next := commands.NewConnect(addr)
	s.Submit(next)
	await(t, next)
	require.ErrorIs(t, next.Err(), errorkinds.ErrSessionStop)
}

func TestConnectionRejectsRadioCommands(t *testing.T) {
	s := NewConnection(addr, testDeps(simadapter.New()))
	defer s.Shutdown()

	c := commands.NewStartScan(bluetooth.ScanFilter{}, 0)
	s.StartScan(c)
	await(t, c)

	require.ErrorIs(t, c.Err(), errorkinds.ErrNotSupported)
}

func TestChunks(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		size int
		want []int
	}{
		{name: "empty", data: nil, size: 20, want: []int{0}},
		{name: "fits", data: make([]byte, 20), size: 20, want: []int{20}},
		{name: "split", data: make([]byte, 41), size: 20, want: []int{20, 20, 1}},
		{name: "no size", data: make([]byte, 41), size: 0, want: []int{41}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []int
			for _, chunk := range chunks(tt.data, tt.size) {
				got = append(got, len(chunk))
			}

			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCancelledConnectStaysSilent(t *testing.T) {
	adapter := simadapter.New(testDevice())
	adapter.Script(addr, simadapter.Hang)

	s := NewConnection(addr, testDeps(adapter))
	defer s.Shutdown()

	var (
		failures atomic.Int32
		last     atomic.Value
	)

	connect := commands.NewConnect(addr,
		commands.WithTimeout(100*time.Millisecond),
		commands.OnError(func(err error) {
			failures.Add(1)
			last.Store(err)
		}),
	)
	s.Submit(connect)
	require.Eventually(t, func() bool {
		return s.State() == bluetooth.StateConnecting
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	disconnect := commands.NewDisconnect(addr)
	s.Submit(disconnect)
	await(t, disconnect)

	// Past the timeout of the connect, which must not fire a second time.
	time.Sleep(200 * time.Millisecond)

	require.EqualValues(t, 1, failures.Load())
	err, _ := last.Load().(error)
	require.ErrorIs(t, err, errorkinds.ErrCancelledTeardown)
	assert.False(t, errorkinds.IsTimeout(err))
	assert.Equal(t, bluetooth.StateDisconnected, s.State())
}
