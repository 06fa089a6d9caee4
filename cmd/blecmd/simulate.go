package main

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/bluetuith-org/blecommand/api/bluetooth"
	"github.com/bluetuith-org/blecommand/internal/simadapter"
	"github.com/google/uuid"
)

var (
	batteryAddress   = bluetooth.MustParseMAC("11:22:33:44:55:66")
	heartRateAddress = bluetooth.MustParseMAC("AA:BB:CC:DD:EE:FF")

	batteryService     = uuid.MustParse("0000180f-0000-1000-8000-00805f9b34fb")
	batteryLevel       = uuid.MustParse("00002a19-0000-1000-8000-00805f9b34fb")
	heartRateService   = uuid.MustParse("0000180d-0000-1000-8000-00805f9b34fb")
	heartRateMeasure   = uuid.MustParse("00002a37-0000-1000-8000-00805f9b34fb")
	heartRateControl   = uuid.MustParse("00002a39-0000-1000-8000-00805f9b34fb")
	heartRateResetCode = byte(0x01)
)

// simulatedAdapter returns an adapter with a battery sensor and a heart
// rate monitor in range.
func simulatedAdapter() *simadapter.Adapter {
	battery := &simadapter.Device{
		Address: batteryAddress,
		Name:    "Battery Sensor",
		RSSI:    -58,
		UUIDs:   []uuid.UUID{batteryService},
		Services: []bluetooth.Service{{
			UUID: batteryService,
			Characteristics: []bluetooth.Characteristic{{
				UUID:       batteryLevel,
				Properties: bluetooth.PropertyRead | bluetooth.PropertyNotify,
			}},
		}},
		Reads: map[uuid.UUID][][]byte{
			batteryLevel: {{87}},
		},
	}

	heartRate := &simadapter.Device{
		Address: heartRateAddress,
		Name:    "Heart Rate",
		RSSI:    -71,
		UUIDs:   []uuid.UUID{heartRateService},
		Services: []bluetooth.Service{{
			UUID: heartRateService,
			Characteristics: []bluetooth.Characteristic{
				{UUID: heartRateMeasure, Properties: bluetooth.PropertyNotify},
				{UUID: heartRateControl, Properties: bluetooth.PropertyWrite},
			},
		}},
		Respond: func(characteristic uuid.UUID, data []byte) []simadapter.Notification {
			if characteristic != heartRateControl || len(data) == 0 || data[0] != heartRateResetCode {
				return nil
			}

			return []simadapter.Notification{{
				Characteristic: heartRateMeasure,
				Data:           []byte{0x00, 0x00},
			}}
		},
	}

	sim := simadapter.New(battery, heartRate)
	sim.ConnectDelay = 300 * time.Millisecond
	sim.OperationDelay = 20 * time.Millisecond
	sim.ScanInterval = 200 * time.Millisecond

	return sim
}

// simulateHeartRate makes the heart rate monitor notify a measurement every
// second until ctx is done.
func simulateHeartRate(ctx context.Context, sim *simadapter.Adapter) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			bpm := byte(60 + rand.IntN(40))
			sim.Notify(heartRateAddress, heartRateMeasure, []byte{0x00, bpm})
		}
	}
}
