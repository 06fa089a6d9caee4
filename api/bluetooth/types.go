package bluetooth

import (
	"github.com/google/uuid"
)

// Characteristic properties, as advertised by the remote GATT server.
type CharacteristicProperty uint8

const (
	PropertyBroadcast CharacteristicProperty = 1 << iota
	PropertyRead
	PropertyWriteNoResponse
	PropertyWrite
	PropertyNotify
	PropertyIndicate
)

// Has reports whether all of the given properties are set.
func (p CharacteristicProperty) Has(flags CharacteristicProperty) bool {
	return p&flags == flags
}

// Characteristic describes a discovered GATT characteristic.
type Characteristic struct {
	UUID        uuid.UUID              `json:"uuid"`
	Properties  CharacteristicProperty `json:"properties"`
	Descriptors []uuid.UUID            `json:"descriptors,omitempty"`
}

// Service describes a discovered GATT service.
type Service struct {
	UUID            uuid.UUID        `json:"uuid"`
	Characteristics []Characteristic `json:"characteristics,omitempty"`
}

// FindCharacteristic looks up a characteristic. If service is uuid.Nil, every
// service is searched and the first match is returned.
func FindCharacteristic(services []Service, service, characteristic uuid.UUID) (Characteristic, bool) {
	for _, s := range services {
		if service != uuid.Nil && s.UUID != service {
			continue
		}

		for _, c := range s.Characteristics {
			if c.UUID == characteristic {
				return c, true
			}
		}
	}

	return Characteristic{}, false
}

// DeviceData describes a device found during a scan.
type DeviceData struct {
	Address  MacAddress  `json:"address"`
	Name     string      `json:"name,omitempty"`
	RSSI     int16       `json:"rssi,omitempty"`
	UUIDs    []uuid.UUID `json:"uuids,omitempty"`
	Record   []byte      `json:"record,omitempty"`
	Services []Service   `json:"-"`
}

// HasUUID reports whether the device advertised the given service UUID.
func (d DeviceData) HasUUID(id uuid.UUID) bool {
	for _, u := range d.UUIDs {
		if u == id {
			return true
		}
	}

	return false
}

// AdvertiseParams describes the payload of a local advertisement.
type AdvertiseParams struct {
	LocalName    string            `json:"local_name,omitempty"`
	ServiceUUIDs []uuid.UUID       `json:"service_uuids,omitempty"`
	Manufacturer map[uint16][]byte `json:"manufacturer,omitempty"`
	Connectable  bool              `json:"connectable"`
}

// ScanFilter restricts which devices a scan reports.
type ScanFilter struct {
	Name      string     `json:"name,omitempty"`
	FuzzyName bool       `json:"fuzzy_name,omitempty"`
	Address   MacAddress `json:"address,omitempty"`
	Service   uuid.UUID  `json:"service,omitempty"`
}
