package serde

import (
	"github.com/bluetuith-org/blecommand/api/bluetooth"
	"github.com/ugorji/go/codec"
)

// Event is a bus event in its encoded form.
type Event struct {
	EventId   bluetooth.EventID `json:"event_id,omitempty"`
	EventName string            `json:"event"`
	Event     codec.Raw         `json:"data"`
}

// MarshalEvent encodes an event published on the bus.
func MarshalEvent(id bluetooth.EventID, data any) ([]byte, error) {
	raw, err := MarshalJson(data)
	if err != nil {
		return nil, err
	}

	return MarshalJson(Event{
		EventId:   id,
		EventName: id.String(),
		Event:     raw,
	})
}

// UnmarshalEvent decodes an event envelope. The payload stays encoded
// until it is passed to EventData.
func UnmarshalEvent(data []byte) (Event, error) {
	var ev Event

	if err := UnmarshalJson(data, &ev); err != nil {
		return ev, err
	}

	return ev, nil
}

// EventData decodes the payload of an event.
func EventData[T any](ev Event) (T, error) {
	var data T

	if err := UnmarshalJson(ev.Event, &data); err != nil {
		return data, err
	}

	return data, nil
}
