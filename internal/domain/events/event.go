package events

import (
	"time"

	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/shared/id"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/shared/types"
)

// Type names a device lifecycle event.
type Type string

const (
	TypeRegistered        Type = "registered"
	TypeUnregistered      Type = "unregistered"
	TypeHeartbeatRestored Type = "heartbeat_restored"
	TypeReserved          Type = "reserved"
	TypeReleased          Type = "released"
	TypeExpired           Type = "expired"
	TypeCommand           Type = "command"
)

// Event is a change to a device.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	DeviceID  string         `json:"device_id"`
	Status    types.Status   `json:"status,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// New creates an event stamped with an id and the current time.
func New(t Type, deviceID string, status types.Status, data map[string]any) Event {
	return Event{
		ID:        id.NewEventID().String(),
		Type:      t,
		DeviceID:  deviceID,
		Status:    status,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Publisher accepts events. *Bus implements it.
type Publisher interface {
	Publish(e Event)
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Filter selects events for a subscriber. Zero values match everything.
type Filter struct {
	DeviceID string
	Types    []Type
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Event) bool {
	if f.DeviceID != "" && f.DeviceID != e.DeviceID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}
