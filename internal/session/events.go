package session

import (
	"time"

	"github.com/srg/tagwatch/internal/ringchan"
)

// DefaultObserverCapacity is used when Observe is called with a non-positive capacity
const DefaultObserverCapacity = 64

// EventKind identifies what changed in the session
type EventKind string

const (
	EventStatus         EventKind = "status"
	EventScanning       EventKind = "scanning"
	EventDeviceAdded    EventKind = "device_added"
	EventDeviceUpdated  EventKind = "device_updated"
	EventDeviceLost     EventKind = "device_lost"
	EventDevicesCleared EventKind = "devices_cleared"
	EventNotice         EventKind = "notice"
)

// Notice is a transient user-facing message
type Notice struct {
	Message  string        `json:"message"`
	Duration time.Duration `json:"duration"`
}

// Event is published to observers after the session state has changed
type Event struct {
	Seq      uint64        `json:"seq"`
	Kind     EventKind     `json:"kind"`
	Time     time.Time     `json:"time"`
	DeviceID string        `json:"device_id,omitempty"`
	Record   *DeviceRecord `json:"record,omitempty"`
	Status   string        `json:"status,omitempty"`
	Scanning bool          `json:"scanning"`
	Notice   *Notice       `json:"notice,omitempty"`
}

// Observer receives session events in mutation order.
// A slow observer loses its oldest events; it never blocks the session.
type Observer struct {
	id uint64
	ch *ringchan.RingChannel[Event]
}

// C returns the event channel; it is closed by Unobserve or Controller.Close
func (o *Observer) C() <-chan Event {
	return o.ch.C()
}

// Dropped returns how many events were overwritten before being read
func (o *Observer) Dropped() int64 {
	return o.ch.Stats().Overwritten
}
