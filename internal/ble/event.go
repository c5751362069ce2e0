package ble

import "github.com/chaz8081/blemotion/internal/ble/protocol"

// EventKind discriminates Event.
type EventKind int

const (
	EventStateChanged EventKind = iota + 1
	EventBattery
	EventOrientation
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventBattery:
		return "battery"
	case EventOrientation:
		return "orientation"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// BatterySource says whether a battery reading came from a read or a
// notification.
type BatterySource int

const (
	SourceRead BatterySource = iota + 1
	SourceNotify
)

func (s BatterySource) String() string {
	if s == SourceNotify {
		return "notify"
	}
	return "read"
}

// Event is emitted by a Session. Only the fields relevant to Kind are set.
type Event struct {
	Kind       EventKind
	Peripheral Peripheral
	SessionID  string

	State       State                      // EventStateChanged
	Battery     protocol.BatteryReading    // EventBattery
	Source      BatterySource              // EventBattery
	Orientation protocol.OrientationSample // EventOrientation
	Err         error                      // EventError, always an *OpError
}

// Handler receives session events. Events from one session are delivered
// one at a time, in order, from that session's goroutine; events from
// different sessions may arrive concurrently.
type Handler interface {
	HandleEvent(ev Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Event)

func (f HandlerFunc) HandleEvent(ev Event) { f(ev) }
