package ble

import "fmt"

// State is the lifecycle position of a Session. States are ordered and a
// session only ever moves forward through them.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateServicesDiscovering
	StateSubscribing
	StateStreaming
	StateDisconnecting
	StateDisconnected
)

var stateNames = [...]string{
	StateIdle:                "idle",
	StateConnecting:          "connecting",
	StateServicesDiscovering: "services_discovering",
	StateSubscribing:         "subscribing",
	StateStreaming:           "streaming",
	StateDisconnecting:       "disconnecting",
	StateDisconnected:        "disconnected",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// canAdvance reports whether a session in state s may move to next.
func (s State) canAdvance(next State) bool {
	if next <= s || next > StateDisconnected {
		return false
	}
	switch next {
	case StateConnecting:
		return s == StateIdle
	case StateServicesDiscovering:
		return s == StateConnecting
	case StateSubscribing:
		return s == StateServicesDiscovering
	case StateStreaming:
		return s == StateSubscribing
	}
	// Disconnecting and Disconnected are reachable from anything earlier.
	return true
}

// live reports whether the link is up and characteristic results are
// still meaningful.
func (s State) live() bool {
	return s == StateSubscribing || s == StateStreaming
}
