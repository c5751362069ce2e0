package ble

import (
	"errors"
	"fmt"
)

// Error kinds. Every *OpError unwraps to exactly one of these.
var (
	ErrPermissionDenied          = errors.New("permission denied")
	ErrTransportLink             = errors.New("transport link failure")
	ErrDiscovery                 = errors.New("service discovery failed")
	ErrSubscription              = errors.New("subscription failed")
	ErrRead                      = errors.New("characteristic read failed")
	ErrWrite                     = errors.New("characteristic write failed")
	ErrNotStreaming              = errors.New("session is not streaming")
	ErrCharacteristicUnavailable = errors.New("characteristic not available on peripheral")
	ErrInvalidState              = errors.New("invalid session state")
	ErrScanActive                = errors.New("scan already in progress")
)

// OpError describes a failed operation against a peripheral.
type OpError struct {
	Op      string // "scan", "connect", "discover", "read", "subscribe", "write", "decode"
	Address string
	Role    Role  // zero when the failure is not tied to a characteristic
	Kind    error // one of the Err* kinds above, or protocol.ErrMalformedPayload
	Err     error // underlying cause, may be nil
}

func (e *OpError) Error() string {
	msg := "ble: " + e.Op
	if e.Address != "" {
		msg += " " + e.Address
	}
	if e.Role != 0 {
		msg += " " + e.Role.String()
	}
	if e.Err == nil {
		return msg + ": " + e.Kind.Error()
	}
	if errors.Is(e.Err, e.Kind) {
		return msg + ": " + e.Err.Error()
	}
	return fmt.Sprintf("%s: %v: %v", msg, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opError(op, address string, role Role, kind, err error) *OpError {
	return &OpError{Op: op, Address: address, Role: role, Kind: kind, Err: err}
}
