package ble

import (
	"errors"
	"strings"
	"testing"

	"github.com/chaz8081/blemotion/internal/ble/protocol"
)

func TestStateCanAdvance(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateConnecting, true},
		{StateIdle, StateServicesDiscovering, false},
		{StateIdle, StateStreaming, false},
		{StateIdle, StateDisconnected, true},
		{StateConnecting, StateServicesDiscovering, true},
		{StateConnecting, StateDisconnected, true},
		{StateConnecting, StateIdle, false},
		{StateServicesDiscovering, StateSubscribing, true},
		{StateServicesDiscovering, StateStreaming, false},
		{StateSubscribing, StateStreaming, true},
		{StateSubscribing, StateDisconnecting, true},
		{StateStreaming, StateStreaming, false},
		{StateStreaming, StateSubscribing, false},
		{StateStreaming, StateDisconnecting, true},
		{StateDisconnecting, StateDisconnected, true},
		{StateDisconnected, StateConnecting, false},
		{StateDisconnected, StateDisconnected, false},
	}
	for _, tt := range tests {
		if got := tt.from.canAdvance(tt.to); got != tt.want {
			t.Errorf("%s.canAdvance(%s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStateString(t *testing.T) {
	if got := StateServicesDiscovering.String(); got != "services_discovering" {
		t.Errorf("String() = %q", got)
	}
	if got := State(42).String(); got != "state(42)" {
		t.Errorf("String() = %q", got)
	}
}

func TestOpErrorUnwrap(t *testing.T) {
	cause := errors.New("att: insufficient authentication")
	err := opError("subscribe", "AA:BB", RoleUARTRx, ErrSubscription, cause)

	if !errors.Is(err, ErrSubscription) {
		t.Error("errors.Is(err, ErrSubscription) = false")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false")
	}
	if errors.Is(err, ErrDiscovery) {
		t.Error("errors.Is(err, ErrDiscovery) = true")
	}
	want := "ble: subscribe AA:BB uart_rx: subscription failed: att: insufficient authentication"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestOpErrorMalformedPayloadMessage(t *testing.T) {
	_, cause := protocol.DecodeOrientation(make([]byte, 3))
	err := opError("decode", "AA:BB", RoleUARTRx, protocol.ErrMalformedPayload, cause)
	if strings.Count(err.Error(), "malformed payload") != 1 {
		t.Errorf("Error() = %q, kind should appear once", err.Error())
	}
	if !errors.Is(err, protocol.ErrMalformedPayload) {
		t.Error("errors.Is(err, ErrMalformedPayload) = false")
	}
}

func TestOpErrorWithoutCause(t *testing.T) {
	err := opError("scan", "", 0, ErrPermissionDenied, nil)
	if err.Error() != "ble: scan: permission denied" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestResolveProfile(t *testing.T) {
	conn := newMockConnection(true, true)
	// A stray service carrying a characteristic with a profile UUID must
	// not be matched.
	services := append(conn.services, Service{
		UUID:            CCCDUUID,
		Characteristics: []Characteristic{newMockCharacteristic(BatteryLevelUUID)},
	})
	found := resolveProfile(services)

	if found[RoleBatteryLevel] != conn.battery {
		t.Error("battery level not resolved to the Battery Service characteristic")
	}
	if found[RoleUARTRx] != conn.rx || found[RoleUARTTx] != conn.tx {
		t.Error("uart characteristics not resolved")
	}
}

func TestStaticGrants(t *testing.T) {
	g := StaticGrants{Scan: true}
	if !g.Granted(PermissionScan) || g.Granted(PermissionConnect) {
		t.Errorf("StaticGrants{Scan: true} = scan %v, connect %v", g.Granted(PermissionScan), g.Granted(PermissionConnect))
	}
	if !AllowAll.Granted(PermissionConnect) {
		t.Error("AllowAll denied connect")
	}
	deny := AuthorizerFunc(func(Permission) bool { return false })
	if err := checkPermission(deny, PermissionScan, "scan", ""); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("checkPermission() = %v, want ErrPermissionDenied", err)
	}
}
