package ble

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCoordinatorReusesLiveSession(t *testing.T) {
	adapter := newMockAdapter(newMockConnection(true, true))
	coord := NewCoordinator(adapter, AllowAll, &recorder{}, fastOpts())
	defer coord.Close(context.Background())

	first, err := coord.Connect(testPeripheral)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	second, err := coord.Connect(Peripheral{Address: testPeripheral.Address, Name: "renamed"})
	if err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if first != second {
		t.Error("Connect() twice returned different sessions")
	}

	waitForState(t, first, StateStreaming)
	if got := adapter.connectCount(); got != 1 {
		t.Errorf("transport connects = %d, want 1", got)
	}
}

func TestCoordinatorPermissionDenied(t *testing.T) {
	adapter := newMockAdapter(newMockConnection(true, true))
	coord := NewCoordinator(adapter, StaticGrants{Scan: true}, &recorder{}, fastOpts())

	_, err := coord.Connect(testPeripheral)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Connect() error = %v, want ErrPermissionDenied", err)
	}
	time.Sleep(20 * time.Millisecond)
	if adapter.connectCount() != 0 || adapter.enableCount() != 0 {
		t.Error("transport was used without connect permission")
	}
	if _, ok := coord.Session(testPeripheral.Address); ok {
		t.Error("denied connect must not register a session")
	}
}

func TestCoordinatorDisconnect(t *testing.T) {
	conn := newMockConnection(true, true)
	adapter := newMockAdapter(conn)
	coord := NewCoordinator(adapter, AllowAll, &recorder{}, fastOpts())

	s, err := coord.Connect(testPeripheral)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitForState(t, s, StateStreaming)

	coord.Disconnect(testPeripheral.Address)
	waitDone(t, s)
	coord.Disconnect(testPeripheral.Address)
	coord.Disconnect("00:00:00:00:00:00")

	if _, ok := coord.Session(testPeripheral.Address); ok {
		t.Error("Session() found a disconnected session")
	}
	if got := conn.disconnectCount(); got != 1 {
		t.Errorf("transport disconnects = %d, want 1", got)
	}
}

func TestCoordinatorReconnectCreatesNewSession(t *testing.T) {
	adapter := newMockAdapter(newMockConnection(true, true))
	coord := NewCoordinator(adapter, AllowAll, &recorder{}, fastOpts())
	defer coord.Close(context.Background())

	first, err := coord.Connect(testPeripheral)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitForState(t, first, StateStreaming)
	coord.Disconnect(testPeripheral.Address)
	waitDone(t, first)

	second, err := coord.Connect(testPeripheral)
	if err != nil {
		t.Fatalf("reconnect error = %v", err)
	}
	if second == first {
		t.Fatal("reconnect returned the disconnected session")
	}
	if second.ID() == first.ID() {
		t.Error("sessions share an ID")
	}
	waitForState(t, second, StateStreaming)
}

func TestCoordinatorReplacesFailedSession(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.connectErr = errors.New("page timeout")
	coord := NewCoordinator(adapter, AllowAll, &recorder{}, fastOpts())
	defer coord.Close(context.Background())

	first, err := coord.Connect(testPeripheral)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitDone(t, first)

	adapter.mu.Lock()
	adapter.connectErr = nil
	adapter.connection = newMockConnection(true, false)
	adapter.mu.Unlock()

	second, err := coord.Connect(testPeripheral)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if second == first {
		t.Fatal("Connect() returned the failed session")
	}
	waitForState(t, second, StateStreaming)
}

func TestCoordinatorClose(t *testing.T) {
	adapter := newMockAdapter(newMockConnection(true, true))
	coord := NewCoordinator(adapter, AllowAll, &recorder{}, fastOpts())

	s, err := coord.Connect(testPeripheral)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitForState(t, s, StateStreaming)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := coord.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if s.State() != StateDisconnected {
		t.Errorf("State() = %s after Close, want disconnected", s.State())
	}
}

func TestCoordinatorKeepsSessionWhileTearingDown(t *testing.T) {
	conn := newMockConnection(true, true)
	gate := make(chan struct{})
	conn.releaseGate = gate
	adapter := newMockAdapter(conn)
	coord := NewCoordinator(adapter, AllowAll, &recorder{}, fastOpts())
	defer coord.Close(context.Background())

	first, err := coord.Connect(testPeripheral)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitForState(t, first, StateStreaming)

	coord.Disconnect(testPeripheral.Address)
	waitForState(t, first, StateDisconnecting)

	second, err := coord.Connect(testPeripheral)
	if err != nil {
		t.Fatalf("Connect() during teardown error = %v", err)
	}
	if second != first {
		t.Fatal("Connect() during teardown opened a second session")
	}
	if s, ok := coord.Session(testPeripheral.Address); !ok || s != first {
		t.Error("Session() should report the session that is tearing down")
	}
	if got := adapter.connectCount(); got != 1 {
		t.Errorf("transport connects = %d, want 1", got)
	}

	close(gate)
	waitDone(t, first)
	waitFor(t, "registry to drop the session", func() bool {
		_, ok := coord.Session(testPeripheral.Address)
		return !ok
	})

	third, err := coord.Connect(testPeripheral)
	if err != nil {
		t.Fatalf("reconnect error = %v", err)
	}
	if third == first {
		t.Fatal("reconnect after teardown returned the finished session")
	}
	waitForState(t, third, StateStreaming)
	if got := adapter.connectCount(); got != 2 {
		t.Errorf("transport connects = %d, want 2", got)
	}
}
