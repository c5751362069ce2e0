package ble

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// mockCharacteristic records writes and allows subscribing.
type mockCharacteristic struct {
	uuid uuid.UUID

	mu            sync.Mutex
	readData      []byte
	readErr       error
	reads         int
	subscribeErrs []error // consumed one per Subscribe call
	subscribes    int
	writes        [][]byte
	writeErr      error
	callback      func([]byte)
}

func newMockCharacteristic(id uuid.UUID) *mockCharacteristic {
	return &mockCharacteristic{uuid: id}
}

func (c *mockCharacteristic) UUID() uuid.UUID { return c.uuid }

func (c *mockCharacteristic) Read() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	if c.readErr != nil {
		return nil, c.readErr
	}
	return append([]byte(nil), c.readData...), nil
}

func (c *mockCharacteristic) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	return nil
}

func (c *mockCharacteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribes++
	if len(c.subscribeErrs) > 0 {
		err := c.subscribeErrs[0]
		c.subscribeErrs = c.subscribeErrs[1:]
		if err != nil {
			return err
		}
	}
	c.callback = cb
	return nil
}

// SimulateNotification sends a notification to the subscriber.
func (c *mockCharacteristic) SimulateNotification(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (c *mockCharacteristic) subscribeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribes
}

func (c *mockCharacteristic) readCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

func (c *mockCharacteristic) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

// mockConnection simulates a BLE connection.
type mockConnection struct {
	battery *mockCharacteristic
	rx      *mockCharacteristic
	tx      *mockCharacteristic

	mu            sync.Mutex
	services      []Service
	discoverErr   error
	blockDiscover bool // wait for ctx instead of answering
	releaseGate   chan struct{} // if set, Disconnect waits for it to close
	disconnectCb  func()
	disconnects   int
}

// newMockConnection builds a connection exposing the requested services.
func newMockConnection(withBattery, withUART bool) *mockConnection {
	c := &mockConnection{
		battery: newMockCharacteristic(BatteryLevelUUID),
		rx:      newMockCharacteristic(UARTRxUUID),
		tx:      newMockCharacteristic(UARTTxUUID),
	}
	if withBattery {
		c.services = append(c.services, Service{
			UUID:            BatteryServiceUUID,
			Characteristics: []Characteristic{c.battery},
		})
	}
	if withUART {
		c.services = append(c.services, Service{
			UUID:            UARTServiceUUID,
			Characteristics: []Characteristic{c.rx, c.tx},
		})
	}
	return c
}

func (c *mockConnection) DiscoverServices(ctx context.Context) ([]Service, error) {
	c.mu.Lock()
	block, services, err := c.blockDiscover, c.services, c.discoverErr
	c.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return services, nil
}

func (c *mockConnection) Disconnect() error {
	c.mu.Lock()
	c.disconnects++
	gate := c.releaseGate
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return nil
}

func (c *mockConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// SimulateDisconnect triggers the disconnect callback.
func (c *mockConnection) SimulateDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *mockConnection) disconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// mockAdapter simulates the BLE adapter.
type mockAdapter struct {
	mu           sync.Mutex
	adverts      []Peripheral
	repeat       int // times each advert batch is reported
	scanErr      error
	scans        int
	enables      int
	connects     int
	connectErr   error
	blockConnect bool
	connection   *mockConnection // returned by Connect
}

func newMockAdapter(conn *mockConnection) *mockAdapter {
	return &mockAdapter{connection: conn, repeat: 1}
}

func (a *mockAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enables++
	return nil
}

func (a *mockAdapter) Scan(ctx context.Context, found func(Peripheral)) error {
	a.mu.Lock()
	a.scans++
	adverts, repeat, scanErr := a.adverts, a.repeat, a.scanErr
	a.mu.Unlock()

	if scanErr != nil {
		return scanErr
	}
	for i := 0; i < repeat; i++ {
		for _, p := range adverts {
			found(p)
		}
	}
	<-ctx.Done()
	return nil
}

func (a *mockAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	a.mu.Lock()
	a.connects++
	block, err, conn := a.blockConnect, a.connectErr, a.connection
	a.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, fmt.Errorf("mock: no connection for %s", address)
	}
	return conn, nil
}

func (a *mockAdapter) connectCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects
}

func (a *mockAdapter) enableCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enables
}

func (a *mockAdapter) scanCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scans
}

// recorder collects events delivered to a Handler.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) HandleEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) ofKind(kind EventKind) []Event {
	var out []Event
	for _, ev := range r.snapshot() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) states() []State {
	var out []State
	for _, ev := range r.ofKind(EventStateChanged) {
		out = append(out, ev.State)
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return s.State() == want })
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not finish, state %s", s.State())
	}
}

// fastOpts keeps retry and timeout windows short for tests.
func fastOpts() SessionOptions {
	return SessionOptions{
		ConnectTimeout:      time.Second,
		DiscoveryTimeout:    time.Second,
		SubscribeRetryDelay: 20 * time.Millisecond,
		SubscribeAttempts:   2,
	}
}

var testPeripheral = Peripheral{Address: "AA:BB:CC:DD:EE:FF", Name: "IMU-01", RSSI: -45}

func TestMockAdapterImplementsInterface(t *testing.T) {
	var _ Adapter = (*mockAdapter)(nil)
}

func TestMockConnectionImplementsInterface(t *testing.T) {
	var _ Connection = (*mockConnection)(nil)
}

func TestMockCharacteristicImplementsInterface(t *testing.T) {
	var _ Characteristic = (*mockCharacteristic)(nil)
}
