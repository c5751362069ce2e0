// Package sim provides a simulated motion sensor peripheral that satisfies
// ble.Adapter. It is intended for development and demos when no hardware is
// available.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/blemotion/internal/ble"
	"github.com/chaz8081/blemotion/internal/ble/protocol"
)

// ErrUnknownPeripheral is returned by Connect for an address that is not
// being simulated.
var ErrUnknownPeripheral = errors.New("sim: unknown peripheral")

// errNotReady mimics the transport rejecting a CCCD write issued too soon
// after discovery.
var errNotReady = errors.New("sim: peripheral not ready for notifications")

// Options configures the simulation.
type Options struct {
	Peripherals []ble.Peripheral

	NoBattery bool // omit the Battery Service
	NoUART    bool // omit the vendor UART service

	// RejectFirstSubscribe makes the first CCCD write on each connection
	// fail, exercising the session's retry path.
	RejectFirstSubscribe bool

	StartBattery      uint8         // initial battery percentage, default 100
	Interval          time.Duration // orientation packet period, default 50ms
	AdvertiseInterval time.Duration // re-advertisement period while scanning, default 250ms
}

// DefaultPeripheral is advertised when Options.Peripherals is empty.
var DefaultPeripheral = ble.Peripheral{Address: "5A:11:00:00:00:01", Name: "SIM-IMU", RSSI: -40}

// Adapter is a simulated BLE adapter.
type Adapter struct {
	opts Options

	mu    sync.Mutex
	conns map[string]*connection
}

// New creates a simulated adapter.
func New(opts Options) *Adapter {
	if len(opts.Peripherals) == 0 {
		opts.Peripherals = []ble.Peripheral{DefaultPeripheral}
	}
	if opts.StartBattery == 0 {
		opts.StartBattery = 100
	}
	if opts.Interval <= 0 {
		opts.Interval = 50 * time.Millisecond
	}
	if opts.AdvertiseInterval <= 0 {
		opts.AdvertiseInterval = 250 * time.Millisecond
	}
	return &Adapter{opts: opts, conns: make(map[string]*connection)}
}

var _ ble.Adapter = (*Adapter)(nil)

func (a *Adapter) Enable() error { return nil }

// Scan re-advertises every simulated peripheral periodically until ctx is
// cancelled, the way a real radio reports the same advertiser repeatedly.
func (a *Adapter) Scan(ctx context.Context, found func(ble.Peripheral)) error {
	ticker := time.NewTicker(a.opts.AdvertiseInterval)
	defer ticker.Stop()
	for {
		for _, p := range a.opts.Peripherals {
			found(p)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (a *Adapter) Connect(ctx context.Context, address string) (ble.Connection, error) {
	for _, p := range a.opts.Peripherals {
		if p.Address != address {
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
		conn := newConnection(a.opts)
		a.mu.Lock()
		a.conns[address] = conn
		a.mu.Unlock()
		slog.Info("SIM: connected", "address", address)
		return conn, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownPeripheral, address)
}

// Drop simulates the peripheral going out of range: the link to address is
// lost without the central asking for it. Reports whether a connection
// existed.
func (a *Adapter) Drop(address string) bool {
	a.mu.Lock()
	conn, ok := a.conns[address]
	delete(a.conns, address)
	a.mu.Unlock()
	if !ok {
		return false
	}
	conn.cancel()
	conn.mu.Lock()
	cb := conn.disconnectCb
	conn.mu.Unlock()
	if cb != nil {
		cb()
	}
	return true
}

type connection struct {
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	battery      uint8
	rejectNext   bool
	disconnectCb func()
}

func newConnection(opts Options) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{
		opts:       opts,
		ctx:        ctx,
		cancel:     cancel,
		battery:    opts.StartBattery,
		rejectNext: opts.RejectFirstSubscribe,
	}
}

func (c *connection) DiscoverServices(ctx context.Context) ([]ble.Service, error) {
	var services []ble.Service
	if !c.opts.NoBattery {
		services = append(services, ble.Service{
			UUID:            ble.BatteryServiceUUID,
			Characteristics: []ble.Characteristic{&characteristic{conn: c, uuid: ble.BatteryLevelUUID}},
		})
	}
	if !c.opts.NoUART {
		services = append(services, ble.Service{
			UUID: ble.UARTServiceUUID,
			Characteristics: []ble.Characteristic{
				&characteristic{conn: c, uuid: ble.UARTRxUUID},
				&characteristic{conn: c, uuid: ble.UARTTxUUID},
			},
		})
	}
	return services, ctx.Err()
}

func (c *connection) Disconnect() error {
	c.cancel()
	slog.Info("SIM: disconnected")
	return nil
}

func (c *connection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *connection) level() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.battery
}

// drain lowers the battery by one percent and returns the new level.
func (c *connection) drain() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.battery > 0 {
		c.battery--
	}
	return c.battery
}

// admit reports whether a subscription may proceed, consuming a pending
// rejection.
func (c *connection) admit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rejectNext {
		c.rejectNext = false
		return false
	}
	return true
}

type characteristic struct {
	conn *connection
	uuid uuid.UUID
}

func (ch *characteristic) UUID() uuid.UUID { return ch.uuid }

func (ch *characteristic) Read() ([]byte, error) {
	if ch.uuid != ble.BatteryLevelUUID {
		return nil, fmt.Errorf("sim: characteristic %s is not readable", ch.uuid)
	}
	return []byte{ch.conn.level()}, nil
}

func (ch *characteristic) Write(data []byte) error {
	if ch.uuid != ble.UARTTxUUID {
		return fmt.Errorf("sim: characteristic %s is not writable", ch.uuid)
	}
	slog.Debug("SIM: uart tx", "bytes", len(data))
	return nil
}

func (ch *characteristic) Subscribe(cb func([]byte)) error {
	if !ch.conn.admit() {
		return errNotReady
	}
	switch ch.uuid {
	case ble.BatteryLevelUUID:
		go ch.conn.simulateBattery(cb)
	case ble.UARTRxUUID:
		go ch.conn.simulateOrientation(cb)
	default:
		return fmt.Errorf("sim: characteristic %s does not notify", ch.uuid)
	}
	return nil
}

// simulateBattery drains the battery slowly and notifies each change.
func (c *connection) simulateBattery(notify func([]byte)) {
	ticker := time.NewTicker(c.opts.Interval * 100)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			notify([]byte{c.drain()})
		}
	}
}

// simulateOrientation sends a slowly rotating orientation vector.
func (c *connection) simulateOrientation(notify func([]byte)) {
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()
	start := time.Now()
	var seq uint32
	for {
		select {
		case <-c.ctx.Done():
			return
		case now := <-ticker.C:
			t := now.Sub(start).Seconds()
			sample := protocol.OrientationSample{
				Roll:  float32(30 * math.Sin(t)),
				Pitch: float32(15 * math.Cos(t/2)),
				Yaw:   float32(math.Mod(t*20, 360)),
			}
			seq++
			notify(protocol.EncodeOrientation(seq, sample))
		}
	}
}
