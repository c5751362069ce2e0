package ble

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"
)

// maxAttributeLen is the largest value a GATT attribute can hold.
const maxAttributeLen = 512

// TinyGoAdapter wraps tinygo-org/bluetooth. On macOS, addresses are
// CoreBluetooth UUIDs rather than MAC addresses; Peripheral.Address stores
// whichever form the platform reports.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	enableMu sync.Mutex
	enabled  bool

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinyGoConnection // keyed by bluetooth.Address.String()
}

// NewTinyGoAdapter creates an adapter backed by the platform default radio.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinyGoConnection),
	}
}

func (a *TinyGoAdapter) Enable() error {
	a.enableMu.Lock()
	defer a.enableMu.Unlock()
	if a.enabled {
		return nil
	}
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// tinygo/bluetooth reports peripheral-initiated disconnects through a
	// single adapter-level handler.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		a.mu.Lock()
		conn, ok := a.connections[device.Address.String()]
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})

	a.enabled = true
	return nil
}

func (a *TinyGoAdapter) Scan(ctx context.Context, found func(Peripheral)) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		found(Peripheral{
			Address: result.Address.String(),
			Name:    result.LocalName(),
			RSSI:    int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *TinyGoAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)
	key := addr.String()

	// tinygo/bluetooth's Connect blocks with its own timeout and cannot be
	// cancelled. A connect that completes after ctx is done is torn down.
	device, err := callWithContext(ctx, func() (bluetooth.Device, error) {
		return a.adapter.Connect(addr, bluetooth.ConnectionParams{})
	}, func(d bluetooth.Device) { _ = d.Disconnect() })
	if err != nil {
		return nil, fmt.Errorf("ble: connect to %s: %w", address, err)
	}

	conn := &tinyGoConnection{
		device:  device,
		release: func() { a.forget(key) },
	}
	a.mu.Lock()
	a.connections[key] = conn
	a.mu.Unlock()
	return conn, nil
}

func (a *TinyGoAdapter) forget(address string) {
	a.mu.Lock()
	delete(a.connections, address)
	a.mu.Unlock()
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoConnection struct {
	device  bluetooth.Device
	release func()

	mu           sync.Mutex
	disconnectCb func()
}

func (c *tinyGoConnection) DiscoverServices(ctx context.Context) ([]Service, error) {
	return callWithContext(ctx, c.discover, nil)
}

func (c *tinyGoConnection) discover() ([]Service, error) {
	svcs, err := c.device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}

	services := make([]Service, 0, len(svcs))
	for i := range svcs {
		svc := &svcs[i]
		svcUUID, err := uuid.Parse(svc.UUID().String())
		if err != nil {
			return nil, fmt.Errorf("ble: service uuid %s: %w", svc.UUID(), err)
		}
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("ble: discover characteristics of %s: %w", svcUUID, err)
		}
		s := Service{UUID: svcUUID}
		for j := range chars {
			ch := &chars[j]
			chUUID, err := uuid.Parse(ch.UUID().String())
			if err != nil {
				return nil, fmt.Errorf("ble: characteristic uuid %s: %w", ch.UUID(), err)
			}
			s.Characteristics = append(s.Characteristics, &tinyGoCharacteristic{char: ch, uuid: chUUID})
		}
		services = append(services, s)
	}
	return services, nil
}

func (c *tinyGoConnection) Disconnect() error {
	c.release()
	return c.device.Disconnect()
}

func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinyGoConnection) fireDisconnect() {
	c.release()
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinyGoCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
	uuid uuid.UUID
}

func (c *tinyGoCharacteristic) UUID() uuid.UUID { return c.uuid }

func (c *tinyGoCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, maxAttributeLen)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinyGoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}
