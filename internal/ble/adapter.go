// Package ble implements the central side of the motion sensor link: it
// scans for peripherals, connects to one, resolves the Battery and vendor
// UART services, subscribes to their notifications and delivers decoded
// battery and orientation readings as events.
package ble

import (
	"context"

	"github.com/google/uuid"
)

// Peripheral identifies a discovered BLE peripheral. Two peripherals are the
// same device when their addresses are equal; Name and RSSI are whatever the
// most recent advertisement carried.
type Peripheral struct {
	Address string
	Name    string
	RSSI    int
}

// DisplayName returns the advertised name, or "Unknown" if there is none.
func (p Peripheral) DisplayName() string {
	if p.Name == "" {
		return "Unknown"
	}
	return p.Name
}

// Same reports whether p and o refer to the same device.
func (p Peripheral) Same(o Peripheral) bool {
	return p.Address == o.Address
}

func (p Peripheral) String() string {
	return p.DisplayName() + " (" + p.Address + ")"
}

// Characteristic represents a discovered GATT characteristic.
type Characteristic interface {
	// UUID returns the characteristic UUID.
	UUID() uuid.UUID
	// Read performs a one-shot read of the characteristic value.
	Read() ([]byte, error)
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe enables notifications by writing the CCCD and registers a
	// callback for them. It may fail if the peripheral is not yet ready.
	Subscribe(callback func(data []byte)) error
}

// Service is a discovered GATT service and its characteristics.
type Service struct {
	UUID            uuid.UUID
	Characteristics []Characteristic
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverServices enumerates all services and their characteristics.
	DiscoverServices(ctx context.Context) ([]Service, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter. Calling it more than once is allowed.
	Enable() error
	// Scan reports every advertisement to found until ctx is cancelled.
	// found may be called repeatedly for the same peripheral.
	Scan(ctx context.Context, found func(Peripheral)) error
	// Connect establishes a connection to the peripheral with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
