package ble

import (
	"fmt"

	"github.com/google/uuid"
)

// GATT UUIDs used by the motion sensor firmware.
var (
	BatteryServiceUUID = uuid.MustParse("0000180F-0000-1000-8000-00805f9b34fb")
	BatteryLevelUUID   = uuid.MustParse("00002A19-0000-1000-8000-00805f9b34fb")

	UARTServiceUUID = uuid.MustParse("0000fee9-0000-1000-8000-00805f9b34fb")
	UARTRxUUID      = uuid.MustParse("d44bc439-abfd-45a2-b575-925416129600")
	UARTTxUUID      = uuid.MustParse("d44bc439-abfd-45a2-b575-925416129601")

	// CCCDUUID is the Client Characteristic Configuration Descriptor. The
	// transport writes it when a characteristic is subscribed.
	CCCDUUID = uuid.MustParse("00002902-0000-1000-8000-00805f9b34fb")
)

// Role tags a characteristic with what the session does with it.
type Role int

const (
	RoleBatteryLevel Role = iota + 1
	RoleUARTRx
	RoleUARTTx
)

func (r Role) String() string {
	switch r {
	case RoleBatteryLevel:
		return "battery_level"
	case RoleUARTRx:
		return "uart_rx"
	case RoleUARTTx:
		return "uart_tx"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Ops is a set of GATT operations a characteristic supports.
type Ops uint8

const (
	OpRead Ops = 1 << iota
	OpWrite
	OpNotify
)

// Has reports whether all of o are in ops.
func (ops Ops) Has(o Ops) bool { return ops&o == o }

// ServiceDescriptor names a well-known service.
type ServiceDescriptor struct {
	UUID uuid.UUID
	Name string
}

// CharacteristicDescriptor names a well-known characteristic within a service.
type CharacteristicDescriptor struct {
	UUID    uuid.UUID
	Service uuid.UUID
	Role    Role
	Ops     Ops
}

var (
	BatteryService = ServiceDescriptor{UUID: BatteryServiceUUID, Name: "battery"}
	UARTService    = ServiceDescriptor{UUID: UARTServiceUUID, Name: "uart"}
)

// Profile is the fixed set of characteristics a session resolves after
// discovery. Either service may be missing on a given peripheral.
var Profile = []CharacteristicDescriptor{
	{UUID: BatteryLevelUUID, Service: BatteryServiceUUID, Role: RoleBatteryLevel, Ops: OpRead | OpNotify},
	{UUID: UARTRxUUID, Service: UARTServiceUUID, Role: RoleUARTRx, Ops: OpNotify},
	{UUID: UARTTxUUID, Service: UARTServiceUUID, Role: RoleUARTTx, Ops: OpWrite},
}

// resolveProfile matches discovered services against Profile and returns
// the characteristics found, keyed by role.
func resolveProfile(services []Service) map[Role]Characteristic {
	found := make(map[Role]Characteristic)
	for _, svc := range services {
		for _, desc := range Profile {
			if svc.UUID != desc.Service {
				continue
			}
			for _, c := range svc.Characteristics {
				if c.UUID() == desc.UUID {
					found[desc.Role] = c
					break
				}
			}
		}
	}
	return found
}
