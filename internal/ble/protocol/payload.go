// Package protocol decodes the notification and read payloads produced by
// the motion sensor firmware: the standard Battery Level characteristic and
// the vendor UART orientation packet.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformedPayload is returned when a payload is too short to decode.
var ErrMalformedPayload = errors.New("protocol: malformed payload")

// Orientation packet layout. Bytes [0,4) are a header/sequence field the
// firmware fills in and the host ignores.
const (
	OrientationPacketLen = 16

	rollOffset  = 4
	pitchOffset = 8
	yawOffset   = 12
)

// BatteryReading is a battery charge percentage as reported by the
// peripheral. The Battery Service documents the range as 0-100 but the
// value is passed through unclamped.
type BatteryReading uint8

// Percent returns the reading as an int.
func (b BatteryReading) Percent() int { return int(b) }

// OrientationSample is a roll/pitch/yaw vector in the units the firmware
// reports (degrees on current firmware). No range validation is applied.
type OrientationSample struct {
	Roll  float32
	Pitch float32
	Yaw   float32
}

func (o OrientationSample) String() string {
	return fmt.Sprintf("roll=%.2f pitch=%.2f yaw=%.2f", o.Roll, o.Pitch, o.Yaw)
}

// DecodeBatteryLevel returns the first byte of data as an unsigned
// percentage. Trailing bytes are ignored.
func DecodeBatteryLevel(data []byte) (BatteryReading, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("%w: battery level is empty", ErrMalformedPayload)
	}
	return BatteryReading(data[0]), nil
}

// DecodeOrientation reads three little-endian float32 values at offsets 4,
// 8 and 12. data must be at least OrientationPacketLen bytes; anything past
// byte 16 is ignored.
func DecodeOrientation(data []byte) (OrientationSample, error) {
	if len(data) < OrientationPacketLen {
		return OrientationSample{}, fmt.Errorf("%w: orientation packet is %d bytes, need %d",
			ErrMalformedPayload, len(data), OrientationPacketLen)
	}
	return OrientationSample{
		Roll:  readFloat32(data[rollOffset:]),
		Pitch: readFloat32(data[pitchOffset:]),
		Yaw:   readFloat32(data[yawOffset:]),
	}, nil
}

// EncodeOrientation builds a 16-byte orientation packet with the given
// header word. It is the inverse of DecodeOrientation.
func EncodeOrientation(header uint32, s OrientationSample) []byte {
	buf := make([]byte, OrientationPacketLen)
	binary.LittleEndian.PutUint32(buf[0:], header)
	binary.LittleEndian.PutUint32(buf[rollOffset:], math.Float32bits(s.Roll))
	binary.LittleEndian.PutUint32(buf[pitchOffset:], math.Float32bits(s.Pitch))
	binary.LittleEndian.PutUint32(buf[yawOffset:], math.Float32bits(s.Yaw))
	return buf
}

func readFloat32(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}
