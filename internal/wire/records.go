package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kstaniek/go-usbcan-gateway/internal/batch"
)

var (
	// ErrProtocol marks a downlink stream that cannot be framed any further.
	ErrProtocol = errors.New("wire: protocol violation")
	// ErrShort is returned when a record is cut short.
	ErrShort = errors.New("wire: short record")
)

// Allocator hands out contiguous uplink space. *batch.Buffer implements it.
type Allocator interface {
	Allocate(size int) (batch.Reservation, bool)
}

var _ Allocator = (*batch.Buffer)(nil)

// Command is the 4-bit command of a control record.
type Command uint8

const (
	// CommandConnect drops queued uplink data and resets diagnostics.
	CommandConnect Command = 0
)

// ControlRecordSize is the size of a control record.
const ControlRecordSize = 1

// EncodeControl returns the control record header for cmd.
func EncodeControl(cmd Command) byte {
	return byte(DownlinkControl) | byte(cmd)<<4
}

// DecodeControl parses a control header byte.
func DecodeControl(b byte) (Command, error) {
	cmd := Command(b >> 4)
	switch cmd {
	case CommandConnect:
		return cmd, nil
	default:
		return cmd, fmt.Errorf("control command %d: %w", cmd, ErrProtocol)
	}
}

// SensorDevice is the high nibble of a sensor record header.
type SensorDevice uint8

const (
	Accelerometer SensorDevice = 0
	Gyroscope     SensorDevice = 1
)

// SensorRecordSize is header + three int16 axes.
const SensorRecordSize = 1 + 6

// SensorSample is one three-axis reading.
type SensorSample struct {
	Device  SensorDevice
	X, Y, Z int16
}

// Encode writes the sample into dst (at least SensorRecordSize bytes).
func (s *SensorSample) Encode(dst []byte) int {
	dst[0] = byte(UplinkSensor) | byte(s.Device)<<4
	binary.LittleEndian.PutUint16(dst[1:], uint16(s.X))
	binary.LittleEndian.PutUint16(dst[3:], uint16(s.Y))
	binary.LittleEndian.PutUint16(dst[5:], uint16(s.Z))
	return SensorRecordSize
}

// DecodeSensor parses a sensor record.
func DecodeSensor(src []byte) (SensorSample, error) {
	if len(src) < SensorRecordSize {
		return SensorSample{}, ErrShort
	}
	return SensorSample{
		Device: SensorDevice(src[0] >> 4),
		X:      int16(binary.LittleEndian.Uint16(src[1:])),
		Y:      int16(binary.LittleEndian.Uint16(src[3:])),
		Z:      int16(binary.LittleEndian.Uint16(src[5:])),
	}, nil
}

// WriteSensor allocates and encodes a sensor record; a failed allocation
// drops it.
func WriteSensor(a Allocator, s SensorSample) bool {
	res, ok := a.Allocate(SensorRecordSize)
	if !ok {
		return false
	}
	s.Encode(res.Bytes())
	res.Commit()
	return true
}

// DownlinkRecordLen returns the size of the downlink record at the start of
// b. It returns ErrShort when b does not yet hold enough bytes to tell, and
// an ErrProtocol error for sources without a known framing.
func DownlinkRecordLen(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, ErrShort
	}
	switch id := DownlinkID(b[0] & idMask); id {
	case DownlinkControl:
		return ControlRecordSize, nil
	case DownlinkCAN1, DownlinkCAN2, DownlinkCAN3:
		head, payload, err := canHeaderLen(b)
		if err != nil {
			return 0, err
		}
		return head + payload, nil
	default:
		return 0, fmt.Errorf("downlink source %s: %w", id, ErrProtocol)
	}
}
