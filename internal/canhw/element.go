// Package canhw translates between wire CAN records and M_CAN message-RAM
// elements, and drives one controller's receive and transmit paths.
package canhw

import (
	"encoding/binary"

	"github.com/kstaniek/go-usbcan-gateway/internal/wire"
)

// Element is one M_CAN message-RAM element (TX buffer or RX FIFO slot).
//
//	word0  XTD bit 30, RTR bit 29, standard id bits 18..28 or extended id bits 0..28
//	word1  DLC bits 16..19
//	word2  data bytes 0..3, little-endian
//	word3  data bytes 4..7, little-endian
type Element [4]uint32

const (
	XTD = 0x40000000
	RTR = 0x20000000

	stdIDShift = 18
	stdIDBits  = 0x1FFC0000
	extIDBits  = 0x1FFFFFFF
	dlcShift   = 16
	dlcBits    = 0x000F0000
)

// Extended reports the XTD flag.
func (e Element) Extended() bool { return e[0]&XTD != 0 }

// Remote reports the RTR flag.
func (e Element) Remote() bool { return e[0]&RTR != 0 }

// ID returns the frame identifier.
func (e Element) ID() uint32 {
	if e.Extended() {
		return e[0] & extIDBits
	}
	return (e[0] & stdIDBits) >> stdIDShift
}

// DLC returns the raw data length code.
func (e Element) DLC() uint8 { return uint8((e[1] & dlcBits) >> dlcShift) }

// Data returns the 8 data bytes.
func (e Element) Data() [8]byte {
	var d [8]byte
	binary.LittleEndian.PutUint32(d[0:], e[2])
	binary.LittleEndian.PutUint32(d[4:], e[3])
	return d
}

// EncodeTx builds a transmit element from a wire record. All eight data
// bytes are copied regardless of length.
func EncodeTx(rec *wire.CANRecord) Element {
	var e Element
	if rec.Extended {
		e[0] = rec.ID&extIDBits | XTD
	} else {
		e[0] = rec.ID << stdIDShift & stdIDBits
	}
	if rec.Remote {
		e[0] |= RTR
	}
	e[1] = uint32(rec.Len) << dlcShift & dlcBits
	e[2] = binary.LittleEndian.Uint32(rec.Data[0:])
	e[3] = binary.LittleEndian.Uint32(rec.Data[4:])
	return e
}

// DecodeRx converts a received element into a wire record. Codes above 8
// are clamped to the classic CAN payload.
func DecodeRx(e Element) wire.CANRecord {
	rec := wire.CANRecord{
		Extended: e.Extended(),
		Remote:   e.Remote(),
		ID:       e.ID(),
		Len:      min(e.DLC(), wire.MaxCANData),
	}
	d := e.Data()
	copy(rec.Data[:rec.Len], d[:rec.Len])
	return rec
}
