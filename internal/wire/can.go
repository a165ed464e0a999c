package wire

import (
	"encoding/binary"
	"fmt"
)

// CAN header flags (high nibble of the header byte).
const (
	FlagExtended = 1 << 4
	FlagRemote   = 1 << 5
	FlagHasData  = 1 << 6
)

// Id field layout.
//
//	standard: 2 bytes LE, id bits 0..10, length-1 bits 11..13
//	extended: 4 bytes LE, id bits 0..28, length-1 bits 29..31
const (
	StdIDSize = 2
	ExtIDSize = 4

	StdIDMask = 0x7FF
	ExtIDMask = 0x1FFFFFFF

	stdLenShift = 11
	extLenShift = 29
	lenBits     = 0x7

	// MaxCANData is the classic CAN payload limit.
	MaxCANData = 8
)

// CANRecord is the decoded form of a CAN wire record.
type CANRecord struct {
	Extended bool
	Remote   bool
	ID       uint32
	Len      uint8
	Data     [MaxCANData]byte
}

// Size returns the encoded size in bytes.
func (r *CANRecord) Size() int {
	n := 1 + StdIDSize
	if r.Extended {
		n = 1 + ExtIDSize
	}
	return n + int(r.Len)
}

// Header returns the header byte for the given source id.
func (r *CANRecord) Header(id uint8) byte {
	h := id & idMask
	if r.Extended {
		h |= FlagExtended
	}
	if r.Remote {
		h |= FlagRemote
	}
	if r.Len > 0 {
		h |= FlagHasData
	}
	return h
}

// Encode writes the record tagged with source id into dst, which must hold
// at least Size bytes, and returns the number of bytes written.
func (r *CANRecord) Encode(dst []byte, id uint8) int {
	dst[0] = r.Header(id)
	var lenField uint32
	if r.Len > 0 {
		lenField = uint32(r.Len-1) & lenBits
	}
	n := 1
	if r.Extended {
		binary.LittleEndian.PutUint32(dst[1:], r.ID&ExtIDMask|lenField<<extLenShift)
		n += ExtIDSize
	} else {
		binary.LittleEndian.PutUint16(dst[1:], uint16(r.ID&StdIDMask|lenField<<stdLenShift))
		n += StdIDSize
	}
	n += copy(dst[n:n+int(r.Len)], r.Data[:r.Len])
	return n
}

// canHeaderLen returns the header+id size and the payload length implied by
// the first bytes of a CAN record.
func canHeaderLen(src []byte) (head, payload int, err error) {
	if len(src) < 1 {
		return 0, 0, ErrShort
	}
	h := src[0]
	head = 1 + StdIDSize
	if h&FlagExtended != 0 {
		head = 1 + ExtIDSize
	}
	if len(src) < head {
		return 0, 0, ErrShort
	}
	if h&FlagHasData == 0 {
		return head, 0, nil
	}
	if h&FlagExtended != 0 {
		payload = int(binary.LittleEndian.Uint32(src[1:])>>extLenShift&lenBits) + 1
	} else {
		payload = int(binary.LittleEndian.Uint16(src[1:])>>stdLenShift&lenBits) + 1
	}
	return head, payload, nil
}

// DecodeCAN decodes one CAN record from the start of src and returns it with
// the number of bytes consumed. The source id nibble is not interpreted.
func DecodeCAN(src []byte) (CANRecord, int, error) {
	var r CANRecord
	head, payload, err := canHeaderLen(src)
	if err != nil {
		return r, 0, err
	}
	if len(src) < head+payload {
		return r, 0, fmt.Errorf("can payload %d of %d bytes: %w", len(src)-head, payload, ErrShort)
	}
	h := src[0]
	r.Extended = h&FlagExtended != 0
	r.Remote = h&FlagRemote != 0
	if r.Extended {
		r.ID = binary.LittleEndian.Uint32(src[1:]) & ExtIDMask
	} else {
		r.ID = uint32(binary.LittleEndian.Uint16(src[1:])) & StdIDMask
	}
	r.Len = uint8(payload)
	copy(r.Data[:], src[head:head+payload])
	return r, head + payload, nil
}

// WriteCAN allocates room for rec in the uplink stream and encodes it there.
// A failed allocation drops the record.
func WriteCAN(a Allocator, id UplinkID, rec *CANRecord) bool {
	res, ok := a.Allocate(rec.Size())
	if !ok {
		return false
	}
	rec.Encode(res.Bytes(), uint8(id))
	res.Commit()
	return true
}
