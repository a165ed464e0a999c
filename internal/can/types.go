// Package can holds the SocketCAN frame representation and its mapping to
// controller message elements.
package can

import "github.com/kstaniek/go-usbcan-gateway/internal/canhw"

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// Frame is a classic CAN frame as exchanged with the kernel. CANID carries
// the EFF/RTR/ERR flags in its upper bits like SocketCAN; only the first Len
// data bytes are valid.
type Frame struct {
	CANID uint32
	Len   uint8
	Data  [8]byte
}

// Extended reports the EFF flag.
func (f Frame) Extended() bool { return f.CANID&CAN_EFF_FLAG != 0 }

// IsError reports an error frame, which never reaches the controller FIFO.
func (f Frame) IsError() bool { return f.CANID&CAN_ERR_FLAG != 0 }

// Filter is a CAN_RAW_FILTER entry: a frame passes when
// received_id & Mask == ID & Mask, flags included.
type Filter struct {
	ID   uint32
	Mask uint32
}

// FilterFor maps a controller mask filter to its SocketCAN form. The EFF
// flag is always part of the mask so standard and extended filters stay
// disjoint.
func FilterFor(f canhw.Filter) Filter {
	if f.Extended {
		return Filter{ID: f.ID&CAN_EFF_MASK | CAN_EFF_FLAG, Mask: f.Mask&CAN_EFF_MASK | CAN_EFF_FLAG}
	}
	return Filter{ID: f.ID & CAN_SFF_MASK, Mask: f.Mask&CAN_SFF_MASK | CAN_EFF_FLAG}
}

// ToElement converts a received frame into an RX FIFO element.
func ToElement(f Frame) canhw.Element {
	var e canhw.Element
	if f.Extended() {
		e[0] = f.CANID&CAN_EFF_MASK | canhw.XTD
	} else {
		e[0] = (f.CANID & CAN_SFF_MASK) << 18
	}
	if f.CANID&CAN_RTR_FLAG != 0 {
		e[0] |= canhw.RTR
	}
	n := min(f.Len, 8)
	e[1] = uint32(n) << 16
	e[2] = uint32(f.Data[0]) | uint32(f.Data[1])<<8 | uint32(f.Data[2])<<16 | uint32(f.Data[3])<<24
	e[3] = uint32(f.Data[4]) | uint32(f.Data[5])<<8 | uint32(f.Data[6])<<16 | uint32(f.Data[7])<<24
	return e
}

// FromElement converts a TX element into a kernel frame.
func FromElement(e canhw.Element) Frame {
	var f Frame
	if e.Extended() {
		f.CANID = e.ID() | CAN_EFF_FLAG
	} else {
		f.CANID = e.ID()
	}
	if e.Remote() {
		f.CANID |= CAN_RTR_FLAG
	}
	f.Len = min(e.DLC(), 8)
	f.Data = e.Data()
	return f
}
