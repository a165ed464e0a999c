package wire

import (
	"errors"
	"fmt"
)

// Reader is a cursor over one received downlink packet. Handlers advance it by
// exactly the size of the record they decode.
type Reader struct {
	buf []byte
	off int
}

// NewReader returns a reader positioned at the start of p.
func NewReader(p []byte) *Reader { return &Reader{buf: p} }

// Reset repositions the reader at the start of p.
func (r *Reader) Reset(p []byte) { r.buf, r.off = p, 0 }

// Remaining returns the unread byte count.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

// Unread returns the unread bytes without advancing.
func (r *Reader) Unread() []byte { return r.buf[r.off:] }

// ReadCAN decodes the CAN record under the cursor and advances past it.
func (r *Reader) ReadCAN() (CANRecord, error) {
	rec, n, err := DecodeCAN(r.Unread())
	if err != nil {
		return rec, err
	}
	r.off += n
	return rec, nil
}

// ReadControl decodes the control record under the cursor and advances past
// it. The cursor advances even when the command is unknown.
func (r *Reader) ReadControl() (Command, error) {
	if r.Remaining() < ControlRecordSize {
		return 0, ErrShort
	}
	b := r.buf[r.off]
	r.off += ControlRecordSize
	return DecodeControl(b)
}

// Handler consumes one downlink record addressed to its source id.
type Handler interface {
	HandleDownlink(r *Reader) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(r *Reader) error

// HandleDownlink implements Handler.
func (f HandlerFunc) HandleDownlink(r *Reader) error { return f(r) }

// Dispatcher routes downlink records by source id.
type Dispatcher struct {
	handlers [idMask + 1]Handler
	onRecord func(DownlinkID)
}

// Register binds h to id, replacing any previous handler.
func (d *Dispatcher) Register(id DownlinkID, h Handler) { d.handlers[id&idMask] = h }

// OnRecord installs a callback run after each successfully handled record.
func (d *Dispatcher) OnRecord(fn func(DownlinkID)) { d.onRecord = fn }

// Dispatch hands every record in p to its handler in order. Any error means
// the rest of the packet cannot be framed; it always wraps ErrProtocol.
func (d *Dispatcher) Dispatch(p []byte) error {
	r := Reader{buf: p}
	for r.Remaining() > 0 {
		id := DownlinkID(r.buf[r.off] & idMask)
		h := d.handlers[id]
		if h == nil {
			return fmt.Errorf("offset %d: no handler for %s: %w", r.off, id, ErrProtocol)
		}
		start := r.off
		if err := h.HandleDownlink(&r); err != nil {
			if !errors.Is(err, ErrProtocol) {
				err = fmt.Errorf("%w: %s at offset %d: %v", ErrProtocol, id, start, err)
			}
			return err
		}
		if r.off <= start {
			return fmt.Errorf("%s handler consumed nothing at offset %d: %w", id, start, ErrProtocol)
		}
		if d.onRecord != nil {
			d.onRecord(id)
		}
	}
	return nil
}
