package link

import (
	"errors"

	"github.com/kstaniek/go-usbcan-gateway/internal/wire"
)

// largeBufferReclaimThreshold is the accumulator capacity above which the
// backing array is dropped once fully drained.
const largeBufferReclaimThreshold = 16 * 1024

// Reassembler cuts a downlink byte stream into packets of whole records.
// Stream transports (serial, TCP) have no packet boundaries, so records may
// straddle reads.
type Reassembler struct {
	acc []byte
}

// Feed appends p and calls deliver once with every complete record now
// buffered. A record header that cannot be framed is not split off: the whole
// accumulator goes out in one packet, including the complete records ahead of
// the bad header. The dispatcher handles those records first and halts when it
// reaches the bad header. Nothing is buffered afterwards. The packet is only
// valid during the deliver call.
func (r *Reassembler) Feed(p []byte, deliver func(packet []byte)) {
	r.acc = append(r.acc, p...)
	n := 0
	for n < len(r.acc) {
		l, err := wire.DownlinkRecordLen(r.acc[n:])
		if errors.Is(err, wire.ErrShort) || (err == nil && n+l > len(r.acc)) {
			break
		}
		if err != nil {
			deliver(r.acc)
			r.Reset()
			return
		}
		n += l
	}
	if n > 0 {
		deliver(r.acc[:n])
		r.acc = r.acc[:copy(r.acc, r.acc[n:])]
	}
	if len(r.acc) == 0 && cap(r.acc) > largeBufferReclaimThreshold {
		r.acc = nil
	}
}

// Buffered returns the number of bytes held for an incomplete record.
func (r *Reassembler) Buffered() int { return len(r.acc) }

// Reset drops any partial record, e.g. when a new host attaches.
func (r *Reassembler) Reset() { r.acc = r.acc[:0] }
