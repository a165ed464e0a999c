// Package batch implements the uplink batch buffer: a fixed pool of 64-byte
// batches that interrupt-side producers append records into without locks,
// and that a single main-loop consumer hands to the transport one at a time.
package batch

import (
	"sync/atomic"

	"github.com/kstaniek/go-usbcan-gateway/internal/fault"
)

const (
	// Capacity is the number of batches; must be a power of two.
	Capacity = 8
	// BatchSize is the byte size of one batch including the sentinel.
	BatchSize = 64
	// Sentinel is written at offset 0 of every batch.
	Sentinel byte = 0xAE

	mask = Capacity - 1
)

// Batch state word layout (uint64):
//
//	bits  0..15  written length (1 = sentinel only)
//	bits 16..23  writers with an uncommitted reservation
//	bit  24      sealed by the consumer
//	bits 32..63  generation: the produced cursor value this batch is opened at
const (
	lenMask     = 0xFFFF
	writerShift = 16
	writerOne   = uint64(1) << writerShift
	writerMask  = uint64(0xFF) << writerShift
	sealedBit   = uint64(1) << 24
	genShift    = 32
)

func stLen(s uint64) int        { return int(s & lenMask) }
func stWriters(s uint64) uint64 { return (s & writerMask) >> writerShift }
func stSealed(s uint64) bool    { return s&sealedBit != 0 }
func stGen(s uint64) uint32     { return uint32(s >> genShift) }
func mkState(gen uint32) uint64 { return uint64(gen)<<genShift | 1 }

// Batch is one transmit unit. Only its contents have a lifecycle.
type Batch struct {
	state atomic.Uint64
	data  [BatchSize]byte
}

// Len returns the written length including the sentinel.
func (b *Batch) Len() int { return stLen(b.state.Load()) }

// Bytes returns the sentinel followed by every committed record.
func (b *Batch) Bytes() []byte { return b.data[:b.Len()] }

// Reservation is a contiguous region inside a batch owned by one producer
// until Commit.
type Reservation struct {
	b   *Batch
	off int
	n   int
}

// Bytes returns the reserved region.
func (r Reservation) Bytes() []byte { return r.b.data[r.off : r.off+r.n] }

// Commit publishes the reserved bytes to the consumer. Call exactly once.
func (r Reservation) Commit() { r.b.state.Add(^(writerOne - 1)) }

// Buffer is the multi-producer, single-consumer batch pool.
//
// Invariant: consumed <= produced <= consumed+Capacity.
type Buffer struct {
	produced atomic.Uint32
	consumed atomic.Uint32
	batches  [Capacity]Batch
	onFull   func()
}

// New returns an empty buffer. onFull is called (never blocking) for each
// allocation that fails because every batch is in use.
func New(onFull func()) *Buffer {
	b := &Buffer{onFull: onFull}
	for i := range b.batches {
		b.batches[i].data[0] = Sentinel
		b.batches[i].state.Store(mkState(uint32(i)))
	}
	return b
}

// Allocate reserves size contiguous bytes in the newest open batch, opening a
// new batch when it lacks room. It never blocks; it fails only when the buffer
// is full.
func (b *Buffer) Allocate(size int) (Reservation, bool) {
	fault.Assert(size > 0 && size < BatchSize, "batch: allocation size out of range")
	for {
		out := b.consumed.Load()
		in := b.produced.Load()
		if in != out {
			if r, ok := b.batches[(in-1)&mask].append(in-1, size); ok {
				return r, true
			}
		}
		if in-out >= Capacity {
			// A stale view of consumed must not report a false full.
			if b.consumed.Load() == out {
				if b.onFull != nil {
					b.onFull()
				}
				return Reservation{}, false
			}
			continue
		}
		b.produced.CompareAndSwap(in, in+1)
	}
}

// append tries to reserve size bytes in b while it is open at generation gen.
func (b *Batch) append(gen uint32, size int) (Reservation, bool) {
	for {
		s := b.state.Load()
		if stGen(s) != gen || stSealed(s) || BatchSize-stLen(s) < size || stWriters(s) == 0xFF {
			return Reservation{}, false
		}
		if b.state.CompareAndSwap(s, s+uint64(size)+writerOne) {
			return Reservation{b: b, off: stLen(s), n: size}, true
		}
	}
}

// PopReady returns the oldest batch once it holds more than the sentinel and
// no producer is mid-write, sealing it against further appends. It returns nil
// otherwise. The batch stays owned by the consumer until Reset.
func (b *Buffer) PopReady() *Batch {
	out := b.consumed.Load()
	if b.produced.Load() == out {
		return nil
	}
	bt := &b.batches[out&mask]
	for {
		s := bt.state.Load()
		if stLen(s) <= 1 {
			return nil
		}
		if !stSealed(s) && !bt.state.CompareAndSwap(s, s|sealedBit) {
			continue
		}
		if stWriters(s) != 0 {
			return nil
		}
		return bt
	}
}

// Reset returns a popped batch to the empty state and advances the consumed
// cursor. Consumer only.
func (b *Buffer) Reset(bt *Batch) {
	out := b.consumed.Load()
	fault.Assert(bt == &b.batches[out&mask], "batch: reset of a batch that is not the oldest")
	bt.state.Store(mkState(out + Capacity))
	b.consumed.Store(out + 1)
}

// Clear discards every opened batch. It returns false, leaving the remaining
// batches in place, when a producer still holds a reservation; the caller
// retries on its next iteration. Consumer only.
func (b *Buffer) Clear() bool {
	for {
		out := b.consumed.Load()
		if b.produced.Load() == out {
			return true
		}
		bt := &b.batches[out&mask]
		s := bt.state.Load()
		if !stSealed(s) && !bt.state.CompareAndSwap(s, s|sealedBit) {
			continue
		}
		if stWriters(s) != 0 {
			return false
		}
		b.Reset(bt)
	}
}

// Pending returns produced-consumed.
func (b *Buffer) Pending() int { return int(b.produced.Load() - b.consumed.Load()) }
