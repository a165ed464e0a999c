// Package ring provides a bounded single-producer, single-consumer ring of
// typed records with bulk enqueue and bulk dequeue.
package ring

import "sync/atomic"

// Ring is an SPSC queue. Exactly one goroutine may call the producer methods
// (EnqueueMany) and exactly one the consumer methods (DequeueMany, Drain).
type Ring[T any] struct {
	buf  []T
	mask uint32
	rd   atomic.Uint32 // consumer index (monotonic)
	wr   atomic.Uint32 // producer index (monotonic)
}

// New allocates a ring of the given power-of-two size (>= 2).
func New[T any](size int) *Ring[T] {
	if size < 2 || (size&(size-1)) != 0 {
		panic("ring: size must be power of two >= 2")
	}
	return &Ring[T]{buf: make([]T, size), mask: uint32(size - 1)}
}

// Cap returns the ring size.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Len returns the number of queued records.
func (r *Ring[T]) Len() int { return int(r.wr.Load() - r.rd.Load()) }

// Free returns the number of empty slots.
func (r *Ring[T]) Free() int { return len(r.buf) - r.Len() }

// EnqueueMany reserves up to count slots with a single capacity check and
// lets build construct each one in place. The slots become visible to the
// consumer together. It returns false without calling build when no slot is
// free.
func (r *Ring[T]) EnqueueMany(build func(*T), count int) bool {
	if count <= 0 {
		return false
	}
	wr := r.wr.Load()
	free := len(r.buf) - int(wr-r.rd.Load())
	if free <= 0 {
		return false
	}
	if count > free {
		count = free
	}
	for i := 0; i < count; i++ {
		build(&r.buf[(wr+uint32(i))&r.mask])
	}
	r.wr.Store(wr + uint32(count)) // release
	return true
}

// DequeueMany pops up to max records in FIFO order, passing each to fn. It
// reports whether fn was called at all. A max of zero is a no-op.
func (r *Ring[T]) DequeueMany(fn func(T), max int) bool {
	rd := r.rd.Load()
	avail := int(r.wr.Load() - rd) // acquire
	if max < avail {
		avail = max
	}
	if avail <= 0 {
		return false
	}
	var zero T
	for i := 0; i < avail; i++ {
		slot := &r.buf[rd&r.mask]
		v := *slot
		*slot = zero
		rd++
		r.rd.Store(rd)
		fn(v)
	}
	return true
}

// Drain discards every queued record and returns how many were dropped.
// Consumer side only.
func (r *Ring[T]) Drain() int {
	n := 0
	r.DequeueMany(func(T) { n++ }, len(r.buf))
	return n
}
