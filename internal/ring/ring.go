// Package ring implements a lock-free single-producer/single-consumer queue
// of audio samples bridging the decode thread and the realtime audio
// callback.
//
// Exactly one goroutine may call Enqueue; exactly one (possibly different)
// goroutine may call Dequeue. Neither call allocates or blocks. Callers are
// responsible for checking Size against capacity (Enqueue) or zero
// (Dequeue) before calling — there is no internal bounds check, so an
// unbalanced caller silently corrupts the stream.
package ring

import "sync/atomic"

// Ring is a bounded SPSC queue of float32 audio samples. The zero value is
// not usable; use New.
type Ring struct {
	buf  []float32
	mask uint64 // len(buf)-1; len(buf) is a power of two

	// writeHead is mutated only by the producer; readHead only by the
	// consumer. Both are read by both sides to compute Size, hence atomic.
	writeHead atomic.Uint64
	readHead  atomic.Uint64

	// capacity is the logical limit R exposed to callers; the backing array
	// is nextPow2(R) slots, used in rotation, but callers keep at most R of
	// them occupied at once — the excess exists purely so index math can
	// use a mask instead of a modulo.
	capacity uint64
}

// New returns a Ring with logical capacity R. R must be positive; the
// backing allocation is rounded up to the next power of two internally and
// that rounding is never observable through Ring's API.
func New(r int) *Ring {
	if r < 1 {
		r = 1
	}
	alloc := nextPow2(r)
	return &Ring{
		buf:      make([]float32, alloc),
		mask:     uint64(alloc - 1),
		capacity: uint64(r),
	}
}

// Capacity returns R, the logical capacity in samples.
func (r *Ring) Capacity() int {
	return int(r.capacity)
}

// Size returns a snapshot of the number of occupied slots. Because the
// producer and consumer advance their heads independently, a concurrently
// observed value may already be stale by the time the caller acts on it;
// callers must tolerate that (the contract only promises no corruption when
// they act conservatively).
func (r *Ring) Size() int {
	w := r.writeHead.Load()
	rd := r.readHead.Load()
	return int(w - rd)
}

// Enqueue stores x at the current write head and advances it. The caller
// must have already verified Size() < Capacity(); Enqueue does not check.
func (r *Ring) Enqueue(x float32) {
	w := r.writeHead.Load()
	r.buf[w&r.mask] = x
	r.writeHead.Store(w + 1)
}

// Dequeue removes and returns the sample at the current read head and
// advances it. The caller must have already verified Size() > 0; Dequeue
// does not check.
func (r *Ring) Dequeue() float32 {
	rd := r.readHead.Load()
	x := r.buf[rd&r.mask]
	r.readHead.Store(rd + 1)
	return x
}

// nextPow2 returns the smallest power of two >= n.
func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
