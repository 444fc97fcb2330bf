package buffer

import (
	"log/slog"
)

// RingBuffer is the outbound arena of a socket: Reserve hands out contiguous
// slices at the tail, Advance releases flushed bytes at the head.
type RingBuffer struct {
	buf  []byte
	mask uint64
	head uint64
	tail uint64
}

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

func NewRingBuffer(size int) *RingBuffer {
	capacity := nextPow2(size)
	return &RingBuffer{
		buf:  make([]byte, capacity),
		mask: uint64(capacity) - 1,
	}
}

func (r *RingBuffer) Length() int {
	return int(r.tail - r.head)
}

func (r *RingBuffer) Capacity() int {
	return len(r.buf)
}

func (r *RingBuffer) Free() int {
	return r.Capacity() - r.Length()
}

// Reserve returns n writable bytes. It fails when the free space is short or
// when the region would wrap around the end of the backing array.
func (r *RingBuffer) Reserve(n int) ([]byte, bool) {
	if n < 0 || n > r.Free() {
		return nil, false
	}
	i := int(r.tail & r.mask)
	if i+n > len(r.buf) {
		return nil, false
	}
	r.tail += uint64(n)
	return r.buf[i : i+n : i+n], true
}

func (r *RingBuffer) Advance(n int) {
	if n == 0 {
		return
	}
	if n < 0 {
		slog.Warn("Invalid advance value", "n", n)
		return
	}
	if n > r.Length() {
		slog.Warn("Invalid advance value exceeds buffer Length", "n", n, "Length", r.Length())
		n = r.Length()
	}
	r.head += uint64(n)
	if r.head == r.tail {
		r.Reset()
	}
}

// Reset drops everything and rewinds to the start of the backing array.
func (r *RingBuffer) Reset() {
	r.head = 0
	r.tail = 0
}
