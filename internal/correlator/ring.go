package correlator

import "time"

// entry is one buffered tick value with its local arrival time.
type entry[T any] struct {
	value   T
	arrival time.Time
}

// ring is a fixed-capacity FIFO. Pushing into a full ring overwrites the
// oldest entry.
type ring[T any] struct {
	buf  []entry[T]
	head int
	size int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{buf: make([]entry[T], capacity)}
}

func (r *ring[T]) Len() int { return r.size }

// push appends e and reports whether the oldest entry was evicted to make room.
func (r *ring[T]) push(e entry[T]) (evicted bool) {
	if r.size == len(r.buf) {
		r.buf[r.head] = e
		r.head = (r.head + 1) % len(r.buf)
		return true
	}
	r.buf[(r.head+r.size)%len(r.buf)] = e
	r.size++
	return false
}

func (r *ring[T]) peek() (entry[T], bool) {
	if r.size == 0 {
		return entry[T]{}, false
	}
	return r.buf[r.head], true
}

func (r *ring[T]) pop() (entry[T], bool) {
	e, ok := r.peek()
	if !ok {
		return e, false
	}
	r.buf[r.head] = entry[T]{}
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return e, true
}
