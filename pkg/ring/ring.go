// Package ring provides a fixed-capacity FIFO buffer. When the buffer is full
// the oldest element is overwritten by each Push.
//
// Ring is not safe for concurrent use; owners guard it with their own mutex.
package ring

// Ring stores up to Cap() values in insertion order.
type Ring[T any] struct {
	data []T
	head int // next write position
	size int // current number of elements
}

// New creates a Ring holding at most capacity values. A capacity below 1 is
// treated as 1.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{data: make([]T, capacity)}
}

// Push appends v. If the ring was full, the evicted (oldest) value is returned
// with ok == true.
func (r *Ring[T]) Push(v T) (evicted T, ok bool) {
	if r.size == len(r.data) {
		evicted, ok = r.data[r.head], true
	} else {
		r.size++
	}
	r.data[r.head] = v
	r.head = (r.head + 1) % len(r.data)
	return evicted, ok
}

// Len returns the number of values currently held.
func (r *Ring[T]) Len() int { return r.size }

// Cap returns the maximum number of values the ring can hold.
func (r *Ring[T]) Cap() int { return len(r.data) }

// Full reports whether the next Push will evict a value.
func (r *Ring[T]) Full() bool { return r.size == len(r.data) }

// At returns the i-th value counting from the oldest (0) to the newest (Len()-1).
// It panics if i is out of range, like a slice index.
func (r *Ring[T]) At(i int) T {
	if i < 0 || i >= r.size {
		panic("ring: index out of range")
	}
	start := (r.head - r.size + len(r.data)) % len(r.data)
	return r.data[(start+i)%len(r.data)]
}

// Latest returns the most recently pushed value and true, or the zero value
// and false if the ring is empty.
func (r *Ring[T]) Latest() (T, bool) {
	if r.size == 0 {
		var zero T
		return zero, false
	}
	return r.data[(r.head-1+len(r.data))%len(r.data)], true
}

// Values returns a copy of all values, oldest first.
func (r *Ring[T]) Values() []T {
	return r.Last(r.size)
}

// Last returns a copy of the newest n values, oldest first. It returns fewer
// than n values when the ring holds fewer.
func (r *Ring[T]) Last(n int) []T {
	if n > r.size {
		n = r.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]T, n)
	for i := 0; i < n; i++ {
		out[i] = r.At(r.size - n + i)
	}
	return out
}

// Reset discards every value while keeping the capacity.
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.data {
		r.data[i] = zero
	}
	r.head, r.size = 0, 0
}
