// Package history keeps a bounded, time-ordered record of raw sensor readings,
// both globally and per source module.
package history

import (
	"sync"
	"time"

	"github.com/ecoskeleton/sensorflow/pkg/ring"
)

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 1000

// Entry is one reading as received from a module. It must not be modified
// after Record returns it.
type Entry struct {
	Module    string             `json:"module"`
	Timestamp time.Time          `json:"timestamp"`
	Fields    map[string]float64 `json:"fields"`
}

// Status summarises buffer occupancy.
type Status struct {
	Total    int            `json:"total"`
	Capacity int            `json:"capacity"`
	Modules  map[string]int `json:"modules"`
}

// Buffer holds the most recent readings in a global ring and one ring per
// module. Each ring evicts its oldest entry independently once full.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	all      *ring.Ring[*Entry]
	modules  map[string]*ring.Ring[*Entry]
	now      func() time.Time
}

// New creates a Buffer keeping at most capacity entries per ring.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		capacity: capacity,
		all:      ring.New[*Entry](capacity),
		modules:  make(map[string]*ring.Ring[*Entry]),
		now:      time.Now,
	}
}

// Record appends a reading from module. fields is copied; a zero ts is
// replaced by the current time.
func (b *Buffer) Record(module string, fields map[string]float64, ts time.Time) *Entry {
	if ts.IsZero() {
		ts = b.now()
	}
	cp := make(map[string]float64, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	e := &Entry{Module: module, Timestamp: ts, Fields: cp}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.all.Push(e)
	r, ok := b.modules[module]
	if !ok {
		r = ring.New[*Entry](b.capacity)
		b.modules[module] = r
	}
	r.Push(e)
	return e
}

// Latest returns the newest entry for module, or across all modules when
// module is empty.
func (b *Buffer) Latest(module string) (*Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.ringFor(module)
	if r == nil {
		return nil, false
	}
	return r.Latest()
}

// Recent returns up to count of the newest entries, oldest first.
func (b *Buffer) Recent(module string, count int) []*Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.ringFor(module)
	if r == nil {
		return nil
	}
	return r.Last(count)
}

// InRange returns every entry with start <= Timestamp <= end, in insertion
// order.
func (b *Buffer) InRange(start, end time.Time, module string) []*Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.ringFor(module)
	if r == nil {
		return nil
	}
	var out []*Entry
	for _, e := range r.Values() {
		if e.Timestamp.Before(start) || e.Timestamp.After(end) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Modules returns the names of every module seen so far.
func (b *Buffer) Modules() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, len(b.modules))
	for m := range b.modules {
		out = append(out, m)
	}
	return out
}

// Status reports the current fill level of every ring.
func (b *Buffer) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{
		Total:    b.all.Len(),
		Capacity: b.capacity,
		Modules:  make(map[string]int, len(b.modules)),
	}
	for m, r := range b.modules {
		st.Modules[m] = r.Len()
	}
	return st
}

// ringFor must be called with b.mu held.
func (b *Buffer) ringFor(module string) *ring.Ring[*Entry] {
	if module == "" {
		return b.all
	}
	return b.modules[module]
}
