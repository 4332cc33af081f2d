package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ecoskeleton/sensorflow/agent/internal/pipeline"
)

// Entry is the latest result event for one key together with the time it
// was last received.
type Entry struct {
	Event     pipeline.Event `json:"event"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Key identifies an entry.
func Key(module, field, algorithm string) string {
	return module + "/" + field + "/" + algorithm
}

// Store is a thread-safe latest-value store. It implements pipeline.Listener.
type Store struct {
	mu   sync.RWMutex
	data map[string]*Entry
	ttl  time.Duration
	now  func() time.Time
}

// New creates a Store with the given TTL.
func New(ttl time.Duration) *Store {
	return &Store{
		data: make(map[string]*Entry),
		ttl:  ttl,
		now:  time.Now,
	}
}

// OnResult stores or replaces the entry for the event's key.
func (s *Store) OnResult(ev pipeline.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[Key(ev.Module, ev.Field, ev.Algorithm)] = &Entry{
		Event:     ev,
		UpdatedAt: s.now(),
	}
}

// Get returns the entry for key. The entry may be stale if the TTL has
// elapsed and Evict has not run yet.
func (s *Store) Get(key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns the live entries sorted by key. A non-empty module restricts
// the result to that module.
func (s *Store) List(module string) []Entry {
	s.mu.RLock()
	cutoff := s.now().Add(-s.ttl)
	keys := make([]string, 0, len(s.data))
	for k, e := range s.data {
		if !e.UpdatedAt.After(cutoff) {
			continue
		}
		if module != "" && e.Event.Module != module {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, *s.data[k])
	}
	s.mu.RUnlock()
	return out
}

// Count returns the number of entries held, including stale ones.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Evict removes entries last updated at or before now minus the TTL and
// returns how many were removed.
func (s *Store) Evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.ttl)
	removed := 0
	for k, e := range s.data {
		if !e.UpdatedAt.After(cutoff) {
			delete(s.data, k)
			removed++
		}
	}
	return removed
}

// Run evicts stale entries every half TTL (at least once a second) until
// ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	interval := max(s.ttl/2, time.Second)
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.Evict(now); n > 0 {
				slog.Debug("store: evicted stale results", "count", n)
			}
		}
	}
}
