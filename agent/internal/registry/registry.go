// Package registry owns the named algorithm instances and their recent
// results.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ecoskeleton/sensorflow/agent/internal/filter"
	"github.com/ecoskeleton/sensorflow/pkg/ring"
)

// DefaultCacheSize bounds each algorithm's result cache when New is given a
// non-positive size.
const DefaultCacheSize = 1000

// ErrNotFound is returned for operations on a name that is not registered.
var ErrNotFound = errors.New("algorithm not found")

// AlgorithmConfig describes one named algorithm instance.
type AlgorithmConfig struct {
	Name       string         `json:"name"       yaml:"name"`
	Kind       filter.Kind    `json:"kind"       yaml:"kind"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Enabled    bool           `json:"enabled"    yaml:"enabled"`
	Priority   int            `json:"priority"   yaml:"priority"`
}

// AlgorithmStatus is the per-algorithm part of Status.
type AlgorithmStatus struct {
	Kind        filter.Kind `json:"kind"`
	Enabled     bool        `json:"enabled"`
	Priority    int         `json:"priority"`
	ResultCount int         `json:"result_count"`
}

// Status is a read-only snapshot of the registry.
type Status struct {
	Total      int                        `json:"total"`
	Enabled    int                        `json:"enabled"`
	Algorithms map[string]AlgorithmStatus `json:"algorithms"`
}

// entry pairs a live processor with its config and cache. mu serialises
// invocations of proc.
type entry struct {
	mu      sync.Mutex
	cfg     AlgorithmConfig
	proc    filter.Processor
	results *ring.Ring[filter.Result]
}

// Registry maps algorithm names to live processors. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	cacheSize int
	entries   map[string]*entry
}

// New creates an empty Registry keeping cacheSize results per algorithm.
func New(cacheSize int) *Registry {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	return &Registry{cacheSize: cacheSize, entries: make(map[string]*entry)}
}

// Register builds a fresh processor for cfg and stores it under cfg.Name,
// replacing any previous instance together with its state and results.
func (r *Registry) Register(cfg AlgorithmConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("registry: register: %w: name is required", filter.ErrInvalidParams)
	}
	proc, err := filter.New(cfg.Kind, cfg.Parameters)
	if err != nil {
		return fmt.Errorf("registry: register %q: %w", cfg.Name, err)
	}
	cfg.Parameters = cloneParams(cfg.Parameters)

	e := &entry{cfg: cfg, proc: proc, results: ring.New[filter.Result](r.cacheSize)}

	r.mu.Lock()
	r.entries[cfg.Name] = e
	r.mu.Unlock()
	return nil
}

// Unregister removes name. It reports whether anything was removed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return false
	}
	delete(r.entries, name)
	return true
}

// Clear removes every algorithm.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.entries = make(map[string]*entry)
	r.mu.Unlock()
}

// SetEnabled toggles name without touching its state.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	e, ok := r.lookup(name)
	if !ok {
		return fmt.Errorf("registry: set enabled %q: %w", name, ErrNotFound)
	}
	e.mu.Lock()
	e.cfg.Enabled = enabled
	e.mu.Unlock()
	return nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.lookup(name)
	return ok
}

// Invoke runs s through the processor registered as name.
//
// It returns ErrNotFound for an unknown name. A disabled algorithm is skipped:
// the result is the zero value and ok is false. Processor errors are returned
// unchanged and nothing is cached.
func (r *Registry) Invoke(name string, s filter.Sample) (res filter.Result, ok bool, err error) {
	e, found := r.lookup(name)
	if !found {
		return filter.Result{}, false, fmt.Errorf("registry: invoke %q: %w", name, ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.cfg.Enabled {
		return filter.Result{}, false, nil
	}
	res, err = e.proc.Process(s)
	if err != nil {
		return filter.Result{}, false, fmt.Errorf("registry: invoke %q: %w", name, err)
	}
	e.results.Push(res)
	return res, true, nil
}

// Results returns up to count of the newest cached results for name, oldest
// first. count <= 0 returns the whole cache.
func (r *Registry) Results(name string, count int) []filter.Result {
	e, ok := r.lookup(name)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if count <= 0 {
		return e.results.Values()
	}
	return e.results.Last(count)
}

// Config returns a copy of the config registered as name.
func (r *Registry) Config(name string) (AlgorithmConfig, bool) {
	e, ok := r.lookup(name)
	if !ok {
		return AlgorithmConfig{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg := e.cfg
	cfg.Parameters = cloneParams(cfg.Parameters)
	return cfg, true
}

// Configs returns every config ordered by descending priority, then name.
func (r *Registry) Configs() []AlgorithmConfig {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	r.mu.RUnlock()

	out := make([]AlgorithmConfig, 0, len(names))
	for _, n := range names {
		if cfg, ok := r.Config(n); ok {
			out = append(out, cfg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Status reports counts without side effects.
func (r *Registry) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Status{Algorithms: make(map[string]AlgorithmStatus, len(r.entries))}
	for name, e := range r.entries {
		e.mu.Lock()
		as := AlgorithmStatus{
			Kind:        e.cfg.Kind,
			Enabled:     e.cfg.Enabled,
			Priority:    e.cfg.Priority,
			ResultCount: e.results.Len(),
		}
		e.mu.Unlock()

		st.Total++
		if as.Enabled {
			st.Enabled++
		}
		st.Algorithms[name] = as
	}
	return st
}

func (r *Registry) lookup(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

func cloneParams(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
