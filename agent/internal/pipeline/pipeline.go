package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ecoskeleton/sensorflow/agent/internal/filter"
	"github.com/ecoskeleton/sensorflow/agent/internal/history"
	"github.com/ecoskeleton/sensorflow/agent/internal/registry"
	"github.com/ecoskeleton/sensorflow/agent/internal/storage"
)

var (
	// ErrUnknownAlgorithm is returned by CreatePipeline when a referenced
	// algorithm is not registered.
	ErrUnknownAlgorithm = errors.New("unknown algorithm")

	// ErrNotFound is returned for operations on a pipeline that does not exist.
	ErrNotFound = errors.New("pipeline not found")
)

// Reading is one set of field values from a module.
type Reading = storage.Reading

// Pipeline is an ordered chain of algorithm names applied to every numeric
// field of readings from InputModules (all modules when empty).
type Pipeline struct {
	Name         string   `json:"name"                    yaml:"name"`
	Algorithms   []string `json:"algorithms"              yaml:"algorithms"`
	InputModules []string `json:"input_modules,omitempty" yaml:"input_modules,omitempty"`
	Enabled      bool     `json:"enabled"                 yaml:"enabled"`
}

// accepts reports whether p takes readings from module.
func (p Pipeline) accepts(module string) bool {
	if len(p.InputModules) == 0 {
		return true
	}
	for _, m := range p.InputModules {
		if m == module {
			return true
		}
	}
	return false
}

func (p Pipeline) clone() Pipeline {
	p.Algorithms = append([]string(nil), p.Algorithms...)
	if p.InputModules != nil {
		p.InputModules = append([]string(nil), p.InputModules...)
	}
	return p
}

// Results maps field → algorithm → result for one execution.
type Results map[string]map[string]filter.Result

// Event describes one successful algorithm invocation.
type Event struct {
	Pipeline  string        `json:"pipeline"`
	Module    string        `json:"module"`
	Field     string        `json:"field"`
	Algorithm string        `json:"algorithm"`
	Timestamp time.Time     `json:"timestamp"`
	Result    filter.Result `json:"result"`
}

// Listener is notified of every successful result. OnResult runs on the
// caller's goroutine and must not block.
type Listener interface {
	OnResult(ev Event)
}

// Observer receives engine-level counters.
type Observer interface {
	ReadingReceived(module string)
	AlgorithmSkipped(algorithm string)
	AlgorithmFailed(algorithm string)
	StorageFailed()
}

// Option configures an Engine.
type Option func(*Engine)

// WithListener adds l to the listeners notified of every result.
func WithListener(l Listener) Option {
	return func(e *Engine) { e.listeners = append(e.listeners, l) }
}

// WithObserver sets the observer for engine counters.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithClock overrides the time source used for readings without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine owns the pipeline definitions and dispatches readings.
type Engine struct {
	reg  *registry.Registry
	hist *history.Buffer
	sink storage.Sink

	mu        sync.RWMutex
	pipelines map[string]Pipeline

	listeners []Listener
	observer  Observer
	now       func() time.Time
}

// New creates an Engine. A nil sink discards everything.
func New(reg *registry.Registry, hist *history.Buffer, sink storage.Sink, opts ...Option) *Engine {
	if sink == nil {
		sink = storage.Discard{}
	}
	e := &Engine{
		reg:       reg,
		hist:      hist,
		sink:      sink,
		pipelines: make(map[string]Pipeline),
		observer:  nopObserver{},
		now:       time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Registry returns the algorithm registry the engine dispatches to.
func (e *Engine) Registry() *registry.Registry { return e.reg }

// History returns the engine's history buffer.
func (e *Engine) History() *history.Buffer { return e.hist }

// CreatePipeline validates p against the registry and stores it, replacing any
// pipeline of the same name. Algorithms removed later do not invalidate it.
func (e *Engine) CreatePipeline(p Pipeline) error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("pipeline: create: name is required")
	}
	var missing []string
	for _, a := range p.Algorithms {
		if !e.reg.Has(a) {
			missing = append(missing, a)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("pipeline: create %q: %w: %s", p.Name, ErrUnknownAlgorithm, strings.Join(missing, ", "))
	}

	e.mu.Lock()
	e.pipelines[p.Name] = p.clone()
	e.mu.Unlock()

	slog.Info("pipeline: created", "pipeline", p.Name, "algorithms", p.Algorithms, "modules", p.InputModules)
	return nil
}

// RemovePipeline deletes name and reports whether it existed.
func (e *Engine) RemovePipeline(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pipelines[name]; !ok {
		return false
	}
	delete(e.pipelines, name)
	return true
}

// SetEnabled toggles pipeline name.
func (e *Engine) SetEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pipelines[name]
	if !ok {
		return fmt.Errorf("pipeline: set enabled %q: %w", name, ErrNotFound)
	}
	p.Enabled = enabled
	e.pipelines[name] = p
	return nil
}

// Pipeline returns a copy of the named pipeline.
func (e *Engine) Pipeline(name string) (Pipeline, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.pipelines[name]
	if !ok {
		return Pipeline{}, false
	}
	return p.clone(), true
}

// Pipelines returns every pipeline ordered by name.
func (e *Engine) Pipelines() []Pipeline {
	e.mu.RLock()
	out := make([]Pipeline, 0, len(e.pipelines))
	for _, p := range e.pipelines {
		out = append(out, p.clone())
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs one reading from module through pipeline name.
//
// It returns nil when the pipeline is unknown, disabled, or does not accept
// module. Algorithms that have since been unregistered, are disabled, or fail
// are left out of the results.
func (e *Engine) Execute(ctx context.Context, name, module string, r Reading) Results {
	p, ok := e.Pipeline(name)
	if !ok || !p.Enabled || !p.accepts(module) {
		return nil
	}

	ts := r.Timestamp
	if ts.IsZero() {
		ts = e.now()
	}

	fields := make([]string, 0, len(r.Fields))
	for f := range r.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	out := make(Results, len(fields))
	for _, field := range fields {
		value := r.Fields[field]
		for _, algo := range p.Algorithms {
			res, ok := e.invoke(algo, filter.Sample{Value: value, Timestamp: ts, Source: module})
			if !ok {
				continue
			}
			if out[field] == nil {
				out[field] = make(map[string]filter.Result, len(p.Algorithms))
			}
			out[field][algo] = res

			e.store(ctx, storage.Record{
				Timestamp:  ts,
				Algorithm:  algo,
				Module:     module,
				Field:      field,
				Original:   res.Original,
				Processed:  res.Processed,
				Confidence: res.Confidence,
				Attributes: res.Attributes,
			})
			e.notify(Event{
				Pipeline:  p.Name,
				Module:    module,
				Field:     field,
				Algorithm: algo,
				Timestamp: ts,
				Result:    res,
			})
		}
	}
	return out
}

// HandleReading is the transport entry point. It records r in the history
// buffer, forwards it to storage and runs every matching pipeline. The
// returned map is keyed by pipeline name and omits pipelines that produced
// nothing.
func (e *Engine) HandleReading(ctx context.Context, r Reading) map[string]Results {
	if r.Timestamp.IsZero() {
		r.Timestamp = e.now()
	}
	e.observer.ReadingReceived(r.Module)

	entry := e.hist.Record(r.Module, r.Fields, r.Timestamp)
	r.Fields = entry.Fields

	if err := e.sink.StoreReading(ctx, r); err != nil {
		e.observer.StorageFailed()
		slog.Warn("pipeline: store reading failed", "module", r.Module, "err", err)
	}

	out := make(map[string]Results)
	for _, p := range e.Pipelines() {
		if !p.Enabled || !p.accepts(r.Module) {
			continue
		}
		if res := e.Execute(ctx, p.Name, r.Module, r); len(res) > 0 {
			out[p.Name] = res
		}
	}
	return out
}

func (e *Engine) invoke(algo string, s filter.Sample) (filter.Result, bool) {
	res, ok, err := e.reg.Invoke(algo, s)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		slog.Debug("pipeline: algorithm no longer registered, skipping", "algorithm", algo)
		e.observer.AlgorithmSkipped(algo)
		return filter.Result{}, false
	case err != nil:
		slog.Warn("pipeline: algorithm failed", "algorithm", algo, "module", s.Source, "err", err)
		e.observer.AlgorithmFailed(algo)
		return filter.Result{}, false
	case !ok:
		e.observer.AlgorithmSkipped(algo)
		return filter.Result{}, false
	}
	return res, true
}

func (e *Engine) store(ctx context.Context, rec storage.Record) {
	if err := e.sink.StoreResult(ctx, rec); err != nil {
		e.observer.StorageFailed()
		slog.Warn("pipeline: store result failed",
			"algorithm", rec.Algorithm, "module", rec.Module, "field", rec.Field, "err", err)
	}
}

func (e *Engine) notify(ev Event) {
	for _, l := range e.listeners {
		l.OnResult(ev)
	}
}

type nopObserver struct{}

func (nopObserver) ReadingReceived(string)  {}
func (nopObserver) AlgorithmSkipped(string) {}
func (nopObserver) AlgorithmFailed(string)  {}
func (nopObserver) StorageFailed()          {}
