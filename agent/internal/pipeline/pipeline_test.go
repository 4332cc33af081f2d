package pipeline

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ecoskeleton/sensorflow/agent/internal/filter"
	"github.com/ecoskeleton/sensorflow/agent/internal/history"
	"github.com/ecoskeleton/sensorflow/agent/internal/registry"
	"github.com/ecoskeleton/sensorflow/agent/internal/storage"
)

var baseTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// recordingSink stores everything, optionally failing every result write.
type recordingSink struct {
	mu        sync.Mutex
	results   []storage.Record
	readings  []storage.Reading
	failWrite bool
}

func (s *recordingSink) StoreResult(_ context.Context, rec storage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite {
		return storage.ErrStorageFailure
	}
	s.results = append(s.results, rec)
	return nil
}

func (s *recordingSink) StoreReading(_ context.Context, r storage.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite {
		return storage.ErrStorageFailure
	}
	s.readings = append(s.readings, r)
	return nil
}

type eventLog struct{ events []Event }

func (l *eventLog) OnResult(ev Event) { l.events = append(l.events, ev) }

type countingObserver struct {
	readings, skipped, failed, storage int
}

func (o *countingObserver) ReadingReceived(string)  { o.readings++ }
func (o *countingObserver) AlgorithmSkipped(string) { o.skipped++ }
func (o *countingObserver) AlgorithmFailed(string)  { o.failed++ }
func (o *countingObserver) StorageFailed()          { o.storage++ }

func newTestEngine(t *testing.T, sink storage.Sink, opts ...Option) *Engine {
	t.Helper()
	reg := registry.New(0)
	for _, cfg := range []registry.AlgorithmConfig{
		{Name: "smooth", Kind: filter.KindMovingAverage, Parameters: map[string]any{"windowSize": 2}, Enabled: true},
		{Name: "kalman", Kind: filter.KindKalman, Enabled: true},
		{Name: "trend", Kind: filter.KindTrendAnalyzer, Enabled: true},
	} {
		if err := reg.Register(cfg); err != nil {
			t.Fatalf("Register(%s): %v", cfg.Name, err)
		}
	}
	opts = append([]Option{WithClock(func() time.Time { return baseTime })}, opts...)
	return New(reg, history.New(100), sink, opts...)
}

func reading(module string, fields map[string]float64) Reading {
	return Reading{Module: module, Timestamp: baseTime, Fields: fields}
}

func TestCreatePipeline_UnknownAlgorithm(t *testing.T) {
	e := newTestEngine(t, nil)
	err := e.CreatePipeline(Pipeline{Name: "p", Algorithms: []string{"smooth", "fourier"}, Enabled: true})
	if !errors.Is(err, ErrUnknownAlgorithm) {
		t.Fatalf("err = %v, want ErrUnknownAlgorithm", err)
	}
	if _, ok := e.Pipeline("p"); ok {
		t.Error("rejected pipeline was stored")
	}
	if err := e.CreatePipeline(Pipeline{Algorithms: []string{"smooth"}}); err == nil {
		t.Error("empty name should be rejected")
	}
}

func TestExecute_FieldsTimesAlgorithms(t *testing.T) {
	sink := &recordingSink{}
	events := &eventLog{}
	e := newTestEngine(t, sink, WithListener(events))
	mustCreate(t, e, Pipeline{Name: "env", Algorithms: []string{"smooth", "kalman"}, Enabled: true})

	res := e.Execute(context.Background(), "env", "greenhouse",
		reading("greenhouse", map[string]float64{"temperature": 20, "humidity": 40}))

	if len(res) != 2 {
		t.Fatalf("fields = %d, want 2", len(res))
	}
	for _, field := range []string{"temperature", "humidity"} {
		if len(res[field]) != 2 {
			t.Errorf("%s: %d results, want 2", field, len(res[field]))
		}
	}
	if len(sink.results) != 4 || len(events.events) != 4 {
		t.Fatalf("stored %d / notified %d, want 4 / 4", len(sink.results), len(events.events))
	}

	// Fields in name order, algorithms in declared order.
	want := []struct{ field, algo string }{
		{"humidity", "smooth"}, {"humidity", "kalman"},
		{"temperature", "smooth"}, {"temperature", "kalman"},
	}
	for i, w := range want {
		got := sink.results[i]
		if got.Field != w.field || got.Algorithm != w.algo || got.Module != "greenhouse" {
			t.Errorf("store[%d] = %s/%s/%s, want greenhouse/%s/%s",
				i, got.Module, got.Field, got.Algorithm, w.field, w.algo)
		}
		if !got.Timestamp.Equal(baseTime) {
			t.Errorf("store[%d].Timestamp = %v", i, got.Timestamp)
		}
	}
	if ev := events.events[0]; ev.Pipeline != "env" || ev.Result.Original != 40 {
		t.Errorf("event[0] = %+v", ev)
	}
}

func TestExecute_RemovedAlgorithmSkipped(t *testing.T) {
	obs := &countingObserver{}
	e := newTestEngine(t, nil, WithObserver(obs))
	mustCreate(t, e, Pipeline{Name: "env", Algorithms: []string{"smooth", "kalman", "trend"}, Enabled: true})
	e.Registry().Unregister("kalman")

	res := e.Execute(context.Background(), "env", "greenhouse", reading("greenhouse", map[string]float64{"t": 1}))

	got := res["t"]
	if len(got) != 2 {
		t.Fatalf("results = %v, want smooth and trend only", got)
	}
	if _, ok := got["kalman"]; ok {
		t.Error("removed algorithm produced a result")
	}
	if obs.skipped != 1 {
		t.Errorf("skipped = %d, want 1", obs.skipped)
	}
}

func TestExecute_DisabledAlgorithmSkipped(t *testing.T) {
	e := newTestEngine(t, nil)
	mustCreate(t, e, Pipeline{Name: "env", Algorithms: []string{"smooth", "kalman"}, Enabled: true})
	if err := e.Registry().SetEnabled("smooth", false); err != nil {
		t.Fatal(err)
	}

	res := e.Execute(context.Background(), "env", "m", reading("m", map[string]float64{"t": 1}))
	if _, ok := res["t"]["smooth"]; ok || len(res["t"]) != 1 {
		t.Errorf("results = %v, want kalman only", res["t"])
	}
}

func TestExecute_StorageFailureDoesNotAbort(t *testing.T) {
	sink := &recordingSink{failWrite: true}
	obs := &countingObserver{}
	events := &eventLog{}
	e := newTestEngine(t, sink, WithObserver(obs), WithListener(events))
	mustCreate(t, e, Pipeline{Name: "env", Algorithms: []string{"smooth", "kalman"}, Enabled: true})

	res := e.Execute(context.Background(), "env", "m", reading("m", map[string]float64{"a": 1, "b": 2}))

	if len(res["a"]) != 2 || len(res["b"]) != 2 {
		t.Errorf("results = %v, want every algorithm for every field", res)
	}
	if obs.storage != 4 {
		t.Errorf("storage failures = %d, want 4", obs.storage)
	}
	if len(events.events) != 4 {
		t.Errorf("listener saw %d events, want 4", len(events.events))
	}
}

func TestExecute_NoOpCases(t *testing.T) {
	e := newTestEngine(t, nil)
	mustCreate(t, e, Pipeline{Name: "gh", Algorithms: []string{"smooth"}, InputModules: []string{"greenhouse"}, Enabled: true})
	mustCreate(t, e, Pipeline{Name: "off", Algorithms: []string{"smooth"}, Enabled: false})
	r := reading("bubble", map[string]float64{"p": 1})

	cases := []struct {
		name, pipeline, module string
	}{
		{"unknown pipeline", "ghost", "bubble"},
		{"disabled pipeline", "off", "bubble"},
		{"module not accepted", "gh", "bubble"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if res := e.Execute(context.Background(), tc.pipeline, tc.module, r); len(res) != 0 {
				t.Errorf("Execute = %v, want empty", res)
			}
		})
	}
}

func TestHandleReading_RoutesByModule(t *testing.T) {
	sink := &recordingSink{}
	obs := &countingObserver{}
	e := newTestEngine(t, sink, WithObserver(obs))
	mustCreate(t, e, Pipeline{Name: "gh", Algorithms: []string{"smooth"}, InputModules: []string{"greenhouse"}, Enabled: true})
	mustCreate(t, e, Pipeline{Name: "all", Algorithms: []string{"kalman"}, Enabled: true})
	mustCreate(t, e, Pipeline{Name: "inj", Algorithms: []string{"trend"}, InputModules: []string{"injection"}, Enabled: true})

	out := e.HandleReading(context.Background(), Reading{Module: "greenhouse", Fields: map[string]float64{"t": 21}})

	if len(out) != 2 || out["gh"] == nil || out["all"] == nil {
		t.Errorf("pipelines run = %v, want gh and all", keys(out))
	}
	if len(sink.readings) != 1 || !sink.readings[0].Timestamp.Equal(baseTime) {
		t.Errorf("stored readings = %+v, want one stamped with the clock", sink.readings)
	}
	if latest, ok := e.History().Latest("greenhouse"); !ok || latest.Fields["t"] != 21 {
		t.Errorf("history latest = %+v, %v", latest, ok)
	}
	if obs.readings != 1 {
		t.Errorf("readings observed = %d, want 1", obs.readings)
	}
}

func TestHandleReading_StatefulAcrossReadings(t *testing.T) {
	e := newTestEngine(t, nil)
	mustCreate(t, e, Pipeline{Name: "env", Algorithms: []string{"smooth"}, Enabled: true})

	var last Results
	for _, v := range []float64{1, 2, 3, 4} {
		last = e.HandleReading(context.Background(), reading("m", map[string]float64{"t": v}))["env"]
	}
	// window 2 over 3, 4
	if got := last["t"]["smooth"].Processed; got != 3.5 {
		t.Errorf("processed = %v, want 3.5", got)
	}
}

func TestRemoveAndSetEnabled(t *testing.T) {
	e := newTestEngine(t, nil)
	mustCreate(t, e, Pipeline{Name: "env", Algorithms: []string{"smooth"}, Enabled: true})

	if err := e.SetEnabled("env", false); err != nil {
		t.Fatal(err)
	}
	if p, _ := e.Pipeline("env"); p.Enabled {
		t.Error("pipeline still enabled")
	}
	if err := e.SetEnabled("ghost", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetEnabled(ghost) err = %v, want ErrNotFound", err)
	}
	if !e.RemovePipeline("env") || e.RemovePipeline("env") {
		t.Error("RemovePipeline should succeed once")
	}
}

func TestPipeline_ReturnsCopy(t *testing.T) {
	e := newTestEngine(t, nil)
	mustCreate(t, e, Pipeline{Name: "env", Algorithms: []string{"smooth", "kalman"}, Enabled: true})

	p, _ := e.Pipeline("env")
	p.Algorithms[0] = "trend"

	again, _ := e.Pipeline("env")
	if again.Algorithms[0] != "smooth" {
		t.Error("Pipeline result aliases engine state")
	}
}

func TestStatus(t *testing.T) {
	e := newTestEngine(t, nil)
	mustCreate(t, e, Pipeline{Name: "a", Algorithms: []string{"smooth"}, Enabled: true})
	mustCreate(t, e, Pipeline{Name: "b", Algorithms: []string{"smooth"}})
	e.Registry().SetEnabled("trend", false)
	e.Execute(context.Background(), "a", "m", reading("m", map[string]float64{"t": 1}))

	st := e.Status()
	if st.TotalAlgorithms != 3 || st.EnabledAlgorithms != 2 {
		t.Errorf("algorithms %d/%d, want 3/2", st.TotalAlgorithms, st.EnabledAlgorithms)
	}
	if st.TotalPipelines != 2 || st.EnabledPipelines != 1 {
		t.Errorf("pipelines %d/%d, want 2/1", st.TotalPipelines, st.EnabledPipelines)
	}
	if st.PerAlgorithm["smooth"].ResultCount != 1 {
		t.Errorf("smooth results = %d, want 1", st.PerAlgorithm["smooth"].ResultCount)
	}
}

func TestExportImport_RoundTrip(t *testing.T) {
	src := newTestEngine(t, nil)
	mustCreate(t, src, Pipeline{Name: "env", Algorithms: []string{"smooth", "trend"}, InputModules: []string{"greenhouse"}, Enabled: true})
	mustCreate(t, src, Pipeline{Name: "all", Algorithms: []string{"kalman"}})
	exported := src.ExportConfig()

	dst := New(registry.New(0), history.New(10), nil)
	if err := dst.ImportConfig(exported); err != nil {
		t.Fatalf("ImportConfig: %v", err)
	}
	if got := dst.ExportConfig(); !reflect.DeepEqual(got, exported) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, exported)
	}
}

func TestImportConfig_ReplacesAndJoinsErrors(t *testing.T) {
	e := newTestEngine(t, nil)
	mustCreate(t, e, Pipeline{Name: "old", Algorithms: []string{"smooth"}, Enabled: true})

	err := e.ImportConfig(Config{
		Algorithms: []registry.AlgorithmConfig{
			{Name: "ok", Kind: filter.KindMovingAverage, Enabled: true},
			{Name: "bad", Kind: "fourier"},
		},
		Pipelines: []Pipeline{
			{Name: "good", Algorithms: []string{"ok"}, Enabled: true},
			{Name: "broken", Algorithms: []string{"bad"}},
		},
	})
	if !errors.Is(err, filter.ErrUnknownKind) || !errors.Is(err, ErrUnknownAlgorithm) {
		t.Fatalf("err = %v, want both ErrUnknownKind and ErrUnknownAlgorithm", err)
	}
	if _, ok := e.Pipeline("old"); ok {
		t.Error("import should clear existing pipelines")
	}
	if e.Registry().Has("smooth") {
		t.Error("import should clear existing algorithms")
	}
	if _, ok := e.Pipeline("good"); !ok || !e.Registry().Has("ok") {
		t.Error("valid items should stay applied")
	}
}

func mustCreate(t *testing.T, e *Engine, p Pipeline) {
	t.Helper()
	if err := e.CreatePipeline(p); err != nil {
		t.Fatalf("CreatePipeline(%s): %v", p.Name, err)
	}
}

func keys(m map[string]Results) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestDefaultConfig_Imports(t *testing.T) {
	e := New(registry.New(0), history.New(10), nil)
	if err := e.ImportConfig(DefaultConfig()); err != nil {
		t.Fatalf("ImportConfig(DefaultConfig()): %v", err)
	}
	st := e.Status()
	if st.TotalAlgorithms != 6 || st.EnabledPipelines != 4 {
		t.Errorf("status = %+v, want 6 algorithms and 4 enabled pipelines", st)
	}

	out := e.HandleReading(context.Background(), reading("bubble", map[string]float64{"pressure": 101.3}))
	if len(out) != 2 || out["pressure_processing"] == nil || out["comprehensive_processing"] == nil {
		t.Errorf("bubble routed to %v, want pressure and comprehensive", keys(out))
	}
}
