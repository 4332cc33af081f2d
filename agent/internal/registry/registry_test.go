package registry

import (
	"errors"
	"math"
	"reflect"
	"sync"
	"testing"

	"github.com/ecoskeleton/sensorflow/agent/internal/filter"
)

func maCfg(name string, window int) AlgorithmConfig {
	return AlgorithmConfig{
		Name:       name,
		Kind:       filter.KindMovingAverage,
		Parameters: map[string]any{"windowSize": window},
		Enabled:    true,
	}
}

func mustRegister(t *testing.T, r *Registry, cfg AlgorithmConfig) {
	t.Helper()
	if err := r.Register(cfg); err != nil {
		t.Fatalf("Register(%q): %v", cfg.Name, err)
	}
}

func invokeAll(t *testing.T, r *Registry, name string, values ...float64) []float64 {
	t.Helper()
	out := make([]float64, 0, len(values))
	for _, v := range values {
		res, ok, err := r.Invoke(name, filter.Sample{Value: v})
		if err != nil || !ok {
			t.Fatalf("Invoke(%q, %v) = ok %v, err %v", name, v, ok, err)
		}
		out = append(out, res.Processed)
	}
	return out
}

func TestRegister_RejectsBadConfig(t *testing.T) {
	r := New(0)
	cases := []struct {
		name string
		cfg  AlgorithmConfig
		want error
	}{
		{"unknown kind", AlgorithmConfig{Name: "x", Kind: "fourier"}, filter.ErrUnknownKind},
		{"non-numeric window", AlgorithmConfig{Name: "x", Kind: filter.KindMovingAverage,
			Parameters: map[string]any{"windowSize": "wide"}}, filter.ErrInvalidParams},
		{"missing name", AlgorithmConfig{Kind: filter.KindMovingAverage}, filter.ErrInvalidParams},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := r.Register(tc.cfg); !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
	if r.Status().Total != 0 {
		t.Error("rejected configs must not be stored")
	}
}

func TestInvoke_NotFoundAndSkipped(t *testing.T) {
	r := New(0)
	if _, _, err := r.Invoke("ghost", filter.Sample{Value: 1}); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown name err = %v, want ErrNotFound", err)
	}

	cfg := maCfg("temp", 3)
	cfg.Enabled = false
	mustRegister(t, r, cfg)

	res, ok, err := r.Invoke("temp", filter.Sample{Value: 5})
	if err != nil || ok {
		t.Errorf("disabled invoke = ok %v err %v, want skipped", ok, err)
	}
	if !reflect.DeepEqual(res, filter.Result{}) {
		t.Errorf("skipped result = %+v, want zero", res)
	}
	if got := r.Results("temp", 0); len(got) != 0 {
		t.Errorf("skipped invoke cached %d results", len(got))
	}
}

func TestInvoke_PassesSourceToFusion(t *testing.T) {
	r := New(0)
	mustRegister(t, r, AlgorithmConfig{Name: "fuse", Kind: filter.KindDataFusion, Enabled: true})

	r.Invoke("fuse", filter.Sample{Value: 10, Source: "left"})
	res, ok, err := r.Invoke("fuse", filter.Sample{Value: 20, Source: "right"})
	if err != nil || !ok {
		t.Fatalf("Invoke: ok %v err %v", ok, err)
	}
	if math.Abs(res.Processed-15) > 1e-9 {
		t.Errorf("fused = %v, want 15", res.Processed)
	}
	if n := len(r.Results("fuse", 0)); n != 2 {
		t.Errorf("cached = %d, want 2", n)
	}
}

func TestReRegister_ResetsState(t *testing.T) {
	r := New(0)
	cfg := maCfg("temp", 3)
	input := []float64{4, 8, 15, 16, 23, 42}

	mustRegister(t, r, cfg)
	first := invokeAll(t, r, "temp", input...)

	mustRegister(t, r, cfg)
	if n := len(r.Results("temp", 0)); n != 0 {
		t.Errorf("cache after re-register = %d, want 0", n)
	}
	second := invokeAll(t, r, "temp", input...)

	for i := range first {
		if first[i] != second[i] {
			t.Errorf("#%d: %v before re-register, %v after", i, first[i], second[i])
		}
	}
}

func TestResultCache_BoundedFIFO(t *testing.T) {
	r := New(3)
	mustRegister(t, r, maCfg("temp", 1))
	invokeAll(t, r, "temp", 1, 2, 3, 4, 5)

	got := r.Results("temp", 0)
	if len(got) != 3 {
		t.Fatalf("cache len = %d, want 3", len(got))
	}
	for i, want := range []float64{3, 4, 5} {
		if got[i].Processed != want {
			t.Errorf("cache[%d] = %v, want %v", i, got[i].Processed, want)
		}
	}
	if last := r.Results("temp", 1); len(last) != 1 || last[0].Processed != 5 {
		t.Errorf("Results(1) = %v, want [5]", last)
	}
	if r.Results("ghost", 5) != nil {
		t.Error("Results on unknown name should be nil")
	}
}

func TestUnregister(t *testing.T) {
	r := New(0)
	mustRegister(t, r, maCfg("temp", 3))
	if !r.Unregister("temp") {
		t.Error("Unregister(temp) = false, want true")
	}
	if r.Unregister("temp") {
		t.Error("second Unregister(temp) = true, want false")
	}
	if r.Has("temp") {
		t.Error("Has(temp) after unregister")
	}
}

func TestSetEnabled(t *testing.T) {
	r := New(0)
	mustRegister(t, r, maCfg("temp", 3))

	if err := r.SetEnabled("temp", false); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := r.Invoke("temp", filter.Sample{Value: 1}); ok {
		t.Error("invoke after disable should be skipped")
	}
	if err := r.SetEnabled("ghost", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetEnabled(ghost) err = %v, want ErrNotFound", err)
	}
}

func TestStatus(t *testing.T) {
	r := New(0)
	mustRegister(t, r, maCfg("a", 2))
	off := maCfg("b", 2)
	off.Enabled = false
	off.Priority = 7
	mustRegister(t, r, off)
	invokeAll(t, r, "a", 1, 2)

	st := r.Status()
	if st.Total != 2 || st.Enabled != 1 {
		t.Errorf("Total/Enabled = %d/%d, want 2/1", st.Total, st.Enabled)
	}
	if st.Algorithms["a"].ResultCount != 2 {
		t.Errorf("a.ResultCount = %d, want 2", st.Algorithms["a"].ResultCount)
	}
	b := st.Algorithms["b"]
	if b.Kind != filter.KindMovingAverage || b.Enabled || b.Priority != 7 {
		t.Errorf("b status = %+v", b)
	}
}

func TestConfigs_OrderedByPriorityThenName(t *testing.T) {
	r := New(0)
	for _, c := range []struct {
		name string
		prio int
	}{{"zeta", 1}, {"alpha", 1}, {"mid", 5}, {"low", 0}} {
		cfg := maCfg(c.name, 2)
		cfg.Priority = c.prio
		mustRegister(t, r, cfg)
	}

	var got []string
	for _, c := range r.Configs() {
		got = append(got, c.Name)
	}
	want := []string{"mid", "alpha", "zeta", "low"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Configs order = %v, want %v", got, want)
		}
	}
}

func TestConfig_ReturnsCopy(t *testing.T) {
	r := New(0)
	params := map[string]any{"windowSize": 3}
	mustRegister(t, r, AlgorithmConfig{Name: "temp", Kind: filter.KindMovingAverage, Parameters: params, Enabled: true})
	params["windowSize"] = 99

	cfg, ok := r.Config("temp")
	if !ok {
		t.Fatal("Config(temp) missing")
	}
	if cfg.Parameters["windowSize"] != 3 {
		t.Errorf("windowSize = %v, want 3", cfg.Parameters["windowSize"])
	}
	cfg.Parameters["windowSize"] = 12
	again, _ := r.Config("temp")
	if again.Parameters["windowSize"] != 3 {
		t.Error("Config result aliases registry state")
	}
}

func TestDefaultConfigs_AllRegister(t *testing.T) {
	r := New(0)
	for _, cfg := range DefaultConfigs() {
		mustRegister(t, r, cfg)
	}
	if st := r.Status(); st.Total != 6 || st.Enabled != 6 {
		t.Errorf("defaults Total/Enabled = %d/%d, want 6/6", st.Total, st.Enabled)
	}
}

func TestInvoke_Concurrent(t *testing.T) {
	r := New(0)
	mustRegister(t, r, maCfg("temp", 5))

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				r.Invoke("temp", filter.Sample{Value: float64(i)})
				r.Status()
			}
		}()
	}
	wg.Wait()
	if n := len(r.Results("temp", 0)); n != 400 {
		t.Errorf("cached = %d, want 400", n)
	}
}
