package alerts

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ecoskeleton/sensorflow/agent/internal/config"
	"github.com/ecoskeleton/sensorflow/agent/internal/filter"
	"github.com/ecoskeleton/sensorflow/agent/internal/pipeline"
)

var baseTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func ev(algo string, res filter.Result) pipeline.Event {
	return pipeline.Event{
		Pipeline:  "p",
		Module:    "greenhouse",
		Field:     "temperature",
		Algorithm: algo,
		Timestamp: baseTime,
		Result:    res,
	}
}

func TestEvalCondition(t *testing.T) {
	res := filter.Result{
		Original:   120,
		Processed:  42,
		Confidence: 0.2,
		Attributes: map[string]any{
			filter.AttrIsOutlier: true,
			filter.AttrTrend:     filter.TrendDecreasing,
			"z_score":            3.5,
			filter.AttrWindowSize: 10,
		},
	}

	tests := []struct {
		cond    string
		fires   bool
		value   float64
		applies bool
	}{
		{"confidence < 0.3", true, 0.2, true},
		{"confidence >= 0.3", false, 0.2, true},
		{"processed > 40", true, 42, true},
		{"original >= 100", true, 120, true},
		{"original != 120", false, 120, true},
		{"is_outlier == true", true, 1, true},
		{"is_outlier != true", false, 1, true},
		{"trend == decreasing", true, 0, true},
		{"trend == increasing", false, 0, true},
		{"z_score > 3", true, 3.5, true},
		{"window_size <= 10", true, 10, true},
		{"slope < 0", false, 0, false},
		{"confidence < abc", false, 0, false},
		{"is_outlier == maybe", false, 0, false},
		{"trend > decreasing", false, 0, false},
		{"confidence <", false, 0, false},
		{"", false, 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.cond, func(t *testing.T) {
			fires, value, applies := evalCondition(tc.cond, res)
			if fires != tc.fires || value != tc.value || applies != tc.applies {
				t.Errorf("evalCondition(%q) = (%v, %v, %v), want (%v, %v, %v)",
					tc.cond, fires, value, applies, tc.fires, tc.value, tc.applies)
			}
		})
	}
}

func newEngine(rules ...config.AlertRule) (*Engine, *time.Time) {
	e := New(config.AlertsConfig{Rules: rules})
	now := baseTime
	e.now = func() time.Time { return now }
	return e, &now
}

func TestOnResult_FireAndResolve(t *testing.T) {
	e, _ := newEngine(config.AlertRule{Name: "low_conf", Condition: "confidence < 0.3", Severity: "critical"})

	e.OnResult(ev("kalman", filter.Result{Confidence: 0.1}))
	active := e.Active()
	if len(active) != 1 {
		t.Fatalf("Active: got %d, want 1", len(active))
	}
	a := active[0]
	if a.State != StateFiring || a.Severity != "critical" || a.Value != 0.1 {
		t.Errorf("alert: got %+v", a)
	}
	if a.Module != "greenhouse" || a.Field != "temperature" || a.Algorithm != "kalman" {
		t.Errorf("alert scope: got %s/%s/%s", a.Module, a.Field, a.Algorithm)
	}
	if len(a.ID) != 36 {
		t.Errorf("ID: got %q, want a UUID", a.ID)
	}

	e.OnResult(ev("kalman", filter.Result{Confidence: 0.9}))
	active = e.Active()
	if len(active) != 1 || active[0].State != StateResolved || active[0].ResolvedAt == nil {
		t.Fatalf("after resolve: got %+v", active)
	}
}

func TestOnResult_Cooldown(t *testing.T) {
	e, now := newEngine(config.AlertRule{Name: "hot", Condition: "processed > 40", Cooldown: time.Minute})

	hot := ev("smooth", filter.Result{Processed: 50})
	cool := ev("smooth", filter.Result{Processed: 20})

	e.OnResult(hot)
	e.OnResult(cool)
	*now = now.Add(30 * time.Second)
	e.OnResult(hot)

	firing := 0
	for _, a := range e.Active() {
		if a.State == StateFiring {
			firing++
		}
	}
	if firing != 0 {
		t.Errorf("fired inside cooldown: %d firing", firing)
	}

	*now = now.Add(time.Minute)
	e.OnResult(hot)
	active := e.Active()
	if len(active) != 2 || active[0].State != StateFiring {
		t.Errorf("after cooldown: got %+v", active)
	}
}

func TestOnResult_NoDuplicateWhileFiring(t *testing.T) {
	e, now := newEngine(config.AlertRule{Name: "hot", Condition: "processed > 40", Cooldown: time.Second})
	e.OnResult(ev("smooth", filter.Result{Processed: 50}))
	*now = now.Add(time.Hour)
	e.OnResult(ev("smooth", filter.Result{Processed: 60}))

	if n := len(e.Active()); n != 1 {
		t.Errorf("Active: got %d, want 1", n)
	}
}

func TestOnResult_Scoping(t *testing.T) {
	e, _ := newEngine(config.AlertRule{
		Name:      "outlier",
		Condition: "is_outlier == true",
		Algorithm: "outlier_detection",
		Module:    "greenhouse",
	})
	flagged := filter.Result{Attributes: map[string]any{filter.AttrIsOutlier: true}}

	e.OnResult(ev("other_algo", flagged))
	other := ev("outlier_detection", flagged)
	other.Module = "bubble"
	e.OnResult(other)
	if n := len(e.Active()); n != 0 {
		t.Fatalf("out-of-scope events fired %d alerts", n)
	}

	e.OnResult(ev("outlier_detection", flagged))
	if n := len(e.Active()); n != 1 {
		t.Fatalf("in-scope event: got %d alerts, want 1", n)
	}
}

func TestOnResult_MissingAttributeNeitherFiresNorResolves(t *testing.T) {
	e, _ := newEngine(config.AlertRule{Name: "down", Condition: "trend == decreasing"})

	e.OnResult(ev("trend", filter.Result{Attributes: map[string]any{filter.AttrTrend: filter.TrendDecreasing}}))
	e.OnResult(ev("trend", filter.Result{}))

	active := e.Active()
	if len(active) != 1 || active[0].State != StateFiring {
		t.Errorf("got %+v, want one firing alert", active)
	}
}

func TestActive_DropsOldResolved(t *testing.T) {
	e, now := newEngine(config.AlertRule{Name: "low", Condition: "confidence < 0.5"})
	e.OnResult(ev("k", filter.Result{Confidence: 0.1}))
	e.OnResult(ev("k", filter.Result{Confidence: 0.9}))

	*now = now.Add(2 * time.Hour)
	if n := len(e.Active()); n != 0 {
		t.Errorf("Active: got %d, want 0", n)
	}
}

func TestSetConfig(t *testing.T) {
	e, _ := newEngine()
	e.OnResult(ev("k", filter.Result{Confidence: 0.1}))
	if n := len(e.Active()); n != 0 {
		t.Fatalf("no rules: got %d alerts", n)
	}

	e.SetConfig(config.AlertsConfig{Rules: []config.AlertRule{{Name: "low", Condition: "confidence < 0.5"}}})
	e.OnResult(ev("k", filter.Result{Confidence: 0.1}))
	if n := len(e.Active()); n != 1 {
		t.Errorf("after SetConfig: got %d alerts, want 1", n)
	}
}

func TestWebhookDelivery(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies = map[string][]map[string]any{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var m map[string]any
		_ = json.Unmarshal(raw, &m)
		mu.Lock()
		bodies[r.URL.Path] = append(bodies[r.URL.Path], m)
		mu.Unlock()
	}))
	defer srv.Close()

	t.Setenv("SLACK_URL", srv.URL+"/slack")
	t.Setenv("TEAMS_URL", srv.URL+"/teams")
	t.Setenv("HOOK_URL", srv.URL+"/http")

	e := New(config.AlertsConfig{
		Rules: []config.AlertRule{{Name: "low", Condition: "confidence < 0.5", Severity: "critical"}},
		Webhooks: []config.WebhookConfig{
			{Type: "slack", URLEnv: "SLACK_URL"},
			{Type: "teams", URLEnv: "TEAMS_URL"},
			{Type: "http", URLEnv: "HOOK_URL"},
			{Type: "pager", URLEnv: "HOOK_URL"},
			{Type: "http", URLEnv: "UNSET_URL_VAR"},
		},
	})
	e.OnResult(ev("k", filter.Result{Confidence: 0.1}))
	e.OnResult(ev("k", filter.Result{Confidence: 0.9}))
	e.Wait()

	mu.Lock()
	defer mu.Unlock()
	if n := len(bodies["/slack"]); n != 2 {
		t.Errorf("slack deliveries: got %d, want 2", n)
	}
	if n := len(bodies["/teams"]); n != 2 {
		t.Errorf("teams deliveries: got %d, want 2", n)
	}
	if n := len(bodies["/http"]); n != 2 {
		t.Fatalf("http deliveries: got %d, want 2", n)
	}
	for _, b := range bodies["/teams"] {
		if b["themeColor"] != "FF4F6A" {
			t.Errorf("teams themeColor: got %v", b["themeColor"])
		}
	}
	states := map[string]bool{}
	for _, b := range bodies["/http"] {
		alert, _ := b["alert"].(map[string]any)
		state, _ := alert["state"].(string)
		states[state] = true
	}
	if !states[StateFiring] || !states[StateResolved] {
		t.Errorf("http states: got %v, want firing and resolved", states)
	}
}

func TestPost_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	e := New(config.AlertsConfig{})
	if err := e.post(srv.URL, []byte("{}")); err == nil {
		t.Fatal("post: expected error for HTTP 502")
	}
}
