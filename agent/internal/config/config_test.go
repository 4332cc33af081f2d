package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ecoskeleton/sensorflow/agent/internal/filter"
)

func TestLoad_Valid(t *testing.T) {
	yaml := `
agent:
  history_size: 500
  http_addr: ":9000"
  log_level: debug
  auth:
    mode: apikey
    key_env: SENSORFLOW_API_KEY
transport:
  nats:
    url: nats://localhost:4222
  poll:
    interval: 5s
    sources:
      - module: greenhouse
        endpoint: "http://greenhouse.local/metrics"
        auth:
          mode: bearer
          token_env: GH_TOKEN
storage:
  backends: [postgres, redis]
  postgres:
    dsn_env: SENSORFLOW_PG_DSN
    retention: 720h
  redis:
    addr: "localhost:6379"
    max_len: 5000
algorithms:
  - name: temperature_filter
    kind: moving_average
    parameters:
      window_size: 7
    enabled: true
    priority: 2
pipelines:
  - name: temperature_processing
    algorithms: [temperature_filter]
    input_modules: [greenhouse]
    enabled: true
alerts:
  rules:
    - name: low-confidence
      condition: "confidence < 0.3"
      algorithm: temperature_filter
      cooldown: 1m
  webhooks:
    - type: slack
      url_env: SLACK_URL
`
	cfg := loadFromString(t, yaml)

	if cfg.Agent.HistorySize != 500 {
		t.Errorf("history_size: got %d", cfg.Agent.HistorySize)
	}
	if cfg.Agent.HTTPAddr != ":9000" || cfg.Agent.LogLevel != "debug" {
		t.Errorf("http_addr/log_level: got %q/%q", cfg.Agent.HTTPAddr, cfg.Agent.LogLevel)
	}
	if got := cfg.Transport.NATS.Subjects; len(got) != 1 || got[0] != DefaultNATSSubject {
		t.Errorf("nats subjects: got %v, want default", got)
	}
	if cfg.Transport.Poll.Interval != 5*time.Second {
		t.Errorf("poll interval: got %v", cfg.Transport.Poll.Interval)
	}
	if !cfg.Storage.Enabled("postgres") || !cfg.Storage.Enabled("redis") {
		t.Errorf("backends: got %v", cfg.Storage.Backends)
	}
	if cfg.Storage.Postgres.Retention != 720*time.Hour {
		t.Errorf("postgres retention: got %v", cfg.Storage.Postgres.Retention)
	}
	if cfg.Storage.Redis.MaxLen != 5000 {
		t.Errorf("redis max_len: got %d", cfg.Storage.Redis.MaxLen)
	}

	if len(cfg.Algorithms) != 1 {
		t.Fatalf("algorithms: got %d, want 1", len(cfg.Algorithms))
	}
	alg := cfg.Algorithms[0]
	if alg.Kind != filter.KindMovingAverage || alg.Priority != 2 || !alg.Enabled {
		t.Errorf("algorithm: got %+v", alg)
	}
	if alg.Parameters["window_size"] != 7 {
		t.Errorf("window_size: got %v (%T)", alg.Parameters["window_size"], alg.Parameters["window_size"])
	}

	rule := cfg.Alerts.Rules[0]
	if rule.Severity != "warning" || rule.Cooldown != time.Minute || rule.Algorithm != "temperature_filter" {
		t.Errorf("rule: got %+v", rule)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg := loadFromString(t, "agent: {}\n")

	if cfg.Agent.HistorySize != DefaultHistorySize {
		t.Errorf("history_size: got %d, want %d", cfg.Agent.HistorySize, DefaultHistorySize)
	}
	if cfg.Agent.ResultCacheSize != DefaultResultCacheSize {
		t.Errorf("result_cache_size: got %d", cfg.Agent.ResultCacheSize)
	}
	if cfg.Agent.HTTPAddr != DefaultHTTPAddr {
		t.Errorf("http_addr: got %q", cfg.Agent.HTTPAddr)
	}
	if cfg.Transport.Poll.Interval != DefaultPollInterval {
		t.Errorf("poll interval: got %v", cfg.Transport.Poll.Interval)
	}
	if len(cfg.Transport.NATS.Subjects) != 0 {
		t.Errorf("nats subjects without url: got %v", cfg.Transport.NATS.Subjects)
	}
	if cfg.Storage.BufferSize != DefaultStorageBuffer || cfg.Storage.MaxAttempts != DefaultStorageAttempts {
		t.Errorf("storage: got %+v", cfg.Storage)
	}
	if pg := cfg.Storage.Postgres; pg.Retention != 0 || pg.CleanupInterval != DefaultCleanupInterval {
		t.Errorf("postgres retention: got %+v", pg)
	}
}

func TestLoad_EnabledDefaultsToTrue(t *testing.T) {
	cfg := loadFromString(t, `
algorithms:
  - name: smooth
    kind: moving_average
  - name: off
    kind: kalman_filter
    enabled: false
pipelines:
  - name: climate
    algorithms: [smooth]
`)

	if !cfg.Algorithms[0].Enabled {
		t.Error("algorithm without enabled key: got disabled")
	}
	if cfg.Algorithms[1].Enabled {
		t.Error("algorithm with enabled: false: got enabled")
	}
	if !cfg.Pipelines[0].Enabled {
		t.Error("pipeline without enabled key: got disabled")
	}
}

func TestPipelineConfig_FallsBackToDefaults(t *testing.T) {
	cfg := loadFromString(t, "agent: {}\n")
	pc := cfg.PipelineConfig()
	if len(pc.Algorithms) == 0 || len(pc.Pipelines) == 0 {
		t.Errorf("PipelineConfig = %+v, want built-in defaults", pc)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"bad log level", "agent:\n  log_level: loud\n", "log_level"},
		{"apikey without env", "agent:\n  auth:\n    mode: apikey\n", "key_env"},
		{"unknown api auth", "agent:\n  auth:\n    mode: mtls\n", "unknown mode"},
		{"negative history", "agent:\n  history_size: -1\n", "history_size"},
		{"poll source without module", "transport:\n  poll:\n    sources:\n      - endpoint: http://x\n", "module is required"},
		{"poll source bad auth", "transport:\n  poll:\n    sources:\n      - module: m\n        endpoint: http://x\n        auth:\n          mode: kerberos\n", "unknown auth mode"},
		{"unknown backend", "storage:\n  backends: [sqlite]\n", "unknown backend"},
		{"negative retention", "storage:\n  postgres:\n    retention: -1h\n", "retention"},
		{"postgres without dsn", "storage:\n  backends: [postgres]\n", "dsn_env"},
		{"redis without addr", "storage:\n  backends: [redis]\n", "redis.addr"},
		{"unknown kind", "algorithms:\n  - name: x\n    kind: fourier\n", "unknown algorithm kind"},
		{"duplicate algorithm", "algorithms:\n  - name: x\n    kind: moving_average\n  - name: x\n    kind: kalman_filter\n", "duplicate"},
		{"empty pipeline", "pipelines:\n  - name: p\n", "at least one algorithm"},
		{"rule without condition", "alerts:\n  rules:\n    - name: r\n", "condition is required"},
		{"bad severity", "alerts:\n  rules:\n    - name: r\n      condition: confidence < 1\n      severity: meh\n", "severity"},
		{"bad webhook", "alerts:\n  webhooks:\n    - type: pagerduty\n", "unknown type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeTemp(t, tc.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("err = %q, want it to mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestAuthConfig_EnvResolution(t *testing.T) {
	t.Setenv("TEST_KEY", "k-123")
	t.Setenv("TEST_TOKEN", "t-456")
	t.Setenv("TEST_PASS", "p-789")

	a := AuthConfig{KeyEnv: "TEST_KEY", TokenEnv: "TEST_TOKEN", PasswordEnv: "TEST_PASS"}
	if a.Key() != "k-123" || a.Token() != "t-456" || a.Password() != "p-789" {
		t.Errorf("resolved = %q/%q/%q", a.Key(), a.Token(), a.Password())
	}
	if (AuthConfig{}).Key() != "" {
		t.Error("empty KeyEnv should resolve to empty string")
	}
	if (AuthConfig{}).EffectiveHeader() != "X-API-Key" {
		t.Errorf("default header = %q", (AuthConfig{}).EffectiveHeader())
	}
}

func TestSecretsFromEnv(t *testing.T) {
	t.Setenv("TEST_DSN", "postgres://localhost/sensorflow")
	t.Setenv("TEST_REDIS_PASS", "hunter2")
	t.Setenv("TEST_HOOK", "https://hooks.example.com/x")
	t.Setenv("TEST_NATS", "natstok")

	if got := (PostgresConfig{DSNEnv: "TEST_DSN"}).DSN(); got != "postgres://localhost/sensorflow" {
		t.Errorf("DSN = %q", got)
	}
	if got := (RedisConfig{PasswordEnv: "TEST_REDIS_PASS"}).Password(); got != "hunter2" {
		t.Errorf("redis password = %q", got)
	}
	if got := (WebhookConfig{URLEnv: "TEST_HOOK"}).URL(); got != "https://hooks.example.com/x" {
		t.Errorf("webhook URL = %q", got)
	}
	if got := (NATSConfig{TokenEnv: "TEST_NATS"}).Token(); got != "natstok" {
		t.Errorf("nats token = %q", got)
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := writeTemp(t, "agent:\n  history_size: 10\n")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		mu   sync.Mutex
		got  []int
		done = make(chan struct{}, 1)
	)
	go Watch(ctx, path, func(c *Config) error {
		mu.Lock()
		got = append(got, c.Agent.HistorySize)
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
		return nil
	})

	// Give the watcher time to register before writing.
	time.Sleep(200 * time.Millisecond)

	// An invalid file must not reach onChange.
	if err := os.WriteFile(path, []byte("agent:\n  history_size: -5\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	if err := os.WriteFile(path, []byte("agent:\n  history_size: 20\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("onChange was not called")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != 20 {
		t.Errorf("onChange saw %v, want [20]", got)
	}
}

// writeTemp writes content to a config file in a fresh temp dir.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// loadFromString writes yaml to a temp file and calls Load, failing on error.
func loadFromString(t *testing.T, content string) *Config {
	t.Helper()
	cfg, err := Load(writeTemp(t, content))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}
