package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ecoskeleton/sensorflow/agent/internal/filter"
	"github.com/ecoskeleton/sensorflow/agent/internal/pipeline"
	"github.com/ecoskeleton/sensorflow/agent/internal/registry"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultHistorySize     = 1000
	DefaultResultCacheSize = 1000
	DefaultHTTPAddr        = ":8080"
	DefaultLogLevel        = "info"
	DefaultSnapshotTTL     = 5 * time.Minute
	DefaultStreamInterval  = 2 * time.Second
	DefaultPollInterval    = 10 * time.Second
	DefaultNATSSubject     = "exoskeleton.*.sensors"
	DefaultStorageBuffer   = 1024
	DefaultStorageAttempts = 5
	DefaultCleanupInterval = time.Hour
)

// Config is the top-level agent configuration.
// Fields map 1:1 to config.example.yaml.
type Config struct {
	Agent      AgentConfig                `yaml:"agent"`
	Transport  TransportConfig            `yaml:"transport"`
	Storage    StorageConfig              `yaml:"storage"`
	Algorithms []registry.AlgorithmConfig `yaml:"algorithms"`
	Pipelines  []pipeline.Pipeline        `yaml:"pipelines"`
	Alerts     AlertsConfig               `yaml:"alerts"`
}

// AgentConfig holds process-wide settings.
type AgentConfig struct {
	// HistorySize bounds the global and per-module history rings.
	HistorySize int `yaml:"history_size"`

	// ResultCacheSize bounds each algorithm's result cache.
	ResultCacheSize int `yaml:"result_cache_size"`

	// HTTPAddr is the listen address for the REST API, /metrics and /ws/stream.
	HTTPAddr string `yaml:"http_addr"`

	// LogLevel is one of: debug | info | warn | error.
	LogLevel string `yaml:"log_level"`

	// Auth configures REST API authentication.
	Auth AuthConfig `yaml:"auth"`

	// SnapshotTTL is how long a module's latest results stay in the live store
	// after its last reading.
	SnapshotTTL time.Duration `yaml:"snapshot_ttl"`

	// StreamInterval is how often the WebSocket hub pushes the live store.
	StreamInterval time.Duration `yaml:"stream_interval"`
}

// TransportConfig selects where readings come from. Both transports may run
// at once.
type TransportConfig struct {
	NATS NATSConfig `yaml:"nats"`
	Poll PollConfig `yaml:"poll"`
}

// NATSConfig configures the NATS subscriber. An empty URL disables it.
type NATSConfig struct {
	URL      string   `yaml:"url"`
	Subjects []string `yaml:"subjects"`

	// Name is reported to the server as the client connection name.
	Name string `yaml:"name"`

	// TokenEnv is the name of the environment variable holding the auth token.
	TokenEnv string `yaml:"token_env"`
}

// Token returns the NATS token resolved from the environment.
func (n NATSConfig) Token() string {
	if n.TokenEnv == "" {
		return ""
	}
	return os.Getenv(n.TokenEnv)
}

// PollConfig configures the HTTP poller. No sources disables it.
type PollConfig struct {
	Interval time.Duration `yaml:"interval"`
	Sources  []Source      `yaml:"sources"`
}

// Source is one module endpoint exposing Prometheus text metrics.
type Source struct {
	// Module is the module name readings from this endpoint are tagged with.
	Module string `yaml:"module"`

	// Endpoint is the full URL of the module's metrics endpoint.
	Endpoint string `yaml:"endpoint"`

	// Auth configures how the agent authenticates to this source.
	Auth AuthConfig `yaml:"auth"`

	// TLS holds optional TLS dial options.
	TLS TLSConfig `yaml:"tls"`
}

// AuthConfig specifies an authentication mode. It is used both for outgoing
// poll requests and for incoming API requests (apikey | none).
type AuthConfig struct {
	// Mode is one of: apikey | bearer | basic | none.
	Mode string `yaml:"mode"`

	// Header is the HTTP header carrying the API key. Defaults to "X-API-Key".
	Header string `yaml:"header"`
	// KeyEnv is the name of the environment variable that holds the key value.
	KeyEnv string `yaml:"key_env"`

	// TokenEnv is the name of the environment variable that holds the bearer token.
	TokenEnv string `yaml:"token_env"`

	// Username is the literal basic-auth username.
	Username string `yaml:"username"`
	// PasswordEnv is the name of the environment variable that holds the password.
	PasswordEnv string `yaml:"password_env"`
}

// Key returns the API key value resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// Token returns the bearer token value resolved from the environment.
func (a AuthConfig) Token() string {
	if a.TokenEnv == "" {
		return ""
	}
	return os.Getenv(a.TokenEnv)
}

// Password returns the basic-auth password resolved from the environment.
func (a AuthConfig) Password() string {
	if a.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(a.PasswordEnv)
}

// EffectiveHeader returns the configured header name, or "X-API-Key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "X-API-Key"
}

// TLSConfig holds per-source TLS dial options.
type TLSConfig struct {
	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// StorageConfig selects and tunes the result/reading persistence backends.
type StorageConfig struct {
	// Backends lists the sinks to write to: postgres | redis. Empty discards.
	Backends []string `yaml:"backends"`

	// BufferSize bounds the queue in front of the backends.
	BufferSize int `yaml:"buffer_size"`

	// MaxAttempts is how many times one write is tried before it is dropped.
	MaxAttempts int `yaml:"max_attempts"`

	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
}

// Enabled reports whether backend is listed.
func (s StorageConfig) Enabled(backend string) bool {
	for _, b := range s.Backends {
		if b == backend {
			return true
		}
	}
	return false
}

// PostgresConfig configures the PostgreSQL sink.
type PostgresConfig struct {
	// DSNEnv is the name of the environment variable holding the connection string.
	DSNEnv string `yaml:"dsn_env"`

	// Retention is how long readings and results are kept. Zero keeps
	// everything.
	Retention time.Duration `yaml:"retention"`

	// CleanupInterval is how often expired rows are purged.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DSN returns the connection string resolved from the environment.
func (p PostgresConfig) DSN() string {
	if p.DSNEnv == "" {
		return ""
	}
	return os.Getenv(p.DSNEnv)
}

// RedisConfig configures the Redis stream sink.
type RedisConfig struct {
	Addr          string `yaml:"addr"`
	PasswordEnv   string `yaml:"password_env"`
	DB            int    `yaml:"db"`
	ResultStream  string `yaml:"result_stream"`
	ReadingStream string `yaml:"reading_stream"`
	MaxLen        int64  `yaml:"max_len"`
}

// Password returns the Redis password resolved from the environment.
func (r RedisConfig) Password() string {
	if r.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(r.PasswordEnv)
}

// AlertsConfig holds all alerting rules and webhook targets.
type AlertsConfig struct {
	Rules    []AlertRule     `yaml:"rules"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// AlertRule defines a threshold condition on algorithm results.
type AlertRule struct {
	// Name is the human-readable alert identifier.
	Name string `yaml:"name"`

	// Condition is an expression like "confidence < 0.3" or "is_outlier == true".
	Condition string `yaml:"condition"`

	// Severity is one of: critical | warning | info.
	Severity string `yaml:"severity"`

	// Cooldown suppresses re-fires for this duration after an alert fires.
	Cooldown time.Duration `yaml:"cooldown"`

	// Algorithm, Module and Field restrict the rule; empty matches all.
	Algorithm string `yaml:"algorithm"`
	Module    string `yaml:"module"`
	Field     string `yaml:"field"`
}

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	// Type is one of: teams | slack | http.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable holding the webhook URL.
	URLEnv string `yaml:"url_env"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// PipelineConfig returns the algorithms and pipelines in the form the engine
// imports. With no algorithms configured it returns pipeline.DefaultConfig.
func (c *Config) PipelineConfig() pipeline.Config {
	if len(c.Algorithms) == 0 && len(c.Pipelines) == 0 {
		return pipeline.DefaultConfig()
	}
	return pipeline.Config{Algorithms: c.Algorithms, Pipelines: c.Pipelines}
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with sensible defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			HistorySize:     DefaultHistorySize,
			ResultCacheSize: DefaultResultCacheSize,
			HTTPAddr:        DefaultHTTPAddr,
			LogLevel:        DefaultLogLevel,
			SnapshotTTL:     DefaultSnapshotTTL,
			StreamInterval:  DefaultStreamInterval,
		},
		Transport: TransportConfig{
			Poll: PollConfig{Interval: DefaultPollInterval},
		},
		Storage: StorageConfig{
			BufferSize:  DefaultStorageBuffer,
			MaxAttempts: DefaultStorageAttempts,
		},
	}
}

// applyDefaults fills fields whose defaults depend on other values.
func applyDefaults(cfg *Config) {
	if cfg.Transport.NATS.URL != "" && len(cfg.Transport.NATS.Subjects) == 0 {
		cfg.Transport.NATS.Subjects = []string{DefaultNATSSubject}
	}
	if cfg.Storage.Postgres.CleanupInterval <= 0 {
		cfg.Storage.Postgres.CleanupInterval = DefaultCleanupInterval
	}
	for i := range cfg.Alerts.Rules {
		if cfg.Alerts.Rules[i].Severity == "" {
			cfg.Alerts.Rules[i].Severity = "warning"
		}
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	a := cfg.Agent
	if a.HistorySize <= 0 {
		return fmt.Errorf("agent.history_size must be positive")
	}
	if a.ResultCacheSize <= 0 {
		return fmt.Errorf("agent.result_cache_size must be positive")
	}
	if a.SnapshotTTL <= 0 {
		return fmt.Errorf("agent.snapshot_ttl must be positive")
	}
	if a.StreamInterval <= 0 {
		return fmt.Errorf("agent.stream_interval must be positive")
	}
	switch a.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("agent.log_level: unknown level %q", a.LogLevel)
	}
	switch a.Auth.Mode {
	case "apikey":
		if a.Auth.KeyEnv == "" {
			return fmt.Errorf("agent.auth: key_env is required for apikey mode")
		}
	case "none", "":
	default:
		return fmt.Errorf("agent.auth: unknown mode %q", a.Auth.Mode)
	}

	if cfg.Transport.Poll.Interval <= 0 {
		return fmt.Errorf("transport.poll.interval must be positive")
	}
	for i, src := range cfg.Transport.Poll.Sources {
		if src.Module == "" {
			return fmt.Errorf("transport.poll.sources[%d]: module is required", i)
		}
		if src.Endpoint == "" {
			return fmt.Errorf("transport.poll.sources[%d] %q: endpoint is required", i, src.Module)
		}
		switch src.Auth.Mode {
		case "apikey", "bearer", "basic", "none", "":
		default:
			return fmt.Errorf("transport.poll.sources[%d] %q: unknown auth mode %q", i, src.Module, src.Auth.Mode)
		}
	}

	if err := validateStorage(cfg.Storage); err != nil {
		return err
	}

	seen := make(map[string]bool, len(cfg.Algorithms))
	for i, alg := range cfg.Algorithms {
		if alg.Name == "" {
			return fmt.Errorf("algorithms[%d]: name is required", i)
		}
		if seen[alg.Name] {
			return fmt.Errorf("algorithms[%d]: duplicate name %q", i, alg.Name)
		}
		seen[alg.Name] = true
		if _, err := filter.ParseKind(string(alg.Kind)); err != nil {
			return fmt.Errorf("algorithms[%d] %q: %w", i, alg.Name, err)
		}
	}
	for i, p := range cfg.Pipelines {
		if p.Name == "" {
			return fmt.Errorf("pipelines[%d]: name is required", i)
		}
		if len(p.Algorithms) == 0 {
			return fmt.Errorf("pipelines[%d] %q: at least one algorithm is required", i, p.Name)
		}
	}

	for i, r := range cfg.Alerts.Rules {
		if r.Name == "" {
			return fmt.Errorf("alerts.rules[%d]: name is required", i)
		}
		if r.Condition == "" {
			return fmt.Errorf("alerts.rules[%d] %q: condition is required", i, r.Name)
		}
		switch r.Severity {
		case "critical", "warning", "info":
		default:
			return fmt.Errorf("alerts.rules[%d] %q: unknown severity %q", i, r.Name, r.Severity)
		}
	}
	for i, w := range cfg.Alerts.Webhooks {
		switch w.Type {
		case "slack", "teams", "http":
		default:
			return fmt.Errorf("alerts.webhooks[%d]: unknown type %q", i, w.Type)
		}
	}
	return nil
}

func validateStorage(s StorageConfig) error {
	if s.BufferSize <= 0 {
		return fmt.Errorf("storage.buffer_size must be positive")
	}
	if s.MaxAttempts <= 0 {
		return fmt.Errorf("storage.max_attempts must be positive")
	}
	if s.Postgres.Retention < 0 {
		return fmt.Errorf("storage.postgres.retention must not be negative")
	}
	for i, b := range s.Backends {
		switch b {
		case "postgres":
			if s.Postgres.DSNEnv == "" {
				return fmt.Errorf("storage.postgres.dsn_env is required")
			}
		case "redis":
			if s.Redis.Addr == "" {
				return fmt.Errorf("storage.redis.addr is required")
			}
		default:
			return fmt.Errorf("storage.backends[%d]: unknown backend %q", i, b)
		}
	}
	return nil
}
