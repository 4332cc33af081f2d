// Package config loads and watches the agent configuration file (config.yaml).
//
// Top-level types:
//   - Config{Agent, Transport, Storage, Algorithms, Pipelines, Alerts}
//   - AgentConfig: history_size, result_cache_size, http_addr, log_level,
//     auth, snapshot_ttl, stream_interval
//   - TransportConfig: nats (url, subjects, token_env) and poll (interval,
//     sources with module, endpoint, auth, tls)
//   - StorageConfig: backends (postgres | redis), buffer_size, max_attempts
//   - AlertsConfig: result rules and webhook targets
//
// Secrets never live in the file: every *_env field names an environment
// variable resolved at use time.
//
// Load(path) reads the YAML file, applies defaults, then validates required
// fields and enums. Watch(ctx, path, onChange) uses fsnotify to detect file
// changes and calls onChange with the newly parsed Config. It handles the
// rename→create pattern used by atomic-save editors by re-adding the watch.
package config
