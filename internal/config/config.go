package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Duration is a time.Duration that unmarshals from "250ms"/"5s" strings in
// JSON files and environment variables.
type Duration time.Duration

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalText implements encoding.TextUnmarshaler for env overlays.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// UnmarshalJSON accepts either a duration string or nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return d.UnmarshalText([]byte(s))
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("parse duration %s: want string or integer", b)
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON renders the string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Config is the top-level configuration loaded from file/env.
type Config struct {
	// Redis names the backend for the distributed transport.
	Redis RedisConfig `json:"redis"`
	// Prefix namespaces every backend key. Default "toil".
	Prefix string `json:"prefix" env:"TOIL_PREFIX"`
	// Queues lists the queue names a worker consumes.
	Queues []string `json:"queues" env:"TOIL_QUEUES"`
	// WorkerID overrides the generated worker identity.
	WorkerID string       `json:"workerId" env:"TOIL_WORKER_ID"`
	Worker   WorkerConfig `json:"worker"`
	LogLevel string       `json:"logLevel" env:"TOIL_LOG_LEVEL"`
}

// RedisConfig locates the durable backend.
type RedisConfig struct {
	Addr     string `json:"addr" env:"TOIL_REDIS_ADDR"`
	Password string `json:"password" env:"TOIL_REDIS_PASSWORD"`
	DB       int    `json:"db" env:"TOIL_REDIS_DB"`
}

// WorkerConfig carries per-worker runtime tunables.
type WorkerConfig struct {
	Concurrency  int      `json:"concurrency" env:"TOIL_WORKER_CONCURRENCY"`
	MaxRetries   int      `json:"maxRetries" env:"TOIL_WORKER_MAX_RETRIES"`
	RetryDelay   Duration `json:"retryDelay" env:"TOIL_WORKER_RETRY_DELAY"`
	PauseOnError bool     `json:"pauseOnError" env:"TOIL_WORKER_PAUSE_ON_ERROR"`
	PollInterval Duration `json:"pollInterval" env:"TOIL_WORKER_POLL_INTERVAL"`
	LockTTL      Duration `json:"lockTtl" env:"TOIL_WORKER_LOCK_TTL"`
	StatusTTL    Duration `json:"statusTtl" env:"TOIL_STATUS_TTL"`
	Retention    Duration `json:"retention" env:"TOIL_RETENTION"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Redis:    RedisConfig{Addr: "127.0.0.1:6379"},
		Prefix:   "toil",
		Queues:   []string{"default"},
		LogLevel: "info",
		Worker: WorkerConfig{
			Concurrency:  1,
			MaxRetries:   0,
			RetryDelay:   Duration(5 * time.Second),
			PollInterval: Duration(250 * time.Millisecond),
			LockTTL:      Duration(60 * time.Second),
			StatusTTL:    Duration(24 * time.Hour),
			Retention:    Duration(24 * time.Hour),
		},
	}
}

// Load reads configuration from a JSON file. If path is empty, returns
// defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
