// Package config loads server configuration from a local .env file and the
// process environment, following the same caarlos0/env + joho/godotenv
// pairing used across the ws-server reference family this project draws its
// ambient stack from.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds every startup constant named in spec.md §6 plus the
// additions this rewrite's ambient/domain stack needs (database path,
// metrics listener).
type Config struct {
	// Addr is the chat TCP listen address ("host:port").
	Addr string `env:"CHAT_ADDR" envDefault:":54321"`

	// MaxConnections is reported in the startup log. It is not applied to the
	// listener: the listen backlog is the operating system's default.
	MaxConnections int `env:"CHAT_MAX_CONNECTIONS" envDefault:"100"`

	// ReadBufferSize is the per-connection scanner buffer, in bytes.
	ReadBufferSize int `env:"CHAT_READ_BUFFER_SIZE" envDefault:"8192"`

	// WorkerPoolSize bounds concurrently active connection handlers.
	WorkerPoolSize int `env:"CHAT_WORKER_POOL_SIZE" envDefault:"20"`

	// PingInterval is how often the liveness supervisor scans for stale clients.
	PingInterval time.Duration `env:"CHAT_PING_INTERVAL" envDefault:"30s"`

	// PingTimeout is the heartbeat age after which a client is evicted.
	PingTimeout time.Duration `env:"CHAT_PING_TIMEOUT" envDefault:"1800s"`

	// AuthReadDeadline bounds how long an unauthenticated connection may sit idle.
	AuthReadDeadline time.Duration `env:"CHAT_AUTH_READ_DEADLINE" envDefault:"60s"`

	// DBPath is the SQLite database file location.
	DBPath string `env:"CHAT_DB_PATH" envDefault:"./chat.db"`

	// MetricsAddr is the listen address for the ambient Prometheus /metrics
	// endpoint. Empty disables it.
	MetricsAddr string `env:"CHAT_METRICS_ADDR" envDefault:":9090"`

	// LogLevel and LogFormat configure the zerolog logger (see internal/logging).
	LogLevel  string `env:"CHAT_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"CHAT_LOG_FORMAT" envDefault:"json"`
}

// Load reads a .env file (if present; missing is not an error) and then
// parses environment variables into a Config, applying envDefault tags for
// anything unset.
func Load() (*Config, error) {
	// Best-effort: a missing .env file is normal outside local dev.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	return cfg, nil
}
