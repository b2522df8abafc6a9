// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the full runtime configuration. Every field has a sensible
// default; only the server endpoints normally need setting.
type Config struct {
	ServerURL string `envconfig:"SERVER_URL" default:"http://localhost:8080"`
	SocketURL string `envconfig:"SOCKET_URL" default:"ws://localhost:8080/ws"`
	CachePath string `envconfig:"CACHE_PATH" default:"cereals.db"`

	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9100"`

	HeartbeatInterval    time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	BackoffBase          time.Duration `envconfig:"BACKOFF_BASE" default:"1s"`
	MaxReconnectAttempts int           `envconfig:"MAX_RECONNECT_ATTEMPTS" default:"5"`
	SendTimeout          time.Duration `envconfig:"SEND_TIMEOUT" default:"10s"`
	PageSize             int           `envconfig:"PAGE_SIZE" default:"50"`
}

// Load reads configuration from CHAT_-prefixed environment variables.
func Load() (Config, error) {
	var c Config
	if err := envconfig.Process("CHAT", &c); err != nil {
		return Config{}, fmt.Errorf("config: failed to process environment: %w", err)
	}
	if c.PageSize <= 0 {
		return Config{}, fmt.Errorf("config: page size must be positive, got %d", c.PageSize)
	}
	if c.MaxReconnectAttempts < 0 {
		return Config{}, fmt.Errorf("config: reconnect attempts must not be negative, got %d", c.MaxReconnectAttempts)
	}
	return c, nil
}
