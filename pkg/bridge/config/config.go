// Package config loads bridge configuration from the environment.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// DefaultSystemPrompt seeds the agent when a client connects without a
// context parameter.
const DefaultSystemPrompt = "You are a helpful assistant. Please respond naturally and engage in conversation."

type Config struct {
	Host string
	Port int

	// APIKey authenticates call creation against the agent API.
	APIKey string

	UltravoxBaseURL string
	Model           string
	Voice           string

	// CallTimeout bounds the call-creation POST; DialTimeout bounds
	// the upstream WebSocket handshake.
	CallTimeout time.Duration
	DialTimeout time.Duration

	PingInterval  time.Duration
	WriteTimeout  time.Duration
	StatsInterval time.Duration

	ShutdownGracePeriod time.Duration
}

// LoadFromEnv reads configuration. API_KEY is required; everything
// else has a default.
func LoadFromEnv() (Config, error) {
	cfg := Config{
		Host:                envOr("HOST", "0.0.0.0"),
		APIKey:              os.Getenv("API_KEY"),
		UltravoxBaseURL:     envOr("ULTRAVOX_BASE_URL", "https://api.ultravox.ai"),
		Model:               envOr("BRIDGE_MODEL", "fixie-ai/ultravox"),
		Voice:               envOr("BRIDGE_VOICE", "Riya-Rao-English-Indian"),
		CallTimeout:         envDurationOr("BRIDGE_CALL_TIMEOUT", 10*time.Second),
		DialTimeout:         envDurationOr("BRIDGE_DIAL_TIMEOUT", 15*time.Second),
		PingInterval:        envDurationOr("BRIDGE_PING_INTERVAL", 30*time.Second),
		WriteTimeout:        envDurationOr("BRIDGE_WRITE_TIMEOUT", 5*time.Second),
		StatsInterval:       envDurationOr("BRIDGE_STATS_INTERVAL", 30*time.Second),
		ShutdownGracePeriod: envDurationOr("BRIDGE_SHUTDOWN_GRACE_PERIOD", 10*time.Second),
	}

	if cfg.APIKey == "" {
		return Config{}, fmt.Errorf("API_KEY is required")
	}

	port := envOr("PORT", "8766")
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return Config{}, fmt.Errorf("PORT must be a valid port number, got %q", port)
	}
	cfg.Port = p

	if cfg.CallTimeout <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_CALL_TIMEOUT must be > 0")
	}
	if cfg.DialTimeout <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_DIAL_TIMEOUT must be > 0")
	}
	if cfg.PingInterval <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_PING_INTERVAL must be > 0")
	}
	if cfg.WriteTimeout <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_WRITE_TIMEOUT must be > 0")
	}
	if cfg.StatsInterval <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_STATS_INTERVAL must be > 0")
	}

	return cfg, nil
}

// Addr is the listener address in host:port form.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
