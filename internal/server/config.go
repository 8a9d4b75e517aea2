// Package server provides configuration helpers that define runtime
// defaults, validation, and environment parsing for the trollbox relay.
package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
)

const defaultHistoryLimit = 100

// RateLimitConfig defines the parameters for per-session action rate limiting.
type RateLimitConfig struct {
	Burst          int           `env:"RATE_LIMIT_BURST" envDefault:"5"`
	RefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL" envDefault:"1s"`
}

// Config holds the relay configuration, including the credential secret and
// the liveness timer intervals.
type Config struct {
	Port                string        `env:"SERVER_PORT" envDefault:":50888"`
	Secret              string        `env:"TROLLBOX_SECRET,required"`
	HistoryLimit        int           `env:"TROLLBOX_PAST_MESSAGES_MAX_SIZE" envDefault:"100"`
	AllowedOrigins      []string      `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	MaxMessageSize      int64         `env:"MAX_MESSAGE_SIZE" envDefault:"4096"`
	PingInterval        time.Duration `env:"TROLLBOX_PING_INTERVAL" envDefault:"10s"`
	ExpireInterval      time.Duration `env:"TROLLBOX_EXPIRE_INTERVAL" envDefault:"60s"`
	CloseOnExpire       bool          `env:"TROLLBOX_CLOSE_ON_EXPIRE" envDefault:"false"`
	EnableTokenEndpoint bool          `env:"TROLLBOX_ENABLE_TOKEN_ENDPOINT" envDefault:"false"`
	TLSCertFile         string        `env:"TLS_CERT_FILE"`
	TLSKeyFile          string        `env:"TLS_KEY_FILE"`
	RateLimit           RateLimitConfig
}

var (
	configMu        sync.RWMutex
	activeConfig    Config
	allowedOrigins  map[string]struct{}
	allowAllOrigins bool
)

func init() {
	SetConfig(nil)
}

func defaultConfig() Config {
	return Config{
		Port:           ":50888",
		AllowedOrigins: []string{"*"},
		HistoryLimit:   defaultHistoryLimit,
		MaxMessageSize: 4096,
		PingInterval:   10 * time.Second,
		ExpireInterval: 60 * time.Second,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
	}
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = ":50888"
	}

	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}

	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 10 * time.Second
	}

	if cfg.ExpireInterval <= 0 {
		cfg.ExpireInterval = 60 * time.Second
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 5
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}

	normalizedOrigins, allowAll := normalizeOrigins(cfg.AllowedOrigins)
	cfg.AllowedOrigins = normalizedOrigins

	configMu.Lock()
	defer configMu.Unlock()

	activeConfig = cfg
	allowAllOrigins = allowAll
	allowedOrigins = make(map[string]struct{}, len(normalizedOrigins))
	for _, origin := range normalizedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	return cfg
}

// SetConfig applies the provided configuration. Passing nil resets to defaults.
func SetConfig(cfg *Config) {
	if cfg == nil {
		defaultCfg := defaultConfig()
		sanitizeConfig(defaultCfg)
		return
	}

	sanitized := *cfg
	sanitized.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	sanitizeConfig(sanitized)
}

func currentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()

	cfg := activeConfig
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all
// settings except the secret, which has no default.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv builds a Config from the process environment. A missing
// TROLLBOX_SECRET or a half-configured TLS pair is a fatal configuration
// error reported to the caller.
func NewConfigFromEnv() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return nil, errors.New("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}

	return &cfg, nil
}
