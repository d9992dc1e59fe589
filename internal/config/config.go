// Package config loads relaytimeline settings from the environment.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	Prefix = "RELAYTIMELINE_"

	// KEKEnvVar holds the base64 wrapping key. It is read by the envelope
	// service on first use, not at load time.
	KEKEnvVar = Prefix + "EVENT_KEK_BASE64"
)

type Config struct {
	Addr string `env:"ADDR" envDefault:":8080"`

	BackendProfile string `env:"BACKEND_PROFILE"`
	BackendDSN     string `env:"BACKEND_DSN"`
	DataDir        string `env:"DATA_DIR" envDefault:".relaytimeline"`
	PostgresDSN    string `env:"POSTGRES_DSN"`

	KEKFile string `env:"EVENT_KEK_FILE"`
	// RetiredKEKs are base64 wrapping keys replaced by rotation. They only
	// open data sealed before the rotation.
	RetiredKEKs []string `env:"EVENT_KEK_RETIRED_BASE64" envSeparator:","`

	JWTSecret    string        `env:"JWT_SECRET"`
	ReplyLockTTL time.Duration `env:"REPLY_LOCK_TTL" envDefault:"45s"`
	MaxBodyBytes int64         `env:"MAX_BODY_BYTES" envDefault:"1048576"`
	StreamBuffer int           `env:"STREAM_BUFFER" envDefault:"32"`

	RateLimitMax     int           `env:"RATE_LIMIT_MAX" envDefault:"0"`
	RateLimitWindow  time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
	StreamPingPeriod time.Duration `env:"STREAM_PING_PERIOD" envDefault:"30s"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"LOG_FORMAT" envDefault:"json"`
	OTelEndpoint string `env:"OTEL_ENDPOINT"`
}

// Load parses RELAYTIMELINE_* variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.ReplyLockTTL <= 0 {
		return Config{}, fmt.Errorf("%sREPLY_LOCK_TTL must be positive, got %s", Prefix, cfg.ReplyLockTTL)
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" && !cfg.InMemory() {
		return Config{}, fmt.Errorf("%sJWT_SECRET is required unless the backend is in memory", Prefix)
	}
	return cfg, nil
}

// InMemory reports whether the resolved backend keeps nothing across
// restarts. Unresolvable settings count as durable.
func (c Config) InMemory() bool {
	dsn, err := c.ResolveBackendDSN()
	if err != nil {
		return false
	}
	scheme, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(dsn)), "://")
	switch scheme {
	case "", "memory", "mem", "inmem":
		return true
	default:
		return false
	}
}

// ParseEnv loads target from prefixed environment variables.
func ParseEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: Prefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ResolveBackendDSN picks the storage DSN. An explicit BACKEND_DSN wins over
// BACKEND_PROFILE; with neither set the timeline lives in memory.
func (c Config) ResolveBackendDSN() (string, error) {
	if dsn := strings.TrimSpace(c.BackendDSN); dsn != "" {
		return dsn, nil
	}
	dataDir := strings.TrimSpace(c.DataDir)
	if dataDir == "" {
		dataDir = ".relaytimeline"
	}
	profile := strings.ToLower(strings.TrimSpace(c.BackendProfile))
	switch profile {
	case "", "memory", "inmemory":
		return "memory://", nil
	case "durable-local", "local-durable", "local":
		return "sqlite://" + filepath.Join(dataDir, "timeline.db"), nil
	case "snapshot":
		return "file://" + filepath.Join(dataDir, "timeline.json"), nil
	case "production", "prod":
		dsn := strings.TrimSpace(c.PostgresDSN)
		if dsn == "" {
			return "", fmt.Errorf("%sPOSTGRES_DSN is required when %sBACKEND_PROFILE=%s", Prefix, Prefix, profile)
		}
		return dsn, nil
	default:
		return "", fmt.Errorf("unsupported %sBACKEND_PROFILE: %s", Prefix, profile)
	}
}
