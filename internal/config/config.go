package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultListenAddr is applied by Load when listen_addr is omitted; the
// gateway's FINCORE_LISTEN_ADDR override still wins.
const DefaultListenAddr = ":8080"

type Config struct {
	ListenAddr  string            `yaml:"listen_addr"`
	DB          DBConfig          `yaml:"db"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Backup      BackupConfig      `yaml:"backup"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Log         LogConfig         `yaml:"log"`
}

type DBConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type IdempotencyConfig struct {
	TTL string `yaml:"ttl"`
}

type BackupConfig struct {
	Dir string `yaml:"dir"`
}

// RateLimitConfig is a per-organization token bucket. RPS zero disables
// limiting entirely.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func Load(path string) (Config, error) {
	// #nosec G304 -- path is operator-provided config path.
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	expanded := os.ExpandEnv(string(raw))
	expanded = strings.ReplaceAll(expanded, "\r\n", "\n")

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, err
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	switch c.DB.Driver {
	case "", "memory":
	case "sqlite", "postgres", "bolt":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required when db.driver is %q", c.DB.Driver)
		}
	default:
		return fmt.Errorf("db.driver %q is not one of memory, sqlite, postgres, bolt", c.DB.Driver)
	}

	if c.Idempotency.TTL != "" {
		d, err := time.ParseDuration(c.Idempotency.TTL)
		if err != nil {
			return fmt.Errorf("idempotency.ttl: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("idempotency.ttl must be positive")
		}
	}

	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}

	if c.Log.Level != "" {
		if _, err := parseLogLevel(c.Log.Level); err != nil {
			return err
		}
	}

	return nil
}

// IdempotencyTTL returns the configured TTL, or zero when unset so the
// coordinator applies its default. Validate has already checked the syntax.
func (c Config) IdempotencyTTL() time.Duration {
	if c.Idempotency.TTL == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Idempotency.TTL)
	if err != nil {
		return 0
	}
	return d
}

// LogLevel maps the configured level to slog, defaulting to info.
func (c Config) LogLevel() slog.Level {
	level, err := parseLogLevel(c.Log.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log.level %q is not one of debug, info, warn, error", s)
	}
}
