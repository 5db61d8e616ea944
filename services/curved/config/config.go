package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"curvevm/core/pricing"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// AuthSecretEnv overrides auth.hmac_secret when set.
const AuthSecretEnv = "CURVED_AUTH_SECRET"

// Config captures runtime configuration for curved.
type Config struct {
	ListenAddress string            `yaml:"listen" toml:"listen"`
	Env           string            `yaml:"env" toml:"env"`
	StatePath     string            `yaml:"state_path" toml:"state_path"`
	AuditDatabase string            `yaml:"audit_database" toml:"audit_database"`
	Idempotency   IdempotencyConfig `yaml:"idempotency" toml:"idempotency"`
	Log           LogConfig         `yaml:"log" toml:"log"`
	Telemetry     TelemetryConfig   `yaml:"telemetry" toml:"telemetry"`
	RateLimit     RateLimitConfig   `yaml:"rate_limit" toml:"rate_limit"`
	Auth          AuthConfig        `yaml:"auth" toml:"auth"`
	Sources       []Source          `yaml:"sources" toml:"sources"`
	Positions     []Position        `yaml:"positions" toml:"positions"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// TelemetryConfig toggles OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	Headers  string `yaml:"headers" toml:"headers"`
	Insecure bool   `yaml:"insecure" toml:"insecure"`
	Traces   bool   `yaml:"traces" toml:"traces"`
	Metrics  bool   `yaml:"metrics" toml:"metrics"`
}

// RateLimitConfig throttles inbound HTTP requests per client address.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"rps" toml:"rps"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// IdempotencyConfig controls replay of execute responses. Replay is disabled
// when Path is empty.
type IdempotencyConfig struct {
	Path string   `yaml:"path" toml:"path"`
	TTL  Duration `yaml:"ttl" toml:"ttl"`
}

// AuthConfig guards state-changing routes with HMAC-signed bearer tokens.
// Authentication is disabled when HMACSecret is empty.
type AuthConfig struct {
	HMACSecret string   `yaml:"hmac_secret" toml:"hmac_secret"`
	Issuer     string   `yaml:"issuer" toml:"issuer"`
	Audience   string   `yaml:"audience" toml:"audience"`
	Scope      string   `yaml:"scope" toml:"scope"`
	ClockSkew  Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// Source describes a price source.
type Source struct {
	Name              string            `yaml:"name" toml:"name"`
	Type              string            `yaml:"type" toml:"type"`
	Endpoint          string            `yaml:"endpoint" toml:"endpoint"`
	APIKey            string            `yaml:"api_key" toml:"api_key"`
	RequestsPerMinute float64           `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int               `yaml:"burst" toml:"burst"`
	Assets            map[string]string `yaml:"assets" toml:"assets"`
	// Prices seeds a manual source, keyed "IN/OUT" with decimal values.
	Prices map[string]string `yaml:"prices" toml:"prices"`
}

// Position binds a position key to its transformation parameters. These must
// not change once the position has been initialised.
type Position struct {
	Key               string   `yaml:"key" toml:"key"`
	TokenIn           string   `yaml:"token_in" toml:"token_in"`
	TokenOut          string   `yaml:"token_out" toml:"token_out"`
	Source            string   `yaml:"source" toml:"source"`
	InitialPrice      string   `yaml:"initial_price" toml:"initial_price"`
	MinUpdateInterval Duration `yaml:"min_update_interval" toml:"min_update_interval"`
}

// Load reads configuration from the supplied path. Files ending in .toml are
// decoded as TOML; everything else is treated as YAML.
func Load(path string) (Config, error) {
	cfg := Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	default:
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	if secret := strings.TrimSpace(os.Getenv(AuthSecretEnv)); secret != "" {
		cfg.Auth.HMACSecret = secret
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7080"
	}
	if cfg.AuditDatabase == "" {
		cfg.AuditDatabase = "/var/data/curved-audit.sqlite"
	}
	if cfg.Idempotency.Path != "" && cfg.Idempotency.TTL.Duration == 0 {
		cfg.Idempotency.TTL.Duration = 24 * time.Hour
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.File != "" && cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 50
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 100
	}
	for i := range cfg.Sources {
		if cfg.Sources[i].Type == "" {
			cfg.Sources[i].Type = "manual"
		}
	}
}

// Lookup returns the position configured under key.
func (c Config) Lookup(key string) (Position, bool) {
	trimmed := strings.TrimSpace(key)
	for _, pos := range c.Positions {
		if pos.Key == trimmed {
			return pos, true
		}
	}
	return Position{}, false
}

func validate(cfg Config) error {
	if len(cfg.Sources) == 0 {
		return fmt.Errorf("at least one price source must be configured")
	}
	if len(cfg.Positions) == 0 {
		return fmt.Errorf("at least one position must be configured")
	}
	if cfg.RateLimit.RequestsPerSecond < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	sources := make(map[string]struct{}, len(cfg.Sources))
	var errs []error
	for _, src := range cfg.Sources {
		name := strings.TrimSpace(src.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("source name required"))
			continue
		}
		if _, dup := sources[name]; dup {
			errs = append(errs, fmt.Errorf("duplicate source %q", name))
		}
		sources[name] = struct{}{}
	}
	positions := make(map[string]struct{}, len(cfg.Positions))
	for _, pos := range cfg.Positions {
		key := strings.TrimSpace(pos.Key)
		if key == "" {
			errs = append(errs, fmt.Errorf("position key required"))
			continue
		}
		if _, dup := positions[key]; dup {
			errs = append(errs, fmt.Errorf("duplicate position %q", key))
		}
		positions[key] = struct{}{}
		if strings.TrimSpace(pos.TokenIn) == "" || strings.TrimSpace(pos.TokenOut) == "" {
			errs = append(errs, fmt.Errorf("position %s: token pair required", key))
		}
		if _, ok := sources[strings.TrimSpace(pos.Source)]; !ok {
			errs = append(errs, fmt.Errorf("position %s: unknown source %q", key, pos.Source))
		}
		price, err := pricing.ParseWad(pos.InitialPrice)
		if err != nil || price.Sign() <= 0 {
			errs = append(errs, fmt.Errorf("position %s: initial_price must be a positive decimal", key))
		}
		if pos.MinUpdateInterval.Duration < 0 {
			errs = append(errs, fmt.Errorf("position %s: min_update_interval must not be negative", key))
		}
	}
	return errors.Join(errs...)
}
