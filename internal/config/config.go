// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-relay configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Upstream UpstreamConfig `yaml:"upstream" toml:"upstream"`
	Tokens   TokensConfig   `yaml:"tokens" toml:"tokens"`
	Polling  PollingConfig  `yaml:"polling" toml:"polling"`
	Dedupe   DedupeConfig   `yaml:"dedupe" toml:"dedupe"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // optional health endpoint
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path      string `yaml:"path" toml:"path"`
	SecretKey string `yaml:"secret_key" toml:"secret_key"` // seals agent secrets at rest
}

// AuthConfig holds authentication configuration for child reply pushes
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// UpstreamConfig describes the Direct Line endpoint
type UpstreamConfig struct {
	BaseURL        string        `yaml:"base_url" toml:"base_url"`
	ParentID       string        `yaml:"parent_id" toml:"parent_id"`
	RequestTimeout time.Duration `yaml:"-" toml:"-"`
	RateLimit      float64       `yaml:"rate_limit" toml:"rate_limit"` // requests per second, 0 disables
	RateBurst      int           `yaml:"rate_burst" toml:"rate_burst"`

	RequestTimeoutRaw string `yaml:"request_timeout" toml:"request_timeout"`
}

// TokensConfig holds credential lease timing
type TokensConfig struct {
	Lease        time.Duration `yaml:"-" toml:"-"`
	SafetyMargin time.Duration `yaml:"-" toml:"-"`

	LeaseRaw        string `yaml:"lease" toml:"lease"`
	SafetyMarginRaw string `yaml:"safety_margin" toml:"safety_margin"`
}

// PollingConfig holds response poller timing
type PollingConfig struct {
	InitialInterval time.Duration `yaml:"-" toml:"-"`
	MaxInterval     time.Duration `yaml:"-" toml:"-"`
	DefaultWait     time.Duration `yaml:"-" toml:"-"`
	MaxWait         time.Duration `yaml:"-" toml:"-"`

	InitialIntervalRaw string `yaml:"initial_interval" toml:"initial_interval"`
	MaxIntervalRaw     string `yaml:"max_interval" toml:"max_interval"`
	DefaultWaitRaw     string `yaml:"default_wait" toml:"default_wait"`
	MaxWaitRaw         string `yaml:"max_wait" toml:"max_wait"`
}

// DedupeConfig bounds the reply dedupe cache
type DedupeConfig struct {
	TTL        time.Duration `yaml:"-" toml:"-"`
	MaxEntries int           `yaml:"max_entries" toml:"max_entries"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// DefaultDatabasePath returns $XDG_DATA_HOME/coven/relay.db, falling back to
// ~/.local/share when XDG_DATA_HOME is unset.
func DefaultDatabasePath() string {
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "coven", "relay.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "relay.db"
	}
	return filepath.Join(home, ".local", "share", "coven", "relay.db")
}

func applyDefaults(cfg *Config) {
	setDefault(&cfg.Server.HTTPAddr, "127.0.0.1:8090")
	setDefault(&cfg.Database.Path, DefaultDatabasePath())
	setDefault(&cfg.Upstream.BaseURL, "https://directline.botframework.com/v3/directline")
	setDefault(&cfg.Upstream.ParentID, "parentBot")
	setDefault(&cfg.Logging.Level, "info")
	setDefault(&cfg.Logging.Format, "text")

	setDefault(&cfg.Upstream.RequestTimeout, 15*time.Second)
	setDefault(&cfg.Tokens.Lease, 25*time.Minute)
	setDefault(&cfg.Tokens.SafetyMargin, time.Minute)
	setDefault(&cfg.Polling.InitialInterval, 250*time.Millisecond)
	setDefault(&cfg.Polling.MaxInterval, 2*time.Second)
	setDefault(&cfg.Polling.DefaultWait, 30*time.Second)
	setDefault(&cfg.Polling.MaxWait, 2*time.Minute)
	setDefault(&cfg.Dedupe.TTL, 10*time.Minute)
	setDefault(&cfg.Dedupe.MaxEntries, 10000)
	setDefault(&cfg.Upstream.RateBurst, 40)

	// 0 means unset; a negative rate disables limiting.
	if cfg.Upstream.RateLimit == 0 {
		cfg.Upstream.RateLimit = 20
	}
	if cfg.Upstream.RateLimit < 0 {
		cfg.Upstream.RateLimit = 0
	}
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes (got %d)", len(c.Auth.JWTSecret))
	}

	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("upstream.base_url must be an http(s) URL, got %q", c.Upstream.BaseURL)
	}
	if c.Upstream.ParentID == "" {
		return errors.New("upstream.parent_id is required")
	}
	if c.Upstream.RateBurst < 1 {
		return errors.New("upstream.rate_burst must be positive")
	}

	if c.Tokens.SafetyMargin >= c.Tokens.Lease {
		return fmt.Errorf("tokens.safety_margin (%s) must be shorter than tokens.lease (%s)", c.Tokens.SafetyMargin, c.Tokens.Lease)
	}

	if c.Polling.MaxInterval < c.Polling.InitialInterval {
		return fmt.Errorf("polling.max_interval (%s) must not be shorter than polling.initial_interval (%s)", c.Polling.MaxInterval, c.Polling.InitialInterval)
	}
	if c.Polling.MaxWait < c.Polling.DefaultWait {
		return fmt.Errorf("polling.max_wait (%s) must not be shorter than polling.default_wait (%s)", c.Polling.MaxWait, c.Polling.DefaultWait)
	}

	if c.Dedupe.MaxEntries < 1 {
		return errors.New("dedupe.max_entries must be positive")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json (got %q)", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"upstream.request_timeout", cfg.Upstream.RequestTimeoutRaw, &cfg.Upstream.RequestTimeout},
		{"tokens.lease", cfg.Tokens.LeaseRaw, &cfg.Tokens.Lease},
		{"tokens.safety_margin", cfg.Tokens.SafetyMarginRaw, &cfg.Tokens.SafetyMargin},
		{"polling.initial_interval", cfg.Polling.InitialIntervalRaw, &cfg.Polling.InitialInterval},
		{"polling.max_interval", cfg.Polling.MaxIntervalRaw, &cfg.Polling.MaxInterval},
		{"polling.default_wait", cfg.Polling.DefaultWaitRaw, &cfg.Polling.DefaultWait},
		{"polling.max_wait", cfg.Polling.MaxWaitRaw, &cfg.Polling.MaxWait},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}
