// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: Supports YAML or TOML files with environment variable expansion, defaults and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a value is not configured.
const (
	DefaultHTTPAddr      = ":8080"
	DefaultCacheSize     = 1024
	DefaultHumanTimeout  = 60 * time.Minute
	DefaultSweepInterval = time.Minute
	DefaultPollTimeout   = 30 * time.Second
	DefaultDedupeTTL     = 24 * time.Hour
	DefaultDedupeSize    = 10000
	DefaultMetricsPath   = "/metrics"
)

// minJWTSecretLength mirrors auth.MinSecretLength.
const minJWTSecretLength = 32

// Config represents the complete coven-relay configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	WhatsApp  WhatsAppConfig  `yaml:"whatsapp" toml:"whatsapp"`
	Telegram  TelegramConfig  `yaml:"telegram" toml:"telegram"`
	Routing   RoutingConfig   `yaml:"routing" toml:"routing"`
	Knowledge KnowledgeConfig `yaml:"knowledge" toml:"knowledge"`
	Dedupe    DedupeConfig    `yaml:"dedupe" toml:"dedupe"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path      string `yaml:"path" toml:"path"`
	CacheSize int    `yaml:"cache_size" toml:"cache_size"` // conversations kept in memory; negative disables the cache
}

// WhatsAppConfig holds the Cloud API credentials of the user-facing number
type WhatsAppConfig struct {
	APIURL        string `yaml:"api_url" toml:"api_url"`
	Token         string `yaml:"token" toml:"token"`
	PhoneNumberID string `yaml:"phone_number_id" toml:"phone_number_id"`
	NumberFormat  string `yaml:"number_format" toml:"number_format"` // "international" or "ar_local"
}

// TelegramConfig holds the operator group bot configuration
type TelegramConfig struct {
	APIURL   string `yaml:"api_url" toml:"api_url"`
	BotToken string `yaml:"bot_token" toml:"bot_token"`
	GroupID  int64  `yaml:"group_id" toml:"group_id"`

	PollTimeout    time.Duration `yaml:"-" toml:"-"`
	PollTimeoutRaw string        `yaml:"poll_timeout" toml:"poll_timeout"`
}

// RoutingConfig holds the bot/human routing policy
type RoutingConfig struct {
	HumanTimeout  time.Duration `yaml:"-" toml:"-"`
	SweepInterval time.Duration `yaml:"-" toml:"-"` // 0 disables the background sweep

	// Raw string values for unmarshaling
	HumanTimeoutRaw  string `yaml:"human_timeout" toml:"human_timeout"`
	SweepIntervalRaw string `yaml:"sweep_interval" toml:"sweep_interval"`

	FallbackMessage    string `yaml:"fallback_message" toml:"fallback_message"`
	EscalateOnNoAnswer bool   `yaml:"escalate_on_no_answer" toml:"escalate_on_no_answer"`
	NotifyOnDemotion   *bool  `yaml:"notify_on_demotion" toml:"notify_on_demotion"`
	WelcomeMessage     string `yaml:"welcome_message" toml:"welcome_message"`
}

// NotifyDemotion reports whether demotions are announced in the topic.
// Unset means true.
func (r RoutingConfig) NotifyDemotion() bool {
	return r.NotifyOnDemotion == nil || *r.NotifyOnDemotion
}

// KnowledgeConfig points at the responder's knowledge base
type KnowledgeConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// DedupeConfig configures inbound message deduplication
type DedupeConfig struct {
	Backend  string `yaml:"backend" toml:"backend"` // "memory" or "redis"
	MaxSize  int    `yaml:"max_size" toml:"max_size"`
	RedisURL string `yaml:"redis_url" toml:"redis_url"`

	TTL    time.Duration `yaml:"-" toml:"-"`
	TTLRaw string        `yaml:"ttl" toml:"ttl"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"` // empty disables the admin API
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Database.CacheSize == 0 {
		c.Database.CacheSize = DefaultCacheSize
	}
	if c.Telegram.PollTimeoutRaw == "" {
		c.Telegram.PollTimeout = DefaultPollTimeout
	}
	if c.Routing.HumanTimeoutRaw == "" {
		c.Routing.HumanTimeout = DefaultHumanTimeout
	}
	if c.Routing.SweepIntervalRaw == "" {
		c.Routing.SweepInterval = DefaultSweepInterval
	}
	if c.WhatsApp.NumberFormat == "" {
		c.WhatsApp.NumberFormat = "international"
	}
	if c.Dedupe.Backend == "" {
		c.Dedupe.Backend = "memory"
	}
	if c.Dedupe.TTLRaw == "" {
		c.Dedupe.TTL = DefaultDedupeTTL
	}
	if c.Dedupe.MaxSize == 0 {
		c.Dedupe.MaxSize = DefaultDedupeSize
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.WhatsApp.Token == "" {
		return fmt.Errorf("whatsapp.token is required")
	}
	if c.WhatsApp.PhoneNumberID == "" {
		return fmt.Errorf("whatsapp.phone_number_id is required")
	}
	switch c.WhatsApp.NumberFormat {
	case "international", "ar_local":
	default:
		return fmt.Errorf("whatsapp.number_format must be international or ar_local, got %q", c.WhatsApp.NumberFormat)
	}

	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required")
	}
	if c.Telegram.GroupID == 0 {
		return fmt.Errorf("telegram.group_id is required")
	}

	if c.Routing.HumanTimeout <= 0 {
		return fmt.Errorf("routing.human_timeout must be positive")
	}
	if c.Routing.SweepInterval < 0 {
		return fmt.Errorf("routing.sweep_interval must not be negative")
	}

	switch c.Dedupe.Backend {
	case "memory":
	case "redis":
		if c.Dedupe.RedisURL == "" {
			return fmt.Errorf("dedupe.redis_url is required when dedupe.backend is redis")
		}
	default:
		return fmt.Errorf("dedupe.backend must be memory or redis, got %q", c.Dedupe.Backend)
	}
	if c.Dedupe.TTL <= 0 {
		return fmt.Errorf("dedupe.ttl must be positive")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", minJWTSecretLength)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
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
		{"telegram.poll_timeout", cfg.Telegram.PollTimeoutRaw, &cfg.Telegram.PollTimeout},
		{"routing.human_timeout", cfg.Routing.HumanTimeoutRaw, &cfg.Routing.HumanTimeout},
		{"routing.sweep_interval", cfg.Routing.SweepIntervalRaw, &cfg.Routing.SweepInterval},
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
		*f.dst = d
	}

	return nil
}
