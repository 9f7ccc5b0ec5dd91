// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the relay chat service.
package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
// A non-positive Burst disables limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// Enabled reports whether rate limiting is switched on.
func (r RateLimitConfig) Enabled() bool {
	return r.Burst > 0
}

// Config holds the server configuration settings.
type Config struct {
	// Addr is the TCP line-protocol listener address.
	Addr string `yaml:"addr"`
	// HTTPAddr serves /ws, /health and /metrics. Empty disables HTTP.
	HTTPAddr string `yaml:"http_addr"`
	// SSHAddr serves the SSH gateway. Empty disables SSH.
	SSHAddr        string `yaml:"ssh_addr"`
	SSHHostKeyFile string `yaml:"ssh_host_key_file"`

	AllowedOrigins []string `yaml:"allowed_origins"`

	HistoryCapacity  int    `yaml:"history_capacity"`
	SubscriberBuffer int    `yaml:"subscriber_buffer"`
	OverflowPolicy   string `yaml:"overflow_policy"`

	MaxLineSize     int64         `yaml:"max_line_size"`
	MaxConnections  int           `yaml:"max_connections"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

const (
	defaultAddr            = "127.0.0.1:2000"
	defaultSSHHostKeyFile  = ".keystore/ssh_host_ed25519"
	defaultMaxLineSize     = 4096
	defaultWriteTimeout    = 10 * time.Second
	defaultShutdownTimeout = 5 * time.Second
)

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
		Addr:             defaultAddr,
		SSHHostKeyFile:   defaultSSHHostKeyFile,
		HistoryCapacity:  DefaultHistoryCapacity,
		SubscriberBuffer: DefaultSubscriberBuffer,
		OverflowPolicy:   DropNewest.String(),
		MaxLineSize:      defaultMaxLineSize,
		WriteTimeout:     defaultWriteTimeout,
		ShutdownTimeout:  defaultShutdownTimeout,
		RateLimit: RateLimitConfig{
			RefillInterval: time.Second,
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.SSHHostKeyFile == "" {
		cfg.SSHHostKeyFile = defaultSSHHostKeyFile
	}
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = DefaultHistoryCapacity
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if _, err := ParseOverflowPolicy(cfg.OverflowPolicy); err != nil {
		cfg.OverflowPolicy = DropNewest.String()
	}
	if cfg.MaxLineSize <= 0 {
		cfg.MaxLineSize = defaultMaxLineSize
	}
	if cfg.MaxConnections < 0 {
		cfg.MaxConnections = 0
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.RateLimit.Burst < 0 {
		cfg.RateLimit.Burst = 0
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}
	if _, err := parseLogLevel(cfg.LogLevel); err != nil {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat != "json" {
		cfg.LogFormat = "text"
	}
	return cfg
}

// Validate checks structural constraints a config file must satisfy before
// it is applied. SetConfig is lenient and repairs the same fields instead.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr must not be empty")
	}
	if c.HistoryCapacity < 0 {
		return fmt.Errorf("history_capacity %d must not be negative", c.HistoryCapacity)
	}
	if c.SubscriberBuffer < 0 {
		return fmt.Errorf("subscriber_buffer %d must not be negative", c.SubscriberBuffer)
	}
	if _, err := ParseOverflowPolicy(c.OverflowPolicy); err != nil {
		return err
	}
	if c.MaxLineSize < 0 {
		return fmt.Errorf("max_line_size %d must not be negative", c.MaxLineSize)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("max_connections %d must not be negative", c.MaxConnections)
	}
	if c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit.burst %d must not be negative", c.RateLimit.Burst)
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format %q unknown: want text|json", c.LogFormat)
	}
	return nil
}

// Overflow returns the parsed overflow policy.
func (c *Config) Overflow() OverflowPolicy {
	p, _ := ParseOverflowPolicy(c.OverflowPolicy)
	return p
}

// SetConfig applies the provided configuration. Passing nil resets to defaults.
func SetConfig(cfg *Config) {
	var sanitized Config
	if cfg == nil {
		sanitized = sanitizeConfig(defaultConfig())
	} else {
		copied := *cfg
		copied.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
		sanitized = sanitizeConfig(copied)
	}

	normalizedOrigins, allowAll := normalizeOrigins(sanitized.AllowedOrigins)
	sanitized.AllowedOrigins = normalizedOrigins

	configMu.Lock()
	activeConfig = sanitized
	allowAllOrigins = allowAll
	allowedOrigins = make(map[string]struct{}, len(normalizedOrigins))
	for _, origin := range normalizedOrigins {
		allowedOrigins[origin] = struct{}{}
	}
	configMu.Unlock()

	setLogLevel(sanitized.LogLevel)
}

func currentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()

	cfg := activeConfig
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// CurrentConfig returns a copy of the configuration in effect.
func CurrentConfig() Config {
	return currentConfig()
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := NewConfig()
	ApplyEnv(cfg)
	return cfg
}

// ApplyEnv overrides fields of cfg with any environment variables that are set.
func ApplyEnv(cfg *Config) {
	if addr := os.Getenv("CHAT_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if addr, ok := os.LookupEnv("HTTP_ADDR"); ok {
		cfg.HTTPAddr = addr
	}
	if addr, ok := os.LookupEnv("SSH_ADDR"); ok {
		cfg.SSHAddr = addr
	}
	if keyFile := os.Getenv("SSH_HOST_KEY_FILE"); keyFile != "" {
		cfg.SSHHostKeyFile = keyFile
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}
	if capacity := os.Getenv("HISTORY_CAPACITY"); capacity != "" {
		cfg.HistoryCapacity = parseIntValue(capacity, cfg.HistoryCapacity)
	}
	if buffer := os.Getenv("SUBSCRIBER_BUFFER"); buffer != "" {
		cfg.SubscriberBuffer = parseIntValue(buffer, cfg.SubscriberBuffer)
	}
	if policy := os.Getenv("OVERFLOW_POLICY"); policy != "" {
		cfg.OverflowPolicy = policy
	}
	if maxSize := os.Getenv("MAX_LINE_SIZE"); maxSize != "" {
		cfg.MaxLineSize = parseMaxLineSize(maxSize, cfg.MaxLineSize)
	}
	if maxConns := os.Getenv("MAX_CONNECTIONS"); maxConns != "" {
		cfg.MaxConnections = parseIntValue(maxConns, cfg.MaxConnections)
	}
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseRefillInterval(interval, cfg.RateLimit.RefillInterval)
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.LogFormat = format
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxLineSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed >= 0 {
		return parsed
	}
	return defaultValue
}

// parseRefillInterval accepts a Go duration ("500ms") or whole seconds ("2").
func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
