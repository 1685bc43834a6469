// Package server provides configuration helpers that define runtime defaults,
// YAML and environment loading, and validation for the bulletin board.
package server

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Tyrowin/bboard/internal/board"
)

// Duration wraps time.Duration so YAML can carry values like "10s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// RateLimitConfig defines the parameters for per-connection request rate limiting.
type RateLimitConfig struct {
	Burst          int      `yaml:"burst"`
	RefillInterval Duration `yaml:"refill_interval"`
}

// Config holds the server configuration settings.
type Config struct {
	// TCPAddr is the listen address of the line-delimited TCP protocol.
	TCPAddr string `yaml:"tcp_addr"`
	// HTTPAddr serves the WebSocket endpoint, health check and board stats.
	HTTPAddr string `yaml:"http_addr"`
	// AllowedOrigins lists WebSocket origins; "*" allows any.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// MaxMessageSize bounds one request frame in bytes.
	MaxMessageSize int64 `yaml:"max_message_size"`
	// SendQueueSize bounds each connection's outgoing queue. A connection
	// whose queue overflows is dropped.
	SendQueueSize int             `yaml:"send_queue_size"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	// Groups are the private groups created at startup.
	Groups []string `yaml:"groups"`
	// HistorySize is how many recent messages a joiner receives.
	HistorySize int `yaml:"history_size"`
	// UniqueUsernames rejects a connect whose name is already in use.
	UniqueUsernames   bool     `yaml:"unique_usernames"`
	MaxUsernameLength int      `yaml:"max_username_length"`
	ShutdownTimeout   Duration `yaml:"shutdown_timeout"`
}

const (
	defaultTCPAddr           = ":6789"
	defaultHTTPAddr          = ":8080"
	defaultMaxMessageSize    = 4096
	defaultSendQueueSize     = 256
	defaultRateBurst         = 20
	defaultHistorySize       = 2
	defaultMaxUsernameLength = 32
	defaultShutdownTimeout   = 10 * time.Second
)

func defaultConfig() Config {
	return Config{
		TCPAddr:  defaultTCPAddr,
		HTTPAddr: defaultHTTPAddr,
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: defaultMaxMessageSize,
		SendQueueSize:  defaultSendQueueSize,
		RateLimit: RateLimitConfig{
			Burst:          defaultRateBurst,
			RefillInterval: Duration(time.Second),
		},
		Groups:            append([]string(nil), board.DefaultGroups...),
		HistorySize:       defaultHistorySize,
		MaxUsernameLength: defaultMaxUsernameLength,
		ShutdownTimeout:   Duration(defaultShutdownTimeout),
	}
}

// sanitize fills unset values with defaults.
func (c Config) sanitize() Config {
	if c.TCPAddr == "" {
		c.TCPAddr = defaultTCPAddr
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = defaultHTTPAddr
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultSendQueueSize
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = defaultRateBurst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = Duration(time.Second)
	}
	if len(c.Groups) == 0 {
		c.Groups = append([]string(nil), board.DefaultGroups...)
	}
	if c.HistorySize == 0 {
		c.HistorySize = defaultHistorySize
	}
	if c.MaxUsernameLength <= 0 {
		c.MaxUsernameLength = defaultMaxUsernameLength
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = Duration(defaultShutdownTimeout)
	}
	c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	return c
}

// Validate reports configuration values that cannot be defaulted away.
func (c Config) Validate() error {
	if c.HistorySize < 0 {
		return fmt.Errorf("history_size cannot be negative, got %d", c.HistorySize)
	}

	seen := make(map[string]struct{}, len(c.Groups))
	for i, raw := range c.Groups {
		name := board.NormalizeGroup(raw)
		if name == "" {
			return fmt.Errorf("groups[%d]: name is required", i)
		}
		if name == board.PublicBoard {
			return fmt.Errorf("groups[%d]: %q is reserved for the public board", i, raw)
		}
		if _, exists := seen[name]; exists {
			return fmt.Errorf("groups[%d]: duplicate group %q", i, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config from defaults overridden by environment
// variables.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()
	applyEnv(&cfg)
	cfg = cfg.sanitize()
	return &cfg
}

// LoadConfig reads a YAML configuration file, then applies environment
// overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration data. ${VAR} and ${VAR:-default}
// references are expanded before parsing; keys absent from the document keep
// their defaults.
func ParseConfig(data []byte) (*Config, error) {
	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	applyEnv(&cfg)
	cfg = cfg.sanitize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if addr := os.Getenv("BBOARD_TCP_ADDR"); addr != "" {
		cfg.TCPAddr = addr
	}

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.HTTPAddr = port
	}
	if addr := os.Getenv("BBOARD_HTTP_ADDR"); addr != "" {
		cfg.HTTPAddr = addr
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}

	if queue := os.Getenv("BBOARD_SEND_QUEUE"); queue != "" {
		cfg.SendQueueSize = parseIntValue(queue, cfg.SendQueueSize)
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = Duration(parseRefillInterval(interval, cfg.RateLimit.RefillInterval.Duration()))
	}

	if unique := os.Getenv("BBOARD_UNIQUE_USERNAMES"); unique != "" {
		if parsed, err := strconv.ParseBool(unique); err == nil {
			cfg.UniqueUsernames = parsed
		}
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
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

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment
// values. An unset variable without a default is an error.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		varName := submatches[1]
		hasDefault := submatches[2] != ""

		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		if hasDefault {
			return submatches[3]
		}
		firstErr = fmt.Errorf("environment variable %q is not set", varName)
		return match
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}
