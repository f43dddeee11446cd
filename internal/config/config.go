package config

import (
	"fmt"
	"net"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for wsintercept.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Rules      RulesConfig      `yaml:"rules"`
	Security   SecurityConfig   `yaml:"security"`
	Logging    LoggingConfig    `yaml:"logging"`
	Health     HealthConfig     `yaml:"health"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig contains the core proxy-front-end settings.
type ServerConfig struct {
	ListenAddress  string        `yaml:"listen_address" validate:"required"`
	DrainTimeout   time.Duration `yaml:"drain_timeout" validate:"gt=0"`
	MaxMessageSize int64         `yaml:"max_message_size" validate:"gt=0,lte=67108864"`
	PingInterval   time.Duration `yaml:"ping_interval" validate:"gt=0"`
	PongTimeout    time.Duration `yaml:"pong_timeout" validate:"gt=0"`
	WriteTimeout   time.Duration `yaml:"write_timeout" validate:"gt=0"`
	ReadTimeout    time.Duration `yaml:"read_timeout" validate:"gt=0"`
	DialTimeout    time.Duration `yaml:"dial_timeout" validate:"gt=0"`
	TLS            TLSConfig     `yaml:"tls"`
}

// RulesConfig points at the rule definitions that populate the initial
// RuleSet at startup, sourced from a file instead of only the admin API,
// so the service is useful without a running admin client.
type RulesConfig struct {
	Path      string `yaml:"path"`
	WatchFile bool   `yaml:"watch_file"`
}

// TLSConfig contains optional TLS settings for the admin API.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// SecurityConfig contains security-related settings.
type SecurityConfig struct {
	AuthToken           string          `yaml:"auth_token"`
	RateLimit           RateLimitConfig `yaml:"rate_limit"`
	MaxConnections      int             `yaml:"max_connections" validate:"gt=0,lte=65535"`
	MaxConnectionsPerIP int             `yaml:"max_connections_per_ip" validate:"gt=0"`
}

// RateLimitConfig contains rate limiting settings.
type RateLimitConfig struct {
	Enabled              bool `yaml:"enabled"`
	ConnectionsPerMinute int  `yaml:"connections_per_minute"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level" validate:"oneof=debug info warn error"`
	Format     string `yaml:"format" validate:"oneof=json text"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// HealthConfig contains health check endpoint settings.
type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	ListenAddress string `yaml:"listen_address"`
	Detailed      bool   `yaml:"detailed"`
}

// MonitoringConfig contains metrics settings.
type MonitoringConfig struct {
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`
}

// TelemetryConfig controls OpenTelemetry tracing of dial/handshake/
// dispatch spans.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:  "127.0.0.1:8080",
			DrainTimeout:   30 * time.Second,
			MaxMessageSize: 262144, // 256KB
			PingInterval:   30 * time.Second,
			PongTimeout:    10 * time.Second,
			WriteTimeout:   30 * time.Second,
			ReadTimeout:    60 * time.Second,
			DialTimeout:    10 * time.Second,
		},
		Rules: RulesConfig{
			Path:      "",
			WatchFile: false,
		},
		Security: SecurityConfig{
			MaxConnections:      1000,
			MaxConnectionsPerIP: 10,
			RateLimit: RateLimitConfig{
				Enabled:              true,
				ConnectionsPerMinute: 60,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Health: HealthConfig{
			Enabled:       true,
			Endpoint:      "/health",
			ListenAddress: "127.0.0.1:8081",
			Detailed:      true,
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled:  false,
			MetricsEndpoint: "/metrics",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "wsintercept",
		},
	}
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Load reads a config file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found at %s (run 'wsintercept validate --config %s' after creating one)", path, path)
			}
			if os.IsPermission(err) {
				return nil, fmt.Errorf("permission denied reading %s", path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w (check YAML indentation)", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors: struct-tag validation
// via go-playground/validator, plus the cross-field and
// safety-by-convention checks the tag language cannot express.
func (c *Config) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		return err
	}

	if _, _, err := net.SplitHostPort(c.Server.ListenAddress); err != nil {
		return fmt.Errorf("server.listen_address is invalid: %w", err)
	}

	if c.Server.DrainTimeout > 5*time.Minute {
		return fmt.Errorf("server.drain_timeout must not exceed 5m")
	}
	if c.Server.WriteTimeout > 5*time.Minute {
		return fmt.Errorf("server.write_timeout must not exceed 5m")
	}
	if c.Server.ReadTimeout > 5*time.Minute {
		return fmt.Errorf("server.read_timeout must not exceed 5m")
	}
	if c.Server.DialTimeout > 5*time.Minute {
		return fmt.Errorf("server.dial_timeout must not exceed 5m")
	}

	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
	}

	if c.Security.MaxConnectionsPerIP > c.Security.MaxConnections {
		return fmt.Errorf("security.max_connections_per_ip must not exceed security.max_connections")
	}
	if c.Security.RateLimit.Enabled && c.Security.RateLimit.ConnectionsPerMinute <= 0 {
		return fmt.Errorf("security.rate_limit.connections_per_minute must be positive")
	}

	if c.Health.Enabled {
		if c.Health.ListenAddress == "" {
			return fmt.Errorf("health.listen_address is required when health is enabled")
		}
		if _, _, err := net.SplitHostPort(c.Health.ListenAddress); err != nil {
			return fmt.Errorf("health.listen_address is invalid: %w", err)
		}
		host, _, _ := net.SplitHostPort(c.Health.ListenAddress)
		ip := net.ParseIP(host)
		if ip != nil && !ip.IsLoopback() {
			return fmt.Errorf("health.listen_address should bind to a loopback address (e.g. 127.0.0.1) to avoid exposing internals")
		}
		if c.Server.ListenAddress == c.Health.ListenAddress {
			return fmt.Errorf("server.listen_address and health.listen_address must be different")
		}
	}

	return nil
}

// applyEnvOverrides applies WSINTERCEPT_ prefixed environment variables.
func applyEnvOverrides(cfg *Config) {
	envMap := map[string]func(string){
		"WSINTERCEPT_SERVER_LISTEN_ADDRESS":    func(v string) { cfg.Server.ListenAddress = v },
		"WSINTERCEPT_SERVER_DRAIN_TIMEOUT":     func(v string) { cfg.Server.DrainTimeout = parseDuration(v, cfg.Server.DrainTimeout) },
		"WSINTERCEPT_SERVER_MAX_MESSAGE_SIZE":  func(v string) { cfg.Server.MaxMessageSize = parseInt64(v, cfg.Server.MaxMessageSize) },
		"WSINTERCEPT_SERVER_PING_INTERVAL":     func(v string) { cfg.Server.PingInterval = parseDuration(v, cfg.Server.PingInterval) },
		"WSINTERCEPT_SERVER_PONG_TIMEOUT":      func(v string) { cfg.Server.PongTimeout = parseDuration(v, cfg.Server.PongTimeout) },
		"WSINTERCEPT_SERVER_WRITE_TIMEOUT":     func(v string) { cfg.Server.WriteTimeout = parseDuration(v, cfg.Server.WriteTimeout) },
		"WSINTERCEPT_SERVER_READ_TIMEOUT":      func(v string) { cfg.Server.ReadTimeout = parseDuration(v, cfg.Server.ReadTimeout) },
		"WSINTERCEPT_SERVER_DIAL_TIMEOUT":      func(v string) { cfg.Server.DialTimeout = parseDuration(v, cfg.Server.DialTimeout) },
		"WSINTERCEPT_RULES_PATH":               func(v string) { cfg.Rules.Path = v },
		"WSINTERCEPT_SECURITY_AUTH_TOKEN":      func(v string) { cfg.Security.AuthToken = v },
		"WSINTERCEPT_SECURITY_MAX_CONNECTIONS": func(v string) { cfg.Security.MaxConnections = parseInt(v, cfg.Security.MaxConnections) },
		"WSINTERCEPT_SECURITY_MAX_CONNECTIONS_PER_IP": func(v string) {
			cfg.Security.MaxConnectionsPerIP = parseInt(v, cfg.Security.MaxConnectionsPerIP)
		},
		"WSINTERCEPT_SECURITY_RATE_LIMIT_ENABLED": func(v string) {
			cfg.Security.RateLimit.Enabled = parseBool(v, cfg.Security.RateLimit.Enabled)
		},
		"WSINTERCEPT_SECURITY_RATE_LIMIT_CONNECTIONS_PER_MINUTE": func(v string) {
			cfg.Security.RateLimit.ConnectionsPerMinute = parseInt(v, cfg.Security.RateLimit.ConnectionsPerMinute)
		},
		"WSINTERCEPT_LOGGING_LEVEL":         func(v string) { cfg.Logging.Level = v },
		"WSINTERCEPT_LOGGING_FORMAT":        func(v string) { cfg.Logging.Format = v },
		"WSINTERCEPT_LOGGING_FILE":          func(v string) { cfg.Logging.File = v },
		"WSINTERCEPT_HEALTH_ENABLED":        func(v string) { cfg.Health.Enabled = parseBool(v, cfg.Health.Enabled) },
		"WSINTERCEPT_HEALTH_LISTEN_ADDRESS": func(v string) { cfg.Health.ListenAddress = v },
		"WSINTERCEPT_TELEMETRY_ENABLED":     func(v string) { cfg.Telemetry.Enabled = parseBool(v, cfg.Telemetry.Enabled) },
	}

	for env, setter := range envMap {
		if v := os.Getenv(env); v != "" {
			setter(v)
		}
	}
}

// ApplyReloadableFields returns a copy of c with reloadable fields from newCfg.
// Non-reloadable: listen_address, tls, health.listen_address.
func (c *Config) ApplyReloadableFields(newCfg *Config) *Config {
	updated := *c
	updated.Security.RateLimit = newCfg.Security.RateLimit
	updated.Security.AuthToken = newCfg.Security.AuthToken
	updated.Security.MaxConnections = newCfg.Security.MaxConnections
	updated.Security.MaxConnectionsPerIP = newCfg.Security.MaxConnectionsPerIP
	updated.Logging.Level = newCfg.Logging.Level
	updated.Server.MaxMessageSize = newCfg.Server.MaxMessageSize
	updated.Rules = newCfg.Rules
	return &updated
}

// IsReloadSafe checks if only reloadable fields changed between configs.
func IsReloadSafe(old, new *Config) []string {
	var warnings []string
	if old.Server.ListenAddress != new.Server.ListenAddress {
		warnings = append(warnings, "server.listen_address requires restart")
	}
	if !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		warnings = append(warnings, "server.tls requires restart")
	}
	if old.Health.ListenAddress != new.Health.ListenAddress {
		warnings = append(warnings, "health.listen_address requires restart")
	}
	return warnings
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt64(s string, fallback int64) int64 {
	var v int64
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseInt(s string, fallback int) int {
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseBool(s string, fallback bool) bool {
	s = strings.ToLower(s)
	switch s {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}
