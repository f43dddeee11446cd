package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.ListenAddress == "" {
		t.Error("default listen_address should not be empty")
	}
	if cfg.Server.MaxMessageSize != 262144 {
		t.Errorf("default max_message_size = %d, want %d", cfg.Server.MaxMessageSize, 262144)
	}
	if cfg.Server.DrainTimeout != 30*time.Second {
		t.Errorf("default drain_timeout = %v, want %v", cfg.Server.DrainTimeout, 30*time.Second)
	}
	if cfg.Health.ListenAddress != "127.0.0.1:8081" {
		t.Errorf("default health.listen_address = %q, want %q", cfg.Health.ListenAddress, "127.0.0.1:8081")
	}
	if cfg.Security.MaxConnections != 1000 {
		t.Errorf("default max_connections = %d, want %d", cfg.Security.MaxConnections, 1000)
	}
}

func TestLoadFromFile(t *testing.T) {
	content := `
server:
  listen_address: "100.101.102.103:8080"
  drain_timeout: "5s"
  max_message_size: 2097152
  write_timeout: "15s"
  dial_timeout: "15s"
rules:
  path: "/etc/wsintercept/rules.yaml"
security:
  auth_token: "test-token"
  max_connections: 500
  max_connections_per_ip: 5
  rate_limit:
    enabled: false
logging:
  level: "debug"
  format: "text"
health:
  enabled: true
  listen_address: "127.0.0.1:8081"
  endpoint: "/health"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.ListenAddress != "100.101.102.103:8080" {
		t.Errorf("listen_address = %q, want %q", cfg.Server.ListenAddress, "100.101.102.103:8080")
	}
	if cfg.Server.DrainTimeout != 5*time.Second {
		t.Errorf("drain_timeout = %v, want %v", cfg.Server.DrainTimeout, 5*time.Second)
	}
	if cfg.Server.MaxMessageSize != 2097152 {
		t.Errorf("max_message_size = %d, want %d", cfg.Server.MaxMessageSize, 2097152)
	}
	if cfg.Rules.Path != "/etc/wsintercept/rules.yaml" {
		t.Errorf("rules.path = %q, want %q", cfg.Rules.Path, "/etc/wsintercept/rules.yaml")
	}
	if cfg.Security.AuthToken != "test-token" {
		t.Errorf("auth_token = %q, want %q", cfg.Security.AuthToken, "test-token")
	}
	if cfg.Security.MaxConnections != 500 {
		t.Errorf("max_connections = %d, want %d", cfg.Security.MaxConnections, 500)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Security.RateLimit.Enabled {
		t.Error("rate_limit.enabled should be false")
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load('') error: %v", err)
	}
	if cfg.Server.ListenAddress != "127.0.0.1:8080" {
		t.Errorf("listen_address = %q, want default", cfg.Server.ListenAddress)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WSINTERCEPT_SERVER_LISTEN_ADDRESS", "10.0.0.1:9090")
	t.Setenv("WSINTERCEPT_SECURITY_AUTH_TOKEN", "env-token")
	t.Setenv("WSINTERCEPT_LOGGING_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.ListenAddress != "10.0.0.1:9090" {
		t.Errorf("listen_address = %q, want env override", cfg.Server.ListenAddress)
	}
	if cfg.Security.AuthToken != "env-token" {
		t.Errorf("auth_token = %q, want %q", cfg.Security.AuthToken, "env-token")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want %q", cfg.Logging.Level, "debug")
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:    "valid default",
			modify:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "empty listen_address",
			modify:  func(c *Config) { c.Server.ListenAddress = "" },
			wantErr: "ListenAddress",
		},
		{
			name:    "invalid listen_address",
			modify:  func(c *Config) { c.Server.ListenAddress = "not-a-host-port" },
			wantErr: "server.listen_address is invalid",
		},
		{
			name:    "zero max_message_size",
			modify:  func(c *Config) { c.Server.MaxMessageSize = 0 },
			wantErr: "MaxMessageSize",
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "Level",
		},
		{
			name:    "invalid log format",
			modify:  func(c *Config) { c.Logging.Format = "csv" },
			wantErr: "Format",
		},
		{
			name:    "tls enabled without cert",
			modify:  func(c *Config) { c.Server.TLS.Enabled = true },
			wantErr: "server.tls.cert_file is required",
		},
		{
			name: "tls enabled without key",
			modify: func(c *Config) {
				c.Server.TLS.Enabled = true
				c.Server.TLS.CertFile = "/path/to/cert.pem"
			},
			wantErr: "server.tls.key_file is required",
		},
		{
			name:    "zero max_connections",
			modify:  func(c *Config) { c.Security.MaxConnections = 0 },
			wantErr: "MaxConnections",
		},
		{
			name:    "max_connections_per_ip exceeds max_connections",
			modify:  func(c *Config) { c.Security.MaxConnectionsPerIP = c.Security.MaxConnections + 1 },
			wantErr: "must not exceed security.max_connections",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
				} else if !contains(err.Error(), tt.wantErr) {
					t.Errorf("Validate() error = %q, want containing %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func TestIsReloadSafe(t *testing.T) {
	old := DefaultConfig()
	newCfg := DefaultConfig()

	warnings := IsReloadSafe(old, newCfg)
	if len(warnings) != 0 {
		t.Errorf("expected no warnings, got %v", warnings)
	}

	newCfg.Server.ListenAddress = "100.200.200.200:9090"
	warnings = IsReloadSafe(old, newCfg)
	if len(warnings) != 1 {
		t.Errorf("expected 1 warning, got %d: %v", len(warnings), warnings)
	}

	newCfg.Health.ListenAddress = "127.0.0.1:9999"
	warnings = IsReloadSafe(old, newCfg)
	if len(warnings) != 2 {
		t.Errorf("expected 2 warnings, got %d: %v", len(warnings), warnings)
	}
}

func TestApplyReloadableFields(t *testing.T) {
	old := DefaultConfig()
	newCfg := DefaultConfig()
	newCfg.Security.AuthToken = "new-token"
	newCfg.Logging.Level = "debug"
	newCfg.Server.MaxMessageSize = 2097152

	updated := old.ApplyReloadableFields(newCfg)

	if updated.Security.AuthToken != "new-token" {
		t.Errorf("auth_token not reloaded")
	}
	if updated.Logging.Level != "debug" {
		t.Errorf("log level not reloaded")
	}
	if updated.Server.MaxMessageSize != 2097152 {
		t.Errorf("max_message_size not reloaded")
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && searchSubstr(s, substr)
}

func searchSubstr(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
