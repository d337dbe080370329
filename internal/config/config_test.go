// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, defaults, env var expansion, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "0.0.0.0:3001"
  ws_addr: "0.0.0.0:8080"
  grpc_addr: "127.0.0.1:50051"

access:
  allowed:
    - "10.0.0.0/8"
    - "127.0.0.1"
  trust_forwarded: false

session:
  credential_dir: "/var/lib/wabridge/session"
  settle_delay: "2s"
  logout_retries: 4

dispatch:
  send_timeout: "10s"
  send_interval: "1500ms"
  media_timeout: "1m"
  max_media_bytes: 1024

database:
  path: "./test.db"

autoreply:
  ping: false
  reject_calls: true
  call_message: "no calls"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/metrics"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:3001" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:3001")
	}
	if cfg.Server.WSAddr != "0.0.0.0:8080" {
		t.Errorf("Server.WSAddr = %q, want %q", cfg.Server.WSAddr, "0.0.0.0:8080")
	}
	if cfg.Server.GRPCAddr != "127.0.0.1:50051" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "127.0.0.1:50051")
	}

	if len(cfg.Access.Allowed) != 2 || cfg.Access.Allowed[0] != "10.0.0.0/8" {
		t.Errorf("Access.Allowed = %v, want [10.0.0.0/8 127.0.0.1]", cfg.Access.Allowed)
	}
	if cfg.Access.TrustForwarded {
		t.Error("Access.TrustForwarded = true, want false")
	}

	if cfg.Session.CredentialDir != "/var/lib/wabridge/session" {
		t.Errorf("Session.CredentialDir = %q", cfg.Session.CredentialDir)
	}
	if cfg.Session.SettleDelay != 2*time.Second {
		t.Errorf("Session.SettleDelay = %v, want %v", cfg.Session.SettleDelay, 2*time.Second)
	}
	if cfg.Session.LogoutRetries != 4 {
		t.Errorf("Session.LogoutRetries = %d, want 4", cfg.Session.LogoutRetries)
	}

	if cfg.Dispatch.SendTimeout != 10*time.Second {
		t.Errorf("Dispatch.SendTimeout = %v, want %v", cfg.Dispatch.SendTimeout, 10*time.Second)
	}
	if cfg.Dispatch.SendInterval != 1500*time.Millisecond {
		t.Errorf("Dispatch.SendInterval = %v, want %v", cfg.Dispatch.SendInterval, 1500*time.Millisecond)
	}
	if cfg.Dispatch.MediaTimeout != time.Minute {
		t.Errorf("Dispatch.MediaTimeout = %v, want %v", cfg.Dispatch.MediaTimeout, time.Minute)
	}
	if cfg.Dispatch.MaxMediaBytes != 1024 {
		t.Errorf("Dispatch.MaxMediaBytes = %d, want 1024", cfg.Dispatch.MaxMediaBytes)
	}
	// Not set in the file, keeps its default
	if cfg.Dispatch.MaxUploadBytes != 100<<20 {
		t.Errorf("Dispatch.MaxUploadBytes = %d, want %d", cfg.Dispatch.MaxUploadBytes, 100<<20)
	}

	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}

	if cfg.AutoReply.Ping {
		t.Error("AutoReply.Ping = true, want false")
	}
	if cfg.AutoReply.CallMessage != "no calls" {
		t.Errorf("AutoReply.CallMessage = %q, want %q", cfg.AutoReply.CallMessage, "no calls")
	}

	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want debug/json", cfg.Logging)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics = %+v, want enabled at /metrics", cfg.Metrics)
	}
}

func TestLoad_EmptyFileUsesDefaults(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")
	configPath := writeConfig(t, "config.yaml", "")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != ":3001" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, ":3001")
	}
	if cfg.Server.WSAddr != ":8080" {
		t.Errorf("Server.WSAddr = %q, want %q", cfg.Server.WSAddr, ":8080")
	}
	wantAllowed := []string{"192.168.0.0/16", "127.0.0.1", "::1"}
	if strings.Join(cfg.Access.Allowed, ",") != strings.Join(wantAllowed, ",") {
		t.Errorf("Access.Allowed = %v, want %v", cfg.Access.Allowed, wantAllowed)
	}
	if !cfg.Access.TrustForwarded {
		t.Error("Access.TrustForwarded = false, want true")
	}
	if cfg.Session.CredentialDir != "/data/wabridge/session" {
		t.Errorf("Session.CredentialDir = %q, want %q", cfg.Session.CredentialDir, "/data/wabridge/session")
	}
	if cfg.Session.SettleDelay != 5*time.Second {
		t.Errorf("Session.SettleDelay = %v, want 5s", cfg.Session.SettleDelay)
	}
	if cfg.Dispatch.SendTimeout != 20*time.Second {
		t.Errorf("Dispatch.SendTimeout = %v, want 20s", cfg.Dispatch.SendTimeout)
	}
	if cfg.Dispatch.SendInterval != 5*time.Second {
		t.Errorf("Dispatch.SendInterval = %v, want 5s", cfg.Dispatch.SendInterval)
	}
	if cfg.Database.Path != "/data/wabridge/wabridge.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/data/wabridge/wabridge.db")
	}
	if cfg.AutoReply.CallMessage != DefaultCallMessage {
		t.Errorf("AutoReply.CallMessage = %q, want default", cfg.AutoReply.CallMessage)
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "config.toml", `
[server]
http_addr = "127.0.0.1:3001"
ws_addr = "127.0.0.1:8080"

[access]
allowed = ["127.0.0.1"]

[dispatch]
send_timeout = "5s"
send_interval = "0s"

[database]
path = ":memory:"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:3001" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if len(cfg.Access.Allowed) != 1 {
		t.Errorf("Access.Allowed = %v, want one entry", cfg.Access.Allowed)
	}
	if cfg.Dispatch.SendTimeout != 5*time.Second {
		t.Errorf("Dispatch.SendTimeout = %v, want 5s", cfg.Dispatch.SendTimeout)
	}
	if cfg.Dispatch.SendInterval != 0 {
		t.Errorf("Dispatch.SendInterval = %v, want 0", cfg.Dispatch.SendInterval)
	}
	if cfg.Database.Path != ":memory:" {
		t.Errorf("Database.Path = %q, want :memory:", cfg.Database.Path)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	secret := strings.Repeat("s", 40)
	t.Setenv("TEST_WABRIDGE_SECRET", secret)
	t.Setenv("TEST_WABRIDGE_DB", "/tmp/expanded.db")

	configPath := writeConfig(t, "config.yaml", `
database:
  path: "${TEST_WABRIDGE_DB}"
auth:
  jwt_secret: "${TEST_WABRIDGE_SECRET}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/tmp/expanded.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/expanded.db")
	}
	if cfg.Auth.JWTSecret != secret {
		t.Errorf("Auth.JWTSecret = %q, want expanded secret", cfg.Auth.JWTSecret)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
dispatch:
  send_timeout: "soon"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() should fail on invalid duration")
	}
	if !strings.Contains(err.Error(), "dispatch.send_timeout") {
		t.Errorf("error should name the field, got: %v", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("Load() should fail for nonexistent file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", "server: [unclosed")

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() should fail on invalid YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults are valid", func(c *Config) {}, ""},
		{"missing http addr", func(c *Config) { c.Server.HTTPAddr = "" }, "server.http_addr"},
		{"missing ws addr", func(c *Config) { c.Server.WSAddr = "" }, "server.ws_addr"},
		{"tailscale replaces addrs", func(c *Config) {
			c.Server.HTTPAddr = ""
			c.Server.WSAddr = ""
			c.Tailscale.Enabled = true
			c.Tailscale.Hostname = "wabridge"
		}, ""},
		{"tailscale needs hostname", func(c *Config) { c.Tailscale.Enabled = true }, "tailscale.hostname"},
		{"empty allowlist", func(c *Config) { c.Access.Allowed = nil }, "access.allowed"},
		{"missing credential dir", func(c *Config) { c.Session.CredentialDir = "" }, "session.credential_dir"},
		{"negative retries", func(c *Config) { c.Session.LogoutRetries = -1 }, "session.logout_retries"},
		{"zero send timeout", func(c *Config) { c.Dispatch.SendTimeout = 0 }, "dispatch.send_timeout"},
		{"negative interval", func(c *Config) { c.Dispatch.SendInterval = -time.Second }, "dispatch.send_interval"},
		{"short jwt secret", func(c *Config) { c.Auth.JWTSecret = "short" }, "auth.jwt_secret"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"bad metrics path", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Path = "metrics"
		}, "metrics.path"},
		{"metrics on health route", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Path = "/health"
		}, "collides"},
		{"metrics on readiness route", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Path = "/health/ready"
		}, "collides"},
		{"metrics under api", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Path = "/api/metrics"
		}, "collides"},
		{"metrics on root", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Path = "/"
		}, "collides"},
		{"metrics path with wildcard", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Path = "/{name}"
		}, "metrics.path"},
		{"metrics path not clean", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Path = "/stats/../health"
		}, "metrics.path"},
		{"custom metrics path", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Path = "/internal/metrics"
		}, ""},
		{"reserved path ignored when metrics disabled", func(c *Config) {
			c.Metrics.Enabled = false
			c.Metrics.Path = "/health"
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default(t.TempDir())
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultPath(t *testing.T) {
	t.Run("env override", func(t *testing.T) {
		t.Setenv("WABRIDGE_CONFIG", "/etc/wabridge.toml")
		if got := DefaultPath(); got != "/etc/wabridge.toml" {
			t.Errorf("DefaultPath() = %q, want /etc/wabridge.toml", got)
		}
	})

	t.Run("xdg", func(t *testing.T) {
		t.Setenv("WABRIDGE_CONFIG", "")
		t.Setenv("XDG_CONFIG_HOME", "/xdg")
		if got := DefaultPath(); got != "/xdg/wabridge/config.yaml" {
			t.Errorf("DefaultPath() = %q, want /xdg/wabridge/config.yaml", got)
		}
	})
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_EXPAND_A", "alpha")
	got := expandEnvVars("a=${TEST_EXPAND_A} b=${TEST_EXPAND_UNSET_XYZ}")
	if got != "a=alpha b=" {
		t.Errorf("expandEnvVars() = %q, want %q", got, "a=alpha b=")
	}
}
