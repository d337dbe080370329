// ABOUTME: Configuration loading and parsing for wabridge
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete wabridge configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Access    AccessConfig    `yaml:"access" toml:"access"`
	Session   SessionConfig   `yaml:"session" toml:"session"`
	Dispatch  DispatchConfig  `yaml:"dispatch" toml:"dispatch"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	AutoReply AutoReplyConfig `yaml:"autoreply" toml:"autoreply"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds listener addresses
type ServerConfig struct {
	HTTPAddr  string `yaml:"http_addr" toml:"http_addr"`
	WSAddr    string `yaml:"ws_addr" toml:"ws_addr"`
	GRPCAddr  string `yaml:"grpc_addr" toml:"grpc_addr"` // optional gRPC health server
	StaticDir string `yaml:"static_dir" toml:"static_dir"`
}

// AccessConfig holds the network-origin allowlist
type AccessConfig struct {
	Allowed        []string `yaml:"allowed" toml:"allowed"`
	TrustForwarded bool     `yaml:"trust_forwarded" toml:"trust_forwarded"`
}

// SessionConfig holds backend session settings
type SessionConfig struct {
	CredentialDir string        `yaml:"credential_dir" toml:"credential_dir"`
	SettleDelay   time.Duration `yaml:"-" toml:"-"`
	LogoutRetries int           `yaml:"logout_retries" toml:"logout_retries"`

	SettleDelayRaw string `yaml:"settle_delay" toml:"settle_delay"`
}

// DispatchConfig holds outbound message settings
type DispatchConfig struct {
	SendTimeout    time.Duration `yaml:"-" toml:"-"`
	SendInterval   time.Duration `yaml:"-" toml:"-"`
	MediaTimeout   time.Duration `yaml:"-" toml:"-"`
	MaxMediaBytes  int64         `yaml:"max_media_bytes" toml:"max_media_bytes"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes" toml:"max_upload_bytes"`
	TempDir        string        `yaml:"temp_dir" toml:"temp_dir"`

	// Raw string values for unmarshaling
	SendTimeoutRaw  string `yaml:"send_timeout" toml:"send_timeout"`
	SendIntervalRaw string `yaml:"send_interval" toml:"send_interval"`
	MediaTimeoutRaw string `yaml:"media_timeout" toml:"media_timeout"`
}

// DatabaseConfig holds the dispatch log location
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds optional API token authentication
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// AutoReplyConfig holds inbound auto-reply behavior
type AutoReplyConfig struct {
	Ping        bool   `yaml:"ping" toml:"ping"`
	RejectCalls bool   `yaml:"reject_calls" toml:"reject_calls"`
	CallMessage string `yaml:"call_message" toml:"call_message"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
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

// DefaultCallMessage is sent to callers whose call was rejected.
const DefaultCallMessage = "*Mensagem automática!*\n\nEste número não aceita chamadas de voz ou de vídeo."

// Default returns a Config populated with defaults. Data files live under
// dataDir.
func Default(dataDir string) *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr: ":3001",
			WSAddr:   ":8080",
		},
		Access: AccessConfig{
			Allowed:        []string{"192.168.0.0/16", "127.0.0.1", "::1"},
			TrustForwarded: true,
		},
		Session: SessionConfig{
			CredentialDir: filepath.Join(dataDir, "session"),
			SettleDelay:   5 * time.Second,
			LogoutRetries: 2,
		},
		Dispatch: DispatchConfig{
			SendTimeout:    20 * time.Second,
			SendInterval:   5 * time.Second,
			MediaTimeout:   30 * time.Second,
			MaxMediaBytes:  64 << 20,
			MaxUploadBytes: 100 << 20,
		},
		Database: DatabaseConfig{
			Path: filepath.Join(dataDir, "wabridge.db"),
		},
		AutoReply: AutoReplyConfig{
			Ping:        true,
			RejectCalls: true,
			CallMessage: DefaultCallMessage,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
	}
}

// DefaultPath returns the config file path.
// Priority: WABRIDGE_CONFIG env var > XDG_CONFIG_HOME/wabridge/config.yaml > ~/.config/wabridge/config.yaml
func DefaultPath() string {
	if envPath := os.Getenv("WABRIDGE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "wabridge", "config.yaml")
}

// DataDir returns the wabridge data directory.
// Priority: XDG_DATA_HOME/wabridge > ~/.local/share/wabridge
func DataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "wabridge")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Fields absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	cfg := Default(DataDir())
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
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

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Listener addresses are required unless Tailscale provides the listeners
	if !c.Tailscale.Enabled {
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
		if c.Server.WSAddr == "" {
			return fmt.Errorf("server.ws_addr is required (or enable tailscale)")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if len(c.Access.Allowed) == 0 {
		return fmt.Errorf("access.allowed must list at least one address or CIDR")
	}

	if c.Session.CredentialDir == "" {
		return fmt.Errorf("session.credential_dir is required")
	}
	if c.Session.LogoutRetries < 0 {
		return fmt.Errorf("session.logout_retries must not be negative")
	}

	if c.Dispatch.SendTimeout <= 0 {
		return fmt.Errorf("dispatch.send_timeout must be positive")
	}
	if c.Dispatch.SendInterval < 0 {
		return fmt.Errorf("dispatch.send_interval must not be negative")
	}
	if c.Dispatch.MaxUploadBytes <= 0 {
		return fmt.Errorf("dispatch.max_upload_bytes must be positive")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	if c.Metrics.Enabled {
		if err := ValidateMetricsPath(c.Metrics.Path); err != nil {
			return err
		}
	}

	return nil
}

// reservedPaths are served by the gateway itself and cannot host metrics.
var reservedPaths = []string{"/", "/health", "/health/ready", "/api"}

// ValidateMetricsPath reports whether p can be registered for metrics next to
// the gateway's own routes.
func ValidateMetricsPath(p string) error {
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}
	if strings.ContainsAny(p, "{} \t") || path.Clean(p) != p {
		return fmt.Errorf("metrics.path %q must be a plain, clean path", p)
	}
	if slices.Contains(reservedPaths, p) || strings.HasPrefix(p, "/api/") {
		return fmt.Errorf("metrics.path %q collides with a gateway route", p)
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
		{"session.settle_delay", cfg.Session.SettleDelayRaw, &cfg.Session.SettleDelay},
		{"dispatch.send_timeout", cfg.Dispatch.SendTimeoutRaw, &cfg.Dispatch.SendTimeout},
		{"dispatch.send_interval", cfg.Dispatch.SendIntervalRaw, &cfg.Dispatch.SendInterval},
		{"dispatch.media_timeout", cfg.Dispatch.MediaTimeoutRaw, &cfg.Dispatch.MediaTimeout},
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
