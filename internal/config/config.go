// ABOUTME: Configuration loading and parsing for relay-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion, defaults and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config represents the complete relay-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Engine    EngineConfig    `yaml:"engine" toml:"engine"`
	Sessions  SessionsConfig  `yaml:"sessions" toml:"sessions"`
	Matrix    MatrixConfig    `yaml:"matrix" toml:"matrix"`
	Activity  ActivityConfig  `yaml:"activity" toml:"activity"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr       string   `yaml:"http_addr" toml:"http_addr"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"` // WebSocket origin patterns
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds operator authentication configuration
type AuthConfig struct {
	WebPassword     string `yaml:"web_password" toml:"web_password"`
	WebPasswordHash string `yaml:"web_password_hash" toml:"web_password_hash"` // bcrypt, wins over web_password
	APIKey          string `yaml:"api_key" toml:"api_key"`
	JWTSecret       string `yaml:"jwt_secret" toml:"jwt_secret"`

	TokenTTL    time.Duration `yaml:"-" toml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl" toml:"token_ttl"`
}

// Enabled reports whether any credential is configured.
func (a AuthConfig) Enabled() bool {
	return a.WebPassword != "" || a.WebPasswordHash != "" || a.APIKey != ""
}

// EngineConfig describes how to launch the engine CLI
type EngineConfig struct {
	Command        string            `yaml:"command" toml:"command"`
	Args           []string          `yaml:"args" toml:"args"`
	Model          string            `yaml:"model" toml:"model"`
	PermissionMode string            `yaml:"permission_mode" toml:"permission_mode"`
	WorkingDir     string            `yaml:"working_dir" toml:"working_dir"`
	Env            map[string]string `yaml:"env" toml:"env"`

	SendTimeout    time.Duration `yaml:"-" toml:"-"`
	SendTimeoutRaw string        `yaml:"send_timeout" toml:"send_timeout"`
}

// EnvList returns Env as sorted KEY=VALUE pairs.
func (e EngineConfig) EnvList() []string {
	out := make([]string, 0, len(e.Env))
	for k, v := range e.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// SessionsConfig holds session lifecycle settings
type SessionsConfig struct {
	DefaultName     string `yaml:"default_name" toml:"default_name"`
	CleanupSchedule string `yaml:"cleanup_schedule" toml:"cleanup_schedule"` // cron expression or @every descriptor
	HistoryLimit    int    `yaml:"history_limit" toml:"history_limit"`

	ReplaceTimeout    time.Duration `yaml:"-" toml:"-"`
	ReplaceTimeoutRaw string        `yaml:"replace_timeout" toml:"replace_timeout"`
}

// MatrixConfig holds Matrix bot configuration
type MatrixConfig struct {
	Enabled       bool     `yaml:"enabled" toml:"enabled"`
	Homeserver    string   `yaml:"homeserver" toml:"homeserver"`
	UserID        string   `yaml:"user_id" toml:"user_id"`
	AccessToken   string   `yaml:"access_token" toml:"access_token"`
	AllowedUsers  []string `yaml:"allowed_users" toml:"allowed_users"`
	CommandPrefix string   `yaml:"command_prefix" toml:"command_prefix"`
	MonitorRoom   string   `yaml:"monitor_room" toml:"monitor_room"`
}

// ActivityConfig tunes the activity dispatcher
type ActivityConfig struct {
	BufferSize int `yaml:"buffer_size" toml:"buffer_size"`
	BatchSize  int `yaml:"batch_size" toml:"batch_size"`

	FlushInterval    time.Duration `yaml:"-" toml:"-"`
	FlushIntervalRaw string        `yaml:"flush_interval" toml:"flush_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // text or json
}

// DefaultPath resolves the config file location: RELAY_CONFIG, then
// $XDG_CONFIG_HOME/relay-gateway/config.yaml.
func DefaultPath() string {
	if p := os.Getenv("RELAY_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "relay-gateway", "config.yaml")
}

func xdgDir(env, fallback string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return fallback
	}
	return filepath.Join(home, fallback)
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded first.
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

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// Unset variables expand to an empty string.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTPAddr == "" && !cfg.Tailscale.Enabled {
		cfg.Server.HTTPAddr = ":8080"
	}
	if cfg.Tailscale.Enabled && cfg.Tailscale.StateDir == "" {
		cfg.Tailscale.StateDir = filepath.Join(xdgDir("XDG_DATA_HOME", ".local/share"), "relay-gateway", "tsnet")
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(xdgDir("XDG_DATA_HOME", ".local/share"), "relay-gateway", "relay.db")
	}
	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = 30 * 24 * time.Hour
	}
	if cfg.Engine.Command == "" {
		cfg.Engine.Command = "claude"
	}
	if cfg.Engine.SendTimeout == 0 {
		cfg.Engine.SendTimeout = 30 * time.Second
	}
	if cfg.Sessions.DefaultName == "" {
		cfg.Sessions.DefaultName = "default"
	}
	if cfg.Sessions.CleanupSchedule == "" {
		cfg.Sessions.CleanupSchedule = "@every 5m"
	}
	if cfg.Sessions.HistoryLimit == 0 {
		cfg.Sessions.HistoryLimit = 50
	}
	if cfg.Sessions.ReplaceTimeout == 0 {
		cfg.Sessions.ReplaceTimeout = 5 * time.Second
	}
	if cfg.Matrix.CommandPrefix == "" {
		cfg.Matrix.CommandPrefix = "!"
	}
	if cfg.Activity.BufferSize == 0 {
		cfg.Activity.BufferSize = 1024
	}
	if cfg.Activity.BatchSize == 0 {
		cfg.Activity.BatchSize = 20
	}
	if cfg.Activity.FlushInterval == 0 {
		cfg.Activity.FlushInterval = 2 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("%w: server.http_addr is required (or enable tailscale)", ErrInvalid)
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("%w: tailscale.hostname is required when tailscale is enabled", ErrInvalid)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("%w: database.path is required", ErrInvalid)
	}
	if c.Auth.WebPassword != "" || c.Auth.WebPasswordHash != "" {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("%w: auth.jwt_secret is required when a web password is set", ErrInvalid)
		}
		if len(c.Auth.JWTSecret) < 32 {
			return fmt.Errorf("%w: auth.jwt_secret must be at least 32 bytes", ErrInvalid)
		}
	}
	if c.Sessions.HistoryLimit < 0 {
		return fmt.Errorf("%w: sessions.history_limit must not be negative", ErrInvalid)
	}
	if c.Matrix.Enabled {
		if c.Matrix.Homeserver == "" || c.Matrix.UserID == "" || c.Matrix.AccessToken == "" {
			return fmt.Errorf("%w: matrix.homeserver, matrix.user_id and matrix.access_token are required when matrix is enabled", ErrInvalid)
		}
		if len(c.Matrix.AllowedUsers) == 0 {
			return fmt.Errorf("%w: matrix.allowed_users must name the operator", ErrInvalid)
		}
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: logging.format must be text or json, got %q", ErrInvalid, c.Logging.Format)
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
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"engine.send_timeout", cfg.Engine.SendTimeoutRaw, &cfg.Engine.SendTimeout},
		{"sessions.replace_timeout", cfg.Sessions.ReplaceTimeoutRaw, &cfg.Sessions.ReplaceTimeout},
		{"activity.flush_interval", cfg.Activity.FlushIntervalRaw, &cfg.Activity.FlushInterval},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("parsing %s %q: must not be negative", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}
