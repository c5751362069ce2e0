package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/blemotion/internal/ble"
)

// Config holds all application configuration.
type Config struct {
	LogLevel    string            `yaml:"log_level"`
	Device      DeviceConfig      `yaml:"device"`
	Scan        ScanConfig        `yaml:"scan"`
	Session     SessionConfig     `yaml:"session"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Record      RecordConfig      `yaml:"record"`
}

// DeviceConfig selects the peripheral to connect to. Address wins over Name.
// With neither set the CLI lists what it finds and exits.
type DeviceConfig struct {
	Address string `yaml:"address"`
	Name    string `yaml:"name"`
}

// Target returns the configured address, or the name when no address is set.
func (d DeviceConfig) Target() string {
	if d.Address != "" {
		return d.Address
	}
	return d.Name
}

// Matches reports whether p is the configured device. Addresses compare
// case-insensitively; names must match exactly.
func (d DeviceConfig) Matches(p ble.Peripheral) bool {
	if d.Address != "" {
		return strings.EqualFold(d.Address, p.Address)
	}
	return d.Name != "" && d.Name == p.Name
}

// ScanConfig holds discovery settings.
type ScanConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	NamePrefix string        `yaml:"name_prefix"`
}

// SessionConfig holds GATT session timing.
type SessionConfig struct {
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	DiscoveryTimeout    time.Duration `yaml:"discovery_timeout"`
	SubscribeRetryDelay time.Duration `yaml:"subscribe_retry_delay"`
	SubscribeAttempts   int           `yaml:"subscribe_attempts"`
}

// PermissionsConfig grants radio use. Both default to true on desktop
// hosts where the OS prompt happens outside the process.
type PermissionsConfig struct {
	Scan    bool `yaml:"scan"`
	Connect bool `yaml:"connect"`
}

// RecordConfig enables appending decoded readings to a file.
type RecordConfig struct {
	Path string `yaml:"path"` // empty disables recording
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blemotion")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	opts := ble.DefaultSessionOptions()
	return &Config{
		LogLevel: "info",
		Scan: ScanConfig{
			Timeout: 10 * time.Second,
		},
		Session: SessionConfig{
			ConnectTimeout:      opts.ConnectTimeout,
			DiscoveryTimeout:    opts.DiscoveryTimeout,
			SubscribeRetryDelay: opts.SubscribeRetryDelay,
			SubscribeAttempts:   opts.SubscribeAttempts,
		},
		Permissions: PermissionsConfig{
			Scan:    true,
			Connect: true,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in record.path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Record.Path = expandTilde(cfg.Record.Path)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.Scan.Timeout <= 0 {
		return fmt.Errorf("scan.timeout must be > 0")
	}
	if c.Session.ConnectTimeout <= 0 {
		return fmt.Errorf("session.connect_timeout must be > 0")
	}
	if c.Session.DiscoveryTimeout <= 0 {
		return fmt.Errorf("session.discovery_timeout must be > 0")
	}
	if c.Session.SubscribeRetryDelay <= 0 {
		return fmt.Errorf("session.subscribe_retry_delay must be > 0")
	}
	if c.Session.SubscribeAttempts < 1 {
		return fmt.Errorf("session.subscribe_attempts must be >= 1, got %d", c.Session.SubscribeAttempts)
	}

	return nil
}

// HasTarget reports whether a device to connect to is configured.
func (c *Config) HasTarget() bool {
	return c.Device.Target() != ""
}

// SessionOptions converts the session section for ble.NewCoordinator.
func (c *Config) SessionOptions() ble.SessionOptions {
	opts := ble.DefaultSessionOptions()
	opts.ConnectTimeout = c.Session.ConnectTimeout
	opts.DiscoveryTimeout = c.Session.DiscoveryTimeout
	opts.SubscribeRetryDelay = c.Session.SubscribeRetryDelay
	opts.SubscribeAttempts = c.Session.SubscribeAttempts
	return opts
}

// Grants returns the configured permissions as an authorizer.
func (c *Config) Grants() ble.StaticGrants {
	return ble.StaticGrants{Scan: c.Permissions.Scan, Connect: c.Permissions.Connect}
}

const defaultHeader = "# blemotion configuration\n# Durations use Go syntax: 500ms, 10s, 1m.\n\n"

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the path written, or "" when a config was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
