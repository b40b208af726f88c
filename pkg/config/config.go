package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document. It is persisted as JSON;
// YAML is accepted as an input format for hand-written files.
type Config struct {
	Server      ServerConfig    `json:"server" yaml:"server"`
	Drivers     DriversConfig   `json:"drivers" yaml:"drivers"`
	Logging     LoggingConfig   `json:"logging,omitempty" yaml:"logging"`
	Telemetry   TelemetryConfig `json:"telemetry,omitempty" yaml:"telemetry"`
	Rules       []RuleConfig    `json:"rules,omitempty" yaml:"rules"`
	LastUpdated time.Time       `json:"lastUpdated" yaml:"lastUpdated"`
}

// ServerConfig holds the listener and upstream selection settings.
type ServerConfig struct {
	Port            int    `json:"port" yaml:"port"`
	EnableTCP       bool   `json:"enableTcp" yaml:"enableTcp"`
	EnableWhitelist bool   `json:"enableWhitelist" yaml:"enableWhitelist"`
	SecondaryDNS    string `json:"secondaryDns" yaml:"secondaryDns"`
	NextDNSConfigID string `json:"nextdnsConfigId,omitempty" yaml:"nextdnsConfigId"`
	// BlockResponse selects the answer shape for denied queries:
	// "nxdomain" (default) or "zero-ip".
	BlockResponse string `json:"blockResponse,omitempty" yaml:"blockResponse"`
}

// DriverConfig selects a driver implementation for one role.
type DriverConfig struct {
	Type    string         `json:"type" yaml:"type"`
	Options map[string]any `json:"options,omitempty" yaml:"options"`
}

// DriversConfig holds one driver selection per role.
type DriversConfig struct {
	Logs      DriverConfig `json:"logs" yaml:"logs"`
	Cache     DriverConfig `json:"cache" yaml:"cache"`
	Blacklist DriverConfig `json:"blacklist" yaml:"blacklist"`
	Whitelist DriverConfig `json:"whitelist" yaml:"whitelist"`
}

// LoggingConfig controls process logging.
type LoggingConfig struct {
	Level     string `json:"level" yaml:"level"`
	Format    string `json:"format" yaml:"format"`
	Output    string `json:"output" yaml:"output"`
	FilePath  string `json:"filePath,omitempty" yaml:"filePath"`
	AddSource bool   `json:"addSource,omitempty" yaml:"addSource"`
}

// TelemetryConfig controls the metrics endpoint.
type TelemetryConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	ListenAddr string `json:"listenAddr,omitempty" yaml:"listenAddr"`
}

// RuleConfig is an expression policy rule evaluated before list matching.
type RuleConfig struct {
	Name       string `json:"name" yaml:"name"`
	Expression string `json:"expression" yaml:"expression"`
	Action     string `json:"action" yaml:"action"` // block or allow
}

var (
	validSecondary = map[string]bool{
		"cloudflare": true,
		"google":     true,
		"opendns":    true,
		"system":     true,
	}
	validLogDrivers  = map[string]bool{"console": true, "memory": true, "file": true, "sql": true}
	validDataDrivers = map[string]bool{"memory": true, "file": true, "sql": true}
)

// Load reads configuration from a JSON or YAML file, applies defaults
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Save persists the configuration as JSON with a refreshed lastUpdated
// timestamp. The write goes through a temp file and rename.
func Save(cfg *Config, path string) error {
	cfg.LastUpdated = time.Now().UTC()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	return nil
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 53
	}
	if c.Server.SecondaryDNS == "" {
		c.Server.SecondaryDNS = "google"
	}
	if c.Server.BlockResponse == "" {
		c.Server.BlockResponse = "nxdomain"
	}

	if c.Drivers.Logs.Type == "" {
		c.Drivers.Logs.Type = "console"
	}
	if c.Drivers.Cache.Type == "" {
		c.Drivers.Cache.Type = "memory"
	}
	if c.Drivers.Blacklist.Type == "" {
		c.Drivers.Blacklist.Type = "memory"
	}
	if c.Drivers.Whitelist.Type == "" {
		c.Drivers.Whitelist.Type = "memory"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Telemetry.ListenAddr == "" {
		c.Telemetry.ListenAddr = ":9090"
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if !validSecondary[c.Server.SecondaryDNS] {
		return fmt.Errorf("unknown secondary DNS provider: %q", c.Server.SecondaryDNS)
	}
	if c.Server.BlockResponse != "nxdomain" && c.Server.BlockResponse != "zero-ip" {
		return fmt.Errorf("blockResponse must be nxdomain or zero-ip, got %q", c.Server.BlockResponse)
	}

	if !validLogDrivers[c.Drivers.Logs.Type] {
		return fmt.Errorf("unknown logs driver: %q", c.Drivers.Logs.Type)
	}
	for role, dc := range map[string]DriverConfig{
		"cache":     c.Drivers.Cache,
		"blacklist": c.Drivers.Blacklist,
		"whitelist": c.Drivers.Whitelist,
	} {
		if !validDataDrivers[dc.Type] {
			return fmt.Errorf("unknown %s driver: %q", role, dc.Type)
		}
	}

	for i, rule := range c.Rules {
		if rule.Name == "" {
			return fmt.Errorf("rule %d has no name", i)
		}
		if rule.Expression == "" {
			return fmt.Errorf("rule %q has no expression", rule.Name)
		}
		if rule.Action != "block" && rule.Action != "allow" {
			return fmt.Errorf("rule %q action must be block or allow, got %q", rule.Name, rule.Action)
		}
	}

	return nil
}
