package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider adapter types.
const (
	TypeOpenAI    = "openai"
	TypeAnthropic = "anthropic"
	TypeGoogle    = "google"
	TypeCompat    = "compat"
)

const defaultPort = 8080

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Logging   LoggingConfig    `yaml:"logging"`
	Providers []ProviderConfig `yaml:"providers"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig selects the log level, console format and optional log file.
type LoggingConfig struct {
	Level  string         `yaml:"level"`
	Format string         `yaml:"format"`
	File   *LogFileConfig `yaml:"file"`
}

// LogFileConfig enables rotating file output.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// ProviderConfig captures authentication and routing info for one adapter
// instance. The same vendor may appear several times under different ids.
type ProviderConfig struct {
	ID           string        `yaml:"id"`
	Type         string        `yaml:"type"`
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	Model        string        `yaml:"model"`
	System       string        `yaml:"system"`
	Timeout      time.Duration `yaml:"timeout"`
	Headers      Headers       `yaml:"headers"`
	Capabilities []string      `yaml:"capabilities"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// Load reads YAML configuration from disk, expands ${ENV} references and
// validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config file %q: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes and validates configuration bytes.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.expandEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		p.ID = strings.TrimSpace(p.ID)
		p.Type = strings.ToLower(strings.TrimSpace(p.Type))
	}
}

func (c *Config) expandEnv() {
	for i := range c.Providers {
		p := &c.Providers[i]
		p.APIKey = os.ExpandEnv(p.APIKey)
		p.BaseURL = os.ExpandEnv(p.BaseURL)
		for k, v := range p.Headers {
			p.Headers[k] = os.ExpandEnv(v)
		}
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}
	if c.Logging.File != nil && strings.TrimSpace(c.Logging.File.Path) == "" {
		return fmt.Errorf("logging.file.path must be provided when logging.file is set")
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	seen := make(map[string]struct{}, len(c.Providers))
	for i, provider := range c.Providers {
		if err := validateProvider(provider); err != nil {
			return fmt.Errorf("providers[%d]: %w", i, err)
		}
		if _, dup := seen[provider.ID]; dup {
			return fmt.Errorf("providers[%d]: duplicate provider id %q", i, provider.ID)
		}
		seen[provider.ID] = struct{}{}
	}

	return nil
}

// Provider returns the configuration of the provider with the given id.
func (c Config) Provider(id string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

func validateProvider(provider ProviderConfig) error {
	if provider.ID == "" {
		return fmt.Errorf("id must be provided")
	}
	if strings.ContainsAny(provider.ID, ": \t") {
		return fmt.Errorf("id %q must not contain ':' or whitespace", provider.ID)
	}

	switch provider.Type {
	case TypeOpenAI, TypeAnthropic, TypeGoogle:
		if strings.TrimSpace(provider.APIKey) == "" {
			return fmt.Errorf("provider %s: api_key must be provided", provider.ID)
		}
	case TypeCompat:
		if strings.TrimSpace(provider.BaseURL) == "" {
			return fmt.Errorf("provider %s: base_url must be provided for compat providers", provider.ID)
		}
	default:
		return fmt.Errorf("provider %s: type %q must be one of %s, %s, %s or %s", provider.ID, provider.Type, TypeOpenAI, TypeAnthropic, TypeGoogle, TypeCompat)
	}

	if provider.Timeout < 0 {
		return fmt.Errorf("provider %s: timeout must not be negative", provider.ID)
	}

	for headerKey := range provider.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", provider.ID, headerKey)
		}
	}

	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
