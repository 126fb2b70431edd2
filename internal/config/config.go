// Package config loads host configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete host configuration.
type Config struct {
	Service     ServiceConfig    `yaml:"service"`
	ProfilesDir string           `yaml:"profiles_dir"`
	DeadLetter  DeadLetterConfig `yaml:"dead_letter"`
	API         APIConfig        `yaml:"api,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// DeadLetterConfig defines where unroutable messages are persisted.
type DeadLetterConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines the status API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "remix-host",
			LogLevel:  "info",
			LogFormat: "json",
		},
		ProfilesDir: "./profiles",
		DeadLetter: DeadLetterConfig{
			Path: "./data/deadletter.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads configuration from path, applies defaults for anything unset,
// and expands ${VAR} references from the environment.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path %q: %w", path, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := envVarPattern.ReplaceAllStringFunc(string(data), func(m string) string {
		name := envVarPattern.FindStringSubmatch(m)[1]
		return os.Getenv(name)
	})

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks fields whose misconfiguration would only surface later.
func (c *Config) Validate() error {
	var problems []string
	if c.ProfilesDir == "" {
		problems = append(problems, "profiles_dir must not be empty")
	}
	switch strings.ToLower(c.Service.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("unknown log_level %q", c.Service.LogLevel))
	}
	switch strings.ToLower(c.Service.LogFormat) {
	case "", "json", "text":
	default:
		problems = append(problems, fmt.Sprintf("unknown log_format %q", c.Service.LogFormat))
	}
	if c.API.Enabled && c.API.Listen == "" {
		problems = append(problems, "api.listen must be set when api.enabled is true")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
