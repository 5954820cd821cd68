// Package config handles gateway configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./livia.yaml, ~/.config/livia/livia.yaml, /etc/livia/livia.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"livia.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "livia", "livia.yaml"))
	}

	paths = append(paths, "/etc/livia/livia.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all gateway configuration.
type Config struct {
	Listen   ListenConfig  `yaml:"listen"`
	Gemini   GeminiConfig  `yaml:"gemini"`
	JWT      JWTConfig     `yaml:"jwt"`
	Session  SessionConfig `yaml:"session"`
	Storage  StorageConfig `yaml:"storage"`
	Usage    UsageConfig   `yaml:"usage"`
	Models   []ModelConfig `yaml:"models"`
	LogLevel string        `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// GeminiConfig defines the upstream generative-language API settings.
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
	// BaseURL is the endpoint prefix; the model name and ":generateContent"
	// are appended per request.
	BaseURL string `yaml:"base_url"`
	// DefaultModel is used when a request does not name a model.
	DefaultModel string `yaml:"default_model"`
	// TimeoutSec bounds a single upstream call (default 60).
	TimeoutSec int `yaml:"timeout_sec"`
}

// JWTConfig defines token issuance and validation settings.
type JWTConfig struct {
	Key        string `yaml:"key"`
	Issuer     string `yaml:"issuer"`
	Audience   string `yaml:"audience"`
	ExpiresMin int    `yaml:"expires_minutes"`
}

// SessionConfig defines conversation retention windows.
type SessionConfig struct {
	// RetentionHours is the sliding session lifetime (default 168 = 7 days).
	RetentionHours int `yaml:"retention_hours"`
	// OutputTTLMinutes is the lifetime of the cached rendered output
	// (default 60). Shorter than the session retention.
	OutputTTLMinutes int `yaml:"output_ttl_minutes"`
}

// StorageConfig defines attachment storage on disk.
type StorageConfig struct {
	Path    string `yaml:"path"`     // Directory for uploaded files (default "uploads")
	BaseURL string `yaml:"base_url"` // Public URL prefix for stored files
}

// UsageConfig defines the usage-accounting sink.
type UsageConfig struct {
	DBPath string `yaml:"db_path"` // SQLite database path (default "usage.db")
}

// ModelConfig is one entry in the model catalog exposed to clients.
// Serialized to JSON as-is by the models endpoint.
type ModelConfig struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 5000
	}
	if c.Gemini.BaseURL == "" {
		c.Gemini.BaseURL = "https://generativelanguage.googleapis.com/v1beta/models/"
	}
	if c.Gemini.DefaultModel == "" {
		c.Gemini.DefaultModel = "gemini-2.0-flash"
	}
	if c.Gemini.TimeoutSec == 0 {
		c.Gemini.TimeoutSec = 60
	}
	if c.JWT.ExpiresMin == 0 {
		c.JWT.ExpiresMin = 60
	}
	if c.Session.RetentionHours == 0 {
		c.Session.RetentionHours = 168
	}
	if c.Session.OutputTTLMinutes == 0 {
		c.Session.OutputTTLMinutes = 60
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "uploads"
	}
	if c.Storage.BaseURL == "" {
		c.Storage.BaseURL = fmt.Sprintf("http://localhost:%d/api/files", c.Listen.Port)
	}
	if c.Usage.DBPath == "" {
		c.Usage.DBPath = "usage.db"
	}
}

func (c *Config) validate() error {
	if c.Gemini.APIKey == "" {
		return fmt.Errorf("gemini.api_key is required")
	}
	if c.JWT.Key == "" {
		return fmt.Errorf("jwt.key is required")
	}
	return nil
}

// GeminiTimeout returns the upstream call timeout as a duration.
func (c *Config) GeminiTimeout() time.Duration {
	return time.Duration(c.Gemini.TimeoutSec) * time.Second
}

// SessionRetention returns the session TTL as a duration.
func (c *Config) SessionRetention() time.Duration {
	return time.Duration(c.Session.RetentionHours) * time.Hour
}

// OutputTTL returns the cached-output TTL as a duration.
func (c *Config) OutputTTL() time.Duration {
	return time.Duration(c.Session.OutputTTLMinutes) * time.Minute
}
