// Package config loads tavern settings from config.yaml and TAVERN_ environment variables.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is the config file consulted when no path is given.
const DefaultPath = "config.yaml"

const envPrefix = "TAVERN_"

type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Storage StorageConfig `koanf:"storage"`
	Backend BackendConfig `koanf:"backend"`
	Prompt  PromptConfig  `koanf:"prompt"`
	Import  ImportConfig  `koanf:"import"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	// APIKeyHashes are SHA-256 hex digests of accepted bearer tokens. Empty disables auth.
	APIKeyHashes []string `koanf:"api_key_hashes"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// BackendConfig points at an OpenAI-compatible chat completions endpoint.
type BackendConfig struct {
	BaseURL     string        `koanf:"base_url"`
	APIKey      string        `koanf:"api_key"`
	Model       string        `koanf:"model"`
	MaxTokens   int           `koanf:"max_tokens"`
	IdleTimeout time.Duration `koanf:"idle_timeout"`
	UserID      string        `koanf:"user_id"`
}

type PromptConfig struct {
	Language      string         `koanf:"language"`
	Instructions  string         `koanf:"instructions"`
	ContextTokens int            `koanf:"context_tokens"`
	Override      OverrideConfig `koanf:"override"`
}

// OverrideConfig holds the operator-supplied safety override texts.
type OverrideConfig struct {
	Enabled       bool   `koanf:"enabled"`
	Directive     string `koanf:"directive"`
	Reinforcement string `koanf:"reinforcement"`
}

type ImportConfig struct {
	MaxBytes int64 `koanf:"max_bytes"`
}

var defaults = map[string]any{
	"server.port":            8080,
	"server.request_timeout": "30s",
	"storage.type":           "sqlite",
	"storage.sqlite.path":    "tavern.db",
	"backend.base_url":       "https://api.openai.com/v1",
	"backend.model":          "gpt-4o-mini",
	"backend.max_tokens":     2000,
	"backend.idle_timeout":   "60s",
	"prompt.language":        "zh",
	"prompt.context_tokens":  3000,
	"import.max_bytes":       int64(20 << 20),
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (DefaultPath when empty), then applies environment overrides
// such as TAVERN_BACKEND__API_KEY. A missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Backend.APIKey = substituteEnvVars(cfg.Backend.APIKey)
	cfg.Backend.BaseURL = substituteEnvVars(cfg.Backend.BaseURL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Backend.Model == "" {
		return fmt.Errorf("backend.model is required")
	}
	if c.Prompt.ContextTokens < 0 {
		return fmt.Errorf("prompt.context_tokens must not be negative")
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
