// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for quill.
//
// Supports TOML configuration with sensible defaults, environment variable
// overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - path passed on the command line
//   - ~/.quill/config.toml
//   - Built-in defaults
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete quill configuration.
type Config struct {
	// Server configuration
	Server ServerConfig `toml:"server"`

	// API configuration (upstream chat service)
	API APIConfig `toml:"api"`

	// Storage configuration
	Storage StorageConfig `toml:"storage"`

	// Render configuration
	Render RenderConfig `toml:"render"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Addr is the listen address, host:port.
	Addr string `toml:"addr"`
	// MaxBodyBytes caps request body size.
	MaxBodyBytes int64 `toml:"max_body_bytes"`
	// RateLimit is requests per second allowed per client (0 = unlimited).
	RateLimit float64 `toml:"rate_limit"`
	// RateBurst is the per-client burst allowance.
	RateBurst int `toml:"rate_burst"`
	// ImageCacheDir is where uploaded and generated images are kept.
	ImageCacheDir string `toml:"image_cache_dir"`
}

// APIConfig contains upstream service configuration.
type APIConfig struct {
	// BaseURL is the upstream service endpoint.
	BaseURL string `toml:"base_url"`
	// Key is the API key.
	Key string `toml:"key"`
	// ChatModel generates conversation replies.
	ChatModel string `toml:"chat_model"`
	// ImageModel generates images.
	ImageModel string `toml:"image_model"`
}

// StorageConfig contains conversation persistence configuration.
type StorageConfig struct {
	// Backend selects the persistence backend: "file" or "sqlite".
	Backend string `toml:"backend"`
	// Dir is the data directory (file backend) or the directory holding
	// the database (sqlite backend).
	Dir string `toml:"dir"`
	// MaxBytes caps the size of the persisted history document
	// (0 = unlimited). The store evicts old conversations to fit.
	MaxBytes int `toml:"max_bytes"`
	// RetentionDays is how many days an untouched conversation survives.
	RetentionDays int `toml:"retention_days"`
}

// RenderConfig contains render pipeline configuration.
type RenderConfig struct {
	// HighlightStyle is the chroma style used for code blocks.
	HighlightStyle string `toml:"highlight_style"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:          "127.0.0.1:8080",
			MaxBodyBytes:  16 * 1024 * 1024,
			RateLimit:     10,
			RateBurst:     20,
			ImageCacheDir: defaultDataPath("images"),
		},
		API: APIConfig{
			BaseURL: "https://generativelanguage.googleapis.com",
		},
		Storage: StorageConfig{
			Backend:       "file",
			Dir:           defaultDataPath("data"),
			MaxBytes:      5 * 1024 * 1024,
			RetentionDays: 30,
		},
		Render: RenderConfig{
			HighlightStyle: "github",
		},
	}
}

// defaultDataPath returns ~/.quill/<name>, falling back to a relative path
// when the home directory is unknown.
func defaultDataPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".quill", name)
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return defaultDataPath("config.toml")
}

// Retention converts RetentionDays to a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Storage.RetentionDays) * 24 * time.Hour
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads configuration from path, layering file values over defaults
// and environment overrides over both. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets the environment win over the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("QUILL_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("QUILL_API_KEY"); v != "" {
		cfg.API.Key = v
	}
	if v := os.Getenv("QUILL_API_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("QUILL_CHAT_MODEL"); v != "" {
		cfg.API.ChatModel = v
	}
	if v := os.Getenv("QUILL_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("QUILL_STORAGE_DIR"); v != "" {
		cfg.Storage.Dir = v
	}
	if v := os.Getenv("QUILL_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil {
			cfg.Storage.RetentionDays = days
		}
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr must not be empty")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return errors.New("server.max_body_bytes must be positive")
	}
	if c.Server.RateLimit < 0 {
		return errors.New("server.rate_limit must not be negative")
	}

	if c.API.BaseURL != "" {
		u, err := url.Parse(c.API.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("api.base_url %q is not a valid http(s) URL", c.API.BaseURL)
		}
	}

	switch c.Storage.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("storage.backend %q is not one of file, sqlite", c.Storage.Backend)
	}
	if c.Storage.RetentionDays <= 0 {
		return errors.New("storage.retention_days must be positive")
	}
	if c.Storage.MaxBytes < 0 {
		return errors.New("storage.max_bytes must not be negative")
	}
	return nil
}

// Save writes the configuration to path as TOML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(c)
}
