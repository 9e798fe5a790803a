// Package config loads and validates server configuration.
package config

import (
	"fmt"
	"log/slog"
)

// Config holds the server configuration loaded from YAML and environment.
type Config struct {
	// ListenAddr is the address the HTTP/WebSocket gateway binds to.
	ListenAddr string `yaml:"listen_addr"`

	// DatabaseURL is the PostgreSQL connection string. The reference server
	// requires it; libraries embedding the runtime may leave it empty.
	DatabaseURL string `yaml:"database_url"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// AllowedWSOrigins lists origin patterns accepted for WebSocket
	// upgrades. Empty means same-origin checks are skipped (dev mode).
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
	}
}

// SlogLevel maps the configured log level to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Validate checks field values. It does not require a database URL; the
// caller decides whether one is mandatory.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("%w: listen_addr must not be empty", ErrInvalidValue)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log_level %q", ErrInvalidValue, c.LogLevel)
	}
	return nil
}
