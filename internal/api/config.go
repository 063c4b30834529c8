// Package api provides the HTTP server for the census backend. The JSON
// endpoints live in the v2 subpackage.
package api

import (
	"fmt"
	"time"

	"github.com/tphakala/birdnet-census/internal/conf"
	"github.com/tphakala/birdnet-census/internal/logger"
)

// GetLogger returns the api package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("http")
}

// Default constants for the HTTP server.
const (
	DefaultReadTimeout     = 60 * time.Second // uploads over slow links
	DefaultWriteTimeout    = 60 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// Config holds the HTTP server configuration.
type Config struct {
	Host string
	Port string

	AllowedOrigins []string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// MaxUpload is the largest accepted recording; the request body limit
	// adds room for the multipart envelope.
	MaxUpload int64

	Debug bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:            "8080",
		AllowedOrigins:  []string{"*"},
		ReadTimeout:     DefaultReadTimeout,
		WriteTimeout:    DefaultWriteTimeout,
		IdleTimeout:     DefaultIdleTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		MaxUpload:       conf.DefaultMaxFileSize,
	}
}

// ConfigFromSettings creates a Config from the application settings.
func ConfigFromSettings(settings *conf.Settings) *Config {
	cfg := DefaultConfig()
	cfg.Host = settings.WebServer.Host
	if settings.WebServer.Port != "" {
		cfg.Port = settings.WebServer.Port
	}
	if settings.Storage.MaxFileSize > 0 {
		cfg.MaxUpload = settings.Storage.MaxFileSize
	}
	cfg.Debug = settings.Debug
	return cfg
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive")
	}
	if c.MaxUpload <= 0 {
		return fmt.Errorf("max upload size must be positive")
	}
	return nil
}

// Address returns the address the server listens on.
func (c *Config) Address() string {
	if c.Host == "" {
		return ":" + c.Port
	}
	return c.Host + ":" + c.Port
}

func (c *Config) String() string {
	return fmt.Sprintf("Server Config: address=%s, max_upload=%d, debug=%v",
		c.Address(), c.MaxUpload, c.Debug)
}
