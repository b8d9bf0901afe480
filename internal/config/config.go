// Package config handles configuration loading and validation for hivecodexd.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devangk003/hivecodex-sub000/pkg/bytesize"
)

// StoreConfig selects the room persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "file" or "memory" (default: "file")
}

// MetricsConfig holds configuration for the Prometheus endpoint.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"` // nil means enabled
	Path    string `yaml:"path"`    // HTTP path (default: "/metrics")
}

// IsEnabled reports whether the endpoint should be served. An unset
// field defaults to true; only an explicit `enabled: false` disables
// it.
func (m *MetricsConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// ServerConfig holds configuration for the sync server.
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	AuthSecret      string        `yaml:"auth_secret"` // HS256 key for identity tokens
	DataDir         string        `yaml:"data_dir"`    // Persistence directory (default: /var/lib/hivecodex)
	Store           StoreConfig   `yaml:"store"`
	DisconnectGrace string        `yaml:"disconnect_grace"` // Duration string, e.g. "1s"
	MaxUploadSize   string        `yaml:"max_upload_size"`  // Size string, e.g. "16MB"
	Metrics         MetricsConfig `yaml:"metrics"`
}

// LoadServerConfig loads server configuration from a YAML file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &ServerConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	// Apply defaults
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "/var/lib/hivecodex"
	}
	// Expand home directory in data dir
	if strings.HasPrefix(cfg.DataDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(homeDir, cfg.DataDir[2:])
		}
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "file"
	}
	if cfg.DisconnectGrace == "" {
		cfg.DisconnectGrace = "1s"
	}
	if cfg.MaxUploadSize == "" {
		cfg.MaxUploadSize = "16MB"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	return cfg, nil
}

// Validate checks if the server configuration is valid.
func (c *ServerConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address: %w", err)
	}
	if c.AuthSecret == "" {
		return fmt.Errorf("auth_secret is required")
	}
	switch c.Store.Driver {
	case "file":
		if c.DataDir == "" {
			return fmt.Errorf("data_dir is required for the file store")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid store.driver %q (want file or memory)", c.Store.Driver)
	}
	if _, err := c.Grace(); err != nil {
		return fmt.Errorf("invalid disconnect_grace: %w", err)
	}
	if _, err := c.UploadLimit(); err != nil {
		return fmt.Errorf("invalid max_upload_size: %w", err)
	}
	return nil
}

// Grace returns the parsed disconnect grace window.
func (c *ServerConfig) Grace() (time.Duration, error) {
	return time.ParseDuration(c.DisconnectGrace)
}

// UploadLimit returns the parsed per-message upload ceiling in bytes.
func (c *ServerConfig) UploadLimit() (int64, error) {
	return bytesize.Parse(c.MaxUploadSize)
}
