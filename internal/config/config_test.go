package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devangk003/hivecodex-sub000/testutil"
)

func TestLoadServerConfig(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
listen: ":8080"
auth_secret: "test-secret-123"
data_dir: "/tmp/hivecodex"
store:
  driver: "memory"
disconnect_grace: "2s"
max_upload_size: "8MB"
`
	configPath := testutil.TempFile(t, dir, "server.yaml", content)

	cfg, err := LoadServerConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "test-secret-123", cfg.AuthSecret)
	assert.Equal(t, "/tmp/hivecodex", cfg.DataDir)
	assert.Equal(t, "memory", cfg.Store.Driver)

	grace, err := cfg.Grace()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, grace)

	limit, err := cfg.UploadLimit()
	require.NoError(t, err)
	assert.Equal(t, int64(8*1024*1024), limit)
}

func TestLoadServerConfig_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	// Minimal config with only required fields
	content := `
auth_secret: "secret"
`
	configPath := testutil.TempFile(t, dir, "server.yaml", content)

	cfg, err := LoadServerConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "/var/lib/hivecodex", cfg.DataDir)
	assert.Equal(t, "file", cfg.Store.Driver)
	assert.Equal(t, "1s", cfg.DisconnectGrace)
	assert.Equal(t, "16MB", cfg.MaxUploadSize)
	assert.True(t, cfg.Metrics.IsEnabled())
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoadServerConfig_MetricsExplicitlyDisabled(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
auth_secret: "secret"
metrics:
  enabled: false
`
	configPath := testutil.TempFile(t, dir, "server.yaml", content)

	cfg, err := LoadServerConfig(configPath)
	require.NoError(t, err)

	assert.False(t, cfg.Metrics.IsEnabled(), "metrics should stay off when explicitly disabled")
}

func TestLoadServerConfig_MetricsExplicitlyEnabled(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
auth_secret: "secret"
metrics:
  enabled: true
  path: "/stats"
`
	configPath := testutil.TempFile(t, dir, "server.yaml", content)

	cfg, err := LoadServerConfig(configPath)
	require.NoError(t, err)

	assert.True(t, cfg.Metrics.IsEnabled())
	assert.Equal(t, "/stats", cfg.Metrics.Path)
}

func TestLoadServerConfig_FileNotFound(t *testing.T) {
	_, err := LoadServerConfig("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoadServerConfig_InvalidYAML(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
listen: [invalid yaml
`
	configPath := testutil.TempFile(t, dir, "server.yaml", content)

	_, err := LoadServerConfig(configPath)
	assert.Error(t, err)
}

func TestServerConfig_Validate(t *testing.T) {
	valid := &ServerConfig{
		Listen:          ":8080",
		AuthSecret:      "secret",
		DataDir:         "/tmp/hivecodex",
		Store:           StoreConfig{Driver: "file"},
		DisconnectGrace: "1s",
		MaxUploadSize:   "16MB",
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*ServerConfig)
	}{
		{"missing listen", func(c *ServerConfig) { c.Listen = "" }},
		{"bad listen", func(c *ServerConfig) { c.Listen = "no-port" }},
		{"missing auth secret", func(c *ServerConfig) { c.AuthSecret = "" }},
		{"unknown store driver", func(c *ServerConfig) { c.Store.Driver = "postgres" }},
		{"file store without data dir", func(c *ServerConfig) { c.DataDir = "" }},
		{"bad grace", func(c *ServerConfig) { c.DisconnectGrace = "soon" }},
		{"bad upload size", func(c *ServerConfig) { c.MaxUploadSize = "lots" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *valid
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
