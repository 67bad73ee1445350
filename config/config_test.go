package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o600))

	return dir
}

func TestLoadConfig(t *testing.T) {
	dir := writeConfig(t, `
api:
  base_url: https://api.clinic.test/v1
  token: secret
  request_timeout: 3s
sync:
  max_attempts: 5
`)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "https://api.clinic.test/v1", cfg.API.BaseURL)
	assert.Equal(t, "secret", cfg.API.Token)
	assert.Equal(t, 3*time.Second, cfg.API.RequestTimeout)
	assert.Equal(t, 5, cfg.Sync.MaxAttempts)

	// defaults
	assert.Equal(t, 8, cfg.API.NumClients)
	assert.Equal(t, 10, cfg.Sync.ReplayPerSecond)
	assert.Equal(t, "/health", cfg.Connectivity.ProbePath)
	assert.Equal(t, 5*time.Second, cfg.Connectivity.ProbeInterval)
	assert.Equal(t, 202, cfg.Server.QueuedStatus)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "", cfg.Journal.Path)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	dir := writeConfig(t, `
api:
  base_url: https://api.clinic.test
  token: from-file
`)
	t.Setenv("API_TOKEN", "from-env")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.API.Token)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(t.TempDir())
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		var c Config
		c.API.BaseURL = "http://localhost:3000"
		c.API.NumClients = 1
		c.Sync.ReplayPerSecond = 1
		c.Connectivity.ProbeInterval = time.Second
		return &c
	}

	require.NoError(t, valid().Validate())

	cases := map[string]func(c *Config){
		"empty base url":    func(c *Config) { c.API.BaseURL = "" },
		"relative base url": func(c *Config) { c.API.BaseURL = "/api" },
		"no clients":        func(c *Config) { c.API.NumClients = 0 },
		"no replay rate":    func(c *Config) { c.Sync.ReplayPerSecond = 0 },
		"negative attempts": func(c *Config) { c.Sync.MaxAttempts = -1 },
		"zero interval":     func(c *Config) { c.Connectivity.ProbeInterval = 0 },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
