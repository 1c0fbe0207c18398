package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdok/hoogte/tileindex"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "hoogte.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.Override)
	assert.Equal(t, "z", cfg.HeightTag)
	assert.Empty(t, cfg.HeightTags)
	assert.Equal(t, os.TempDir(), cfg.StorageRoot)
	assert.Equal(t, runtime.NumCPU(), cfg.Workers)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 0, cfg.MaxFailedCycles)
	assert.Equal(t, Duration(10*time.Second), cfg.PollInterval)
	assert.Equal(t, Duration(30*time.Minute), cfg.ShutdownTimeout)
	assert.Equal(t, tileindex.DefaultFeedURL, cfg.FeedURL)
	assert.Equal(t, tileindex.DefaultDownloadURL, cfg.DownloadURL)
	assert.Equal(t, 1000, cfg.PageSize)

	// no API key
	require.Error(t, cfg.Validate())
	cfg.APIKey = "secret"
	require.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
api_key = "secret"
override = false
height_tags = ["ele", "height"]
height_tag = "hoogte"
workers = 3
max_failed_cycles = 2
poll_interval = "2s"
shutdown_timeout = "1h"
requests_per_second = 4.5
metrics_address = "localhost:9090"

[redis]
address = "localhost:6379"
ttl = "24h"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "secret", cfg.APIKey)
	assert.False(t, cfg.Override)
	assert.Equal(t, []string{"ele", "height"}, cfg.HeightTags)
	assert.Equal(t, "hoogte", cfg.HeightTag)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 2, cfg.MaxFailedCycles)
	assert.Equal(t, Duration(2*time.Second), cfg.PollInterval)
	assert.Equal(t, Duration(time.Hour), cfg.ShutdownTimeout)
	assert.Equal(t, 4.5, cfg.RequestsPerSecond)
	assert.Equal(t, "localhost:9090", cfg.MetricsAddress)
	assert.Equal(t, "localhost:6379", cfg.Redis.Address)
	assert.Equal(t, Duration(24*time.Hour), cfg.Redis.TTL)
	assert.Equal(t, tileindex.DefaultFeedURL, cfg.FeedURL)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{name: "unknown key", content: "api_key = \"secret\"\nheight = \"z\"\n", errMsg: "height"},
		{name: "bad duration", content: "poll_interval = \"soon\"\n", errMsg: "parse config"},
		{name: "not toml", content: "{\"api_key\": \"secret\"}", errMsg: "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{name: "no height tag", modify: func(c *Config) { c.HeightTag = "" }},
		{name: "no attempts", modify: func(c *Config) { c.MaxAttempts = 0 }},
		{name: "negative failed cycles", modify: func(c *Config) { c.MaxFailedCycles = -1 }},
		{name: "bad feed url", modify: func(c *Config) { c.FeedURL = "not a url" }},
		{name: "bad redis address", modify: func(c *Config) { c.Redis.Address = "localhost" }},
		{name: "negative rate", modify: func(c *Config) { c.RequestsPerSecond = -1 }},
		{name: "zero poll interval", modify: func(c *Config) { c.PollInterval = 0 }},
		{name: "no page size", modify: func(c *Config) { c.PageSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.APIKey = "secret"
			tt.modify(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
