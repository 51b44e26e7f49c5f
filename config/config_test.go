package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Transport: "http",
			HTTPPort:  5000,
			MaxBodyKB: 2048,
		},
		Sandbox: SandboxConfig{
			ScratchDir:      "/tmp/execbox",
			TimeoutSec:      10,
			BuildTimeoutSec: 300,
			MemoryMB:        128,
			CPUShares:       256,
			PidsLimit:       64,
			NetworkMode:     "none",
			Workdir:         "/usr/src/app",
			MaxOutputKB:     1024,
		},
		Cache: CacheConfig{
			MaxSize:             50,
			EvictionIntervalSec: 3600,
			ImagePrefix:         "cached-image",
		},
		Logging: LoggingConfig{
			Mode:  "production",
			Level: "info",
		},
	}
}

func TestConfigValidation(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		require.NoError(t, validConfig().validate())
	})

	tests := []struct {
		name    string
		mutate  func(*Config)
		message string
	}{
		{"InvalidServerTransport", func(c *Config) { c.Server.Transport = "grpc" }, "invalid server.transport"},
		{"InvalidHTTPPort", func(c *Config) { c.Server.HTTPPort = 0 }, "invalid server.http_port"},
		{"InvalidMaxBody", func(c *Config) { c.Server.MaxBodyKB = 0 }, "server.max_body_kb"},
		{"EmptyScratchDir", func(c *Config) { c.Sandbox.ScratchDir = "" }, "sandbox.scratch_dir"},
		{"InvalidTimeout", func(c *Config) { c.Sandbox.TimeoutSec = 0 }, "sandbox.timeout_sec must be positive"},
		{"InvalidBuildTimeout", func(c *Config) { c.Sandbox.BuildTimeoutSec = -1 }, "sandbox.build_timeout_sec must be positive"},
		{"InvalidMemory", func(c *Config) { c.Sandbox.MemoryMB = 0 }, "sandbox.memory_mb must be positive"},
		{"NegativeCPUShares", func(c *Config) { c.Sandbox.CPUShares = -1 }, "sandbox.cpu_shares"},
		{"InvalidOutputCap", func(c *Config) { c.Sandbox.MaxOutputKB = 0 }, "sandbox.max_output_kb"},
		{"InvalidNetworkMode", func(c *Config) { c.Sandbox.NetworkMode = "host" }, "invalid sandbox.network_mode"},
		{"RelativeWorkdir", func(c *Config) { c.Sandbox.Workdir = "app" }, "sandbox.workdir"},
		{"InvalidCacheSize", func(c *Config) { c.Cache.MaxSize = 0 }, "cache.max_size must be positive"},
		{"InvalidEvictionInterval", func(c *Config) { c.Cache.EvictionIntervalSec = 0 }, "cache.eviction_interval_sec"},
		{"UppercaseImagePrefix", func(c *Config) { c.Cache.ImagePrefix = "Cached" }, "cache.image_prefix"},
		{"InvalidLoggingMode", func(c *Config) { c.Logging.Mode = "verbose" }, "invalid logging.mode"},
		{"InvalidLoggingLevel", func(c *Config) { c.Logging.Level = "loud" }, "invalid logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}

	t.Run("StdioIgnoresPort", func(t *testing.T) {
		cfg := validConfig()
		cfg.Server.Transport = "stdio"
		cfg.Server.HTTPPort = 0
		require.NoError(t, cfg.validate())
	})
}

func TestLoad(t *testing.T) {
	t.Run("DefaultsWithoutFile", func(t *testing.T) {
		t.Chdir(t.TempDir())

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "http", cfg.Server.Transport)
		assert.Equal(t, 5000, cfg.Server.HTTPPort)
		assert.Equal(t, 2048, cfg.Server.MaxBodyKB)
		assert.Equal(t, 128, cfg.Sandbox.MemoryMB)
		assert.Equal(t, 256, cfg.Sandbox.CPUShares)
		assert.Equal(t, "none", cfg.Sandbox.NetworkMode)
		assert.Equal(t, []string{"8.8.8.8", "8.8.4.4"}, cfg.Sandbox.DNS)
		assert.Equal(t, 50, cfg.Cache.MaxSize)
		assert.Equal(t, 24*60*60, cfg.Cache.EvictionIntervalSec)
		assert.Equal(t, "cached-image", cfg.Cache.ImagePrefix)
	})

	t.Run("FileOverridesDefaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "execbox.yaml")
		content := `
sandbox:
  memory_mb: 256
  network_mode: bridge
cache:
  max_size: 5
languages:
  python:
    image: python:3.12-alpine
    environment:
      PYTHONUNBUFFERED: "1"
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 256, cfg.Sandbox.MemoryMB)
		assert.Equal(t, "bridge", cfg.Sandbox.NetworkMode)
		assert.Equal(t, 5, cfg.Cache.MaxSize)
		require.Contains(t, cfg.Languages, "python")
		assert.Equal(t, "python:3.12-alpine", cfg.Languages["python"].Image)
		assert.Equal(t, "1", cfg.Languages["python"].Environment["pythonunbuffered"])
	})

	t.Run("EnvironmentOverridesDefaults", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("EXECBOX_SANDBOX_TIMEOUT_SEC", "3")

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, 3, cfg.Sandbox.TimeoutSec)
	})

	t.Run("MissingExplicitFile", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "error reading config file")
	})

	t.Run("InvalidValues", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "execbox.yaml")
		require.NoError(t, os.WriteFile(path, []byte("cache:\n  max_size: 0\n"), 0o600))

		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "config validation error")
	})
}

func TestDurations(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, "10s", cfg.GetTimeout().String())
	assert.Equal(t, "5m0s", cfg.GetBuildTimeout().String())
	assert.Equal(t, "1h0m0s", cfg.GetEvictionInterval().String())
}
