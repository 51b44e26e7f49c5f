package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix is the prefix of environment variables overriding config keys,
// e.g. EXECBOX_SANDBOX_MEMORY_MB for sandbox.memory_mb.
const EnvPrefix = "EXECBOX"

// Config represents the application configuration
type Config struct {
	Server    ServerConfig        `mapstructure:"server"`
	Sandbox   SandboxConfig       `mapstructure:"sandbox"`
	Engine    EngineConfig        `mapstructure:"engine"`
	Cache     CacheConfig         `mapstructure:"cache"`
	Logging   LoggingConfig       `mapstructure:"logging"`
	Languages map[string]Language `mapstructure:"languages"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport  string `mapstructure:"transport"`
	HTTPPort   int    `mapstructure:"http_port"`
	MCPEnabled bool   `mapstructure:"mcp_enabled"`
	Release    bool   `mapstructure:"release"`
	// MaxBodyKB caps the size of a POST /execute body.
	MaxBodyKB int `mapstructure:"max_body_kb"`
}

// SandboxConfig holds the limits applied to every build and run
type SandboxConfig struct {
	ScratchDir      string   `mapstructure:"scratch_dir"`
	TimeoutSec      int      `mapstructure:"timeout_sec"`
	BuildTimeoutSec int      `mapstructure:"build_timeout_sec"`
	MemoryMB        int      `mapstructure:"memory_mb"`
	CPUShares       int      `mapstructure:"cpu_shares"`
	PidsLimit       int      `mapstructure:"pids_limit"`
	NetworkMode     string   `mapstructure:"network_mode"`
	DNS             []string `mapstructure:"dns"`
	Workdir         string   `mapstructure:"workdir"`
	MaxOutputKB     int      `mapstructure:"max_output_kb"`
}

// EngineConfig holds container engine connection settings. An empty Host
// means the DOCKER_HOST environment or the platform default socket.
type EngineConfig struct {
	Host string `mapstructure:"host"`
}

// CacheConfig holds image cache settings
type CacheConfig struct {
	MaxSize             int    `mapstructure:"max_size"`
	EvictionIntervalSec int    `mapstructure:"eviction_interval_sec"`
	MetadataPath        string `mapstructure:"metadata_path"`
	ImagePrefix         string `mapstructure:"image_prefix"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// Language overrides or extends an entry of the built-in language table.
// Empty fields keep the built-in value.
type Language struct {
	Image         string            `mapstructure:"image"`
	FileExtension string            `mapstructure:"file_extension"`
	BuildCommand  string            `mapstructure:"build_command"`
	RunCommand    string            `mapstructure:"run_command"`
	Environment   map[string]string `mapstructure:"environment"`
}

// New loads the configuration from ./config.yaml or ./config/config.yaml
func New() (*Config, error) {
	return Load("")
}

// Load reads the configuration from path, or searches the default
// locations when path is empty. A missing file in the default locations is
// not an error; defaults and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "http")
	v.SetDefault("server.http_port", 5000)
	v.SetDefault("server.mcp_enabled", true)
	v.SetDefault("server.release", true)
	v.SetDefault("server.max_body_kb", 2048)

	v.SetDefault("sandbox.scratch_dir", "/tmp/execbox")
	v.SetDefault("sandbox.timeout_sec", 10)
	v.SetDefault("sandbox.build_timeout_sec", 300)
	v.SetDefault("sandbox.memory_mb", 128)
	v.SetDefault("sandbox.cpu_shares", 256)
	v.SetDefault("sandbox.pids_limit", 64)
	v.SetDefault("sandbox.network_mode", "none")
	v.SetDefault("sandbox.dns", []string{"8.8.8.8", "8.8.4.4"})
	v.SetDefault("sandbox.workdir", "/usr/src/app")
	v.SetDefault("sandbox.max_output_kb", 1024)

	v.SetDefault("engine.host", "")

	v.SetDefault("cache.max_size", 50)
	v.SetDefault("cache.eviction_interval_sec", 24*60*60)
	v.SetDefault("cache.metadata_path", "cache-metadata.json")
	v.SetDefault("cache.image_prefix", "cached-image")

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // flat list of independent checks
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.Transport == "http" && (c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535) {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	if c.Server.MaxBodyKB <= 0 {
		return fmt.Errorf("server.max_body_kb must be positive, got: %d", c.Server.MaxBodyKB)
	}

	if c.Sandbox.ScratchDir == "" {
		return fmt.Errorf("sandbox.scratch_dir must be set")
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	if c.Sandbox.BuildTimeoutSec <= 0 {
		return fmt.Errorf("sandbox.build_timeout_sec must be positive, got: %d", c.Sandbox.BuildTimeoutSec)
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.CPUShares < 0 {
		return fmt.Errorf("sandbox.cpu_shares must not be negative, got: %d", c.Sandbox.CPUShares)
	}

	if c.Sandbox.MaxOutputKB <= 0 {
		return fmt.Errorf("sandbox.max_output_kb must be positive, got: %d", c.Sandbox.MaxOutputKB)
	}

	if c.Sandbox.NetworkMode != "none" && c.Sandbox.NetworkMode != "bridge" {
		return fmt.Errorf("invalid sandbox.network_mode: %s, must be 'none' or 'bridge'", c.Sandbox.NetworkMode)
	}

	if !strings.HasPrefix(c.Sandbox.Workdir, "/") {
		return fmt.Errorf("sandbox.workdir must be an absolute path, got: %q", c.Sandbox.Workdir)
	}

	if c.Cache.MaxSize <= 0 {
		return fmt.Errorf("cache.max_size must be positive, got: %d", c.Cache.MaxSize)
	}

	if c.Cache.EvictionIntervalSec <= 0 {
		return fmt.Errorf("cache.eviction_interval_sec must be positive, got: %d", c.Cache.EvictionIntervalSec)
	}

	if c.Cache.ImagePrefix == "" || c.Cache.ImagePrefix != strings.ToLower(c.Cache.ImagePrefix) {
		return fmt.Errorf("cache.image_prefix must be a non-empty lowercase image name, got: %q", c.Cache.ImagePrefix)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	return nil
}

// GetTimeout returns the run timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}

// GetBuildTimeout returns the image build timeout as a duration
func (c *Config) GetBuildTimeout() time.Duration {
	return time.Duration(c.Sandbox.BuildTimeoutSec) * time.Second
}

// GetEvictionInterval returns the period of the cache sweep
func (c *Config) GetEvictionInterval() time.Duration {
	return time.Duration(c.Cache.EvictionIntervalSec) * time.Second
}
