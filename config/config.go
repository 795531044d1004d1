package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`

	// Images overrides the default base image per language tag.
	Images map[string]string `mapstructure:"images"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// SandboxConfig holds session and retention configuration
type SandboxConfig struct {
	Backend            string `mapstructure:"backend"`
	Verbose            bool   `mapstructure:"verbose"`
	KeepTemplate       bool   `mapstructure:"keep_template"`
	CommitOnClose      bool   `mapstructure:"commit_on_close"`
	MemoryMB           int64  `mapstructure:"memory_mb"`
	SetupTimeoutSec    int    `mapstructure:"setup_timeout_sec"`
	RunTimeoutSec      int    `mapstructure:"run_timeout_sec"`
	EnableLocalBackend bool   `mapstructure:"enable_local_backend"`

	// ProfileOverrides optionally points at a YAML file of per-language
	// profile overrides (image/install/compile/run).
	ProfileOverrides string `mapstructure:"profile_overrides"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set default values
	viper.SetDefault("server.transport", "stdio")
	viper.SetDefault("server.http_port", 8080)
	viper.SetDefault("logging.mode", "production")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("sandbox.backend", "docker")
	viper.SetDefault("sandbox.verbose", false)
	viper.SetDefault("sandbox.keep_template", false)
	viper.SetDefault("sandbox.commit_on_close", true)
	viper.SetDefault("sandbox.memory_mb", 512)
	viper.SetDefault("sandbox.setup_timeout_sec", 120)
	viper.SetDefault("sandbox.run_timeout_sec", 60)
	viper.SetDefault("sandbox.enable_local_backend", false)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Sandbox.MemoryMB < 0 {
		return fmt.Errorf("sandbox.memory_mb must not be negative, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.SetupTimeoutSec <= 0 {
		return fmt.Errorf("sandbox.setup_timeout_sec must be positive, got: %d", c.Sandbox.SetupTimeoutSec)
	}

	if c.Sandbox.RunTimeoutSec <= 0 {
		return fmt.Errorf("sandbox.run_timeout_sec must be positive, got: %d", c.Sandbox.RunTimeoutSec)
	}

	supportedBackends := map[string]bool{
		"docker": true,
		"local":  c.Sandbox.EnableLocalBackend, // local only enabled if specifically allowed
	}

	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	return nil
}

// GetSetupTimeout returns the library-setup budget as a duration
func (c *Config) GetSetupTimeout() time.Duration {
	return time.Duration(c.Sandbox.SetupTimeoutSec) * time.Second
}

// GetRunTimeout returns the code-execution budget as a duration
func (c *Config) GetRunTimeout() time.Duration {
	return time.Duration(c.Sandbox.RunTimeoutSec) * time.Second
}
