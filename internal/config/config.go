package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete hybridhost configuration
type Config struct {
	Host    HostConfig    `mapstructure:"host" yaml:"host"`
	Runtime RuntimeConfig `mapstructure:"runtime" yaml:"runtime"`
	Bridge  BridgeConfig  `mapstructure:"bridge" yaml:"bridge"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// HostConfig describes the hosted content and where it mounts
type HostConfig struct {
	// DocumentPath is the host page loaded into the engine (default: "index.html").
	// Relative paths resolve against the working directory.
	DocumentPath string `mapstructure:"document_path" yaml:"document_path"`
	// MountSelector is the anchor the root component attaches to (default: "#app")
	MountSelector string `mapstructure:"mount_selector" yaml:"mount_selector"`
	// TargetEndpoint is shown on the offline page when the engine fails to start
	TargetEndpoint string `mapstructure:"target_endpoint" yaml:"target_endpoint"`
}

// RuntimeConfig controls engine bring-up
type RuntimeConfig struct {
	// InitTimeoutMs bounds engine initialization in milliseconds (default: 10000)
	InitTimeoutMs int `mapstructure:"init_timeout_ms" yaml:"init_timeout_ms"`
	// ProductID names the per-user cache directory. ASCII only.
	ProductID string `mapstructure:"product_id" yaml:"product_id"`
	// CacheDir overrides the derived cache directory when set
	CacheDir string `mapstructure:"cache_dir" yaml:"cache_dir"`
}

// BridgeConfig controls the host/guest message channel
type BridgeConfig struct {
	// GuestTopics is the glob of host topics forwarded into hosted content (default: "*")
	GuestTopics string `mapstructure:"guest_topics" yaml:"guest_topics"`
	// GuestRateLimit caps inbound guest messages per second (0 = unlimited)
	GuestRateLimit float64 `mapstructure:"guest_rate_limit" yaml:"guest_rate_limit"`
	// GuestBurst is the burst size allowed above GuestRateLimit
	GuestBurst int `mapstructure:"guest_burst" yaml:"guest_burst"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Level is one of debug, info, warn, error (default: "info")
	Level string `mapstructure:"level" yaml:"level"`
	// MaxSizeMB rotates the log file at this size (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	// MaxBackups is how many rotated files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Host: HostConfig{
			DocumentPath:   "index.html",
			MountSelector:  "#app",
			TargetEndpoint: "http://localhost:5000",
		},
		Runtime: RuntimeConfig{
			InitTimeoutMs: 10000,
			ProductID:     "Dreamine",
			CacheDir:      "", // Empty means derive from ProductID
		},
		Bridge: BridgeConfig{
			GuestTopics:    "*",
			GuestRateLimit: 200,
			GuestBurst:     50,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// InitTimeout returns the init timeout as a time.Duration
func (c *RuntimeConfig) InitTimeout() time.Duration {
	return time.Duration(c.InitTimeoutMs) * time.Millisecond
}

// SetDefaults registers default values with viper
func SetDefaults() {
	SetDefaultsOn(viper.GetViper())
}

// SetDefaultsOn registers default values on v.
func SetDefaultsOn(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("host.document_path", defaults.Host.DocumentPath)
	v.SetDefault("host.mount_selector", defaults.Host.MountSelector)
	v.SetDefault("host.target_endpoint", defaults.Host.TargetEndpoint)

	v.SetDefault("runtime.init_timeout_ms", defaults.Runtime.InitTimeoutMs)
	v.SetDefault("runtime.product_id", defaults.Runtime.ProductID)
	v.SetDefault("runtime.cache_dir", defaults.Runtime.CacheDir)

	v.SetDefault("bridge.guest_topics", defaults.Bridge.GuestTopics)
	v.SetDefault("bridge.guest_rate_limit", defaults.Bridge.GuestRateLimit)
	v.SetDefault("bridge.guest_burst", defaults.Bridge.GuestBurst)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom is Load against an explicit viper instance.
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "hybridhost")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hybridhost"
	}
	return filepath.Join(home, ".config", "hybridhost")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
