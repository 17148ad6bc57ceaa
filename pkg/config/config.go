// Package config provides YAML-based configuration loading for the blip
// tools and servers.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the process
	AppName string `mapstructure:"app_name"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// Connection tunes the BLIP scheduler
	Connection ConnectionConfig `mapstructure:"connection"`

	// Transports lists the links to listen on or dial
	Transports []TransportConfig `mapstructure:"transports"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ConnectionConfig tunes per-connection scheduling.
type ConnectionConfig struct {
	// MaxFrameSizeBytes caps the payload of one frame
	MaxFrameSizeBytes int `mapstructure:"max_frame_size_bytes"`
	// SendWindowBytes is the per-message unacked byte window
	SendWindowBytes int `mapstructure:"send_window_bytes"`
}

// TransportConfig describes one transport kind and its endpoints.
// Example YAML:
//
//	transports:
//	  - kind: ws
//	    listen: [":4984"]
//	  - kind: tcp
//	    dial: ["10.0.0.2:4985"]
//	  - kind: quic
//	    listen: [":4433"]
type TransportConfig struct {
	Kind   string   `mapstructure:"kind"`
	Listen []string `mapstructure:"listen"`
	Dial   []string `mapstructure:"dial"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "blip",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/blip.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Connection: ConnectionConfig{
			MaxFrameSizeBytes: 4096,
			SendWindowBytes:   256 * 1024,
		},
		Transports: []TransportConfig{
			{Kind: "ws", Listen: []string{":4984"}},
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment
// overrides. Environment variables use the prefix BLIP and `.`/`-` are
// replaced with `_`. Example: BLIP_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("BLIP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("connection.max_frame_size_bytes", cfg.Connection.MaxFrameSizeBytes)
	v.SetDefault("connection.send_window_bytes", cfg.Connection.SendWindowBytes)
	v.SetDefault("transports", cfg.Transports)

	if path == "" {
		if envPath := os.Getenv("BLIP_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("blip")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".blip"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if c.Connection.MaxFrameSizeBytes <= 0 {
		return fmt.Errorf("connection.max_frame_size_bytes must be positive")
	}
	if c.Connection.SendWindowBytes < c.Connection.MaxFrameSizeBytes {
		return fmt.Errorf("connection.send_window_bytes must be at least the frame size")
	}
	for i := range c.Transports {
		c.Transports[i].Kind = strings.ToLower(strings.TrimSpace(c.Transports[i].Kind))
		switch c.Transports[i].Kind {
		case "ws", "tcp", "quic", "mem":
		default:
			return fmt.Errorf("unknown transport kind: %q", c.Transports[i].Kind)
		}
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
