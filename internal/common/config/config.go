// Package config provides configuration management for Atelier.
// It supports loading configuration from environment variables, an optional
// config file, a .env file, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration sections for Atelier.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	Terminal TerminalConfig `mapstructure:"terminal"`
	Tunnel   TunnelConfig   `mapstructure:"tunnel"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Logging  LoggingConfig  `mapstructure:"logging"`

	// DotEnv holds the key/value pairs parsed from the .env file. The env
	// sanitizer uses it to detect runtime-injected variables.
	DotEnv map[string]string `mapstructure:"-"`
}

// ServerConfig holds HTTP/WebSocket server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the SQLite database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SnapshotConfig holds blob/tree storage configuration.
type SnapshotConfig struct {
	DataDir     string `mapstructure:"dataDir"`     // default ~/.atelier/snapshots
	MaxFileSize int64  `mapstructure:"maxFileSize"` // bytes; files larger are skipped
}

// TerminalConfig holds PTY session manager configuration.
type TerminalConfig struct {
	CacheDir         string `mapstructure:"cacheDir"`         // terminal output cache directory
	IdleTimeoutMin   int    `mapstructure:"idleTimeoutMin"`   // kill sessions idle longer than this
	SweepIntervalMin int    `mapstructure:"sweepIntervalMin"` // background sweep cadence
}

// TunnelConfig holds outbound tunnel configuration.
type TunnelConfig struct {
	BinaryDir       string `mapstructure:"binaryDir"`       // where the tunnel binary is installed
	AutoStopMin     int    `mapstructure:"autoStopMin"`     // auto-stop tunnels after this many minutes
	URLTimeoutSec   int    `mapstructure:"urlTimeoutSec"`   // timeout waiting for the public URL
	DownloadTimeout int    `mapstructure:"downloadTimeout"` // binary download timeout in seconds
}

// BrowserConfig holds headless browser configuration.
type BrowserConfig struct {
	DebugPort int `mapstructure:"debugPort"` // CDP debug port of the headless browser
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 9141)
	v.SetDefault("server.readTimeout", 60)
	v.SetDefault("server.writeTimeout", 60)

	v.SetDefault("database.path", "atelier.db")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "atelier")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("snapshot.dataDir", filepath.Join(home, ".atelier", "snapshots"))
	v.SetDefault("snapshot.maxFileSize", int64(5*1024*1024))

	v.SetDefault("terminal.cacheDir", ".terminal-output-cache")
	v.SetDefault("terminal.idleTimeoutMin", 60)
	v.SetDefault("terminal.sweepIntervalMin", 15)

	v.SetDefault("tunnel.binaryDir", filepath.Join(home, ".atelier", "bin"))
	v.SetDefault("tunnel.autoStopMin", 60)
	v.SetDefault("tunnel.urlTimeoutSec", 90)
	v.SetDefault("tunnel.downloadTimeout", 300)

	v.SetDefault("browser.debugPort", 9222)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix ATELIER_ with snake_case
// naming. PORT and HOST are honoured without the prefix for compatibility.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	dotenv := loadDotEnv()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ATELIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("server.port", "PORT", "ATELIER_SERVER_PORT")
	_ = v.BindEnv("server.host", "HOST", "ATELIER_SERVER_HOST")
	_ = v.BindEnv("database.path", "ATELIER_DB_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.DotEnv = dotenv

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadDotEnv loads .env into the process environment and returns the parsed
// map. A missing .env is seeded from .env.example when one exists.
func loadDotEnv() map[string]string {
	if _, err := os.Stat(".env"); os.IsNotExist(err) {
		if example, err := os.ReadFile(".env.example"); err == nil {
			_ = os.WriteFile(".env", example, 0644)
		}
	}

	parsed, err := godotenv.Read(".env")
	if err != nil {
		return map[string]string{}
	}
	_ = godotenv.Load(".env")
	return parsed
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	// Privileged ports are rejected outright; the server never runs as root.
	if cfg.Server.Port < 1024 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1024 and 65535")
	}
	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if cfg.Snapshot.MaxFileSize <= 0 {
		errs = append(errs, "snapshot.maxFileSize must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
