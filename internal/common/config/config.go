// Package config provides configuration management for clawdeck.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for clawdeck.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Logging LoggingConfig `mapstructure:"logging"`
	Data    DataConfig    `mapstructure:"data"`
	Session SessionConfig `mapstructure:"session"`
}

// ServerConfig holds HTTP/WebSocket server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// DataConfig holds on-disk state configuration.
type DataConfig struct {
	// Root is the base directory for durable state: message queues live
	// under <root>/queues, the session registry database at <root>/registry.db.
	Root string `mapstructure:"root"`
}

// SessionConfig holds session orchestration tunables.
type SessionConfig struct {
	MaxSessions        int      `mapstructure:"maxSessions"`        // concurrency cap
	ThrottleMs         int      `mapstructure:"throttleMs"`         // output snapshot throttle window
	AutoClearMs        int      `mapstructure:"autoClearMs"`        // idle buffer auto-clear (0 = disabled)
	BufferMaxBytes     int      `mapstructure:"bufferMaxBytes"`     // screen buffer cap
	BufferTrimRatio    float64  `mapstructure:"bufferTrimRatio"`    // retained fraction after trim
	MaxMessageLength   int      `mapstructure:"maxMessageLength"`   // enqueue payload cap
	ReadyTimeoutSec    int      `mapstructure:"readyTimeoutSec"`    // initial readiness timeout
	CompleteTimeoutSec int      `mapstructure:"completeTimeoutSec"` // per-message completion timeout
	HealthIntervalSec  int      `mapstructure:"healthIntervalSec"`  // health sweep cadence
	AutoSaveSec        int      `mapstructure:"autoSaveSec"`        // queue auto-save cadence
	BackupRetention    int      `mapstructure:"backupRetention"`    // rotated queue backups kept
	SkipPermissions    bool     `mapstructure:"skipPermissions"`    // pass --dangerously-skip-permissions
	Command            []string `mapstructure:"command"`            // child CLI command and base args
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Throttle returns the output throttle window as a time.Duration.
func (s *SessionConfig) Throttle() time.Duration {
	return time.Duration(s.ThrottleMs) * time.Millisecond
}

// AutoClear returns the auto-clear interval as a time.Duration.
func (s *SessionConfig) AutoClear() time.Duration {
	return time.Duration(s.AutoClearMs) * time.Millisecond
}

// ReadyTimeout returns the initial readiness timeout as a time.Duration.
func (s *SessionConfig) ReadyTimeout() time.Duration {
	return time.Duration(s.ReadyTimeoutSec) * time.Second
}

// CompletionTimeout returns the per-message completion timeout.
func (s *SessionConfig) CompletionTimeout() time.Duration {
	return time.Duration(s.CompleteTimeoutSec) * time.Second
}

// HealthInterval returns the health sweep cadence.
func (s *SessionConfig) HealthInterval() time.Duration {
	return time.Duration(s.HealthIntervalSec) * time.Second
}

// AutoSaveInterval returns the queue auto-save cadence.
func (s *SessionConfig) AutoSaveInterval() time.Duration {
	return time.Duration(s.AutoSaveSec) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5001)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "clawdeck")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Data defaults
	v.SetDefault("data.root", defaultDataRoot())

	// Session defaults
	v.SetDefault("session.maxSessions", 10)
	v.SetDefault("session.throttleMs", 250)
	v.SetDefault("session.autoClearMs", 0)
	v.SetDefault("session.bufferMaxBytes", 100*1024)
	v.SetDefault("session.bufferTrimRatio", 0.75)
	v.SetDefault("session.maxMessageLength", 50000)
	v.SetDefault("session.readyTimeoutSec", 60)
	v.SetDefault("session.completeTimeoutSec", 300)
	v.SetDefault("session.healthIntervalSec", 30)
	v.SetDefault("session.autoSaveSec", 30)
	v.SetDefault("session.backupRetention", 5)
	v.SetDefault("session.skipPermissions", false)
	v.SetDefault("session.command", []string{"claude"})
}

func detectDefaultLogFormat() string {
	if env := os.Getenv("CLAWDECK_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultDataRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".clawdeck"
	}
	return filepath.Join(home, ".clawdeck")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CLAWDECK_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/clawdeck/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CLAWDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/clawdeck")
	}

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine; defaults plus env cover everything
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// The dashboard contract uses a bare PORT variable for the listener
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 {
			cfg.Server.Port = p
		}
	}

	return &cfg, nil
}
