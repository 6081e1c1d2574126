// Package config loads and validates the ShareThings server configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (SHARETHINGS_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/sharethings/internal/bytesize"
)

// Config represents the ShareThings server configuration.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server contains HTTP/WebSocket server settings
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Storage contains database and chunk storage paths
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// Session controls session lifecycle behavior
	Session SessionConfig `mapstructure:"session" yaml:"session"`

	// Content controls content retention and large-file policy
	Content ContentConfig `mapstructure:"content" yaml:"content"`

	// Transport contains WebSocket transport tuning
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`

	// Metrics contains Prometheus metrics settings
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format: text or json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is "stdout", "stderr", or a file path
	Output string `mapstructure:"output" yaml:"output"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	// Port is the TCP port the HTTP/WebSocket server listens on.
	// Default: 8080
	Port int `mapstructure:"port" validate:"required,gt=0,lte=65535" yaml:"port"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Default: 10s
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// CORSOrigin is the allowed Origin for WebSocket upgrades and HTTP
	// requests. "*" allows any origin. Default: "*"
	CORSOrigin string `mapstructure:"cors_origin" yaml:"cors_origin"`
}

// StorageConfig contains persistence paths.
type StorageConfig struct {
	// DBPath is the SQLite database file holding session records.
	// Default: ./data/sessions.db
	DBPath string `mapstructure:"db_path" validate:"required" yaml:"db_path"`

	// ContentDBPath is the SQLite database file holding the content index.
	// Default: ./data/content.db
	ContentDBPath string `mapstructure:"content_db_path" validate:"required" yaml:"content_db_path"`

	// ChunkPath is the root directory for on-disk chunk payloads.
	// Chunks are stored under <chunk_path>/sessions/<sessionId>/<contentId>/.
	// Default: ./data
	ChunkPath string `mapstructure:"chunk_path" validate:"required" yaml:"chunk_path"`
}

// SessionConfig controls session lifecycle behavior.
type SessionConfig struct {
	// Timeout is the inactivity window after which a session expires.
	// Default: 10m
	Timeout time.Duration `mapstructure:"timeout" validate:"required,gt=0" yaml:"timeout"`

	// ExpiryCheckInterval is how often the expiry scheduler runs.
	// Default: 60s
	ExpiryCheckInterval time.Duration `mapstructure:"expiry_check_interval" validate:"required,gt=0" yaml:"expiry_check_interval"`

	// MaxItemsPerSession caps retained content items per session; the oldest
	// unpinned complete items are evicted beyond this. Default: 100
	MaxItemsPerSession int `mapstructure:"max_items_per_session" validate:"required,gt=0" yaml:"max_items_per_session"`
}

// ContentConfig controls content handling policy.
type ContentConfig struct {
	// LargeFileThreshold is the total size at or above which an item is
	// treated as a large file: chunks are stored but not broadcast.
	// Accepts human-readable sizes ("10MiB"). Default: 10MiB
	LargeFileThreshold bytesize.ByteSize `mapstructure:"large_file_threshold" yaml:"large_file_threshold"`

	// DefaultPageSize is the page size used for content replay on join and
	// as the fallback for list-content requests. Default: 50
	DefaultPageSize int `mapstructure:"default_page_size" validate:"required,gt=0" yaml:"default_page_size"`
}

// TransportConfig contains WebSocket transport tuning.
type TransportConfig struct {
	// MaxFrameSize is the maximum inbound frame size. Default: 100MiB
	MaxFrameSize bytesize.ByteSize `mapstructure:"max_frame_size" yaml:"max_frame_size"`

	// HeartbeatInterval is how often the server pings idle connections.
	// Default: 25s
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"required,gt=0" yaml:"heartbeat_interval"`

	// HeartbeatTimeout is the read deadline; a connection that misses pongs
	// for this long is closed. Default: 60s
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout" validate:"required,gt=0" yaml:"heartbeat_timeout"`

	// SendBuffer is the per-connection outbound event queue length. A
	// connection whose queue overflows is closed rather than silently
	// dropping events. Default: 256
	SendBuffer int `mapstructure:"send_buffer" validate:"required,gt=0" yaml:"send_buffer"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	// Enabled exposes /metrics on the API router. Default: true
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	// If no config file was found, use defaults
	if !configFileFound {
		return GetDefaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages. It checks if the
// config file exists and provides user-friendly instructions if not.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			// No file anywhere: run on defaults. ShareThings is usable
			// out of the box without an init step.
			return GetDefaultConfig(), nil
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  sharethings init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path in YAML format.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use SHARETHINGS_ prefix and underscores.
	// Example: SHARETHINGS_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("SHARETHINGS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Booleans defaulting to true cannot be distinguished from an omitted
	// key after unmarshal, so they get viper-level defaults.
	v.SetDefault("metrics.enabled", true)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/sharethings/config.yaml
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error) where fileFound indicates if a config file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and integers to bytesize.ByteSize so
// config files can use human-readable sizes like "10MiB" or plain numbers.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.Parse(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings to time.Duration so config files can
// use human-readable durations like "30s", "5m", "1h".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			// Assume nanoseconds for raw integers
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to the
// current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "sharethings")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "sharethings")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
