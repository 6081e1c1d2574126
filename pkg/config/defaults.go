package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/marmos91/sharethings/internal/bytesize"
)

// Default values for the recognized configuration options.
const (
	DefaultPort                = 8080
	DefaultShutdownTimeout     = 10 * time.Second
	DefaultCORSOrigin          = "*"
	DefaultDBPath              = "./data/sessions.db"
	DefaultContentDBPath       = "./data/content.db"
	DefaultChunkPath           = "./data"
	DefaultSessionTimeout      = 10 * time.Minute
	DefaultExpiryCheckInterval = 60 * time.Second
	DefaultMaxItemsPerSession  = 100
	DefaultLargeFileThreshold  = 10 * bytesize.MiB
	DefaultPageSize            = 50
	DefaultMaxFrameSize        = 100 * bytesize.MiB
	DefaultHeartbeatInterval   = 25 * time.Second
	DefaultHeartbeatTimeout    = 60 * time.Second
	DefaultSendBuffer          = 256
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Zero values (0, "", nil) are replaced with defaults; explicit values are
// preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyStorageDefaults(&cfg.Storage)
	applySessionDefaults(&cfg.Session)
	applyContentDefaults(&cfg.Content)
	applyTransportDefaults(&cfg.Transport)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = DefaultCORSOrigin
	}
}

func applyStorageDefaults(cfg *StorageConfig) {
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath
	}
	if cfg.ContentDBPath == "" {
		cfg.ContentDBPath = DefaultContentDBPath
	}
	if cfg.ChunkPath == "" {
		cfg.ChunkPath = DefaultChunkPath
	}
}

func applySessionDefaults(cfg *SessionConfig) {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultSessionTimeout
	}
	if cfg.ExpiryCheckInterval == 0 {
		cfg.ExpiryCheckInterval = DefaultExpiryCheckInterval
	}
	if cfg.MaxItemsPerSession == 0 {
		cfg.MaxItemsPerSession = DefaultMaxItemsPerSession
	}
}

func applyContentDefaults(cfg *ContentConfig) {
	if cfg.LargeFileThreshold == 0 {
		cfg.LargeFileThreshold = DefaultLargeFileThreshold
	}
	if cfg.DefaultPageSize == 0 {
		cfg.DefaultPageSize = DefaultPageSize
	}
}

func applyTransportDefaults(cfg *TransportConfig) {
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
}

// GetDefaultConfig returns a fully populated configuration with defaults.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Metrics: MetricsConfig{Enabled: true},
	}
	ApplyDefaults(cfg)
	return cfg
}

// Validate checks the configuration using struct validation tags.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration fields: %s", strings.Join(fields, ", "))
		}
		return err
	}
	return nil
}
