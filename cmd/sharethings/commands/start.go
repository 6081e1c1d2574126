package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marmos91/sharethings/internal/logger"
	"github.com/marmos91/sharethings/pkg/api"
	"github.com/marmos91/sharethings/pkg/config"
	"github.com/marmos91/sharethings/pkg/content"
	"github.com/marmos91/sharethings/pkg/metrics"
	"github.com/marmos91/sharethings/pkg/relay"
	"github.com/marmos91/sharethings/pkg/session"
	"github.com/marmos91/sharethings/pkg/transport"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the ShareThings server",
	Long: `Start the ShareThings server with the specified configuration.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/sharethings/config.yaml. Without a
config file the server runs on built-in defaults.

Examples:
  # Start with default config location
  sharethings start

  # Start with custom config file
  sharethings start --config /etc/sharethings/config.yaml

  # Start with environment variable overrides
  SHARETHINGS_LOGGING_LEVEL=DEBUG sharethings start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	// Initialize the structured logger
	if err := InitLogger(cfg); err != nil {
		return err
	}

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))

	// Initialize metrics (if enabled)
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		logger.Info("Metrics enabled", "path", "/metrics")
	} else {
		logger.Info("Metrics collection disabled")
	}

	// Session registry backed by SQLite
	sessionStore, err := session.NewStore(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer func() { _ = sessionStore.Close() }()

	registry := session.NewRegistry(sessionStore, cfg.Session.Timeout)

	persisted, err := sessionStore.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load persisted sessions: %w", err)
	}
	logger.Info("Session store opened", "path", cfg.Storage.DBPath, "persisted_sessions", len(persisted))

	// Content store: SQLite index plus on-disk chunk payloads
	contentStore, err := content.NewStore(content.Config{
		DBPath:             cfg.Storage.ContentDBPath,
		ChunkRoot:          cfg.Storage.ChunkPath,
		LargeFileThreshold: int64(cfg.Content.LargeFileThreshold),
	})
	if err != nil {
		return fmt.Errorf("failed to open content store: %w", err)
	}
	defer func() { _ = contentStore.Close() }()

	logger.Info("Content store opened",
		"path", cfg.Storage.ContentDBPath,
		"chunk_path", cfg.Storage.ChunkPath,
		"large_file_threshold", cfg.Content.LargeFileThreshold.String(),
	)

	// WebSocket hub
	hub := transport.NewHub(transport.Config{
		MaxFrameSize:      int64(cfg.Transport.MaxFrameSize),
		HeartbeatInterval: cfg.Transport.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Transport.HeartbeatTimeout,
		SendBuffer:        cfg.Transport.SendBuffer,
		AllowedOrigin:     cfg.Server.CORSOrigin,
	})

	// Relay core wires sessions, content, and the hub together
	relayCore := relay.New(registry, contentStore, hub, relay.Config{
		DefaultPageSize:    cfg.Content.DefaultPageSize,
		MaxItemsPerSession: cfg.Session.MaxItemsPerSession,
	}, metrics.NewRelayMetrics())
	relayCore.Bind(hub)

	// Expiry scheduler removes inactive sessions and notifies their members
	expirer, err := session.NewExpirer(registry, cfg.Session.ExpiryCheckInterval, relayCore.NotifySessionExpired)
	if err != nil {
		return fmt.Errorf("failed to create expiry scheduler: %w", err)
	}
	expirer.Start()
	defer func() {
		if err := expirer.Stop(); err != nil {
			logger.Error("expiry scheduler shutdown error", "error", err)
		}
	}()

	logger.Info("Session expiry scheduler started",
		"timeout", cfg.Session.Timeout.String(),
		"check_interval", cfg.Session.ExpiryCheckInterval.String(),
	)

	// HTTP server hosting health probes, downloads, metrics, and /ws
	router := api.NewRouter(registry, contentStore, hub, cfg.Metrics.Enabled)
	server := api.NewServer(cfg.Server, router)

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.Start(ctx)
	}()

	// Wait for interrupt signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Server is running. Press Ctrl+C to stop.", "port", cfg.Server.Port)

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel()

		// Wait for server to shut down gracefully
		if err := <-serverDone; err != nil {
			logger.Error("Server shutdown error", "error", err)
			return err
		}
		hub.Shutdown()
		logger.Info("Server stopped gracefully")

	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("Server error", "error", err)
			return err
		}
		logger.Info("Server stopped")
	}

	return nil
}

// getConfigSource returns a description of where the config was loaded from.
func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}
