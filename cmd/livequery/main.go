// livequery reference server — serves the demo action set over a WebSocket
// subscription gateway backed by PostgreSQL.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/codeready-toolchain/livequery/pkg/api"
	"github.com/codeready-toolchain/livequery/pkg/config"
	"github.com/codeready-toolchain/livequery/pkg/database"
	"github.com/codeready-toolchain/livequery/pkg/live"
	"github.com/codeready-toolchain/livequery/pkg/notify"
	"github.com/codeready-toolchain/livequery/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	configPath := flag.String("config",
		getEnv("LIVEQUERY_CONFIG", "config/livequery.yaml"),
		"Path to configuration file")
	flag.Parse()

	// Load .env file for local development
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"error", err)
	}

	// 1. Load configuration
	cfg, err := config.Load(*configPath)
	if errors.Is(err, config.ErrConfigNotFound) {
		slog.Warn("Config file not found, using defaults and environment",
			"path", *configPath)
		cfg, err = config.FromEnv()
	}
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})))

	slog.Info("Starting livequery",
		"version", version.Full(),
		"listen_addr", cfg.ListenAddr)

	if cfg.DatabaseURL == "" {
		slog.Error("database_url is required — set it in the config file or via DATABASE_URL")
		os.Exit(1)
	}

	ctx := context.Background()

	// 2. Connect to the database and apply migrations
	dbClient, err := database.NewClient(ctx, database.NewConfig(cfg.DatabaseURL))
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Start the change notifier (dedicated pgx connection for LISTEN)
	pg := notify.NewPostgresNotifier(cfg.DatabaseURL)
	if err := pg.Start(ctx); err != nil {
		slog.Error("Failed to start change notifier", "error", err)
		os.Exit(1)
	}
	defer pg.Stop(ctx)

	// 4. Build the action set and the subscription manager
	connManager := live.NewManager(newActions(dbClient.DB(), pg), 5*time.Second)
	slog.Info("Subscription manager initialized")

	// 5. Create HTTP server
	httpServer := api.NewServer(connManager, dbClient, cfg.AllowedWSOrigins)

	// 6. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.ListenAddr)
		if err := httpServer.Start(cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("livequery started successfully")

	// 7. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 8. Graceful shutdown: HTTP first so connections drain, then the
	// notifier and database via the deferred stops.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
