package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mini-cloud/edge/internal/applogs"
	"github.com/mini-cloud/edge/internal/backup"
	"github.com/mini-cloud/edge/internal/clock"
	"github.com/mini-cloud/edge/internal/config"
	"github.com/mini-cloud/edge/internal/db"
	"github.com/mini-cloud/edge/internal/docker"
	"github.com/mini-cloud/edge/internal/handlers"
	"github.com/mini-cloud/edge/internal/metrics"
	"github.com/mini-cloud/edge/internal/proxy"
	"github.com/mini-cloud/edge/internal/registry"
	"github.com/mini-cloud/edge/internal/routing"
	"github.com/mini-cloud/edge/internal/templates"
	"github.com/mini-cloud/edge/internal/tracker"
	"github.com/mini-cloud/edge/internal/websocket"
	"github.com/spf13/cobra"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	retentionInterval = time.Hour
)

func main() {
	v := config.New()

	rootCmd := &cobra.Command{
		Use:           "edge",
		Short:         "Mini Cloud edge service",
		Long:          "Routes app traffic by hostname, streams build and app logs, tracks deployments and reports host metrics.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	if err := config.BindFlags(v, rootCmd.Flags()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("edge exited", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func run(ctx context.Context, cfg config.Config) error {
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	clk := clock.Real()

	engine, err := docker.NewDockerClient(cfg.DockerHost)
	if err != nil {
		return fmt.Errorf("failed to create container engine client: %w", err)
	}
	defer engine.Close()
	if err := engine.PingDocker(ctx); err != nil {
		logger.Warn("container engine not reachable, metrics will be zeroed", "host", engine.DaemonHost(), "error", err)
	}

	store, err := db.Open(ctx, db.Options{
		Type:             cfg.DBType,
		Path:             cfg.DBPath,
		ConnectionString: cfg.DBConnectionString,
	})
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	defer store.Close()

	retention := db.NewRetentionManager(store, cfg.HistoryMaxAge, cfg.HistoryKeep, clk, logger)
	retention.Start(ctx, retentionInterval)
	defer retention.Stop()

	catalog := templates.Default()
	if cfg.TemplatesFile != "" {
		if catalog, err = templates.LoadFile(cfg.TemplatesFile); err != nil {
			return fmt.Errorf("failed to load templates: %w", err)
		}
	}

	apps := registry.New(registry.Config{
		BaseURL:         cfg.DeployAPIURL,
		ContainerPrefix: cfg.ContainerPrefix,
		Logger:          logger,
	})

	hub := websocket.NewHub(websocket.HubConfig{
		Retention: cfg.LogRetention,
		MaxLines:  cfg.LogMaxLines,
		Clock:     clk,
		Logger:    logger,
	})
	hub.Start(ctx)

	builds := tracker.New(tracker.Config{
		Clock:     clk,
		Publisher: hub,
		StepDelay: cfg.BuildStepDelay,
		Retention: cfg.BuildRetention,
		Recorder:  store,
		Logger:    logger,
	})

	follower := applogs.New(applogs.Config{
		Source:          engine,
		Hub:             hub,
		ContainerPrefix: cfg.ContainerPrefix,
		Clock:           clk,
		Logger:          logger,
	})

	server := handlers.NewServer(handlers.Deps{
		Registry: apps,
		Engine:   engine,
		Metrics: metrics.New(metrics.Config{
			Engine:          engine,
			Host:            metrics.NewHostProbe(),
			ContainerPrefix: cfg.ContainerPrefix,
			Clock:           clk,
			Logger:          logger,
		}),
		Tracker:   builds,
		Hub:       hub,
		Templates: catalog,
		Backups: backup.NewManager(backup.Config{
			Dir:         cfg.BackupDir,
			DatabaseURL: cfg.BackupDatabaseURL,
			Paths:       cfg.BackupPaths,
			Keep:        cfg.BackupKeep,
			Compression: cfg.BackupCompression,
			Store:       store,
			Clock:       clk,
			Logger:      logger,
		}),
		History:         store,
		AppLogs:         follower,
		Containers:      engine,
		ContainerPrefix: cfg.ContainerPrefix,
		StaticDir:       cfg.StaticDir,
		Domain:          cfg.Domain,
		Clock:           clk,
		Logger:          logger,
	})

	resolver := routing.NewResolver(apps, routing.DefaultReserved, logger)
	edge := handlers.NewEdgeHandler(server.Router(), resolver, proxy.NewForwarder(logger), logger)

	// No write timeout: log streams and proxied connections are long-lived.
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           edge,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       2 * time.Minute,
	}
	srv.RegisterOnShutdown(server.StopStreams)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("edge listening", "addr", cfg.Addr(), "domain", cfg.Domain, "deploy_api", cfg.DeployAPIURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", "error", err)
	}
	builds.Shutdown()
	follower.Shutdown()
	hub.Shutdown()

	logger.Info("edge stopped")
	return nil
}
