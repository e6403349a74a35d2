// Package main implements a service that watches YouTube channels
// and announces new videos in chat channels.
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

	gcs "cloud.google.com/go/storage"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/youtube/v3"

	"youtube-notifier/config"
	"youtube-notifier/dispatch"
	"youtube-notifier/feed"
	"youtube-notifier/manager"
	"youtube-notifier/platform"
	"youtube-notifier/poll"
	"youtube-notifier/resolver"
	"youtube-notifier/server"
	"youtube-notifier/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Service stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close store", "error", err)
		}
	}()

	httpClient := &http.Client{Timeout: 30 * time.Second}

	var api *youtube.Service
	if cfg.YouTubeAPIKey != "" {
		api, err = resolver.NewAPI(ctx, cfg.YouTubeAPIKey)
		if err != nil {
			return fmt.Errorf("youtube api: %w", err)
		}
		logger.Info("YouTube Data API lookups enabled")
	}

	p, err := openPlatform(ctx, cfg, logger)
	if err != nil {
		return err
	}

	fetcher := feed.New(httpClient, logger)
	monitor := poll.New(&poll.Config{
		Fetcher:      fetcher,
		Store:        store,
		Platform:     p,
		Dispatcher:   dispatch.New(p, logger),
		Logger:       logger,
		Policy:       cfg.Policy,
		Interval:     cfg.PollInterval,
		FetchTimeout: cfg.FetchTimeout,
		Workers:      cfg.PollWorkers,
	})
	if err := monitor.LoadInterval(ctx); err != nil {
		logger.Warn("Failed to load stored poll interval, using default", "error", err, "interval", monitor.Interval())
	}

	mgr := manager.New(resolver.New(httpClient, store, api, logger), fetcher, store, p, logger)
	srv := server.New(&server.Config{
		Manager:    mgr,
		Poller:     monitor,
		Logger:     logger,
		AdminToken: cfg.AdminToken,
	})
	if cfg.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN not set, command API disabled")
	}

	// The platform is connected by now, so polling may start right away.
	ready := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return monitor.Run(gctx, ready)
	})
	g.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.Port)
	})
	close(ready)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openStore selects the persistence backend: sqlite, then GCS, then local files.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage.Store, error) {
	switch {
	case cfg.SQLitePath != "":
		logger.Info("Using SQLite storage", "path", cfg.SQLitePath)
		return storage.NewSQLite(cfg.SQLitePath, logger)
	case cfg.StorageBucket != "":
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("storage client: %w", err)
		}
		logger.Info("Using Cloud Storage", "bucket", cfg.StorageBucket)
		return storage.NewGCS(client, cfg.StorageBucket, logger), nil
	default:
		logger.Info("Running in local development mode", "storage_path", cfg.LocalStorage)
		return storage.NewLocal(cfg.LocalStorage, logger)
	}
}

func openPlatform(ctx context.Context, cfg *config.Config, logger *slog.Logger) (platform.Platform, error) {
	if cfg.TelegramToken == "" {
		logger.Info("No TELEGRAM_TOKEN set, notifications are logged only")
		return platform.NewLog(logger), nil
	}
	t, err := platform.NewTelegram(ctx, cfg.TelegramToken, logger)
	if err != nil {
		return nil, err
	}
	return t, nil
}
