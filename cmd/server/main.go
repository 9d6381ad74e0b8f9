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

	"golang.org/x/sync/errgroup"

	"handoff/internal/server/api"
	"handoff/internal/server/config"
	"handoff/internal/server/database"
	"handoff/internal/server/service"
	"handoff/internal/server/storage"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("configuration loaded",
		"port", cfg.Port,
		"storage_backend", cfg.StorageBackend,
		"metadata_backend", cfg.MetadataBackend,
		"max_file_size", cfg.MaxFileSize,
		"session_lifetime", cfg.SessionLifetime,
		"cleanup_interval", cfg.CleanupInterval,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	meta, err := openMetadataStore(startupCtx, cfg)
	if err != nil {
		return err
	}
	defer meta.Close()
	slog.Info("metadata store initialized", "backend", meta.Backend())

	blobs, err := openBlobStore(startupCtx, cfg)
	if err != nil {
		return err
	}
	slog.Info("blob store initialized", "backend", blobs.Backend())

	svc := service.NewSessionService(meta, blobs, cfg)

	cleanup := storage.NewCleanupService(svc, cfg.StartupSweepDelay, cfg.CleanupInterval)
	if cfg.RedisURL != "" {
		locker, err := storage.NewRedisLocker(startupCtx, cfg.RedisURL, cfg.CleanupTimeout+time.Minute)
		if err != nil {
			return err
		}
		defer locker.Close()
		cleanup.SetLocker(locker)
		slog.Info("sweep lock enabled", "backend", "redis")
	}

	// Setup HTTP router
	handler := api.NewHandler(svc, cleanup, cfg)
	e := api.SetupRouter(handler, cfg)

	g, gctx := errgroup.WithContext(ctx)

	cleanup.Start(gctx)
	g.Go(func() error {
		cleanup.Wait()
		return nil
	})

	g.Go(func() error {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr, "base_url", cfg.BaseURL)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		// Stop accepting new requests, finish in-flight with 30s timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := e.Shutdown(shutdownCtx); err != nil {
			slog.Error("server forced to shutdown", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("server exited cleanly")
	return nil
}

func openMetadataStore(ctx context.Context, cfg *config.Config) (database.MetadataStore, error) {
	switch cfg.MetadataBackend {
	case config.MetadataPostgres:
		db, err := database.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.RunMigrations(ctx); err != nil {
			db.Close()
			return nil, err
		}
		slog.Info("database migrations complete")
		return database.NewRepository(db), nil
	case config.MetadataMongo:
		return database.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
	default:
		return database.OpenJSONStore(cfg.MetadataPath)
	}
}

func openBlobStore(ctx context.Context, cfg *config.Config) (storage.BlobStore, error) {
	switch cfg.StorageBackend {
	case config.StorageS3:
		store, err := storage.NewS3Store(ctx, cfg.S3, cfg.MaxFileSize)
		if err != nil {
			return nil, err
		}
		if err := store.Ping(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case config.StorageMinio:
		return storage.NewMinioStore(ctx, cfg.Minio, cfg.MaxFileSize)
	default:
		store := storage.NewFileSystemStore(cfg.StoragePath, cfg.MaxFileSize)
		if err := store.EnsureDir(); err != nil {
			return nil, err
		}
		return store, nil
	}
}
