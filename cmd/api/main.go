package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairenow/flmlnk-admin-sub001/internal/api"
	"github.com/fairenow/flmlnk-admin-sub001/internal/config"
	"github.com/fairenow/flmlnk-admin-sub001/internal/dispatch"
	"github.com/fairenow/flmlnk-admin-sub001/internal/lease"
	"github.com/fairenow/flmlnk-admin-sub001/internal/logger"
	"github.com/fairenow/flmlnk-admin-sub001/internal/storage"
	"github.com/fairenow/flmlnk-admin-sub001/internal/store"
	"github.com/fairenow/flmlnk-admin-sub001/internal/upload"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger.Init(cfg.LogLevel)
	log := logger.Default()

	log.Info("configuration loaded")

	ctx := context.Background()

	log.Info("connecting to database")
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	log.Info("database connected")

	log.Info("connecting to object storage")
	objects, err := storage.NewMinIOStore(&storage.Config{
		Endpoint:  cfg.MinIOEndpoint,
		AccessKey: cfg.MinIOAccessKey,
		SecretKey: cfg.MinIOSecretKey,
		Bucket:    cfg.MinIOBucket,
		UseSSL:    cfg.MinIOUseSSL,
		Region:    cfg.MinIORegion,
	})
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("failed to ensure bucket: %w", err)
	}
	log.Info("object storage connected")

	st := store.NewPostgres(pool)

	dispatcher := dispatch.NewDispatcher(st, dispatch.Config{
		WorkerPoolURL: cfg.WorkerPoolURL,
		SharedSecret:  cfg.WorkerSharedSecret,
		Timeout:       cfg.DispatchTimeout,
	}, log)
	if cfg.WorkerPoolURL == "" {
		log.Warn("WORKER_POOL_URL not set, dispatch notifications disabled")
	}

	coordinator := upload.NewCoordinator(objects, st, dispatcher, upload.Config{
		PartSize:        cfg.PartSize,
		SignedURLExpiry: cfg.SignedURLExpiry,
		SignBatchSize:   cfg.SignBatchSize,
		ProgressCap:     cfg.UploadProgressCap,
	})

	leases := lease.NewManager(st, cfg.LockTimeout)
	log.Info("lease manager initialized", "lock_timeout", cfg.LockTimeout.String())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	apiRouter := api.NewRouter(&api.Config{
		Store:             st,
		Objects:           objects,
		Coordinator:       coordinator,
		Leases:            leases,
		Dispatcher:        dispatcher,
		Pool:              pool,
		JWTSecret:         cfg.JWTSecret,
		SharedSecret:      cfg.WorkerSharedSecret,
		BaseURL:           cfg.BaseURL,
		MaxUploadSize:     cfg.MaxUploadSize,
		PlaybackURLExpiry: cfg.SignedURLExpiry,
	})
	mux.Handle("/v1/", apiRouter)
	mux.Handle("/health", apiRouter)
	mux.Handle("/health/", apiRouter)
	mux.Handle("/webhooks/worker/", apiRouter)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)

	go func() {
		log.Info("server starting", "port", cfg.Port)
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		log.Info("shutdown signal received", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			_ = server.Close()
			return fmt.Errorf("forced shutdown: %w", err)
		}
	}

	log.Info("server stopped gracefully")
	return nil
}
