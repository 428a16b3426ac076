// cmd/wpsd/main.go
// Package main implements the entry point for the work package service.
// It initializes all components and starts the HTTP server.
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

	"github.com/fedgenomics/work-package-service/internal/access"
	"github.com/fedgenomics/work-package-service/internal/auth"
	"github.com/fedgenomics/work-package-service/internal/config"
	"github.com/fedgenomics/work-package-service/internal/event"
	"github.com/fedgenomics/work-package-service/internal/server"
	"github.com/fedgenomics/work-package-service/internal/storage"
	"github.com/fedgenomics/work-package-service/internal/telemetry"
	"github.com/fedgenomics/work-package-service/internal/token"
	"github.com/fedgenomics/work-package-service/internal/work"
)

// main initializes all components, starts the HTTP server and the event
// subscriber, and handles graceful shutdown.
func main() {
	// Load configuration from environment variables and the optional config file
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging for the application
	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	if cfg.ServiceInstanceID != "" {
		logger = logger.With("instance", cfg.ServiceInstanceID)
	}
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	_, err = telemetry.InitTracer("work-package-service", cfg.ServiceInstanceID)
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	// Initialize storage backend (PostgreSQL or in-memory)
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		store, err = storage.NewPostgres(cfg.DatabaseDSN, cfg.DatasetsCollection, cfg.WorkPackagesCollection)
		if err != nil {
			logger.Error("failed to initialize postgres storage", "error", err)
			os.Exit(1)
		}
	} else {
		// In-memory storage for development/testing
		store = storage.NewMemory()
	}

	// Initialize the token codec with the work order signing key
	codec, err := token.NewCodec(cfg.WorkPackageSigningKey)
	if err != nil {
		logger.Error("failed to initialize token codec", "error", err)
		os.Exit(1)
	}

	// Initialize the verifier for internal auth assertions
	verifier, err := auth.NewVerifier(cfg.AuthKey, cfg.AuthAlgorithms, nil)
	if err != nil {
		logger.Error("failed to initialize auth verifier", "error", err)
		os.Exit(1)
	}

	// Wire the access oracle client and the work package manager
	oracle := access.New(cfg.DownloadAccessURL, cfg.UploadAccessURL)
	manager := work.NewManager(store, oracle, codec, cfg.ValidDays)

	// Start the dataset event subscriber when NATS is configured
	if cfg.NATSURL != "" {
		subscriber, err := event.NewSubscriber(cfg.NATSURL, cfg.DatasetChangeTopic,
			cfg.DatasetUpsertType, cfg.DatasetDeletionType, manager)
		if err != nil {
			logger.Error("failed to start event subscriber", "error", err)
			os.Exit(1)
		}
		defer subscriber.Close()
	} else {
		logger.Warn("NATS not configured, dataset projection will not be updated")
	}

	// Start the expiry sweeper when enabled
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	if cfg.CleanupInterval > 0 {
		go sweepExpired(sweepCtx, store, time.Duration(cfg.CleanupInterval)*time.Second)
	}

	// Create HTTP mux with all handlers and middleware
	mux := server.NewMux(manager, store, verifier, cfg.CORSAllowedOrigins)

	// Create HTTP server with timeout configuration
	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Start server in a separate goroutine
	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Handle graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}

	// Close PostgreSQL storage if used
	if postgresStore, ok := store.(interface{ Close() }); ok {
		postgresStore.Close()
	}

	logger.Info("server exited")
}

// sweepExpired periodically deletes expired work packages from the store.
func sweepExpired(ctx context.Context, store storage.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			deleted, err := store.DeleteExpiredWorkPackages(sweepCtx, time.Now().UTC())
			cancel()
			if err != nil {
				slog.Warn("failed to sweep expired work packages", "error", err)
				continue
			}
			if deleted > 0 {
				slog.Info("removed expired work packages", "count", deleted)
			}
		}
	}
}
