package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"zpulse/internal/app"
	"zpulse/internal/config"
	"zpulse/internal/httpserver"
	"zpulse/internal/logging"
	"zpulse/internal/telemetry"
)

var version = "dev"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, logCloser := logging.New(logging.Options{
		Level:       cfg.LogLevel,
		Development: cfg.Debug,
		File:        cfg.LogFile,
	})
	defer logCloser.Close()

	flush, err := telemetry.InitTracing(cfg.AppName, cfg.OTelStdout)
	if err != nil {
		log.Fatalf("failed to init tracing: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage and services
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to initialize: %v", err)
	}
	defer a.Close()

	router := httpserver.NewRouter(httpserver.Deps{
		Participants: a.Participants,
		Backfill:     a.Backfill,
		Analytics:    a.Analytics,
		Imports:      a.Imports,
		Ingest:       a.Ingest,
		Chats:        a.Chats,
		Hub:          a.Hub,
		JobLookup:    a.Repos.Jobs.GetByID,
		Tokens:       a.Tokens,
		Logger:       logger,
		CORSOrigins:  cfg.CORSOrigins,
		AsyncImports: cfg.Import.Async,
		Version:      version,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	go func() {
		logger.Info("starting zpulse server", "addr", cfg.HTTPAddr(), "driver", cfg.DBDriver, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	// Graceful shutdown
	<-ctx.Done()
	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	if err := flush(shutdownCtx); err != nil {
		logger.Warn("flush traces", "error", err)
	}
}
