package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tandemlab/tandem/internal/api"
	"github.com/tandemlab/tandem/internal/archive"
	"github.com/tandemlab/tandem/internal/blob"
	"github.com/tandemlab/tandem/internal/config"
	"github.com/tandemlab/tandem/internal/hub"
	"github.com/tandemlab/tandem/internal/session"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the session hub and admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx := context.Background()

	// Initialize message archive: Postgres when configured, SQLite otherwise.
	var arch archive.Store
	switch {
	case cfg.DatabaseURL != "":
		pg, err := archive.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		arch = pg
		logger.Info().Msg("archiving to PostgreSQL")
	case cfg.SQLitePath != "":
		sq, err := archive.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		arch = sq
		logger.Info().Str("path", cfg.SQLitePath).Msg("archiving to SQLite")
	default:
		logger.Warn().Msg("no archive configured, messages will not persist")
	}
	if arch != nil {
		defer arch.Close()
	}

	// Initialize blob store for large context payloads.
	var blobs blob.Store
	if cfg.RedisURL != "" {
		rs, err := blob.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer rs.Close()
		blobs = rs
		logger.Info().Msg("storing blobs in Redis")
	} else {
		blobs = blob.NewMemoryStore()
		logger.Info().Msg("storing blobs in memory")
	}

	// Session defaults come from the environment on top of the built-ins.
	defaults := session.DefaultConfig()
	defaults.RequireApprovalFor = cfg.RequireApprovalFor
	defaults.GateTimeout = cfg.GateTimeout
	defaults.HeartbeatInterval = cfg.HeartbeatInterval
	defaults.IdleTimeout = cfg.IdleTimeout
	defaults.AwayTimeout = cfg.AwayTimeout
	defaults.MaxParticipants = cfg.MaxParticipants

	h := hub.New(logger, hub.Options{
		SweepInterval: cfg.SweepInterval,
		Archive:       arch,
		Defaults:      defaults,
	})
	defer h.Shutdown()

	// Create router
	handler := api.NewHandler(h, arch, blobs, logger)
	router := api.NewRouter(logger, handler)

	// Create server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting tandem server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
		return err
	}

	logger.Info().Msg("server stopped")
	return nil
}
