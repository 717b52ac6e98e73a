// cmd/service/main.go
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

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github-topic-harvester/internal/api"
	"github-topic-harvester/internal/checkpoint"
	"github-topic-harvester/internal/config"
	"github-topic-harvester/internal/github"
	"github-topic-harvester/internal/harvester"
	"github-topic-harvester/internal/sink"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Application startup error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Initialize structured logger
	logLevel := new(slog.LevelVar)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// 2. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setLogLevel(cfg.LogLevel, logLevel)
	logger.Info("Configuration loaded successfully")

	// 3. Setup context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Initialize database connection and run migrations
	dbpool, err := pgxpool.New(ctx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer dbpool.Close()
	logger.Info("Database connection established")

	if err := runMigrations(cfg.DBURL); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}
	logger.Info("Database migrations applied successfully")

	// 5. Initialize application components
	ghClient, err := newGithubClient(cfg, logger)
	if err != nil {
		return err
	}
	cpStore := checkpoint.NewStore(dbpool, logger)
	resultSink := sink.New(dbpool, logger)
	engine := harvester.New(cpStore, ghClient, resultSink, logger, cfg.RunBudget, cfg.HarvestInterval)

	// 6. Serve the invocation API and (optionally) self-schedule runs
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.NewRouter(engine, ghClient, logger),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		engine.Start(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received. Exiting.")
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		return srv.Shutdown(shutCtx)
	})

	return g.Wait()
}

func newGithubClient(cfg *config.Config, logger *slog.Logger) (*github.Client, error) {
	if cfg.GithubBaseURL != "" {
		return github.NewEnterpriseClient(cfg.GithubBaseURL, cfg.GithubToken, logger)
	}
	return github.NewClient(cfg.GithubToken, logger), nil
}

func runMigrations(dbURL string) error {
	m, err := migrate.New("file://migrations", dbURL)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func setLogLevel(level string, v *slog.LevelVar) {
	switch level {
	case "debug":
		v.Set(slog.LevelDebug)
	case "warn":
		v.Set(slog.LevelWarn)
	case "error":
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
}
