/**
 * @description
 * This is the main entry point for the outbox-relay.
 * This service is a non-HTTP, long-running process that drains pending outbox
 * rows to RabbitMQ on a cron schedule and prunes dispatched rows past their
 * retention window.
 */
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/Brankond/Momentum/internal/outbox"
	"github.com/Brankond/Momentum/pkg/rabbitmq"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Load .env file for local development. In production, env vars are set directly.
	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	// Load relay configuration
	cfg, err := outbox.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// Establish database connection with connection pool configuration
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	producer, err := rabbitmq.NewProducer(cfg.RabbitMQURL)
	if err != nil {
		logger.Error("unable to connect to rabbitmq", "error", err)
		os.Exit(1)
	}
	defer producer.Close()
	logger.Info("rabbitmq connection established")

	store := outbox.NewPostgresStore(dbpool)
	relay := outbox.NewRelay(store, producer, logger, cfg.BatchSize)

	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	// A single drain pass at a time keeps the created_at scan the only
	// dispatcher, which the per-aggregate ordering guarantee depends on.
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger), cron.Recover(cronLogger)))

	if _, err := c.AddFunc(cfg.DrainSchedule, func() {
		drainCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		n, err := relay.DrainOnce(drainCtx)
		if err != nil {
			logger.Error("outbox drain pass failed", "dispatched", n, "error", err)
			return
		}
		if n > 0 {
			logger.Info("outbox entries dispatched", "count", n)
		}
	}); err != nil {
		logger.Error("failed to schedule drain job", "error", err)
		os.Exit(1)
	}

	if _, err := c.AddFunc(cfg.PruneSchedule, func() {
		pruneCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		n, err := store.DeleteDispatchedBefore(pruneCtx, cfg.DispatchedRetentionDay)
		if err != nil {
			logger.Error("outbox prune failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("dispatched outbox entries pruned", "count", n)
		}
	}); err != nil {
		logger.Error("failed to schedule prune job", "error", err)
		os.Exit(1)
	}

	c.Start()
	logger.Info("outbox relay started", "drain_schedule", cfg.DrainSchedule, "prune_schedule", cfg.PruneSchedule)

	// Wait for termination signal to gracefully shut down
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping relay")
	stopCtx := c.Stop()
	<-stopCtx.Done()
	logger.Info("relay stopped gracefully")
}
