/**
 * @description
 * This is the main entry point for the transfer-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, the optional Redis rate limiter, the wallet-result consumer, the
 * timeout sweeper, repository, the core saga service, and the HTTP server.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Distributed rate limiting.
 * - github.com/robfig/cron/v3: Timeout sweep schedule.
 * - internal/transfer/...: Internal packages for the service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/Brankond/Momentum/internal/messaging"
	"github.com/Brankond/Momentum/internal/transfer/api"
	"github.com/Brankond/Momentum/internal/transfer/app"
	"github.com/Brankond/Momentum/internal/transfer/config"
	"github.com/Brankond/Momentum/internal/transfer/store"
	"github.com/Brankond/Momentum/pkg/rabbitmq"
)

func main() {
	// Load .env file for local development. In production, env vars are set directly.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	log.Printf("level=info component=bootstrap msg=\"starting transfer-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Redis is optional: without it submissions are simply not rate limited.
	var redisClient *redis.Client
	if cfg.SubmitRateLimitPerMn > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; submission rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; submission rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; submission rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core saga service with its dependencies.
	sagaService := app.NewSagaService(
		repository,
		time.Duration(cfg.IdempotencyTTLHours)*time.Hour,
		time.Duration(cfg.CommandTimeoutSecs)*time.Second,
		cfg.CommandRetryBudget,
		cfg.SweepBatchSize,
	)
	if redisClient != nil {
		sagaService.SetSubmitRateLimiter(
			app.NewRedisSubmitLimiter(redisClient, cfg.RedisRateLimitPrefix, cfg.SubmitRateLimitPerMn),
		)
	}

	// Wire up the wallet-result consumer: every saga transition after
	// submission is driven from here.
	resultConsumer := app.NewResultConsumer(sagaService)

	rabbitConsumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}
	defer rabbitConsumer.Close()

	resultBindings := map[string]func([]byte) bool{
		messaging.TypeWalletResult: resultConsumer.HandleMessage,
	}

	if err := rabbitConsumer.ConsumeWithBindings(messaging.WalletEventExchange, cfg.ResultQueue, cfg.ConsumerWorkers, resultBindings); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"result consumer start failed\" err=%v", err)
	}
	log.Printf("level=info component=bootstrap msg=\"result consumer started\" queue=%s workers=%d", cfg.ResultQueue, cfg.ConsumerWorkers)

	// Schedule the timeout sweeper.
	sweeper := cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(log.Default()))))
	if _, err := sweeper.AddFunc(cfg.SweepSchedule, func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		sagaService.SweepTimeouts(sweepCtx)
	}); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"timeout sweeper schedule failed\" err=%v", err)
	}
	sweeper.Start()
	defer sweeper.Stop()
	log.Printf("level=info component=bootstrap msg=\"timeout sweeper started\" schedule=%s", cfg.SweepSchedule)

	// Initialize the API handlers and router.
	transferHandlers := api.NewTransferHandlers(sagaService)
	router := chi.NewRouter()
	router.Mount("/transfers", api.TransferRoutes(transferHandlers))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
