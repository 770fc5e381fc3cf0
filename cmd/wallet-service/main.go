/**
 * @description
 * This is the main entry point for the wallet-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, message broker consumer, repository, the core application service,
 * and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/wallet/...: Internal packages for the service.
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

	"github.com/Brankond/Momentum/internal/messaging"
	"github.com/Brankond/Momentum/internal/wallet/api"
	"github.com/Brankond/Momentum/internal/wallet/app"
	"github.com/Brankond/Momentum/internal/wallet/config"
	"github.com/Brankond/Momentum/internal/wallet/store"
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
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting wallet-service\" port=%s", cfg.ServerPort)

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

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	walletService := app.NewService(
		repository,
		time.Duration(cfg.ResultRetentionHours)*time.Hour,
		cfg.VersionConflictRetry,
	)

	// Wire up the command consumer: every balance mutation arrives here.
	commandConsumer := app.NewCommandConsumer(walletService)

	rabbitConsumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}
	defer rabbitConsumer.Close()

	commandBindings := map[string]func([]byte) bool{
		messaging.TypeWalletDebitCommand:           commandConsumer.HandleMessage,
		messaging.TypeWalletCreditCommand:          commandConsumer.HandleMessage,
		messaging.TypeWalletCompensateDebitCommand: commandConsumer.HandleMessage,
	}

	if err := rabbitConsumer.ConsumeWithBindings(messaging.WalletCommandExchange, cfg.CommandQueue, cfg.ConsumerWorkers, commandBindings); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"command consumer start failed\" err=%v", err)
	}
	log.Printf("level=info component=bootstrap msg=\"command consumer started\" queue=%s workers=%d", cfg.CommandQueue, cfg.ConsumerWorkers)

	// Periodic idempotency-record cleanup.
	pruneTicker := time.NewTicker(time.Duration(cfg.ResultPruneIntervalMn) * time.Minute)
	defer pruneTicker.Stop()
	go func() {
		for range pruneTicker.C {
			pruneCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			walletService.PruneCommandResults(pruneCtx)
			cancel()
		}
	}()

	// Initialize the API handlers and router.
	walletHandlers := api.NewWalletHandlers(walletService)
	router := chi.NewRouter()
	router.Mount("/wallets", api.WalletRoutes(walletHandlers, cfg.InternalAPIKey))

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
