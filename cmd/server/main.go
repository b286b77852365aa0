// Package main is the entry point for the collection core server binary.
// It dispatches three subcommands — serve, migrate, and version — via a
// simple switch on os.Args so the binary's full CLI surface is readable in
// one place without requiring a cobra dependency. The serve command runs
// auto-migration on startup so freshly deployed containers never need a
// separate migration step.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/research-collector/research-collector/internal/api"
	"github.com/research-collector/research-collector/internal/arena"
	"github.com/research-collector/research-collector/internal/config"
	"github.com/research-collector/research-collector/internal/credentials"
	"github.com/research-collector/research-collector/internal/credits"
	"github.com/research-collector/research-collector/internal/crypto"
	"github.com/research-collector/research-collector/internal/db"
	"github.com/research-collector/research-collector/internal/db/repositories"
	"github.com/research-collector/research-collector/internal/events"
	"github.com/research-collector/research-collector/internal/jobs"
	"github.com/research-collector/research-collector/internal/orchestrator"
	"github.com/research-collector/research-collector/internal/queue"
	"github.com/research-collector/research-collector/internal/ratelimit"
	"github.com/research-collector/research-collector/internal/safego"
	"github.com/research-collector/research-collector/internal/telemetry"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	case "version":
		fmt.Printf("research-collector v%s\n", version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, version", command)
	}
}

func serve(cfg *config.Config) error {
	// Initialise structured logging first so everything below uses the
	// configured format and level.
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level, cfg.Telemetry.ServiceName)
	logger := slog.Default()

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// The payload cipher refuses to start without a usable master key, so
	// a misconfigured deployment fails here rather than at the first
	// credential operation.
	cipher, err := crypto.NewPayloadCipher([]byte(cfg.Security.EncryptionKey))
	if err != nil {
		return fmt.Errorf("initializing payload cipher: %w", err)
	}

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	logger.Info("connected to database", "host", cfg.Database.Host, "name", cfg.Database.Name)

	dbStatsStop := make(chan struct{})
	telemetry.StartDBStatsCollector(database, dbStatsStop)
	defer close(dbStatsStop)

	logger.Info("running database migrations")
	if err := db.RunMigrations(database, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info("connected to redis", "addr", cfg.Redis.Addr)

	// Repositories
	credRepo := repositories.NewCredentialRepository(database)
	runRepo := repositories.NewRunRepository(database)
	taskRepo := repositories.NewTaskRepository(database)
	creditRepo := repositories.NewCreditRepository(database)

	// Core components
	registry := arena.DefaultRegistry()

	pool := credentials.NewPool(credRepo, credentials.NewRedisCounterStore(rdb), cipher, registry, credentials.Options{
		ErrorThreshold:     cfg.Credentials.ErrorThreshold,
		AuthErrorThreshold: cfg.Credentials.AuthErrorThreshold,
		Cooldown:           cfg.Credentials.Cooldown(),
	}, logger)

	limiter := ratelimit.New(ratelimit.NewRedisSlotStore(rdb), ratelimit.NewRedisBackoffStore(rdb))

	ledger := credits.NewLedger(creditRepo, registry, logger)

	bus := events.NewRedisBus(rdb, logger)

	dispatcher := queue.NewKafkaDispatcher(cfg.Kafka.Brokers, cfg.Kafka.TasksTopic, logger)
	defer dispatcher.Close()

	orc := orchestrator.New(runRepo, taskRepo, ledger, dispatcher, bus, registry, orchestrator.Options{
		CompletionPolicy: orchestrator.CompletionPolicy(cfg.Collection.CompletionPolicy),
		MaxTaskRetries:   cfg.Collection.MaxTaskRetries,
		RetryBaseDelay:   cfg.Collection.RetryBaseDelay,
	}, logger)

	// Background maintenance
	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()
	sweeper := jobs.NewStaleRunSweeper(runRepo, taskRepo, ledger, bus, cfg.Collection.StaleRunAge, cfg.Collection.SweepInterval, logger)
	safego.Go("stale-run-sweeper", func() { sweeper.Start(sweepCtx) })

	// Prometheus metrics on a dedicated port, off the public ingress path.
	if cfg.Telemetry.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.PrometheusPort)
		safego.Go("metrics-server", func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		})
	}

	router, bgServices := api.NewRouter(cfg, api.Deps{
		DB:           database,
		Orchestrator: orc,
		Ledger:       ledger,
		Runs:         runRepo,
		Tasks:        taskRepo,
		Credentials:  credRepo,
		Usage:        pool,
		Cipher:       cipher,
		Pool:         pool,
		Limiter:      limiter,
		Bus:          bus,
		Registry:     registry,
		Logger:       logger,
	})

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	safego.Go("http-server", func() {
		logger.Info("starting server", "addr", cfg.Server.GetAddress(), "base_url", cfg.Server.BaseURL)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	})

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	sweeper.Stop()
	orc.Shutdown()
	bgServices.Shutdown()

	logger.Info("server stopped gracefully")
	return nil
}

func runMigrations(cfg *config.Config, direction string) error {
	if direction != "up" && direction != "down" {
		return fmt.Errorf("invalid migration direction: %s (must be up or down)", direction)
	}

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	if err := db.RunMigrations(database, direction); err != nil {
		return fmt.Errorf("migration %s failed: %w", direction, err)
	}

	log.Printf("Migration %s completed successfully", direction)
	return nil
}
