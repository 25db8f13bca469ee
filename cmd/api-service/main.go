package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/scout-sync/internal/api/handler"
	"github.com/cuongbtq/scout-sync/internal/api/router"
	apistorage "github.com/cuongbtq/scout-sync/internal/api/storage"
	"github.com/cuongbtq/scout-sync/internal/config"
	"github.com/cuongbtq/scout-sync/internal/provider/statbotics"
	"github.com/cuongbtq/scout-sync/internal/provider/tba"
	"github.com/cuongbtq/scout-sync/internal/worker"
	"github.com/cuongbtq/scout-sync/internal/worker/storage"
	"github.com/cuongbtq/scout-sync/migrations"
	"github.com/cuongbtq/scout-sync/shared/logger"
	"github.com/cuongbtq/scout-sync/shared/postgresql"
	"github.com/cuongbtq/scout-sync/shared/rabbitmq"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	if cfg.Database.RunMigrations {
		if err := dbClient.RunMigrations(migrations.FS); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	reporter, rabbitClient, err := initReporter(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize alert reporter: %w", err)
	}
	if rabbitClient != nil {
		defer rabbitClient.Close()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		dbClient.Collector(cfg.Database.Database),
	)

	workerInstance := initWorker(cfg, appLogger.Component("worker"), dbClient, reporter, registry)

	r := initRouter(cfg, appLogger.Component("api"), dbClient, workerInstance, registry)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
		slog.Bool("kick_token_required", cfg.Server.KickToken != ""),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down",
			slog.String("signal", sig.String()),
		)
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	// background kicks hold leases; let them finish so nothing waits for stale recovery
	done := make(chan struct{})
	go func() {
		workerInstance.Wait()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Background kicks drained")
	case <-ctx.Done():
		appLogger.Warn("Shutdown timeout exceeded with kicks in flight; their leases will be recovered")
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableSource,
		TimeFormat:   time.RFC3339,
		Service:      cfg.App.Name,
	})
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnectTimeout:  cfg.ConnectTimeout,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initReporter builds the dead-letter sink: always the log, plus RabbitMQ
// when enabled
func initReporter(cfg *config.RabbitMQConfig, logger *slog.Logger) (worker.Reporter, *rabbitmq.Client, error) {
	logReporter := worker.NewLogReporter(logger)
	if !cfg.Enabled {
		return logReporter, nil, nil
	}

	rabbitClient, err := rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		QueueName:          cfg.AlertQueue,
		QueueDurable:       true,
		BindingKey:         "alerts.#",
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	logger.Info("RabbitMQ alert publisher ready",
		slog.String("exchange", cfg.Exchange.Name),
	)

	return worker.MultiReporter{
		logReporter,
		worker.NewBrokerReporter(rabbitClient, logger, cfg.Publish.Timeout),
	}, rabbitClient, nil
}

// initWorker wires the kick trigger to the job store, canonical store and providers
func initWorker(cfg *config.Config, logger *slog.Logger, dbClient *postgresql.Client, reporter worker.Reporter, reg prometheus.Registerer) *worker.Worker {
	db := dbClient.GetDB()

	return worker.NewWorker(&worker.Config{
		Logger:    logger,
		Jobs:      storage.NewStorage(db, logger),
		Canonical: storage.NewCanonicalStorage(db, logger, cfg.Providers.UpsertBatchSize),
		Schedule: tba.NewClient(tba.Config{
			BaseURL:    cfg.Providers.TBA.BaseURL,
			APIKey:     cfg.Providers.TBA.APIKey,
			Timeout:    cfg.Providers.TBA.Timeout,
			RetryCount: cfg.Providers.TBA.RetryCount,
		}, logger),
		Metrics: statbotics.NewClient(statbotics.Config{
			BaseURL:           cfg.Providers.Statbotics.BaseURL,
			Timeout:           cfg.Providers.Statbotics.Timeout,
			RetryCount:        cfg.Providers.Statbotics.RetryCount,
			RequestsPerMinute: cfg.Providers.Statbotics.RequestsPerMinute,
		}, logger),
		Reporter:          reporter,
		Recorder:          worker.NewMetrics(reg),
		Policy:            cfg.RetryPolicy(),
		LeaseTTL:          cfg.Queue.LeaseTTL,
		MetricConcurrency: cfg.Providers.MetricConcurrency,
		KickTimeout:       cfg.Queue.KickTimeout,
	})
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, dbClient *postgresql.Client, kicker *worker.Worker, registry *prometheus.Registry) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(&handler.Dependencies{
		Logger:      logger,
		Store:       apistorage.NewStorage(dbClient.GetDB(), logger),
		Kicker:      kicker,
		MaxAttempts: cfg.Queue.MaxAttempts,
		KickMaxJobs: cfg.Queue.KickMaxJobs,
		KickToken:   cfg.Server.KickToken,
		ServiceName: cfg.App.Name,
		Gatherer:    registry,
		Registerer:  registry,
		HealthCheck: dbClient.HealthCheck,
	})
}
