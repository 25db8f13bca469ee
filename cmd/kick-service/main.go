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

	"github.com/cuongbtq/scout-sync/internal/config"
	"github.com/cuongbtq/scout-sync/internal/provider/statbotics"
	"github.com/cuongbtq/scout-sync/internal/provider/tba"
	"github.com/cuongbtq/scout-sync/internal/worker"
	"github.com/cuongbtq/scout-sync/internal/worker/storage"
	"github.com/cuongbtq/scout-sync/shared/logger"
	"github.com/cuongbtq/scout-sync/shared/postgresql"
	"github.com/cuongbtq/scout-sync/shared/rabbitmq"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
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

	defaultConfigPath := os.Getenv("KICK_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/kick-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	once := flag.Bool("once", false, "Run a single kick and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateKickerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableSource,
		TimeFormat:   time.RFC3339,
		Service:      cfg.App.Name,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting kick service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("schedule", cfg.Kicker.Schedule),
		slog.Int("max_jobs", cfg.Kicker.MaxJobs),
		slog.Bool("once", *once),
	)

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	reporter, rabbitClient, err := initReporter(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize alert reporter: %w", err)
	}
	if rabbitClient != nil {
		defer rabbitClient.Close()
	}

	recorder, metricsSrv := initMetrics(cfg.Kicker.MetricsAddr, cfg.Database.Database, dbClient, appLogger.Logger)
	if metricsSrv != nil {
		defer metricsSrv.Close()
	}

	workerInstance := initWorker(cfg, appLogger.Component("worker"), dbClient, reporter, recorder)

	hostname, _ := os.Hostname()
	kick := func() {
		callerID := fmt.Sprintf("kicker-%s-%s", hostname, uuid.NewString())
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Queue.KickTimeout)
		defer cancel()

		if _, err := workerInstance.ProcessDue(ctx, cfg.Kicker.MaxJobs, callerID); err != nil {
			appLogger.Error("Scheduled kick failed",
				slog.String("caller_id", callerID),
				slog.Any("error", err),
			)
		}
	}

	if *once {
		kick()
		return nil
	}

	schedLogger := cronLogger{logger: appLogger.Component("scheduler")}
	scheduler := cron.New(
		cron.WithLogger(schedLogger),
		cron.WithChain(
			cron.Recover(schedLogger),
			cron.SkipIfStillRunning(schedLogger),
		),
	)
	if _, err := scheduler.AddFunc(cfg.Kicker.Schedule, kick); err != nil {
		return fmt.Errorf("failed to schedule kick: %w", err)
	}
	scheduler.Start()

	appLogger.Info("Kick service started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	appLogger.Info("Received signal, shutting down gracefully",
		slog.String("signal", sig.String()),
	)

	stopCtx := scheduler.Stop()
	select {
	case <-stopCtx.Done():
		appLogger.Info("Scheduled kicks drained")
	case <-time.After(cfg.Queue.KickTimeout):
		appLogger.Warn("Kick still running at shutdown; its leases will be recovered")
	}

	appLogger.Info("Kick service shutdown complete")
	return nil
}

// cronLogger adapts slog to the robfig/cron logger interface
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(&postgresql.Config{
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
	}, logger)
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

	return worker.MultiReporter{
		logReporter,
		worker.NewBrokerReporter(rabbitClient, logger, cfg.Publish.Timeout),
	}, rabbitClient, nil
}

// initMetrics serves the worker and pool collectors on addr. With no
// address the worker runs without a recorder.
func initMetrics(addr, dbName string, dbClient *postgresql.Client, logger *slog.Logger) (*worker.Metrics, *http.Server) {
	if addr == "" {
		return nil, nil
	}

	recorder, handler := newMetricsHandler(dbName, dbClient)
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics listener failed", slog.Any("error", err))
		}
	}()
	logger.Info("Serving metrics", slog.String("address", addr))

	return recorder, srv
}

func newMetricsHandler(dbName string, dbClient *postgresql.Client) (*worker.Metrics, http.Handler) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(dbClient.Collector(dbName))
	recorder := worker.NewMetrics(registry)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return recorder, mux
}

// initWorker wires the kick trigger to the job store, canonical store and providers
func initWorker(cfg *config.Config, logger *slog.Logger, dbClient *postgresql.Client, reporter worker.Reporter, recorder *worker.Metrics) *worker.Worker {
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
		Recorder:          recorder,
		Policy:            cfg.RetryPolicy(),
		LeaseTTL:          cfg.Queue.LeaseTTL,
		MetricConcurrency: cfg.Providers.MetricConcurrency,
		KickTimeout:       cfg.Queue.KickTimeout,
	})
}
