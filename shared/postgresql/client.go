package postgresql

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	defaultConnectTimeout = 5 * time.Second
	healthCheckTimeout    = 2 * time.Second
)

// Config holds PostgreSQL connection configuration
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DSN renders the config as a lib/pq key/value connection string
func (c *Config) DSN() string {
	parts := []string{
		"host=" + quoteDSNValue(c.Host),
		fmt.Sprintf("port=%d", c.Port),
		"dbname=" + quoteDSNValue(c.Database),
	}
	if c.User != "" {
		parts = append(parts, "user="+quoteDSNValue(c.User))
	}
	if c.Password != "" {
		parts = append(parts, "password="+quoteDSNValue(c.Password))
	}
	if c.SSLMode != "" {
		parts = append(parts, "sslmode="+quoteDSNValue(c.SSLMode))
	}
	return strings.Join(parts, " ")
}

func quoteDSNValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// Client represents a PostgreSQL database client
type Client struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewClient connects, applies pool settings and verifies the connection
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	logger.Info("Connecting to PostgreSQL",
		slog.String("host", config.Host),
		slog.Int("port", config.Port),
		slog.String("database", config.Database),
	)

	db, err := sqlx.Open("postgres", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	timeout := config.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		logger.Error("Failed to ping PostgreSQL",
			slog.Any("error", err),
		)
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	logger.Info("Successfully connected to PostgreSQL",
		slog.Int("max_open_conns", config.MaxOpenConns),
		slog.Int("max_idle_conns", config.MaxIdleConns),
		slog.Duration("conn_max_lifetime", config.ConnMaxLifetime),
	)

	return NewClientFromDB(db, logger), nil
}

// NewClientFromDB wraps an existing connection
func NewClientFromDB(db *sqlx.DB, logger *slog.Logger) *Client {
	return &Client{db: db, logger: logger}
}

// GetDB returns the underlying sqlx.DB instance
func (c *Client) GetDB() *sqlx.DB {
	return c.db
}

// Collector exposes the pool statistics as Prometheus metrics labelled with dbName
func (c *Client) Collector(dbName string) prometheus.Collector {
	return collectors.NewDBStatsCollector(c.db.DB, dbName)
}

// Close logs final pool usage and closes the database connection
func (c *Client) Close() error {
	stats := c.db.Stats()
	c.logger.Info("Closing PostgreSQL connection",
		slog.Int("open_conns", stats.OpenConnections),
		slog.Int("in_use", stats.InUse),
		slog.Int64("wait_count", stats.WaitCount),
		slog.Duration("wait_duration", stats.WaitDuration),
	)

	if err := c.db.Close(); err != nil {
		c.logger.Error("Failed to close PostgreSQL connection",
			slog.Any("error", err),
		)
		return err
	}

	return nil
}

// HealthCheck pings the database and runs a trivial query
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	var result int
	if err := c.db.GetContext(ctx, &result, "SELECT 1"); err != nil {
		return fmt.Errorf("database query health check failed: %w", err)
	}

	return nil
}
