package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cuongbtq/scout-sync/internal/worker/domain"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Environment variables that override secrets from the YAML file
const (
	EnvTBAAPIKey        = "TBA_API_KEY"
	EnvDatabasePassword = "DATABASE_PASSWORD"
	EnvRabbitMQPassword = "RABBITMQ_PASSWORD"
	EnvKickToken        = "KICK_TOKEN"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Queue     QueueConfig     `yaml:"queue"`
	Providers ProvidersConfig `yaml:"providers"`
	Kicker    KickerConfig    `yaml:"kicker"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	KickToken       string        `yaml:"kick_token"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	RunMigrations   bool          `yaml:"run_migrations"`
}

// RabbitMQConfig holds the alert broker settings. Alerts are only published
// when Enabled is true; otherwise they go to the log.
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	AlertQueue string           `yaml:"alert_queue"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Durable bool   `yaml:"durable"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	Timeout           time.Duration `yaml:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableSource bool   `yaml:"enable_source"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// QueueConfig holds the lease, retry and kick settings shared by every
// process that kicks the queue
type QueueConfig struct {
	LeaseTTL            time.Duration `yaml:"lease_ttl"`
	BackoffBase         time.Duration `yaml:"backoff_base"`
	BackoffCap          time.Duration `yaml:"backoff_cap"`
	MaxAttempts         int           `yaml:"max_attempts"`
	KickMaxJobs         int           `yaml:"kick_max_jobs"`
	KickTimeout         time.Duration `yaml:"kick_timeout"`
	FailFastOnPermanent bool          `yaml:"fail_fast_on_permanent"`
}

// ProvidersConfig holds upstream API settings
type ProvidersConfig struct {
	TBA               TBAConfig        `yaml:"tba"`
	Statbotics        StatboticsConfig `yaml:"statbotics"`
	MetricConcurrency int              `yaml:"metric_concurrency"`
	UpsertBatchSize   int              `yaml:"upsert_batch_size"`
}

// TBAConfig holds The Blue Alliance client settings
type TBAConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retry_count"`
}

// StatboticsConfig holds Statbotics client settings
type StatboticsConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Timeout           time.Duration `yaml:"timeout"`
	RetryCount        int           `yaml:"retry_count"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
}

// KickerConfig holds the scheduled kick-service settings
type KickerConfig struct {
	Schedule    string `yaml:"schedule"`
	MaxJobs     int    `yaml:"max_jobs"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Load reads and parses the configuration file, then applies secret
// overrides from the environment
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnv()
	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvTBAAPIKey); v != "" {
		c.Providers.TBA.APIKey = v
	}
	if v := os.Getenv(EnvDatabasePassword); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv(EnvRabbitMQPassword); v != "" {
		c.RabbitMQ.Password = v
	}
	if v := os.Getenv(EnvKickToken); v != "" {
		c.Server.KickToken = v
	}
}

func (c *Config) applyDefaults() {
	if c.Queue.LeaseTTL <= 0 {
		c.Queue.LeaseTTL = domain.DefaultLeaseTTLSecs * time.Second
	}
	if c.Queue.BackoffBase <= 0 {
		c.Queue.BackoffBase = domain.DefaultBackoffBase * time.Second
	}
	if c.Queue.BackoffCap <= 0 {
		c.Queue.BackoffCap = domain.DefaultBackoffCap * time.Second
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = domain.DefaultMaxAttempts
	}
	if c.Queue.KickMaxJobs <= 0 {
		c.Queue.KickMaxJobs = 1
	}
	if c.Queue.KickTimeout <= 0 {
		c.Queue.KickTimeout = 60 * time.Second
	}
	if c.Providers.MetricConcurrency <= 0 {
		c.Providers.MetricConcurrency = 4
	}
	if c.Providers.Statbotics.RequestsPerMinute <= 0 {
		c.Providers.Statbotics.RequestsPerMinute = 55
	}
	if c.RabbitMQ.Exchange.Type == "" {
		c.RabbitMQ.Exchange.Type = "topic"
	}
	if c.Kicker.Schedule == "" {
		c.Kicker.Schedule = "@every 1m"
	}
	if c.Kicker.MaxJobs <= 0 {
		c.Kicker.MaxJobs = c.Queue.KickMaxJobs
	}
}

// RetryPolicy builds the retry policy from the queue section
func (c *Config) RetryPolicy() domain.RetryPolicy {
	return domain.RetryPolicy{
		Base:                c.Queue.BackoffBase,
		Cap:                 c.Queue.BackoffCap,
		FailFastOnPermanent: c.Queue.FailFastOnPermanent,
	}
}

// ValidateAPIConfig checks the settings the api-service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	return c.validateShared()
}

// ValidateKickerConfig checks the settings the kick-service needs
func (c *Config) ValidateKickerConfig() error {
	if _, err := cron.ParseStandard(c.Kicker.Schedule); err != nil {
		return fmt.Errorf("invalid kicker schedule %q: %w", c.Kicker.Schedule, err)
	}

	if c.Kicker.MaxJobs <= 0 {
		return fmt.Errorf("kicker max_jobs must be greater than 0")
	}

	return c.validateShared()
}

func (c *Config) validateShared() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Enabled {
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}

		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}

		if c.RabbitMQ.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required")
		}
	}

	if c.Queue.BackoffCap < c.Queue.BackoffBase {
		return fmt.Errorf("queue backoff_cap (%s) must not be below backoff_base (%s)", c.Queue.BackoffCap, c.Queue.BackoffBase)
	}

	if c.Queue.KickTimeout > c.Queue.LeaseTTL {
		// a live kick must never outlast its own lease
		return fmt.Errorf("queue kick_timeout (%s) must not exceed lease_ttl (%s)", c.Queue.KickTimeout, c.Queue.LeaseTTL)
	}

	if c.Providers.TBA.BaseURL == "" {
		return fmt.Errorf("providers.tba.base_url is required")
	}

	if c.Providers.TBA.APIKey == "" {
		return fmt.Errorf("providers.tba.api_key is required (or set %s)", EnvTBAAPIKey)
	}

	if c.Providers.Statbotics.BaseURL == "" {
		return fmt.Errorf("providers.statbotics.base_url is required")
	}

	return nil
}
