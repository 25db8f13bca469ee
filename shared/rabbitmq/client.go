package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultPublishRetries     = 3
	defaultPublishRetryDelay  = 100 * time.Millisecond
	defaultPublishBackoffMult = 2.0
)

var errNacked = errors.New("broker nacked publish")

// Config holds RabbitMQ connection and alert topology configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeName       string
	ExchangeType       string
	ExchangeDurable    bool
	QueueName          string
	QueueDurable       bool
	BindingKey         string
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
}

// URI renders the AMQP connection URL, escaping credentials and vhost
func (c *Config) URI() string {
	vhost := c.VHost
	if vhost == "" {
		vhost = "/"
	}
	return amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.User,
		Password: c.Password,
		Vhost:    vhost,
	}.String()
}

// retrySchedule returns the publish attempt count and the wait before each retry
func (c *Config) retrySchedule() (int, []time.Duration) {
	retries := c.PublishRetries
	if retries <= 0 {
		retries = defaultPublishRetries
	}
	delay := c.PublishRetryDelay
	if delay <= 0 {
		delay = defaultPublishRetryDelay
	}
	mult := c.PublishBackoffMult
	if mult <= 0 {
		mult = defaultPublishBackoffMult
	}

	delays := make([]time.Duration, retries)
	for i := range delays {
		delays[i] = delay
		delay = time.Duration(float64(delay) * mult)
	}
	return retries + 1, delays
}

// Client publishes persistent, broker-confirmed messages to a single
// exchange. Publishing is serialized on one channel.
type Client struct {
	config  *Config
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *slog.Logger
	mu      sync.Mutex
}

// NewClient connects to RabbitMQ and declares the exchange, queue and binding
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config: config,
		logger: logger,
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return client, nil
}

func (c *Client) connect() error {
	var err error

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}

	attempts := max(c.config.RetryAttempts, 1)
	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.String("host", c.config.Host),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		c.conn, err = amqp.DialConfig(c.config.URI(), amqpConfig)
		if err == nil {
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	if err := c.openChannel(); err != nil {
		c.conn.Close()
		return err
	}

	if err := c.setup(); err != nil {
		c.channel.Close()
		c.conn.Close()
		return fmt.Errorf("failed to setup alert topology: %w", err)
	}

	c.logger.Info("RabbitMQ client initialized",
		slog.String("exchange", c.config.ExchangeName),
		slog.String("queue", c.config.QueueName),
	)

	return nil
}

// openChannel opens a channel in confirm mode
func (c *Client) openChannel() error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to create channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	c.channel = ch
	return nil
}

// setup declares the exchange and, when configured, a queue bound to it
func (c *Client) setup() error {
	err := c.channel.ExchangeDeclare(
		c.config.ExchangeName,    // name
		c.config.ExchangeType,    // type
		c.config.ExchangeDurable, // durable
		false,                    // auto-deleted
		false,                    // internal
		false,                    // no-wait
		nil,                      // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	if c.config.QueueName == "" {
		return nil
	}

	if _, err := c.channel.QueueDeclare(c.config.QueueName, c.config.QueueDurable, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := c.channel.QueueBind(c.config.QueueName, c.config.BindingKey, c.config.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	return nil
}

// Publish sends body to the configured exchange with routingKey and waits
// for the broker ack. Failed attempts are retried with exponential backoff
// until the retry budget is spent or ctx ends.
func (c *Client) Publish(ctx context.Context, routingKey string, body []byte, contentType string) error {
	attempts, delays := c.config.retrySchedule()
	messageID := uuid.NewString()

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = c.publishOnce(ctx, messageID, routingKey, body, contentType)
		if lastErr == nil {
			c.logger.Debug("Message published to RabbitMQ",
				slog.String("message_id", messageID),
				slog.String("routing_key", routingKey),
				slog.Int("attempt", attempt+1),
			)
			return nil
		}

		if attempt == attempts-1 {
			break
		}

		c.logger.Warn("Failed to publish message to RabbitMQ, retrying",
			slog.String("message_id", messageID),
			slog.Int("attempt", attempt+1),
			slog.Duration("retry_after", delays[attempt]),
			slog.Any("error", lastErr),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("publish canceled: %w", ctx.Err())
		case <-time.After(delays[attempt]):
		}
	}

	return fmt.Errorf("failed to publish message after %d attempts: %w", attempts, lastErr)
}

func (c *Client) publishOnce(ctx context.Context, messageID, routingKey string, body []byte, contentType string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn.IsClosed() {
		return fmt.Errorf("not connected to RabbitMQ")
	}
	if c.channel == nil || c.channel.IsClosed() {
		if err := c.openChannel(); err != nil {
			return err
		}
	}

	confirm, err := c.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		c.config.ExchangeName,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			MessageId:    messageID,
			ContentType:  contentType,
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return err
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return errNacked
	}
	return nil
}

// Close closes the channel and the connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil && !c.channel.IsClosed() {
		if err := c.channel.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}

	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	c.logger.Info("RabbitMQ connection closed")
	return nil
}
