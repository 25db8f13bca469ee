package rabbitmq

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_URIEscapesCredentials(t *testing.T) {
	cfg := &Config{
		Host:     "mq.internal",
		Port:     5673,
		User:     "scout",
		Password: "p@ss:w/rd",
		VHost:    "alerts",
	}

	parsed, err := amqp.ParseURI(cfg.URI())
	require.NoError(t, err)

	assert.Equal(t, "amqp", parsed.Scheme)
	assert.Equal(t, "mq.internal", parsed.Host)
	assert.Equal(t, 5673, parsed.Port)
	assert.Equal(t, "scout", parsed.Username)
	assert.Equal(t, "p@ss:w/rd", parsed.Password)
	assert.Contains(t, parsed.Vhost, "alerts")
}

func TestConfig_RetrySchedule(t *testing.T) {
	t.Run("configured", func(t *testing.T) {
		cfg := &Config{
			PublishRetries:     3,
			PublishRetryDelay:  200 * time.Millisecond,
			PublishBackoffMult: 3,
		}

		attempts, delays := cfg.retrySchedule()
		assert.Equal(t, 4, attempts)
		assert.Equal(t, []time.Duration{
			200 * time.Millisecond,
			600 * time.Millisecond,
			1800 * time.Millisecond,
		}, delays)
	})

	t.Run("defaults", func(t *testing.T) {
		attempts, delays := (&Config{}).retrySchedule()
		assert.Equal(t, defaultPublishRetries+1, attempts)
		require.Len(t, delays, defaultPublishRetries)
		assert.Equal(t, defaultPublishRetryDelay, delays[0])
		assert.Equal(t, 2*defaultPublishRetryDelay, delays[1])
	})
}
