package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Dispatch/internal/config"
	"github.com/shaiso/Dispatch/internal/domain"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := config.NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, config.StoreMemory, cfg.StoreDriver)
	assert.Equal(t, config.TransportMemory, cfg.TransportDriver)
	assert.Equal(t, 5*time.Minute, cfg.LeaseTimeout)
	assert.Equal(t, 3, cfg.RetryMax)
	assert.Equal(t, 20*time.Second, cfg.PollTimeout)
	assert.Equal(t, []domain.QueueName{domain.QueueExecutor}, cfg.WorkerQueues)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name      string
		configMod func(*config.Config)
		wantErr   error
	}{
		{"api port zero", func(c *config.Config) { c.APIPort = 0 }, config.ErrInvalidAPIPort},
		{"api port too high", func(c *config.Config) { c.APIPort = 70000 }, config.ErrInvalidAPIPort},
		{"worker port", func(c *config.Config) { c.WorkerPort = -1 }, config.ErrInvalidWorkerPort},
		{"store driver", func(c *config.Config) { c.StoreDriver = "mongo" }, config.ErrInvalidStoreDriver},
		{"transport driver", func(c *config.Config) { c.TransportDriver = "kafka" }, config.ErrInvalidTransportDriver},
		{"postgres without dsn", func(c *config.Config) {
			c.StoreDriver = config.StorePostgres
			c.DBURL = ""
		}, config.ErrMissingDSN},
		{"sqlite without path", func(c *config.Config) {
			c.StoreDriver = config.StoreSQLite
			c.SQLitePath = ""
		}, config.ErrMissingDSN},
		{"rabbitmq without url", func(c *config.Config) {
			c.TransportDriver = config.TransportRabbitMQ
			c.RabbitMQURL = ""
		}, config.ErrMissingDSN},
		{"lease timeout", func(c *config.Config) { c.LeaseTimeout = 0 }, config.ErrInvalidLeaseTimeout},
		{"backoff", func(c *config.Config) { c.RetryInitialBackoff = 0 }, config.ErrInvalidRetryBackoff},
		{"backoff order", func(c *config.Config) {
			c.RetryInitialBackoff = time.Minute
			c.RetryMaxBackoff = time.Second
		}, config.ErrRetryMaxBackoffTooSmall},
		{"sweep interval", func(c *config.Config) { c.SweepInterval = 0 }, config.ErrInvalidSweepInterval},
		{"poll timeout", func(c *config.Config) { c.PollTimeout = 0 }, config.ErrInvalidPollTimeout},
		{"concurrency", func(c *config.Config) { c.WorkerConcurrency = 0 }, config.ErrInvalidConcurrency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.NewDefaultConfig()
			tt.configMod(cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("API_PORT", "9090")
	t.Setenv("STORE_DRIVER", "redis")
	t.Setenv("TRANSPORT_DRIVER", "rabbitmq")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("LEASE_TIMEOUT", "90s")
	t.Setenv("RETRY_MAX", "0")
	t.Setenv("RETRY_INITIAL_BACKOFF", "500ms")
	t.Setenv("AUTO_RETRY", "true")
	t.Setenv("WORKER_TOKENS", "a, b,,c")
	t.Setenv("WORKER_QUEUES", "executor,webhooks")
	t.Setenv("WORKER_CONCURRENCY", "4")

	cfg := config.NewDefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9090, cfg.APIPort)
	assert.Equal(t, config.StoreRedis, cfg.StoreDriver)
	assert.Equal(t, config.TransportRabbitMQ, cfg.TransportDriver)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 2, cfg.RedisDB)
	assert.Equal(t, 90*time.Second, cfg.LeaseTimeout)
	assert.Equal(t, 0, cfg.RetryMax)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryInitialBackoff)
	assert.True(t, cfg.AutoRetry)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.WorkerTokens)
	assert.Equal(t, []domain.QueueName{domain.QueueExecutor, domain.QueueWebhooks}, cfg.WorkerQueues)
	assert.Equal(t, 4, cfg.WorkerConcurrency)
}

func TestLoadFromEnv_Errors(t *testing.T) {
	tests := []struct {
		key, value string
		contains   string
	}{
		{"API_PORT", "abc", "invalid API_PORT"},
		{"API_PORT", "70000", "out of range"},
		{"RETRY_MAX", "-1", "out of range"},
		{"LEASE_TIMEOUT", "5", "invalid LEASE_TIMEOUT"},
		{"POLL_TIMEOUT", "-1s", "out of range"},
		{"AUTO_RETRY", "maybe", "invalid AUTO_RETRY"},
		{"WORKER_QUEUES", "executor,nope", "unknown queue"},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			err := config.NewDefaultConfig().LoadFromEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}
