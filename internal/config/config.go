// Package config loads the service configuration via viper. Every tunable
// that affects the pipeline (venue latency, price variance, worker
// concurrency, retry policy) is exposed here; none of them affect the
// correctness of the order state machine itself.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the swap router service.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Dex      DexConfig      `mapstructure:"dex"`
	Cache    CacheConfig    `mapstructure:"cache"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig configures the PostgreSQL connection pool.
type DatabaseConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
}

// RedisConfig configures the Redis client shared by the active-order cache,
// the lease store and the pub/sub backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// QueueConfig configures the durable job queue and its worker pool.
type QueueConfig struct {
	Dir                string        `mapstructure:"dir"`
	Concurrency        int           `mapstructure:"concurrency"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	BackoffBase        time.Duration `mapstructure:"backoff_base"`
	MaxBackoff         time.Duration `mapstructure:"max_backoff"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	CompletedKeep      int           `mapstructure:"completed_keep"`
	CompletedAge       time.Duration `mapstructure:"completed_age"`
	DeadKeep           int           `mapstructure:"dead_keep"`
}

// DexConfig configures the simulated venue router.
type DexConfig struct {
	QuoteLatency     time.Duration `mapstructure:"quote_latency"`
	ExecutionLatency time.Duration `mapstructure:"execution_latency"`
	PriceVariance    float64       `mapstructure:"price_variance"`
	SlippageVariance float64       `mapstructure:"slippage_variance"`
}

// CacheConfig configures the active-order cache and the per-order leases.
type CacheConfig struct {
	TTL      time.Duration `mapstructure:"ttl"`
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
}

// PubSubConfig selects the change-notification backend.
type PubSubConfig struct {
	Backend      string   `mapstructure:"backend"` // "redis" or "kafka"
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
}

// Load reads configuration from swapd.yaml (working directory or /etc/swapd)
// and the SWAPD_* environment, falling back to defaults for anything unset.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 3000)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.dsn", "host=localhost port=5432 user=postgres password=postgres dbname=orders sslmode=disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", 3600)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("queue.dir", "data/orderqueue")
	v.SetDefault("queue.concurrency", 10)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_base", 2*time.Second)
	v.SetDefault("queue.max_backoff", 60*time.Second)
	v.SetDefault("queue.rate_limit_per_minute", 100)
	v.SetDefault("queue.poll_interval", 50*time.Millisecond)
	v.SetDefault("queue.completed_keep", 1000)
	v.SetDefault("queue.completed_age", 24*time.Hour)
	v.SetDefault("queue.dead_keep", 5000)

	v.SetDefault("dex.quote_latency", 200*time.Millisecond)
	v.SetDefault("dex.execution_latency", 300*time.Millisecond)
	v.SetDefault("dex.price_variance", 0.05)
	v.SetDefault("dex.slippage_variance", 0.002)

	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("cache.lease_ttl", 5*time.Minute)

	v.SetDefault("pubsub.backend", "redis")
	v.SetDefault("pubsub.kafka_brokers", []string{"localhost:9092"})
	v.SetDefault("pubsub.kafka_topic", "order-updates")

	v.SetConfigName("swapd")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/swapd")

	v.SetEnvPrefix("SWAPD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// no file is fine, defaults and env cover everything
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}
