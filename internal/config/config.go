package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store modes.
const (
	StoreModeRedis  = "redis"
	StoreModeMemory = "memory"
)

type Config struct {
	Port      string          `mapstructure:"port"`
	WorkerID  string          `mapstructure:"worker_id"`
	Store     StoreConfig     `mapstructure:"store"`
	Buffer    BufferConfig    `mapstructure:"buffer"`
	Ack       AckConfig       `mapstructure:"ack"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Listener  ListenerConfig  `mapstructure:"listener"`
	Rate      RateConfig      `mapstructure:"rate"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type StoreConfig struct {
	Mode  string      `mapstructure:"mode"` // "redis" or "memory"
	Redis RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type BufferConfig struct {
	MaxSize int64         `mapstructure:"max_size"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type AckConfig struct {
	MarkerTTL time.Duration `mapstructure:"marker_ttl"`
	LockTTL   time.Duration `mapstructure:"lock_ttl"`
}

type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type ReconcileConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type ListenerConfig struct {
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

type RateConfig struct {
	MessagesPerSecond float64 `mapstructure:"messages_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("port", "8080")
	v.SetDefault("worker_id", "")
	v.SetDefault("store.mode", StoreModeRedis)
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("buffer.max_size", 100)
	v.SetDefault("buffer.ttl", "1h")
	v.SetDefault("ack.marker_ttl", "60s")
	v.SetDefault("ack.lock_ttl", "5s")
	v.SetDefault("heartbeat.interval", "5s")
	v.SetDefault("heartbeat.ttl", "10s")
	v.SetDefault("reconcile.interval", "30s")
	v.SetDefault("listener.retry_backoff", "5s")
	v.SetDefault("rate.messages_per_second", 10)
	v.SetDefault("rate.burst", 20)
	v.SetDefault("logging.level", "info")

	// Environment variable support
	v.SetEnvPrefix("REALTIME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Explicitly bind nested keys to env vars
	_ = v.BindEnv("store.redis.addr", "REALTIME_REDIS_ADDR")
	_ = v.BindEnv("store.redis.password", "REALTIME_REDIS_PASSWORD")

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("default")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// The worker ID must be stable per process/pod; the hostname is exactly
	// that in container deployments.
	if cfg.WorkerID == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			return nil, fmt.Errorf("worker_id not set and hostname unavailable")
		}
		cfg.WorkerID = hostname
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Store.Mode != StoreModeRedis && c.Store.Mode != StoreModeMemory {
		return fmt.Errorf("invalid store.mode: %s (must be 'redis' or 'memory')", c.Store.Mode)
	}
	if c.Store.Mode == StoreModeRedis && c.Store.Redis.Addr == "" {
		return fmt.Errorf("store.redis.addr is required in redis mode")
	}
	if c.Buffer.MaxSize < 1 {
		return fmt.Errorf("buffer.max_size must be >= 1")
	}
	if c.Buffer.TTL <= 0 {
		return fmt.Errorf("buffer.ttl must be positive")
	}
	if c.Ack.MarkerTTL <= 0 || c.Ack.LockTTL <= 0 {
		return fmt.Errorf("ack TTLs must be positive")
	}
	if c.Heartbeat.Interval <= 0 || c.Heartbeat.TTL <= 0 {
		return fmt.Errorf("heartbeat interval and ttl must be positive")
	}
	if c.Heartbeat.Interval >= c.Heartbeat.TTL {
		return fmt.Errorf("heartbeat.interval (%s) must be shorter than heartbeat.ttl (%s)",
			c.Heartbeat.Interval, c.Heartbeat.TTL)
	}
	if c.Reconcile.Interval <= 0 {
		return fmt.Errorf("reconcile.interval must be positive")
	}
	if c.Listener.RetryBackoff <= 0 {
		return fmt.Errorf("listener.retry_backoff must be positive")
	}
	return nil
}
