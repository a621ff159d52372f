package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/nightjar-systems/relay/internal/projects"
)

// Operating modes. Managed fetches project configs from upstream, static
// reads them from the config file, proxy forwards without inspecting.
const (
	ModeManaged = "managed"
	ModeStatic  = "static"
	ModeProxy   = "proxy"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Relay      RelayConfig      `mapstructure:"relay"`
	Upstream   UpstreamConfig   `mapstructure:"upstream"`
	Processing ProcessingConfig `mapstructure:"processing"`
	Ingestion  IngestionConfig  `mapstructure:"ingestion"`
	Redis      RedisConfig      `mapstructure:"redis"`
	DLQ        DLQConfig        `mapstructure:"dlq"`
	Logging    LoggingConfig    `mapstructure:"logging"`

	// Projects is the static project set, used only in static mode.
	Projects []projects.Config `mapstructure:"projects"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type RelayConfig struct {
	Mode string `mapstructure:"mode"`
}

type UpstreamConfig struct {
	URL            string        `mapstructure:"url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	ConfigCacheTTL time.Duration `mapstructure:"config_cache_ttl"`
}

type ProcessingConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
}

type IngestionConfig struct {
	// EventBufferSize caps how many envelopes may wait in the admission
	// queue; enqueue rejects once the cap is reached.
	EventBufferSize int `mapstructure:"event_buffer_size"`

	// EventExpiry bounds how long an envelope may wait queued before it
	// is dropped.
	EventExpiry time.Duration `mapstructure:"event_expiry"`

	// MaxConcurrentRequests sizes the worker pool draining the queue.
	MaxConcurrentRequests int `mapstructure:"max_concurrent_requests"`

	MaxEventSize int `mapstructure:"max_event_size"`

	RateLimitEnabled  bool          `mapstructure:"rate_limit_enabled"`
	RateLimitRequests int           `mapstructure:"rate_limit_requests"`
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window"`
}

type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

type DLQConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	NatsURL string `mapstructure:"nats_url"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("relay.mode", ModeManaged)
	v.SetDefault("upstream.url", "http://localhost:8000")
	v.SetDefault("upstream.timeout", "10s")
	v.SetDefault("upstream.config_cache_ttl", "5m")
	v.SetDefault("processing.enabled", false)
	v.SetDefault("processing.kafka_brokers", []string{"localhost:9092"})
	v.SetDefault("processing.kafka_topic", "ingest-events")
	v.SetDefault("ingestion.event_buffer_size", 1000)
	v.SetDefault("ingestion.event_expiry", "600s")
	v.SetDefault("ingestion.max_concurrent_requests", 100)
	v.SetDefault("ingestion.max_event_size", 1048576)
	v.SetDefault("ingestion.rate_limit_enabled", false)
	v.SetDefault("ingestion.rate_limit_requests", 10000)
	v.SetDefault("ingestion.rate_limit_window", "1m")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "redis://localhost:6379")
	v.SetDefault("dlq.enabled", false)
	v.SetDefault("dlq.nats_url", "nats://localhost:4222")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/relay")
	}

	// Environment variables override
	v.SetEnvPrefix("RELAY")
	v.AutomaticEnv()

	// Read config
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	switch cfg.Relay.Mode {
	case ModeManaged, ModeStatic, ModeProxy:
	default:
		return nil, fmt.Errorf("unknown relay mode %q", cfg.Relay.Mode)
	}

	if cfg.Relay.Mode == ModeStatic && len(cfg.Projects) == 0 {
		return nil, fmt.Errorf("static mode requires at least one project in the config file")
	}

	return &cfg, nil
}
