// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Workers WorkersConfig `mapstructure:"workers"`
	Crawl   CrawlConfig   `mapstructure:"crawl"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Sinks   SinksConfig   `mapstructure:"sinks"`
	Events  EventsConfig  `mapstructure:"events"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// WorkersConfig bounds the worker pool and paces the master's scaling loop.
// The watermarks are per-worker backlog thresholds, not absolute queue depths.
type WorkersConfig struct {
	Min                    int `mapstructure:"min"`
	Max                    int `mapstructure:"max"`
	HighWater              int `mapstructure:"high_water"`
	LowWater               int `mapstructure:"low_water"`
	LivenessTimeoutSeconds int `mapstructure:"liveness_timeout_seconds"`
	ScaleIntervalMs        int `mapstructure:"scale_interval_ms"`
	ScaleCooldownMs        int `mapstructure:"scale_cooldown_ms"`
	RetireGraceSeconds     int `mapstructure:"retire_grace_seconds"`
}

// CrawlConfig carries per-run defaults applied where projects leave fields zero.
type CrawlConfig struct {
	LimitDefault     int      `mapstructure:"limit_default"`
	ChunkSizeDefault int      `mapstructure:"chunk_size_default"`
	ResultsPerQuery  int      `mapstructure:"results_per_query"`
	RelatedLimit     int      `mapstructure:"related_limit"`
	UserAgent        string   `mapstructure:"user_agent"`
	BlockedDomains   []string `mapstructure:"blocked_domains"`
}

// HTTPConfig configures fetch timeout and retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// SinksConfig enables the optional run-result sinks.
type SinksConfig struct {
	GCS      GCSSinkConfig      `mapstructure:"gcs"`
	PubSub   PubSubSinkConfig   `mapstructure:"pubsub"`
	Postgres PostgresSinkConfig `mapstructure:"postgres"`
}

// GCSSinkConfig archives run results to a Cloud Storage bucket.
type GCSSinkConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// PubSubSinkConfig announces completed runs on a topic.
type PubSubSinkConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// PostgresSinkConfig records run history rows.
type PostgresSinkConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// EventsConfig tunes the lifecycle event hub.
type EventsConfig struct {
	BufferSize     int `mapstructure:"buffer_size"`
	MaxBatchEvents int `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int `mapstructure:"max_batch_wait_ms"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("workers.min", 2)
	v.SetDefault("workers.max", 16)
	v.SetDefault("workers.high_water", 32)
	v.SetDefault("workers.low_water", 4)
	v.SetDefault("workers.liveness_timeout_seconds", 60)
	v.SetDefault("workers.scale_interval_ms", 500)
	v.SetDefault("workers.scale_cooldown_ms", 2000)
	v.SetDefault("workers.retire_grace_seconds", 30)
	v.SetDefault("crawl.limit_default", 25)
	v.SetDefault("crawl.chunk_size_default", 4000)
	v.SetDefault("crawl.results_per_query", 10)
	v.SetDefault("crawl.related_limit", 3)
	v.SetDefault("crawl.user_agent", "minor-search-bot/0.1")
	v.SetDefault("crawl.blocked_domains", []string{"youtube.com", "youtu.be", "youtube-nocookie.com"})
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 5000)
	v.SetDefault("sinks.gcs.prefix", "runs")
	v.SetDefault("sinks.postgres.table", "crawl_runs")
	v.SetDefault("events.buffer_size", 4096)
	v.SetDefault("events.max_batch_events", 512)
	v.SetDefault("events.max_batch_wait_ms", 500)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Workers.Min <= 0 {
		return fmt.Errorf("workers.min must be > 0")
	}
	if c.Workers.Max < c.Workers.Min {
		return fmt.Errorf("workers.max must be >= workers.min")
	}
	if c.Workers.LowWater >= c.Workers.HighWater {
		return fmt.Errorf("workers.low_water must be < workers.high_water")
	}
	if c.Workers.LivenessTimeoutSeconds <= 0 {
		return fmt.Errorf("workers.liveness_timeout_seconds must be > 0")
	}
	if c.Crawl.LimitDefault <= 0 {
		return fmt.Errorf("crawl.limit_default must be > 0")
	}
	if c.Crawl.ChunkSizeDefault <= 0 {
		return fmt.Errorf("crawl.chunk_size_default must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	return nil
}

// HTTPTimeout converts the fetch timeout to a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// LivenessTimeout converts the worker heartbeat bound to a duration.
func (c WorkersConfig) LivenessTimeout() time.Duration {
	return time.Duration(c.LivenessTimeoutSeconds) * time.Second
}

// ScaleInterval converts the supervision tick to a duration.
func (c WorkersConfig) ScaleInterval() time.Duration {
	return time.Duration(c.ScaleIntervalMs) * time.Millisecond
}

// ScaleCooldown converts the scaling cooldown to a duration.
func (c WorkersConfig) ScaleCooldown() time.Duration {
	return time.Duration(c.ScaleCooldownMs) * time.Millisecond
}

// RetireGrace converts the shutdown grace to a duration.
func (c WorkersConfig) RetireGrace() time.Duration {
	return time.Duration(c.RetireGraceSeconds) * time.Second
}
