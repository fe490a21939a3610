// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/contextive/ingest/internal/chunker"
	"github.com/contextive/ingest/internal/orchestrator"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig        `mapstructure:"server"`
	Auth     AuthConfig          `mapstructure:"auth"`
	Logging  LoggingConfig       `mapstructure:"logging"`
	Store    StoreConfig         `mapstructure:"store"`
	Queue    QueueConfig         `mapstructure:"queue"`
	Gateway  GatewayConfig       `mapstructure:"gateway"`
	Blob     BlobConfig          `mapstructure:"blob"`
	Vector   VectorConfig        `mapstructure:"vector"`
	Worker   WorkerConfig        `mapstructure:"worker"`
	Chunker  chunker.Config      `mapstructure:"chunker"`
	Pipeline orchestrator.Config `mapstructure:"pipeline"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// StoreConfig selects and configures the durable store backend.
type StoreConfig struct {
	Driver          string `mapstructure:"driver"` // "memory" or "postgres"
	DSN             string `mapstructure:"dsn"`
	MaxConns        int    `mapstructure:"max_conns"`
	MinConns        int    `mapstructure:"min_conns"`
	ConnLifetimeMin int    `mapstructure:"conn_lifetime_minutes"`
}

// QueueConfig selects and configures the task queue backend.
type QueueConfig struct {
	Provider       string `mapstructure:"provider"` // "memory" or "pubsub"
	Capacity       int    `mapstructure:"capacity"`
	ProjectID      string `mapstructure:"project_id"`
	TopicID        string `mapstructure:"topic_id"`
	SubscriptionID string `mapstructure:"subscription_id"`
}

// GatewayConfig selects and configures the crawl service client.
type GatewayConfig struct {
	Provider       string `mapstructure:"provider"` // "firecrawl" or "local"
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	WebhookURL     string `mapstructure:"webhook_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// BlobConfig configures raw crawl-result archiving.
type BlobConfig struct {
	Provider  string `mapstructure:"provider"` // "memory", "local", or "gcs"
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// VectorConfig configures the chunk store.
type VectorConfig struct {
	Table     string `mapstructure:"table"`
	Dim       int    `mapstructure:"dim"`
	BatchSize int    `mapstructure:"batch_size"`
}

// WorkerConfig governs the task worker pool and retry budget.
type WorkerConfig struct {
	Concurrency    int `mapstructure:"concurrency"`
	MaxAttempts    int `mapstructure:"max_attempts"`
	BackoffBaseMs  int `mapstructure:"backoff_base_ms"`
	BackoffMaxSec  int `mapstructure:"backoff_max_seconds"`
	EnqueueTimeout int `mapstructure:"enqueue_timeout_seconds"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGEST")
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
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("logging.development", true)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.max_conns", 8)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("store.conn_lifetime_minutes", 30)
	v.SetDefault("queue.provider", "memory")
	v.SetDefault("queue.capacity", 128)
	v.SetDefault("gateway.provider", "local")
	v.SetDefault("gateway.timeout_seconds", 30)
	v.SetDefault("blob.provider", "memory")
	v.SetDefault("blob.prefix", "crawls")
	v.SetDefault("vector.table", "chunks")
	v.SetDefault("vector.dim", 1536)
	v.SetDefault("vector.batch_size", 500)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.max_attempts", 5)
	v.SetDefault("worker.backoff_base_ms", 500)
	v.SetDefault("worker.backoff_max_seconds", 60)
	v.SetDefault("worker.enqueue_timeout_seconds", 5)
	v.SetDefault("pipeline.default_page_limit", 100)
	v.SetDefault("pipeline.fail_on_any_document", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set when store.driver is postgres")
		}
	default:
		return fmt.Errorf("store.driver must be memory or postgres, got %q", c.Store.Driver)
	}
	switch c.Queue.Provider {
	case "memory":
	case "pubsub":
		if c.Queue.ProjectID == "" || c.Queue.TopicID == "" || c.Queue.SubscriptionID == "" {
			return fmt.Errorf("queue.project_id, queue.topic_id, and queue.subscription_id must be set when queue.provider is pubsub")
		}
	default:
		return fmt.Errorf("queue.provider must be memory or pubsub, got %q", c.Queue.Provider)
	}
	switch c.Gateway.Provider {
	case "local":
	case "firecrawl":
		if c.Gateway.APIKey == "" {
			return fmt.Errorf("gateway.api_key must be set when gateway.provider is firecrawl")
		}
	default:
		return fmt.Errorf("gateway.provider must be firecrawl or local, got %q", c.Gateway.Provider)
	}
	switch c.Blob.Provider {
	case "memory":
	case "local":
		if c.Blob.BaseDir == "" {
			return fmt.Errorf("blob.base_dir must be set when blob.provider is local")
		}
	case "gcs":
		if c.Blob.GCSBucket == "" {
			return fmt.Errorf("blob.gcs_bucket must be set when blob.provider is gcs")
		}
	default:
		return fmt.Errorf("blob.provider must be memory, local, or gcs, got %q", c.Blob.Provider)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if err := c.Chunker.Validate(); err != nil {
		return fmt.Errorf("chunker: %w", err)
	}
	return nil
}

// ServerTimeout converts the request timeout into a duration.
func (c Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}

// GatewayTimeout converts the gateway timeout into a duration.
func (c Config) GatewayTimeout() time.Duration {
	return time.Duration(c.Gateway.TimeoutSeconds) * time.Second
}
