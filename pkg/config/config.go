package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pario-ai/verdict/pkg/models"
	"gopkg.in/yaml.v3"
)

// Config holds all verdict configuration.
type Config struct {
	Listen    string          `yaml:"listen"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Cache     CacheConfig     `yaml:"cache"`
	Webhooks  WebhookConfig   `yaml:"webhooks"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// DatabaseConfig selects the relational store. Driver is "sqlite" (default)
// or "postgres".
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RedisConfig controls the fast-path store. When disabled an in-process LRU
// is used instead.
type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	OpTimeout   time.Duration `yaml:"op_timeout"`
}

// BreakerConfig controls the circuit breaker in front of the fast path.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// CacheConfig controls lookup and retention behavior of the result cache.
type CacheConfig struct {
	DefaultTTL          time.Duration `yaml:"default_ttl"`
	SimilarityThreshold float64       `yaml:"similarity_threshold"`
	SearchThresholds    []float64     `yaml:"search_thresholds"`
	CandidatePool       int           `yaml:"candidate_pool"`
	CandidateWindow     time.Duration `yaml:"candidate_window"`
	MemoryMaxItems      int           `yaml:"memory_max_items"`
	WritebackQueue      int           `yaml:"writeback_queue"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
	MaxAge              time.Duration `yaml:"max_age"`
	MinHits             int64         `yaml:"min_hits"`
	Breaker             BreakerConfig `yaml:"breaker"`
}

// WebhookConfig controls the delivery dispatcher.
type WebhookConfig struct {
	Workers       int                `yaml:"workers"`
	QueueSize     int                `yaml:"queue_size"`
	Timeout       time.Duration      `yaml:"timeout"`
	MaxBackoff    time.Duration      `yaml:"max_backoff"`
	SweepInterval time.Duration      `yaml:"sweep_interval"`
	RetentionDays int                `yaml:"retention_days"`
	DefaultRetry  models.RetryConfig `yaml:"default_retry"`
}

// RateLimitConfig controls per-API-key request limits.
type RateLimitConfig struct {
	Enabled  bool                     `yaml:"enabled"`
	Policies []models.RateLimitPolicy `yaml:"policies"`
	MaxKeys  int                      `yaml:"max_keys"`
	KeyTTL   time.Duration            `yaml:"key_ttl"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "verdict.db",
		},
		Redis: RedisConfig{
			Enabled:     false,
			Addr:        "localhost:6379",
			Prefix:      "verdict:",
			DialTimeout: 5 * time.Second,
			OpTimeout:   2 * time.Second,
		},
		Cache: CacheConfig{
			DefaultTTL:          24 * time.Hour,
			SimilarityThreshold: 0.85,
			SearchThresholds:    []float64{0.95, 0.85, 0.75, 0.65},
			CandidatePool:       50,
			CandidateWindow:     7 * 24 * time.Hour,
			MemoryMaxItems:      10000,
			WritebackQueue:      256,
			CleanupInterval:     time.Hour,
			MaxAge:              30 * 24 * time.Hour,
			MinHits:             3,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				OpenTimeout: 30 * time.Second,
			},
		},
		Webhooks: WebhookConfig{
			Workers:       4,
			QueueSize:     1024,
			Timeout:       30 * time.Second,
			MaxBackoff:    time.Hour,
			SweepInterval: time.Minute,
			RetentionDays: 30,
			DefaultRetry: models.RetryConfig{
				MaxRetries:        3,
				RetryDelayMs:      1000,
				BackoffMultiplier: 2,
			},
		},
		RateLimit: RateLimitConfig{
			MaxKeys: 10000,
			KeyTTL:  10 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks value ranges that would otherwise fail at runtime.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q: must be sqlite or postgres", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when redis is enabled"))
	}

	if !validThreshold(c.Cache.SimilarityThreshold) {
		errs = append(errs, fmt.Errorf("cache.similarity_threshold %v: must be in (0, 1]", c.Cache.SimilarityThreshold))
	}
	for _, th := range c.Cache.SearchThresholds {
		if !validThreshold(th) {
			errs = append(errs, fmt.Errorf("cache.search_thresholds %v: must be in (0, 1]", th))
		}
	}
	if c.Cache.CandidatePool < 1 {
		errs = append(errs, errors.New("cache.candidate_pool must be at least 1"))
	}
	if c.Cache.DefaultTTL <= 0 {
		errs = append(errs, errors.New("cache.default_ttl must be positive"))
	}

	r := c.Webhooks.DefaultRetry
	if r.MaxRetries < 1 || r.MaxRetries > 10 {
		errs = append(errs, fmt.Errorf("webhooks.default_retry.max_retries %d: must be 1..10", r.MaxRetries))
	}
	if r.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Errorf("webhooks.default_retry.backoff_multiplier %v: must be >= 1", r.BackoffMultiplier))
	}
	if c.Webhooks.Workers < 1 {
		errs = append(errs, errors.New("webhooks.workers must be at least 1"))
	}

	for _, p := range c.RateLimit.Policies {
		if p.Key == "" || p.RequestsPerMinute <= 0 {
			errs = append(errs, fmt.Errorf("rate_limit policy %q: key and requests_per_minute are required", p.Key))
		}
	}

	return errors.Join(errs...)
}

func validThreshold(v float64) bool {
	return v > 0 && v <= 1
}
