package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the aegis service
type Config struct {
	API struct {
		Host           string        `mapstructure:"host"`
		Port           int           `mapstructure:"port"`
		ReadTimeout    time.Duration `mapstructure:"read_timeout"`
		WriteTimeout   time.Duration `mapstructure:"write_timeout"`
		AllowedOrigins []string      `mapstructure:"allowed_origins"`
		// RateLimitPerMinute caps requests per client IP; 0 disables.
		RateLimitPerMinute int `mapstructure:"rate_limit_per_minute"`
		RateLimitBurst     int `mapstructure:"rate_limit_burst"`
	} `mapstructure:"api"`

	Database struct {
		SQLitePath string `mapstructure:"sqlite_path"`
	} `mapstructure:"database"`

	Redis struct {
		Enabled  bool   `mapstructure:"enabled"`
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		PoolSize int    `mapstructure:"pool_size"`
	} `mapstructure:"redis"`

	Auth struct {
		// JWTSecret validates bearer tokens; empty disables authenticated
		// endpoints that need a user identity.
		JWTSecret string `mapstructure:"jwt_secret"`
		// AdminToken guards the admin endpoints (broadcast, source fetch).
		AdminToken string `mapstructure:"admin_token"`
	} `mapstructure:"auth"`

	Correlation struct {
		DuplicateThreshold float64 `mapstructure:"duplicate_threshold"`
		RelatedThreshold   float64 `mapstructure:"related_threshold"`
		// RecencyWindows maps severity to how far back dedup looks, e.g.
		// critical: 720h.
		RecencyWindows       map[string]time.Duration `mapstructure:"recency_windows"`
		DefaultRecencyWindow time.Duration            `mapstructure:"default_recency_window"`
	} `mapstructure:"correlation"`

	Ingest struct {
		DefaultConfidence int                      `mapstructure:"default_confidence"`
		DefaultSeverity   string                   `mapstructure:"default_severity"`
		TTL               map[string]time.Duration `mapstructure:"ttl"`
		DefaultTTL        time.Duration            `mapstructure:"default_ttl"`
	} `mapstructure:"ingest"`

	Dispatch struct {
		Workers               int           `mapstructure:"workers"`
		QueueSize             int           `mapstructure:"queue_size"`
		MaxParallelDeliveries int           `mapstructure:"max_parallel_deliveries"`
		DeliveryTimeout       time.Duration `mapstructure:"delivery_timeout"`
		WebhookTimeout        time.Duration `mapstructure:"webhook_timeout"`
		MaxRetries         int           `mapstructure:"max_retries"`
		InitialBackoff     time.Duration `mapstructure:"initial_backoff"`
		MaxBackoff         time.Duration `mapstructure:"max_backoff"`
		RecoveryRetryDelay time.Duration `mapstructure:"recovery_retry_delay"`
		RetryInterval      time.Duration `mapstructure:"retry_interval"`
		InboxSize          int           `mapstructure:"inbox_size"`
	} `mapstructure:"dispatch"`

	Feeds struct {
		Enabled              bool              `mapstructure:"enabled"`
		DefaultSchedule      string            `mapstructure:"default_schedule"`
		Schedules            map[string]string `mapstructure:"schedules"`
		MaxConcurrentFetches int               `mapstructure:"max_concurrent_fetches"`
		FetchTimeout         time.Duration     `mapstructure:"fetch_timeout"`
		FetchOnStart         bool              `mapstructure:"fetch_on_start"`
		Sources              []FeedSource      `mapstructure:"sources"`
	} `mapstructure:"feeds"`

	Sweep struct {
		Interval time.Duration `mapstructure:"interval"`
		Timeout  time.Duration `mapstructure:"timeout"`
	} `mapstructure:"sweep"`

	Logging struct {
		Level  string `mapstructure:"level"`  // debug | info | warn | error
		Format string `mapstructure:"format"` // json | console
	} `mapstructure:"logging"`
}

// FeedSource configures one external feed endpoint
type FeedSource struct {
	Name    string            `mapstructure:"name"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Timeout time.Duration     `mapstructure:"timeout"`
}

// setDefaults registers every configuration default with viper
func setDefaults(v *viper.Viper) {
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.read_timeout", 15*time.Second)
	v.SetDefault("api.write_timeout", 30*time.Second)
	v.SetDefault("api.allowed_origins", []string{"*"})
	v.SetDefault("api.rate_limit_per_minute", 600)
	v.SetDefault("api.rate_limit_burst", 100)

	v.SetDefault("database.sqlite_path", "data/aegis.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("correlation.duplicate_threshold", 0.75)
	v.SetDefault("correlation.related_threshold", 0.45)
	v.SetDefault("correlation.default_recency_window", 7*24*time.Hour)
	v.SetDefault("correlation.recency_windows", map[string]time.Duration{
		"critical": 30 * 24 * time.Hour,
		"high":     14 * 24 * time.Hour,
		"medium":   7 * 24 * time.Hour,
		"low":      3 * 24 * time.Hour,
	})

	v.SetDefault("ingest.default_confidence", 50)
	v.SetDefault("ingest.default_severity", "medium")
	v.SetDefault("ingest.default_ttl", 30*24*time.Hour)
	v.SetDefault("ingest.ttl", map[string]time.Duration{
		"critical": 90 * 24 * time.Hour,
		"high":     60 * 24 * time.Hour,
		"medium":   30 * 24 * time.Hour,
		"low":      14 * 24 * time.Hour,
	})

	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.queue_size", 1024)
	v.SetDefault("dispatch.max_parallel_deliveries", 32)
	v.SetDefault("dispatch.delivery_timeout", 2*time.Minute)
	v.SetDefault("dispatch.webhook_timeout", 10*time.Second)
	v.SetDefault("dispatch.max_retries", 3)
	v.SetDefault("dispatch.initial_backoff", 2*time.Second)
	v.SetDefault("dispatch.max_backoff", 30*time.Second)
	v.SetDefault("dispatch.recovery_retry_delay", 5*time.Minute)
	v.SetDefault("dispatch.retry_interval", time.Minute)
	v.SetDefault("dispatch.inbox_size", 100)

	v.SetDefault("feeds.enabled", true)
	v.SetDefault("feeds.default_schedule", "@every 15m")
	v.SetDefault("feeds.max_concurrent_fetches", 3)
	v.SetDefault("feeds.fetch_timeout", 5*time.Minute)
	v.SetDefault("feeds.fetch_on_start", true)

	v.SetDefault("sweep.interval", 5*time.Minute)
	v.SetDefault("sweep.timeout", time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// LoadConfig reads configuration from the given file (optional), environment
// variables prefixed with AEGIS_, and built-in defaults, in that order of
// precedence.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AEGIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	} else {
		v.SetConfigName("aegis")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/aegis")
		if err := v.ReadInConfig(); err != nil {
			// Defaults plus environment are a complete configuration.
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be in [1,65535], got %d", c.API.Port)
	}
	if c.Database.SQLitePath == "" {
		return fmt.Errorf("database.sqlite_path cannot be empty")
	}
	if c.Correlation.DuplicateThreshold <= 0 || c.Correlation.DuplicateThreshold > 1 {
		return fmt.Errorf("correlation.duplicate_threshold must be in (0,1]")
	}
	if c.Correlation.RelatedThreshold < 0 ||
		c.Correlation.RelatedThreshold >= c.Correlation.DuplicateThreshold {
		return fmt.Errorf("correlation.related_threshold must be below the duplicate threshold")
	}
	if c.Ingest.DefaultConfidence < 0 || c.Ingest.DefaultConfidence > 100 {
		return fmt.Errorf("ingest.default_confidence must be in [0,100]")
	}
	if c.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("dispatch.max_retries cannot be negative")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	for _, src := range c.Feeds.Sources {
		if src.Name == "" || src.URL == "" {
			return fmt.Errorf("every feed source requires a name and url")
		}
	}
	return nil
}
