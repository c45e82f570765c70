package config

import (
	"fmt"
	"time"

	pkgconfig "github.com/iotyro/cartsync/pkg/config"
)

// Config holds all configuration for the cart sync service.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP server
	HTTPPort int `env:"CARTSYNC_HTTP_PORT" envDefault:"8010"`

	// Redis (remote cart document store)
	RedisAddr string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPass string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB   int    `env:"REDIS_DB" envDefault:"0"`

	// SQLite (guest cart store)
	LocalDBPath string `env:"CARTSYNC_LOCAL_DB" envDefault:"cartsync.db"`

	// Remote cart document TTL in hours (default: 30 days)
	CartTTL int `env:"CART_TTL_HOURS" envDefault:"720"`

	// Read projection cache TTL in milliseconds. Zero disables the cache.
	ViewCacheTTL int `env:"VIEW_CACHE_TTL_MS" envDefault:"120000"`

	// Kafka
	KafkaBrokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`

	// JWT verification secret shared with the identity service.
	JWTSecret string `env:"JWT_SECRET" envDefault:"dev-secret-change-me"`

	// Catalog service base URL. Empty disables product existence checks.
	CatalogURL string `env:"CATALOG_URL" envDefault:""`

	// OpenTelemetry
	OTLPEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	TraceSamplePct float64 `env:"OTEL_TRACE_SAMPLE_PCT" envDefault:"1.0"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load cartsync config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// CartTTLDuration returns the remote document TTL as a duration.
func (c *Config) CartTTLDuration() time.Duration {
	return time.Duration(c.CartTTL) * time.Hour
}

// ViewCacheTTLDuration returns the projection cache TTL as a duration.
func (c *Config) ViewCacheTTLDuration() time.Duration {
	return time.Duration(c.ViewCacheTTL) * time.Millisecond
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.CartTTL < 1 {
		return fmt.Errorf("cart TTL must be at least one hour, got %d", c.CartTTL)
	}
	if c.ViewCacheTTL < 0 {
		return fmt.Errorf("view cache TTL must not be negative, got %d", c.ViewCacheTTL)
	}
	if c.LocalDBPath == "" {
		return fmt.Errorf("local db path is required")
	}
	return nil
}
