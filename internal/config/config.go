// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. A .env file, when present, is loaded
// into the process environment first.
//
// Provider credentials are not configured here: they live encrypted in the
// database and are managed through the admin API.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Database selects and locates the relational store.
	Database DatabaseConfig

	// Redis holds the connection URL for the Redis-backed cache and rate limiter.
	// Required only when CacheMode is "redis" or RPMLimit > 0.
	Redis RedisConfig

	// Cache controls caching of unary chat responses.
	Cache CacheConfig

	// Security holds the secrets used by the credential vault and the API key
	// authenticator.
	Security SecurityConfig

	// Upstream bounds calls to AI providers.
	Upstream UpstreamConfig

	// CircuitBreaker controls per-provider circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// RateLimit controls request-rate limiting.
	RateLimit RateLimitConfig

	// Usage controls how request logs are persisted and exported.
	Usage UsageConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// AdminToken guards the /admin API. Empty disables the admin routes.
	AdminToken string
}

// DatabaseConfig locates the relational store.
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite". Default: "sqlite".
	Driver string

	// URL is a postgres DSN or a sqlite file path. Default: "mindroute.db".
	URL string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis":  Redis-backed cache (requires REDIS_URL).
	//   "memory": In-process TTL cache. Not shared across replicas.
	//   "none":   Cache disabled entirely.
	// Default: "none".
	Mode string

	// TTL is the time-to-live for cached responses. Default: 1h.
	TTL time.Duration

	// ExcludeModels lists models that are never cached. Entries are exact
	// names, or Go regular expressions when prefixed with "re:".
	ExcludeModels []string

	// MaxEntries bounds the in-process cache. Default: 10000.
	MaxEntries int
}

// SecurityConfig holds server-side secrets.
type SecurityConfig struct {
	// EncryptionKey is the fallback master secret for the credential vault.
	// A system_configs row named "encryption_key" takes precedence.
	EncryptionKey string

	// APIKeyPepper keys the HMAC used to hash gateway API keys. When empty a
	// pepper is derived from the master secret.
	APIKeyPepper string
}

// UpstreamConfig bounds calls to AI providers.
type UpstreamConfig struct {
	// Timeout bounds a unary upstream call. Default: 60s.
	Timeout time.Duration

	// StreamIdleTimeout aborts a stream when no chunk arrives for this long.
	// Default: 30s.
	StreamIdleTimeout time.Duration

	// StreamMaxDuration caps the total lifetime of a stream. Default: 10m.
	StreamMaxDuration time.Duration
}

// CircuitBreakerConfig controls per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of consecutive errors that trip the breaker.
	// Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window over which errors are counted.
	// Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed per user.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// UsageConfig controls request log persistence.
type UsageConfig struct {
	// MaxBodyBytes caps the stored request and response snapshots.
	// Default: 65536.
	MaxBodyBytes int

	// ClickHouseDSN, when set, mirrors finished usage events to ClickHouse.
	ClickHouseDSN string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := fromViper(v)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("DB_DRIVER", "sqlite")
	v.SetDefault("DATABASE_URL", "mindroute.db")

	v.SetDefault("CACHE_MODE", "none")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CACHE_MAX_ENTRIES", 10_000)
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("PROVIDER_TIMEOUT", "60s")
	v.SetDefault("STREAM_IDLE_TIMEOUT", "30s")
	v.SetDefault("STREAM_MAX_DURATION", "10m")

	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	v.SetDefault("USAGE_MAX_BODY_BYTES", 64*1024)
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Database: DatabaseConfig{
			Driver: strings.ToLower(v.GetString("DB_DRIVER")),
			URL:    v.GetString("DATABASE_URL"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:          strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:           v.GetDuration("CACHE_TTL"),
			ExcludeModels: v.GetStringSlice("CACHE_EXCLUDE_MODELS"),
			MaxEntries:    v.GetInt("CACHE_MAX_ENTRIES"),
		},

		Security: SecurityConfig{
			EncryptionKey: v.GetString("ENCRYPTION_KEY"),
			APIKeyPepper:  v.GetString("API_KEY_PEPPER"),
		},

		Upstream: UpstreamConfig{
			Timeout:           v.GetDuration("PROVIDER_TIMEOUT"),
			StreamIdleTimeout: v.GetDuration("STREAM_IDLE_TIMEOUT"),
			StreamMaxDuration: v.GetDuration("STREAM_MAX_DURATION"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		Usage: UsageConfig{
			MaxBodyBytes:  v.GetInt("USAGE_MAX_BODY_BYTES"),
			ClickHouseDSN: v.GetString("CLICKHOUSE_DSN"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
		AdminToken:  v.GetString("ADMIN_TOKEN"),
	}
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf(
			"config: invalid DB_DRIVER %q; must be one of: postgres, sqlite",
			c.Database.Driver,
		)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}
	if c.RateLimit.RPMLimit > 0 && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when RPM_LIMIT > 0")
	}
	if c.RateLimit.RPMLimit < 0 {
		return fmt.Errorf("config: RPM_LIMIT must be >= 0, got %d", c.RateLimit.RPMLimit)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("config: PROVIDER_TIMEOUT must be a positive duration")
	}
	if c.Upstream.StreamIdleTimeout <= 0 {
		return fmt.Errorf("config: STREAM_IDLE_TIMEOUT must be a positive duration")
	}
	if c.Upstream.StreamMaxDuration < c.Upstream.StreamIdleTimeout {
		return fmt.Errorf("config: STREAM_MAX_DURATION must not be shorter than STREAM_IDLE_TIMEOUT")
	}

	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be >= 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}

	if c.Usage.MaxBodyBytes < 256 {
		return fmt.Errorf("config: USAGE_MAX_BODY_BYTES must be >= 256, got %d", c.Usage.MaxBodyBytes)
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
