// Package config loads and validates all runtime configuration for the
// callback data cache service.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example CACHE_MAX_SIZE becomes
// cache_max_size in YAML.
//
// Nothing is strictly required: by default the cache runs in-process without
// persistence. Redis is only needed for SNAPSHOT_MODE=redis or RPM_LIMIT > 0.
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

// Snapshot modes.
const (
	SnapshotNone     = "none"
	SnapshotMemory   = "memory"
	SnapshotRedis    = "redis"
	SnapshotMemcache = "memcache"
	SnapshotS3       = "s3"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Cache controls the callback data cache itself.
	Cache CacheConfig

	// Snapshot controls persistence of the cache across restarts.
	Snapshot SnapshotConfig

	// Cleanup controls scheduled time-based clearing.
	Cleanup CleanupConfig

	// Redis holds the connection URL shared by the Redis snapshot store and
	// the rate limiter.
	Redis RedisConfig

	// Memcache lists the servers for SNAPSHOT_MODE=memcache.
	Memcache MemcacheConfig

	// S3 configures the object store for SNAPSHOT_MODE=s3.
	S3 S3Config

	// RateLimit controls request-rate limiting.
	RateLimit RateLimitConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default).
	CORSOrigins []string
}

// CacheConfig controls the callback data cache.
type CacheConfig struct {
	// MaxSize bounds both the keyboard store and the callback query store.
	// Default: 1024.
	MaxSize int
}

// SnapshotConfig controls snapshot persistence.
type SnapshotConfig struct {
	// Mode selects the backend:
	//   "none"     — no persistence (default).
	//   "memory"   — in-process store; survives nothing, useful for tests.
	//   "redis"    — single Redis key (requires REDIS_URL).
	//   "memcache" — single memcached item (requires MEMCACHE_SERVERS).
	//   "s3"       — one object in an S3-compatible bucket (requires S3_*).
	Mode string

	// Key is the Redis/memcached key or S3 object name.
	// Default: "callback_data:snapshot".
	Key string

	// Schedule is the cron spec for periodic saves. Default: "@every 1m".
	Schedule string

	// Timeout bounds each load/save. Default: 5s.
	Timeout time.Duration
}

// CleanupConfig controls scheduled clearing of aged entries.
type CleanupConfig struct {
	// Schedule is the cron spec for cleanup runs. Default: "@every 5m".
	Schedule string

	// CallbackDataMaxAge drops keyboards not accessed for longer than this.
	// 0 disables time-based clearing of keyboards. Default: 0.
	CallbackDataMaxAge time.Duration

	// CallbackQueryMaxAge drops callback query associations older than this.
	// 0 disables it. Default: 0.
	CallbackQueryMaxAge time.Duration
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// MemcacheConfig holds memcached configuration.
type MemcacheConfig struct {
	// Servers is a list of host:port addresses.
	Servers []string
}

// S3Config holds S3-compatible object storage configuration.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed globally.
	// 0 disables rate limiting. Requires REDIS_URL when > 0. Default: 0.
	RPMLimit int
}

// NeedsRedis reports whether any configured component uses Redis.
func (c *Config) NeedsRedis() bool {
	return c.Snapshot.Mode == SnapshotRedis || c.RateLimit.RPMLimit > 0
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

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CACHE_MAX_SIZE", 1024)
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Snapshot defaults.
	v.SetDefault("SNAPSHOT_MODE", SnapshotNone)
	v.SetDefault("SNAPSHOT_KEY", "callback_data:snapshot")
	v.SetDefault("SNAPSHOT_SCHEDULE", "@every 1m")
	v.SetDefault("SNAPSHOT_TIMEOUT", "5s")

	// Cleanup defaults: scheduled, but no age limits.
	v.SetDefault("CLEANUP_SCHEDULE", "@every 5m")
	v.SetDefault("CALLBACK_DATA_MAX_AGE", "0s")
	v.SetDefault("CALLBACK_QUERY_MAX_AGE", "0s")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Cache: CacheConfig{
			MaxSize: v.GetInt("CACHE_MAX_SIZE"),
		},

		Snapshot: SnapshotConfig{
			Mode:     strings.ToLower(v.GetString("SNAPSHOT_MODE")),
			Key:      v.GetString("SNAPSHOT_KEY"),
			Schedule: v.GetString("SNAPSHOT_SCHEDULE"),
			Timeout:  v.GetDuration("SNAPSHOT_TIMEOUT"),
		},

		Cleanup: CleanupConfig{
			Schedule:            v.GetString("CLEANUP_SCHEDULE"),
			CallbackDataMaxAge:  v.GetDuration("CALLBACK_DATA_MAX_AGE"),
			CallbackQueryMaxAge: v.GetDuration("CALLBACK_QUERY_MAX_AGE"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Memcache: MemcacheConfig{Servers: v.GetStringSlice("MEMCACHE_SERVERS")},

		S3: S3Config{
			Endpoint:  v.GetString("S3_ENDPOINT"),
			AccessKey: v.GetString("S3_ACCESS_KEY"),
			SecretKey: v.GetString("S3_SECRET_KEY"),
			Bucket:    v.GetString("S3_BUCKET"),
			UseSSL:    v.GetBool("S3_USE_SSL"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Cache.MaxSize < 1 {
		return fmt.Errorf("config: CACHE_MAX_SIZE must be ≥ 1, got %d", c.Cache.MaxSize)
	}

	switch c.Snapshot.Mode {
	case SnapshotNone, SnapshotMemory:
	case SnapshotRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("config: REDIS_URL is required when SNAPSHOT_MODE=redis")
		}
	case SnapshotMemcache:
		if len(c.Memcache.Servers) == 0 {
			return fmt.Errorf("config: MEMCACHE_SERVERS is required when SNAPSHOT_MODE=memcache")
		}
	case SnapshotS3:
		if c.S3.Endpoint == "" || c.S3.Bucket == "" {
			return fmt.Errorf("config: S3_ENDPOINT and S3_BUCKET are required when SNAPSHOT_MODE=s3")
		}
	default:
		return fmt.Errorf(
			"config: invalid SNAPSHOT_MODE %q; must be one of: none, memory, redis, memcache, s3",
			c.Snapshot.Mode,
		)
	}

	if c.Snapshot.Mode != SnapshotNone && c.Snapshot.Key == "" {
		return fmt.Errorf("config: SNAPSHOT_KEY must not be empty")
	}
	if c.Snapshot.Timeout <= 0 {
		return fmt.Errorf("config: SNAPSHOT_TIMEOUT must be a positive duration")
	}

	if c.Cleanup.CallbackDataMaxAge < 0 || c.Cleanup.CallbackQueryMaxAge < 0 {
		return fmt.Errorf("config: CALLBACK_DATA_MAX_AGE and CALLBACK_QUERY_MAX_AGE must not be negative")
	}

	if c.RateLimit.RPMLimit < 0 {
		return fmt.Errorf("config: RPM_LIMIT must be ≥ 0, got %d", c.RateLimit.RPMLimit)
	}
	if c.RateLimit.RPMLimit > 0 && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when RPM_LIMIT > 0")
	}

	// Validate log level.
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
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
