package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/callback-cache/internal/cbcache"
	"github.com/nulpointcorp/callback-cache/internal/config"
	"github.com/nulpointcorp/callback-cache/internal/logger"
	"github.com/nulpointcorp/callback-cache/internal/maintenance"
	"github.com/nulpointcorp/callback-cache/internal/metrics"
	"github.com/nulpointcorp/callback-cache/internal/persistence"
	"github.com/nulpointcorp/callback-cache/internal/ratelimit"
	"github.com/nulpointcorp/callback-cache/internal/server"
)

// initInfra establishes optional external connections.
// Redis is only required for SNAPSHOT_MODE=redis or RPM_LIMIT > 0.
func (a *App) initInfra(ctx context.Context) error {
	if !a.cfg.NeedsRedis() {
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")

	return nil
}

// initServices creates the Prometheus registry and the operation logger.
func (a *App) initServices(_ context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	opLog, err := logger.New(a.baseCtx, a.log)
	if err != nil {
		return err
	}
	a.opLog = opLog

	return nil
}

// initStore selects the snapshot backend.
func (a *App) initStore(_ context.Context) error {
	store, err := buildStore(a.cfg, a.rdb)
	if err != nil {
		return err
	}
	a.store = store

	if store == nil {
		a.log.Info("snapshot backend: disabled")
	} else {
		a.log.Info("snapshot backend: "+store.Name(), slog.String("key", a.cfg.Snapshot.Key))
	}
	return nil
}

// initCache restores the last snapshot, if any, into a new cache.
func (a *App) initCache(ctx context.Context) error {
	snap, err := maintenance.Restore(ctx, a.store, a.cfg.Snapshot.Timeout, a.prom)
	if err != nil {
		return err
	}

	c, err := cbcache.New[server.Data](cbcache.Options{
		MaxSize:  a.cfg.Cache.MaxSize,
		Recorder: a.prom,
		Logger:   a.log,
	}, snap)
	if err != nil {
		return err
	}
	a.cache = c

	st := c.Stats()
	a.log.Info("callback data cache ready",
		slog.Int("max_size", st.MaxSize),
		slog.Int("keyboards", st.Keyboards),
		slog.Int("callback_queries", st.CallbackQueries),
		slog.Bool("restored", snap != nil),
	)
	return nil
}

// initJanitor schedules cleanup and periodic snapshots. It is started by Run.
func (a *App) initJanitor(_ context.Context) error {
	j, err := maintenance.New(a.baseCtx, a.cache, a.store, maintenance.Options{
		CleanupSchedule:     a.cfg.Cleanup.Schedule,
		CallbackDataMaxAge:  a.cfg.Cleanup.CallbackDataMaxAge,
		CallbackQueryMaxAge: a.cfg.Cleanup.CallbackQueryMaxAge,
		SnapshotSchedule:    a.cfg.Snapshot.Schedule,
		SnapshotTimeout:     a.cfg.Snapshot.Timeout,
		Logger:              a.log,
		Metrics:             a.prom,
	})
	if err != nil {
		return err
	}
	a.janitor = j
	return nil
}

// initServer wires the HTTP API with all configured subsystems.
func (a *App) initServer(_ context.Context) error {
	probes := make(map[string]server.Probe)
	if a.rdb != nil {
		probes["redis"] = redisProbe(a.rdb)
	}
	if a.store != nil && a.store.Name() != "redis" {
		probes["snapshot_"+a.store.Name()] = a.store.Ping
	}
	a.health = server.NewHealthChecker(a.baseCtx, probes, a.prom)

	opts := server.Options{
		Logger:      a.log,
		Metrics:     a.prom,
		OpLogger:    a.opLog,
		Health:      a.health,
		CORSOrigins: a.cfg.CORSOrigins,
	}

	// Rate limiting — only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		opts.RateLimiter = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	a.srv = server.New(a.cache, opts)
	return nil
}

// buildStore returns the snapshot backend for cfg, or nil when persistence
// is disabled. rdb must be connected for SNAPSHOT_MODE=redis.
func buildStore(cfg *config.Config, rdb *redis.Client) (persistence.Store[server.Data], error) {
	switch cfg.Snapshot.Mode {
	case config.SnapshotNone:
		return nil, nil
	case config.SnapshotMemory:
		return persistence.NewMemoryStore[server.Data](), nil
	case config.SnapshotRedis:
		if rdb == nil {
			return nil, fmt.Errorf("snapshot: redis store needs a connected client")
		}
		return persistence.NewRedisStore[server.Data](rdb, cfg.Snapshot.Key), nil
	case config.SnapshotMemcache:
		return persistence.NewMemcacheStore[server.Data](memcache.New(cfg.Memcache.Servers...), cfg.Snapshot.Key), nil
	case config.SnapshotS3:
		store, err := persistence.NewObjectStore[server.Data](persistence.ObjectStoreConfig{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Bucket:    cfg.S3.Bucket,
			Object:    cfg.Snapshot.Key,
			UseSSL:    cfg.S3.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown snapshot mode: %s", cfg.Snapshot.Mode)
	}
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
