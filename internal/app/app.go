// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — external connections (Redis when needed)
//  2. initServices — metrics registry, operation logger
//  3. initStore    — snapshot backend
//  4. initCache    — callback data cache, restored from the last snapshot
//  5. initJanitor  — scheduled cleanup and snapshot jobs
//  6. initServer   — HTTP API and health probes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/callback-cache/internal/cbcache"
	"github.com/nulpointcorp/callback-cache/internal/config"
	"github.com/nulpointcorp/callback-cache/internal/logger"
	"github.com/nulpointcorp/callback-cache/internal/maintenance"
	"github.com/nulpointcorp/callback-cache/internal/metrics"
	"github.com/nulpointcorp/callback-cache/internal/persistence"
	"github.com/nulpointcorp/callback-cache/internal/server"
)

const shutdownTimeout = 10 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	prom  *metrics.Registry
	opLog *logger.Logger

	store   persistence.Store[server.Data]
	cache   *cbcache.Cache[server.Data]
	janitor *maintenance.Janitor[server.Data]
	health  *server.HealthChecker
	srv     *server.Server

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"store", a.initStore},
		{"cache", a.initCache},
		{"janitor", a.initJanitor},
		{"server", a.initServer},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and the maintenance jobs and blocks until ctx is
// cancelled or the server fails. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting callback data cache",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Int("max_size", a.cache.MaxSize()),
		slog.String("snapshot_mode", a.cfg.Snapshot.Mode),
	)

	a.janitor.Start()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.ListenAndServe(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.srv.Shutdown(shutCtx); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	err := g.Wait()
	a.Close()
	return err
}

// Close releases all resources in reverse-init order and saves a final
// snapshot. Safe to call multiple times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(a.close)
}

func (a *App) close() {
	if a.janitor != nil {
		a.janitor.Stop()

		// The base context is usually cancelled by now.
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Snapshot.Timeout)
		if err := a.janitor.Flush(ctx); err != nil {
			a.log.Error("final snapshot failed", slog.String("error", err.Error()))
		} else if a.store != nil {
			a.log.Info("final snapshot saved", slog.String("store", a.store.Name()))
		}
		cancel()
	}
	if a.health != nil {
		a.health.Close()
	}
	if a.opLog != nil {
		if err := a.opLog.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		if n := a.opLog.DroppedLogs(); n > 0 {
			a.log.Warn("operation logs dropped", slog.Int64("count", n))
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisProbe returns a health probe that reuses the existing client.
func redisProbe(rdb *redis.Client) server.Probe {
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}
