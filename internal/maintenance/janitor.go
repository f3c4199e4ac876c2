// Package maintenance runs the scheduled jobs that keep the callback data
// cache bounded in time and persisted across restarts:
//   - cleanup: drops keyboards and callback query associations older than
//     their configured max age.
//   - snapshot: saves the cache's persistence data to a Store.
//
// Jobs are driven by a robfig/cron scheduler. Both are optional.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron"

	"github.com/nulpointcorp/callback-cache/internal/cbcache"
	"github.com/nulpointcorp/callback-cache/internal/persistence"
)

const defaultSnapshotTimeout = 5 * time.Second

// SnapshotObserver records snapshot load/save outcomes. *metrics.Registry
// satisfies it.
type SnapshotObserver interface {
	ObserveSnapshot(op string, err error, dur time.Duration)
}

// Options configures a Janitor. Zero max ages disable the matching cleanup;
// an empty schedule disables the job.
type Options struct {
	CleanupSchedule     string
	CallbackDataMaxAge  time.Duration
	CallbackQueryMaxAge time.Duration

	SnapshotSchedule string
	SnapshotTimeout  time.Duration

	// Now is the clock used to compute cutoffs. Default: time.Now.
	Now func() time.Time

	Logger  *slog.Logger
	Metrics SnapshotObserver
}

// Janitor owns the cron scheduler for one cache.
type Janitor[T any] struct {
	cache   *cbcache.Cache[T]
	store   persistence.Store[T]
	opts    Options
	baseCtx context.Context
	log     *slog.Logger

	cron *cron.Cron

	// saveMu serialises snapshot saves so an older snapshot never overwrites
	// a newer one.
	saveMu sync.Mutex

	stopOnce sync.Once
}

// New validates the schedules and builds a Janitor. store may be nil, in
// which case no snapshot job is registered and Flush is a no-op.
func New[T any](ctx context.Context, c *cbcache.Cache[T], store persistence.Store[T], opts Options) (*Janitor[T], error) {
	if ctx == nil {
		return nil, fmt.Errorf("maintenance: context must not be nil")
	}
	if c == nil {
		return nil, fmt.Errorf("maintenance: cache must not be nil")
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SnapshotTimeout <= 0 {
		opts.SnapshotTimeout = defaultSnapshotTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	j := &Janitor[T]{
		cache:   c,
		store:   store,
		opts:    opts,
		baseCtx: ctx,
		log:     log,
		cron:    cron.New(),
	}

	if opts.CleanupSchedule != "" && (opts.CallbackDataMaxAge > 0 || opts.CallbackQueryMaxAge > 0) {
		if err := j.cron.AddFunc(opts.CleanupSchedule, j.Cleanup); err != nil {
			return nil, fmt.Errorf("maintenance: cleanup schedule %q: %w", opts.CleanupSchedule, err)
		}
	}

	if store != nil && opts.SnapshotSchedule != "" {
		if err := j.cron.AddFunc(opts.SnapshotSchedule, j.snapshotJob); err != nil {
			return nil, fmt.Errorf("maintenance: snapshot schedule %q: %w", opts.SnapshotSchedule, err)
		}
	}

	return j, nil
}

// Jobs returns the number of scheduled jobs.
func (j *Janitor[T]) Jobs() int {
	return len(j.cron.Entries())
}

// Start begins running scheduled jobs in the background.
func (j *Janitor[T]) Start() {
	j.cron.Start()
	j.log.Info("maintenance started", slog.Int("jobs", j.Jobs()))
}

// Stop halts the scheduler. A job already running is not interrupted. Safe
// to call multiple times.
func (j *Janitor[T]) Stop() {
	j.stopOnce.Do(j.cron.Stop)
}

// Cleanup clears entries older than the configured max ages.
func (j *Janitor[T]) Cleanup() {
	j.cleanup()
}

func (j *Janitor[T]) cleanup() (keyboards, queries int) {
	now := j.opts.Now()

	if j.opts.CallbackDataMaxAge > 0 {
		keyboards = j.cache.ClearCallbackDataBefore(now.Add(-j.opts.CallbackDataMaxAge))
	}
	if j.opts.CallbackQueryMaxAge > 0 {
		queries = j.cache.ClearCallbackQueriesBefore(now.Add(-j.opts.CallbackQueryMaxAge))
	}

	if keyboards > 0 || queries > 0 {
		j.log.Info("callback data cleanup",
			slog.Int("keyboards", keyboards),
			slog.Int("callback_queries", queries),
		)
	}
	return keyboards, queries
}

func (j *Janitor[T]) snapshotJob() {
	if err := j.Flush(j.baseCtx); err != nil {
		j.log.Warn("snapshot_save_error",
			slog.String("store", j.store.Name()),
			slog.String("error", err.Error()),
		)
	}
}

// Flush saves the current persistence data immediately.
func (j *Janitor[T]) Flush(ctx context.Context) error {
	if j.store == nil {
		return nil
	}

	j.saveMu.Lock()
	defer j.saveMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, j.opts.SnapshotTimeout)
	defer cancel()

	start := time.Now()
	snap := j.cache.PersistenceData()
	err := j.store.Save(ctx, snap)
	if j.opts.Metrics != nil {
		j.opts.Metrics.ObserveSnapshot("save", err, time.Since(start))
	}
	if err != nil {
		return fmt.Errorf("maintenance: save snapshot: %w", err)
	}

	kb, cq := snap.Len()
	j.log.Debug("snapshot_saved",
		slog.String("store", j.store.Name()),
		slog.Int("keyboards", kb),
		slog.Int("callback_queries", cq),
	)
	return nil
}

// Restore loads the last snapshot from store. It returns (nil, nil) when
// nothing has been saved yet.
func Restore[T any](ctx context.Context, store persistence.Store[T], timeout time.Duration, obs SnapshotObserver) (*cbcache.Snapshot[T], error) {
	if store == nil {
		return nil, nil
	}
	if timeout <= 0 {
		timeout = defaultSnapshotTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	snap, err := store.Load(ctx)
	if errors.Is(err, persistence.ErrNoSnapshot) {
		err = nil
	}
	if obs != nil {
		obs.ObserveSnapshot("load", err, time.Since(start))
	}
	if err != nil {
		return nil, fmt.Errorf("maintenance: load snapshot: %w", err)
	}
	return snap, nil
}
