// Package logger implements a non-blocking, batched operation logger.
//
// Every API call that touches the callback data cache produces one
// OperationLog. Entries are written to an internal buffered channel and
// flushed in batches by a background goroutine, so logging never blocks a
// request while the cache lock is contended. If the channel fills up
// (> 10 000 entries), new entries are dropped and counted in DroppedLogs.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// OperationLog describes one cache operation served over the API.
type OperationLog struct {
	ID        uuid.UUID
	RequestID string
	Operation string
	Status    uint16
	// Buttons is the number of buttons whose callback data was cached or
	// resolved.
	Buttons int
	// Invalid is the number of tokens that could not be resolved.
	Invalid   int
	LatencyMs uint32
	CreatedAt time.Time
}

type Logger struct {
	ch        chan OperationLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
}

func New(ctx context.Context, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan OperationLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues entry. A zero ID is replaced with a fresh one.
func (l *Logger) Log(entry OperationLog) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// Close flushes everything queued and stops the background goroutine.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]OperationLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			l.log.InfoContext(ctx, "operation",
				slog.String("id", e.ID.String()),
				slog.String("request_id", e.RequestID),
				slog.String("operation", e.Operation),
				slog.Uint64("status", uint64(e.Status)),
				slog.Int("buttons", e.Buttons),
				slog.Int("invalid", e.Invalid),
				slog.Uint64("latency_ms", uint64(e.LatencyMs)),
				slog.Time("created_at", normalizeTime(e.CreatedAt)),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
