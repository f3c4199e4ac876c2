// Package cbcache implements the callback data cache.
//
// Chat platforms limit the opaque string attached to an inline button to a
// few dozen bytes. The cache keeps the real payload server-side, hands out a
// short token instead, and resolves the token back to the payload when the
// button is pressed.
//
// Two bounded LRU stores back the cache:
//   - keyboards       — keyboard id → button id → payload
//   - callback queries — callback query id → keyboard id
//
// Both are guarded by one mutex, so every public method is atomic with
// respect to every other.
package cbcache

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultMaxSize is used when Options.MaxSize is zero.
const DefaultMaxSize = 1024

// Store names reported to a Recorder.
const (
	StoreKeyboards       = "keyboards"
	StoreCallbackQueries = "callback_queries"
)

// ErrCallbackQueryNotFound is returned by DropData when the callback query
// was never processed or has already been dropped or cleared.
var ErrCallbackQueryNotFound = errors.New("cbcache: callback query not found")

// Recorder receives cache events, typically for metrics. Methods are called
// with the cache lock held and must not block.
type Recorder interface {
	KeyboardStored(buttons int)
	CallbackResolved(valid bool)
	Evicted(store string)
	Cleared(store string, n int)
	SetEntries(store string, n int)
}

type nopRecorder struct{}

func (nopRecorder) KeyboardStored(int)     {}
func (nopRecorder) CallbackResolved(bool)  {}
func (nopRecorder) Evicted(string)         {}
func (nopRecorder) Cleared(string, int)    {}
func (nopRecorder) SetEntries(string, int) {}

// Options tunes a Cache. All fields are optional.
type Options struct {
	// MaxSize bounds each of the two stores. Default: DefaultMaxSize.
	MaxSize int

	// Now is the clock used for access times. Readings are truncated to
	// microseconds, the resolution kept by snapshots. Default: time.Now.
	Now func() time.Time

	// Recorder receives cache events. Default: no-op.
	Recorder Recorder

	// Logger is used for debug events. Default: slog.Default().
	Logger *slog.Logger
}

// association maps a callback query to the keyboard that produced it. at is
// the time the query was processed and drives cutoff-based clearing.
type association struct {
	keyboardID string
	at         time.Time
}

// Stats is a point-in-time view of the store sizes.
type Stats struct {
	Keyboards       int `json:"keyboards"`
	CallbackQueries int `json:"callback_queries"`
	MaxSize         int `json:"max_size"`
}

// Cache stores callback data for inline keyboards. It is safe for concurrent
// use. T is the application payload type; the cache never inspects it.
type Cache[T any] struct {
	mu sync.Mutex

	maxSize   int
	keyboards *boundedStore[string, *keyboardRecord[T]]
	queries   *boundedStore[string, association]

	now func() time.Time
	rec Recorder
	log *slog.Logger
}

// New creates a Cache. When snapshot is non-nil the stores are populated from
// it, preserving access times and recency order.
func New[T any](opts Options, snapshot *Snapshot[T]) (*Cache[T], error) {
	if opts.MaxSize < 0 {
		return nil, fmt.Errorf("cbcache: max size must not be negative, got %d", opts.MaxSize)
	}

	maxSize := opts.MaxSize
	if maxSize == 0 {
		maxSize = DefaultMaxSize
	}

	clock := opts.Now
	if clock == nil {
		clock = time.Now
	}
	now := func() time.Time { return clock().Truncate(time.Microsecond) }

	rec := opts.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	c := &Cache[T]{
		maxSize: maxSize,
		now:     now,
		rec:     rec,
		log:     log,
	}
	c.keyboards = newBoundedStore(maxSize, func(id string, _ *keyboardRecord[T]) {
		c.rec.Evicted(StoreKeyboards)
		c.log.Debug("keyboard_evicted", slog.String("keyboard_id", id))
	})
	c.queries = newBoundedStore(maxSize, func(id string, _ association) {
		c.rec.Evicted(StoreCallbackQueries)
		c.log.Debug("callback_query_evicted", slog.String("callback_query_id", id))
	})

	if snapshot != nil {
		c.load(snapshot)
		c.log.Info("callback data restored",
			slog.Int("keyboards", c.keyboards.len()),
			slog.Int("callback_queries", c.queries.len()),
		)
	}
	c.reportSizes()

	return c, nil
}

// MaxSize returns the capacity of each store.
func (c *Cache[T]) MaxSize() int { return c.maxSize }

// ExtractIDs splits a token into keyboard id and button id.
func (c *Cache[T]) ExtractIDs(token string) (keyboardID, buttonID string) {
	return ExtractIDs(token)
}

// PersistenceData returns a consistent copy of both stores for persistence.
func (c *Cache[T]) PersistenceData() Snapshot[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.export()
}

// Stats returns the current store sizes.
func (c *Cache[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Keyboards:       c.keyboards.len(),
		CallbackQueries: c.queries.len(),
		MaxSize:         c.maxSize,
	}
}

// PutKeyboard stores the payload of every button carrying DataPayload and
// returns a new keyboard in which those payloads are replaced by tokens.
// The input is not modified. When no button carries a payload, kb itself is
// returned and nothing is stored.
func (c *Cache[T]) PutKeyboard(kb *InlineKeyboard[T]) *InlineKeyboard[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !hasPayload(kb) {
		return kb
	}

	rec := newKeyboardRecord[T](newID(), c.now())

	rows := make([][]InlineButton[T], len(kb.Rows))
	for i, row := range kb.Rows {
		out := make([]InlineButton[T], len(row))
		for j, btn := range row {
			if v, ok := btn.CallbackData.Value(); ok {
				btn.CallbackData = Token[T](rec.putButton(v))
			}
			out[j] = btn
		}
		rows[i] = out
	}

	c.keyboards.add(rec.id, rec)
	c.rec.KeyboardStored(len(rec.buttons))
	c.reportSizes()

	return &InlineKeyboard[T]{Rows: rows}
}

func hasPayload[T any](kb *InlineKeyboard[T]) bool {
	if kb == nil {
		return false
	}
	for _, row := range kb.Rows {
		for _, btn := range row {
			if btn.CallbackData.Kind() == DataPayload {
				return true
			}
		}
	}
	return false
}

// ProcessCallbackQuery replaces, in place, the token in q.Data and the tokens
// of the attached keyboard with the cached payloads. Tokens that cannot be
// resolved become DataInvalid. When q carries no token it is returned as is;
// otherwise q.ID is remembered so DropData can later remove the keyboard.
func (c *Cache[T]) ProcessCallbackQuery(q *CallbackQuery[T]) *CallbackQuery[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if q == nil || q.Data.Kind() != DataToken {
		return q
	}

	token, _ := q.Data.Token()
	keyboardID, _ := ExtractIDs(token)

	// Recorded before resolution so a broken keyboard can still be dropped.
	c.queries.add(q.ID, association{keyboardID: keyboardID, at: c.now()})

	q.Data = c.resolveLocked(token)

	if q.ReplyMarkup != nil {
		for _, row := range q.ReplyMarkup.Rows {
			for j := range row {
				if row[j].CallbackData.Kind() != DataToken {
					continue
				}
				t, _ := row[j].CallbackData.Token()
				row[j].CallbackData = c.resolveLocked(t)
			}
		}
	}

	c.reportSizes()
	return q
}

// resolveLocked looks a token up. The keyboard's access time and recency are
// only refreshed once both the keyboard and the button were found.
func (c *Cache[T]) resolveLocked(token string) CallbackData[T] {
	keyboardID, buttonID := ExtractIDs(token)

	rec, ok := c.keyboards.peek(keyboardID)
	if !ok {
		c.rec.CallbackResolved(false)
		return Invalid[T](token)
	}

	v, ok := rec.buttons[buttonID]
	if !ok {
		c.rec.CallbackResolved(false)
		return Invalid[T](token)
	}

	c.keyboards.get(keyboardID)
	rec.touch(c.now())
	c.rec.CallbackResolved(true)

	return Payload(v)
}

// DropData removes the stored data for q: its association and the keyboard
// it points to. A keyboard that is already gone is ignored; an unknown
// callback query yields ErrCallbackQueryNotFound.
func (c *Cache[T]) DropData(q *CallbackQuery[T]) error {
	if q == nil {
		return fmt.Errorf("cbcache: nil callback query")
	}
	return c.DropDataByID(q.ID)
}

// DropDataByID is DropData for callers that only hold the query id.
func (c *Cache[T]) DropDataByID(queryID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.queries.remove(queryID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrCallbackQueryNotFound, queryID)
	}

	c.keyboards.remove(a.keyboardID)
	c.reportSizes()

	c.log.Debug("callback_data_dropped",
		slog.String("callback_query_id", queryID),
		slog.String("keyboard_id", a.keyboardID),
	)
	return nil
}

// ClearCallbackData removes every cached keyboard.
func (c *Cache[T]) ClearCallbackData() int {
	return c.ClearCallbackDataBefore(time.Time{})
}

// ClearCallbackDataBefore removes keyboards whose access time is strictly
// before cutoff. A zero cutoff removes everything.
func (c *Cache[T]) ClearCallbackDataBefore(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int
	if cutoff.IsZero() {
		n = c.keyboards.purge()
	} else {
		n = c.keyboards.removeIf(func(_ string, rec *keyboardRecord[T]) bool {
			return rec.accessTime.Before(cutoff)
		})
	}

	c.rec.Cleared(StoreKeyboards, n)
	c.reportSizes()
	return n
}

// ClearCallbackQueries removes every callback query association.
func (c *Cache[T]) ClearCallbackQueries() int {
	return c.ClearCallbackQueriesBefore(time.Time{})
}

// ClearCallbackQueriesBefore removes associations recorded strictly before
// cutoff. A zero cutoff removes everything.
func (c *Cache[T]) ClearCallbackQueriesBefore(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int
	if cutoff.IsZero() {
		n = c.queries.purge()
	} else {
		n = c.queries.removeIf(func(_ string, a association) bool {
			return a.at.Before(cutoff)
		})
	}

	c.rec.Cleared(StoreCallbackQueries, n)
	c.reportSizes()
	return n
}

func (c *Cache[T]) reportSizes() {
	c.rec.SetEntries(StoreKeyboards, c.keyboards.len())
	c.rec.SetEntries(StoreCallbackQueries, c.queries.len())
}
