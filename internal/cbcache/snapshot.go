package cbcache

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// KeyboardTuple is the persisted form of one cached keyboard.
type KeyboardTuple[T any] struct {
	KeyboardID string       `json:"keyboard_id"`
	AccessTime float64      `json:"access_time"`
	ButtonData map[string]T `json:"button_data"`
}

// Snapshot is the point-in-time copy handed to persistence. Keyboards are
// ordered from least to most recently used.
type Snapshot[T any] struct {
	Keyboards       []KeyboardTuple[T] `json:"keyboards"`
	CallbackQueries map[string]string  `json:"callback_queries"`
}

// Len returns the number of keyboards and callback queries in s.
func (s *Snapshot[T]) Len() (keyboards, callbackQueries int) {
	if s == nil {
		return 0, 0
	}
	return len(s.Keyboards), len(s.CallbackQueries)
}

// Epoch seconds accepted by ParseCutoff: years 1 through 9999.
const (
	minEpochSeconds = -62135596800
	maxEpochSeconds = 253402300799
)

// EpochTime converts UNIX seconds with a fractional part to a UTC time,
// rounded to the microsecond.
func EpochTime(seconds float64) time.Time {
	sec, frac := math.Modf(seconds)
	usec := int64(math.Round(frac * 1e6))
	return time.Unix(int64(sec), usec*int64(time.Microsecond)).UTC()
}

// epochSeconds round-trips through EpochTime without loss for dates before
// 2106, where a float64 still resolves microseconds.
func epochSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

// naiveLayouts are accepted by ParseCutoff for timestamps without a zone.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseCutoff parses a clearing cutoff. It accepts UNIX seconds (fractional
// allowed), RFC 3339 timestamps, and calendar timestamps without a zone,
// which are taken to be UTC.
func ParseCutoff(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("cbcache: empty cutoff")
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(f) || f < minEpochSeconds || f > maxEpochSeconds {
			return time.Time{}, fmt.Errorf("cbcache: cutoff %q out of range", s)
		}
		return EpochTime(f), nil
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}

	for _, layout := range naiveLayouts {
		// time.Parse yields UTC when the layout has no zone.
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("cbcache: invalid cutoff %q: want epoch seconds or a timestamp", s)
}

// load replays a snapshot into empty stores. Keyboards are inserted in the
// given order so it becomes the initial recency order. Associations carry
// no time of their own in the snapshot; each one is stamped with the access
// time of its keyboard, or with now when the keyboard is not part of the
// snapshot, and inserted oldest first.
func (c *Cache[T]) load(s *Snapshot[T]) {
	now := c.now()
	kbTimes := make(map[string]time.Time, len(s.Keyboards))

	for _, kt := range s.Keyboards {
		if len(kt.ButtonData) == 0 {
			continue
		}
		rec := &keyboardRecord[T]{
			id:         kt.KeyboardID,
			accessTime: EpochTime(kt.AccessTime),
			buttons:    make(map[string]T, len(kt.ButtonData)),
		}
		for k, v := range kt.ButtonData {
			rec.buttons[k] = v
		}
		c.keyboards.add(rec.id, rec)
		kbTimes[rec.id] = rec.accessTime
	}

	type pending struct {
		queryID string
		assoc   association
	}
	ordered := make([]pending, 0, len(s.CallbackQueries))
	for queryID, kbID := range s.CallbackQueries {
		at, ok := kbTimes[kbID]
		if !ok {
			at = now
		}
		ordered = append(ordered, pending{queryID: queryID, assoc: association{keyboardID: kbID, at: at}})
	}
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].assoc.at.Equal(ordered[j].assoc.at) {
			return ordered[i].assoc.at.Before(ordered[j].assoc.at)
		}
		return ordered[i].queryID < ordered[j].queryID
	})
	for _, p := range ordered {
		c.queries.add(p.queryID, p.assoc)
	}
}

// export builds a Snapshot from the current stores. Caller holds c.mu.
func (c *Cache[T]) export() Snapshot[T] {
	snap := Snapshot[T]{
		Keyboards:       make([]KeyboardTuple[T], 0, c.keyboards.len()),
		CallbackQueries: make(map[string]string, c.queries.len()),
	}
	c.keyboards.oldestFirst(func(_ string, rec *keyboardRecord[T]) {
		snap.Keyboards = append(snap.Keyboards, rec.tuple())
	})
	c.queries.oldestFirst(func(queryID string, a association) {
		snap.CallbackQueries[queryID] = a.keyboardID
	})
	return snap
}
