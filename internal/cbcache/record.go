package cbcache

import "time"

// keyboardRecord holds the button payloads of one cached keyboard.
type keyboardRecord[T any] struct {
	id         string
	accessTime time.Time
	buttons    map[string]T
}

func newKeyboardRecord[T any](id string, now time.Time) *keyboardRecord[T] {
	return &keyboardRecord[T]{
		id:         id,
		accessTime: now,
		buttons:    make(map[string]T),
	}
}

// putButton stores v under a fresh button id and returns the token for it.
func (r *keyboardRecord[T]) putButton(v T) string {
	buttonID := newID()
	r.buttons[buttonID] = v
	return EncodeToken(r.id, buttonID)
}

func (r *keyboardRecord[T]) touch(now time.Time) {
	r.accessTime = now
}

func (r *keyboardRecord[T]) tuple() KeyboardTuple[T] {
	data := make(map[string]T, len(r.buttons))
	for k, v := range r.buttons {
		data[k] = v
	}
	return KeyboardTuple[T]{
		KeyboardID: r.id,
		AccessTime: epochSeconds(r.accessTime),
		ButtonData: data,
	}
}
