package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nulpointcorp/callback-cache/internal/cbcache"
)

// Data is the payload type cached by the service: any JSON value.
type Data = json.RawMessage

// ── Wire types ──────────────────────────────────────────────────────────────

type (
	wireButton struct {
		Text         string          `json:"text"`
		URL          string          `json:"url,omitempty"`
		CallbackData json.RawMessage `json:"callback_data,omitempty"`
	}

	wireKeyboard struct {
		InlineKeyboard [][]wireButton `json:"inline_keyboard"`
	}

	wireCallbackQuery struct {
		ID          string          `json:"id"`
		Data        json.RawMessage `json:"data,omitempty"`
		ReplyMarkup *wireKeyboard   `json:"reply_markup,omitempty"`
	}

	// invalidData replaces a payload that could not be resolved.
	invalidData struct {
		Token string `json:"invalid_callback_data"`
	}

	clearRequest struct {
		Before json.RawMessage `json:"before"`
	}

	clearResponse struct {
		Cleared int `json:"cleared"`
	}

	tokenIDsResponse struct {
		KeyboardID string `json:"keyboard_id"`
		ButtonID   string `json:"button_id"`
	}
)

var jsonNull = []byte("null")

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, jsonNull)
}

// ── Inbound conversion ──────────────────────────────────────────────────────

// emptyData reports whether a callback_data value carries nothing worth
// caching: null, "", false, 0, [] or {}.
func emptyData(raw json.RawMessage) bool {
	if isNull(raw) {
		return true
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch v := v.(type) {
	case string:
		return v == ""
	case bool:
		return !v
	case float64:
		return v == 0
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	}
	return false
}

// payloadKeyboard treats every non-empty callback_data value as a payload to
// be cached. Empty values are dropped from the button.
func payloadKeyboard(w *wireKeyboard) *cbcache.InlineKeyboard[Data] {
	kb := &cbcache.InlineKeyboard[Data]{
		Rows: make([][]cbcache.InlineButton[Data], len(w.InlineKeyboard)),
	}
	for i, row := range w.InlineKeyboard {
		out := make([]cbcache.InlineButton[Data], len(row))
		for j, b := range row {
			out[j] = cbcache.InlineButton[Data]{Text: b.Text, URL: b.URL}
			if !emptyData(b.CallbackData) {
				out[j].CallbackData = cbcache.Payload(Data(b.CallbackData))
			}
		}
		kb.Rows[i] = out
	}
	return kb
}

// tokenData parses a callback_data value received from a chat client. It must
// be a JSON string.
func tokenData(raw json.RawMessage) (cbcache.CallbackData[Data], error) {
	if isNull(raw) {
		return cbcache.CallbackData[Data]{}, nil
	}
	var token string
	if err := json.Unmarshal(raw, &token); err != nil {
		return cbcache.CallbackData[Data]{}, fmt.Errorf("callback data must be a string token")
	}
	return cbcache.Token[Data](token), nil
}

// tokenKeyboard treats every callback_data value as a token.
func tokenKeyboard(w *wireKeyboard) (*cbcache.InlineKeyboard[Data], error) {
	kb := &cbcache.InlineKeyboard[Data]{
		Rows: make([][]cbcache.InlineButton[Data], len(w.InlineKeyboard)),
	}
	for i, row := range w.InlineKeyboard {
		out := make([]cbcache.InlineButton[Data], len(row))
		for j, b := range row {
			d, err := tokenData(b.CallbackData)
			if err != nil {
				return nil, fmt.Errorf("reply_markup[%d][%d]: %w", i, j, err)
			}
			out[j] = cbcache.InlineButton[Data]{Text: b.Text, URL: b.URL, CallbackData: d}
		}
		kb.Rows[i] = out
	}
	return kb, nil
}

func callbackQueryFromWire(w *wireCallbackQuery) (*cbcache.CallbackQuery[Data], error) {
	d, err := tokenData(w.Data)
	if err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}
	q := &cbcache.CallbackQuery[Data]{ID: w.ID, Data: d}
	if w.ReplyMarkup != nil {
		if q.ReplyMarkup, err = tokenKeyboard(w.ReplyMarkup); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// ── Outbound conversion ─────────────────────────────────────────────────────

// dataToWire renders d; invalid reports whether d is DataInvalid.
func dataToWire(d cbcache.CallbackData[Data]) (raw json.RawMessage, invalid bool, err error) {
	switch d.Kind() {
	case cbcache.DataPayload:
		v, _ := d.Value()
		return v, false, nil
	case cbcache.DataToken:
		tok, _ := d.Token()
		raw, err = json.Marshal(tok)
		return raw, false, err
	case cbcache.DataInvalid:
		tok, _ := d.Token()
		raw, err = json.Marshal(invalidData{Token: tok})
		return raw, true, err
	default:
		return nil, false, nil
	}
}

// keyboardToWire renders kb and reports how many buttons carried data and
// how many of those were invalid.
func keyboardToWire(kb *cbcache.InlineKeyboard[Data]) (w *wireKeyboard, buttons, invalid int, err error) {
	w = &wireKeyboard{InlineKeyboard: make([][]wireButton, len(kb.Rows))}
	for i, row := range kb.Rows {
		out := make([]wireButton, len(row))
		for j, b := range row {
			raw, bad, err := dataToWire(b.CallbackData)
			if err != nil {
				return nil, 0, 0, err
			}
			if raw != nil {
				buttons++
			}
			if bad {
				invalid++
			}
			out[j] = wireButton{Text: b.Text, URL: b.URL, CallbackData: raw}
		}
		w.InlineKeyboard[i] = out
	}
	return w, buttons, invalid, nil
}

func callbackQueryToWire(q *cbcache.CallbackQuery[Data]) (w *wireCallbackQuery, buttons, invalid int, err error) {
	raw, bad, err := dataToWire(q.Data)
	if err != nil {
		return nil, 0, 0, err
	}
	w = &wireCallbackQuery{ID: q.ID, Data: raw}
	if raw != nil {
		buttons++
	}
	if bad {
		invalid++
	}
	if q.ReplyMarkup != nil {
		kb, b, inv, err := keyboardToWire(q.ReplyMarkup)
		if err != nil {
			return nil, 0, 0, err
		}
		w.ReplyMarkup = kb
		buttons += b
		invalid += inv
	}
	return w, buttons, invalid, nil
}

// parseCutoff reads the optional "before" field of a clear request. It
// accepts epoch seconds as a number or string, RFC 3339, or a naive
// timestamp taken as UTC. ok is false when the field is absent or null.
func parseCutoff(raw json.RawMessage) (cutoff time.Time, ok bool, err error) {
	if isNull(raw) {
		return time.Time{}, false, nil
	}
	s := string(bytes.TrimSpace(raw))
	if s[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, false, err
		}
	}
	cutoff, err = cbcache.ParseCutoff(s)
	if err != nil {
		return time.Time{}, false, err
	}
	return cutoff, true, nil
}
