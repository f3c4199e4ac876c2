package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/callback-cache/internal/cbcache"
	"github.com/nulpointcorp/callback-cache/internal/logger"
	"github.com/nulpointcorp/callback-cache/internal/metrics"
	"github.com/nulpointcorp/callback-cache/internal/ratelimit"
)

// --- helpers ----------------------------------------------------------------

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestCache(t *testing.T, rec cbcache.Recorder) *cbcache.Cache[Data] {
	t.Helper()
	c, err := cbcache.New[Data](cbcache.Options{MaxSize: 16, Recorder: rec, Logger: discard}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

type testClient struct {
	t    *testing.T
	http *http.Client
}

// serve starts s on an in-memory listener and returns a client for it.
func serve(t *testing.T, s *Server) *testClient {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	go func() {
		_ = fasthttp.Serve(ln, s.Handler())
	}()
	t.Cleanup(func() { ln.Close() })

	return &testClient{t: t, http: &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}}
}

func (c *testClient) do(method, path, body string, headers ...string) (int, []byte) {
	c.t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, "http://cbcache"+path, r)
	if err != nil {
		c.t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.t.Fatal(err)
	}
	return resp.StatusCode, data
}

func (c *testClient) putKeyboard(body string) wireKeyboard {
	c.t.Helper()
	status, data := c.do(http.MethodPost, "/v1/keyboards", body)
	if status != http.StatusOK {
		c.t.Fatalf("put keyboard: %d %s", status, data)
	}
	var kb wireKeyboard
	if err := json.Unmarshal(data, &kb); err != nil {
		c.t.Fatal(err)
	}
	return kb
}

func tokenString(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var tok string
	if err := json.Unmarshal(raw, &tok); err != nil {
		t.Fatalf("callback_data %s is not a token string", raw)
	}
	return tok
}

func jsonEqual(t *testing.T, got, want []byte) bool {
	t.Helper()
	var g, w any
	if err := json.Unmarshal(got, &g); err != nil {
		t.Fatalf("invalid JSON %s: %v", got, err)
	}
	if err := json.Unmarshal(want, &w); err != nil {
		t.Fatalf("invalid JSON %s: %v", want, err)
	}
	return reflect.DeepEqual(g, w)
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("not an error envelope: %s", body)
	}
	return env.Error.Code
}

const twoButtons = `{"inline_keyboard":[[
	{"text":"Buy","callback_data":{"sku":42}},
	{"text":"Docs","url":"https://example.org"},
	{"text":"Back","callback_data":"back"}
]]}`

// --- keyboards --------------------------------------------------------------

func TestPutKeyboard_SubstitutesTokens(t *testing.T) {
	c := newTestCache(t, nil)
	cl := serve(t, New(c, Options{Logger: discard}))

	kb := cl.putKeyboard(twoButtons)
	row := kb.InlineKeyboard[0]
	if len(row) != 3 {
		t.Fatalf("row has %d buttons, want 3", len(row))
	}

	buy := tokenString(t, row[0].CallbackData)
	back := tokenString(t, row[2].CallbackData)
	if len(buy) != 2*cbcache.IDLength || len(back) != 2*cbcache.IDLength {
		t.Fatalf("token lengths = %d, %d", len(buy), len(back))
	}
	if buy[:cbcache.IDLength] != back[:cbcache.IDLength] {
		t.Error("buttons of one keyboard must share the keyboard id")
	}
	if row[1].CallbackData != nil || row[1].URL != "https://example.org" {
		t.Errorf("URL button changed: %+v", row[1])
	}
	if st := c.Stats(); st.Keyboards != 1 {
		t.Errorf("keyboards = %d, want 1", st.Keyboards)
	}
}

func TestPutKeyboard_WithoutCallbackDataStoresNothing(t *testing.T) {
	c := newTestCache(t, nil)
	cl := serve(t, New(c, Options{Logger: discard}))

	kb := cl.putKeyboard(`{"inline_keyboard":[[{"text":"Docs","url":"https://example.org"},{"text":"x","callback_data":null}]]}`)
	if kb.InlineKeyboard[0][1].CallbackData != nil {
		t.Errorf("null callback_data should stay absent, got %s", kb.InlineKeyboard[0][1].CallbackData)
	}
	if st := c.Stats(); st.Keyboards != 0 {
		t.Errorf("keyboards = %d, want 0", st.Keyboards)
	}
}

func TestPutKeyboard_EmptyCallbackDataStoresNothing(t *testing.T) {
	c := newTestCache(t, nil)
	cl := serve(t, New(c, Options{Logger: discard}))

	kb := cl.putKeyboard(`{"inline_keyboard":[[
		{"text":"a","callback_data":""},
		{"text":"b","callback_data":0},
		{"text":"c","callback_data":false},
		{"text":"d","callback_data":[]},
		{"text":"e","callback_data":{}}
	]]}`)
	for i, btn := range kb.InlineKeyboard[0] {
		if btn.CallbackData != nil {
			t.Errorf("button %d: callback_data = %s, want absent", i, btn.CallbackData)
		}
	}
	if st := c.Stats(); st.Keyboards != 0 {
		t.Errorf("keyboards = %d, want 0", st.Keyboards)
	}

	kb = cl.putKeyboard(`{"inline_keyboard":[[{"text":"a","callback_data":""},{"text":"b","callback_data":"0"}]]}`)
	if kb.InlineKeyboard[0][0].CallbackData != nil {
		t.Errorf("empty string kept: %s", kb.InlineKeyboard[0][0].CallbackData)
	}
	tokenString(t, kb.InlineKeyboard[0][1].CallbackData)
	if st := c.Stats(); st.Keyboards != 1 {
		t.Errorf("keyboards = %d, want 1", st.Keyboards)
	}
}

func TestPutKeyboard_BadRequest(t *testing.T) {
	cl := serve(t, New(newTestCache(t, nil), Options{Logger: discard}))

	for _, body := range []string{`{"inline_keyboard":`, `{"rows":[]}`} {
		status, data := cl.do(http.MethodPost, "/v1/keyboards", body)
		if status != http.StatusBadRequest {
			t.Fatalf("body %q: status %d, want 400", body, status)
		}
		if code := errorCode(t, data); code != "invalid_request" {
			t.Fatalf("code = %s", code)
		}
	}
}

// --- callback queries -------------------------------------------------------

func TestProcessCallbackQuery_ResolvesDataAndMarkup(t *testing.T) {
	c := newTestCache(t, nil)
	cl := serve(t, New(c, Options{Logger: discard}))

	kb := cl.putKeyboard(twoButtons)
	buy := tokenString(t, kb.InlineKeyboard[0][0].CallbackData)
	tampered := buy[:cbcache.IDLength] + strings.Repeat("0", cbcache.IDLength)

	kb.InlineKeyboard = append(kb.InlineKeyboard, []wireButton{
		{Text: "Forged", CallbackData: json.RawMessage(fmt.Sprintf("%q", tampered))},
	})
	markup, _ := json.Marshal(kb)
	body := fmt.Sprintf(`{"id":"q1","data":%q,"reply_markup":%s}`, buy, markup)

	status, data := cl.do(http.MethodPost, "/v1/callback_queries", body)
	if status != http.StatusOK {
		t.Fatalf("status %d: %s", status, data)
	}

	var out wireCallbackQuery
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.ID != "q1" {
		t.Errorf("id = %q", out.ID)
	}
	if !jsonEqual(t, out.Data, []byte(`{"sku":42}`)) {
		t.Errorf("data = %s, want {\"sku\":42}", out.Data)
	}

	rows := out.ReplyMarkup.InlineKeyboard
	if !jsonEqual(t, rows[0][2].CallbackData, []byte(`"back"`)) {
		t.Errorf("back button = %s", rows[0][2].CallbackData)
	}
	want := fmt.Sprintf(`{"invalid_callback_data":%q}`, tampered)
	if !jsonEqual(t, rows[1][0].CallbackData, []byte(want)) {
		t.Errorf("forged button = %s, want %s", rows[1][0].CallbackData, want)
	}
	if st := c.Stats(); st.CallbackQueries != 1 {
		t.Errorf("callback queries = %d, want 1", st.CallbackQueries)
	}
}

func TestProcessCallbackQuery_UnknownToken(t *testing.T) {
	cl := serve(t, New(newTestCache(t, nil), Options{Logger: discard}))

	tok := strings.Repeat("a", 2*cbcache.IDLength)
	status, data := cl.do(http.MethodPost, "/v1/callback_queries", fmt.Sprintf(`{"id":"q","data":%q}`, tok))
	if status != http.StatusOK {
		t.Fatalf("status %d: %s", status, data)
	}
	var out wireCallbackQuery
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if !jsonEqual(t, out.Data, []byte(fmt.Sprintf(`{"invalid_callback_data":%q}`, tok))) {
		t.Errorf("data = %s", out.Data)
	}
}

func TestProcessCallbackQuery_BadRequest(t *testing.T) {
	cl := serve(t, New(newTestCache(t, nil), Options{Logger: discard}))

	cases := map[string]string{
		"missing id":       `{"data":"abc"}`,
		"non-string data":  `{"id":"q","data":{"sku":1}}`,
		"non-string reply": `{"id":"q","data":"abc","reply_markup":{"inline_keyboard":[[{"text":"x","callback_data":7}]]}}`,
		"broken json":      `{"id":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			status, data := cl.do(http.MethodPost, "/v1/callback_queries", body)
			if status != http.StatusBadRequest {
				t.Fatalf("status %d, want 400 (%s)", status, data)
			}
		})
	}
}

func TestDropData(t *testing.T) {
	c := newTestCache(t, nil)
	cl := serve(t, New(c, Options{Logger: discard}))

	kb := cl.putKeyboard(twoButtons)
	buy := tokenString(t, kb.InlineKeyboard[0][0].CallbackData)
	cl.do(http.MethodPost, "/v1/callback_queries", fmt.Sprintf(`{"id":"q1","data":%q}`, buy))

	if status, data := cl.do(http.MethodDelete, "/v1/callback_queries/q1", ""); status != http.StatusNoContent {
		t.Fatalf("first delete: %d %s", status, data)
	}
	if st := c.Stats(); st.Keyboards != 0 || st.CallbackQueries != 0 {
		t.Fatalf("stats after drop = %+v", st)
	}

	status, data := cl.do(http.MethodDelete, "/v1/callback_queries/q1", "")
	if status != http.StatusNotFound {
		t.Fatalf("second delete: %d, want 404", status)
	}
	if code := errorCode(t, data); code != "callback_query_not_found" {
		t.Fatalf("code = %s", code)
	}
}

// --- clearing ---------------------------------------------------------------

func clearCount(t *testing.T, cl *testClient, path, body string) int {
	t.Helper()
	status, data := cl.do(http.MethodPost, path, body)
	if status != http.StatusOK {
		t.Fatalf("%s: %d %s", path, status, data)
	}
	var out clearResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	return out.Cleared
}

func TestClearCallbackData(t *testing.T) {
	c := newTestCache(t, nil)
	cl := serve(t, New(c, Options{Logger: discard}))

	cl.putKeyboard(twoButtons)
	cl.putKeyboard(twoButtons)

	if n := clearCount(t, cl, "/v1/callback_data/clear", `{"before":"2000-01-01"}`); n != 0 {
		t.Fatalf("cleared %d keyboards older than 2000, want 0", n)
	}
	if n := clearCount(t, cl, "/v1/callback_data/clear", ""); n != 2 {
		t.Fatalf("cleared %d keyboards, want 2", n)
	}

	for _, body := range []string{
		`{"before":"yesterday"}`,
		`{"before":"NaN"}`,
		`{"before":"-Inf"}`,
		`{"before":"1e300"}`,
		`{"before":1e300}`,
	} {
		status, data := cl.do(http.MethodPost, "/v1/callback_data/clear", body)
		if status != http.StatusBadRequest || errorCode(t, data) != "invalid_cutoff" {
			t.Fatalf("%s: %d %s", body, status, data)
		}
	}
}

func TestClearCallbackQueries_EpochCutoff(t *testing.T) {
	c := newTestCache(t, nil)
	cl := serve(t, New(c, Options{Logger: discard}))

	kb := cl.putKeyboard(twoButtons)
	buy := tokenString(t, kb.InlineKeyboard[0][0].CallbackData)
	cl.do(http.MethodPost, "/v1/callback_queries", fmt.Sprintf(`{"id":"q1","data":%q}`, buy))

	future := time.Now().Add(time.Hour).Unix()
	if n := clearCount(t, cl, "/v1/callback_queries/clear", fmt.Sprintf(`{"before":%d}`, future)); n != 1 {
		t.Fatalf("cleared %d callback queries, want 1", n)
	}
	if st := c.Stats(); st.Keyboards != 1 {
		t.Errorf("clearing queries must keep keyboards, stats = %+v", st)
	}
}

// --- read-only endpoints ----------------------------------------------------

func TestExtractIDs(t *testing.T) {
	cl := serve(t, New(newTestCache(t, nil), Options{Logger: discard}))

	kbID := strings.Repeat("a", cbcache.IDLength)
	btnID := strings.Repeat("b", cbcache.IDLength)

	cases := []struct {
		token    string
		keyboard string
		button   string
	}{
		{kbID + btnID, kbID, btnID},
		{"short", "short", ""},
	}
	for _, tc := range cases {
		status, data := cl.do(http.MethodGet, "/v1/tokens/"+tc.token, "")
		if status != http.StatusOK {
			t.Fatalf("status %d", status)
		}
		var out tokenIDsResponse
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatal(err)
		}
		if out.KeyboardID != tc.keyboard || out.ButtonID != tc.button {
			t.Errorf("%s -> %+v", tc.token, out)
		}
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	cl := serve(t, New(newTestCache(t, nil), Options{Logger: discard}))

	kb := cl.putKeyboard(twoButtons)
	buy := tokenString(t, kb.InlineKeyboard[0][0].CallbackData)

	status, data := cl.do(http.MethodGet, "/v1/snapshot", "")
	if status != http.StatusOK {
		t.Fatalf("status %d", status)
	}
	var snap cbcache.Snapshot[Data]
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Keyboards) != 1 {
		t.Fatalf("keyboards = %d, want 1", len(snap.Keyboards))
	}
	kbID, btnID := cbcache.ExtractIDs(buy)
	if snap.Keyboards[0].KeyboardID != kbID {
		t.Errorf("keyboard id = %s, want %s", snap.Keyboards[0].KeyboardID, kbID)
	}
	if !jsonEqual(t, snap.Keyboards[0].ButtonData[btnID], []byte(`{"sku":42}`)) {
		t.Errorf("button data = %s", snap.Keyboards[0].ButtonData[btnID])
	}
}

func TestHealthAndReadiness(t *testing.T) {
	hc := NewHealthChecker(context.Background(), map[string]Probe{
		"snapshot": func(context.Context) error { return fmt.Errorf("down") },
	}, nil)
	defer hc.Close()

	cl := serve(t, New(newTestCache(t, nil), Options{Logger: discard, Health: hc}))

	status, data := cl.do(http.MethodGet, "/health", "")
	if status != http.StatusOK {
		t.Fatalf("health status %d", status)
	}
	var health struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
		Cache      cbcache.Stats     `json:"cache"`
	}
	if err := json.Unmarshal(data, &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "degraded" || health.Components["snapshot"] != "down" || health.Cache.MaxSize != 16 {
		t.Errorf("health = %+v", health)
	}

	if status, _ := cl.do(http.MethodGet, "/readiness", ""); status != http.StatusServiceUnavailable {
		t.Errorf("readiness = %d, want 503", status)
	}
}

func TestReadiness_NoHealthChecker(t *testing.T) {
	cl := serve(t, New(newTestCache(t, nil), Options{Logger: discard}))
	if status, _ := cl.do(http.MethodGet, "/readiness", ""); status != http.StatusOK {
		t.Errorf("readiness = %d, want 200", status)
	}
}

// --- optional collaborators -------------------------------------------------

func TestRateLimitPerBot(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cl := serve(t, New(newTestCache(t, nil), Options{
		Logger:      discard,
		RateLimiter: ratelimit.NewRPMLimiter(rdb, 1),
	}))

	if status, _ := cl.do(http.MethodGet, "/v1/tokens/abc", "", clientHeader, "bot-1"); status != http.StatusOK {
		t.Fatalf("first request = %d", status)
	}
	status, data := cl.do(http.MethodGet, "/v1/tokens/abc", "", clientHeader, "bot-1")
	if status != http.StatusTooManyRequests || errorCode(t, data) != "rate_limit_exceeded" {
		t.Fatalf("second request = %d %s, want 429", status, data)
	}
	if status, _ := cl.do(http.MethodGet, "/v1/tokens/abc", "", clientHeader, "bot-2"); status != http.StatusOK {
		t.Fatalf("other bot = %d, want 200", status)
	}
	if status, _ := cl.do(http.MethodGet, "/health", ""); status != http.StatusOK {
		t.Fatalf("probes must not be rate limited, got %d", status)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestMetricsAndOperationLog(t *testing.T) {
	reg := metrics.New()
	out := &syncBuffer{}
	opLog, err := logger.New(context.Background(), slog.New(slog.NewJSONHandler(out, nil)))
	if err != nil {
		t.Fatal(err)
	}

	cl := serve(t, New(newTestCache(t, reg), Options{
		Logger:   discard,
		Metrics:  reg,
		OpLogger: opLog,
	}))

	cl.putKeyboard(twoButtons)

	status, data := cl.do(http.MethodGet, "/metrics", "")
	if status != http.StatusOK {
		t.Fatalf("metrics status %d", status)
	}
	for _, want := range []string{
		`cbcache_http_requests_total{route="put_keyboard",status="200"} 1`,
		"cbcache_buttons_stored_total 2",
	} {
		if !strings.Contains(string(data), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}

	if err := opLog.Close(); err != nil {
		t.Fatal(err)
	}
	logged := out.String()
	if !strings.Contains(logged, `"operation":"put_keyboard"`) || !strings.Contains(logged, `"buttons":2`) {
		t.Errorf("operation log = %s", logged)
	}
}
