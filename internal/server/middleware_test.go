package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/callback-cache/internal/ratelimit"
)

func TestRecoverer_CatchesPanic(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := applyMiddleware(func(ctx *fasthttp.RequestCtx) {
		ctx.SetBodyString("partial")
		panic("mock panic")
	}, recoverer(log), identify)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set(requestIDHeader, "req-1")
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Errorf("expected 500, got %d", ctx.Response.StatusCode())
	}
	if string(ctx.Response.Header.ContentType()) != "application/json" {
		t.Errorf("expected application/json content type, got %s", ctx.Response.Header.ContentType())
	}
	if code := errorCode(t, ctx.Response.Body()); code != "internal_error" {
		t.Errorf("code = %s, body %s", code, ctx.Response.Body())
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("panic log is not JSON: %q", buf.String())
	}
	if entry["msg"] != "handler_panic" || entry["request_id"] != "req-1" {
		t.Errorf("panic log = %v", entry)
	}
}

func TestIdentify_GeneratesRequestID(t *testing.T) {
	handler := identify(func(ctx *fasthttp.RequestCtx) {
		if requestIDOf(ctx) == "" {
			t.Error("request_id should be generated")
		}
		if got := botIDOf(ctx); got != ratelimit.GlobalClient {
			t.Errorf("bot id = %q, want %q", got, ratelimit.GlobalClient)
		}
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if string(ctx.Response.Header.Peek(requestIDHeader)) == "" {
		t.Error("X-Request-ID response header should be set")
	}
}

func TestIdentify_PreservesClientValues(t *testing.T) {
	handler := identify(func(ctx *fasthttp.RequestCtx) {
		if got := botIDOf(ctx); got != "shop-bot" {
			t.Errorf("bot id = %q, want shop-bot", got)
		}
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set(requestIDHeader, "custom-id-123")
	ctx.Request.Header.Set(clientHeader, "shop-bot")
	handler(ctx)

	if got := string(ctx.Response.Header.Peek(requestIDHeader)); got != "custom-id-123" {
		t.Errorf("expected 'custom-id-123' in response, got %s", got)
	}
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	handler := applyMiddleware(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusCreated)
	}, identify, accessLog(log))

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodPost)
	ctx.Request.SetRequestURI("/v1/keyboards")
	ctx.Request.Header.Set(clientHeader, "shop-bot")
	handler(ctx)

	if string(ctx.Response.Header.Peek("X-Response-Time")) == "" {
		t.Error("X-Response-Time header should be set")
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("access log is not JSON: %q", buf.String())
	}
	if entry["msg"] != "http_request" || entry["path"] != "/v1/keyboards" || entry["bot_id"] != "shop-bot" {
		t.Errorf("access log = %v", entry)
	}
	if entry["status"] != float64(fasthttp.StatusCreated) {
		t.Errorf("status = %v, want 201", entry["status"])
	}
}

func TestNoStore_HeadersSet(t *testing.T) {
	handler := noStore(func(ctx *fasthttp.RequestCtx) {})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	expected := map[string]string{
		"Cache-Control":           "no-store",
		"X-Content-Type-Options":  "nosniff",
		"Content-Security-Policy": "default-src 'none'",
		"Referrer-Policy":         "no-referrer",
	}
	for header, want := range expected {
		if got := string(ctx.Response.Header.Peek(header)); got != want {
			t.Errorf("header %s: expected %q, got %q", header, want, got)
		}
	}
}

func TestCORS(t *testing.T) {
	allowlist := []string{"https://a.example", "https://b.example"}
	cases := []struct {
		name    string
		origins []string
		origin  string
		want    string
	}{
		{"nil", nil, "https://x.example", "*"},
		{"wildcard", []string{"*"}, "", "*"},
		{"listed origin echoed", allowlist, "https://b.example", "https://b.example"},
		{"unlisted origin refused", allowlist, "https://x.example", ""},
		{"no origin header", allowlist, "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := cors(tc.origins)(func(ctx *fasthttp.RequestCtx) {})
			ctx := &fasthttp.RequestCtx{}
			ctx.Request.Header.SetMethod(fasthttp.MethodGet)
			if tc.origin != "" {
				ctx.Request.Header.Set("Origin", tc.origin)
			}
			handler(ctx)
			if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != tc.want {
				t.Errorf("origin = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestCORS_PreflightShortCircuits(t *testing.T) {
	called := false
	handler := cors(nil)(func(ctx *fasthttp.RequestCtx) { called = true })

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodOptions)
	handler(ctx)

	if called {
		t.Error("preflight must not reach the handler")
	}
	if ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Errorf("expected 204, got %d", ctx.Response.StatusCode())
	}
	if !strings.Contains(string(ctx.Response.Header.Peek("Access-Control-Allow-Headers")), clientHeader) {
		t.Errorf("allowed headers should include %s", clientHeader)
	}
}

func TestApplyMiddleware_Order(t *testing.T) {
	var order []string
	mw := func(name string) middleware {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
			return func(ctx *fasthttp.RequestCtx) {
				order = append(order, name)
				next(ctx)
			}
		}
	}

	h := applyMiddleware(func(ctx *fasthttp.RequestCtx) { order = append(order, "handler") }, mw("a"), mw("b"))
	h(&fasthttp.RequestCtx{})

	if strings.Join(order, ",") != "a,b,handler" {
		t.Fatalf("order = %v", order)
	}
}
