package server

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/callback-cache/internal/ratelimit"
	"github.com/nulpointcorp/callback-cache/pkg/apierr"
)

type middleware func(fasthttp.RequestHandler) fasthttp.RequestHandler

// Request user values set by identify.
const (
	requestIDKey = "request_id"
	botIDKey     = "bot_id"
)

const requestIDHeader = "X-Request-ID"

func requestIDOf(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue(requestIDKey).(string)
	return id
}

func botIDOf(ctx *fasthttp.RequestCtx) string {
	if id, _ := ctx.UserValue(botIDKey).(string); id != "" {
		return id
	}
	return ratelimit.GlobalClient
}

// recoverer turns a handler panic into a 500 error envelope and logs it.
func recoverer(log *slog.Logger) middleware {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				log.Error("handler_panic",
					slog.Any("panic", r),
					slog.String("request_id", requestIDOf(ctx)),
					slog.String("method", string(ctx.Method())),
					slog.String("path", string(ctx.Path())),
				)
				ctx.ResetBody()
				apierr.WriteInternal(ctx, "internal server error")
			}()
			next(ctx)
		}
	}
}

// identify tags the request with its id (the client's X-Request-ID or a new
// UUID, echoed back) and the bot it acts for.
func identify(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		ctx.Response.Header.Set(requestIDHeader, id)
		ctx.SetUserValue(requestIDKey, id)

		bot := string(ctx.Request.Header.Peek(clientHeader))
		if bot == "" {
			bot = ratelimit.GlobalClient
		}
		ctx.SetUserValue(botIDKey, bot)

		next(ctx)
	}
}

// accessLog reports the handler duration in X-Response-Time and logs one
// debug line per request.
func accessLog(log *slog.Logger) middleware {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			start := time.Now()
			next(ctx)
			dur := time.Since(start)
			ctx.Response.Header.Set("X-Response-Time", dur.String())

			log.Debug("http_request",
				slog.String("request_id", requestIDOf(ctx)),
				slog.String("bot_id", botIDOf(ctx)),
				slog.String("method", string(ctx.Method())),
				slog.String("path", string(ctx.Path())),
				slog.Int("status", ctx.Response.StatusCode()),
				slog.Int64("duration_us", dur.Microseconds()),
			)
		}
	}
}

// noStore marks every response as a JSON API resource that intermediaries
// must not keep. Bodies carry callback payloads.
func noStore(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("Cache-Control", "no-store")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
	}
}

const (
	corsMethods = "GET, POST, DELETE, OPTIONS"
	corsHeaders = "Content-Type, " + requestIDHeader + ", " + clientHeader
)

// cors answers cross-origin requests. With no origins or ["*"] any origin is
// allowed; otherwise the request Origin is echoed only when listed. OPTIONS
// preflights end here with 204.
func cors(origins []string) middleware {
	allowed := make(map[string]struct{}, len(origins))
	wildcard := len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			wildcard = true
		}
		allowed[o] = struct{}{}
	}

	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			h := &ctx.Response.Header
			switch origin := string(ctx.Request.Header.Peek("Origin")); {
			case wildcard:
				h.Set("Access-Control-Allow-Origin", "*")
			case origin != "":
				h.Add("Vary", "Origin")
				if _, ok := allowed[origin]; ok {
					h.Set("Access-Control-Allow-Origin", origin)
				}
			}
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsHeaders)

			if ctx.IsOptions() {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// applyMiddleware wraps h so that mws[0] runs first.
func applyMiddleware(h fasthttp.RequestHandler, mws ...middleware) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
