// Package server exposes the callback data cache over HTTP.
//
// Bots call POST /v1/keyboards before sending a keyboard to a chat client
// and POST /v1/callback_queries when a button press comes back. Payloads are
// arbitrary JSON values; tokens travel as JSON strings.
//
// Key design constraints:
//   - Every handler is a thin codec around one cbcache.Cache call.
//   - Logger, metrics, op logger and rate limiter are optional and nil-safe.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/callback-cache/internal/cbcache"
	"github.com/nulpointcorp/callback-cache/internal/logger"
	"github.com/nulpointcorp/callback-cache/internal/metrics"
	"github.com/nulpointcorp/callback-cache/internal/ratelimit"
	"github.com/nulpointcorp/callback-cache/pkg/apierr"
)

// clientHeader names the bot a request is counted against for rate limiting.
const clientHeader = "X-Bot-ID"

// Options holds optional collaborators for a Server.
type Options struct {
	// Logger defaults to slog.Default() when nil.
	Logger *slog.Logger

	Metrics     *metrics.Registry
	RateLimiter *ratelimit.RPMLimiter
	OpLogger    *logger.Logger
	Health      *HealthChecker

	// CORSOrigins: empty or ["*"] allows any origin.
	CORSOrigins []string
}

// Server owns the routes for one cache.
type Server struct {
	cache   *cbcache.Cache[Data]
	log     *slog.Logger
	metrics *metrics.Registry
	limiter *ratelimit.RPMLimiter
	opLog   *logger.Logger
	health  *HealthChecker
	cors    []string

	srv *fasthttp.Server
}

// New builds a Server for c.
func New(c *cbcache.Cache[Data], opts Options) *Server {
	if c == nil {
		panic("server: cache must not be nil")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cache:   c,
		log:     log,
		metrics: opts.Metrics,
		limiter: opts.RateLimiter,
		opLog:   opts.OpLogger,
		health:  opts.Health,
		cors:    opts.CORSOrigins,
	}
	s.srv = &fasthttp.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler returns the full routing tree wrapped in the middleware chain.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/keyboards", s.instrument("put_keyboard", s.handlePutKeyboard))
	r.POST("/v1/callback_queries", s.instrument("process_callback_query", s.handleProcessCallbackQuery))
	r.DELETE("/v1/callback_queries/{id}", s.instrument("drop_data", s.handleDropData))
	r.POST("/v1/callback_data/clear", s.instrument("clear_callback_data", s.handleClearCallbackData))
	r.POST("/v1/callback_queries/clear", s.instrument("clear_callback_queries", s.handleClearCallbackQueries))
	r.GET("/v1/tokens/{token}", s.instrument("extract_ids", s.handleExtractIDs))
	r.GET("/v1/snapshot", s.instrument("snapshot", s.handleSnapshot))
	r.GET("/v1/stats", s.handleStats)

	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recoverer(s.log),
		identify,
		accessLog(s.log),
		cors(s.cors),
		noStore,
	)
}

// ListenAndServe serves on addr (e.g. ":8080") until Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	return s.srv.ListenAndServe(addr)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}

// opResult carries per-operation counts into the operation log.
type opResult struct {
	buttons int
	invalid int
}

type opHandler func(ctx *fasthttp.RequestCtx) opResult

// instrument applies rate limiting, metrics and operation logging to one
// cache operation.
func (s *Server) instrument(op string, h opHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		reqID := requestIDOf(ctx)

		if s.metrics != nil {
			s.metrics.IncInFlight()
			defer func() {
				s.metrics.DecInFlight()
				s.metrics.ObserveHTTP(op, ctx.Response.StatusCode(), time.Since(start))
			}()
		}

		if !s.allow(ctx, op, reqID) {
			apierr.WriteRateLimit(ctx)
			return
		}

		res := h(ctx)

		if s.opLog != nil {
			s.opLog.Log(logger.OperationLog{
				ID:        uuid.New(),
				RequestID: reqID,
				Operation: op,
				Status:    uint16(ctx.Response.StatusCode()),
				Buttons:   res.buttons,
				Invalid:   res.invalid,
				LatencyMs: uint32(time.Since(start).Milliseconds()),
				CreatedAt: start,
			})
		}
	}
}

func (s *Server) allow(ctx *fasthttp.RequestCtx, op, reqID string) bool {
	if s.limiter == nil {
		return true
	}
	client := botIDOf(ctx)
	allowed, err := s.limiter.Allow(ctx, client)
	switch {
	case err != nil:
		s.log.WarnContext(ctx, "rate_limit_error",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		s.recordRateLimit("error")
	case !allowed:
		s.log.WarnContext(ctx, "rate_limit_exceeded",
			slog.String("request_id", reqID),
			slog.String("operation", op),
			slog.String("client", client),
		)
		s.recordRateLimit("blocked")
	default:
		s.recordRateLimit("allowed")
	}
	return allowed
}

func (s *Server) recordRateLimit(result string) {
	if s.metrics != nil {
		s.metrics.RecordRateLimit(result)
	}
}

// ── Cache operations ────────────────────────────────────────────────────────

func (s *Server) handlePutKeyboard(ctx *fasthttp.RequestCtx) opResult {
	var in wireKeyboard
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.WriteBadRequest(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return opResult{}
	}
	if in.InlineKeyboard == nil {
		apierr.WriteBadRequest(ctx, "field 'inline_keyboard' is required")
		return opResult{}
	}

	out, buttons, _, err := keyboardToWire(s.cache.PutKeyboard(payloadKeyboard(&in)))
	if err != nil {
		apierr.WriteInternal(ctx, "failed to serialize keyboard")
		return opResult{}
	}

	s.log.DebugContext(ctx, "keyboard_stored", slog.Int("buttons", buttons))
	writeJSON(ctx, out)
	return opResult{buttons: buttons}
}

func (s *Server) handleProcessCallbackQuery(ctx *fasthttp.RequestCtx) opResult {
	var in wireCallbackQuery
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.WriteBadRequest(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return opResult{}
	}
	if in.ID == "" {
		apierr.WriteBadRequest(ctx, "field 'id' is required")
		return opResult{}
	}

	q, err := callbackQueryFromWire(&in)
	if err != nil {
		apierr.WriteBadRequest(ctx, err.Error())
		return opResult{}
	}

	out, buttons, invalid, err := callbackQueryToWire(s.cache.ProcessCallbackQuery(q))
	if err != nil {
		apierr.WriteInternal(ctx, "failed to serialize callback query")
		return opResult{}
	}

	s.log.DebugContext(ctx, "callback_query_processed",
		slog.String("callback_query_id", out.ID),
		slog.Int("buttons", buttons),
		slog.Int("invalid", invalid),
	)
	writeJSON(ctx, out)
	return opResult{buttons: buttons, invalid: invalid}
}

func (s *Server) handleDropData(ctx *fasthttp.RequestCtx) opResult {
	id, _ := ctx.UserValue("id").(string)

	err := s.cache.DropDataByID(id)
	switch {
	case errors.Is(err, cbcache.ErrCallbackQueryNotFound):
		apierr.WriteNotFound(ctx, fmt.Sprintf("callback query %q is not cached", id), apierr.CodeCallbackQueryNotFound)
	case err != nil:
		apierr.WriteInternal(ctx, err.Error())
	default:
		ctx.SetStatusCode(fasthttp.StatusNoContent)
	}
	return opResult{}
}

func (s *Server) handleClearCallbackData(ctx *fasthttp.RequestCtx) opResult {
	s.handleClear(ctx, s.cache.ClearCallbackData, s.cache.ClearCallbackDataBefore)
	return opResult{}
}

func (s *Server) handleClearCallbackQueries(ctx *fasthttp.RequestCtx) opResult {
	s.handleClear(ctx, s.cache.ClearCallbackQueries, s.cache.ClearCallbackQueriesBefore)
	return opResult{}
}

func (s *Server) handleClear(ctx *fasthttp.RequestCtx, all func() int, before func(time.Time) int) {
	var req clearRequest
	if body := ctx.PostBody(); len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			apierr.WriteBadRequest(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
			return
		}
	}

	cutoff, ok, err := parseCutoff(req.Before)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidCutoff)
		return
	}

	var n int
	if ok {
		n = before(cutoff)
	} else {
		n = all()
	}
	writeJSON(ctx, clearResponse{Cleared: n})
}

func (s *Server) handleExtractIDs(ctx *fasthttp.RequestCtx) opResult {
	token, _ := ctx.UserValue("token").(string)
	keyboardID, buttonID := s.cache.ExtractIDs(token)
	writeJSON(ctx, tokenIDsResponse{KeyboardID: keyboardID, ButtonID: buttonID})
	return opResult{}
}

func (s *Server) handleSnapshot(ctx *fasthttp.RequestCtx) opResult {
	writeJSON(ctx, s.cache.PersistenceData())
	return opResult{}
}

func (s *Server) handleStats(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, s.cache.Stats())
}

// ── Probes ──────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok", "cache": s.cache.Stats()})
		return
	}
	writeJSON(ctx, struct {
		HealthSnapshot
		Cache cbcache.Stats `json:"cache"`
	}{s.health.Snapshot(), s.cache.Stats()})
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.health == nil || s.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, err := json.Marshal(v)
	if err != nil {
		apierr.WriteInternal(ctx, "failed to serialize response")
		return
	}
	ctx.SetBody(data)
}
