// Package apierr provides structured API error types and HTTP status mapping
// for the callback data cache API.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeRateLimitError = "rate_limit_error"
	TypeInvalidRequest = "invalid_request_error"
	TypeNotFound       = "not_found_error"
	TypeServerError    = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded     = "rate_limit_exceeded"
	CodeInternalError         = "internal_error"
	CodeInvalidRequest        = "invalid_request"
	CodeInvalidCutoff         = "invalid_cutoff"
	CodeCallbackQueryNotFound = "callback_query_not_found"
	CodeNotFound              = "not_found"
	CodeSnapshotUnavailable   = "snapshot_unavailable"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteBadRequest writes a 400 invalid request error.
func WriteBadRequest(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeInvalidRequest)
}

// WriteNotFound writes a 404 with the given code.
func WriteNotFound(ctx *fasthttp.RequestCtx, msg, code string) {
	Write(ctx, fasthttp.StatusNotFound, msg, TypeNotFound, code)
}

// WriteInternal writes a 500 internal error.
func WriteInternal(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusInternalServerError, msg, TypeServerError, CodeInternalError)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}
