// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
//
// Every client-visible error produced by the gateway goes through this
// package so the wire shape is always {"error":{message,type,code,request_id}}
// and the x-ditto-request-id header is always present.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeRateLimit         = "rate_limit_exceeded"
	TypeInsufficientQuota = "insufficient_quota"
	TypeUpstreamError     = "upstream_error"
	TypeServerError       = "server_error"
)

// Code constants, one per rejection kind.
const (
	CodeInvalidAPIKey           = "invalid_api_key"
	CodeInvalidRequest          = "invalid_request"
	CodeRateLimitExceeded       = "rate_limit_exceeded"
	CodeInflightLimit           = "inflight_limit"
	CodeInflightLimitBackend    = "inflight_limit_backend"
	CodeBillingHardLimitReached = "billing_hard_limit_reached"
	CodeUpstreamUnavailable     = "upstream_unavailable"
	CodeUpstreamError           = "upstream_error"
	CodePayloadTooLarge         = "payload_too_large"
	CodeStoreUnavailable        = "store_unavailable"
	CodeInternalError           = "internal_error"
)

type (
	// APIError is the structured error returned to clients.
	APIError struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      string `json:"code"`
		RequestID string `json:"request_id,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given
// HTTP status. The request id is read from the "request_id" user value set
// by the requestID middleware.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	reqID, _ := ctx.UserValue("request_id").(string)
	ctx.ResetBody()
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message:   message,
		Type:      errType,
		Code:      code,
		RequestID: reqID,
	}})
	ctx.SetBody(body)
}

// WriteMissingKey writes a 401 for a request without any accepted credential.
func WriteMissingKey(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized,
		"missing virtual key", TypeAuthenticationErr, CodeInvalidAPIKey)
}

// WriteInvalidKey writes a 401 for a credential that matched no virtual key.
func WriteInvalidKey(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized,
		"invalid virtual key", TypeAuthenticationErr, CodeInvalidAPIKey)
}

// WriteGuardrailBlocked writes a 400 with the guardrail rejection reason.
func WriteGuardrailBlocked(ctx *fasthttp.RequestCtx, reason string) {
	Write(ctx, fasthttp.StatusBadRequest,
		"request blocked by guardrail: "+reason, TypeInvalidRequest, CodeInvalidRequest)
}

// WriteRateLimit writes a 429 with the scope-specific code
// (e.g. "vk_rpm", "tenant_tpm").
func WriteRateLimit(ctx *fasthttp.RequestCtx, scopeCode string) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests,
		"rate limit exceeded", TypeRateLimit, scopeCode)
}

// WriteInflightLimit writes a 429 for an exhausted in-flight permit.
// backendScoped selects the per-backend code over the global one.
func WriteInflightLimit(ctx *fasthttp.RequestCtx, backendScoped bool) {
	code := CodeInflightLimit
	if backendScoped {
		code = CodeInflightLimitBackend
	}
	ctx.Response.Header.Set("Retry-After", "1")
	Write(ctx, fasthttp.StatusTooManyRequests,
		"too many in-flight requests", TypeRateLimit, code)
}

// WriteInsufficientQuota writes a 402 for a failed budget reservation.
func WriteInsufficientQuota(ctx *fasthttp.RequestCtx, scope string) {
	Write(ctx, fasthttp.StatusPaymentRequired,
		"budget exhausted for scope "+scope, TypeInsufficientQuota, CodeBillingHardLimitReached)
}

// WriteNoBackend writes a 503 when every candidate backend failed or none
// was configured.
func WriteNoBackend(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusServiceUnavailable,
		msg, TypeUpstreamError, CodeUpstreamUnavailable)
}

// WritePayloadTooLarge writes a 413 for a body over the configured maximum.
func WritePayloadTooLarge(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusRequestEntityTooLarge,
		"request body too large", TypeInvalidRequest, CodePayloadTooLarge)
}

// WriteShimBufferExceeded writes a 502 when the responses shim buffer cap
// was exceeded while translating an upstream body.
func WriteShimBufferExceeded(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusBadGateway,
		"upstream response too large to translate", TypeUpstreamError, CodeUpstreamUnavailable)
}

// WriteStoreUnavailable writes a 503 when a store operation failed during
// acquire or reserve.
func WriteStoreUnavailable(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusServiceUnavailable,
		"state store unavailable", TypeServerError, CodeStoreUnavailable)
}

// WriteInternal writes a 500 internal error.
func WriteInternal(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusInternalServerError,
		msg, TypeServerError, CodeInternalError)
}
