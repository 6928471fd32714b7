// Package apierr writes the gateway's error envelope and maps domain errors
// onto HTTP statuses.
//
//	{"success":false,"error":{"message":"...","type":"...","code":"..."}}
package apierr

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/mindroute/gateway/internal/access"
	"github.com/mindroute/gateway/internal/auth"
	"github.com/mindroute/gateway/internal/providers"
	"github.com/mindroute/gateway/internal/vault"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypePermissionError   = "permission_error"
	TypeNotFound          = "not_found_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeUpstreamRateLimited = "upstream_rate_limited"
	CodeInternalError       = "internal_error"
	CodeCredentialError     = "credential_error"
	CodeProviderError       = "provider_error"
	CodeRequestTimeout      = "request_timeout"
	CodeRequestCanceled     = "request_canceled"
	CodeMalformedResponse   = "malformed_response"
	CodeProviderUnavailable = "provider_unavailable"
	CodeProviderMisconfig   = "provider_misconfigured"
	CodeInvalidRequest      = "invalid_request"
	CodeNotFound            = "not_found"
	CodeConflict            = "conflict"
	CodeInvalidAdminToken   = "invalid_admin_token"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Success bool     `json:"success"`
		Error   APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(Marshal(message, errType, code))
}

// Marshal encodes the envelope without writing it.
func Marshal(message, errType, code string) []byte {
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	return body
}

// WriteRateLimit writes the local rate limit rejection.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfter time.Duration) {
	secs := int(retryAfter.Round(time.Second) / time.Second)
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(max(secs, 1)))
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteInvalid writes a 400 for a request body the gateway cannot accept.
func WriteInvalid(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusBadRequest, message, TypeInvalidRequest, CodeInvalidRequest)
}

// WriteError maps err with From and writes it.
func WriteError(ctx *fasthttp.RequestCtx, err error) {
	status, e := From(err)
	Write(ctx, status, e.Message, e.Type, e.Code)
}

// From classifies err. Unknown errors become a generic 500 so internal
// details never reach the caller.
func From(err error) (int, APIError) {
	var (
		ae *auth.Error
		xe *access.Error
		de *vault.DecryptionError
		pe *providers.ProviderError
	)
	switch {
	case errors.As(err, &ae):
		return fasthttp.StatusUnauthorized, APIError{
			Message: authMessage(ae.Kind),
			Type:    TypeAuthenticationErr,
			Code:    string(ae.Kind),
		}

	case errors.As(err, &xe):
		status, typ := fasthttp.StatusForbidden, TypePermissionError
		if xe.Kind == access.KindProviderNotFound || xe.Kind == access.KindModelNotFound {
			status, typ = fasthttp.StatusNotFound, TypeNotFound
		}
		return status, APIError{Message: accessMessage(xe), Type: typ, Code: string(xe.Kind)}

	case errors.As(err, &de), errors.Is(err, vault.ErrNoSecret):
		return fasthttp.StatusInternalServerError, APIError{
			Message: "provider credential is unavailable",
			Type:    TypeServerError,
			Code:    CodeCredentialError,
		}

	case errors.As(err, &pe):
		return providerError(pe)
	}

	return fasthttp.StatusInternalServerError, APIError{
		Message: "internal server error",
		Type:    TypeServerError,
		Code:    CodeInternalError,
	}
}

func providerError(pe *providers.ProviderError) (int, APIError) {
	status := pe.HTTPStatus()
	if status == 0 {
		status = fasthttp.StatusBadGateway
	}
	e := APIError{Message: pe.Message, Type: TypeProviderError, Code: CodeProviderError}

	switch pe.Kind {
	case providers.KindTimeout:
		e.Code = CodeRequestTimeout
	case providers.KindCanceled:
		e.Code = CodeRequestCanceled
	case providers.KindMalformed:
		e.Code = CodeMalformedResponse
	case providers.KindUnavailable:
		e.Code = CodeProviderUnavailable
	case providers.KindConfig:
		e.Code = CodeProviderMisconfig
	case providers.KindUpstreamHTTP:
		if status == fasthttp.StatusTooManyRequests {
			e.Type = TypeRateLimitError
			e.Code = CodeUpstreamRateLimited
		}
	}
	return status, e
}

func authMessage(k auth.Kind) string {
	switch k {
	case auth.KindMissingKey:
		return "missing API key"
	case auth.KindKeyInactive:
		return "API key has been revoked"
	case auth.KindKeyExpired:
		return "API key has expired"
	case auth.KindUserInactive:
		return "account is disabled"
	default:
		return "invalid API key"
	}
}

func accessMessage(e *access.Error) string {
	switch e.Kind {
	case access.KindProviderNotFound:
		return "provider not found"
	case access.KindProviderDisabled:
		return "provider is disabled"
	case access.KindModelNotFound:
		return "model " + strconv.Quote(e.Model) + " not found"
	default:
		return "access to this provider is denied"
	}
}
