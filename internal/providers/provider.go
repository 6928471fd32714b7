// Package providers defines the common interfaces and types used by all
// upstream AI provider adapters (OpenAI, Anthropic, Google, Mistral and
// OpenAI-compatible services).
//
// Each adapter lives in its own sub-package, implements Provider, and is
// registered under the provider type stored on a Provider row. Adapters are
// stateless with respect to credentials: the decrypted key and endpoint are
// passed on every request.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

type (
	// StreamChunk is one event delivered during a streaming response. At most
	// one of Content, Usage or Err is meaningful per chunk, except that an
	// adapter may attach Usage to the last content chunk.
	StreamChunk struct {
		Content      string
		FinishReason string
		// Usage carries token counts reported by the upstream, usually once
		// near the end of the stream.
		Usage *Usage
		// Err terminates the stream with a normalized failure.
		Err error
	}

	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string
		Content string
	}

	// Usage: token usage stats.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// Credential is the decrypted upstream key and the endpoint to call.
	// An empty BaseURL selects the adapter's default endpoint.
	Credential struct {
		APIKey  string
		BaseURL string
	}

	// ProxyRequest: normalized upstream request.
	ProxyRequest struct {
		Credential

		Model       string
		Messages    []Message
		Stream      bool
		Temperature *float64
		MaxTokens   int
		RequestID   string
	}

	// ProxyResponse: normalized provider response.
	ProxyResponse struct {
		ID      string
		Model   string
		Role    string
		Content string
		Usage   Usage
		Stream  <-chan StreamChunk // nil if it's not a stream.
	}
)

// Provider: upstream adapter interface.
type Provider interface {
	Name() string
	Request(ctx context.Context, req *ProxyRequest) (*ProxyResponse, error)
	HealthCheck(ctx context.Context, cred Credential) error
}

// StatusCoder is implemented by errors that map to an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// StatusClientClosedRequest is the non-standard status recorded when the
// caller disconnects before the upstream finishes.
const StatusClientClosedRequest = 499

// DefaultProviderTimeout bounds the adapters' HTTP clients. Request contexts
// carry the tighter per-call deadlines.
const DefaultProviderTimeout = 10 * time.Minute

// clientTimeoutGrace keeps the client timeout clear of the call deadline so
// the context, not the transport, ends the call.
const clientTimeoutGrace = 30 * time.Second

// ClientTimeout returns the HTTP client timeout that lets a call run for
// longest without the transport cutting it. It never goes below
// DefaultProviderTimeout.
func ClientTimeout(longest time.Duration) time.Duration {
	return max(DefaultProviderTimeout, longest+clientTimeoutGrace)
}

// Send delivers c on ch unless ctx is done first. Adapters use it so a
// stream consumer that has gone away never blocks the producer.
func Send(ctx context.Context, ch chan<- StreamChunk, c StreamChunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// ── Errors ──────────────────────────────────────────────────────────────────

// ErrorKind classifies an upstream failure.
type ErrorKind string

const (
	KindUpstreamHTTP ErrorKind = "upstream_http"
	KindTimeout      ErrorKind = "timeout"
	KindMalformed    ErrorKind = "malformed"
	KindCanceled     ErrorKind = "canceled"
	KindUnavailable  ErrorKind = "unavailable"
	KindConfig       ErrorKind = "config"
)

// ProviderError is the single normalized failure shape for upstream calls.
// Message is safe to show to callers.
type ProviderError struct {
	Kind           ErrorKind
	Message        string
	Provider       string
	UpstreamStatus int
	Status         int
	Err            error
}

func (e *ProviderError) Error() string {
	if e.UpstreamStatus != 0 {
		return fmt.Sprintf("%s: %s (upstream status=%d)", e.Provider, e.Message, e.UpstreamStatus)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// HTTPStatus implements StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.Status }

// UpstreamError builds the error for a non-2xx upstream response. A 429 is
// passed through so clients can back off; anything else becomes 502.
func UpstreamError(provider string, status int, message string) *ProviderError {
	if message == "" {
		message = http.StatusText(status)
	}
	gw := http.StatusBadGateway
	if status == http.StatusTooManyRequests {
		gw = http.StatusTooManyRequests
	}
	return &ProviderError{
		Kind:           KindUpstreamHTTP,
		Message:        message,
		Provider:       provider,
		UpstreamStatus: status,
		Status:         gw,
	}
}

// MalformedError reports an upstream payload that could not be parsed.
func MalformedError(provider string, err error) *ProviderError {
	return &ProviderError{
		Kind:     KindMalformed,
		Message:  "malformed upstream response",
		Provider: provider,
		Status:   http.StatusBadGateway,
		Err:      err,
	}
}

// ConfigError reports a request the adapter cannot issue, such as a missing key.
func ConfigError(provider, message string) *ProviderError {
	return &ProviderError{
		Kind:     KindConfig,
		Message:  message,
		Provider: provider,
		Status:   http.StatusBadGateway,
	}
}

// UnavailableError reports a provider short-circuited by the gateway.
func UnavailableError(provider string) *ProviderError {
	return &ProviderError{
		Kind:     KindUnavailable,
		Message:  "provider temporarily unavailable",
		Provider: provider,
		Status:   http.StatusServiceUnavailable,
	}
}

// TimeoutError reports an upstream call that exceeded one of its deadlines.
func TimeoutError(provider, message string, err error) *ProviderError {
	return &ProviderError{
		Kind:     KindTimeout,
		Message:  message,
		Provider: provider,
		Status:   http.StatusGatewayTimeout,
		Err:      err,
	}
}

// CanceledError reports a call abandoned because its caller went away.
func CanceledError(provider string, err error) *ProviderError {
	return &ProviderError{
		Kind:     KindCanceled,
		Message:  "request canceled",
		Provider: provider,
		Status:   StatusClientClosedRequest,
		Err:      err,
	}
}

// Normalize maps any error from an upstream call onto *ProviderError.
// Errors that already are *ProviderError are returned unchanged.
func Normalize(provider string, err error) *ProviderError {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}

	var (
		ne  net.Error
		se  *json.SyntaxError
		ute *json.UnmarshalTypeError
	)
	switch {
	case errors.As(err, &se), errors.As(err, &ute):
		return MalformedError(provider, err)
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return TimeoutError(provider, "upstream request timed out", err)
	case errors.Is(err, context.Canceled):
		return CanceledError(provider, err)
	}

	var sc StatusCoder
	if errors.As(err, &sc) && sc.HTTPStatus() >= 400 {
		return UpstreamError(provider, sc.HTTPStatus(), "")
	}

	return &ProviderError{
		Kind:     KindUpstreamHTTP,
		Message:  "upstream request failed",
		Provider: provider,
		Status:   http.StatusBadGateway,
		Err:      err,
	}
}
