// Package routing dispatches a resolved request to the adapter registered
// for its provider type. It clamps the token budget, bounds every upstream
// call in time and, for streams, guarantees a single terminal event.
package routing

import (
	"context"
	"time"

	"github.com/mindroute/gateway/internal/access"
	"github.com/mindroute/gateway/internal/providers"
)

const (
	DefaultUnaryTimeout      = 60 * time.Second
	DefaultStreamIdleTimeout = 30 * time.Second
	DefaultStreamMaxDuration = 10 * time.Minute
)

// Request holds the caller-supplied generation parameters.
type Request struct {
	Model       string
	Messages    []providers.Message
	Temperature *float64
	// MaxTokens is the caller's requested budget; nil when omitted.
	MaxTokens *int
	RequestID string
}

// Result is the normalized unary response.
type Result struct {
	ID      string
	Model   string
	Content string
	Role    string
	Usage   providers.Usage
}

// Options bounds upstream calls. Zero values select the defaults.
type Options struct {
	UnaryTimeout      time.Duration
	StreamIdleTimeout time.Duration
	StreamMaxDuration time.Duration
}

// Router is safe for concurrent use.
type Router struct {
	registry *providers.Registry
	opts     Options
}

func New(registry *providers.Registry, opts Options) *Router {
	if opts.UnaryTimeout <= 0 {
		opts.UnaryTimeout = DefaultUnaryTimeout
	}
	if opts.StreamIdleTimeout <= 0 {
		opts.StreamIdleTimeout = DefaultStreamIdleTimeout
	}
	if opts.StreamMaxDuration <= 0 {
		opts.StreamMaxDuration = DefaultStreamMaxDuration
	}
	return &Router{registry: registry, opts: opts}
}

// StreamMaxDuration is the longest a relayed stream may run.
func (r *Router) StreamMaxDuration() time.Duration { return r.opts.StreamMaxDuration }

// ClampMaxTokens returns the budget to send upstream. The caller's value is
// lowered to ceiling, never raised; an omitted value becomes the ceiling.
// A zero ceiling means unlimited, and a zero result means "send nothing".
func ClampMaxTokens(requested *int, ceiling int) int {
	if requested == nil || *requested <= 0 {
		return max(ceiling, 0)
	}
	if ceiling > 0 && *requested > ceiling {
		return ceiling
	}
	return *requested
}

// Build merges the caller's parameters with the resolved access.
func Build(res *access.Resolved, cred providers.Credential, req Request, stream bool) *providers.ProxyRequest {
	if cred.BaseURL == "" {
		cred.BaseURL = res.EndpointURL
	}
	return &providers.ProxyRequest{
		Credential:  cred,
		Model:       req.Model,
		Messages:    req.Messages,
		Stream:      stream,
		Temperature: req.Temperature,
		MaxTokens:   ClampMaxTokens(req.MaxTokens, res.EffectiveMaxTokens),
		RequestID:   req.RequestID,
	}
}

// Dispatch performs a unary call bounded by the unary timeout. Every error
// returned is a *providers.ProviderError.
func (r *Router) Dispatch(
	ctx context.Context,
	res *access.Resolved,
	cred providers.Credential,
	req Request,
) (*Result, error) {
	adapter, err := r.registry.Lookup(res.ProviderType)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.UnaryTimeout)
	defer cancel()

	resp, err := adapter.Request(ctx, Build(res, cred, req, false))
	if err != nil {
		return nil, providers.Normalize(res.ProviderType, err)
	}

	model := resp.Model
	if model == "" {
		model = req.Model
	}
	role := resp.Role
	if role == "" {
		role = "assistant"
	}
	return &Result{
		ID:      resp.ID,
		Model:   model,
		Content: resp.Content,
		Role:    role,
		Usage:   resp.Usage,
	}, nil
}

// Stream opens a streaming call. The returned handle owns the upstream
// connection until its terminal event; parent cancellation or Close aborts it.
func (r *Router) Stream(
	ctx context.Context,
	res *access.Resolved,
	cred providers.Credential,
	req Request,
) (*Stream, error) {
	adapter, err := r.registry.Lookup(res.ProviderType)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeoutCause(ctx, r.opts.StreamMaxDuration, errMaxDuration)

	resp, err := adapter.Request(ctx, Build(res, cred, req, true))
	if err != nil {
		cancel()
		return nil, providers.Normalize(res.ProviderType, err)
	}
	if resp.Stream == nil {
		cancel()
		return nil, providers.MalformedError(res.ProviderType, errNoStream)
	}

	s := newStream(ctx, cancel, res.ProviderType, resp.Stream, r.opts.StreamIdleTimeout)
	go s.pump()
	return s, nil
}
