// Package openai adapts the OpenAI chat completions API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/mindroute/gateway/internal/providers"
)

const (
	// DefaultBaseURL is used when a provider row has no endpoint override.
	DefaultBaseURL = "https://api.openai.com/v1"
	providerName   = "openai"
)

// Provider implements providers.Provider over the official SDK. One client
// is shared; the key and base URL are applied per request.
type Provider struct {
	name            string
	defaultBaseURL  string
	requireBaseURL  bool
	legacyMaxTokens bool
	client          openaiSDK.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithName overrides the name used in errors and metrics.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithDefaultBaseURL changes the endpoint used when a request has none.
func WithDefaultBaseURL(u string) Option {
	return func(p *Provider) { p.defaultBaseURL = u }
}

// RequireBaseURL rejects requests without an explicit endpoint.
func RequireBaseURL() Option {
	return func(p *Provider) { p.requireBaseURL = true }
}

// WithLegacyMaxTokens sends max_tokens instead of max_completion_tokens.
// Most OpenAI-compatible servers only understand the older field.
func WithLegacyMaxTokens() Option {
	return func(p *Provider) { p.legacyMaxTokens = true }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.client = openaiSDK.NewClient(option.WithHTTPClient(c), option.WithMaxRetries(0))
	}
}

// New creates an OpenAI adapter.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:           providerName,
		defaultBaseURL: DefaultBaseURL,
		client: openaiSDK.NewClient(
			option.WithHTTPClient(&http.Client{Timeout: providers.DefaultProviderTimeout}),
			option.WithMaxRetries(0),
		),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) HealthCheck(ctx context.Context, cred providers.Credential) error {
	opts, err := p.requestOptions(cred)
	if err != nil {
		return err
	}
	if _, err := p.client.Models.List(ctx, opts...); err != nil {
		return p.toProviderError(err)
	}
	return nil
}

func (p *Provider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	opts, err := p.requestOptions(req.Credential)
	if err != nil {
		return nil, err
	}

	params := buildChatCompletionParams(req, p.legacyMaxTokens)

	if req.Stream {
		return p.handleStreaming(ctx, params, opts...)
	}
	return p.handleResponse(ctx, params, opts...)
}

func buildChatCompletionParams(req *providers.ProxyRequest, legacyMaxTokens bool) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}

	if req.Temperature != nil {
		params.Temperature = openaiSDK.Float(*req.Temperature)
	}

	switch {
	case req.MaxTokens <= 0:
	case legacyMaxTokens:
		params.MaxTokens = openaiSDK.Int(int64(req.MaxTokens))
	default:
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}

	if req.Stream {
		params.StreamOptions = openaiSDK.ChatCompletionStreamOptionsParam{
			IncludeUsage: openaiSDK.Bool(true),
		}
	}

	return params
}

func (p *Provider) handleResponse(
	ctx context.Context,
	params openaiSDK.ChatCompletionNewParams,
	opts ...option.RequestOption,
) (*providers.ProxyResponse, error) {
	resp, err := p.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, p.toProviderError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, providers.MalformedError(p.name, errors.New("no choices in response"))
	}

	msg := resp.Choices[0].Message
	role := string(msg.Role)
	if role == "" {
		role = "assistant"
	}

	return &providers.ProxyResponse{
		ID:      resp.ID,
		Model:   resp.Model,
		Role:    role,
		Content: msg.Content,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func (p *Provider) handleStreaming(
	ctx context.Context,
	params openaiSDK.ChatCompletionNewParams,
	opts ...option.RequestOption,
) (*providers.ProxyResponse, error) {
	ch := make(chan providers.StreamChunk, 64)

	stream := p.client.Chat.Completions.NewStreaming(ctx, params, opts...)

	go func() {
		defer close(ch)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()

			// The usage chunk arrives last with an empty choices array.
			if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
				if !providers.Send(ctx, ch, providers.StreamChunk{Usage: &providers.Usage{
					InputTokens:  int(chunk.Usage.PromptTokens),
					OutputTokens: int(chunk.Usage.CompletionTokens),
				}}) {
					return
				}
			}

			if len(chunk.Choices) == 0 {
				continue
			}

			c := chunk.Choices[0]
			if c.Delta.Content == "" && c.FinishReason == "" {
				continue
			}
			if !providers.Send(ctx, ch, providers.StreamChunk{
				Content:      c.Delta.Content,
				FinishReason: c.FinishReason,
			}) {
				return
			}
		}

		if err := stream.Err(); err != nil {
			providers.Send(ctx, ch, providers.StreamChunk{Err: p.toProviderError(err)})
		}
	}()

	return &providers.ProxyResponse{Stream: ch}, nil
}

func (p *Provider) requestOptions(cred providers.Credential) ([]option.RequestOption, error) {
	if cred.APIKey == "" {
		return nil, providers.ConfigError(p.name, "no API key configured")
	}
	base := cred.BaseURL
	if base == "" {
		if p.requireBaseURL {
			return nil, providers.ConfigError(p.name, "endpoint URL is required")
		}
		base = p.defaultBaseURL
	}
	return []option.RequestOption{
		option.WithAPIKey(cred.APIKey),
		option.WithBaseURL(strings.TrimRight(base, "/") + "/"),
	}, nil
}

func (p *Provider) toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		msg := apierr.Message
		if msg == "" {
			msg = http.StatusText(apierr.StatusCode)
		}
		pe := providers.UpstreamError(p.name, apierr.StatusCode, msg)
		pe.Err = err
		return pe
	}
	return providers.Normalize(p.name, fmt.Errorf("%s: %w", p.name, err))
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
