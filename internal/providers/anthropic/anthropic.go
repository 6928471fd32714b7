// Package anthropic adapts the Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/mindroute/gateway/internal/providers"
)

const (
	// DefaultBaseURL is the API root; the SDK appends /v1/... itself.
	DefaultBaseURL = "https://api.anthropic.com"
	providerName   = "anthropic"

	// defaultMaxTokens is sent when neither the caller nor the model sets a
	// ceiling; the Messages API rejects requests without max_tokens.
	defaultMaxTokens = 4096
)

// Provider implements providers.Provider for Anthropic (official SDK).
type Provider struct {
	client anthropic.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.client = anthropic.NewClient(option.WithHTTPClient(c), option.WithMaxRetries(0))
	}
}

// New creates a new Anthropic Provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		client: anthropic.NewClient(
			option.WithHTTPClient(&http.Client{Timeout: providers.DefaultProviderTimeout}),
			option.WithMaxRetries(0),
		),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context, cred providers.Credential) error {
	opts, err := requestOptions(cred)
	if err != nil {
		return err
	}
	_, err = p.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	}, opts...)
	if err != nil {
		return toProviderError(err)
	}
	return nil
}

func (p *Provider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	opts, err := requestOptions(req.Credential)
	if err != nil {
		return nil, err
	}

	params := buildParams(req)

	if req.Stream {
		return p.handleStreaming(ctx, params, opts...)
	}
	return p.handleResponse(ctx, params, opts...)
}

func buildParams(req *providers.ProxyRequest) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}

	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	return params
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	r := anthropic.MessageParamRoleUser
	if strings.EqualFold(role, "assistant") {
		r = anthropic.MessageParamRoleAssistant
	}

	return anthropic.MessageParam{
		Role: r,
		Content: []anthropic.ContentBlockParamUnion{
			{OfText: &anthropic.TextBlockParam{Text: content}},
		},
	}
}

func (p *Provider) handleResponse(
	ctx context.Context,
	params anthropic.MessageNewParams,
	opts ...option.RequestOption,
) (*providers.ProxyResponse, error) {
	msg, err := p.client.Messages.New(ctx, params, opts...)
	if err != nil {
		return nil, toProviderError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		if v, ok := b.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(v.Text)
		}
	}

	return &providers.ProxyResponse{
		ID:      msg.ID,
		Model:   string(msg.Model),
		Role:    "assistant",
		Content: sb.String(),
		Usage: providers.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

// handleStreaming relays text deltas. Input tokens arrive on message_start
// and cumulative output tokens on message_delta; usage is emitted once the
// message_delta is seen.
func (p *Provider) handleStreaming(
	ctx context.Context,
	params anthropic.MessageNewParams,
	opts ...option.RequestOption,
) (*providers.ProxyResponse, error) {
	ch := make(chan providers.StreamChunk, 64)

	stream := p.client.Messages.NewStreaming(ctx, params, opts...)

	go func() {
		defer close(ch)
		defer stream.Close()

		var usage providers.Usage

		for stream.Next() {
			switch ev := stream.Current().AsAny().(type) {
			case anthropic.MessageStartEvent:
				usage.InputTokens = int(ev.Message.Usage.InputTokens)
				usage.OutputTokens = int(ev.Message.Usage.OutputTokens)

			case anthropic.ContentBlockDeltaEvent:
				if d, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && d.Text != "" {
					if !providers.Send(ctx, ch, providers.StreamChunk{Content: d.Text}) {
						return
					}
				}

			case anthropic.MessageDeltaEvent:
				usage.InputTokens = max(usage.InputTokens, int(ev.Usage.InputTokens))
				usage.OutputTokens = max(usage.OutputTokens, int(ev.Usage.OutputTokens))
				u := usage
				if !providers.Send(ctx, ch, providers.StreamChunk{
					FinishReason: string(ev.Delta.StopReason),
					Usage:        &u,
				}) {
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			providers.Send(ctx, ch, providers.StreamChunk{Err: toProviderError(err)})
		}
	}()

	return &providers.ProxyResponse{Stream: ch}, nil
}

func requestOptions(cred providers.Credential) ([]option.RequestOption, error) {
	if cred.APIKey == "" {
		return nil, providers.ConfigError(providerName, "no API key configured")
	}
	base := cred.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	// Endpoints stored with a trailing /v1 would otherwise double the prefix.
	base = strings.TrimSuffix(strings.TrimRight(base, "/"), "/v1")
	return []option.RequestOption{
		option.WithAPIKey(cred.APIKey),
		option.WithBaseURL(base + "/"),
	}, nil
}

// errorBody is the Anthropic error envelope.
type errorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// toProviderError keeps only the upstream's own message. The SDK's Error()
// string embeds the request URL, which is not shown to callers.
func toProviderError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		var body errorBody
		_ = json.Unmarshal([]byte(apierr.RawJSON()), &body)
		pe := providers.UpstreamError(providerName, apierr.StatusCode, body.Error.Message)
		pe.Err = err
		return pe
	}
	return providers.Normalize(providerName, fmt.Errorf("anthropic: %w", err))
}
