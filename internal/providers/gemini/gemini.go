// Package gemini adapts Google's Gemini API through the GenAI SDK. Providers
// of type "google" are served by this adapter.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/mindroute/gateway/internal/providers"
)

const (
	// DefaultBaseURL is used when a provider row has no endpoint override.
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	providerName   = "google"
)

// Provider implements providers.Provider for Google Gemini. A GenAI client
// is bound to one key, so a client is built per request; the HTTP client
// and its connection pool are shared.
type Provider struct {
	httpClient *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New creates a new Gemini Provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		httpClient: &http.Client{Timeout: providers.DefaultProviderTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context, cred providers.Credential) error {
	client, err := p.clientFor(ctx, cred)
	if err != nil {
		return err
	}
	if _, err := client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return toProviderError(err)
	}
	return nil
}

func (p *Provider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	client, err := p.clientFor(ctx, req.Credential)
	if err != nil {
		return nil, err
	}

	contents, cfg := buildContentsAndConfig(req)

	if req.Stream {
		return p.handleStreaming(ctx, client, req.Model, contents, cfg)
	}
	return p.handleResponse(ctx, client, req, contents, cfg)
}

func buildContentsAndConfig(req *providers.ProxyRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	if systemPrompt == "" && req.Temperature == nil && req.MaxTokens <= 0 {
		return contents, nil
	}

	cfg := &genai.GenerateContentConfig{}
	if systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	return contents, cfg
}

func (p *Provider) handleResponse(
	ctx context.Context,
	client *genai.Client,
	req *providers.ProxyRequest,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*providers.ProxyResponse, error) {
	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, toProviderError(err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, providers.MalformedError(providerName, errors.New("no candidates in response"))
	}

	id := resp.ResponseID
	if id == "" {
		id = "gemini-" + uuid.NewString()
	}

	out := &providers.ProxyResponse{
		ID:      id,
		Model:   req.Model,
		Role:    "assistant",
		Content: candidateText(resp.Candidates[0]),
	}
	if resp.UsageMetadata != nil {
		out.Usage = usageOf(resp.UsageMetadata)
	}
	return out, nil
}

// handleStreaming relays candidate text. Every chunk may carry cumulative
// usage metadata; the latest value wins downstream.
func (p *Provider) handleStreaming(
	ctx context.Context,
	client *genai.Client,
	model string,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*providers.ProxyResponse, error) {
	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer close(ch)

		for resp, err := range client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				providers.Send(ctx, ch, providers.StreamChunk{Err: toProviderError(err)})
				return
			}
			if resp == nil {
				continue
			}

			var chunk providers.StreamChunk
			if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
				c := resp.Candidates[0]
				chunk.Content = candidateText(c)
				chunk.FinishReason = string(c.FinishReason)
			}
			if resp.UsageMetadata != nil {
				u := usageOf(resp.UsageMetadata)
				chunk.Usage = &u
			}

			if chunk.Content == "" && chunk.FinishReason == "" && chunk.Usage == nil {
				continue
			}
			if !providers.Send(ctx, ch, chunk) {
				return
			}
		}
	}()

	return &providers.ProxyResponse{Stream: ch}, nil
}

func (p *Provider) clientFor(ctx context.Context, cred providers.Credential) (*genai.Client, error) {
	if cred.APIKey == "" {
		return nil, providers.ConfigError(providerName, "no API key configured")
	}
	raw := cred.BaseURL
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, ver := splitBaseURLAndVersion(raw)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cred.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  p.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: ver},
	})
	if err != nil {
		return nil, providers.ConfigError(providerName, fmt.Sprintf("client setup failed: %v", err))
	}
	return client, nil
}

func usageOf(m *genai.GenerateContentResponseUsageMetadata) providers.Usage {
	return providers.Usage{
		InputTokens:  int(m.PromptTokenCount),
		OutputTokens: int(m.CandidatesTokenCount),
	}
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range c.Content.Parts {
		if part != nil && part.Text != "" && !part.Thought {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// splitBaseURLAndVersion separates a trailing version segment such as
// "/v1beta" from the endpoint, since the SDK takes them separately.
func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if last := parts[len(parts)-1]; looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = strings.Join(parts, "/")
	if u.Path != "" {
		u.Path = "/" + u.Path
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	return len(s) >= 2 && s[0] == 'v' && s[1] >= '0' && s[1] <= '9'
}

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		status := apiErr.Code
		if status == 0 {
			status = http.StatusBadGateway
		}
		pe := providers.UpstreamError(providerName, status, apiErr.Message)
		pe.Err = err
		return pe
	}
	return providers.Normalize(providerName, fmt.Errorf("gemini: %w", err))
}
