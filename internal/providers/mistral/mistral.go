// Package mistral adapts the Mistral chat completions API over plain HTTP.
package mistral

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mindroute/gateway/internal/providers"
)

const (
	// DefaultBaseURL is used when a provider row has no endpoint override.
	DefaultBaseURL = "https://api.mistral.ai/v1"
	providerName   = "mistral"

	maxErrorBody = 64 << 10
	maxSSELine   = 1 << 20
)

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
	Usage   *usage   `json:"usage,omitempty"`
}

type choice struct {
	Message      *chatMessage `json:"message,omitempty"`
	Delta        *chatMessage `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// errorResponse covers both shapes Mistral uses: {"message": ...} at the top
// level and the OpenAI-style {"error": {"message": ...}}.
type errorResponse struct {
	Message json.RawMessage `json:"message"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type Provider struct {
	client *http.Client
}

type Option func(*Provider)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

func New(opts ...Option) *Provider {
	p := &Provider{
		client: &http.Client{Timeout: providers.DefaultProviderTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context, cred providers.Credential) error {
	base, err := baseURL(cred)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/models", nil)
	if err != nil {
		return fmt.Errorf("mistral: health check: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return providers.Normalize(providerName, fmt.Errorf("mistral: health check: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return parseError(resp)
	}
	return nil
}

func (p *Provider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	base, err := baseURL(req.Credential)
	if err != nil {
		return nil, err
	}

	body, err := buildRequest(req)
	if err != nil {
		return nil, fmt.Errorf("mistral: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("mistral: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.Normalize(providerName, fmt.Errorf("mistral: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}

	if req.Stream {
		return handleStreaming(ctx, resp), nil
	}
	defer resp.Body.Close()

	return handleResponse(resp)
}

func buildRequest(req *providers.ProxyRequest) ([]byte, error) {
	msgs := make([]chatMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	cr := chatRequest{
		Model:       req.Model,
		Messages:    msgs,
		Stream:      req.Stream,
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		cr.MaxTokens = req.MaxTokens
	}

	data, err := json.Marshal(cr)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return data, nil
}

func handleResponse(resp *http.Response) (*providers.ProxyResponse, error) {
	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, providers.MalformedError(providerName, err)
	}
	if len(cr.Choices) == 0 || cr.Choices[0].Message == nil {
		return nil, providers.MalformedError(providerName, errors.New("no choices in response"))
	}

	msg := cr.Choices[0].Message
	role := msg.Role
	if role == "" {
		role = "assistant"
	}

	out := &providers.ProxyResponse{
		ID:      cr.ID,
		Model:   cr.Model,
		Role:    role,
		Content: msg.Content,
	}
	if cr.Usage != nil {
		out.Usage = providers.Usage{
			InputTokens:  cr.Usage.PromptTokens,
			OutputTokens: cr.Usage.CompletionTokens,
		}
	}
	return out, nil
}

func handleStreaming(ctx context.Context, resp *http.Response) *providers.ProxyResponse {
	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer resp.Body.Close()
		defer close(ch)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64<<10), maxSSELine)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var cr chatResponse
			if err := json.Unmarshal([]byte(data), &cr); err != nil {
				providers.Send(ctx, ch, providers.StreamChunk{Err: providers.MalformedError(providerName, err)})
				return
			}

			var chunk providers.StreamChunk
			if len(cr.Choices) > 0 {
				if d := cr.Choices[0].Delta; d != nil {
					chunk.Content = d.Content
				}
				chunk.FinishReason = cr.Choices[0].FinishReason
			}
			if cr.Usage != nil {
				chunk.Usage = &providers.Usage{
					InputTokens:  cr.Usage.PromptTokens,
					OutputTokens: cr.Usage.CompletionTokens,
				}
			}
			if chunk.Content == "" && chunk.FinishReason == "" && chunk.Usage == nil {
				continue
			}
			if !providers.Send(ctx, ch, chunk) {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			providers.Send(ctx, ch, providers.StreamChunk{
				Err: providers.Normalize(providerName, fmt.Errorf("mistral: read stream: %w", err)),
			})
		}
	}()

	return &providers.ProxyResponse{Stream: ch}
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var msg string
	var er errorResponse
	if json.Unmarshal(body, &er) == nil {
		switch {
		case er.Error != nil:
			msg = er.Error.Message
		case len(er.Message) > 0:
			// message is sometimes a string and sometimes a validation object.
			if err := json.Unmarshal(er.Message, &msg); err != nil {
				msg = ""
			}
		}
	}
	return providers.UpstreamError(providerName, resp.StatusCode, msg)
}

func baseURL(cred providers.Credential) (string, error) {
	if cred.APIKey == "" {
		return "", providers.ConfigError(providerName, "no API key configured")
	}
	base := cred.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	return strings.TrimRight(base, "/"), nil
}
