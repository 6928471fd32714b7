// Package openaicompat serves providers of type "openai-compatible": any
// service that implements the OpenAI chat completions API (Groq, DeepSeek,
// Together AI, a local vLLM, ...). The endpoint URL on the provider row is
// mandatory.
package openaicompat

import (
	"net/http"

	"github.com/mindroute/gateway/internal/providers/openai"
)

const providerName = "openai-compatible"

// New returns an OpenAI adapter that requires an explicit endpoint and sends
// the widely supported max_tokens field.
func New(httpClient ...*http.Client) *openai.Provider {
	opts := []openai.Option{
		openai.WithName(providerName),
		openai.RequireBaseURL(),
		openai.WithLegacyMaxTokens(),
	}
	if len(httpClient) > 0 && httpClient[0] != nil {
		opts = append(opts, openai.WithHTTPClient(httpClient[0]))
	}
	return openai.New(opts...)
}
