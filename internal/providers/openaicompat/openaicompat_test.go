package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mindroute/gateway/internal/providers"
)

func TestNew_RequiresEndpoint(t *testing.T) {
	p := New()
	if p.Name() != "openai-compatible" {
		t.Fatalf("expected name openai-compatible, got %q", p.Name())
	}

	_, err := p.Request(context.Background(), &providers.ProxyRequest{
		Credential: providers.Credential{APIKey: "k"},
		Model:      "llama-3",
	})
	var pe *providers.ProviderError
	if !errors.As(err, &pe) || pe.Kind != providers.KindConfig {
		t.Fatalf("expected config error without endpoint, got %v", err)
	}
}

func TestNew_SendsLegacyMaxTokens(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/openai/v1/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","created":0,"model":"llama-3",` +
			`"choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],` +
			`"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`))
	}))
	defer srv.Close()

	resp, err := New(srv.Client()).Request(context.Background(), &providers.ProxyRequest{
		Credential: providers.Credential{APIKey: "k", BaseURL: srv.URL + "/openai/v1"},
		Model:      "llama-3",
		Messages:   []providers.Message{{Role: "user", Content: "hello"}},
		MaxTokens:  64,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hi" || resp.Usage.InputTokens != 3 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if body["max_tokens"] != float64(64) {
		t.Errorf("expected max_tokens=64, got %v", body["max_tokens"])
	}
	if _, ok := body["max_completion_tokens"]; ok {
		t.Errorf("max_completion_tokens should not be sent")
	}
}
