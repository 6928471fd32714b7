package proxy

import (
	"encoding/json"
	"fmt"

	"github.com/mindroute/gateway/internal/cache"
	"github.com/mindroute/gateway/internal/providers"
	"github.com/mindroute/gateway/internal/routing"
	"github.com/mindroute/gateway/pkg/validation"
)

const (
	endpointChat       = "chat"
	endpointCompletion = "completion"
)

type (
	inboundMessage struct {
		Role    string `json:"role" validate:"required,oneof=system user assistant developer"`
		Content string `json:"content"`
	}

	// chatRequest is the body of POST /providers/{providerId}/chat.
	chatRequest struct {
		Model        string           `json:"model" validate:"required,max=256"`
		Messages     []inboundMessage `json:"messages" validate:"required,min=1,dive"`
		Temperature  *float64         `json:"temperature" validate:"omitempty,gte=0,lte=2"`
		MaxTokens    *int             `json:"maxTokens" validate:"omitempty,gte=1"`
		UserAPIKeyID string           `json:"userApiKeyId" validate:"omitempty,max=64"`
		Streaming    bool             `json:"streaming"`
	}

	// completionRequest is the body of POST /providers/{providerId}/completion.
	completionRequest struct {
		Model        string   `json:"model" validate:"required,max=256"`
		Prompt       string   `json:"prompt" validate:"required"`
		Temperature  *float64 `json:"temperature" validate:"omitempty,gte=0,lte=2"`
		MaxTokens    *int     `json:"maxTokens" validate:"omitempty,gte=1"`
		UserAPIKeyID string   `json:"userApiKeyId" validate:"omitempty,max=64"`
	}

	// inbound is the endpoint-independent form of a validated request.
	inbound struct {
		endpoint     string
		model        string
		messages     []providers.Message
		temperature  *float64
		maxTokens    *int
		userAPIKeyID string
		streaming    bool
	}
)

func decodeChat(v *validation.Validator, body []byte) (*inbound, error) {
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON: %s", err.Error())
	}
	if err := v.Struct(req); err != nil {
		return nil, err
	}
	msgs := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}
	return &inbound{
		endpoint:     endpointChat,
		model:        req.Model,
		messages:     msgs,
		temperature:  req.Temperature,
		maxTokens:    req.MaxTokens,
		userAPIKeyID: req.UserAPIKeyID,
		streaming:    req.Streaming,
	}, nil
}

// decodeCompletion turns the prompt into a single user message.
func decodeCompletion(v *validation.Validator, body []byte) (*inbound, error) {
	var req completionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON: %s", err.Error())
	}
	if err := v.Struct(req); err != nil {
		return nil, err
	}
	return &inbound{
		endpoint:     endpointCompletion,
		model:        req.Model,
		messages:     []providers.Message{{Role: "user", Content: req.Prompt}},
		temperature:  req.Temperature,
		maxTokens:    req.MaxTokens,
		userAPIKeyID: req.UserAPIKeyID,
	}, nil
}

func (in *inbound) routingRequest(requestID string) routing.Request {
	return routing.Request{
		Model:       in.model,
		Messages:    in.messages,
		Temperature: in.temperature,
		MaxTokens:   in.maxTokens,
		RequestID:   requestID,
	}
}

// cacheScope keys on the budget actually sent upstream, so a lowered model
// ceiling never serves an answer produced under a larger one.
func (in *inbound) cacheScope(userID, providerID string, maxTokens int) cache.Scope {
	msgs := make([]cache.Message, len(in.messages))
	for i, m := range in.messages {
		msgs[i] = cache.Message{Role: m.Role, Content: m.Content}
	}
	return cache.Scope{
		UserID:      userID,
		ProviderID:  providerID,
		Model:       in.model,
		Temperature: in.temperature,
		MaxTokens:   maxTokens,
		Messages:    msgs,
	}
}

type (
	responseMessage struct {
		Content string `json:"content"`
		Role    string `json:"role"`
	}

	responseUsage struct {
		PromptTokens     int `json:"promptTokens"`
		CompletionTokens int `json:"completionTokens"`
		TotalTokens      int `json:"totalTokens"`
	}

	responseData struct {
		ID         string          `json:"id"`
		ProviderID string          `json:"providerId"`
		Model      string          `json:"model"`
		Response   responseMessage `json:"response"`
		Usage      responseUsage   `json:"usage"`
	}

	successEnvelope struct {
		Success bool         `json:"success"`
		Data    responseData `json:"data"`
	}
)

func newUsage(u providers.Usage) responseUsage {
	return responseUsage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
	}
}

// SSE frames.
type (
	sseChunk struct {
		Content string `json:"content"`
		Done    bool   `json:"done"`
	}

	sseError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}

	sseDone struct {
		Done  bool           `json:"done"`
		Usage *responseUsage `json:"usage"`
		Error *sseError      `json:"error,omitempty"`
	}
)
