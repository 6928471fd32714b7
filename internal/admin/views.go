package admin

import (
	"time"

	"github.com/mindroute/gateway/internal/models"
)

type userView struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

func newUserView(u *models.User) userView {
	return userView{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		Role:      u.Role,
		Active:    u.Active,
		CreatedAt: u.CreatedAt,
	}
}

// providerView never carries the sealed key, only whether one is set.
type providerView struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	EndpointURL string         `json:"endpointUrl,omitempty"`
	HasAPIKey   bool           `json:"hasApiKey"`
	Settings    map[string]any `json:"settings,omitempty"`
	Active      bool           `json:"active"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

func newProviderView(p *models.Provider) providerView {
	return providerView{
		ID:          p.ID,
		Name:        p.Name,
		Type:        p.Type,
		EndpointURL: p.EndpointURL,
		HasAPIKey:   p.EncryptedAPIKey != "",
		Settings:    p.Settings,
		Active:      p.Active,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

// modelView renders prices as decimal strings.
type modelView struct {
	ID            string `json:"id"`
	ProviderID    string `json:"providerId"`
	ModelID       string `json:"modelId"`
	Name          string `json:"name,omitempty"`
	ContextWindow int    `json:"contextWindow"`
	MaxTokens     int    `json:"maxTokens"`
	InputPrice    string `json:"inputPrice"`
	OutputPrice   string `json:"outputPrice"`
	AllowImages   bool   `json:"allowImages"`
	AllowVideos   bool   `json:"allowVideos"`
	AllowFiles    bool   `json:"allowFiles"`
	Active        bool   `json:"active"`
}

func newModelView(m *models.AIModel) modelView {
	return modelView{
		ID:            m.ID,
		ProviderID:    m.ProviderID,
		ModelID:       m.ModelID,
		Name:          m.Name,
		ContextWindow: m.ContextWindow,
		MaxTokens:     m.MaxTokens,
		InputPrice:    m.InputPrice.String(),
		OutputPrice:   m.OutputPrice.String(),
		AllowImages:   m.AllowImages,
		AllowVideos:   m.AllowVideos,
		AllowFiles:    m.AllowFiles,
		Active:        m.Active,
	}
}

type grantView struct {
	ID                string `json:"id"`
	UserID            string `json:"userId"`
	ProviderID        string `json:"providerId"`
	Allowed           bool   `json:"allowed"`
	MaxTokensOverride *int   `json:"maxTokensOverride"`
	UseCustomAPIKey   bool   `json:"useCustomApiKey"`
	HasCustomAPIKey   bool   `json:"hasCustomApiKey"`
}

func newGrantView(up *models.UserProvider) grantView {
	return grantView{
		ID:                up.ID,
		UserID:            up.UserID,
		ProviderID:        up.ProviderID,
		Allowed:           up.Allowed,
		MaxTokensOverride: up.MaxTokensOverride,
		UseCustomAPIKey:   up.UseCustomAPIKey,
		HasCustomAPIKey:   up.CustomAPIKey != "",
	}
}

// keyView includes the plain key only right after issuance.
type keyView struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	Name      string     `json:"name"`
	Prefix    string     `json:"prefix"`
	Key       string     `json:"key,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt"`
	CreatedAt time.Time  `json:"createdAt"`
}

func newKeyView(k *models.APIKey) keyView {
	return keyView{
		ID:        k.ID,
		UserID:    k.UserID,
		Name:      k.Name,
		Prefix:    k.KeyPrefix,
		Key:       k.PlainKey,
		ExpiresAt: k.ExpiresAt,
		CreatedAt: k.CreatedAt,
	}
}

// logView omits the request and response snapshots.
type logView struct {
	ID               string     `json:"id"`
	RequestID        string     `json:"requestId"`
	UserID           *string    `json:"userId"`
	APIKeyID         *string    `json:"apiKeyId"`
	ProviderID       *string    `json:"providerId"`
	Endpoint         string     `json:"endpoint"`
	Model            string     `json:"model"`
	Streaming        bool       `json:"streaming"`
	Cached           bool       `json:"cached"`
	Status           string     `json:"status"`
	ExecutionTime    int64      `json:"executionTimeMs"`
	PromptTokens     int64      `json:"promptTokens"`
	CompletionTokens int64      `json:"completionTokens"`
	TotalTokens      int64      `json:"totalTokens"`
	Cost             string     `json:"cost"`
	Error            string     `json:"error,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	CompletedAt      *time.Time `json:"completedAt"`
}

func newLogView(l *models.Log) logView {
	return logView{
		ID:               l.ID,
		RequestID:        l.RequestID,
		UserID:           l.UserID,
		APIKeyID:         l.APIKeyID,
		ProviderID:       l.ProviderID,
		Endpoint:         l.Endpoint,
		Model:            l.Model,
		Streaming:        l.Streaming,
		Cached:           l.Cached,
		Status:           l.Status,
		ExecutionTime:    l.ExecutionTime,
		PromptTokens:     l.PromptTokens,
		CompletionTokens: l.CompletionTokens,
		TotalTokens:      l.TotalTokens,
		Cost:             l.Cost.String(),
		Error:            l.Error,
		CreatedAt:        l.CreatedAt,
		CompletedAt:      l.CompletedAt,
	}
}
