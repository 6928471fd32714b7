package admin

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/valyala/fasthttp"
	"gorm.io/datatypes"

	"github.com/mindroute/gateway/internal/models"
	"github.com/mindroute/gateway/internal/providers"
	"github.com/mindroute/gateway/pkg/apierr"
)

type createProviderRequest struct {
	Name        string         `json:"name" validate:"required,max=255"`
	Type        string         `json:"type" validate:"required,oneof=openai anthropic google mistral openai-compatible"`
	APIKey      string         `json:"apiKey" validate:"required"`
	EndpointURL string         `json:"endpointUrl" validate:"omitempty,url"`
	Settings    map[string]any `json:"settings"`
	Active      *bool          `json:"active"`
}

type updateProviderRequest struct {
	Name        *string        `json:"name" validate:"omitempty,min=1,max=255"`
	APIKey      *string        `json:"apiKey" validate:"omitempty,min=1"`
	EndpointURL *string        `json:"endpointUrl" validate:"omitempty,url"`
	Settings    map[string]any `json:"settings"`
	Active      *bool          `json:"active"`
}

type createModelRequest struct {
	ModelID       string          `json:"modelId" validate:"required,max=255"`
	Name          string          `json:"name" validate:"max=255"`
	ContextWindow int             `json:"contextWindow" validate:"gte=0"`
	MaxTokens     int             `json:"maxTokens" validate:"gte=0"`
	InputPrice    decimal.Decimal `json:"inputPrice"`
	OutputPrice   decimal.Decimal `json:"outputPrice"`
	AllowImages   bool            `json:"allowImages"`
	AllowVideos   bool            `json:"allowVideos"`
	AllowFiles    bool            `json:"allowFiles"`
	Active        *bool           `json:"active"`
}

type checkResult struct {
	Healthy   bool   `json:"healthy"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) listProviders(ctx *fasthttp.RequestCtx) {
	rows, err := h.store.ListProviders(ctx)
	if err != nil {
		h.writeStoreError(ctx, err, "provider")
		return
	}
	out := make([]providerView, 0, len(rows))
	for i := range rows {
		out = append(out, newProviderView(&rows[i]))
	}
	writeList(ctx, out, int64(len(out)))
}

func (h *Handler) createProvider(ctx *fasthttp.RequestCtx) {
	var req createProviderRequest
	if !h.decode(ctx, &req) {
		return
	}
	if req.Type == models.ProviderTypeOpenAICompatible && req.EndpointURL == "" {
		apierr.WriteInvalid(ctx, "endpointUrl is required for openai-compatible providers")
		return
	}

	sealed, err := h.vault.Encrypt(ctx, req.APIKey)
	if err != nil {
		h.log.ErrorContext(ctx, "admin: seal provider key", slog.String("error", err.Error()))
		apierr.WriteError(ctx, err)
		return
	}

	p := &models.Provider{
		Name:            req.Name,
		Type:            req.Type,
		EncryptedAPIKey: sealed,
		EndpointURL:     req.EndpointURL,
		Settings:        req.Settings,
		Active:          req.Active == nil || *req.Active,
	}
	if err := h.store.CreateProvider(ctx, p); err != nil {
		h.writeStoreError(ctx, err, "provider")
		return
	}

	h.log.InfoContext(ctx, "provider created",
		slog.String("provider_id", p.ID),
		slog.String("type", p.Type),
	)
	writeData(ctx, fasthttp.StatusCreated, newProviderView(p))
}

func (h *Handler) updateProvider(ctx *fasthttp.RequestCtx) {
	id := param(ctx, "id")
	var req updateProviderRequest
	if !h.decode(ctx, &req) {
		return
	}

	updates := make(map[string]any)
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.EndpointURL != nil {
		updates["endpoint_url"] = *req.EndpointURL
	}
	if req.Settings != nil {
		updates["settings"] = datatypes.JSONMap(req.Settings)
	}
	if req.Active != nil {
		updates["active"] = *req.Active
	}
	if req.APIKey != nil {
		sealed, err := h.vault.Encrypt(ctx, *req.APIKey)
		if err != nil {
			h.log.ErrorContext(ctx, "admin: seal provider key", slog.String("error", err.Error()))
			apierr.WriteError(ctx, err)
			return
		}
		updates["encrypted_api_key"] = sealed
	}
	if len(updates) == 0 {
		apierr.WriteInvalid(ctx, "no fields to update")
		return
	}

	if err := h.store.UpdateProvider(ctx, id, updates); err != nil {
		h.writeStoreError(ctx, err, "provider")
		return
	}
	p, err := h.store.FindProvider(ctx, id)
	if err != nil {
		h.writeStoreError(ctx, err, "provider")
		return
	}
	writeData(ctx, fasthttp.StatusOK, newProviderView(p))
}

// disableProvider soft-deletes: the row stays so logs keep their reference.
func (h *Handler) disableProvider(ctx *fasthttp.RequestCtx) {
	id := param(ctx, "id")
	if err := h.store.UpdateProvider(ctx, id, map[string]any{"active": false}); err != nil {
		h.writeStoreError(ctx, err, "provider")
		return
	}
	h.log.InfoContext(ctx, "provider disabled", slog.String("provider_id", id))
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// checkProvider opens the stored key and runs the adapter's health check.
// Upstream failures are reported in the body, not as the response status.
func (h *Handler) checkProvider(ctx *fasthttp.RequestCtx) {
	p, err := h.store.FindProvider(ctx, param(ctx, "id"))
	if err != nil {
		h.writeStoreError(ctx, err, "provider")
		return
	}
	adapter, err := h.adapters.Lookup(p.Type)
	if err != nil {
		apierr.WriteInvalid(ctx, "no adapter for provider type "+p.Type)
		return
	}

	var key string
	if p.EncryptedAPIKey != "" {
		if key, err = h.vault.Decrypt(ctx, p.EncryptedAPIKey); err != nil {
			h.log.ErrorContext(ctx, "admin: open provider key",
				slog.String("provider_id", p.ID),
				slog.String("error", err.Error()),
			)
			apierr.WriteError(ctx, err)
			return
		}
	}

	cctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	err = adapter.HealthCheck(cctx, providers.Credential{APIKey: key, BaseURL: p.EndpointURL})
	res := checkResult{Healthy: err == nil, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		_, e := apierr.From(err)
		res.Error = e.Message
		h.log.WarnContext(ctx, "provider check failed",
			slog.String("provider_id", p.ID),
			slog.String("error", err.Error()),
		)
	}
	writeData(ctx, fasthttp.StatusOK, res)
}

func (h *Handler) listModels(ctx *fasthttp.RequestCtx) {
	providerID := param(ctx, "id")
	if _, err := h.store.FindProvider(ctx, providerID); err != nil {
		h.writeStoreError(ctx, err, "provider")
		return
	}
	rows, err := h.store.ListModels(ctx, providerID)
	if err != nil {
		h.writeStoreError(ctx, err, "model")
		return
	}
	out := make([]modelView, 0, len(rows))
	for i := range rows {
		out = append(out, newModelView(&rows[i]))
	}
	writeList(ctx, out, int64(len(out)))
}

func (h *Handler) createModel(ctx *fasthttp.RequestCtx) {
	providerID := param(ctx, "id")
	var req createModelRequest
	if !h.decode(ctx, &req) {
		return
	}
	if req.InputPrice.IsNegative() || req.OutputPrice.IsNegative() {
		apierr.WriteInvalid(ctx, "prices must not be negative")
		return
	}
	if _, err := h.store.FindProvider(ctx, providerID); err != nil {
		h.writeStoreError(ctx, err, "provider")
		return
	}

	m := &models.AIModel{
		ProviderID:    providerID,
		ModelID:       req.ModelID,
		Name:          req.Name,
		ContextWindow: req.ContextWindow,
		MaxTokens:     req.MaxTokens,
		InputPrice:    req.InputPrice,
		OutputPrice:   req.OutputPrice,
		AllowImages:   req.AllowImages,
		AllowVideos:   req.AllowVideos,
		AllowFiles:    req.AllowFiles,
		Active:        req.Active == nil || *req.Active,
	}
	if err := h.store.CreateModel(ctx, m); err != nil {
		h.writeStoreError(ctx, err, "model")
		return
	}
	writeData(ctx, fasthttp.StatusCreated, newModelView(m))
}

func (h *Handler) deleteModel(ctx *fasthttp.RequestCtx) {
	if err := h.store.DeleteModel(ctx, param(ctx, "id")); err != nil {
		h.writeStoreError(ctx, err, "model")
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}
