package admin

import (
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"
	"gorm.io/datatypes"

	"github.com/mindroute/gateway/internal/models"
	"github.com/mindroute/gateway/pkg/apierr"
)

type createUserRequest struct {
	Email  string `json:"email" validate:"required,email,max=255"`
	Name   string `json:"name" validate:"max=255"`
	Role   string `json:"role" validate:"omitempty,oneof=user admin"`
	Active *bool  `json:"active"`
}

type grantRequest struct {
	Allowed           bool           `json:"allowed"`
	MaxTokensOverride *int           `json:"maxTokensOverride" validate:"omitempty,gte=1"`
	UseCustomAPIKey   bool           `json:"useCustomApiKey"`
	CustomAPIKey      string         `json:"customApiKey"`
	Settings          map[string]any `json:"settings"`
}

type issueKeyRequest struct {
	Name      string     `json:"name" validate:"required,max=255"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

func (h *Handler) createUser(ctx *fasthttp.RequestCtx) {
	var req createUserRequest
	if !h.decode(ctx, &req) {
		return
	}
	role := req.Role
	if role == "" {
		role = "user"
	}
	u := &models.User{
		Email:  req.Email,
		Name:   req.Name,
		Role:   role,
		Active: req.Active == nil || *req.Active,
	}
	if err := h.store.CreateUser(ctx, u); err != nil {
		h.writeStoreError(ctx, err, "user")
		return
	}
	writeData(ctx, fasthttp.StatusCreated, newUserView(u))
}

func (h *Handler) getUser(ctx *fasthttp.RequestCtx) {
	u, err := h.store.FindUser(ctx, param(ctx, "userId"))
	if err != nil {
		h.writeStoreError(ctx, err, "user")
		return
	}
	writeData(ctx, fasthttp.StatusOK, newUserView(u))
}

// upsertGrant replaces the user's access row for one provider. A custom key
// is sealed before it is stored; an empty one clears it.
func (h *Handler) upsertGrant(ctx *fasthttp.RequestCtx) {
	userID, providerID := param(ctx, "userId"), param(ctx, "providerId")
	var req grantRequest
	if !h.decode(ctx, &req) {
		return
	}
	if _, err := h.store.FindUser(ctx, userID); err != nil {
		h.writeStoreError(ctx, err, "user")
		return
	}
	if _, err := h.store.FindProvider(ctx, providerID); err != nil {
		h.writeStoreError(ctx, err, "provider")
		return
	}

	up := &models.UserProvider{
		UserID:            userID,
		ProviderID:        providerID,
		Allowed:           req.Allowed,
		MaxTokensOverride: req.MaxTokensOverride,
		UseCustomAPIKey:   req.UseCustomAPIKey,
		Settings:          datatypes.JSONMap(req.Settings),
	}
	if req.CustomAPIKey != "" {
		sealed, err := h.vault.Encrypt(ctx, req.CustomAPIKey)
		if err != nil {
			h.log.ErrorContext(ctx, "admin: seal custom key", slog.String("error", err.Error()))
			apierr.WriteError(ctx, err)
			return
		}
		up.CustomAPIKey = sealed
	}

	if err := h.store.UpsertUserProvider(ctx, up); err != nil {
		h.writeStoreError(ctx, err, "grant")
		return
	}
	h.log.InfoContext(ctx, "grant updated",
		slog.String("user_id", userID),
		slog.String("provider_id", providerID),
		slog.Bool("allowed", up.Allowed),
	)
	writeData(ctx, fasthttp.StatusOK, newGrantView(up))
}

// issueKey returns the raw key once; only its hash is kept.
func (h *Handler) issueKey(ctx *fasthttp.RequestCtx) {
	userID := param(ctx, "userId")
	var req issueKeyRequest
	if !h.decode(ctx, &req) {
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		apierr.WriteInvalid(ctx, "expiresAt must be in the future")
		return
	}
	if _, err := h.store.FindUser(ctx, userID); err != nil {
		h.writeStoreError(ctx, err, "user")
		return
	}

	k, err := h.keys.Issue(ctx, userID, req.Name, req.ExpiresAt)
	if err != nil {
		h.writeStoreError(ctx, err, "api key")
		return
	}
	h.log.InfoContext(ctx, "api key issued",
		slog.String("user_id", userID),
		slog.String("api_key_id", k.ID),
		slog.String("prefix", k.KeyPrefix),
	)
	writeData(ctx, fasthttp.StatusCreated, newKeyView(k))
}

func (h *Handler) revokeKey(ctx *fasthttp.RequestCtx) {
	id := param(ctx, "id")
	if err := h.store.RevokeAPIKey(ctx, id); err != nil {
		h.writeStoreError(ctx, err, "api key")
		return
	}
	h.log.InfoContext(ctx, "api key revoked", slog.String("api_key_id", id))
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}
