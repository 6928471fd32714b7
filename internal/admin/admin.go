// Package admin serves the management API under /admin: providers and their
// models, users, provider grants, gateway keys and request logs. Every route
// requires the static admin token as a bearer credential.
//
// Upstream keys are sealed by the vault before they reach the store and are
// never returned.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	"github.com/mindroute/gateway/internal/models"
	"github.com/mindroute/gateway/internal/providers"
	"github.com/mindroute/gateway/internal/store"
	"github.com/mindroute/gateway/pkg/apierr"
	"github.com/mindroute/gateway/pkg/validation"
)

const checkTimeout = 15 * time.Second

type (
	// Store is the repository surface the admin API writes through.
	Store interface {
		CreateUser(ctx context.Context, u *models.User) error
		FindUser(ctx context.Context, id string) (*models.User, error)
		CreateProvider(ctx context.Context, p *models.Provider) error
		FindProvider(ctx context.Context, id string) (*models.Provider, error)
		UpdateProvider(ctx context.Context, id string, updates map[string]any) error
		ListProviders(ctx context.Context) ([]models.Provider, error)
		CreateModel(ctx context.Context, m *models.AIModel) error
		ListModels(ctx context.Context, providerID string) ([]models.AIModel, error)
		DeleteModel(ctx context.Context, id string) error
		UpsertUserProvider(ctx context.Context, up *models.UserProvider) error
		RevokeAPIKey(ctx context.Context, id string) error
		ListLogs(ctx context.Context, f store.LogFilter) ([]models.Log, int64, error)
	}

	// Vault seals and opens upstream keys.
	Vault interface {
		Encrypt(ctx context.Context, plaintext string) (string, error)
		Decrypt(ctx context.Context, sealed string) (string, error)
	}

	// KeyIssuer creates gateway keys.
	KeyIssuer interface {
		Issue(ctx context.Context, userID, name string, expiresAt *time.Time) (*models.APIKey, error)
	}

	// Adapters finds the adapter for a provider type.
	Adapters interface {
		Lookup(providerType string) (providers.Provider, error)
	}
)

// Handler serves the admin routes.
type Handler struct {
	store    Store
	vault    Vault
	keys     KeyIssuer
	adapters Adapters
	token    []byte
	validate *validation.Validator
	log      *slog.Logger
}

func New(st Store, v Vault, keys KeyIssuer, adapters Adapters, token string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		store:    st,
		vault:    v,
		keys:     keys,
		adapters: adapters,
		token:    []byte(token),
		validate: validation.New(),
		log:      log,
	}
}

// Register mounts the admin routes on r.
func (h *Handler) Register(r *router.Router) {
	g := r.Group("/admin")

	g.POST("/users", h.guard(h.createUser))
	g.GET("/users/{userId}", h.guard(h.getUser))
	g.PUT("/users/{userId}/providers/{providerId}", h.guard(h.upsertGrant))
	g.POST("/users/{userId}/keys", h.guard(h.issueKey))
	g.DELETE("/keys/{id}", h.guard(h.revokeKey))

	g.GET("/providers", h.guard(h.listProviders))
	g.POST("/providers", h.guard(h.createProvider))
	g.PATCH("/providers/{id}", h.guard(h.updateProvider))
	g.DELETE("/providers/{id}", h.guard(h.disableProvider))
	g.POST("/providers/{id}/check", h.guard(h.checkProvider))
	g.GET("/providers/{id}/models", h.guard(h.listModels))
	g.POST("/providers/{id}/models", h.guard(h.createModel))
	g.DELETE("/models/{id}", h.guard(h.deleteModel))

	g.GET("/logs", h.guard(h.listLogs))
}

// guard rejects requests without the admin bearer token.
func (h *Handler) guard(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		header := string(ctx.Request.Header.Peek("Authorization"))
		scheme, token, ok := strings.Cut(header, " ")
		if len(h.token) == 0 || !ok || !strings.EqualFold(scheme, "Bearer") ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), h.token) != 1 {
			apierr.Write(ctx, fasthttp.StatusUnauthorized, "invalid admin token",
				apierr.TypeAuthenticationErr, apierr.CodeInvalidAdminToken)
			return
		}
		next(ctx)
	}
}

// decode unmarshals and validates the request body into v.
func (h *Handler) decode(ctx *fasthttp.RequestCtx, v any) bool {
	if err := json.Unmarshal(ctx.PostBody(), v); err != nil {
		apierr.WriteInvalid(ctx, "invalid JSON: "+err.Error())
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		apierr.WriteInvalid(ctx, err.Error())
		return false
	}
	return true
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data"`
	Total   *int64 `json:"total,omitempty"`
}

func writeData(ctx *fasthttp.RequestCtx, status int, data any) {
	body, _ := json.Marshal(envelope{Success: true, Data: data})
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func writeList(ctx *fasthttp.RequestCtx, data any, total int64) {
	body, _ := json.Marshal(envelope{Success: true, Data: data, Total: &total})
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// writeStoreError maps repository failures; what names the resource.
func (h *Handler) writeStoreError(ctx *fasthttp.RequestCtx, err error, what string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		apierr.Write(ctx, fasthttp.StatusNotFound, what+" not found", apierr.TypeNotFound, apierr.CodeNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		apierr.Write(ctx, fasthttp.StatusConflict, what+" already exists", apierr.TypeInvalidRequest, apierr.CodeConflict)
	case errors.Is(err, gorm.ErrForeignKeyViolated):
		apierr.Write(ctx, fasthttp.StatusConflict, what+" is referenced by other records", apierr.TypeInvalidRequest, apierr.CodeConflict)
	default:
		h.log.ErrorContext(ctx, "admin store error",
			slog.String("resource", what),
			slog.String("path", string(ctx.Path())),
			slog.String("error", err.Error()),
		)
		apierr.WriteError(ctx, err)
	}
}

func param(ctx *fasthttp.RequestCtx, name string) string {
	v, _ := ctx.UserValue(name).(string)
	return v
}
