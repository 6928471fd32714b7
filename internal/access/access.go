// Package access decides whether a user may call a provider's model and
// which credential and limits apply. Resolution only reads.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mindroute/gateway/internal/models"
	"github.com/mindroute/gateway/internal/store"
)

// Kind classifies a refused resolution.
type Kind string

const (
	KindProviderNotFound Kind = "provider_not_found"
	KindProviderDisabled Kind = "provider_disabled"
	KindModelNotFound    Kind = "model_not_found"
	KindAccessDenied     Kind = "access_denied"
)

// Error is returned when access is refused.
type Error struct {
	Kind       Kind
	ProviderID string
	Model      string
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindModelNotFound:
		return fmt.Sprintf("access: model %q not found for provider %s", e.Model, e.ProviderID)
	case KindProviderNotFound:
		return fmt.Sprintf("access: provider %s not found", e.ProviderID)
	case KindProviderDisabled:
		return fmt.Sprintf("access: provider %s is disabled", e.ProviderID)
	default:
		return fmt.Sprintf("access: access to provider %s denied", e.ProviderID)
	}
}

// CredentialSource says whose upstream key a request uses.
type CredentialSource string

const (
	CredentialProvider CredentialSource = "provider"
	CredentialUser     CredentialSource = "user"
)

// Capabilities are the input kinds a model accepts.
type Capabilities struct {
	Images bool
	Videos bool
	Files  bool
}

// Resolved is the outcome of a successful resolution.
type Resolved struct {
	ProviderID     string
	ProviderName   string
	ProviderType   string
	EndpointURL    string
	UserProviderID string

	Model         string
	ContextWindow int
	Capabilities  Capabilities
	InputPrice    decimal.Decimal
	OutputPrice   decimal.Decimal

	CredentialSource CredentialSource
	// SealedCredential is the vault ciphertext for CredentialSource.
	SealedCredential string

	// EffectiveMaxTokens is the output ceiling; 0 means no ceiling.
	EffectiveMaxTokens int
}

// Options carries optional caller selections.
type Options struct {
	// UserAPIKeyID selects the caller's own provider key by the id of their
	// UserProvider row. It must match and that row must hold a key.
	UserAPIKeyID string
}

// Store is the read-only subset of the repository used here.
type Store interface {
	FindProvider(ctx context.Context, id string) (*models.Provider, error)
	FindModel(ctx context.Context, providerID, modelID string) (*models.AIModel, error)
	FindUserProvider(ctx context.Context, userID, providerID string) (*models.UserProvider, error)
}

// Resolver resolves access against a Store.
type Resolver struct {
	st Store
}

// New returns a Resolver.
func New(st Store) *Resolver {
	return &Resolver{st: st}
}

// Resolve checks, in order: the provider exists, the user holds an allowed
// grant, the provider is active, and the model exists and is active. A
// missing grant denies regardless of the provider's state.
func (r *Resolver) Resolve(ctx context.Context, userID, providerID, model string, opts Options) (*Resolved, error) {
	deny := func(k Kind) error {
		return &Error{Kind: k, ProviderID: providerID, Model: model}
	}

	p, err := r.st.FindProvider(ctx, providerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, deny(KindProviderNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("access: provider lookup: %w", err)
	}

	up, err := r.st.FindUserProvider(ctx, userID, providerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, deny(KindAccessDenied)
	}
	if err != nil {
		return nil, fmt.Errorf("access: grant lookup: %w", err)
	}
	if !up.Allowed {
		return nil, deny(KindAccessDenied)
	}

	if !p.Active {
		return nil, deny(KindProviderDisabled)
	}

	m, err := r.st.FindModel(ctx, providerID, model)
	if errors.Is(err, store.ErrNotFound) {
		return nil, deny(KindModelNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("access: model lookup: %w", err)
	}
	if !m.Active {
		return nil, deny(KindModelNotFound)
	}

	res := &Resolved{
		ProviderID:     p.ID,
		ProviderName:   p.Name,
		ProviderType:   p.Type,
		EndpointURL:    p.EndpointURL,
		UserProviderID: up.ID,

		Model:         m.ModelID,
		ContextWindow: m.ContextWindow,
		Capabilities: Capabilities{
			Images: m.AllowImages,
			Videos: m.AllowVideos,
			Files:  m.AllowFiles,
		},
		InputPrice:  m.InputPrice,
		OutputPrice: m.OutputPrice,

		CredentialSource: CredentialProvider,
		SealedCredential: p.EncryptedAPIKey,

		EffectiveMaxTokens: EffectiveCeiling(up.MaxTokensOverride, m.MaxTokens),
	}

	hasCustom := up.CustomAPIKey != ""
	switch {
	case opts.UserAPIKeyID != "":
		if opts.UserAPIKeyID != up.ID || !hasCustom {
			return nil, deny(KindAccessDenied)
		}
		res.CredentialSource = CredentialUser
		res.SealedCredential = up.CustomAPIKey
	case up.UseCustomAPIKey && hasCustom:
		res.CredentialSource = CredentialUser
		res.SealedCredential = up.CustomAPIKey
	}

	return res, nil
}

// EffectiveCeiling is the smaller of the positive limits; nil or
// non-positive values mean no limit. 0 is returned when neither applies.
func EffectiveCeiling(override *int, modelMax int) int {
	ceiling := 0
	if modelMax > 0 {
		ceiling = modelMax
	}
	if override != nil && *override > 0 && (ceiling == 0 || *override < ceiling) {
		ceiling = *override
	}
	return ceiling
}
