package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mindroute/gateway/internal/store"
)

// ErrNoSecret is returned when no source supplies a master secret.
var ErrNoSecret = errors.New("vault: no master secret configured")

// SecretSource supplies the master secret.
type SecretSource interface {
	MasterSecret(ctx context.Context) (string, error)
}

// SecretFunc adapts a function to SecretSource.
type SecretFunc func(ctx context.Context) (string, error)

func (f SecretFunc) MasterSecret(ctx context.Context) (string, error) { return f(ctx) }

// Static returns a source with a fixed secret. An empty secret reports ErrNoSecret.
func Static(secret string) SecretSource {
	return SecretFunc(func(context.Context) (string, error) {
		if strings.TrimSpace(secret) == "" {
			return "", ErrNoSecret
		}
		return secret, nil
	})
}

// ConfigReader reads one runtime setting.
type ConfigReader interface {
	GetSystemConfig(ctx context.Context, key string) (string, error)
}

// FromSystemConfig reads the secret from the system_configs table. Missing
// rows and empty values report ErrNoSecret so a Chain falls through.
func FromSystemConfig(r ConfigReader, key string) SecretSource {
	return SecretFunc(func(ctx context.Context) (string, error) {
		v, err := r.GetSystemConfig(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrNoSecret
		}
		if err != nil {
			return "", fmt.Errorf("vault: read %s: %w", key, err)
		}
		if strings.TrimSpace(v) == "" {
			return "", ErrNoSecret
		}
		return v, nil
	})
}

// Chain tries each source in order and returns the first secret found.
// Errors other than ErrNoSecret stop the chain.
func Chain(sources ...SecretSource) SecretSource {
	return SecretFunc(func(ctx context.Context) (string, error) {
		for _, s := range sources {
			v, err := s.MasterSecret(ctx)
			if err == nil {
				return v, nil
			}
			if !errors.Is(err, ErrNoSecret) {
				return "", err
			}
		}
		return "", ErrNoSecret
	})
}
