package auth

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/mindroute/gateway/internal/vault"
)

const pepperInfo = "mindroute api key pepper v1"

// Pepper yields the HMAC key for gateway API keys. It is either configured
// directly or derived with HKDF from the vault master secret, and is
// resolved once.
type Pepper struct {
	static []byte
	src    vault.SecretSource

	mu    sync.Mutex
	value []byte
}

// StaticPepper uses p verbatim.
func StaticPepper(p string) *Pepper {
	return &Pepper{static: []byte(p)}
}

// DerivedPepper derives the pepper from the master secret in src.
func DerivedPepper(src vault.SecretSource) *Pepper {
	return &Pepper{src: src}
}

// Bytes returns the pepper, resolving it on first success.
func (p *Pepper) Bytes(ctx context.Context) ([]byte, error) {
	if len(p.static) > 0 {
		return p.static, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.value != nil {
		return p.value, nil
	}
	if p.src == nil {
		return nil, vault.ErrNoSecret
	}

	secret, err := p.src.MasterSecret(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(pepperInfo)), out); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	p.value = out
	return out, nil
}
