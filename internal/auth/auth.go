// Package auth authenticates inbound gateway API keys.
//
// Raw keys are never stored or compared: they are hashed with HMAC-SHA256
// under a server pepper and looked up by hash. A successful lookup queues a
// last_used_at update that is written by a background goroutine; a full
// queue drops the update and the request proceeds.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mindroute/gateway/internal/models"
	"github.com/mindroute/gateway/internal/store"
)

const (
	// KeyPrefix starts every issued gateway key.
	KeyPrefix = "mr_"

	touchBuffer  = 1024
	touchTimeout = 2 * time.Second
	displayChars = 10
)

// Kind classifies an authentication failure.
type Kind string

const (
	KindMissingKey  Kind = "missing_key"
	KindKeyNotFound Kind = "key_not_found"
	KindKeyInactive Kind = "key_inactive"
	KindKeyExpired  Kind = "key_expired"
	// KindUserInactive rejects a valid key whose owner has been deactivated.
	KindUserInactive Kind = "user_inactive"
)

// Error is returned for every rejected key.
type Error struct {
	Kind Kind
}

func (e *Error) Error() string { return "auth: " + string(e.Kind) }

// Identity is the caller resolved from a valid key.
type Identity struct {
	UserID   string
	APIKeyID string
}

// KeyStore is the subset of the repository the authenticator needs.
type KeyStore interface {
	FindAPIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error)
	TouchAPIKey(ctx context.Context, id string, at time.Time) error
	CreateAPIKey(ctx context.Context, k *models.APIKey) error
}

type touch struct {
	id string
	at time.Time
}

// Authenticator validates gateway keys.
type Authenticator struct {
	keys   KeyStore
	pepper *Pepper
	now    func() time.Time

	touches   chan touch
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	dropped   int64

	log *slog.Logger
}

// New starts an Authenticator and its last-used writer. Call Close to stop it.
func New(keys KeyStore, pepper *Pepper, log *slog.Logger) *Authenticator {
	if log == nil {
		log = slog.Default()
	}
	a := &Authenticator{
		keys:    keys,
		pepper:  pepper,
		now:     time.Now,
		touches: make(chan touch, touchBuffer),
		done:    make(chan struct{}),
		log:     log,
	}
	a.wg.Add(1)
	go a.runTouches()
	return a
}

// Authenticate resolves rawKey to its owner.
func (a *Authenticator) Authenticate(ctx context.Context, rawKey string) (Identity, error) {
	rawKey = strings.TrimSpace(rawKey)
	if rawKey == "" {
		return Identity{}, &Error{Kind: KindMissingKey}
	}

	hash, err := a.Hash(ctx, rawKey)
	if err != nil {
		return Identity{}, err
	}

	k, err := a.keys.FindAPIKeyByHash(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return Identity{}, &Error{Kind: KindKeyNotFound}
	}
	if err != nil {
		return Identity{}, fmt.Errorf("auth: lookup: %w", err)
	}

	if !k.Active {
		return Identity{}, &Error{Kind: KindKeyInactive}
	}
	now := a.now()
	if k.IsExpired(now) {
		return Identity{}, &Error{Kind: KindKeyExpired}
	}
	if k.User == nil || !k.User.Active {
		return Identity{}, &Error{Kind: KindUserInactive}
	}

	a.queueTouch(k.ID, now)

	return Identity{UserID: k.UserID, APIKeyID: k.ID}, nil
}

// Hash returns the hex HMAC of rawKey under the server pepper.
func (a *Authenticator) Hash(ctx context.Context, rawKey string) (string, error) {
	p, err := a.pepper.Bytes(ctx)
	if err != nil {
		return "", fmt.Errorf("auth: pepper: %w", err)
	}
	mac := hmac.New(sha256.New, p)
	mac.Write([]byte(rawKey))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Issue creates a key for userID. The returned value carries the raw key in
// PlainKey; it is not recoverable afterwards.
func (a *Authenticator) Issue(ctx context.Context, userID, name string, expiresAt *time.Time) (*models.APIKey, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("auth: generate key: %w", err)
	}
	raw := KeyPrefix + base64.RawURLEncoding.EncodeToString(buf)

	hash, err := a.Hash(ctx, raw)
	if err != nil {
		return nil, err
	}

	k := &models.APIKey{
		UserID:    userID,
		Name:      name,
		KeyHash:   hash,
		KeyPrefix: raw[:displayChars],
		Active:    true,
		ExpiresAt: expiresAt,
	}
	if err := a.keys.CreateAPIKey(ctx, k); err != nil {
		return nil, fmt.Errorf("auth: issue: %w", err)
	}
	k.PlainKey = raw
	return k, nil
}

// DroppedTouches reports last_used_at updates discarded because the queue was full.
func (a *Authenticator) DroppedTouches() int64 {
	return atomic.LoadInt64(&a.dropped)
}

// Close flushes queued updates and stops the writer.
func (a *Authenticator) Close() {
	a.closeOnce.Do(func() {
		close(a.done)
	})
	a.wg.Wait()
}

func (a *Authenticator) queueTouch(id string, at time.Time) {
	select {
	case a.touches <- touch{id: id, at: at}:
	default:
		atomic.AddInt64(&a.dropped, 1)
	}
}

func (a *Authenticator) runTouches() {
	defer a.wg.Done()
	for {
		select {
		case t := <-a.touches:
			a.writeTouch(t)
		case <-a.done:
			for {
				select {
				case t := <-a.touches:
					a.writeTouch(t)
				default:
					return
				}
			}
		}
	}
}

func (a *Authenticator) writeTouch(t touch) {
	ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
	defer cancel()
	if err := a.keys.TouchAPIKey(ctx, t.id, t.at); err != nil {
		a.log.Warn("api key last_used_at update failed",
			slog.String("api_key_id", t.id),
			slog.String("error", err.Error()),
		)
	}
}
