// Package cache stores unary chat replies so identical requests from the
// same user to the same provider and model can be answered without an
// upstream call.
//
// Two backends implement Cache: RedisCache, shared across replicas, and
// MemoryCache, an in-process TTL map for single instances. Both degrade
// silently: a backend failure is a miss, never a request error.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Message is one turn of the cached conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Scope is everything that makes two requests interchangeable.
type Scope struct {
	UserID      string    `json:"u"`
	ProviderID  string    `json:"p"`
	Model       string    `json:"m"`
	Temperature *float64  `json:"t,omitempty"`
	MaxTokens   int       `json:"x,omitempty"`
	Messages    []Message `json:"msgs"`
}

// Key returns the hex SHA-256 of the scope's canonical JSON.
func Key(s Scope) string {
	b, _ := json.Marshal(s)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Entry is the stored form of a reply.
type Entry struct {
	ID               string `json:"id"`
	Model            string `json:"model"`
	Role             string `json:"role"`
	Content          string `json:"content"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

func (e Entry) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Lookup reads and decodes an entry. Undecodable values count as misses.
func Lookup(ctx context.Context, c Cache, key string) (Entry, bool) {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false
	}
	return e, true
}
