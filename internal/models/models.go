// Package models defines the gorm-mapped tables backing the gateway.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Provider types with a registered adapter.
const (
	ProviderTypeOpenAI           = "openai"
	ProviderTypeAnthropic        = "anthropic"
	ProviderTypeGoogle           = "google"
	ProviderTypeMistral          = "mistral"
	ProviderTypeOpenAICompatible = "openai-compatible"
)

// Log statuses. A log leaves pending at most once.
const (
	LogStatusPending = "pending"
	LogStatusSuccess = "success"
	LogStatusError   = "error"
)

// SystemConfigEncryptionKey is the system_configs key holding the vault master secret.
const SystemConfigEncryptionKey = "encryption_key"

// newID fills an empty string primary key.
func newID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

// User is the owner of gateway API keys and provider grants.
type User struct {
	ID string `gorm:"type:varchar(36);primaryKey"` // Primary key.

	Email  string `gorm:"type:varchar(255);not null;uniqueIndex"` // Login email.
	Name   string `gorm:"type:varchar(255)"`                      // Display name.
	Role   string `gorm:"type:varchar(32);not null;default:user"` // user or admin.
	Active bool   `gorm:"not null"`                               // Whether the user may call the gateway.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

func (u *User) BeforeCreate(*gorm.DB) error { newID(&u.ID); return nil }

// Provider is an upstream AI vendor account with its own encrypted API key.
type Provider struct {
	ID string `gorm:"type:varchar(36);primaryKey"` // Primary key.

	Name            string            `gorm:"type:varchar(255);not null"`      // Display name.
	Type            string            `gorm:"type:varchar(32);not null;index"` // Adapter type, one of the ProviderType constants.
	EncryptedAPIKey string            `gorm:"type:text;not null"`              // Vault ciphertext "hex(iv):hex(ct)".
	EndpointURL     string            `gorm:"type:text"`                       // Optional base URL override.
	Settings        datatypes.JSONMap `gorm:"type:json"`                       // Opaque provider settings.
	Active          bool              `gorm:"not null"`                        // Soft-disable flag.

	Models []AIModel `gorm:"foreignKey:ProviderID;constraint:OnDelete:RESTRICT"` // Owned models.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

func (p *Provider) BeforeCreate(*gorm.DB) error { newID(&p.ID); return nil }

// AIModel is one selectable upstream model belonging to a Provider.
type AIModel struct {
	ID string `gorm:"type:varchar(36);primaryKey"` // Primary key.

	ProviderID string `gorm:"type:varchar(36);not null;uniqueIndex:idx_ai_models_provider_model"`  // Owning provider.
	ModelID    string `gorm:"type:varchar(255);not null;uniqueIndex:idx_ai_models_provider_model"` // Upstream model name.
	Name       string `gorm:"type:varchar(255)"`                                                   // Display name.

	ContextWindow int             `gorm:"not null;default:0"`                    // Context window in tokens, 0 if unknown.
	MaxTokens     int             `gorm:"not null;default:0"`                    // Output token ceiling, 0 for unlimited.
	InputPrice    decimal.Decimal `gorm:"type:decimal(20,8);not null;default:0"` // Price per 1K prompt tokens.
	OutputPrice   decimal.Decimal `gorm:"type:decimal(20,8);not null;default:0"` // Price per 1K completion tokens.

	AllowImages bool `gorm:"not null"` // Accepts image input.
	AllowVideos bool `gorm:"not null"` // Accepts video input.
	AllowFiles  bool `gorm:"not null"` // Accepts file input.
	Active      bool `gorm:"not null"` // Selectable by callers.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

func (AIModel) TableName() string { return "ai_models" }

func (m *AIModel) BeforeCreate(*gorm.DB) error { newID(&m.ID); return nil }

// UserProvider grants or denies a user access to a Provider.
type UserProvider struct {
	ID string `gorm:"type:varchar(36);primaryKey"` // Primary key.

	UserID     string    `gorm:"type:varchar(36);not null;uniqueIndex:idx_user_providers_pair"` // Granted user.
	User       *User     `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`                 // Granted user.
	ProviderID string    `gorm:"type:varchar(36);not null;uniqueIndex:idx_user_providers_pair"` // Target provider.
	Provider   *Provider `gorm:"foreignKey:ProviderID;constraint:OnDelete:CASCADE"`             // Target provider.

	Allowed           bool              `gorm:"not null"` // Access flag; absent rows deny.
	MaxTokensOverride *int              // Per-user ceiling, nil for none.
	UseCustomAPIKey   bool              `gorm:"not null"`  // Prefer CustomAPIKey over the provider key.
	CustomAPIKey      string            `gorm:"type:text"` // Vault ciphertext of the user's own key.
	Settings          datatypes.JSONMap `gorm:"type:json"` // Opaque per-user settings.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

func (up *UserProvider) BeforeCreate(*gorm.DB) error { newID(&up.ID); return nil }

// APIKey is a gateway credential issued to a user. Only its hash is stored.
type APIKey struct {
	ID string `gorm:"type:varchar(36);primaryKey"` // Primary key.

	UserID string `gorm:"type:varchar(36);not null;index"`               // Owning user.
	User   *User  `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"` // Owning user.

	Name      string `gorm:"type:varchar(255);not null"`            // Label chosen by the user.
	KeyHash   string `gorm:"type:varchar(64);not null;uniqueIndex"` // Hex HMAC-SHA256 of the raw key.
	KeyPrefix string `gorm:"type:varchar(16);not null"`             // First characters of the raw key for display.
	Active    bool   `gorm:"not null"`                              // Revocation flag.

	LastUsedAt *time.Time // Updated asynchronously on successful authentication.
	ExpiresAt  *time.Time // Nil never expires.

	// PlainKey is populated only on the value returned at issuance.
	PlainKey string `gorm:"-"`

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

func (APIKey) TableName() string { return "api_keys" }

func (k *APIKey) BeforeCreate(*gorm.DB) error { newID(&k.ID); return nil }

// IsExpired reports whether the key's expiry is at or before now.
func (k *APIKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}

// Log is the audit row for one gateway request attempt.
type Log struct {
	ID string `gorm:"type:varchar(36);primaryKey"` // Primary key.

	UserID     *string   `gorm:"type:varchar(36);index"`                             // Caller, nil once the user is deleted.
	User       *User     `gorm:"foreignKey:UserID;constraint:OnDelete:SET NULL"`     // Caller.
	APIKeyID   *string   `gorm:"type:varchar(36);index"`                             // Gateway key used.
	APIKey     *APIKey   `gorm:"foreignKey:APIKeyID;constraint:OnDelete:SET NULL"`   // Gateway key used.
	ProviderID *string   `gorm:"type:varchar(36);index"`                             // Upstream provider.
	Provider   *Provider `gorm:"foreignKey:ProviderID;constraint:OnDelete:SET NULL"` // Upstream provider.

	RequestID string `gorm:"type:varchar(64);index"`  // X-Request-ID of the inbound call.
	Endpoint  string `gorm:"type:varchar(32)"`        // chat or completion.
	Model     string `gorm:"type:varchar(255);index"` // Requested model.
	Streaming bool   `gorm:"not null"`                // Whether the caller asked for SSE.
	Cached    bool   `gorm:"not null"`                // Served from the response cache.

	RequestBody  datatypes.JSON `gorm:"type:json"` // Request snapshot.
	ResponseBody datatypes.JSON `gorm:"type:json"` // Truncated response snapshot.

	Status           string          `gorm:"type:varchar(16);not null;default:pending;index"` // pending, success or error.
	ExecutionTime    int64           `gorm:"not null;default:0"`                              // Milliseconds from start to terminal state.
	PromptTokens     int64           `gorm:"not null;default:0"`                              // Prompt tokens.
	CompletionTokens int64           `gorm:"not null;default:0"`                              // Completion tokens.
	TotalTokens      int64           `gorm:"not null;default:0"`                              // Prompt plus completion.
	Cost             decimal.Decimal `gorm:"type:decimal(20,8);not null;default:0"`           // Computed cost.
	Error            string          `gorm:"type:text"`                                       // Error message when Status is error.

	CreatedAt   time.Time  `gorm:"not null;autoCreateTime;index"` // Creation timestamp.
	CompletedAt *time.Time // Terminal transition time.
}

func (l *Log) BeforeCreate(*gorm.DB) error { newID(&l.ID); return nil }

// SystemConfig is a runtime key/value setting, such as the vault master secret.
type SystemConfig struct {
	Key       string    `gorm:"column:config_key;type:varchar(128);primaryKey"` // Setting name.
	Value     string    `gorm:"type:text;not null"`                             // Setting value.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`                        // Last update timestamp.
}

// All returns every model in migration order.
func All() []any {
	return []any{
		&User{},
		&Provider{},
		&AIModel{},
		&UserProvider{},
		&APIKey{},
		&Log{},
		&SystemConfig{},
	}
}
