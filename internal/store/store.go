// Package store is the gorm-backed repository for gateway tables.
//
// Every method takes a context and scopes the query with WithContext so
// that request cancellation reaches the database driver.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mindroute/gateway/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Store wraps a gorm connection.
type Store struct {
	db *gorm.DB
}

// New returns a Store over conn.
func New(conn *gorm.DB) *Store {
	return &Store{db: conn}
}

// DB exposes the underlying connection for migrations and tests.
func (s *Store) DB() *gorm.DB { return s.db }

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// ── System config ────────────────────────────────────────────────────────────

// GetSystemConfig returns the value stored under key, or ErrNotFound.
func (s *Store) GetSystemConfig(ctx context.Context, key string) (string, error) {
	var row models.SystemConfig
	if err := s.db.WithContext(ctx).Where("config_key = ?", key).Take(&row).Error; err != nil {
		return "", notFound(err)
	}
	return row.Value, nil
}

// SetSystemConfig inserts or replaces a key/value setting.
func (s *Store) SetSystemConfig(ctx context.Context, key, value string) error {
	row := models.SystemConfig{Key: key, Value: value}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "config_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("store: set system config: %w", err)
	}
	return nil
}

// ── Lookups used on the request path ─────────────────────────────────────────

// FindProvider loads a provider by id.
func (s *Store) FindProvider(ctx context.Context, id string) (*models.Provider, error) {
	var p models.Provider
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&p).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// FindModel loads a model by (providerID, upstream model name).
func (s *Store) FindModel(ctx context.Context, providerID, modelID string) (*models.AIModel, error) {
	var m models.AIModel
	err := s.db.WithContext(ctx).
		Where("provider_id = ? AND model_id = ?", providerID, modelID).
		Take(&m).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// FindUserProvider loads the access row for (userID, providerID).
func (s *Store) FindUserProvider(ctx context.Context, userID, providerID string) (*models.UserProvider, error) {
	var up models.UserProvider
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND provider_id = ?", userID, providerID).
		Take(&up).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &up, nil
}

// FindAPIKeyByHash loads a gateway key and its owning user by the key's
// stored hash.
func (s *Store) FindAPIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	var k models.APIKey
	if err := s.db.WithContext(ctx).Preload("User").Where("key_hash = ?", hash).Take(&k).Error; err != nil {
		return nil, notFound(err)
	}
	return &k, nil
}

// TouchAPIKey sets last_used_at without bumping updated_at.
func (s *Store) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.APIKey{}).
		Where("id = ?", id).
		UpdateColumn("last_used_at", at).Error
	if err != nil {
		return fmt.Errorf("store: touch api key: %w", err)
	}
	return nil
}

// ── Logs ─────────────────────────────────────────────────────────────────────

// CreateLog inserts a log row. The caller sets Status.
func (s *Store) CreateLog(ctx context.Context, l *models.Log) error {
	if err := s.db.WithContext(ctx).Create(l).Error; err != nil {
		return fmt.Errorf("store: create log: %w", err)
	}
	return nil
}

// LogResult is the terminal update applied to a pending log.
type LogResult struct {
	Status           string
	ExecutionTime    int64
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	Cost             decimal.Decimal
	Error            string
	ResponseBody     []byte
	Cached           bool
	CompletedAt      time.Time
}

// FinishLog moves a pending log to its terminal state. It reports false when
// the row was already terminal or does not exist.
func (s *Store) FinishLog(ctx context.Context, id string, r LogResult) (bool, error) {
	updates := map[string]any{
		"status":            r.Status,
		"execution_time":    r.ExecutionTime,
		"prompt_tokens":     r.PromptTokens,
		"completion_tokens": r.CompletionTokens,
		"total_tokens":      r.TotalTokens,
		"cost":              r.Cost,
		"error":             r.Error,
		"cached":            r.Cached,
		"completed_at":      r.CompletedAt,
	}
	if len(r.ResponseBody) > 0 {
		updates["response_body"] = string(r.ResponseBody)
	}

	res := s.db.WithContext(ctx).Model(&models.Log{}).
		Where("id = ? AND status = ?", id, models.LogStatusPending).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("store: finish log: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// FindLog loads a log by id.
func (s *Store) FindLog(ctx context.Context, id string) (*models.Log, error) {
	var l models.Log
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&l).Error; err != nil {
		return nil, notFound(err)
	}
	return &l, nil
}

// LogFilter narrows ListLogs. Zero fields are ignored.
type LogFilter struct {
	UserID     string
	ProviderID string
	Status     string
	Model      string
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

// ListLogs returns logs newest first along with the unpaged total.
func (s *Store) ListLogs(ctx context.Context, f LogFilter) ([]models.Log, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Log{})
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.ProviderID != "" {
		q = q.Where("provider_id = ?", f.ProviderID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Model != "" {
		q = q.Where("model = ?", f.Model)
	}
	if !f.From.IsZero() {
		q = q.Where("created_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		q = q.Where("created_at < ?", f.To)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("store: count logs: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var rows []models.Log
	err := q.Order("created_at DESC").Limit(limit).Offset(f.Offset).Find(&rows).Error
	if err != nil {
		return nil, 0, fmt.Errorf("store: list logs: %w", err)
	}
	return rows, total, nil
}
