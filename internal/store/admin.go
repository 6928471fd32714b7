package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/mindroute/gateway/internal/models"
)

// CreateUser inserts a user.
func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	if err := s.db.WithContext(ctx).Create(u).Error; err != nil {
		return fmt.Errorf("store: create user: %w", err)
	}
	return nil
}

// FindUser loads a user by id.
func (s *Store) FindUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&u).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// CreateProvider inserts a provider. EncryptedAPIKey must already be sealed.
func (s *Store) CreateProvider(ctx context.Context, p *models.Provider) error {
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("store: create provider: %w", err)
	}
	return nil
}

// UpdateProvider applies column updates to a provider.
func (s *Store) UpdateProvider(ctx context.Context, id string, updates map[string]any) error {
	res := s.db.WithContext(ctx).Model(&models.Provider{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("store: update provider: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListProviders returns every provider ordered by name.
func (s *Store) ListProviders(ctx context.Context) ([]models.Provider, error) {
	var rows []models.Provider
	if err := s.db.WithContext(ctx).Order("name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list providers: %w", err)
	}
	return rows, nil
}

// CreateModel inserts a model under an existing provider.
func (s *Store) CreateModel(ctx context.Context, m *models.AIModel) error {
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("store: create model: %w", err)
	}
	return nil
}

// ListModels returns the models owned by providerID.
func (s *Store) ListModels(ctx context.Context, providerID string) ([]models.AIModel, error) {
	var rows []models.AIModel
	err := s.db.WithContext(ctx).Where("provider_id = ?", providerID).Order("model_id").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: list models: %w", err)
	}
	return rows, nil
}

// DeleteModel removes a model row.
func (s *Store) DeleteModel(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.AIModel{})
	if res.Error != nil {
		return fmt.Errorf("store: delete model: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertUserProvider creates or replaces the access row for (UserID, ProviderID).
func (s *Store) UpsertUserProvider(ctx context.Context, up *models.UserProvider) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.UserProvider
		err := tx.Where("user_id = ? AND provider_id = ?", up.UserID, up.ProviderID).
			Take(&existing).Error
		switch {
		case err == nil:
			up.ID = existing.ID
			up.CreatedAt = existing.CreatedAt
			return tx.Save(up).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(up).Error
		default:
			return err
		}
	})
	if err != nil {
		return fmt.Errorf("store: upsert user provider: %w", err)
	}
	return nil
}

// CreateAPIKey inserts a hashed gateway key.
func (s *Store) CreateAPIKey(ctx context.Context, k *models.APIKey) error {
	if err := s.db.WithContext(ctx).Create(k).Error; err != nil {
		return fmt.Errorf("store: create api key: %w", err)
	}
	return nil
}

// RevokeAPIKey deactivates a gateway key.
func (s *Store) RevokeAPIKey(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&models.APIKey{}).
		Where("id = ?", id).
		Updates(map[string]any{"active": false, "updated_at": time.Now()})
	if res.Error != nil {
		return fmt.Errorf("store: revoke api key: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
