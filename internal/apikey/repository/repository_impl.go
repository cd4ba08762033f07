package repository

import (
	"context"
	"errors"

	apikeydomain "github.com/smallbiznis/dayledger/internal/apikey/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() apikeydomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, key *apikeydomain.APIKey) error {
	return db.WithContext(ctx).Create(key).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, key *apikeydomain.APIKey) error {
	return db.WithContext(ctx).
		Model(&apikeydomain.APIKey{}).
		Where("key_id = ?", key.KeyID).
		Updates(map[string]any{
			"name":         key.Name,
			"roles":        key.Roles,
			"key_hash":     key.KeyHash,
			"is_active":    key.IsActive,
			"updated_at":   key.UpdatedAt,
			"last_used_at": key.LastUsedAt,
			"expires_at":   key.ExpiresAt,
		}).Error
}

func (r *repo) FindByKeyID(ctx context.Context, db *gorm.DB, keyID string) (*apikeydomain.APIKey, error) {
	var key apikeydomain.APIKey
	err := db.WithContext(ctx).Where("key_id = ?", keyID).Take(&key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &key, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB) ([]apikeydomain.APIKey, error) {
	var keys []apikeydomain.APIKey
	err := db.WithContext(ctx).Order("created_at DESC").Order("id DESC").Find(&keys).Error
	if err != nil {
		return nil, err
	}
	return keys, nil
}
