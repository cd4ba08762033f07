package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/dayledger/internal/resource/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, resource *domain.Resource) error {
	return db.WithContext(ctx).Create(resource).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Resource, error) {
	var resource domain.Resource
	err := db.WithContext(ctx).Where("id = ?", id).Take(&resource).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &resource, nil
}

func (r *repo) ListByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]domain.Resource, error) {
	var resources []domain.Resource
	err := db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("id asc").
		Find(&resources).Error
	return resources, err
}

func (r *repo) Count(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Model(&domain.Resource{}).
		Where("account_id = ?", accountID).
		Count(&count).Error
	return count, err
}

func (r *repo) CountAll(ctx context.Context, db *gorm.DB) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Model(&domain.Resource{}).Count(&count).Error
	return count, err
}

func (r *repo) SetRunning(ctx context.Context, db *gorm.DB, id snowflake.ID, running bool, updatedAt time.Time) (int64, error) {
	result := db.WithContext(ctx).Model(&domain.Resource{}).
		Where("id = ?", id).
		Updates(map[string]any{"running": running, "updated_at": updatedAt})
	return result.RowsAffected, result.Error
}

func (r *repo) DeleteByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (int64, error) {
	result := db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Delete(&domain.Resource{})
	return result.RowsAffected, result.Error
}
