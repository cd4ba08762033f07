package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/dayledger/internal/account/domain"
	ledgerdomain "github.com/smallbiznis/dayledger/internal/ledger/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, account *domain.Account) error {
	return db.WithContext(ctx).Create(account).Error
}

func (r *repo) UpdateProfile(ctx context.Context, db *gorm.DB, id snowflake.ID, username, firstName string, updatedAt time.Time) error {
	return db.WithContext(ctx).Model(&domain.Account{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"username":   username,
			"first_name": firstName,
			"updated_at": updatedAt,
		}).Error
}

func (r *repo) UpdateSubscribed(ctx context.Context, db *gorm.DB, id snowflake.ID, subscribed bool, updatedAt time.Time) (bool, error) {
	result := db.WithContext(ctx).Model(&domain.Account{}).
		Where("id = ? AND subscribed <> ?", id, subscribed).
		Updates(map[string]any{
			"subscribed": subscribed,
			"updated_at": updatedAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Account, error) {
	var account domain.Account
	err := db.WithContext(ctx).Where("id = ?", id).Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (r *repo) FindByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*domain.Account, error) {
	var account domain.Account
	err := db.WithContext(ctx).Where("external_id = ?", externalID).Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

// ListSweepCandidates pages through subscribed accounts whose balance is
// active. The positive-days filter is applied by the caller, because paid
// days depend on the clock.
func (r *repo) ListSweepCandidates(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]domain.SweepCandidate, error) {
	var rows []domain.SweepCandidate
	err := db.WithContext(ctx).
		Table("accounts AS a").
		Select("a.id AS account_id, a.subscribed AS subscribed").
		Joins("JOIN balances AS b ON b.account_id = a.id").
		Where("a.subscribed = ? AND b.status = ? AND a.id > ?", true, ledgerdomain.StatusActive, afterID).
		Order("a.id asc").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) CountReferred(ctx context.Context, db *gorm.DB, referrerID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Model(&domain.Account{}).
		Where("referrer_id = ?", referrerID).
		Count(&count).Error
	return count, err
}
