package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/dayledger/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/dayledger/internal/payment/domain"
	"github.com/smallbiznis/dayledger/internal/referral/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, event *domain.Event) error {
	return db.WithContext(ctx).Create(event).Error
}

func (r *repo) FindByReferred(ctx context.Context, db *gorm.DB, referredID snowflake.ID, eventType domain.EventType) (*domain.Event, error) {
	var event domain.Event
	err := db.WithContext(ctx).
		Where("referred_id = ? AND event_type = ?", referredID, eventType).
		Take(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

func (r *repo) CountSince(ctx context.Context, db *gorm.DB, referrerID snowflake.ID, eventType domain.EventType, since time.Time) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Model(&domain.Event{}).
		Where("referrer_id = ? AND event_type = ? AND created_at >= ?", referrerID, eventType, since).
		Count(&count).Error
	return count, err
}

// ListDue pages through ungranted events whose delay has elapsed.
func (r *repo) ListDue(ctx context.Context, db *gorm.DB, now time.Time, afterID snowflake.ID, limit int) ([]domain.Event, error) {
	var events []domain.Event
	err := db.WithContext(ctx).
		Where("reward_granted = ? AND pending_until IS NOT NULL AND pending_until <= ? AND id > ?", false, now, afterID).
		Order("id asc").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *repo) MarkGranted(ctx context.Context, db *gorm.DB, id snowflake.ID, days int, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Model(&domain.Event{}).
		Where("id = ? AND reward_granted = ?", id, false).
		Updates(map[string]any{
			"reward_granted": true,
			"reward_kind":    domain.RewardKindBonus,
			"days_awarded":   days,
			"updated_at":     at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) MarkExpired(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Model(&domain.Event{}).
		Where("id = ? AND reward_granted = ? AND pending_until IS NOT NULL", id, false).
		Updates(map[string]any{
			"reward_kind":   domain.RewardKindExpired,
			"pending_until": nil,
			"updated_at":    at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) ListByReferrer(ctx context.Context, db *gorm.DB, referrerID snowflake.ID, limit int) ([]domain.Event, error) {
	var events []domain.Event
	err := db.WithContext(ctx).
		Where("referrer_id = ?", referrerID).
		Order("created_at desc, id desc").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *repo) CountsByReferrer(ctx context.Context, db *gorm.DB, referrerID snowflake.ID) (domain.ReferrerCounts, error) {
	var row struct {
		Total      int64
		Pending    int64
		Rewarded   int64
		DaysEarned int64
	}
	err := db.WithContext(ctx).Model(&domain.Event{}).
		Select(`COUNT(CASE WHEN event_type = ? THEN 1 END) AS total,
			COUNT(CASE WHEN reward_granted = ? AND pending_until IS NOT NULL THEN 1 END) AS pending,
			COUNT(CASE WHEN reward_granted = ? THEN 1 END) AS rewarded,
			COALESCE(SUM(CASE WHEN reward_granted = ? THEN days_awarded ELSE 0 END), 0) AS days_earned`,
			domain.EventBotCreated, false, true, true).
		Where("referrer_id = ?", referrerID).
		Scan(&row).Error
	if err != nil {
		return domain.ReferrerCounts{}, err
	}
	return domain.ReferrerCounts(row), nil
}

func (r *repo) CountActiveReferred(ctx context.Context, db *gorm.DB, referrerID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).
		Table("referral_events AS e").
		Joins("JOIN balances AS b ON b.account_id = e.referred_id").
		Where("e.referrer_id = ? AND e.event_type = ? AND b.status = ?", referrerID, domain.EventBotCreated, ledgerdomain.StatusActive).
		Count(&count).Error
	return count, err
}

func (r *repo) CountSuccessfulPayments(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Model(&paymentdomain.Payment{}).
		Where("account_id = ? AND status = ?", accountID, paymentdomain.StatusSuccess).
		Count(&count).Error
	return count, err
}
