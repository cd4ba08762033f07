package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/dayledger/internal/ledger/domain"
	"github.com/smallbiznis/dayledger/internal/notification"
	"gorm.io/gorm"
)

// NewAccountResult reports what happened to a freshly referred account.
type NewAccountResult struct {
	Event    *Event               `json:"event,omitempty"`
	Rejected bool                 `json:"rejected"`
	Events   []notification.Event `json:"-"`
}

// Summary counts what one pending scan did.
type Summary struct {
	Scanned  int                  `json:"scanned"`
	Rewarded int                  `json:"rewarded"`
	Expired  int                  `json:"expired"`
	Waiting  int                  `json:"waiting"`
	Failed   int                  `json:"failed"`
	Events   []notification.Event `json:"-"`
}

type FirstPaymentResult struct {
	Rewarded     bool                 `json:"rewarded"`
	ReferrerID   *snowflake.ID        `json:"referrer_id,omitempty"`
	ReferrerDays int                  `json:"referrer_days"`
	ReferredDays int                  `json:"referred_days"`
	Events       []notification.Event `json:"-"`
}

type Stats struct {
	AccountID     snowflake.ID `json:"account_id"`
	Total         int64        `json:"total"`
	Active        int64        `json:"active"`
	Pending       int64        `json:"pending"`
	Rewarded      int64        `json:"rewarded"`
	DaysEarned    int64        `json:"days_earned"`
	BonusDays     int          `json:"bonus_days"`
	DaysToPremium int          `json:"days_to_premium"`
	IsPremium     bool         `json:"is_premium"`
	Recent        []Event      `json:"recent"`
}

type Service interface {
	HandleNewAccount(ctx context.Context, referredID, referrerID snowflake.ID) (NewAccountResult, error)
	CreateReferralEvent(ctx context.Context, referrerID, referredID snowflake.ID, eventType EventType, delay time.Duration) (Event, error)
	ProcessPending(ctx context.Context) (Summary, error)
	HandleFirstPayment(ctx context.Context, accountID snowflake.ID) (FirstPaymentResult, error)
	Stats(ctx context.Context, accountID snowflake.ID) (Stats, error)
}

// ReferrerCounts aggregates the edges created by one referrer.
type ReferrerCounts struct {
	Total      int64
	Pending    int64
	Rewarded   int64
	DaysEarned int64
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, event *Event) error
	FindByReferred(ctx context.Context, db *gorm.DB, referredID snowflake.ID, eventType EventType) (*Event, error)
	CountSince(ctx context.Context, db *gorm.DB, referrerID snowflake.ID, eventType EventType, since time.Time) (int64, error)
	ListDue(ctx context.Context, db *gorm.DB, now time.Time, afterID snowflake.ID, limit int) ([]Event, error)
	MarkGranted(ctx context.Context, db *gorm.DB, id snowflake.ID, days int, at time.Time) (bool, error)
	MarkExpired(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	ListByReferrer(ctx context.Context, db *gorm.DB, referrerID snowflake.ID, limit int) ([]Event, error)
	CountsByReferrer(ctx context.Context, db *gorm.DB, referrerID snowflake.ID) (ReferrerCounts, error)
	CountActiveReferred(ctx context.Context, db *gorm.DB, referrerID snowflake.ID) (int64, error)
	CountSuccessfulPayments(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (int64, error)
}

var (
	ErrReferralExists = ledgerdomain.NewError(ledgerdomain.KindIntegrity, "referral_exists")
	ErrSelfReferral   = ledgerdomain.NewError(ledgerdomain.KindValidation, "self_referral")
	ErrInvalidEvent   = ledgerdomain.NewError(ledgerdomain.KindValidation, "invalid_referral_event")
)
