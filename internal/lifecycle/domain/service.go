package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/dayledger/internal/ledger/domain"
	"github.com/smallbiznis/dayledger/internal/notification"
)

// Deny reasons returned by CanCreateResource.
const (
	DenyFrozen        = "subscription_inactive"
	DenyExpired       = "days_exhausted"
	DenyDeleted       = "account_deleted"
	DenyResourceLimit = "resource_limit_reached"
	DenyNoDays        = "no_active_days"
)

// LastChanceDay is the final expiry reminder before deletion.
const LastChanceDay = 3

// Result is the outcome of one status evaluation.
type Result struct {
	AccountID snowflake.ID         `json:"account_id"`
	Status    ledgerdomain.Status  `json:"status"`
	Previous  ledgerdomain.Status  `json:"previous"`
	Changed   bool                 `json:"changed"`
	IsPremium bool                 `json:"is_premium"`
	Cached    bool                 `json:"cached"`
	Events    []notification.Event `json:"-"`
}

type AddDaysResult struct {
	Transaction ledgerdomain.Transaction `json:"transaction"`
	Status      Result                   `json:"status"`
	Events      []notification.Event     `json:"-"`
}

type ConsumeResult struct {
	Consumed bool                 `json:"consumed"`
	Status   Result               `json:"status"`
	Events   []notification.Event `json:"-"`
}

type DaysSummary struct {
	AccountID         snowflake.ID        `json:"account_id"`
	TrialDays         int                 `json:"trial_days"`
	PaidDays          int                 `json:"paid_days"`
	PaidUntil         *time.Time          `json:"paid_until,omitempty"`
	BonusDays         int                 `json:"bonus_days"`
	TotalDays         int                 `json:"total_days"`
	IsPremium         bool                `json:"is_premium"`
	PremiumSince      *time.Time          `json:"premium_since,omitempty"`
	Status            ledgerdomain.Status `json:"status"`
	NextConsumptionAt *time.Time          `json:"next_consumption_at,omitempty"`
}

type Service interface {
	Evaluate(ctx context.Context, accountID snowflake.ID, subscribed *bool) (Result, error)
	ConsumeDay(ctx context.Context, accountID snowflake.ID) (ConsumeResult, error)
	CanCreateResource(ctx context.Context, accountID snowflake.ID) (bool, string, error)
	AddDays(ctx context.Context, accountID snowflake.ID, days int, kind ledgerdomain.BalanceKind, reason, paymentRef string) (AddDaysResult, error)
	DaysSummary(ctx context.Context, accountID snowflake.ID) (DaysSummary, error)
	CanResourceRespond(ctx context.Context, resourceID snowflake.ID) bool
	ExpiryNotificationScan(ctx context.Context) ([]notification.Event, error)
	RetentionCleanup(ctx context.Context, retention time.Duration) (int, error)
}
