package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status is the lifecycle state persisted on the balance row.
type Status string

const (
	StatusFrozen  Status = "frozen"
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusDeleted Status = "deleted"
)

func (s Status) Valid() bool {
	switch s {
	case StatusFrozen, StatusActive, StatusExpired, StatusDeleted:
		return true
	default:
		return false
	}
}

type TransactionType string

const (
	TransactionTrialAdd         TransactionType = "TRIAL_ADD"
	TransactionPaidAdd          TransactionType = "PAID_ADD"
	TransactionBonusAdd         TransactionType = "BONUS_ADD"
	TransactionDailyConsumption TransactionType = "DAILY_CONSUMPTION"
)

type BalanceKind string

const (
	BalanceTrial BalanceKind = "trial"
	BalancePaid  BalanceKind = "paid"
	BalanceBonus BalanceKind = "bonus"
)

func (k BalanceKind) Valid() bool {
	switch k {
	case BalanceTrial, BalancePaid, BalanceBonus:
		return true
	default:
		return false
	}
}

// PremiumThreshold is the bonus day count at which an account turns premium.
const PremiumThreshold = 30

// Balance holds the three entitlement sources of one account.
type Balance struct {
	AccountID         snowflake.ID `gorm:"primaryKey"`
	TrialDays         int          `gorm:"not null;default:0"`
	PaidUntil         *time.Time
	BonusDays         int        `gorm:"not null;default:0"`
	Status            Status     `gorm:"type:text;not null;default:'frozen';index:idx_balances_status"`
	StatusChangedAt   *time.Time `gorm:"index:idx_balances_status_changed"`
	IsPremium         bool       `gorm:"not null;default:false;index:idx_balances_premium"`
	PremiumSince      *time.Time
	LastConsumptionAt *time.Time
	Version           int64     `gorm:"not null;default:0"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (Balance) TableName() string { return "balances" }

// Transaction is an append-only log row written with every balance mutation.
type Transaction struct {
	ID               snowflake.ID      `gorm:"primaryKey" json:"id"`
	AccountID        snowflake.ID      `gorm:"not null;index:idx_transactions_account_type,priority:1" json:"account_id"`
	Type             TransactionType   `gorm:"type:text;not null;index:idx_transactions_account_type,priority:2" json:"type"`
	DaysDelta        int               `gorm:"not null" json:"days_delta"`
	BalanceKind      BalanceKind       `gorm:"type:text;not null" json:"balance_kind"`
	ResultingBalance int               `gorm:"not null" json:"resulting_balance"`
	RelatedAccountID *snowflake.ID     `json:"related_account_id,omitempty"`
	Reason           string            `gorm:"type:text" json:"reason,omitempty"`
	Metadata         datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt        time.Time         `gorm:"not null" json:"created_at"`
}

func (Transaction) TableName() string { return "transactions" }

// Snapshot is a read-only projection of a balance at a point in time.
type Snapshot struct {
	AccountID         snowflake.ID `json:"account_id"`
	TrialDays         int          `json:"trial_days"`
	PaidUntil         *time.Time   `json:"paid_until,omitempty"`
	PaidDays          int          `json:"paid_days"`
	BonusDays         int          `json:"bonus_days"`
	TotalActiveDays   int          `json:"total_active_days"`
	Status            Status       `json:"status"`
	StatusChangedAt   *time.Time   `json:"status_changed_at,omitempty"`
	IsPremium         bool         `json:"is_premium"`
	PremiumSince      *time.Time   `json:"premium_since,omitempty"`
	LastConsumptionAt *time.Time   `json:"last_consumption_at,omitempty"`
	Version           int64        `json:"-"`
	At                time.Time    `json:"at"`
}

// NewSnapshot projects b at now.
func NewSnapshot(b Balance, now time.Time) Snapshot {
	return Snapshot{
		AccountID:         b.AccountID,
		TrialDays:         b.TrialDays,
		PaidUntil:         b.PaidUntil,
		PaidDays:          PaidDaysRemaining(b.PaidUntil, now),
		BonusDays:         b.BonusDays,
		TotalActiveDays:   TotalActiveDays(b.TrialDays, b.PaidUntil, b.BonusDays, now),
		Status:            b.Status,
		StatusChangedAt:   b.StatusChangedAt,
		IsPremium:         b.IsPremium,
		PremiumSince:      b.PremiumSince,
		LastConsumptionAt: b.LastConsumptionAt,
		Version:           b.Version,
		At:                now,
	}
}

// PaidDaysRemaining counts whole days from now until paidUntil, never negative.
func PaidDaysRemaining(paidUntil *time.Time, now time.Time) int {
	if paidUntil == nil || !paidUntil.After(now) {
		return 0
	}
	return int(paidUntil.Sub(now) / (24 * time.Hour))
}

// TotalActiveDays is derived, never stored.
func TotalActiveDays(trialDays int, paidUntil *time.Time, bonusDays int, now time.Time) int {
	return max(0, trialDays) + PaidDaysRemaining(paidUntil, now) + max(0, bonusDays)
}

// ExtendPaidUntil applies the monotonic rule: max(now, current) + days.
func ExtendPaidUntil(current *time.Time, now time.Time, days int) time.Time {
	base := now
	if current != nil && current.After(now) {
		base = *current
	}
	return base.Add(time.Duration(days) * 24 * time.Hour)
}
