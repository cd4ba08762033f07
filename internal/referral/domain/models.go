package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type EventType string

const (
	EventBotCreated   EventType = "bot_created"
	EventFirstPayment EventType = "first_payment"
)

func (t EventType) Valid() bool {
	return t == EventBotCreated || t == EventFirstPayment
}

const (
	RewardKindBonus   = "bonus"
	RewardKindExpired = "expired"
)

// Rule names used in reward accounting.
const (
	RuleBotCreated           = "bot_created"
	RuleFirstPaymentReferrer = "first_payment_referrer"
	RuleFirstPaymentReferred = "first_payment_referred"
)

// Event is a referral edge. Only one edge exists per referred account and type.
type Event struct {
	ID            snowflake.ID `gorm:"primaryKey" json:"id"`
	ReferrerID    snowflake.ID `gorm:"not null;index:idx_referral_referrer_created,priority:1" json:"referrer_id"`
	ReferredID    snowflake.ID `gorm:"not null;uniqueIndex:ux_referral_referred_type,priority:1" json:"referred_id"`
	EventType     EventType    `gorm:"type:text;not null;uniqueIndex:ux_referral_referred_type,priority:2" json:"event_type"`
	RewardGranted bool         `gorm:"not null;default:false;index:idx_referral_pending,priority:1" json:"reward_granted"`
	RewardKind    *string      `gorm:"type:text" json:"reward_kind,omitempty"`
	DaysAwarded   int          `gorm:"not null;default:0" json:"days_awarded"`
	PendingUntil  *time.Time   `gorm:"index:idx_referral_pending,priority:2" json:"pending_until,omitempty"`
	CreatedAt     time.Time    `gorm:"not null;index:idx_referral_referrer_created,priority:2" json:"created_at"`
	UpdatedAt     time.Time    `gorm:"not null" json:"updated_at"`
}

func (Event) TableName() string { return "referral_events" }
