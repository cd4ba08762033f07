package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Actions written to the audit trail.
const (
	ActionUserRegistered        = "USER_REGISTERED"
	ActionSubscriptionChanged   = "SUBSCRIPTION_CHANGED"
	ActionStatusChanged         = "STATUS_CHANGED"
	ActionDaysExpired           = "DAYS_EXPIRED"
	ActionDaysGranted           = "DAYS_GRANTED"
	ActionAddDaysError          = "ADD_DAYS_ERROR"
	ActionBotsPaused            = "BOTS_PAUSED"
	ActionBotsResumed           = "BOTS_RESUMED"
	ActionUserDeletedAuto       = "USER_DELETED_AUTO"
	ActionReferralAbuseDetected = "REFERRAL_ABUSE_DETECTED"
	ActionReferralRewarded      = "REFERRAL_REWARDED"
	ActionReferralExpired       = "REFERRAL_EXPIRED"
	ActionReferralNotRecorded   = "REFERRAL_NOT_RECORDED"
	ActionPaymentCreated        = "PAYMENT_CREATED"
	ActionPaymentSucceeded      = "PAYMENT_SUCCEEDED"
	ActionPaymentFailed         = "PAYMENT_FAILED"
	ActionPaymentRejected       = "PAYMENT_REJECTED"
	ActionBillingError          = "BILLING_ERROR"
	ActionAdminGrant            = "ADMIN_GRANT"
	ActionAuthorizationDenied   = "AUTHORIZATION_DENIED"
	ActionAuthorizationGranted  = "AUTHORIZATION_GRANTED"
)

// AuditEntry is a write-only diagnostic record. Business logic never reads it.
type AuditEntry struct {
	ID        snowflake.ID      `gorm:"primaryKey" json:"id"`
	AccountID *snowflake.ID     `gorm:"index" json:"account_id,omitempty"`
	ActorType string            `gorm:"type:text;not null;default:'system'" json:"actor_type"`
	ActorID   *string           `gorm:"type:text" json:"actor_id,omitempty"`
	Action    string            `gorm:"type:text;not null;index" json:"action"`
	Details   datatypes.JSONMap `json:"details,omitempty"`
	CreatedAt time.Time         `gorm:"not null;index" json:"created_at"`
}

func (AuditEntry) TableName() string { return "audit_log" }
