package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Account is one tenant, created on first contact.
type Account struct {
	ID         snowflake.ID   `gorm:"primaryKey" json:"id"`
	ExternalID string         `gorm:"type:text;not null;uniqueIndex:ux_accounts_external_id" json:"external_id"`
	Username   string         `gorm:"type:text" json:"username,omitempty"`
	FirstName  string         `gorm:"type:text" json:"first_name,omitempty"`
	ReferrerID *snowflake.ID  `gorm:"index:idx_accounts_referrer" json:"referrer_id,omitempty"`
	CohortDate datatypes.Date `gorm:"not null;index:idx_accounts_cohort" json:"cohort_date"`
	Subscribed bool           `gorm:"not null;default:false" json:"subscribed"`
	CreatedAt  time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"not null" json:"updated_at"`
}

func (Account) TableName() string { return "accounts" }

// SweepCandidate is an account selected for the daily consumption sweep.
type SweepCandidate struct {
	AccountID  snowflake.ID
	Subscribed bool
}
