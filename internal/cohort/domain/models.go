package domain

import (
	"context"
	"time"

	"gorm.io/datatypes"
)

// Metric is the retention aggregate of one registration cohort on one day.
type Metric struct {
	CohortDate   datatypes.Date `gorm:"primaryKey;index:idx_cohort_metrics_date" json:"cohort_date"`
	DayNumber    int            `gorm:"primaryKey;autoIncrement:false" json:"day_number"`
	UsersCount   int64          `gorm:"not null;default:0" json:"users_count"`
	ActiveUsers  int64          `gorm:"not null;default:0" json:"active_users"`
	PaidUsers    int64          `gorm:"not null;default:0" json:"paid_users"`
	TotalRevenue int64          `gorm:"not null;default:0" json:"total_revenue"`
	AvgReferrals float64        `gorm:"not null;default:0" json:"avg_referrals"`
	UpdatedAt    time.Time      `gorm:"not null" json:"updated_at"`
}

func (Metric) TableName() string { return "cohort_metrics" }

type Service interface {
	// Refresh recomputes today's row for every cohort and returns how many were written.
	Refresh(ctx context.Context) (int, error)
	List(ctx context.Context, from, to time.Time) ([]Metric, error)
}
