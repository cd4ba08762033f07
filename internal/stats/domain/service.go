package domain

import (
	"context"
	"time"
)

// Daily is the operator-facing snapshot used by the admin summary.
type Daily struct {
	TotalAccounts       int64     `json:"total_accounts"`
	ActiveSubscribers   int64     `json:"active_subscribers"`
	ActiveAccounts      int64     `json:"active_accounts"`
	TotalResources      int64     `json:"total_resources"`
	TotalPayments       int64     `json:"total_payments"`
	TotalRevenue        int64     `json:"total_revenue"`
	TotalDaysSold       int64     `json:"total_days_sold"`
	TotalReferrals      int64     `json:"total_referrals"`
	CompletedReferrals  int64     `json:"completed_referrals"`
	ReferralDaysAwarded int64     `json:"referral_days_awarded"`
	GeneratedAt         time.Time `json:"generated_at"`
}

type Service interface {
	Daily(ctx context.Context) (Daily, error)
}
