package service

import (
	"context"

	accountdomain "github.com/smallbiznis/dayledger/internal/account/domain"
	"github.com/smallbiznis/dayledger/internal/clock"
	ledgerdomain "github.com/smallbiznis/dayledger/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/dayledger/internal/payment/domain"
	referraldomain "github.com/smallbiznis/dayledger/internal/referral/domain"
	resourcedomain "github.com/smallbiznis/dayledger/internal/resource/domain"
	"github.com/smallbiznis/dayledger/internal/stats/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("stats.service"),
		clock: p.Clock,
	}
}

type accountTotals struct {
	Total      int64 `gorm:"column:total"`
	Subscribed int64 `gorm:"column:subscribed"`
	Active     int64 `gorm:"column:active"`
}

type paymentTotals struct {
	Count   int64 `gorm:"column:count"`
	Revenue int64 `gorm:"column:revenue"`
	Days    int64 `gorm:"column:days"`
}

type referralTotals struct {
	Total     int64 `gorm:"column:total"`
	Completed int64 `gorm:"column:completed"`
	Days      int64 `gorm:"column:days"`
}

func (s *Service) Daily(ctx context.Context) (domain.Daily, error) {
	db := s.db.WithContext(ctx)
	out := domain.Daily{GeneratedAt: s.clock.Now()}

	var accounts accountTotals
	if err := db.Model(&accountdomain.Account{}).
		Select(`COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN accounts.subscribed THEN 1 ELSE 0 END), 0) AS subscribed,
			COALESCE(SUM(CASE WHEN balances.status = ? THEN 1 ELSE 0 END), 0) AS active`, ledgerdomain.StatusActive).
		Joins("LEFT JOIN balances ON balances.account_id = accounts.id").
		Scan(&accounts).Error; err != nil {
		return domain.Daily{}, err
	}
	out.TotalAccounts = accounts.Total
	out.ActiveSubscribers = accounts.Subscribed
	out.ActiveAccounts = accounts.Active

	if err := db.Model(&resourcedomain.Resource{}).Count(&out.TotalResources).Error; err != nil {
		return domain.Daily{}, err
	}

	var payments paymentTotals
	if err := db.Model(&paymentdomain.Payment{}).
		Select("COUNT(*) AS count, COALESCE(SUM(amount), 0) AS revenue, COALESCE(SUM(days_awarded), 0) AS days").
		Where("status = ?", paymentdomain.StatusSuccess).
		Scan(&payments).Error; err != nil {
		return domain.Daily{}, err
	}
	out.TotalPayments = payments.Count
	out.TotalRevenue = payments.Revenue
	out.TotalDaysSold = payments.Days

	var referrals referralTotals
	if err := db.Model(&referraldomain.Event{}).
		Select(`COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN reward_granted THEN 1 ELSE 0 END), 0) AS completed,
			COALESCE(SUM(days_awarded), 0) AS days`).
		Scan(&referrals).Error; err != nil {
		return domain.Daily{}, err
	}
	out.TotalReferrals = referrals.Total
	out.CompletedReferrals = referrals.Completed
	out.ReferralDaysAwarded = referrals.Days

	return out, nil
}

