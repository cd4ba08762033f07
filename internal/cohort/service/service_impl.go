package service

import (
	"context"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/dayledger/internal/account/domain"
	"github.com/smallbiznis/dayledger/internal/clock"
	"github.com/smallbiznis/dayledger/internal/cohort/domain"
	ledgerdomain "github.com/smallbiznis/dayledger/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/dayledger/internal/payment/domain"
	referraldomain "github.com/smallbiznis/dayledger/internal/referral/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
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
		log:   p.Log.Named("cohort.service"),
		clock: p.Clock,
	}
}

type memberRow struct {
	ID         snowflake.ID   `gorm:"column:id"`
	CohortDate datatypes.Date `gorm:"column:cohort_date"`
	Status     *string        `gorm:"column:status"`
	PaidUntil  *time.Time     `gorm:"column:paid_until"`
}

type sumRow struct {
	AccountID snowflake.ID `gorm:"column:account_id"`
	Total     int64        `gorm:"column:total"`
}

type bucket struct {
	users     int64
	active    int64
	paid      int64
	revenue   int64
	referrals int64
}

// Refresh rebuilds the row for today's day number of every cohort. Rows of
// earlier days are kept, so the table accumulates one retention curve per cohort.
func (s *Service) Refresh(ctx context.Context) (int, error) {
	now := s.clock.Now().UTC()
	today := truncateDay(now)

	db := s.db.WithContext(ctx)

	var members []memberRow
	if err := db.Model(&accountdomain.Account{}).
		Select("accounts.id, accounts.cohort_date, balances.status, balances.paid_until").
		Joins("LEFT JOIN balances ON balances.account_id = accounts.id").
		Scan(&members).Error; err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}

	revenue, err := s.sums(db.Model(&paymentdomain.Payment{}).
		Select("account_id, SUM(amount) AS total").
		Where("status = ?", paymentdomain.StatusSuccess).
		Group("account_id"))
	if err != nil {
		return 0, err
	}
	referrals, err := s.sums(db.Model(&referraldomain.Event{}).
		Select("referrer_id AS account_id, COUNT(*) AS total").
		Group("referrer_id"))
	if err != nil {
		return 0, err
	}

	buckets := make(map[time.Time]*bucket)
	for _, m := range members {
		cohort := truncateDay(time.Time(m.CohortDate))
		if cohort.After(today) {
			continue
		}
		b, ok := buckets[cohort]
		if !ok {
			b = &bucket{}
			buckets[cohort] = b
		}
		b.users++
		if m.Status != nil && ledgerdomain.Status(*m.Status) == ledgerdomain.StatusActive {
			b.active++
		}
		if m.PaidUntil != nil && !m.PaidUntil.Before(today) {
			b.paid++
		}
		b.revenue += revenue[m.ID]
		b.referrals += referrals[m.ID]
	}

	rows := make([]domain.Metric, 0, len(buckets))
	for cohort, b := range buckets {
		avg := 0.0
		if b.users > 0 {
			avg = float64(b.referrals) / float64(b.users)
		}
		rows = append(rows, domain.Metric{
			CohortDate:   datatypes.Date(cohort),
			DayNumber:    int(today.Sub(cohort).Hours() / 24),
			UsersCount:   b.users,
			ActiveUsers:  b.active,
			PaidUsers:    b.paid,
			TotalRevenue: b.revenue,
			AvgReferrals: avg,
			UpdatedAt:    now,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		return time.Time(rows[i].CohortDate).Before(time.Time(rows[j].CohortDate))
	})

	if err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "cohort_date"}, {Name: "day_number"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"users_count", "active_users", "paid_users", "total_revenue", "avg_referrals", "updated_at",
		}),
	}).Create(&rows).Error; err != nil {
		return 0, err
	}

	s.log.Info("cohort metrics refreshed", zap.Int("cohorts", len(rows)))
	return len(rows), nil
}

func (s *Service) sums(query *gorm.DB) (map[snowflake.ID]int64, error) {
	var rows []sumRow
	if err := query.Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[snowflake.ID]int64, len(rows))
	for _, r := range rows {
		out[r.AccountID] = r.Total
	}
	return out, nil
}

// List returns metrics for cohorts registered within [from, to], oldest first.
func (s *Service) List(ctx context.Context, from, to time.Time) ([]domain.Metric, error) {
	var rows []domain.Metric
	err := s.db.WithContext(ctx).
		Where("cohort_date >= ? AND cohort_date <= ?", datatypes.Date(truncateDay(from)), datatypes.Date(truncateDay(to))).
		Order("cohort_date ASC, day_number ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
