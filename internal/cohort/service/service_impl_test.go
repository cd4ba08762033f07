package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/dayledger/internal/account/domain"
	"github.com/smallbiznis/dayledger/internal/clock"
	"github.com/smallbiznis/dayledger/internal/cohort/domain"
	ledgerdomain "github.com/smallbiznis/dayledger/internal/ledger/domain"
	"github.com/smallbiznis/dayledger/internal/migration/migrationtest"
	paymentdomain "github.com/smallbiznis/dayledger/internal/payment/domain"
	referraldomain "github.com/smallbiznis/dayledger/internal/referral/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func seedAccount(t *testing.T, db *gorm.DB, id snowflake.ID, cohort time.Time, status ledgerdomain.Status, paidUntil *time.Time) {
	t.Helper()
	require.NoError(t, db.Create(&accountdomain.Account{
		ID:         id,
		ExternalID: id.String(),
		CohortDate: datatypes.Date(cohort),
		CreatedAt:  cohort,
		UpdatedAt:  cohort,
	}).Error)
	require.NoError(t, db.Create(&ledgerdomain.Balance{
		AccountID: id,
		PaidUntil: paidUntil,
		Status:    status,
		CreatedAt: cohort,
		UpdatedAt: cohort,
	}).Error)
}

func seedPayment(t *testing.T, db *gorm.DB, id, accountID snowflake.ID, amount int64, status paymentdomain.Status) {
	t.Helper()
	require.NoError(t, db.Create(&paymentdomain.Payment{
		ID:          id,
		AccountID:   accountID,
		Amount:      amount,
		Currency:    "RUB",
		Method:      paymentdomain.MethodTBank,
		Tariff:      "monthly",
		Status:      status,
		DaysAwarded: 30,
		CreatedAt:   time.Now().UTC(),
	}).Error)
}

func metricFor(t *testing.T, rows []domain.Metric, cohort time.Time, dayNumber int) domain.Metric {
	t.Helper()
	for _, r := range rows {
		if time.Time(r.CohortDate).Equal(cohort) && r.DayNumber == dayNumber {
			return r
		}
	}
	t.Fatalf("no metric for cohort %s day %d", cohort.Format(time.DateOnly), dayNumber)
	return domain.Metric{}
}

func TestRefreshAggregatesPerCohort(t *testing.T) {
	db := migrationtest.Open(t)
	fake := clock.NewFakeClock(time.Date(2025, 5, 10, 12, 0, 0, 0, time.UTC))
	svc := NewService(Params{DB: db, Log: zap.NewNop(), Clock: fake})
	ctx := context.Background()

	paidUntil := day(2025, 6, 1)
	seedAccount(t, db, 1, day(2025, 5, 8), ledgerdomain.StatusActive, &paidUntil)
	seedAccount(t, db, 2, day(2025, 5, 8), ledgerdomain.StatusExpired, nil)
	seedAccount(t, db, 3, day(2025, 5, 10), ledgerdomain.StatusActive, nil)
	seedPayment(t, db, 10, 1, 19900, paymentdomain.StatusSuccess)
	seedPayment(t, db, 11, 2, 49000, paymentdomain.StatusFailed)
	require.NoError(t, db.Create(&referraldomain.Event{
		ID:         20,
		ReferrerID: 1,
		ReferredID: 3,
		EventType:  referraldomain.EventBotCreated,
		CreatedAt:  fake.Now(),
		UpdatedAt:  fake.Now(),
	}).Error)

	written, err := svc.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, written)

	rows, err := svc.List(ctx, day(2025, 5, 1), day(2025, 5, 31))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	older := metricFor(t, rows, day(2025, 5, 8), 2)
	assert.EqualValues(t, 2, older.UsersCount)
	assert.EqualValues(t, 1, older.ActiveUsers)
	assert.EqualValues(t, 1, older.PaidUsers)
	assert.EqualValues(t, 19900, older.TotalRevenue)
	assert.InDelta(t, 0.5, older.AvgReferrals, 0.0001)

	newer := metricFor(t, rows, day(2025, 5, 10), 0)
	assert.EqualValues(t, 1, newer.UsersCount)
	assert.EqualValues(t, 1, newer.ActiveUsers)
	assert.Zero(t, newer.PaidUsers)
	assert.Zero(t, newer.TotalRevenue)
}

func TestRefreshOverwritesTodayAndKeepsHistory(t *testing.T) {
	db := migrationtest.Open(t)
	fake := clock.NewFakeClock(time.Date(2025, 5, 10, 3, 0, 0, 0, time.UTC))
	svc := NewService(Params{DB: db, Log: zap.NewNop(), Clock: fake})
	ctx := context.Background()

	seedAccount(t, db, 1, day(2025, 5, 8), ledgerdomain.StatusFrozen, nil)

	_, err := svc.Refresh(ctx)
	require.NoError(t, err)

	require.NoError(t, db.Model(&ledgerdomain.Balance{}).Where("account_id = ?", 1).
		Update("status", ledgerdomain.StatusActive).Error)
	_, err = svc.Refresh(ctx)
	require.NoError(t, err)

	rows, err := svc.List(ctx, day(2025, 5, 8), day(2025, 5, 8))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 1, rows[0].ActiveUsers)

	fake.Advance(24 * time.Hour)
	_, err = svc.Refresh(ctx)
	require.NoError(t, err)

	rows, err = svc.List(ctx, day(2025, 5, 8), day(2025, 5, 8))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 2, rows[0].DayNumber)
	assert.Equal(t, 3, rows[1].DayNumber)
}

func TestRefreshWithoutAccounts(t *testing.T) {
	db := migrationtest.Open(t)
	svc := NewService(Params{DB: db, Log: zap.NewNop(), Clock: clock.NewFakeClock(time.Now())})

	written, err := svc.Refresh(context.Background())
	require.NoError(t, err)
	assert.Zero(t, written)
}
