package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/dayledger/internal/account/domain"
	accountrepo "github.com/smallbiznis/dayledger/internal/account/repository"
	accountservice "github.com/smallbiznis/dayledger/internal/account/service"
	auditdomain "github.com/smallbiznis/dayledger/internal/audit/domain"
	auditrepo "github.com/smallbiznis/dayledger/internal/audit/repository"
	auditservice "github.com/smallbiznis/dayledger/internal/audit/service"
	"github.com/smallbiznis/dayledger/internal/cache"
	"github.com/smallbiznis/dayledger/internal/clock"
	"github.com/smallbiznis/dayledger/internal/config"
	ledgerdomain "github.com/smallbiznis/dayledger/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/dayledger/internal/ledger/service"
	lifecycledomain "github.com/smallbiznis/dayledger/internal/lifecycle/domain"
	lifecycleservice "github.com/smallbiznis/dayledger/internal/lifecycle/service"
	"github.com/smallbiznis/dayledger/internal/migration/migrationtest"
	"github.com/smallbiznis/dayledger/internal/notification"
	paymentdomain "github.com/smallbiznis/dayledger/internal/payment/domain"
	"github.com/smallbiznis/dayledger/internal/referral/domain"
	"github.com/smallbiznis/dayledger/internal/referral/repository"
	resourcerepo "github.com/smallbiznis/dayledger/internal/resource/repository"
	resourceservice "github.com/smallbiznis/dayledger/internal/resource/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db        *gorm.DB
	clock     *clock.FakeClock
	node      *snowflake.Node
	accounts  accountdomain.Service
	ledger    ledgerdomain.Service
	lifecycle lifecycledomain.Service
	svc       domain.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := migrationtest.Open(t)
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
	cfg := config.Config{
		Ledger:    config.LedgerConfig{InitialTrialDays: 10, MaxRetries: 5},
		Lifecycle: config.LifecycleConfig{ResourceCeiling: 5, ReferralGraceDays: 14},
		Scheduler: config.SchedulerConfig{ScanInterval: time.Hour, BatchSize: 2},
	}
	log := zap.NewNop()
	statusCache := cache.NoopStatusCache{}

	audit := auditservice.NewService(auditservice.Params{DB: db, Log: log, GenID: node, Clock: fake, Repo: auditrepo.Provide()})
	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB: db, Log: log, GenID: node, Clock: fake, Cfg: cfg, AuditSvc: audit, Cache: statusCache,
	})
	accounts := accountservice.New(accountservice.Params{
		DB: db, Log: log, GenID: node, Clock: fake, Cfg: cfg,
		Repo: accountrepo.Provide(), LedgerSvc: ledger, AuditSvc: audit, Cache: statusCache,
	})
	resources := resourcerepo.Provide()
	lifecycle := lifecycleservice.NewService(lifecycleservice.Params{
		DB:           db,
		Log:          log,
		Clock:        fake,
		Cfg:          cfg,
		AccountSvc:   accounts,
		LedgerSvc:    ledger,
		AuditSvc:     audit,
		ResourceRepo: resources,
		Controller:   resourceservice.NewController(resourceservice.Params{DB: db, Log: log, Clock: fake, Repo: resources}),
		Cache:        statusCache,
	})

	svc := NewService(Params{
		DB:           db,
		Log:          log,
		GenID:        node,
		Clock:        fake,
		Cfg:          cfg,
		Catalog:      config.NewStaticCatalogHolder(config.DefaultCatalog()),
		Repo:         repository.Provide(),
		AccountSvc:   accounts,
		LedgerSvc:    ledger,
		LifecycleSvc: lifecycle,
		AuditSvc:     audit,
	})
	return &fixture{db: db, clock: fake, node: node, accounts: accounts, ledger: ledger, lifecycle: lifecycle, svc: svc}
}

func (f *fixture) register(t *testing.T, externalID, referrerExternalID string) snowflake.ID {
	t.Helper()
	res, err := f.accounts.Register(context.Background(), accountdomain.RegisterRequest{
		ExternalID:         externalID,
		ReferrerExternalID: referrerExternalID,
	})
	require.NoError(t, err)
	return res.Account.ID
}

func (f *fixture) activate(t *testing.T, id snowflake.ID) {
	t.Helper()
	on := true
	res, err := f.lifecycle.Evaluate(context.Background(), id, &on)
	require.NoError(t, err)
	require.Equal(t, ledgerdomain.StatusActive, res.Status)
}

func (f *fixture) pay(t *testing.T, accountID snowflake.ID) {
	t.Helper()
	now := f.clock.Now()
	require.NoError(t, f.db.Create(&paymentdomain.Payment{
		ID:          f.node.Generate(),
		AccountID:   accountID,
		Amount:      19900,
		Currency:    "RUB",
		Method:      paymentdomain.MethodTBank,
		Tariff:      "monthly",
		Status:      paymentdomain.StatusSuccess,
		DaysAwarded: 30,
		CreatedAt:   now,
		CompletedAt: &now,
	}).Error)
}

func (f *fixture) bonus(t *testing.T, id snowflake.ID) int {
	t.Helper()
	snap, err := f.ledger.Snapshot(context.Background(), id)
	require.NoError(t, err)
	return snap.BonusDays
}

func (f *fixture) auditCount(t *testing.T, accountID snowflake.ID, action string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.db.Model(&auditdomain.AuditEntry{}).
		Where("account_id = ? AND action = ?", accountID, action).
		Count(&count).Error)
	return count
}

func TestHandleNewAccountCreatesPendingEdge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	referrer := f.register(t, "100", "")
	referred := f.register(t, "101", "100")

	res, err := f.svc.HandleNewAccount(ctx, referred, referrer)
	require.NoError(t, err)
	require.False(t, res.Rejected)
	require.NotNil(t, res.Event)
	assert.Equal(t, domain.EventBotCreated, res.Event.EventType)
	require.NotNil(t, res.Event.PendingUntil)
	assert.True(t, res.Event.PendingUntil.Equal(f.clock.Now().Add(3*24*time.Hour)))

	require.Len(t, res.Events, 1)
	assert.Equal(t, notification.EventReferralRegistered, res.Events[0].Type)
	assert.Equal(t, referrer, res.Events[0].AccountID)
}

func TestSelfReferralIsRejected(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, "110", "")

	_, err := f.svc.HandleNewAccount(context.Background(), id, id)
	assert.ErrorIs(t, err, domain.ErrSelfReferral)
	assert.Equal(t, ledgerdomain.KindValidation, ledgerdomain.KindOf(err))
	assert.EqualValues(t, 1, f.auditCount(t, id, auditdomain.ActionReferralNotRecorded))
}

func TestHandleNewAccountAuditsDuplicateEdge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.register(t, "130", "")
	second := f.register(t, "131", "")
	referred := f.register(t, "132", "")

	_, err := f.svc.HandleNewAccount(ctx, referred, first)
	require.NoError(t, err)
	assert.Zero(t, f.auditCount(t, first, auditdomain.ActionReferralNotRecorded))

	_, err = f.svc.HandleNewAccount(ctx, referred, second)
	assert.ErrorIs(t, err, domain.ErrReferralExists)
	assert.EqualValues(t, 1, f.auditCount(t, second, auditdomain.ActionReferralNotRecorded))
}

func TestReferralEdgeIsUniquePerReferredAndType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.register(t, "120", "")
	second := f.register(t, "121", "")
	referred := f.register(t, "122", "")

	_, err := f.svc.CreateReferralEvent(ctx, first, referred, domain.EventBotCreated, time.Hour)
	require.NoError(t, err)

	_, err = f.svc.CreateReferralEvent(ctx, second, referred, domain.EventBotCreated, time.Hour)
	assert.ErrorIs(t, err, domain.ErrReferralExists)
	assert.Equal(t, ledgerdomain.KindIntegrity, ledgerdomain.KindOf(err))

	_, err = f.svc.CreateReferralEvent(ctx, first, referred, domain.EventFirstPayment, 0)
	assert.NoError(t, err)
}

func TestAbuseGuardRejectsEdgesOverDailyLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	referrer := f.register(t, "200", "")

	for i := 0; i < 10; i++ {
		referred := f.node.Generate()
		res, err := f.svc.HandleNewAccount(ctx, referred, referrer)
		require.NoError(t, err)
		require.False(t, res.Rejected)
	}

	res, err := f.svc.HandleNewAccount(ctx, f.node.Generate(), referrer)
	require.NoError(t, err)
	assert.True(t, res.Rejected)
	assert.Nil(t, res.Event)
	assert.Empty(t, res.Events)
	assert.EqualValues(t, 1, f.auditCount(t, referrer, auditdomain.ActionReferralAbuseDetected))

	f.clock.Advance(25 * time.Hour)
	res, err = f.svc.HandleNewAccount(ctx, f.node.Generate(), referrer)
	require.NoError(t, err)
	assert.False(t, res.Rejected)
}

func TestProcessPendingRewardsActiveReferralAfterDelay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	referrer := f.register(t, "300", "")
	referred := f.register(t, "301", "300")
	f.activate(t, referred)

	_, err := f.svc.HandleNewAccount(ctx, referred, referrer)
	require.NoError(t, err)

	summary, err := f.svc.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Scanned)

	f.clock.Advance(3 * 24 * time.Hour)
	summary, err = f.svc.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Rewarded)
	assert.Equal(t, 7, f.bonus(t, referrer))

	var rewarded int
	for _, e := range summary.Events {
		if e.Type == notification.EventReferralRewarded {
			rewarded++
			assert.Equal(t, referrer, e.AccountID)
		}
	}
	assert.Equal(t, 1, rewarded)

	summary, err = f.svc.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Scanned)
	assert.Equal(t, 7, f.bonus(t, referrer))
}

func TestProcessPendingExpiresInactiveReferralAfterGrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	referrer := f.register(t, "400", "")
	referred := f.register(t, "401", "400")

	res, err := f.svc.HandleNewAccount(ctx, referred, referrer)
	require.NoError(t, err)

	f.clock.Advance(3 * 24 * time.Hour)
	summary, err := f.svc.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Waiting)
	assert.Zero(t, summary.Rewarded)

	f.clock.Advance(14 * 24 * time.Hour)
	summary, err = f.svc.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Expired)
	assert.EqualValues(t, 1, f.auditCount(t, referrer, auditdomain.ActionReferralExpired))

	var stored domain.Event
	require.NoError(t, f.db.Where("id = ?", res.Event.ID).Take(&stored).Error)
	assert.False(t, stored.RewardGranted)
	require.NotNil(t, stored.RewardKind)
	assert.Equal(t, domain.RewardKindExpired, *stored.RewardKind)
	assert.Nil(t, stored.PendingUntil)

	summary, err = f.svc.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Scanned)
	assert.Zero(t, f.bonus(t, referrer))
}

func TestProcessPendingPagesThroughBatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	referrer := f.register(t, "500", "")
	for i := 0; i < 5; i++ {
		referred := f.register(t, fmt.Sprintf("50%d", i+1), "500")
		f.activate(t, referred)
		_, err := f.svc.HandleNewAccount(ctx, referred, referrer)
		require.NoError(t, err)
	}

	f.clock.Advance(3 * 24 * time.Hour)
	summary, err := f.svc.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Scanned)
	assert.Equal(t, 5, summary.Rewarded)
	assert.Equal(t, 35, f.bonus(t, referrer))

	snap, err := f.ledger.Snapshot(ctx, referrer)
	require.NoError(t, err)
	assert.True(t, snap.IsPremium)
}

func TestHandleFirstPaymentRewardsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	referrer := f.register(t, "600", "")
	referred := f.register(t, "601", "600")
	_, err := f.svc.HandleNewAccount(ctx, referred, referrer)
	require.NoError(t, err)

	f.pay(t, referred)
	res, err := f.svc.HandleFirstPayment(ctx, referred)
	require.NoError(t, err)
	assert.True(t, res.Rewarded)
	assert.Equal(t, 15, res.ReferrerDays)
	assert.Equal(t, 10, res.ReferredDays)
	assert.Equal(t, 15, f.bonus(t, referrer))
	assert.Equal(t, 10, f.bonus(t, referred))

	res, err = f.svc.HandleFirstPayment(ctx, referred)
	require.NoError(t, err)
	assert.False(t, res.Rewarded)

	f.pay(t, referred)
	res, err = f.svc.HandleFirstPayment(ctx, referred)
	require.NoError(t, err)
	assert.False(t, res.Rewarded)
	assert.Equal(t, 15, f.bonus(t, referrer))
	assert.Equal(t, 10, f.bonus(t, referred))
}

func TestHandleFirstPaymentRollsBackBothCreditsTogether(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	referrer := f.register(t, "650", "")
	referred := f.register(t, "651", "650")
	_, err := f.svc.HandleNewAccount(ctx, referred, referrer)
	require.NoError(t, err)
	f.pay(t, referred)

	injected := errors.New("injected transient failure")
	armed := false
	balanceUpdates := 0
	require.NoError(t, f.db.Callback().Update().Before("gorm:update").Register("test:fail_welcome_grant", func(tx *gorm.DB) {
		if !armed || tx.Statement.Table != "balances" {
			return
		}
		balanceUpdates++
		if balanceUpdates == 2 {
			_ = tx.AddError(injected)
		}
	}))

	armed = true
	_, err = f.svc.HandleFirstPayment(ctx, referred)
	require.ErrorIs(t, err, injected)
	armed = false

	assert.Zero(t, f.bonus(t, referrer))
	assert.Zero(t, f.bonus(t, referred))
	assert.Zero(t, f.auditCount(t, referrer, auditdomain.ActionReferralRewarded))

	res, err := f.svc.HandleFirstPayment(ctx, referred)
	require.NoError(t, err)
	assert.True(t, res.Rewarded)
	assert.Equal(t, 15, f.bonus(t, referrer))
	assert.Equal(t, 10, f.bonus(t, referred))
	assert.NotEmpty(t, res.Events)
}

func TestHandleFirstPaymentWithoutReferrerIsNoop(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, "700", "")
	f.pay(t, id)

	res, err := f.svc.HandleFirstPayment(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, res.Rewarded)
	assert.Zero(t, f.bonus(t, id))
}

func TestStatsSummarizesReferrer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	referrer := f.register(t, "800", "")
	active := f.register(t, "801", "800")
	idle := f.register(t, "802", "800")
	f.activate(t, active)

	for _, referred := range []snowflake.ID{active, idle} {
		_, err := f.svc.HandleNewAccount(ctx, referred, referrer)
		require.NoError(t, err)
	}
	f.clock.Advance(3 * 24 * time.Hour)
	_, err := f.svc.ProcessPending(ctx)
	require.NoError(t, err)

	stats, err := f.svc.Stats(ctx, referrer)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Total)
	assert.EqualValues(t, 1, stats.Active)
	assert.EqualValues(t, 1, stats.Pending)
	assert.EqualValues(t, 1, stats.Rewarded)
	assert.EqualValues(t, 7, stats.DaysEarned)
	assert.Equal(t, 7, stats.BonusDays)
	assert.Equal(t, 23, stats.DaysToPremium)
	assert.Len(t, stats.Recent, 2)
}
