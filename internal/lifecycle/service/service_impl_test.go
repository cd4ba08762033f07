package service

import (
	"context"
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
	"github.com/smallbiznis/dayledger/internal/migration/migrationtest"
	"github.com/smallbiznis/dayledger/internal/notification"
	resourcedomain "github.com/smallbiznis/dayledger/internal/resource/domain"
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
	resources resourcedomain.Repository
	svc       lifecycledomain.Service
}

func newFixture(t *testing.T, trialDays int) *fixture {
	t.Helper()

	db := migrationtest.Open(t)
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2025, 4, 1, 3, 0, 0, 0, time.UTC))
	cfg := config.Config{
		Ledger:    config.LedgerConfig{InitialTrialDays: trialDays, MaxRetries: 5},
		Lifecycle: config.LifecycleConfig{ResourceCeiling: 2},
		Scheduler: config.SchedulerConfig{ScanInterval: time.Hour},
	}
	statusCache := cache.NewLRUStatusCache(100, time.Hour)
	log := zap.NewNop()

	audit := auditservice.NewService(auditservice.Params{DB: db, Log: log, GenID: node, Clock: fake, Repo: auditrepo.Provide()})
	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB: db, Log: log, GenID: node, Clock: fake, Cfg: cfg, AuditSvc: audit, Cache: statusCache,
	})
	accounts := accountservice.New(accountservice.Params{
		DB: db, Log: log, GenID: node, Clock: fake, Cfg: cfg,
		Repo: accountrepo.Provide(), LedgerSvc: ledger, AuditSvc: audit, Cache: statusCache,
	})
	resources := resourcerepo.Provide()
	controller := resourceservice.NewController(resourceservice.Params{DB: db, Log: log, Clock: fake, Repo: resources})

	svc := NewService(Params{
		DB:           db,
		Log:          log,
		Clock:        fake,
		Cfg:          cfg,
		AccountSvc:   accounts,
		LedgerSvc:    ledger,
		AuditSvc:     audit,
		ResourceRepo: resources,
		Controller:   controller,
		Cache:        statusCache,
	})
	return &fixture{db: db, clock: fake, node: node, accounts: accounts, ledger: ledger, resources: resources, svc: svc}
}

func (f *fixture) register(t *testing.T, externalID string) snowflake.ID {
	t.Helper()
	res, err := f.accounts.Register(context.Background(), accountdomain.RegisterRequest{ExternalID: externalID})
	require.NoError(t, err)
	return res.Account.ID
}

func (f *fixture) addResource(t *testing.T, accountID snowflake.ID, running bool) snowflake.ID {
	t.Helper()
	id := f.node.Generate()
	require.NoError(t, f.resources.Insert(context.Background(), f.db, &resourcedomain.Resource{
		ID:        id,
		AccountID: accountID,
		Name:      "worker-" + id.String(),
		Running:   running,
		CreatedAt: f.clock.Now(),
		UpdatedAt: f.clock.Now(),
	}))
	return id
}

func (f *fixture) auditCount(t *testing.T, accountID snowflake.ID, action string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.db.Model(&auditdomain.AuditEntry{}).
		Where("account_id = ? AND action = ?", accountID, action).
		Count(&count).Error)
	return count
}

func subscribed(v bool) *bool { return &v }

func dayOf(t *testing.T, e notification.Event) int {
	t.Helper()
	d, ok := e.Int("day")
	require.True(t, ok)
	return d
}

func eventsOf(events []notification.Event, eventType notification.EventType) []notification.Event {
	var out []notification.Event
	for _, e := range events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func TestEvaluateTogglesResourcesWithSubscription(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	id := f.register(t, "2001")
	resourceID := f.addResource(t, id, false)

	res, err := f.svc.Evaluate(ctx, id, subscribed(true))
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.StatusActive, res.Status)
	assert.Equal(t, ledgerdomain.StatusFrozen, res.Previous)
	assert.True(t, res.Changed)

	got, err := f.resources.FindByID(ctx, f.db, resourceID)
	require.NoError(t, err)
	assert.True(t, got.Running)
	assert.EqualValues(t, 1, f.auditCount(t, id, auditdomain.ActionBotsResumed))

	res, err = f.svc.Evaluate(ctx, id, subscribed(false))
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.StatusFrozen, res.Status)

	got, err = f.resources.FindByID(ctx, f.db, resourceID)
	require.NoError(t, err)
	assert.False(t, got.Running)
	assert.EqualValues(t, 1, f.auditCount(t, id, auditdomain.ActionBotsPaused))

	account, err := f.accounts.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, account.Subscribed)
}

func TestEvaluateServesRepeatedCallsFromMemo(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	id := f.register(t, "2002")

	first, err := f.svc.Evaluate(ctx, id, subscribed(true))
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := f.svc.Evaluate(ctx, id, subscribed(true))
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, ledgerdomain.StatusActive, second.Status)
}

func TestEvaluateUnknownAccount(t *testing.T) {
	f := newFixture(t, 10)
	_, err := f.svc.Evaluate(context.Background(), snowflake.ID(12345), nil)
	assert.ErrorIs(t, err, ledgerdomain.ErrAccountNotFound)
}

func TestConsumeDayNotifiesExpiryOnce(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	id := f.register(t, "2003")
	_, err := f.svc.Evaluate(ctx, id, subscribed(true))
	require.NoError(t, err)

	res, err := f.svc.ConsumeDay(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.Consumed)
	assert.Equal(t, ledgerdomain.StatusExpired, res.Status.Status)
	warnings := eventsOf(res.Events, notification.EventExpiryWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, 0, dayOf(t, warnings[0]))

	f.clock.Advance(24 * time.Hour)
	res, err = f.svc.ConsumeDay(ctx, id)
	require.NoError(t, err)
	assert.False(t, res.Consumed)
	assert.Empty(t, res.Events)
}

func TestConsumeDayLeavesFrozenAccountAlone(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	id := f.register(t, "2011")

	res, err := f.svc.ConsumeDay(ctx, id)
	require.NoError(t, err)
	assert.False(t, res.Consumed)
	assert.Equal(t, ledgerdomain.StatusFrozen, res.Status.Status)
	assert.Empty(t, res.Events)

	snap, err := f.ledger.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.StatusFrozen, snap.Status)
	assert.Zero(t, f.auditCount(t, id, auditdomain.ActionDaysExpired))
	assert.Zero(t, f.auditCount(t, id, auditdomain.ActionStatusChanged))
}

func TestPremiumDropsBelowThreshold(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	id := f.register(t, "2004")

	res, err := f.svc.Evaluate(ctx, id, subscribed(true))
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.StatusExpired, res.Status)

	added, err := f.svc.AddDays(ctx, id, ledgerdomain.PremiumThreshold, ledgerdomain.BalanceBonus, "promo", "")
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.StatusActive, added.Status.Status)
	assert.Len(t, eventsOf(added.Events, notification.EventDaysAdded), 1)

	snap, err := f.ledger.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.True(t, snap.IsPremium)
	require.NotNil(t, snap.PremiumSince)
	firstSince := *snap.PremiumSince

	_, err = f.svc.ConsumeDay(ctx, id)
	require.NoError(t, err)

	snap, err = f.ledger.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.PremiumThreshold-1, snap.BonusDays)
	assert.False(t, snap.IsPremium)
	require.NotNil(t, snap.PremiumSince)
	assert.True(t, firstSince.Equal(*snap.PremiumSince))

	f.clock.Advance(48 * time.Hour)
	_, err = f.svc.AddDays(ctx, id, 1, ledgerdomain.BalanceBonus, "promo", "")
	require.NoError(t, err)

	snap, err = f.ledger.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.True(t, snap.IsPremium)
	require.NotNil(t, snap.PremiumSince)
	assert.True(t, firstSince.Equal(*snap.PremiumSince), "re-upgrade moved premium_since to %s", snap.PremiumSince)
}

func TestAddDaysRejectsUnknownKind(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	id := f.register(t, "2005")

	_, err := f.svc.AddDays(ctx, id, 5, ledgerdomain.BalanceKind("gift"), "oops", "")
	require.Error(t, err)
	assert.Equal(t, ledgerdomain.KindValidation, ledgerdomain.KindOf(err))
	assert.EqualValues(t, 1, f.auditCount(t, id, auditdomain.ActionAddDaysError))
}

func TestCanCreateResourceDenyReasons(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	id := f.register(t, "2006")

	ok, reason, err := f.svc.CanCreateResource(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, lifecycledomain.DenyFrozen, reason)

	_, err = f.svc.Evaluate(ctx, id, subscribed(true))
	require.NoError(t, err)
	ok, reason, err = f.svc.CanCreateResource(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, reason)

	f.addResource(t, id, true)
	f.addResource(t, id, true)
	ok, reason, err = f.svc.CanCreateResource(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, lifecycledomain.DenyResourceLimit, reason)
}

func TestCanResourceRespondFollowsOwnerStatus(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	id := f.register(t, "2007")
	resourceID := f.addResource(t, id, true)

	assert.False(t, f.svc.CanResourceRespond(ctx, resourceID))

	_, err := f.svc.Evaluate(ctx, id, subscribed(true))
	require.NoError(t, err)
	assert.True(t, f.svc.CanResourceRespond(ctx, resourceID))
	assert.False(t, f.svc.CanResourceRespond(ctx, snowflake.ID(404)))
}

func TestDaysSummaryProjectsNextConsumption(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	id := f.register(t, "2008")

	summary, err := f.svc.DaysSummary(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.TotalDays)
	assert.Nil(t, summary.NextConsumptionAt)

	_, err = f.svc.Evaluate(ctx, id, subscribed(true))
	require.NoError(t, err)
	_, err = f.svc.ConsumeDay(ctx, id)
	require.NoError(t, err)

	summary, err = f.svc.DaysSummary(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TrialDays)
	require.NotNil(t, summary.NextConsumptionAt)
	assert.True(t, summary.NextConsumptionAt.Equal(f.clock.Now().Add(24*time.Hour)))
}

func TestExpiryNotificationScanSendsEachReminderOnce(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	id := f.register(t, "2009")
	_, err := f.svc.Evaluate(ctx, id, subscribed(true))
	require.NoError(t, err)
	_, err = f.svc.ConsumeDay(ctx, id)
	require.NoError(t, err)

	var days []int
	for hour := 1; hour <= 4*24; hour++ {
		f.clock.Advance(time.Hour)
		events, err := f.svc.ExpiryNotificationScan(ctx)
		require.NoError(t, err)
		for _, e := range events {
			assert.Equal(t, id, e.AccountID)
			days = append(days, dayOf(t, e))
		}
	}
	assert.Equal(t, []int{1, 2, 3}, days)
}

func TestRetentionCleanupDeletesExpiredAccounts(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	id := f.register(t, "2010")
	_, err := f.svc.Evaluate(ctx, id, subscribed(true))
	require.NoError(t, err)
	f.addResource(t, id, true)
	_, err = f.svc.ConsumeDay(ctx, id)
	require.NoError(t, err)

	retention := 7 * 24 * time.Hour
	f.clock.Advance(retention - time.Minute)
	deleted, err := f.svc.RetentionCleanup(ctx, retention)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	f.clock.Advance(time.Minute)
	deleted, err = f.svc.RetentionCleanup(ctx, retention)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	count, err := f.resources.Count(ctx, f.db, id)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.EqualValues(t, 1, f.auditCount(t, id, auditdomain.ActionUserDeletedAuto))

	res, err := f.svc.Evaluate(ctx, id, subscribed(true))
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.StatusDeleted, res.Status)

	deleted, err = f.svc.RetentionCleanup(ctx, retention)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}
