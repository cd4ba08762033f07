package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/dayledger/internal/account/domain"
	auditdomain "github.com/smallbiznis/dayledger/internal/audit/domain"
	"github.com/smallbiznis/dayledger/internal/cache"
	"github.com/smallbiznis/dayledger/internal/clock"
	"github.com/smallbiznis/dayledger/internal/config"
	ledgerdomain "github.com/smallbiznis/dayledger/internal/ledger/domain"
	lifecycledomain "github.com/smallbiznis/dayledger/internal/lifecycle/domain"
	"github.com/smallbiznis/dayledger/internal/notification"
	obsmetrics "github.com/smallbiznis/dayledger/internal/observability/metrics"
	resourcedomain "github.com/smallbiznis/dayledger/internal/resource/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const day = 24 * time.Hour

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	Clock        clock.Clock
	Cfg          config.Config
	AccountSvc   accountdomain.Service
	LedgerSvc    ledgerdomain.Service
	AuditSvc     auditdomain.Service
	ResourceRepo resourcedomain.Repository
	Controller   resourcedomain.Controller
	Cache        cache.StatusCache   `optional:"true"`
	ObsMetrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	clock        clock.Clock
	accountSvc   accountdomain.Service
	ledgerSvc    ledgerdomain.Service
	auditSvc     auditdomain.Service
	resourceRepo resourcedomain.Repository
	controller   resourcedomain.Controller
	cache        cache.StatusCache
	obsMetrics   *obsmetrics.Metrics

	resourceCeiling int
	scanWindow      time.Duration
}

func NewService(p Params) lifecycledomain.Service {
	statusCache := p.Cache
	if statusCache == nil {
		statusCache = cache.NoopStatusCache{}
	}
	ceiling := p.Cfg.Lifecycle.ResourceCeiling
	if ceiling <= 0 {
		ceiling = 5
	}
	window := p.Cfg.Scheduler.ScanInterval
	if window <= 0 {
		window = time.Hour
	}
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("lifecycle.service"),
		clock:           p.Clock,
		accountSvc:      p.AccountSvc,
		ledgerSvc:       p.LedgerSvc,
		auditSvc:        p.AuditSvc,
		resourceRepo:    p.ResourceRepo,
		controller:      p.Controller,
		cache:           statusCache,
		obsMetrics:      p.ObsMetrics,
		resourceCeiling: ceiling,
		scanWindow:      window,
	}
}

// target computes the status an account should hold. Deleted is handled by the caller.
func target(subscribed bool, totalActiveDays int) ledgerdomain.Status {
	switch {
	case !subscribed:
		return ledgerdomain.StatusFrozen
	case totalActiveDays > 0:
		return ledgerdomain.StatusActive
	default:
		return ledgerdomain.StatusExpired
	}
}

func (s *Service) Evaluate(ctx context.Context, accountID snowflake.ID, subscribed *bool) (lifecycledomain.Result, error) {
	if status, ok := s.cache.Get(ctx, accountID, subscribed); ok {
		return lifecycledomain.Result{
			AccountID: accountID,
			Status:    status,
			Previous:  status,
			Cached:    true,
		}, nil
	}

	account, err := s.accountSvc.Get(ctx, accountID)
	if err != nil {
		return lifecycledomain.Result{}, err
	}
	snap, err := s.ledgerSvc.Snapshot(ctx, accountID)
	if err != nil {
		return lifecycledomain.Result{}, err
	}

	result := lifecycledomain.Result{
		AccountID: accountID,
		Status:    snap.Status,
		Previous:  snap.Status,
		IsPremium: snap.IsPremium,
	}
	if snap.Status == ledgerdomain.StatusDeleted {
		s.cache.Set(ctx, accountID, subscribed, snap.Status)
		return result, nil
	}

	isSubscribed := account.Subscribed
	if subscribed != nil && *subscribed != isSubscribed {
		if _, err := s.accountSvc.SetSubscribed(ctx, accountID, *subscribed); err != nil {
			return lifecycledomain.Result{}, err
		}
		isSubscribed = *subscribed
	}

	next := target(isSubscribed, snap.TotalActiveDays)
	if next == ledgerdomain.StatusActive {
		premium := snap.BonusDays >= ledgerdomain.PremiumThreshold
		if premium != snap.IsPremium {
			if err := s.ledgerSvc.SetPremium(ctx, accountID, premium); err != nil {
				return lifecycledomain.Result{}, err
			}
			result.IsPremium = premium
		}
	}

	if next != snap.Status {
		reason := fmt.Sprintf("automatic_check subscribed=%t total_days=%d", isSubscribed, snap.TotalActiveDays)
		changed, err := s.ledgerSvc.SetStatus(ctx, accountID, snap.Status, next, reason)
		if err != nil {
			return lifecycledomain.Result{}, err
		}
		if !changed {
			// someone else moved the row first; report what is stored now
			current, err := s.ledgerSvc.Snapshot(ctx, accountID)
			if err != nil {
				return lifecycledomain.Result{}, err
			}
			result.Status = current.Status
			return result, nil
		}

		result.Status = next
		result.Changed = true
		s.log.Info("status changed",
			zap.String("account_id", accountID.String()),
			zap.String("from", string(snap.Status)),
			zap.String("to", string(next)),
		)

		if next == ledgerdomain.StatusExpired {
			result.Events = append(result.Events, s.expiryEvent(accountID, 0))
		}
		if err := s.applySideEffects(ctx, accountID, snap.Status, next); err != nil {
			// status is committed; a failed side effect is retried on the next transition
			s.log.Warn("resource side effects failed",
				zap.String("account_id", accountID.String()),
				zap.Error(err),
			)
		}
	}

	s.cache.Set(ctx, accountID, subscribed, result.Status)
	return result, nil
}

// applySideEffects pauses or resumes owned resources on frozen<->active only.
func (s *Service) applySideEffects(ctx context.Context, accountID snowflake.ID, from, to ledgerdomain.Status) error {
	var (
		resume bool
		action string
	)
	switch {
	case from == ledgerdomain.StatusFrozen && to == ledgerdomain.StatusActive:
		resume, action = true, auditdomain.ActionBotsResumed
	case from == ledgerdomain.StatusActive && to == ledgerdomain.StatusFrozen:
		resume, action = false, auditdomain.ActionBotsPaused
	default:
		return nil
	}

	resources, err := s.resourceRepo.ListByAccount(ctx, s.db, accountID)
	if err != nil {
		return err
	}

	var errs []error
	for _, r := range resources {
		var callErr error
		if resume {
			callErr = s.controller.Resume(ctx, r.ID)
		} else {
			callErr = s.controller.Pause(ctx, r.ID)
		}
		if callErr != nil {
			errs = append(errs, fmt.Errorf("resource %s: %w", r.ID, callErr))
		}
	}

	if err := s.auditSvc.Record(ctx, nil, &accountID, action, map[string]any{"count": len(resources)}); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Service) expiryEvent(accountID snowflake.ID, dayNumber int) notification.Event {
	return notification.NewEvent(notification.EventExpiryWarning, accountID, s.clock.Now(), map[string]any{
		"day":         dayNumber,
		"last_chance": dayNumber == lifecycledomain.LastChanceDay,
	})
}

func (s *Service) ConsumeDay(ctx context.Context, accountID snowflake.ID) (lifecycledomain.ConsumeResult, error) {
	before, err := s.ledgerSvc.Snapshot(ctx, accountID)
	if err != nil {
		return lifecycledomain.ConsumeResult{}, err
	}
	// only active accounts are charged; the ledger expires any balance it finds empty
	if before.Status != ledgerdomain.StatusActive {
		status, err := s.Evaluate(ctx, accountID, nil)
		if err != nil {
			return lifecycledomain.ConsumeResult{}, err
		}
		return lifecycledomain.ConsumeResult{Status: status, Events: status.Events}, nil
	}

	consumed, err := s.ledgerSvc.ConsumeOneDay(ctx, accountID)
	if err != nil {
		return lifecycledomain.ConsumeResult{}, err
	}

	var events []notification.Event
	if !consumed {
		s.obsMetrics.RecordStatusTransition(string(before.Status), string(ledgerdomain.StatusExpired))
		events = append(events, s.expiryEvent(accountID, 0))
	}

	status, err := s.Evaluate(ctx, accountID, nil)
	if err != nil {
		return lifecycledomain.ConsumeResult{Consumed: consumed, Events: events}, err
	}
	events = append(events, status.Events...)
	return lifecycledomain.ConsumeResult{Consumed: consumed, Status: status, Events: events}, nil
}

func (s *Service) CanCreateResource(ctx context.Context, accountID snowflake.ID) (bool, string, error) {
	result, err := s.Evaluate(ctx, accountID, nil)
	if err != nil {
		return false, "", err
	}
	switch result.Status {
	case ledgerdomain.StatusFrozen:
		return false, lifecycledomain.DenyFrozen, nil
	case ledgerdomain.StatusExpired:
		return false, lifecycledomain.DenyExpired, nil
	case ledgerdomain.StatusDeleted:
		return false, lifecycledomain.DenyDeleted, nil
	}

	count, err := s.resourceRepo.Count(ctx, s.db, accountID)
	if err != nil {
		return false, "", err
	}
	if count >= int64(s.resourceCeiling) {
		return false, lifecycledomain.DenyResourceLimit, nil
	}

	snap, err := s.ledgerSvc.Snapshot(ctx, accountID)
	if err != nil {
		return false, "", err
	}
	if snap.TotalActiveDays <= 0 {
		return false, lifecycledomain.DenyNoDays, nil
	}
	return true, "", nil
}

func (s *Service) AddDays(ctx context.Context, accountID snowflake.ID, days int, kind ledgerdomain.BalanceKind, reason, paymentRef string) (lifecycledomain.AddDaysResult, error) {
	reason = strings.TrimSpace(reason)
	tx, err := s.grant(ctx, accountID, days, kind, reason, paymentRef)
	if err != nil {
		details := map[string]any{
			"days":   days,
			"type":   string(kind),
			"reason": reason,
			"error":  err.Error(),
		}
		if auditErr := s.auditSvc.Record(ctx, nil, &accountID, auditdomain.ActionAddDaysError, details); auditErr != nil {
			s.log.Warn("failed to audit add days error", zap.Error(auditErr))
		}
		return lifecycledomain.AddDaysResult{}, err
	}

	status, err := s.Evaluate(ctx, accountID, nil)
	if err != nil {
		return lifecycledomain.AddDaysResult{Transaction: tx}, err
	}

	s.log.Info("days added",
		zap.String("account_id", accountID.String()),
		zap.Int("days", days),
		zap.String("kind", string(kind)),
		zap.String("reason", reason),
	)

	snap, err := s.ledgerSvc.Snapshot(ctx, accountID)
	if err != nil {
		return lifecycledomain.AddDaysResult{Transaction: tx, Status: status}, err
	}

	events := append([]notification.Event{}, status.Events...)
	events = append(events, notification.NewEvent(notification.EventDaysAdded, accountID, s.clock.Now(), map[string]any{
		"days":       days,
		"kind":       string(kind),
		"reason":     reason,
		"total_days": snap.TotalActiveDays,
	}))
	return lifecycledomain.AddDaysResult{Transaction: tx, Status: status, Events: events}, nil
}

func (s *Service) grant(ctx context.Context, accountID snowflake.ID, days int, kind ledgerdomain.BalanceKind, reason, paymentRef string) (ledgerdomain.Transaction, error) {
	switch kind {
	case ledgerdomain.BalanceTrial:
		return s.ledgerSvc.GrantTrial(ctx, accountID, days, reason)
	case ledgerdomain.BalancePaid:
		return s.ledgerSvc.GrantPaid(ctx, accountID, days, paymentRef)
	case ledgerdomain.BalanceBonus:
		return s.ledgerSvc.GrantBonus(ctx, accountID, days, reason, nil)
	default:
		return ledgerdomain.Transaction{}, ledgerdomain.E("lifecycle.add_days", ledgerdomain.ErrInvalidKind)
	}
}

func (s *Service) DaysSummary(ctx context.Context, accountID snowflake.ID) (lifecycledomain.DaysSummary, error) {
	snap, err := s.ledgerSvc.Snapshot(ctx, accountID)
	if err != nil {
		return lifecycledomain.DaysSummary{}, err
	}

	summary := lifecycledomain.DaysSummary{
		AccountID:    accountID,
		TrialDays:    snap.TrialDays,
		PaidDays:     snap.PaidDays,
		PaidUntil:    snap.PaidUntil,
		BonusDays:    snap.BonusDays,
		TotalDays:    snap.TotalActiveDays,
		IsPremium:    snap.IsPremium,
		PremiumSince: snap.PremiumSince,
		Status:       snap.Status,
	}
	if snap.LastConsumptionAt != nil {
		next := snap.LastConsumptionAt.Add(day)
		summary.NextConsumptionAt = &next
	}
	return summary, nil
}

func (s *Service) CanResourceRespond(ctx context.Context, resourceID snowflake.ID) bool {
	resource, err := s.resourceRepo.FindByID(ctx, s.db, resourceID)
	if err != nil {
		s.log.Warn("resource lookup failed", zap.String("resource_id", resourceID.String()), zap.Error(err))
		return false
	}
	if resource == nil {
		return false
	}
	result, err := s.Evaluate(ctx, resource.AccountID, nil)
	if err != nil {
		s.log.Warn("status evaluation failed", zap.String("account_id", resource.AccountID.String()), zap.Error(err))
		return false
	}
	return result.Status == ledgerdomain.StatusActive
}

// ExpiryNotificationScan emits one reminder per expired account on each of
// the first three days after expiry. Each reminder fires in the scan window
// in which its day boundary falls, so a scan running once per window sends
// each reminder exactly once.
func (s *Service) ExpiryNotificationScan(ctx context.Context) ([]notification.Event, error) {
	now := s.clock.Now()
	var events []notification.Event

	for dayNumber := 1; dayNumber <= lifecycledomain.LastChanceDay; dayNumber++ {
		boundary := now.Add(-time.Duration(dayNumber) * day)
		var ids []snowflake.ID
		err := s.db.WithContext(ctx).Model(&ledgerdomain.Balance{}).
			Where("status = ? AND status_changed_at IS NOT NULL", ledgerdomain.StatusExpired).
			Where("status_changed_at > ? AND status_changed_at <= ?", boundary.Add(-s.scanWindow), boundary).
			Order("account_id asc").
			Pluck("account_id", &ids).Error
		if err != nil {
			return events, fmt.Errorf("scan expired day %d: %w", dayNumber, err)
		}
		for _, id := range ids {
			events = append(events, s.expiryEvent(id, dayNumber))
		}
	}

	if len(events) > 0 {
		s.log.Info("expiry reminders due", zap.Int("count", len(events)))
	}
	return events, nil
}

func (s *Service) RetentionCleanup(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, ledgerdomain.EKind(ledgerdomain.KindValidation, "lifecycle.retention_cleanup", errors.New("retention must be positive"))
	}
	cutoff := s.clock.Now().Add(-retention)

	var ids []snowflake.ID
	err := s.db.WithContext(ctx).Model(&ledgerdomain.Balance{}).
		Where("status = ? AND status_changed_at IS NOT NULL AND status_changed_at <= ?", ledgerdomain.StatusExpired, cutoff).
		Order("account_id asc").
		Pluck("account_id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("select expired accounts: %w", err)
	}

	deleted := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		changed, err := s.ledgerSvc.SetStatus(ctx, id, ledgerdomain.StatusExpired, ledgerdomain.StatusDeleted, "retention_elapsed")
		if err != nil {
			s.log.Warn("failed to delete expired account", zap.String("account_id", id.String()), zap.Error(err))
			continue
		}
		if !changed {
			continue
		}

		removed, err := s.controller.TeardownAll(ctx, id)
		if err != nil {
			s.log.Warn("resource teardown failed", zap.String("account_id", id.String()), zap.Error(err))
		}
		accountID := id
		if err := s.auditSvc.Record(ctx, nil, &accountID, auditdomain.ActionUserDeletedAuto, map[string]any{
			"retention_days": int(retention / day),
			"resources":      removed,
		}); err != nil {
			s.log.Warn("failed to audit deletion", zap.String("account_id", id.String()), zap.Error(err))
		}
		deleted++
	}

	if deleted > 0 {
		s.log.Info("retention cleanup finished", zap.Int("deleted", deleted))
	}
	return deleted, nil
}
