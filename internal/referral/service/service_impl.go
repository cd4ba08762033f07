package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/dayledger/internal/account/domain"
	auditdomain "github.com/smallbiznis/dayledger/internal/audit/domain"
	"github.com/smallbiznis/dayledger/internal/clock"
	"github.com/smallbiznis/dayledger/internal/config"
	ledgerdomain "github.com/smallbiznis/dayledger/internal/ledger/domain"
	lifecycledomain "github.com/smallbiznis/dayledger/internal/lifecycle/domain"
	"github.com/smallbiznis/dayledger/internal/notification"
	obsmetrics "github.com/smallbiznis/dayledger/internal/observability/metrics"
	"github.com/smallbiznis/dayledger/internal/referral/domain"
	"github.com/smallbiznis/dayledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	day         = 24 * time.Hour
	recentEdges = 10
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Cfg          config.Config
	Catalog      *config.CatalogHolder
	Repo         domain.Repository
	AccountSvc   accountdomain.Service
	LedgerSvc    ledgerdomain.Service
	LifecycleSvc lifecycledomain.Service
	AuditSvc     auditdomain.Service
	ObsMetrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	catalog      *config.CatalogHolder
	repo         domain.Repository
	accountSvc   accountdomain.Service
	ledgerSvc    ledgerdomain.Service
	lifecycleSvc lifecycledomain.Service
	auditSvc     auditdomain.Service
	obsMetrics   *obsmetrics.Metrics

	grace     time.Duration
	batchSize int
}

func NewService(p Params) domain.Service {
	grace := time.Duration(p.Cfg.Lifecycle.ReferralGraceDays) * day
	if grace <= 0 {
		grace = 14 * day
	}
	batchSize := p.Cfg.Scheduler.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("referral.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		catalog:      p.Catalog,
		repo:         p.Repo,
		accountSvc:   p.AccountSvc,
		ledgerSvc:    p.LedgerSvc,
		lifecycleSvc: p.LifecycleSvc,
		auditSvc:     p.AuditSvc,
		obsMetrics:   p.ObsMetrics,
		grace:        grace,
		batchSize:    batchSize,
	}
}

// HandleNewAccount records the bot_created edge. Every failure is audited
// against the referrer before it is returned.
func (s *Service) HandleNewAccount(ctx context.Context, referredID, referrerID snowflake.ID) (domain.NewAccountResult, error) {
	res, err := s.handleNewAccount(ctx, referredID, referrerID)
	if err == nil {
		return res, nil
	}
	if auditErr := s.auditSvc.Record(ctx, nil, &referrerID, auditdomain.ActionReferralNotRecorded, map[string]any{
		"referred_id": referredID.String(),
		"error":       err.Error(),
	}); auditErr != nil {
		s.log.Warn("failed to audit referral failure", zap.String("referrer_id", referrerID.String()), zap.Error(auditErr))
	}
	return res, err
}

func (s *Service) handleNewAccount(ctx context.Context, referredID, referrerID snowflake.ID) (domain.NewAccountResult, error) {
	if referredID == referrerID {
		return domain.NewAccountResult{}, ledgerdomain.E("referral.handle_new_account", domain.ErrSelfReferral)
	}

	catalog := s.catalog.Get()
	window := time.Duration(catalog.Abuse.WindowHours) * time.Hour
	recent, err := s.repo.CountSince(ctx, s.db, referrerID, domain.EventBotCreated, s.clock.Now().Add(-window))
	if err != nil {
		return domain.NewAccountResult{}, err
	}
	if recent >= int64(catalog.Abuse.MaxReferralsPerDay) {
		s.obsMetrics.RecordReferralAbuse()
		s.log.Warn("referral rejected by abuse guard",
			zap.String("referrer_id", referrerID.String()),
			zap.Int64("recent_referrals", recent),
		)
		if err := s.auditSvc.Record(ctx, nil, &referrerID, auditdomain.ActionReferralAbuseDetected, map[string]any{
			"recent_referrals": recent,
			"period_hours":     catalog.Abuse.WindowHours,
			"limit":            catalog.Abuse.MaxReferralsPerDay,
			"referred_id":      referredID.String(),
		}); err != nil {
			return domain.NewAccountResult{}, err
		}
		return domain.NewAccountResult{Rejected: true}, nil
	}

	reward := catalog.Rewards.BotCreated
	event, err := s.CreateReferralEvent(ctx, referrerID, referredID, domain.EventBotCreated, time.Duration(reward.DelayDays)*day)
	if err != nil {
		return domain.NewAccountResult{}, err
	}

	registered := notification.NewEvent(notification.EventReferralRegistered, referrerID, s.clock.Now(), map[string]any{
		"referred_id": referredID.String(),
		"days":        reward.Days,
		"delay_days":  reward.DelayDays,
	})
	return domain.NewAccountResult{Event: &event, Events: []notification.Event{registered}}, nil
}

func (s *Service) CreateReferralEvent(ctx context.Context, referrerID, referredID snowflake.ID, eventType domain.EventType, delay time.Duration) (domain.Event, error) {
	return s.createEvent(ctx, s.db, referrerID, referredID, eventType, delay)
}

func (s *Service) createEvent(ctx context.Context, tx *gorm.DB, referrerID, referredID snowflake.ID, eventType domain.EventType, delay time.Duration) (domain.Event, error) {
	const op = "referral.create_event"
	if !eventType.Valid() {
		return domain.Event{}, ledgerdomain.E(op, domain.ErrInvalidEvent)
	}
	if referrerID == referredID {
		return domain.Event{}, ledgerdomain.E(op, domain.ErrSelfReferral)
	}

	existing, err := s.repo.FindByReferred(ctx, tx, referredID, eventType)
	if err != nil {
		return domain.Event{}, err
	}
	if existing != nil {
		return domain.Event{}, ledgerdomain.E(op, domain.ErrReferralExists)
	}

	now := s.clock.Now()
	event := domain.Event{
		ID:         s.genID.Generate(),
		ReferrerID: referrerID,
		ReferredID: referredID,
		EventType:  eventType,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if delay > 0 {
		until := now.Add(delay)
		event.PendingUntil = &until
	}
	if err := s.repo.Insert(ctx, tx, &event); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return domain.Event{}, ledgerdomain.E(op, domain.ErrReferralExists)
		}
		return domain.Event{}, err
	}
	return event, nil
}

// ProcessPending pays out due bot_created rewards whose referred account is
// active right now. Events still inactive after the grace window are closed.
func (s *Service) ProcessPending(ctx context.Context) (domain.Summary, error) {
	var (
		summary domain.Summary
		afterID snowflake.ID
	)
	for {
		now := s.clock.Now()
		batch, err := s.repo.ListDue(ctx, s.db, now, afterID, s.batchSize)
		if err != nil {
			return summary, err
		}
		if len(batch) == 0 {
			break
		}
		for _, event := range batch {
			afterID = event.ID
			if err := ctx.Err(); err != nil {
				return summary, err
			}
			summary.Scanned++
			if err := s.processOne(ctx, event, now, &summary); err != nil {
				summary.Failed++
				s.log.Warn("pending referral failed",
					zap.String("event_id", event.ID.String()),
					zap.Error(err),
				)
			}
		}
		if len(batch) < s.batchSize {
			break
		}
	}

	if summary.Scanned > 0 {
		s.log.Info("pending referrals processed",
			zap.Int("scanned", summary.Scanned),
			zap.Int("rewarded", summary.Rewarded),
			zap.Int("expired", summary.Expired),
		)
	}
	return summary, nil
}

func (s *Service) processOne(ctx context.Context, event domain.Event, now time.Time, summary *domain.Summary) error {
	status, err := s.lifecycleSvc.Evaluate(ctx, event.ReferredID, nil)
	if err != nil && !errors.Is(err, ledgerdomain.ErrAccountNotFound) {
		return err
	}

	if err == nil && status.Status == ledgerdomain.StatusActive {
		reward := s.catalog.Get().Rewards.BotCreated
		granted, err := s.grant(ctx, event, reward.Days, domain.RuleBotCreated)
		if err != nil {
			return err
		}
		if !granted {
			return nil
		}
		summary.Rewarded++
		summary.Events = append(summary.Events, s.rewardedEvents(ctx, event.ReferrerID, event.ReferredID, reward.Days, domain.RuleBotCreated)...)
		return nil
	}

	if event.PendingUntil != nil && !now.Before(event.PendingUntil.Add(s.grace)) {
		expired, err := s.repo.MarkExpired(ctx, s.db, event.ID, now)
		if err != nil {
			return err
		}
		if expired {
			summary.Expired++
			referrerID := event.ReferrerID
			if err := s.auditSvc.Record(ctx, nil, &referrerID, auditdomain.ActionReferralExpired, map[string]any{
				"event_id":    event.ID.String(),
				"referred_id": event.ReferredID.String(),
			}); err != nil {
				return err
			}
		}
		return nil
	}

	summary.Waiting++
	return nil
}

// grant marks the edge and credits the referrer in one transaction.
func (s *Service) grant(ctx context.Context, event domain.Event, days int, rule string) (bool, error) {
	granted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.MarkGranted(ctx, tx, event.ID, days, s.clock.Now())
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		referredID := event.ReferredID
		if _, err := s.ledgerSvc.WithTx(tx).GrantBonus(ctx, event.ReferrerID, days, "referral_"+rule, &referredID); err != nil {
			return err
		}
		referrerID := event.ReferrerID
		if err := s.auditSvc.Record(ctx, tx, &referrerID, auditdomain.ActionReferralRewarded, map[string]any{
			"event_id":    event.ID.String(),
			"referred_id": referredID.String(),
			"rule":        rule,
			"days":        days,
		}); err != nil {
			return err
		}
		granted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if granted {
		s.ledgerSvc.InvalidateStatus(ctx, event.ReferrerID)
		s.obsMetrics.RecordReferralReward(rule)
	}
	return granted, nil
}

func (s *Service) rewardedEvents(ctx context.Context, referrerID, referredID snowflake.ID, days int, rule string) []notification.Event {
	var events []notification.Event
	status, err := s.lifecycleSvc.Evaluate(ctx, referrerID, nil)
	if err != nil {
		s.log.Warn("referrer evaluation failed", zap.String("account_id", referrerID.String()), zap.Error(err))
	} else {
		events = append(events, status.Events...)
	}
	return append(events, notification.NewEvent(notification.EventReferralRewarded, referrerID, s.clock.Now(), map[string]any{
		"referred_id": referredID.String(),
		"days":        days,
		"rule":        rule,
	}))
}

func (s *Service) HandleFirstPayment(ctx context.Context, accountID snowflake.ID) (domain.FirstPaymentResult, error) {
	account, err := s.accountSvc.Get(ctx, accountID)
	if err != nil {
		return domain.FirstPaymentResult{}, err
	}
	if account.ReferrerID == nil || *account.ReferrerID == accountID {
		return domain.FirstPaymentResult{}, nil
	}
	referrerID := *account.ReferrerID
	result := domain.FirstPaymentResult{ReferrerID: &referrerID}

	paid, err := s.repo.CountSuccessfulPayments(ctx, s.db, accountID)
	if err != nil {
		return result, err
	}
	if paid != 1 {
		return result, nil
	}

	existing, err := s.repo.FindByReferred(ctx, s.db, accountID, domain.EventFirstPayment)
	if err != nil {
		return result, err
	}
	if existing != nil && existing.RewardGranted {
		return result, nil
	}

	rewards := s.catalog.Get().Rewards
	referrerDays := rewards.FirstPaymentReferrer.Days
	welcome := rewards.FirstPaymentReferred.Days
	// both credits commit together; a failed welcome grant leaves the edge open for retry
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		event := existing
		if event == nil {
			created, err := s.createEvent(ctx, tx, referrerID, accountID, domain.EventFirstPayment, 0)
			if err != nil {
				return err
			}
			event = &created
		}
		ok, err := s.repo.MarkGranted(ctx, tx, event.ID, referrerDays, s.clock.Now())
		if err != nil || !ok {
			return err
		}
		ledgerTx := s.ledgerSvc.WithTx(tx)
		referred := accountID
		if _, err := ledgerTx.GrantBonus(ctx, referrerID, referrerDays, "referral_"+domain.RuleFirstPaymentReferrer, &referred); err != nil {
			return err
		}
		if welcome > 0 {
			if _, err := ledgerTx.GrantBonus(ctx, accountID, welcome, "referral_"+domain.RuleFirstPaymentReferred, &referrerID); err != nil {
				return err
			}
		}
		if err := s.auditSvc.Record(ctx, tx, &referrerID, auditdomain.ActionReferralRewarded, map[string]any{
			"event_id":      event.ID.String(),
			"referred_id":   accountID.String(),
			"rule":          domain.RuleFirstPaymentReferrer,
			"days":          referrerDays,
			"referred_days": welcome,
		}); err != nil {
			return err
		}
		result.Rewarded = true
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrReferralExists) {
			return domain.FirstPaymentResult{ReferrerID: &referrerID}, nil
		}
		return domain.FirstPaymentResult{ReferrerID: &referrerID}, err
	}
	if !result.Rewarded {
		return result, nil
	}
	s.ledgerSvc.InvalidateStatus(ctx, referrerID, accountID)
	result.ReferrerDays = referrerDays
	s.obsMetrics.RecordReferralReward(domain.RuleFirstPaymentReferrer)
	result.Events = append(result.Events, s.rewardedEvents(ctx, referrerID, accountID, referrerDays, domain.RuleFirstPaymentReferrer)...)

	if welcome > 0 {
		result.ReferredDays = welcome
		s.obsMetrics.RecordReferralReward(domain.RuleFirstPaymentReferred)
		if status, err := s.lifecycleSvc.Evaluate(ctx, accountID, nil); err == nil {
			result.Events = append(result.Events, status.Events...)
		}
	}

	s.log.Info("first payment referral rewarded",
		zap.String("account_id", accountID.String()),
		zap.String("referrer_id", referrerID.String()),
		zap.Int("referrer_days", referrerDays),
		zap.Int("referred_days", welcome),
	)
	return result, nil
}

func (s *Service) Stats(ctx context.Context, accountID snowflake.ID) (domain.Stats, error) {
	snap, err := s.ledgerSvc.Snapshot(ctx, accountID)
	if err != nil {
		return domain.Stats{}, err
	}
	counts, err := s.repo.CountsByReferrer(ctx, s.db, accountID)
	if err != nil {
		return domain.Stats{}, err
	}
	active, err := s.repo.CountActiveReferred(ctx, s.db, accountID)
	if err != nil {
		return domain.Stats{}, err
	}
	recent, err := s.repo.ListByReferrer(ctx, s.db, accountID, recentEdges)
	if err != nil {
		return domain.Stats{}, err
	}

	return domain.Stats{
		AccountID:     accountID,
		Total:         counts.Total,
		Active:        active,
		Pending:       counts.Pending,
		Rewarded:      counts.Rewarded,
		DaysEarned:    counts.DaysEarned,
		BonusDays:     snap.BonusDays,
		DaysToPremium: max(0, ledgerdomain.PremiumThreshold-snap.BonusDays),
		IsPremium:     snap.IsPremium,
		Recent:        recent,
	}, nil
}
