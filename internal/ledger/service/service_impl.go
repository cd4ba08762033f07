package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/dayledger/internal/audit/domain"
	"github.com/smallbiznis/dayledger/internal/cache"
	"github.com/smallbiznis/dayledger/internal/clock"
	"github.com/smallbiznis/dayledger/internal/config"
	ledgerdomain "github.com/smallbiznis/dayledger/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/dayledger/internal/observability/metrics"
	"github.com/smallbiznis/dayledger/pkg/db"
	"github.com/smallbiznis/dayledger/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultMaxRetries = 5

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Cfg        config.Config
	AuditSvc   auditdomain.Service
	Cache      cache.StatusCache   `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	inTx       bool
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	auditSvc   auditdomain.Service
	cache      cache.StatusCache
	obsMetrics *obsmetrics.Metrics
	maxRetries int
}

func NewService(p Params) ledgerdomain.Service {
	statusCache := p.Cache
	if statusCache == nil {
		statusCache = cache.NoopStatusCache{}
	}
	maxRetries := p.Cfg.Ledger.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		auditSvc:   p.AuditSvc,
		cache:      statusCache,
		obsMetrics: p.ObsMetrics,
		maxRetries: maxRetries,
	}
}

func (s *Service) WithTx(tx *gorm.DB) ledgerdomain.Service {
	clone := *s
	clone.db = tx
	clone.inTx = true
	return &clone
}

func (s *Service) InvalidateStatus(ctx context.Context, accountIDs ...snowflake.ID) {
	for _, id := range accountIDs {
		s.cache.Invalidate(ctx, id)
	}
}

// mutation is what one balance change wants persisted besides the balance.
type mutation struct {
	tx     *ledgerdomain.Transaction
	audits []auditRecord
}

type auditRecord struct {
	action  string
	details map[string]any
}

// mutate loads the balance under a row lock, applies fn and writes the
// result with a version compare-and-swap. Conflicts and serialization
// failures retry the whole unit.
func (s *Service) mutate(ctx context.Context, op string, accountID snowflake.ID, fn func(b *ledgerdomain.Balance, now time.Time) (mutation, error)) (mutation, error) {
	if accountID == 0 {
		return mutation{}, ledgerdomain.E(op, ledgerdomain.ErrAccountNotFound)
	}

	if s.inTx {
		m, err := s.mutateTx(ctx, s.db, accountID, fn)
		if err == nil {
			s.cache.Invalidate(ctx, accountID)
		}
		return m, ledgerdomain.E(op, err)
	}

	var (
		result mutation
		err    error
	)
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			m, txErr := s.mutateTx(ctx, tx, accountID, fn)
			if txErr != nil {
				return txErr
			}
			result = m
			return nil
		})
		if err == nil {
			break
		}
		if !errors.Is(err, ledgerdomain.ErrVersionConflict) && !db.IsRetryableTxErr(err) {
			break
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
			break
		}
		s.log.Debug("retrying balance mutation",
			zap.String("op", op),
			zap.String("account_id", accountID.String()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		time.Sleep(time.Duration(attempt) * 5 * time.Millisecond)
	}
	if err != nil {
		return mutation{}, ledgerdomain.E(op, err)
	}

	s.cache.Invalidate(ctx, accountID)
	if result.tx != nil {
		s.obsMetrics.RecordLedgerMutation(string(result.tx.Type))
	}
	return result, nil
}

func (s *Service) mutateTx(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, fn func(b *ledgerdomain.Balance, now time.Time) (mutation, error)) (mutation, error) {
	var balance ledgerdomain.Balance
	err := db.ForUpdate(tx.WithContext(ctx)).
		Where("account_id = ?", accountID).
		Take(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return mutation{}, ledgerdomain.ErrAccountNotFound
		}
		return mutation{}, err
	}

	now := s.clock.Now()
	version := balance.Version
	m, err := fn(&balance, now)
	if err != nil {
		return mutation{}, err
	}

	result := tx.WithContext(ctx).Model(&ledgerdomain.Balance{}).
		Where("account_id = ? AND version = ?", accountID, version).
		Updates(map[string]any{
			"trial_days":          balance.TrialDays,
			"paid_until":          balance.PaidUntil,
			"bonus_days":          balance.BonusDays,
			"status":              balance.Status,
			"status_changed_at":   balance.StatusChangedAt,
			"is_premium":          balance.IsPremium,
			"premium_since":       balance.PremiumSince,
			"last_consumption_at": balance.LastConsumptionAt,
			"version":             version + 1,
			"updated_at":          now,
		})
	if result.Error != nil {
		return mutation{}, result.Error
	}
	if result.RowsAffected == 0 {
		return mutation{}, ledgerdomain.ErrVersionConflict
	}

	if m.tx != nil {
		m.tx.ID = s.genID.Generate()
		m.tx.AccountID = accountID
		m.tx.CreatedAt = now
		if err := tx.WithContext(ctx).Create(m.tx).Error; err != nil {
			return mutation{}, err
		}
	}

	for _, a := range m.audits {
		id := accountID
		if err := s.auditSvc.Record(ctx, tx, &id, a.action, a.details); err != nil {
			return mutation{}, err
		}
	}
	return m, nil
}

func (s *Service) OpenBalance(ctx context.Context, accountID snowflake.ID, trialDays int, reason string) error {
	if trialDays < 0 {
		return ledgerdomain.E("ledger.open_balance", ledgerdomain.ErrNegativeDays)
	}

	run := func(tx *gorm.DB) error {
		now := s.clock.Now()
		balance := ledgerdomain.Balance{
			AccountID: accountID,
			TrialDays: trialDays,
			Status:    ledgerdomain.StatusFrozen,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.WithContext(ctx).Create(&balance).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return ledgerdomain.ErrBalanceExists
			}
			return err
		}
		if trialDays == 0 {
			return nil
		}
		entry := ledgerdomain.Transaction{
			ID:               s.genID.Generate(),
			AccountID:        accountID,
			Type:             ledgerdomain.TransactionTrialAdd,
			DaysDelta:        trialDays,
			BalanceKind:      ledgerdomain.BalanceTrial,
			ResultingBalance: trialDays,
			Reason:           strings.TrimSpace(reason),
			CreatedAt:        now,
		}
		return tx.WithContext(ctx).Create(&entry).Error
	}

	var err error
	if s.inTx {
		err = run(s.db)
	} else {
		err = s.db.WithContext(ctx).Transaction(run)
	}
	if err != nil {
		return ledgerdomain.E("ledger.open_balance", err)
	}
	if trialDays > 0 {
		s.obsMetrics.RecordLedgerMutation(string(ledgerdomain.TransactionTrialAdd))
	}
	return nil
}

func (s *Service) GrantTrial(ctx context.Context, accountID snowflake.ID, days int, reason string) (ledgerdomain.Transaction, error) {
	if days < 0 {
		return ledgerdomain.Transaction{}, ledgerdomain.E("ledger.grant_trial", ledgerdomain.ErrNegativeDays)
	}
	reason = strings.TrimSpace(reason)
	m, err := s.mutate(ctx, "ledger.grant_trial", accountID, func(b *ledgerdomain.Balance, _ time.Time) (mutation, error) {
		b.TrialDays += days
		return mutation{
			tx: &ledgerdomain.Transaction{
				Type:             ledgerdomain.TransactionTrialAdd,
				DaysDelta:        days,
				BalanceKind:      ledgerdomain.BalanceTrial,
				ResultingBalance: b.TrialDays,
				Reason:           reason,
			},
			audits: []auditRecord{{
				action:  auditdomain.ActionDaysGranted,
				details: map[string]any{"days": days, "kind": string(ledgerdomain.BalanceTrial), "reason": reason},
			}},
		}, nil
	})
	if err != nil {
		return ledgerdomain.Transaction{}, err
	}
	return *m.tx, nil
}

func (s *Service) GrantPaid(ctx context.Context, accountID snowflake.ID, days int, paymentRef string) (ledgerdomain.Transaction, error) {
	if days < 0 {
		return ledgerdomain.Transaction{}, ledgerdomain.E("ledger.grant_paid", ledgerdomain.ErrNegativeDays)
	}
	paymentRef = strings.TrimSpace(paymentRef)
	m, err := s.mutate(ctx, "ledger.grant_paid", accountID, func(b *ledgerdomain.Balance, now time.Time) (mutation, error) {
		paidUntil := ledgerdomain.ExtendPaidUntil(b.PaidUntil, now, days)
		b.PaidUntil = &paidUntil
		reason := "payment"
		if paymentRef == "" {
			reason = "manual"
		}
		return mutation{
			tx: &ledgerdomain.Transaction{
				Type:             ledgerdomain.TransactionPaidAdd,
				DaysDelta:        days,
				BalanceKind:      ledgerdomain.BalancePaid,
				ResultingBalance: ledgerdomain.PaidDaysRemaining(&paidUntil, now),
				Reason:           reason,
				Metadata: datatypes.JSONMap{
					"paid_until": paidUntil.Format(time.RFC3339),
					"payment_id": paymentRef,
				},
			},
			audits: []auditRecord{{
				action:  auditdomain.ActionDaysGranted,
				details: map[string]any{"days": days, "kind": string(ledgerdomain.BalancePaid), "payment_id": paymentRef},
			}},
		}, nil
	})
	if err != nil {
		return ledgerdomain.Transaction{}, err
	}
	return *m.tx, nil
}

func (s *Service) GrantBonus(ctx context.Context, accountID snowflake.ID, days int, reason string, relatedAccountID *snowflake.ID) (ledgerdomain.Transaction, error) {
	if days < 0 {
		return ledgerdomain.Transaction{}, ledgerdomain.E("ledger.grant_bonus", ledgerdomain.ErrNegativeDays)
	}
	reason = strings.TrimSpace(reason)
	m, err := s.mutate(ctx, "ledger.grant_bonus", accountID, func(b *ledgerdomain.Balance, now time.Time) (mutation, error) {
		b.BonusDays += days
		// only a status recompute may turn premium off
		if b.BonusDays >= ledgerdomain.PremiumThreshold {
			b.IsPremium = true
			if b.PremiumSince == nil {
				since := now
				b.PremiumSince = &since
			}
		}
		details := map[string]any{"days": days, "kind": string(ledgerdomain.BalanceBonus), "reason": reason}
		if relatedAccountID != nil {
			details["related_account_id"] = relatedAccountID.String()
		}
		return mutation{
			tx: &ledgerdomain.Transaction{
				Type:             ledgerdomain.TransactionBonusAdd,
				DaysDelta:        days,
				BalanceKind:      ledgerdomain.BalanceBonus,
				ResultingBalance: b.BonusDays,
				RelatedAccountID: relatedAccountID,
				Reason:           reason,
			},
			audits: []auditRecord{{action: auditdomain.ActionDaysGranted, details: details}},
		}, nil
	})
	if err != nil {
		return ledgerdomain.Transaction{}, err
	}
	return *m.tx, nil
}

func (s *Service) ConsumeOneDay(ctx context.Context, accountID snowflake.ID) (bool, error) {
	m, err := s.mutate(ctx, "ledger.consume_one_day", accountID, func(b *ledgerdomain.Balance, now time.Time) (mutation, error) {
		entry := &ledgerdomain.Transaction{
			Type:      ledgerdomain.TransactionDailyConsumption,
			DaysDelta: -1,
		}
		switch {
		case b.TrialDays > 0:
			b.TrialDays--
			entry.BalanceKind = ledgerdomain.BalanceTrial
			entry.ResultingBalance = b.TrialDays
		case b.PaidUntil != nil && b.PaidUntil.After(now):
			paidUntil := b.PaidUntil.Add(-24 * time.Hour)
			b.PaidUntil = &paidUntil
			entry.BalanceKind = ledgerdomain.BalancePaid
			entry.ResultingBalance = ledgerdomain.PaidDaysRemaining(&paidUntil, now)
		case b.BonusDays > 0:
			b.BonusDays--
			entry.BalanceKind = ledgerdomain.BalanceBonus
			entry.ResultingBalance = b.BonusDays
		default:
			// stamping only on entry keeps the retention window anchored
			if b.Status != ledgerdomain.StatusExpired {
				b.Status = ledgerdomain.StatusExpired
				changed := now
				b.StatusChangedAt = &changed
			}
			return mutation{
				audits: []auditRecord{{
					action:  auditdomain.ActionDaysExpired,
					details: map[string]any{"timestamp": now.Format(time.RFC3339)},
				}},
			}, nil
		}
		entry.Metadata = datatypes.JSONMap{"source": string(entry.BalanceKind)}
		consumedAt := now
		b.LastConsumptionAt = &consumedAt
		return mutation{tx: entry}, nil
	})
	if err != nil {
		return false, err
	}

	if m.tx == nil {
		s.obsMetrics.RecordConsumption(false, "")
		return false, nil
	}
	s.obsMetrics.RecordConsumption(true, string(m.tx.BalanceKind))
	return true, nil
}

func (s *Service) Snapshot(ctx context.Context, accountID snowflake.ID) (ledgerdomain.Snapshot, error) {
	var balance ledgerdomain.Balance
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Take(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledgerdomain.Snapshot{}, ledgerdomain.E("ledger.snapshot", ledgerdomain.ErrAccountNotFound)
		}
		return ledgerdomain.Snapshot{}, ledgerdomain.E("ledger.snapshot", err)
	}
	return ledgerdomain.NewSnapshot(balance, s.clock.Now()), nil
}

func (s *Service) SetStatus(ctx context.Context, accountID snowflake.ID, from, to ledgerdomain.Status, reason string) (bool, error) {
	if !to.Valid() {
		return false, ledgerdomain.E("ledger.set_status", ledgerdomain.ErrInvalidStatus)
	}
	changed := false
	_, err := s.mutate(ctx, "ledger.set_status", accountID, func(b *ledgerdomain.Balance, now time.Time) (mutation, error) {
		changed = false
		if b.Status != from || from == to {
			return mutation{}, nil
		}
		b.Status = to
		at := now
		b.StatusChangedAt = &at
		changed = true
		return mutation{
			audits: []auditRecord{{
				action: auditdomain.ActionStatusChanged,
				details: map[string]any{
					"from":   string(from),
					"to":     string(to),
					"reason": strings.TrimSpace(reason),
				},
			}},
		}, nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		s.obsMetrics.RecordStatusTransition(string(from), string(to))
	}
	return changed, nil
}

func (s *Service) SetPremium(ctx context.Context, accountID snowflake.ID, premium bool) error {
	_, err := s.mutate(ctx, "ledger.set_premium", accountID, func(b *ledgerdomain.Balance, now time.Time) (mutation, error) {
		b.IsPremium = premium
		// premium_since records the first upgrade and survives downgrades
		if premium && b.PremiumSince == nil {
			since := now
			b.PremiumSince = &since
		}
		return mutation{}, nil
	})
	return err
}

func (s *Service) ListTransactions(ctx context.Context, accountID snowflake.ID, page pagination.Pagination) (ledgerdomain.TransactionPage, error) {
	limit := page.Limit()
	stmt := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("id desc").
		Limit(limit + 1)

	if token := strings.TrimSpace(page.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil || cursor.ID <= 0 {
			return ledgerdomain.TransactionPage{}, ledgerdomain.E("ledger.list_transactions", ledgerdomain.ErrInvalidPageToken)
		}
		stmt = stmt.Where("id < ?", cursor.ID)
	}

	var rows []ledgerdomain.Transaction
	if err := stmt.Find(&rows).Error; err != nil {
		return ledgerdomain.TransactionPage{}, ledgerdomain.E("ledger.list_transactions", fmt.Errorf("query transactions: %w", err))
	}

	rows, info := pagination.Trim(rows, limit, func(t ledgerdomain.Transaction) int64 { return t.ID.Int64() })
	return ledgerdomain.TransactionPage{PageInfo: info, Transactions: rows}, nil
}
