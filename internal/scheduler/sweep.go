package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/dayledger/internal/audit/domain"
	ledgerdomain "github.com/smallbiznis/dayledger/internal/ledger/domain"
	"github.com/smallbiznis/dayledger/internal/notification"
	obsmetrics "github.com/smallbiznis/dayledger/internal/observability/metrics"
	"go.uber.org/zap"
)

// SweepSummary aggregates one daily sweep.
type SweepSummary struct {
	Slot      string `json:"slot"`
	Processed int    `json:"processed"`
	Expired   int    `json:"expired"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
	Deleted   int    `json:"deleted"`
	Cohorts   int    `json:"cohorts"`
}

func (s SweepSummary) empty() bool {
	return s.Processed == 0 && s.Expired == 0 && s.Failed == 0 && s.Deleted == 0
}

// DailySweep consumes one day from every subscribed active account with
// days left, then runs retention, refreshes cohorts and reports to operators.
// Accounts already consumed during the slot are skipped, so a sweep resumed
// after a timeout never charges twice.
func (s *Scheduler) DailySweep(ctx context.Context) (SweepSummary, error) {
	run := jobRunFromContext(ctx)
	summary := SweepSummary{Slot: s.clock.Now().UTC().Format(time.DateOnly)}
	if run != nil && run.slot != "" {
		summary.Slot = run.slot
	}
	schedMetrics := obsmetrics.Scheduler()

	var afterID snowflake.ID
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		candidates, err := s.accountRepo.ListSweepCandidates(ctx, s.db, afterID, s.cfg.BatchSize)
		if err != nil {
			return summary, err
		}
		if len(candidates) == 0 {
			break
		}
		for _, candidate := range candidates {
			afterID = candidate.AccountID
			s.sweepAccount(ctx, run, candidate.AccountID, &summary)
		}
		schedMetrics.AddBatchProcessed(JobDailySweep, "accounts", len(candidates))
		if len(candidates) < s.cfg.BatchSize {
			break
		}
	}

	var jobErr error
	deleted, err := s.lifecycleSvc.RetentionCleanup(ctx, time.Duration(s.cfg.RetentionDays)*24*time.Hour)
	if err != nil {
		jobErr = errors.Join(jobErr, err)
		s.logSchedulerError(ctx, run, "scheduler.retention.failed", JobDailySweep, 0, err)
	}
	summary.Deleted = deleted

	cohorts, err := s.cohortSvc.Refresh(ctx)
	if err != nil {
		jobErr = errors.Join(jobErr, err)
		s.logSchedulerError(ctx, run, "scheduler.cohort.failed", JobDailySweep, 0, err)
	}
	summary.Cohorts = cohorts

	s.emitSummary(ctx, summary)

	s.logger(ctx).Info("scheduler.sweep.summary",
		zap.String("slot", summary.Slot),
		zap.Int("processed", summary.Processed),
		zap.Int("expired", summary.Expired),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.Int("deleted", summary.Deleted),
	)
	return summary, jobErr
}

func (s *Scheduler) sweepAccount(ctx context.Context, run *jobRun, accountID snowflake.ID, summary *SweepSummary) {
	snap, err := s.ledgerSvc.Snapshot(ctx, accountID)
	if err != nil {
		s.sweepFailed(ctx, run, accountID, summary, err)
		return
	}
	if snap.TotalActiveDays <= 0 {
		return
	}
	if snap.LastConsumptionAt != nil && snap.LastConsumptionAt.UTC().Format(time.DateOnly) == summary.Slot {
		summary.Skipped++
		return
	}

	res, err := s.lifecycleSvc.ConsumeDay(ctx, accountID)
	if err != nil {
		s.sweepFailed(ctx, run, accountID, summary, err)
		return
	}
	summary.Processed++
	run.AddProcessed(1)
	if res.Status.Changed && res.Status.Status == ledgerdomain.StatusExpired {
		summary.Expired++
	}
	s.dispatcher.Dispatch(ctx, res.Events...)
}

func (s *Scheduler) sweepFailed(ctx context.Context, run *jobRun, accountID snowflake.ID, summary *SweepSummary, err error) {
	summary.Failed++
	obsmetrics.Scheduler().IncItemFailure(JobDailySweep)
	s.logSchedulerError(ctx, run, "scheduler.sweep.account_failed", JobDailySweep, accountID, err)
	if auditErr := s.auditSvc.Record(ctx, nil, &accountID, auditdomain.ActionBillingError, map[string]any{
		"error": err.Error(),
	}); auditErr != nil {
		s.logger(ctx).Warn("failed to audit billing error", zap.String("account_id", accountID.String()), zap.Error(auditErr))
	}
}

func (s *Scheduler) emitSummary(ctx context.Context, summary SweepSummary) {
	if summary.empty() {
		return
	}
	data := map[string]any{
		"slot":      summary.Slot,
		"processed": summary.Processed,
		"expired":   summary.Expired,
		"failed":    summary.Failed,
		"deleted":   summary.Deleted,
	}
	if daily, err := s.statsSvc.Daily(ctx); err != nil {
		s.logger(ctx).Warn("failed to load daily stats", zap.Error(err))
	} else {
		data["total_accounts"] = daily.TotalAccounts
		data["active_accounts"] = daily.ActiveAccounts
		data["total_revenue"] = daily.TotalRevenue
		data["total_payments"] = daily.TotalPayments
	}
	s.dispatcher.Dispatch(ctx, notification.NewEvent(notification.EventAdminSummary, 0, s.clock.Now(), data))
}

// HourlyScan sends expiry reminders and settles pending referral rewards.
func (s *Scheduler) HourlyScan(ctx context.Context) error {
	run := jobRunFromContext(ctx)

	var jobErr error
	events, err := s.lifecycleSvc.ExpiryNotificationScan(ctx)
	if err != nil {
		jobErr = errors.Join(jobErr, err)
		s.logSchedulerError(ctx, run, "scheduler.expiry_scan.failed", JobHourlyScan, 0, err)
	}
	s.dispatcher.Dispatch(ctx, events...)
	run.AddProcessed(len(events))

	referrals, err := s.referralSvc.ProcessPending(ctx)
	if err != nil {
		jobErr = errors.Join(jobErr, err)
		s.logSchedulerError(ctx, run, "scheduler.referrals.failed", JobHourlyScan, 0, err)
	}
	s.dispatcher.Dispatch(ctx, referrals.Events...)
	run.AddProcessed(referrals.Scanned)
	obsmetrics.Scheduler().AddBatchProcessed(JobHourlyScan, "referrals", referrals.Scanned)

	return jobErr
}
