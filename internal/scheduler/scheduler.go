package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/dayledger/internal/account/domain"
	auditdomain "github.com/smallbiznis/dayledger/internal/audit/domain"
	"github.com/smallbiznis/dayledger/internal/clock"
	cohortdomain "github.com/smallbiznis/dayledger/internal/cohort/domain"
	ledgerdomain "github.com/smallbiznis/dayledger/internal/ledger/domain"
	lifecycledomain "github.com/smallbiznis/dayledger/internal/lifecycle/domain"
	"github.com/smallbiznis/dayledger/internal/notification"
	obsmetrics "github.com/smallbiznis/dayledger/internal/observability/metrics"
	"github.com/smallbiznis/dayledger/internal/ratelimit"
	referraldomain "github.com/smallbiznis/dayledger/internal/referral/domain"
	"github.com/smallbiznis/dayledger/internal/scheduler/domain"
	"github.com/smallbiznis/dayledger/internal/scheduler/guard"
	statsdomain "github.com/smallbiznis/dayledger/internal/stats/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	JobDailySweep = "daily_sweep"
	JobHourlyScan = "hourly_scan"

	lockPrefix = "dayledger:scheduler:"
)

var ErrUnknownJob = ledgerdomain.NewError(ledgerdomain.KindNotFound, "unknown_job")

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Config       Config
	AccountRepo  accountdomain.Repository
	LedgerSvc    ledgerdomain.Service
	LifecycleSvc lifecycledomain.Service
	ReferralSvc  referraldomain.Service
	CohortSvc    cohortdomain.Service
	StatsSvc     statsdomain.Service
	AuditSvc     auditdomain.Service
	Dispatcher   *notification.Dispatcher
	Locker       *ratelimit.Locker `optional:"true"`
}

type Scheduler struct {
	db           *gorm.DB
	log          *zap.Logger
	cfg          Config
	genID        *snowflake.Node
	clock        clock.Clock
	accountRepo  accountdomain.Repository
	ledgerSvc    ledgerdomain.Service
	lifecycleSvc lifecycledomain.Service
	referralSvc  referraldomain.Service
	cohortSvc    cohortdomain.Service
	statsSvc     statsdomain.Service
	auditSvc     auditdomain.Service
	dispatcher   *notification.Dispatcher
	locker       *ratelimit.Locker
}

type job struct {
	name      string
	batchSize int
	slot      func(now time.Time) (string, error)
	run       func(ctx context.Context) error
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.AccountRepo == nil || p.LedgerSvc == nil ||
		p.LifecycleSvc == nil || p.ReferralSvc == nil || p.CohortSvc == nil || p.StatsSvc == nil || p.AuditSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:           p.DB,
		log:          p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:          p.Config.withDefaults(),
		genID:        p.GenID,
		clock:        p.Clock,
		accountRepo:  p.AccountRepo,
		ledgerSvc:    p.LedgerSvc,
		lifecycleSvc: p.LifecycleSvc,
		referralSvc:  p.ReferralSvc,
		cohortSvc:    p.CohortSvc,
		statsSvc:     p.StatsSvc,
		auditSvc:     p.AuditSvc,
		dispatcher:   p.Dispatcher,
		locker:       p.Locker,
	}, nil
}

func (s *Scheduler) jobs() []job {
	return []job{
		{
			name:      JobDailySweep,
			batchSize: s.cfg.BatchSize,
			slot: func(now time.Time) (string, error) {
				return guard.DailySlot(now, s.cfg.DailyHour, s.cfg.DailyMinute)
			},
			run: func(ctx context.Context) error {
				_, err := s.DailySweep(ctx)
				return err
			},
		},
		{
			name:      JobHourlyScan,
			batchSize: s.cfg.BatchSize,
			slot: func(now time.Time) (string, error) {
				return guard.IntervalSlot(now, s.cfg.ScanInterval)
			},
			run: s.HourlyScan,
		},
	}
}

// RunOnce runs every enabled job whose slot is due and not yet completed.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	now := s.clock.Now()
	for _, j := range s.jobs() {
		if !s.isJobEnabled(j.name) {
			continue
		}
		slot, slotErr := j.slot(now)
		if errors.Is(slotErr, guard.ErrNotDue) {
			continue
		}
		if slotErr != nil {
			err = errors.Join(err, fmt.Errorf("%s: %w", j.name, slotErr))
			continue
		}
		if _, runErr := s.runSlot(parent, j, slot); runErr != nil {
			err = errors.Join(err, runErr)
		}
	}
	return err
}

// RunJob runs the named job for the slot containing now, ignoring the
// time-of-day trigger. A slot that already completed is not run again.
func (s *Scheduler) RunJob(ctx context.Context, name string) (bool, error) {
	now := s.clock.Now()
	for _, j := range s.jobs() {
		if j.name != name {
			continue
		}
		slot := now.UTC().Format(time.DateOnly)
		if j.name != JobDailySweep {
			var err error
			if slot, err = j.slot(now); err != nil {
				return false, err
			}
		}
		return s.runSlot(ctx, j, slot)
	}
	return false, ErrUnknownJob
}

func (s *Scheduler) runSlot(parent context.Context, j job, slot string) (bool, error) {
	schedMetrics := obsmetrics.Scheduler()

	done, err := s.slotCompleted(parent, j.name, slot)
	if err != nil {
		return false, fmt.Errorf("%s: %w", j.name, err)
	}
	if done {
		schedMetrics.IncBatchDeferred(j.name, obsmetrics.SchedulerBatchDeferredReasonDone)
		return false, nil
	}

	ran := false
	err = s.locker.WithLock(parent, lockPrefix+j.name, s.cfg.JobTimeout+time.Minute, func(ctx context.Context) error {
		// another instance may have finished the slot while we waited for the lock
		if done, err := s.slotCompleted(ctx, j.name, slot); err != nil || done {
			return err
		}
		if err := s.runJob(ctx, j.name, slot, j.batchSize, s.cfg.JobTimeout, j.run); err != nil {
			return err
		}
		ran = true
		return s.markSlotCompleted(ctx, j.name, slot)
	})
	if errors.Is(err, ratelimit.ErrLockHeld) {
		schedMetrics.IncBatchDeferred(j.name, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		s.log.Info("scheduler job held by another instance", zap.String("job", j.name), zap.String("slot", slot))
		return false, nil
	}
	return ran, err
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	slot string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, slot, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.TickInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if runLag := time.Since(nextRun); runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		nextRun = time.Now().Add(s.cfg.TickInterval)
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// an empty list enables every job
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

func (s *Scheduler) slotCompleted(ctx context.Context, name, slot string) (bool, error) {
	var run domain.Run
	err := s.db.WithContext(ctx).Where("job = ?", name).Take(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return run.Slot == slot, nil
}

func (s *Scheduler) markSlotCompleted(ctx context.Context, name, slot string) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job"}},
		DoUpdates: clause.AssignmentColumns([]string{"slot", "completed_at"}),
	}).Create(&domain.Run{
		Job:         name,
		Slot:        slot,
		CompletedAt: s.clock.Now(),
	}).Error
}
