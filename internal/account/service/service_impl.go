package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/dayledger/internal/account/domain"
	auditdomain "github.com/smallbiznis/dayledger/internal/audit/domain"
	"github.com/smallbiznis/dayledger/internal/cache"
	"github.com/smallbiznis/dayledger/internal/clock"
	"github.com/smallbiznis/dayledger/internal/config"
	ledgerdomain "github.com/smallbiznis/dayledger/internal/ledger/domain"
	"github.com/smallbiznis/dayledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Cfg       config.Config
	Repo      domain.Repository
	LedgerSvc ledgerdomain.Service
	AuditSvc  auditdomain.Service
	Cache     cache.StatusCache `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      domain.Repository
	ledgerSvc ledgerdomain.Service
	auditSvc  auditdomain.Service
	cache     cache.StatusCache
	trialDays int
}

func New(p Params) domain.Service {
	statusCache := p.Cache
	if statusCache == nil {
		statusCache = cache.NoopStatusCache{}
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("account.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		ledgerSvc: p.LedgerSvc,
		auditSvc:  p.AuditSvc,
		cache:     statusCache,
		trialDays: p.Cfg.Ledger.InitialTrialDays,
	}
}

// Register creates the account together with its balance and initial trial.
// A known external id only refreshes the profile.
func (s *Service) Register(ctx context.Context, req domain.RegisterRequest) (domain.RegisterResult, error) {
	externalID := strings.TrimSpace(req.ExternalID)
	if externalID == "" {
		return domain.RegisterResult{}, ledgerdomain.E("account.register", domain.ErrInvalidExternalID)
	}
	username := strings.TrimSpace(req.Username)
	firstName := strings.TrimSpace(req.FirstName)
	now := s.clock.Now()

	existing, err := s.repo.FindByExternalID(ctx, s.db, externalID)
	if err != nil {
		return domain.RegisterResult{}, err
	}
	if existing != nil {
		if existing.Username != username || existing.FirstName != firstName {
			if err := s.repo.UpdateProfile(ctx, s.db, existing.ID, username, firstName, now); err != nil {
				return domain.RegisterResult{}, err
			}
			existing.Username = username
			existing.FirstName = firstName
			existing.UpdatedAt = now
		}
		return domain.RegisterResult{Account: *existing}, nil
	}

	var referrerID *snowflake.ID
	if ref := strings.TrimSpace(req.ReferrerExternalID); ref != "" && ref != externalID {
		referrer, err := s.repo.FindByExternalID(ctx, s.db, ref)
		if err != nil {
			return domain.RegisterResult{}, err
		}
		if referrer != nil {
			id := referrer.ID
			referrerID = &id
		}
	}

	account := domain.Account{
		ID:         s.genID.Generate(),
		ExternalID: externalID,
		Username:   username,
		FirstName:  firstName,
		ReferrerID: referrerID,
		CohortDate: datatypes.Date(now.Truncate(24 * time.Hour)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, &account); err != nil {
			return err
		}
		if err := s.ledgerSvc.WithTx(tx).OpenBalance(ctx, account.ID, s.trialDays, "registration"); err != nil {
			return err
		}
		details := map[string]any{
			"external_id": externalID,
			"username":    username,
			"trial_days":  s.trialDays,
		}
		if referrerID != nil {
			details["referrer_id"] = referrerID.String()
		}
		id := account.ID
		return s.auditSvc.Record(ctx, tx, &id, auditdomain.ActionUserRegistered, details)
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			// lost a registration race; the winner's row is authoritative
			winner, findErr := s.repo.FindByExternalID(ctx, s.db, externalID)
			if findErr == nil && winner != nil {
				return domain.RegisterResult{Account: *winner}, nil
			}
		}
		return domain.RegisterResult{}, ledgerdomain.E("account.register", err)
	}

	s.ledgerSvc.InvalidateStatus(ctx, account.ID)
	s.log.Info("account registered",
		zap.String("account_id", account.ID.String()),
		zap.String("external_id", externalID),
		zap.Bool("referred", referrerID != nil),
	)
	return domain.RegisterResult{Account: account, Created: true}, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (domain.Account, error) {
	account, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return domain.Account{}, err
	}
	if account == nil {
		return domain.Account{}, ledgerdomain.E("account.get", domain.ErrNotFound)
	}
	return *account, nil
}

func (s *Service) GetByExternalID(ctx context.Context, externalID string) (domain.Account, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return domain.Account{}, ledgerdomain.E("account.get", domain.ErrInvalidExternalID)
	}
	account, err := s.repo.FindByExternalID(ctx, s.db, externalID)
	if err != nil {
		return domain.Account{}, err
	}
	if account == nil {
		return domain.Account{}, ledgerdomain.E("account.get", domain.ErrNotFound)
	}
	return *account, nil
}

func (s *Service) SetSubscribed(ctx context.Context, id snowflake.ID, subscribed bool) (bool, error) {
	var changed bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.repo.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if account == nil {
			return domain.ErrNotFound
		}
		changed, err = s.repo.UpdateSubscribed(ctx, tx, id, subscribed, s.clock.Now())
		if err != nil || !changed {
			return err
		}
		return s.auditSvc.Record(ctx, tx, &id, auditdomain.ActionSubscriptionChanged, map[string]any{
			"from": account.Subscribed,
			"to":   subscribed,
		})
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, ledgerdomain.E("account.set_subscribed", err)
		}
		return false, err
	}
	if changed {
		s.cache.Invalidate(ctx, id)
	}
	return changed, nil
}
