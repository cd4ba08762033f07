package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/dayledger/internal/audit/domain"
	"github.com/smallbiznis/dayledger/internal/audit/masking"
	"github.com/smallbiznis/dayledger/internal/clock"
	obscontext "github.com/smallbiznis/dayledger/internal/observability/context"
	"github.com/smallbiznis/dayledger/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  auditdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  auditdomain.Repository
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Record(ctx context.Context, tx *gorm.DB, accountID *snowflake.ID, action string, details map[string]any) error {
	action = strings.TrimSpace(action)
	if action == "" {
		return auditdomain.ErrInvalidAction
	}
	if tx == nil {
		tx = s.db
	}

	payload := masking.Details(details)
	if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
		payload["request_id"] = requestID
	}

	actorType, actorID := obscontext.ActorFromContext(ctx)
	if actorType == "" {
		actorType = obscontext.ActorSystem
	}

	entry := auditdomain.AuditEntry{
		ID:        s.genID.Generate(),
		AccountID: accountID,
		ActorType: actorType,
		Action:    action,
		Details:   datatypes.JSONMap(payload),
		CreatedAt: s.clock.Now(),
	}
	if actorID != "" {
		entry.ActorID = &actorID
	}

	if err := s.repo.Insert(ctx, tx, &entry); err != nil {
		s.log.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
		return err
	}
	return nil
}

func (s *Service) List(ctx context.Context, req auditdomain.ListRequest) (auditdomain.ListResponse, error) {
	if req.StartAt != nil && req.EndAt != nil && req.StartAt.After(*req.EndAt) {
		return auditdomain.ListResponse{}, auditdomain.ErrInvalidTimeRange
	}

	var beforeID snowflake.ID
	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil || decoded.ID <= 0 {
			return auditdomain.ListResponse{}, auditdomain.ErrInvalidPageToken
		}
		beforeID = snowflake.ID(decoded.ID)
	}

	limit := req.Limit()
	items, err := s.repo.List(ctx, s.db, auditdomain.ListFilter{
		AccountID: req.AccountID,
		Action:    req.Action,
		StartAt:   req.StartAt,
		EndAt:     req.EndAt,
		BeforeID:  beforeID,
		Limit:     limit,
	})
	if err != nil {
		return auditdomain.ListResponse{}, err
	}

	items, info := pagination.Trim(items, limit, func(e auditdomain.AuditEntry) int64 { return e.ID.Int64() })
	return auditdomain.ListResponse{PageInfo: info, Entries: items}, nil
}
