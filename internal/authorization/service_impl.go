package authorization

import (
	"context"
	_ "embed"
	"slices"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/smallbiznis/dayledger/internal/audit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectAccount  = "account"
	ObjectStats    = "stats"
	ObjectCohort   = "cohort"
	ObjectJob      = "job"
	ObjectAPIKey   = "api_key"
	ObjectAuditLog = "audit_log"
)

const (
	ActionAccountView      = "account.view"
	ActionAccountGrantDays = "account.grant_days"

	ActionStatsView  = "stats.view"
	ActionCohortView = "cohort.view"

	ActionJobRun = "job.run"

	ActionAPIKeyView   = "api_key.view"
	ActionAPIKeyCreate = "api_key.create"
	ActionAPIKeyRotate = "api_key.rotate"
	ActionAPIKeyRevoke = "api_key.revoke"

	ActionAuditLogView = "audit_log.view"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor Actor, object string, action string) error {
	subject := strings.TrimSpace(actor.Subject)
	if subject == "" || strings.HasPrefix(subject, "role:") {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	if err := s.ensureGrouping(subject, roleNames(actor.Roles)); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Info("authorization denied",
			zap.String("subject", subject),
			zap.String("object", object),
			zap.String("action", action),
		)
		s.audit(ctx, auditdomain.ActionAuthorizationDenied, subject, object, action)
		return ErrForbidden
	}

	if shouldAuditGrant(action) {
		s.audit(ctx, auditdomain.ActionAuthorizationGranted, subject, object, action)
	}
	return nil
}

// ensureGrouping makes the subject's role links match roles exactly.
func (s *ServiceImpl) ensureGrouping(subject string, roles []string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 || slices.Contains(roles, rule[1]) {
			continue
		}
		if _, err := s.enforcer.RemoveGroupingPolicy(rule[0], rule[1]); err != nil {
			return err
		}
	}

	for _, role := range roles {
		has, err := s.enforcer.HasGroupingPolicy(subject, role)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := s.enforcer.AddGroupingPolicy(subject, role); err != nil {
			return err
		}
	}
	return nil
}

func (s *ServiceImpl) audit(ctx context.Context, auditAction, subject, object, action string) {
	if s.auditSvc == nil {
		return
	}
	if err := s.auditSvc.Record(ctx, nil, nil, auditAction, map[string]any{
		"subject": subject,
		"object":  object,
		"action":  action,
	}); err != nil {
		s.log.Warn("failed to audit authorization decision", zap.String("subject", subject), zap.Error(err))
	}
}

func roleNames(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, role := range roles {
		role = strings.ToLower(strings.TrimSpace(role))
		if role == "" {
			continue
		}
		name := "role:" + role
		if !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}

func shouldAuditGrant(action string) bool {
	switch action {
	case ActionAPIKeyCreate, ActionAPIKeyRotate, ActionAPIKeyRevoke, ActionJobRun:
		return true
	default:
		return false
	}
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Viewer permissions (read-only)
		{"role:viewer", ObjectAccount, ActionAccountView},
		{"role:viewer", ObjectStats, ActionStatsView},
		{"role:viewer", ObjectCohort, ActionCohortView},

		// Operator permissions
		{"role:operator", ObjectAccount, ActionAccountGrantDays},
		{"role:operator", ObjectJob, ActionJobRun},
		{"role:operator", ObjectAuditLog, ActionAuditLogView},

		// Admin permissions
		{"role:admin", ObjectAPIKey, ActionAPIKeyView},
		{"role:admin", ObjectAPIKey, ActionAPIKeyCreate},
		{"role:admin", ObjectAPIKey, ActionAPIKeyRotate},
		{"role:admin", ObjectAPIKey, ActionAPIKeyRevoke},
	}
	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy[0], policy[1], policy[2]); err != nil {
			return err
		}
	}

	inheritance := [][]string{
		{"role:operator", "role:viewer"},
		{"role:admin", "role:operator"},
	}
	for _, link := range inheritance {
		if _, err := enforcer.AddGroupingPolicy(link[0], link[1]); err != nil {
			return err
		}
	}
	return nil
}
