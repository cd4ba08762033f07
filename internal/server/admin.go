package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	apikeydomain "github.com/smallbiznis/dayledger/internal/apikey/domain"
	auditdomain "github.com/smallbiznis/dayledger/internal/audit/domain"
	ledgerdomain "github.com/smallbiznis/dayledger/internal/ledger/domain"
	"go.uber.org/zap"
)

type grantDaysRequest struct {
	Days   int    `json:"days"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// GrantDays credits days to an account on behalf of an operator.
func (s *Server) GrantDays(c *gin.Context) {
	id, err := parsePathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req grantDaysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.Days <= 0 {
		AbortWithError(c, newValidationError("days", "invalid_days", "days must be positive"))
		return
	}
	kind := ledgerdomain.BalanceKind(strings.ToLower(strings.TrimSpace(req.Kind)))
	if kind == "" {
		kind = ledgerdomain.BalanceBonus
	}
	if !kind.Valid() {
		AbortWithError(c, newValidationError("kind", "invalid_kind", "kind must be trial, paid or bonus"))
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "admin_grant"
	}
	paymentRef := ""
	if kind == ledgerdomain.BalancePaid {
		paymentRef = "admin_" + uuid.NewString()
	}

	ctx := c.Request.Context()
	actor, _ := actorFromContext(ctx)
	res, err := s.lifecycleSvc.AddDays(ctx, id, req.Days, kind, reason, paymentRef)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if auditErr := s.auditSvc.Record(ctx, nil, &id, auditdomain.ActionAdminGrant, map[string]any{
		"actor":  actor.subject(),
		"days":   req.Days,
		"kind":   string(kind),
		"reason": reason,
	}); auditErr != nil {
		s.log.Warn("failed to audit admin grant", zap.String("account_id", id.String()), zap.Error(auditErr))
	}

	s.dispatcher.Dispatch(ctx, res.Events...)
	c.JSON(http.StatusOK, res)
}

func (s *Server) GetDailyStats(c *gin.Context) {
	daily, err := s.statsSvc.Daily(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, daily)
}

func (s *Server) ListCohorts(c *gin.Context) {
	now := s.clock.Now().UTC()
	fromAt, err := parseOptionalTime(c.Query("from"), false)
	if err != nil {
		AbortWithError(c, newValidationError("from", "invalid_from", "invalid from date"))
		return
	}
	toAt, err := parseOptionalTime(c.Query("to"), true)
	if err != nil {
		AbortWithError(c, newValidationError("to", "invalid_to", "invalid to date"))
		return
	}
	to := now
	if toAt != nil {
		to = *toAt
	}
	from := to.AddDate(0, 0, -30)
	if fromAt != nil {
		from = *fromAt
	}
	if to.Before(from) {
		AbortWithError(c, newValidationError("to", "invalid_range", "to must not precede from"))
		return
	}

	rows, err := s.cohortSvc.List(c.Request.Context(), from, to)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cohorts": rows})
}

func (s *Server) RunJob(c *gin.Context) {
	if s.jobs == nil {
		AbortWithError(c, ErrUnavailable)
		return
	}
	name := strings.TrimSpace(c.Param("name"))
	ran, err := s.jobs.RunJob(c.Request.Context(), name)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": name, "ran": ran})
}

func (s *Server) ListAuditLogs(c *gin.Context) {
	var req auditdomain.ListRequest
	if err := c.ShouldBindQuery(&req.Pagination); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	accountID, err := parseOptionalSnowflakeID(c.Query("account_id"))
	if err != nil {
		AbortWithError(c, newValidationError("account_id", "invalid_account_id", "invalid account id"))
		return
	}
	startAt, err := parseOptionalTime(c.Query("start_at"), false)
	if err != nil {
		AbortWithError(c, newValidationError("start_at", "invalid_start_at", "invalid start time"))
		return
	}
	endAt, err := parseOptionalTime(c.Query("end_at"), true)
	if err != nil {
		AbortWithError(c, newValidationError("end_at", "invalid_end_at", "invalid end time"))
		return
	}
	req.AccountID = accountID
	req.Action = strings.TrimSpace(c.Query("action"))
	req.StartAt = startAt
	req.EndAt = endAt

	resp, err := s.auditSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) ListAPIKeys(c *gin.Context) {
	keys, err := s.apiKeySvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"api_keys": keys})
}

func (s *Server) CreateAPIKey(c *gin.Context) {
	var req apikeydomain.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	secret, err := s.apiKeySvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, secret)
}

func (s *Server) RotateAPIKey(c *gin.Context) {
	secret, err := s.apiKeySvc.Rotate(c.Request.Context(), c.Param("key_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, secret)
}

func (s *Server) RevokeAPIKey(c *gin.Context) {
	if err := s.apiKeySvc.Revoke(c.Request.Context(), c.Param("key_id")); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
