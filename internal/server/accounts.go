package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/dayledger/internal/account/domain"
	ledgerdomain "github.com/smallbiznis/dayledger/internal/ledger/domain"
	lifecycledomain "github.com/smallbiznis/dayledger/internal/lifecycle/domain"
	referraldomain "github.com/smallbiznis/dayledger/internal/referral/domain"
	"github.com/smallbiznis/dayledger/pkg/db/pagination"
	"go.uber.org/zap"
)

type registerAccountResponse struct {
	Account  accountdomain.Account       `json:"account"`
	Created  bool                        `json:"created"`
	Days     lifecycledomain.DaysSummary `json:"days"`
	Referral *referraldomain.Event       `json:"referral,omitempty"`
}

type balanceResponse struct {
	Balance ledgerdomain.Snapshot       `json:"balance"`
	Days    lifecycledomain.DaysSummary `json:"days"`
}

type evaluateRequest struct {
	Subscribed *bool `json:"subscribed"`
}

type createInvoiceRequest struct {
	Tariff string `json:"tariff"`
	Method string `json:"method"`
}

// RegisterAccount opens an account on first contact. Repeated calls return
// the existing account.
func (s *Server) RegisterAccount(c *gin.Context) {
	var req accountdomain.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	res, err := s.accountSvc.Register(ctx, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := registerAccountResponse{Account: res.Account, Created: res.Created}
	if res.Created && res.Account.ReferrerID != nil {
		referral, err := s.referralSvc.HandleNewAccount(ctx, res.Account.ID, *res.Account.ReferrerID)
		if err != nil {
			// the account exists either way; the referral service audits the failure
			s.log.Warn("referral not recorded",
				zap.String("account_id", res.Account.ID.String()),
				zap.Error(err),
			)
		} else {
			resp.Referral = referral.Event
			s.dispatcher.Dispatch(ctx, referral.Events...)
		}
	}

	summary, err := s.lifecycleSvc.DaysSummary(ctx, res.Account.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	resp.Days = summary

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, resp)
}

func (s *Server) GetBalance(c *gin.Context) {
	id, err := parsePathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	snap, err := s.ledgerSvc.Snapshot(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	summary, err := s.lifecycleSvc.DaysSummary(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, balanceResponse{Balance: snap, Days: summary})
}

func (s *Server) EvaluateAccount(c *gin.Context) {
	id, err := parsePathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req evaluateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	if req.Subscribed == nil {
		subscribed, err := parseOptionalBool(c.Query("subscribed"))
		if err != nil {
			AbortWithError(c, newValidationError("subscribed", "invalid_subscribed", "invalid subscribed flag"))
			return
		}
		req.Subscribed = subscribed
	}

	ctx := c.Request.Context()
	res, err := s.lifecycleSvc.Evaluate(ctx, id, req.Subscribed)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.dispatcher.Dispatch(ctx, res.Events...)
	c.JSON(http.StatusOK, res)
}

func (s *Server) CanCreateResource(c *gin.Context) {
	id, err := parsePathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	allowed, reason, err := s.lifecycleSvc.CanCreateResource(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"allowed": allowed, "reason": reason})
}

func (s *Server) ListTransactions(c *gin.Context) {
	id, err := parsePathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.ledgerSvc.ListTransactions(c.Request.Context(), id, page)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetReferralStats(c *gin.Context) {
	id, err := parsePathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	stats, err := s.referralSvc.Stats(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) ListPayments(c *gin.Context) {
	id, err := parsePathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	limit, err := parseOptionalInt(c.Query("limit"), 10)
	if err != nil || limit <= 0 {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}

	items, err := s.paymentSvc.History(c.Request.Context(), id, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": items})
}

func (s *Server) CreateInvoice(c *gin.Context) {
	id, err := parsePathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req createInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.Tariff) == "" {
		AbortWithError(c, newValidationError("tariff", "required", "tariff is required"))
		return
	}

	ctx := c.Request.Context()
	res, err := s.paymentSvc.CreateInvoice(ctx, id, req.Tariff, req.Method)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.dispatcher.Dispatch(ctx, res.Events...)
	c.JSON(http.StatusCreated, res.Invoice)
}
