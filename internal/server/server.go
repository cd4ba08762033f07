package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	accountdomain "github.com/smallbiznis/dayledger/internal/account/domain"
	apikeydomain "github.com/smallbiznis/dayledger/internal/apikey/domain"
	auditdomain "github.com/smallbiznis/dayledger/internal/audit/domain"
	"github.com/smallbiznis/dayledger/internal/authorization"
	"github.com/smallbiznis/dayledger/internal/clock"
	cohortdomain "github.com/smallbiznis/dayledger/internal/cohort/domain"
	"github.com/smallbiznis/dayledger/internal/config"
	ledgerdomain "github.com/smallbiznis/dayledger/internal/ledger/domain"
	lifecycledomain "github.com/smallbiznis/dayledger/internal/lifecycle/domain"
	"github.com/smallbiznis/dayledger/internal/notification"
	"github.com/smallbiznis/dayledger/internal/observability"
	obsmiddleware "github.com/smallbiznis/dayledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/dayledger/internal/observability/metrics"
	obstracing "github.com/smallbiznis/dayledger/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/dayledger/internal/payment/domain"
	"github.com/smallbiznis/dayledger/internal/ratelimit"
	referraldomain "github.com/smallbiznis/dayledger/internal/referral/domain"
	"github.com/smallbiznis/dayledger/internal/scheduler"
	statsdomain "github.com/smallbiznis/dayledger/internal/stats/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(RunHTTP),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, srv *Server, log *zap.Logger) {
	httpSrv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           srv.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", httpSrv.Addr))
				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		},
	})
}

// JobRunner triggers scheduler jobs on demand.
type JobRunner interface {
	RunJob(ctx context.Context, name string) (bool, error)
}

type Server struct {
	engine         *gin.Engine
	cfg            config.Config
	log            *zap.Logger
	accountSvc     accountdomain.Service
	ledgerSvc      ledgerdomain.Service
	lifecycleSvc   lifecycledomain.Service
	referralSvc    referraldomain.Service
	paymentSvc     paymentdomain.Service
	statsSvc       statsdomain.Service
	cohortSvc      cohortdomain.Service
	auditSvc       auditdomain.Service
	apiKeySvc      apikeydomain.Service
	authzSvc       authorization.Service
	clock          clock.Clock
	dispatcher     *notification.Dispatcher
	webhookLimiter *ratelimit.WebhookLimiter
	jobs           JobRunner
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	Log            *zap.Logger
	AccountSvc     accountdomain.Service
	LedgerSvc      ledgerdomain.Service
	LifecycleSvc   lifecycledomain.Service
	ReferralSvc    referraldomain.Service
	PaymentSvc     paymentdomain.Service
	StatsSvc       statsdomain.Service
	CohortSvc      cohortdomain.Service
	AuditSvc       auditdomain.Service
	APIKeySvc      apikeydomain.Service
	AuthzSvc       authorization.Service
	Clock          clock.Clock
	Dispatcher     *notification.Dispatcher
	WebhookLimiter *ratelimit.WebhookLimiter `optional:"true"`
	Scheduler      *scheduler.Scheduler      `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		log:            p.Log.Named("http.server"),
		accountSvc:     p.AccountSvc,
		ledgerSvc:      p.LedgerSvc,
		lifecycleSvc:   p.LifecycleSvc,
		referralSvc:    p.ReferralSvc,
		paymentSvc:     p.PaymentSvc,
		statsSvc:       p.StatsSvc,
		cohortSvc:      p.CohortSvc,
		auditSvc:       p.AuditSvc,
		apiKeySvc:      p.APIKeySvc,
		authzSvc:       p.AuthzSvc,
		clock:          p.Clock,
		dispatcher:     p.Dispatcher,
		webhookLimiter: p.WebhookLimiter,
	}
	if p.Scheduler != nil {
		svc.jobs = p.Scheduler
	}

	svc.registerPublicRoutes()
	svc.registerAPIRoutes()
	svc.registerAdminRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerPublicRoutes() {
	s.engine.POST("/webhooks/payments/:provider", s.WebhookRateLimit(), s.HandlePaymentWebhook)
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")

	v1.POST("/accounts", s.RegisterAccount)
	v1.GET("/accounts/:id/balance", s.GetBalance)
	v1.POST("/accounts/:id/evaluate", s.EvaluateAccount)
	v1.GET("/accounts/:id/can-create-resource", s.CanCreateResource)
	v1.GET("/accounts/:id/transactions", s.ListTransactions)
	v1.GET("/accounts/:id/referrals", s.GetReferralStats)
	v1.GET("/accounts/:id/payments", s.ListPayments)
	v1.POST("/accounts/:id/invoices", s.CreateInvoice)

	v1.GET("/payments/:id/receipt", s.GetReceipt)
	v1.GET("/tariffs", s.ListTariffs)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin")
	admin.Use(s.APIKeyRequired())

	admin.POST("/accounts/:id/days", s.authorizeAction(authorization.ObjectAccount, authorization.ActionAccountGrantDays), s.GrantDays)
	admin.GET("/stats", s.authorizeAction(authorization.ObjectStats, authorization.ActionStatsView), s.GetDailyStats)
	admin.GET("/cohorts", s.authorizeAction(authorization.ObjectCohort, authorization.ActionCohortView), s.ListCohorts)
	admin.POST("/jobs/:name/run", s.authorizeAction(authorization.ObjectJob, authorization.ActionJobRun), s.RunJob)
	admin.GET("/audit-logs", s.authorizeAction(authorization.ObjectAuditLog, authorization.ActionAuditLogView), s.ListAuditLogs)

	admin.GET("/api-keys", s.authorizeAction(authorization.ObjectAPIKey, authorization.ActionAPIKeyView), s.ListAPIKeys)
	admin.POST("/api-keys", s.authorizeAction(authorization.ObjectAPIKey, authorization.ActionAPIKeyCreate), s.CreateAPIKey)
	admin.POST("/api-keys/:key_id/rotate", s.authorizeAction(authorization.ObjectAPIKey, authorization.ActionAPIKeyRotate), s.RotateAPIKey)
	admin.POST("/api-keys/:key_id/revoke", s.authorizeAction(authorization.ObjectAPIKey, authorization.ActionAPIKeyRevoke), s.RevokeAPIKey)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
