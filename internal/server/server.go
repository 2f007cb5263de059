package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/fiscaldoc/internal/audit/domain"
	"github.com/smallbiznis/fiscaldoc/internal/authorization"
	"github.com/smallbiznis/fiscaldoc/internal/config"
	documentdomain "github.com/smallbiznis/fiscaldoc/internal/document/domain"
	ledgerdomain "github.com/smallbiznis/fiscaldoc/internal/ledger/domain"
	"github.com/smallbiznis/fiscaldoc/internal/observability"
	obsmiddleware "github.com/smallbiznis/fiscaldoc/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/fiscaldoc/internal/observability/metrics"
	obstracing "github.com/smallbiznis/fiscaldoc/internal/observability/tracing"
	organizationdomain "github.com/smallbiznis/fiscaldoc/internal/organization/domain"
	plandomain "github.com/smallbiznis/fiscaldoc/internal/plan/domain"
	"github.com/smallbiznis/fiscaldoc/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/fiscaldoc/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// defaultMaxUploadBytes bounds the in-memory part of a multipart intake.
const defaultMaxUploadBytes = 32 << 20

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	log             *zap.Logger
	authzSvc        authorization.Service
	auditSvc        auditdomain.Service
	documentSvc     documentdomain.Service
	subscriptionSvc subscriptiondomain.Service
	organizationSvc organizationdomain.Service
	ledgerSvc       ledgerdomain.Service
	planSvc         plandomain.Service
	intakeLimiter   *ratelimit.IntakeLimiter
	obsMetrics      *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Log             *zap.Logger
	AuthzSvc        authorization.Service
	AuditSvc        auditdomain.Service `optional:"true"`
	DocumentSvc     documentdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	OrganizationSvc organizationdomain.Service
	LedgerSvc       ledgerdomain.Service
	PlanSvc         plandomain.Service
	IntakeLimiter   *ratelimit.IntakeLimiter `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics      `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		log:             p.Log.Named("http.server"),
		authzSvc:        p.AuthzSvc,
		auditSvc:        p.AuditSvc,
		documentSvc:     p.DocumentSvc,
		subscriptionSvc: p.SubscriptionSvc,
		organizationSvc: p.OrganizationSvc,
		ledgerSvc:       p.LedgerSvc,
		planSvc:         p.PlanSvc,
		intakeLimiter:   p.IntakeLimiter,
		obsMetrics:      p.ObsMetrics,
	}

	svc.engine.MaxMultipartMemory = defaultMaxUploadBytes

	svc.registerCallbackRoutes()
	svc.registerAPIRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerCallbackRoutes() {
	webhooks := s.engine.Group("/webhooks", s.CallbackSecretRequired())
	webhooks.POST("/analysis", s.CompleteAnalysis)

	// Operator routes share the callback secret.
	operator := s.engine.Group("/internal", s.CallbackSecretRequired())
	operator.POST("/companies/:id/verify", s.VerifyCompany)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	api.GET("/plans", s.ListPlans)
	api.POST("/companies", s.UserRequired(), s.CreateCompany)

	company := api.Group("", s.PrincipalRequired())

	// -------- Company --------
	company.GET("/company", s.authorizeCompanyAction(authorization.ObjectCompany, authorization.ActionCompanyView), s.GetCompany)
	company.DELETE("/company", s.authorizeCompanyAction(authorization.ObjectCompany, authorization.ActionCompanyDelete), s.DeleteCompany)
	company.GET("/company/members", s.authorizeCompanyAction(authorization.ObjectCompany, authorization.ActionCompanyView), s.ListMembers)
	company.POST("/company/members", s.authorizeCompanyAction(authorization.ObjectCompany, authorization.ActionCompanyAddMember), s.AddMember)

	// -------- Documents --------
	company.POST("/documents", s.authorizeCompanyAction(authorization.ObjectDocument, authorization.ActionDocumentIntake), s.IntakeRateLimit(), s.IntakeDocuments)
	company.GET("/documents", s.authorizeCompanyAction(authorization.ObjectDocument, authorization.ActionDocumentView), s.ListDocuments)
	company.GET("/documents/:id", s.authorizeCompanyAction(authorization.ObjectDocument, authorization.ActionDocumentView), s.GetDocument)
	company.POST("/documents/:id/resolve", s.authorizeCompanyAction(authorization.ObjectDocument, authorization.ActionDocumentResolve), s.ResolveDocument)

	// -------- Subscriptions --------
	company.GET("/subscription", s.authorizeCompanyAction(authorization.ObjectSubscription, authorization.ActionSubscriptionView), s.GetActiveSubscription)
	company.GET("/subscriptions", s.authorizeCompanyAction(authorization.ObjectSubscription, authorization.ActionSubscriptionView), s.ListSubscriptions)
	company.POST("/subscription/activate", s.authorizeCompanyAction(authorization.ObjectSubscription, authorization.ActionSubscriptionActivate), s.ActivateSubscription)
	company.POST("/subscription/cancel", s.authorizeCompanyAction(authorization.ObjectSubscription, authorization.ActionSubscriptionCancel), s.CancelSubscription)

	// -------- Wallets --------
	company.GET("/wallets/company", s.authorizeCompanyAction(authorization.ObjectWallet, authorization.ActionWalletView), s.GetCompanyWallet)
	company.GET("/wallets/company/transactions", s.authorizeCompanyAction(authorization.ObjectWallet, authorization.ActionWalletView), s.ListCompanyTransactions)
	company.GET("/wallets/me", s.authorizeCompanyAction(authorization.ObjectWallet, authorization.ActionWalletView), s.GetMyWallet)
	company.GET("/wallets/me/transactions", s.authorizeCompanyAction(authorization.ObjectWallet, authorization.ActionWalletView), s.ListMyTransactions)
	company.POST("/wallets/top_up", s.authorizeCompanyAction(authorization.ObjectWallet, authorization.ActionWalletTopUp), s.TopUpWallet)

	// -------- Audit --------
	company.GET("/audit_logs", s.authorizeCompanyAction(authorization.ObjectAuditLog, authorization.ActionAuditLogView), s.ListAuditLogs)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
