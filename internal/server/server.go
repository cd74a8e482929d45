package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/creditguard/internal/audit"
	"github.com/smallbiznis/creditguard/internal/billingevent"
	billingeventdomain "github.com/smallbiznis/creditguard/internal/billingevent/domain"
	"github.com/smallbiznis/creditguard/internal/config"
	"github.com/smallbiznis/creditguard/internal/identity"
	identitydomain "github.com/smallbiznis/creditguard/internal/identity/domain"
	"github.com/smallbiznis/creditguard/internal/ledger"
	ledgerdomain "github.com/smallbiznis/creditguard/internal/ledger/domain"
	"github.com/smallbiznis/creditguard/internal/observability"
	obsmiddleware "github.com/smallbiznis/creditguard/internal/observability/logger"
	obstracing "github.com/smallbiznis/creditguard/internal/observability/tracing"
	"github.com/smallbiznis/creditguard/internal/operation"
	operationdomain "github.com/smallbiznis/creditguard/internal/operation/domain"
	"github.com/smallbiznis/creditguard/internal/plan"
	billingprovider "github.com/smallbiznis/creditguard/internal/providers/billing"
	"github.com/smallbiznis/creditguard/internal/quota"
	quotadomain "github.com/smallbiznis/creditguard/internal/quota/domain"
	"github.com/smallbiznis/creditguard/internal/ratelimit"
	"github.com/smallbiznis/creditguard/internal/subscription"
	"github.com/smallbiznis/creditguard/internal/usage"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	config.Module,
	fx.Provide(NewEngine),
	audit.Module,
	plan.Module,
	subscription.Module,
	ledger.Module,
	usage.Module,
	quota.Module,
	operation.Module,
	billingevent.Module,
	identity.Module,
	billingprovider.Module,
	ratelimit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := strings.TrimSpace(cfg.HTTPAddr)
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
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
			log.Info("http server listening", zap.String("addr", addr))
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
	engine     *gin.Engine
	cfg        config.Config
	log        *zap.Logger
	verifier   identitydomain.Verifier
	quotaSvc   quotadomain.Service
	ledger     ledgerdomain.Service
	executor   operationdomain.Executor
	reconciler billingeventdomain.Reconciler
	checkout   billingprovider.CheckoutProvider
	limiter    *ratelimit.Limiter
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Log        *zap.Logger
	Verifier   identitydomain.Verifier
	QuotaSvc   quotadomain.Service
	Ledger     ledgerdomain.Service
	Executor   operationdomain.Executor
	Reconciler billingeventdomain.Reconciler
	Checkout   billingprovider.CheckoutProvider `optional:"true"`
	Limiter    *ratelimit.Limiter               `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		log:        p.Log.Named("http.server"),
		verifier:   p.Verifier,
		quotaSvc:   p.QuotaSvc,
		ledger:     p.Ledger,
		executor:   p.Executor,
		reconciler: p.Reconciler,
		checkout:   p.Checkout,
		limiter:    p.Limiter,
	}

	svc.registerAPIRoutes()
	svc.registerWebhookRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1")

	credits := api.Group("/credits")
	credits.Use(s.IdentityRequired(identitydomain.ScopeCredits), s.RateLimit(ratelimit.ClassGeneration))
	credits.GET("", s.GetCreditInfo)
	credits.GET("/transactions", s.ListCreditTransactions)
	credits.POST("/authorize", s.AuthorizeOperation)
	credits.POST("/deduct", s.DeductOperation)

	api.POST("/checkout",
		s.IdentityRequired(identitydomain.ScopeCheckout),
		s.RateLimit(ratelimit.ClassCheckout),
		s.CreateCheckout,
	)
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/billing", s.RateLimit(ratelimit.ClassWebhook), s.BillingWebhook)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
