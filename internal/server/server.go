// Package server exposes the HTTP control plane: workflow intake and
// inspection, direct access to the extractor, ERP facade and
// communicator, the audit trail, and operational endpoints.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	auditdomain "github.com/smallbiznis/cashup/internal/audit/domain"
	commdomain "github.com/smallbiznis/cashup/internal/communicator/domain"
	"github.com/smallbiznis/cashup/internal/communicator/templates"
	"github.com/smallbiznis/cashup/internal/config"
	erpdomain "github.com/smallbiznis/cashup/internal/erp/domain"
	extractdomain "github.com/smallbiznis/cashup/internal/extract/domain"
	"github.com/smallbiznis/cashup/internal/observability"
	obslogger "github.com/smallbiznis/cashup/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/cashup/internal/observability/metrics"
	obstracing "github.com/smallbiznis/cashup/internal/observability/tracing"
	orchdomain "github.com/smallbiznis/cashup/internal/orchestrator/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) { s.RegisterRoutes() }),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())
	return r
}

type ServerParams struct {
	fx.In

	Gin *gin.Engine
	Cfg config.Config
	Log *zap.Logger
	DB  *gorm.DB

	Workflows  orchdomain.Service
	Extractor  extractdomain.Service
	ERP        erpdomain.Facade
	Comms      commdomain.Service
	Templates  *templates.Registry
	AuditSvc   auditdomain.Service
	Redis      *redis.Client       `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Server struct {
	engine *gin.Engine
	cfg    config.Config
	log    *zap.Logger
	db     *gorm.DB

	workflows  orchdomain.Service
	extractor  extractdomain.Service
	erp        erpdomain.Facade
	comms      commdomain.Service
	templates  *templates.Registry
	auditSvc   auditdomain.Service
	redis      *redis.Client
	obsMetrics *obsmetrics.Metrics
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		log:        p.Log.Named("server"),
		db:         p.DB,
		workflows:  p.Workflows,
		extractor:  p.Extractor,
		erp:        p.ERP,
		comms:      p.Comms,
		templates:  p.Templates,
		auditSvc:   p.AuditSvc,
		redis:      p.Redis,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) RegisterRoutes() {
	r := s.engine

	r.GET("/health", s.Health)
	r.GET("/version", s.Version)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := s.BearerAuthRequired()

	workflows := r.Group("/workflows")
	workflows.POST("/cash-application/start", auth, s.StartWorkflow)
	workflows.GET("", s.ListWorkflows)
	workflows.GET("/:id", s.GetWorkflow)
	workflows.POST("/:id/cancel", auth, s.CancelWorkflow)

	r.POST("/extract", auth, s.Extract)
	r.POST("/invoices/fetch", auth, s.FetchInvoices)
	r.POST("/applications", auth, s.PostApplication)
	r.GET("/erp/:system/test", s.TestERPConnection)

	r.POST("/notifications", auth, s.DispatchNotification)
	r.GET("/templates", s.ListTemplates)

	r.GET("/audit/events", s.QueryAuditEvents)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
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
