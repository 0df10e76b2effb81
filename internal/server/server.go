package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/reckon/internal/config"
	disputedomain "github.com/smallbiznis/reckon/internal/dispute/domain"
	frauddomain "github.com/smallbiznis/reckon/internal/fraud/domain"
	"github.com/smallbiznis/reckon/internal/observability"
	"github.com/smallbiznis/reckon/internal/observability/logger"
	"github.com/smallbiznis/reckon/internal/observability/tracing"
	recondomain "github.com/smallbiznis/reckon/internal/recon/domain"
	webhookdomain "github.com/smallbiznis/reckon/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	LC       fx.Lifecycle
	Log      *zap.Logger
	Cfg      config.Config
	ObsCfg   observability.Config
	Webhooks webhookdomain.Dispatcher
	Disputes disputedomain.Service
	Fraud    frauddomain.Service
	Recon    recondomain.Service
}

// New builds the gin engine and binds it to the fx lifecycle.
func New(p Params) *gin.Engine {
	if !p.ObsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(
		gin.Recovery(),
		tracing.GinMiddleware(),
		func(c *gin.Context) {
			c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context(), p.Log))
			c.Next()
		},
		logger.GinMiddleware(logger.MiddlewareConfig{
			Debug:           p.ObsCfg.Debug(),
			ErrorClassifier: ClassifyForLog,
		}),
	)

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := engine.Group("/api/v1")
	registerWebhookRoutes(v1, p.Webhooks)
	registerDisputeRoutes(v1, p.Disputes)
	registerFraudRoutes(v1, p.Fraud)
	registerReconRoutes(v1, p.Recon)

	srv := &http.Server{
		Addr:              p.Cfg.HTTPAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	p.LC.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				p.Log.Info("http server listening", zap.String("addr", p.Cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					p.Log.Error("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			p.Log.Info("http server shutting down")
			return srv.Shutdown(ctx)
		},
	})
	return engine
}
