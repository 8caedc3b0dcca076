package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"smallbiznis-referral/pkg/config"
	"smallbiznis-referral/pkg/health"
	"smallbiznis-referral/pkg/middleware"
)

var Module = fx.Module("httpapi",
	health.Module,
	fx.Provide(
		NewEngine,
		NewHandler,
	),
	fx.Invoke(registerHealthEndpoint),
)

func NewEngine(cfg *config.Config, tp trace.TracerProvider) *gin.Engine {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(
		gin.Recovery(),
		middleware.Trace(tp, cfg.AppName),
		middleware.Error(),
	)
	return r
}

func NewHandler(r *gin.Engine) http.Handler {
	return r
}

func registerHealthEndpoint(r *gin.Engine, h health.HealthService) {
	r.GET("/healthz", h.Liveness)
	r.GET("/readyz", h.Readiness)
	zap.L().Debug("[HTTP] health endpoints registered")
}
