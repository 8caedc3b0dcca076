package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("health", fx.Provide(ProvideHealth))

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"

	readinessTimeout = 2 * time.Second
)

type Dependency struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type Health struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Deps    []Dependency `json:"deps"`
}

type HealthService interface {
	Liveness(c *gin.Context)
	Readiness(c *gin.Context)
}

type check struct {
	name string
	ping func(ctx context.Context) error
}

type health struct {
	checks []check
}

type HealthParams struct {
	fx.In
	DB    *gorm.DB      `optional:"true"`
	Redis *redis.Client `optional:"true"`
}

// ProvideHealth checks the ledger database and the redis used for locks and
// the task queue. Missing dependencies are skipped.
func ProvideHealth(p HealthParams) HealthService {
	h := &health{}

	if p.DB != nil {
		h.checks = append(h.checks, check{
			name: p.DB.Dialector.Name(),
			ping: func(ctx context.Context) error {
				sql, err := p.DB.DB()
				if err != nil {
					return err
				}
				return sql.PingContext(ctx)
			},
		})
	}

	if p.Redis != nil {
		h.checks = append(h.checks, check{
			name: "redis",
			ping: func(ctx context.Context) error {
				return p.Redis.Ping(ctx).Err()
			},
		})
	}

	return h
}

func (h *health) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, &Health{
		Status:  StatusHealthy,
		Message: "OK",
	})
}

func (h *health) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()

	this := &Health{
		Status:  StatusHealthy,
		Message: "OK",
		Deps:    make([]Dependency, 0, len(h.checks)),
	}

	for _, chk := range h.checks {
		dep := Dependency{Name: chk.name, Status: StatusHealthy, Message: "OK"}
		if err := chk.ping(ctx); err != nil {
			zap.L().Warn("[Health] dependency not ready", zap.String("dep", chk.name), zap.Error(err))
			dep.Status = StatusUnhealthy
			dep.Message = err.Error()
			this.Status = StatusUnhealthy
			this.Message = "dependency not ready"
		}
		this.Deps = append(this.Deps, dep)
	}

	code := http.StatusOK
	if this.Status != StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, this)
}
