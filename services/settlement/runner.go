package settlement

import (
	"context"
	"time"

	"smallbiznis-referral/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Runner ticks the scheduler on a fixed interval inside the API process.
type Runner struct {
	scheduler *Scheduler
	interval  time.Duration
}

func NewRunner(s *Scheduler, cfg *config.Config) *Runner {
	interval := cfg.Referral.TickInterval
	if interval <= 0 {
		interval = time.Hour
	}
	return &Runner{scheduler: s, interval: interval}
}

func StartRunner(lc fx.Lifecycle, r *Runner) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				r.run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}

func (r *Runner) run(ctx context.Context) {
	zap.L().Info("[Settlement] runner started", zap.Duration("interval", r.interval))

	for {
		r.tick(ctx)

		select {
		case <-time.After(r.interval):
		case <-ctx.Done():
			zap.L().Warn("[Settlement] runner stopped")
			return
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	start := time.Now()
	if err := r.scheduler.Tick(ctx, false); err != nil {
		zap.L().Error("[Settlement] tick failed", zap.Duration("duration", time.Since(start)), zap.Error(err))
	}
}
