package main

import (
	"fmt"
	"log"
	"os"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"smallbiznis-referral/pkg/chain"
	"smallbiznis-referral/pkg/config"
	"smallbiznis-referral/pkg/db"
	"smallbiznis-referral/pkg/featureflags"
	"smallbiznis-referral/pkg/gen"
	"smallbiznis-referral/pkg/hashistack/secretmanager"
	"smallbiznis-referral/pkg/logger"
	"smallbiznis-referral/pkg/otelcol"
	"smallbiznis-referral/pkg/profiling"
	"smallbiznis-referral/pkg/redis"
	"smallbiznis-referral/pkg/task"
	"smallbiznis-referral/pkg/taskname"
	"smallbiznis-referral/services/commission"
	"smallbiznis-referral/services/ledger"
	"smallbiznis-referral/services/member"
	"smallbiznis-referral/services/settlement"
	"smallbiznis-referral/services/transfer"
)

func main() {
	opts := []fx.Option{
		configModule(),
		logger.Module,
		otelcol.Module,
		profiling.Module,
		gen.Module,
		db.Module,
		redis.Module,
		featureflags.Module,
		chain.Module,
		ledger.Module,
		transfer.Module,
		commission.Module,
		member.EligibilityModule,
		settlement.Module,
		task.Server,
		task.Periodic,
		fx.Invoke(
			registerHandlers,
			registerPeriodicTasks,
		),
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

func configModule() fx.Option {
	if _, ok := os.LookupEnv("VAULT_ADDR"); ok {
		return fx.Options(secretmanager.Module, config.Module)
	}
	return config.Module
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func registerHandlers(mux *asynq.ServeMux, s *settlement.Scheduler, d *commission.Distributor) {
	mux.HandleFunc(taskname.SettlementTick, s.HandleTickTask)
	mux.HandleFunc(taskname.SettlementForce, s.HandleForceTask)
	mux.HandleFunc(taskname.TransferReconcile, s.HandleReconcileTask)
	mux.HandleFunc(taskname.CommissionDistribute, d.HandleDistributeTask)
}

func registerPeriodicTasks(scheduler *asynq.Scheduler, cfg *config.Config) error {
	tick, err := settlement.NewTickTask(false)
	if err != nil {
		return err
	}
	tickEvery := cfg.Referral.TickInterval
	if tickEvery <= 0 {
		tickEvery = config.DefaultReferral().TickInterval
	}
	if _, err := scheduler.Register(fmt.Sprintf("@every %s", tickEvery), tick); err != nil {
		return err
	}

	reconcile, err := settlement.NewReconcileTask(cfg.Transfer.ReconcileBatch)
	if err != nil {
		return err
	}
	reconcileEvery := cfg.Transfer.ReconcileInterval
	if reconcileEvery <= 0 {
		reconcileEvery = config.DefaultTransfer().ReconcileInterval
	}
	if _, err := scheduler.Register(fmt.Sprintf("@every %s", reconcileEvery), reconcile); err != nil {
		return err
	}

	zap.L().Info("[Worker] periodic tasks registered",
		zap.Duration("tick_every", tickEvery),
		zap.Duration("reconcile_every", reconcileEvery),
	)
	return nil
}
