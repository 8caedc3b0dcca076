package main

import (
	"log"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"smallbiznis-referral/pkg/chain"
	"smallbiznis-referral/pkg/config"
	"smallbiznis-referral/pkg/db"
	"smallbiznis-referral/pkg/featureflags"
	"smallbiznis-referral/pkg/gen"
	"smallbiznis-referral/pkg/hashistack/secretmanager"
	"smallbiznis-referral/pkg/hashistack/servicediscover"
	"smallbiznis-referral/pkg/httpapi"
	"smallbiznis-referral/pkg/logger"
	"smallbiznis-referral/pkg/otelcol"
	"smallbiznis-referral/pkg/profiling"
	"smallbiznis-referral/pkg/redis"
	"smallbiznis-referral/pkg/sequence"
	"smallbiznis-referral/pkg/server"
	"smallbiznis-referral/pkg/task"
	"smallbiznis-referral/services/commission"
	"smallbiznis-referral/services/ledger"
	"smallbiznis-referral/services/member"
	"smallbiznis-referral/services/placement"
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
		task.Client,
		featureflags.Module,
		chain.Module,
		ledger.Module,
		sequence.Module,
		placement.Module,
		transfer.Module,
		commission.Module,
		member.EligibilityModule,
		member.Module,
		settlement.Module,
		httpapi.Module,
		server.ProvideGRPCServer,
		server.ProvideHTTPServer,
		servicediscover.Module,
		fxLogger,
	}

	// the worker owns periodic ticks in split deployments
	if os.Getenv("SETTLEMENT_RUNNER") != "worker" {
		opts = append(opts, settlement.RunnerModule)
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

// configModule reads secrets from vault when VAULT_ADDR is set and the
// remote config backend when REMOTE_CONFIG_PROVIDER is set.
func configModule() fx.Option {
	_, withVault := os.LookupEnv("VAULT_ADDR")
	_, withRemote := os.LookupEnv("REMOTE_CONFIG_PROVIDER")

	switch {
	case withVault && withRemote:
		return fx.Options(secretmanager.Module, config.RemoteModule)
	case withVault:
		return fx.Options(secretmanager.Module, config.Module)
	default:
		return config.Module
	}
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "debug" {
		return &fxevent.ZapLogger{Logger: logger}
	}
	return fxevent.NopLogger
})
