package ledger

import (
	"smallbiznis-referral/pkg/config"
	"smallbiznis-referral/pkg/sequence"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("ledger.store",
	fx.Provide(
		NewStore,
		func(s *Store) sequence.CounterStore { return s },
	),
	fx.Invoke(autoMigrate),
)

func autoMigrate(db *gorm.DB, cfg *config.Config) error {
	if !cfg.Database.AutoMigrate {
		return nil
	}

	if err := Migrate(db); err != nil {
		zap.L().Error("[DB] failed to migrate ledger tables", zap.Error(err))
		return err
	}

	zap.L().Info("[DB] ledger tables migrated")
	return nil
}
