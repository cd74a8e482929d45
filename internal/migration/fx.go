package migration

import (
	"github.com/smallbiznis/creditguard/internal/config"
	"github.com/smallbiznis/creditguard/internal/seed"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, holder *config.PlanCatalogHolder, log *zap.Logger) error {
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}

		if err := RunMigrations(sqlDB); err != nil {
			return err
		}

		seeded, err := seed.EnsurePlans(conn, holder.Get())
		if err != nil {
			return err
		}
		log.Info("plan catalog seeded", zap.Int("plans", seeded))
		return nil
	}),
)
