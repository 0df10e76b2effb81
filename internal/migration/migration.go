package migration

import (
	"context"
	"errors"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/smallbiznis/reckon/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migration",
	fx.Invoke(Run),
)

// Run applies pending schema migrations at startup. Only postgres runs
// migrations; the sqlite test databases bootstrap their own schema.
func Run(lc fx.Lifecycle, cfg config.Config, db *gorm.DB, log *zap.Logger) error {
	if cfg.DBType != "postgres" {
		log.Info("skipping migrations", zap.String("db_type", cfg.DBType))
		return nil
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}

			driver, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
			if err != nil {
				return err
			}
			source, err := iofs.New(embeddedMigrations, migrationsDir)
			if err != nil {
				return err
			}

			m, err := migrate.NewWithInstance("iofs", source, cfg.DBName, driver)
			if err != nil {
				return err
			}
			if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
				return err
			}

			version, dirty, err := m.Version()
			if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
				return err
			}
			log.Info("migrations applied",
				zap.Uint("version", version),
				zap.Bool("dirty", dirty),
			)
			return nil
		},
	})
	return nil
}
