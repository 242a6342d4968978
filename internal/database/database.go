package database

import (
	"fmt"
	"time"

	"github.com/ksred/klear-market/internal/config"
	"github.com/ksred/klear-market/internal/database/migrations"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase opens the configured store and runs migrations. sqlite is
// limited to one open connection so transactions never see SQLITE_BUSY from
// a sibling connection in the same process.
func NewDatabase(cfg config.DBConfig) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case config.DriverSQLite:
		dialector = sqlite.Open(cfg.DSN)
	case config.DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.Driver == config.DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := Migrate(db); err != nil {
		sqlDB.Close()
		return nil, err
	}

	log.Info().
		Str("driver", cfg.Driver).
		Msg("database ready")
	return db, nil
}

// Migrate brings the schema up to date.
func Migrate(db *gorm.DB) error {
	if err := migrations.CreateMarketplaceTables(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddMarketplaceIndexes(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
