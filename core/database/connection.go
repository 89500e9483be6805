package database

import (
	"fmt"
	"time"

	"github.com/AzielCF/az-publisher/core/config"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// poolHeadroom is added on top of the dispatch workers for the REST API,
// the sweeper and the scheduler poll.
const poolHeadroom = 10

func isSQLite(driver string) bool {
	return driver == "" || driver == "sqlite"
}

func dialectorFor(db config.DatabaseConfig) (gorm.Dialector, error) {
	switch {
	case db.Driver == "postgres":
		return postgres.Open(db.PostgresDSN()), nil
	case isSQLite(db.Driver):
		return sqlite.Open(fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", db.Name)), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", db.Driver)
	}
}

// NewDatabase opens the post and credential database. Timestamps are always
// written in UTC so due-time comparisons match across drivers.
func NewDatabase(cfg *config.Config) (*gorm.DB, error) {
	dialector, err := dialectorFor(cfg.Database)
	if err != nil {
		return nil, err
	}

	level := logger.Warn
	if cfg.App.Debug {
		level = logger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(level),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Database.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access sql pool: %w", err)
	}

	// SQLite allows one writer; claims would otherwise fail with "database is locked".
	open := 1
	if !isSQLite(cfg.Database.Driver) {
		open = cfg.Dispatch.Workers + poolHeadroom
	}
	sqlDB.SetMaxOpenConns(open)
	sqlDB.SetMaxIdleConns(open)
	sqlDB.SetConnMaxLifetime(time.Hour)

	logrus.Debugf("[DB] %s pool sized to %d connections", cfg.Database.Driver, open)
	return db, nil
}
