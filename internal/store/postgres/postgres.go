// Package postgres owns the shared GORM connection pool and the tenant
// data model.
package postgres

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open establishes the process-wide connection pool. One pool is shared
// by every bot hosted in this process.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	return db, nil
}

// Close releases the pool's underlying *sql.DB.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// AutoMigrate creates/updates every table this runtime owns.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Bot{},
		&BotSpec{},
		&BotEvent{},
		&Locale{},
		&I18nKey{},
		&BotUser{},
		&Broadcast{},
		&BroadcastEvent{},
		&Booking{},
	)
}
