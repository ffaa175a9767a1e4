// Package store implements the repositories on gorm/sqlite.
package store

import (
	"fmt"
	"time"

	"trade_engine/internal/core"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open opens (or creates) the sqlite database and migrates the schema.
// WAL mode and a busy timeout keep the monitor and webhook paths from
// tripping over each other on writes.
func Open(path string, logger core.ILogger) (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", path, err)
	}

	if err := db.AutoMigrate(
		&core.User{},
		&core.PositionGroup{},
		&core.Pyramid{},
		&core.DCAOrder{},
		&core.QueuedSignal{},
		&core.RiskAction{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	logger.Info("Database opened", "path", path)
	return db, nil
}
