package database

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open opens the SQLite database at path and migrates the tables. The special
// path ":memory:" yields a private in-memory database, which is what the
// tests use.
func Open(path string) (*gorm.DB, error) {
	dsn := path
	if path == ":memory:" || path == "" {
		// Shared cache so every pooled connection within the process sees the same in-memory DB.
		dsn = fmt.Sprintf("file:relay-%s?mode=memory&cache=shared", uuid.NewString())
	} else {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	// SQLite serialises writers anyway; a single connection keeps multi-statement
	// transactions from racing each other with SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if err := CreateTables(db); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
