package database

import (
	"fmt"

	"gorm.io/gorm"
)

// CreateTables creates all database tables used by the server.
func CreateTables(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("create tables: db is nil")
	}
	if err := db.AutoMigrate(&Session{}, &AdminSession{}, &Signal{}, &RelayMessage{}); err != nil {
		return fmt.Errorf("migrate tables: %w", err)
	}
	return nil
}
