package models

import (
	"gorm.io/gorm"
)

// MigrateTable creates or updates the three tables the core owns.
func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&Document{},
		&NotificationRecord{},
		&EventRecord{},
	)
}
