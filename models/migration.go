package models

import (
	"log"

	"gorm.io/gorm"
)

// MigrateTable keeps the reconciliation bookkeeping schema up to date.
func MigrateTable(db *gorm.DB) {
	err := db.AutoMigrate(
		&IdempotencyKey{},
		&ReconRun{},
		&ReconRecordResult{},
	)
	if err != nil {
		log.Printf("auto migration failed: %v", err)
	}
}
