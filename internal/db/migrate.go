package db

import (
	"fmt"

	"github.com/zulandar/threadyard/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model owned by the content store.
func AllModels() []interface{} {
	return []interface{}{
		&models.Conversation{},
		&models.ProcessedDay{},
	}
}

// AutoMigrate creates or updates the conversations and processed_days tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
