package postgres

import (
	"gorm.io/gorm"
)

// UserScope returns a GORM scope that filters by user_id.
// Must be applied to every conversation lookup so users never see each other's threads.
func UserScope(userID string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("user_id = ?", userID)
	}
}
