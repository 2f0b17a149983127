package database

import "gorm.io/gorm"

// DB is the process-wide database handle set by SetupDatabase.
var DB *gorm.DB

// GetDB returns the shared handle, or nil before SetupDatabase ran.
func GetDB() *gorm.DB {
	return DB
}
