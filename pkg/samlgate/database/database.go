package database

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var DB *gorm.DB

// Connect initializes the database connection. The default driver is SQLite;
// pass "postgres" with a full DSN for production deployments.
func Connect(driver, dsn string) error {
	cfg := &gorm.Config{TranslateError: true}

	var err error
	switch driver {
	case "", "sqlite":
		DB, err = gorm.Open(sqlite.Open(dsn), cfg)
	case "postgres":
		DB, err = gorm.Open(postgres.Open(dsn), cfg)
	default:
		return fmt.Errorf("unsupported database driver %q", driver)
	}
	return err
}

// GetDB returns the database instance.
func GetDB() *gorm.DB {
	return DB
}
