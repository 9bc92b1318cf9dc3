// Package dbtest opens an isolated in-memory database bound to database.DB.
package dbtest

import (
	"fmt"
	"strings"
	"testing"

	"eyeweb/internal/database"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var nameReplacer = strings.NewReplacer("/", "_", " ", "_")

// Open migrates a fresh sqlite database named after the test and installs it
// as database.DB until the test ends.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", nameReplacer.Replace(t.Name()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}

	if err := db.Exec("PRAGMA busy_timeout = 5000").Error; err != nil {
		t.Fatalf("set busy timeout: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if _, err := database.SetupDB(
		database.WithExistingDB(db),
		database.WithAutoMigrate(true),
	); err != nil {
		t.Fatalf("setup database: %v", err)
	}

	t.Cleanup(func() {
		database.DB = nil
		_ = sqlDB.Close()
	})

	return db
}
