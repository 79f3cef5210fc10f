package database

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"steam-tracker/internal/models"
)

// SchemaVersion is the schema generation this binary writes. Version 2 added
// the subscriptions.options column for per-subscription event filtering.
const SchemaVersion = 2

const schemaVersionKey = "schema_version"

// ErrSchemaTooNew is returned when the database was written by a newer binary.
// Running an old binary against it risks silent data loss, so startup refuses.
var ErrSchemaTooNew = errors.New("database schema is newer than this binary")

// Initialize opens the database named by databaseURL, runs migrations and
// records the schema version. A DSN containing "@tcp(" selects the MySQL
// driver; anything else is treated as a SQLite file path.
func Initialize(databaseURL string) (*gorm.DB, error) {
	dsn := databaseURL
	if dsn == "" {
		dsn = "steam_tracker.db"
	}

	var dialector gorm.Dialector
	isMySQL := strings.Contains(dsn, "@tcp(")
	if isMySQL {
		dialector = mysql.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if isMySQL {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	} else {
		// SQLite serializes writers; more than one open conn just trades
		// errors for lock contention.
		sqlDB.SetMaxOpenConns(1)
	}

	stored, err := storedSchemaVersion(db)
	if err != nil {
		return nil, err
	}
	if stored > SchemaVersion {
		return nil, fmt.Errorf("%w: found version %d, this binary writes version %d", ErrSchemaTooNew, stored, SchemaVersion)
	}

	if err := db.AutoMigrate(
		&models.Title{},
		&models.Subscription{},
		&models.Snapshot{},
		&models.PlayerSample{},
		&models.Meta{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	if err := ensureSubscriptionOptions(db); err != nil {
		return nil, err
	}

	if err := writeSchemaVersion(db, SchemaVersion); err != nil {
		return nil, err
	}
	return db, nil
}

// storedSchemaVersion reads the recorded schema version. A missing meta table
// or missing key means a fresh or pre-versioning database, reported as 0.
func storedSchemaVersion(db *gorm.DB) (int, error) {
	if !db.Migrator().HasTable(&models.Meta{}) {
		return 0, nil
	}
	var meta models.Meta
	err := db.Where("`key` = ?", schemaVersionKey).First(&meta).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	var version int
	if _, err := fmt.Sscanf(meta.Value, "%d", &version); err != nil {
		return 0, fmt.Errorf("corrupt schema version %q: %w", meta.Value, err)
	}
	return version, nil
}

func writeSchemaVersion(db *gorm.DB, version int) error {
	meta := models.Meta{Key: schemaVersionKey, Value: fmt.Sprintf("%d", version)}
	err := db.Save(&meta).Error
	if err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

// ensureSubscriptionOptions backfills the options column on subscriptions for
// databases created before version 2. AutoMigrate adds the column with a zero
// default; rows predating it get every event kind enabled, which matches what
// those subscribers signed up for.
func ensureSubscriptionOptions(db *gorm.DB) error {
	err := db.Model(&models.Subscription{}).
		Where("options = ?", 0).
		Update("options", int64(models.DefaultEventMask())).Error
	if err != nil {
		return fmt.Errorf("failed backfilling subscription options: %w", err)
	}
	return nil
}
