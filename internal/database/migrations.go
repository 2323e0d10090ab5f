package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/framemark/internal/annotations"
	"github.com/MarcoPoloResearchLab/framemark/internal/store"
	"github.com/MarcoPoloResearchLab/framemark/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CurrentSchemaVersion is the schema version this build writes.
const CurrentSchemaVersion = 2

const (
	migrationBackfillSessionUpdatedAt = "2026-10-01_backfill_session_updated_at"
	migrationDefaultStrokeStyle       = "2026-10-01_default_stroke_style"
	migrationUppercaseStrokeColors    = "2026-10-08_uppercase_stroke_colors"
)

// ErrSchemaTooNew indicates a database written by a newer build. Nothing is migrated.
var ErrSchemaTooNew = errors.New("database: schema version is newer than this build")

type migrationRecord struct {
	Name            string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtMillis int64  `gorm:"column:applied_at_ms;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type schemaVersionRecord struct {
	Version         int   `gorm:"column:version;primaryKey;autoIncrement:false"`
	AppliedAtMillis int64 `gorm:"column:applied_at_ms;not null"`
}

func (schemaVersionRecord) TableName() string {
	return "schema_versions"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func domainModels() []any {
	return []any{
		&users.LocalUser{},
		&annotations.Video{},
		&annotations.Session{},
		&annotations.Comment{},
		&annotations.Stroke{},
	}
}

// Migrate creates missing tables, columns and indexes, then applies pending
// named data migrations. It never drops tables or columns.
func Migrate(ctx context.Context, handle *store.Store) error {
	logger := handle.Logger()
	return handle.WriteTransaction(ctx, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&migrationRecord{}, &schemaVersionRecord{}); err != nil {
			return err
		}
		stored, err := schemaVersionTx(tx)
		if err != nil {
			return err
		}
		if stored > CurrentSchemaVersion {
			return fmt.Errorf("%w: stored %d, supported %d", ErrSchemaTooNew, stored, CurrentSchemaVersion)
		}

		if err := tx.AutoMigrate(domainModels()...); err != nil {
			return err
		}
		if err := applyMigrations(tx, logger); err != nil {
			return err
		}
		if stored == CurrentSchemaVersion {
			return nil
		}
		record := schemaVersionRecord{Version: CurrentSchemaVersion, AppliedAtMillis: time.Now().UTC().UnixMilli()}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		logger.Info("schema version recorded",
			zap.Int("from", stored),
			zap.Int("to", CurrentSchemaVersion))
		return nil
	})
}

// SchemaVersion returns the highest recorded schema version, or 0 for a fresh database.
func SchemaVersion(ctx context.Context, handle *store.Store) (int, error) {
	reader := handle.Reader(ctx)
	if !reader.Migrator().HasTable(&schemaVersionRecord{}) {
		return 0, nil
	}
	return schemaVersionTx(reader)
}

// ResetSchema drops every table this service owns and recreates the current
// schema. All local users, videos, sessions, comments and strokes are lost.
func ResetSchema(ctx context.Context, handle *store.Store) error {
	logger := handle.Logger()
	logger.Warn("destructive schema reset requested", zap.String("path", handle.Path()))

	err := handle.WriteTransaction(ctx, func(tx *gorm.DB) error {
		tables := append(domainModels(), &migrationRecord{}, &schemaVersionRecord{})
		return tx.Migrator().DropTable(tables...)
	})
	if err != nil {
		return err
	}
	if err := Migrate(ctx, handle); err != nil {
		return err
	}
	logger.Warn("destructive schema reset completed", zap.String("path", handle.Path()))
	return nil
}

func schemaVersionTx(db *gorm.DB) (int, error) {
	var version int
	err := db.Model(&schemaVersionRecord{}).Select("COALESCE(MAX(version), 0)").Scan(&version).Error
	return version, err
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillSessionUpdatedAt, apply: backfillSessionUpdatedAt},
		{name: migrationDefaultStrokeStyle, apply: defaultStrokeStyle},
		{name: migrationUppercaseStrokeColors, apply: uppercaseStrokeColors},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		appliedAt := time.Now().UTC().UnixMilli()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtMillis: appliedAt}).Error; err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

func backfillSessionUpdatedAt(db *gorm.DB) error {
	return db.Model(&annotations.Session{}).
		Where("updated_at_ms < created_at_ms").
		Update("updated_at_ms", gorm.Expr("created_at_ms")).Error
}

func defaultStrokeStyle(db *gorm.DB) error {
	if err := db.Model(&annotations.Stroke{}).
		Where("color IS NULL OR color = ''").
		Update("color", annotations.DefaultStrokeColor).Error; err != nil {
		return err
	}
	return db.Model(&annotations.Stroke{}).
		Where("width IS NULL OR width <= 0").
		Update("width", annotations.DefaultStrokeWidth).Error
}

func uppercaseStrokeColors(db *gorm.DB) error {
	return db.Model(&annotations.Stroke{}).
		Where("color <> UPPER(color)").
		Update("color", gorm.Expr("UPPER(color)")).Error
}
