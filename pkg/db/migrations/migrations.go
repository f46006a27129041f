package migrations

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mwantia/tantalus/pkg/db/models"
	"gorm.io/gorm"
)

// Migration represents one versioned schema change
type Migration struct {
	Version     int
	Description string
	Up          func(*gorm.DB) error
	Down        func(*gorm.DB) error
}

// migrationHistory tracks applied migrations
type migrationHistory struct {
	ID          uint   `gorm:"primaryKey"`
	Version     int    `gorm:"uniqueIndex;not null"`
	Description string `gorm:"type:text"`
	AppliedAt   int64  `gorm:"autoCreateTime"`
}

// MigrationStatus represents the status of a migration
type MigrationStatus struct {
	Version     int
	Description string
	Applied     bool
	AppliedAt   time.Time
}

// Migrator applies migrations in version order, each inside its own transaction
type Migrator struct {
	db         *gorm.DB
	migrations []Migration
}

// NewMigrator creates a new migrator instance
func NewMigrator(db *gorm.DB) *Migrator {
	migrations := allMigrations()
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return &Migrator{
		db:         db,
		migrations: migrations,
	}
}

// Migrate runs all pending migrations and returns how many were applied
func (m *Migrator) Migrate(ctx context.Context) (int, error) {
	applied, err := m.history(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, migration := range m.migrations {
		if _, ok := applied[migration.Version]; ok {
			continue
		}

		if err := m.apply(ctx, migration); err != nil {
			return count, fmt.Errorf("migration %d (%s) failed: %w", migration.Version, migration.Description, err)
		}
		count++
	}

	return count, nil
}

// Rollback reverts up to steps of the most recently applied migrations
func (m *Migrator) Rollback(ctx context.Context, steps int) (int, error) {
	if steps < 1 {
		return 0, nil
	}

	var last []migrationHistory
	if err := m.db.WithContext(ctx).Order("version DESC").Limit(steps).Find(&last).Error; err != nil {
		return 0, fmt.Errorf("failed to query migration history: %w", err)
	}
	if len(last) == 0 {
		return 0, fmt.Errorf("no migrations to rollback")
	}

	count := 0
	for _, entry := range last {
		migration := m.find(entry.Version)
		if migration == nil {
			return count, fmt.Errorf("migration %d not found", entry.Version)
		}

		err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := migration.Down(tx); err != nil {
				return err
			}
			return tx.Delete(&migrationHistory{}, entry.ID).Error
		})
		if err != nil {
			return count, fmt.Errorf("rollback of migration %d failed: %w", entry.Version, err)
		}
		count++
	}

	return count, nil
}

// Status returns the applied state of every known migration
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	applied, err := m.history(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(m.migrations))
	for _, migration := range m.migrations {
		status := MigrationStatus{
			Version:     migration.Version,
			Description: migration.Description,
		}
		if entry, ok := applied[migration.Version]; ok {
			status.Applied = true
			status.AppliedAt = time.Unix(entry.AppliedAt, 0).UTC()
		}
		statuses = append(statuses, status)
	}

	return statuses, nil
}

func (m *Migrator) history(ctx context.Context) (map[int]migrationHistory, error) {
	if err := m.db.WithContext(ctx).AutoMigrate(&migrationHistory{}); err != nil {
		return nil, fmt.Errorf("failed to create migration history table: %w", err)
	}

	var entries []migrationHistory
	if err := m.db.WithContext(ctx).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to query migration history: %w", err)
	}

	applied := make(map[int]migrationHistory, len(entries))
	for _, entry := range entries {
		applied[entry.Version] = entry
	}
	return applied, nil
}

func (m *Migrator) find(version int) *Migration {
	for i := range m.migrations {
		if m.migrations[i].Version == version {
			return &m.migrations[i]
		}
	}
	return nil
}

func (m *Migrator) apply(ctx context.Context, migration Migration) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := migration.Up(tx); err != nil {
			return err
		}

		return tx.Create(&migrationHistory{
			Version:     migration.Version,
			Description: migration.Description,
		}).Error
	})
}

// allMigrations returns all migrations in order
func allMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Initial schema creation",
			Up: func(db *gorm.DB) error {
				return db.AutoMigrate(
					&models.Storage{},
					&models.FileResource{},
					&models.FileInstance{},
					&models.Dataset{},
					&models.Deployment{},
					&models.FileTransfer{},
					&models.MD5Check{},
					&models.TaskMessage{},
				)
			},
			Down: func(db *gorm.DB) error {
				return db.Migrator().DropTable(
					&models.TaskMessage{},
					&models.MD5Check{},
					&models.FileTransfer{},
					"deployment_datasets",
					&models.Deployment{},
					"dataset_file_resources",
					&models.Dataset{},
					&models.FileInstance{},
					&models.FileResource{},
					&models.Storage{},
				)
			},
		},
		{
			// At most one queued or running transfer per (file resource, destination).
			Version:     2,
			Description: "Unique in-flight transfer per destination copy",
			Up: func(db *gorm.DB) error {
				return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_active_transfer
					ON file_transfers (file_resource_id, to_storage_id)
					WHERE state IN ('queued', 'running')`).Error
			},
			Down: func(db *gorm.DB) error {
				return db.Exec(`DROP INDEX IF EXISTS idx_active_transfer`).Error
			},
		},
	}
}
