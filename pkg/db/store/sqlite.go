package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/mwantia/tantalus/pkg/db/migrations"
	"github.com/mwantia/tantalus/pkg/db/models"
	"github.com/mwantia/tantalus/pkg/errdefs"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// SQLiteStore implements MetadataStore using SQLite
type SQLiteStore struct {
	db   *gorm.DB
	path string
}

// DB returns the underlying GORM database instance
func (s *SQLiteStore) DB() *gorm.DB {
	return s.db
}

// SQLiteConfig holds SQLite-specific configuration
type SQLiteConfig struct {
	Path         string
	MaxOpenConns int
	LogLevel     logger.LogLevel
}

// NewSQLiteStore creates a new SQLite-backed metadata store
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	// Default to silent logging
	if cfg.LogLevel == 0 {
		cfg.LogLevel = logger.Silent
	}

	db, err := gorm.Open(sqlite.Open(cfg.Path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"), &gorm.Config{
		Logger:         logger.Default.LogMode(cfg.LogLevel),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	return &SQLiteStore{
		db:   db,
		path: cfg.Path,
	}, nil
}

// IsNotFound reports whether err was caused by a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// IsUniqueViolation reports whether err was caused by a uniqueness constraint.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Connect initializes the database connection
func (s *SQLiteStore) Connect(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	// A single connection serializes writers; transactions queue behind each other.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return sqlDB.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}
	return sqlDB.Close()
}

// Migrate applies all pending schema migrations
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := migrations.NewMigrator(s.db).Migrate(ctx); err != nil {
		return err
	}
	return nil
}

// Health checks database connectivity
func (s *SQLiteStore) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLiteStore) Transaction(ctx context.Context, fn func(tx MetadataStore) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&SQLiteStore{db: tx, path: s.path})
	})
}

// Storage operations

func (s *SQLiteStore) CreateStorage(ctx context.Context, storage *models.Storage) error {
	return s.db.WithContext(ctx).Create(storage).Error
}

func (s *SQLiteStore) GetStorage(ctx context.Context, id uint) (*models.Storage, error) {
	var storage models.Storage
	if err := s.db.WithContext(ctx).First(&storage, id).Error; err != nil {
		return nil, err
	}
	return &storage, nil
}

func (s *SQLiteStore) GetStorageByName(ctx context.Context, name string) (*models.Storage, error) {
	var storage models.Storage
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&storage).Error; err != nil {
		return nil, err
	}
	return &storage, nil
}

func (s *SQLiteStore) ListStorages(ctx context.Context) ([]models.Storage, error) {
	var storages []models.Storage
	err := s.db.WithContext(ctx).Order("name").Find(&storages).Error
	return storages, err
}

func (s *SQLiteStore) DeleteStorage(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Delete(&models.Storage{}, id).Error
}

// File resource operations

func (s *SQLiteStore) CreateFileResource(ctx context.Context, resource *models.FileResource) error {
	return s.db.WithContext(ctx).Omit(clause.Associations).Create(resource).Error
}

func (s *SQLiteStore) GetFileResource(ctx context.Context, id uint) (*models.FileResource, error) {
	var resource models.FileResource
	if err := s.db.WithContext(ctx).First(&resource, id).Error; err != nil {
		return nil, err
	}
	return &resource, nil
}

func (s *SQLiteStore) GetFileResourceByMD5(ctx context.Context, md5 string) (*models.FileResource, error) {
	var resource models.FileResource
	if err := s.db.WithContext(ctx).Where("md5 = ?", md5).First(&resource).Error; err != nil {
		return nil, err
	}
	return &resource, nil
}

func (s *SQLiteStore) UpdateFileResource(ctx context.Context, resource *models.FileResource) error {
	return s.db.WithContext(ctx).Omit(clause.Associations).Save(resource).Error
}

// File instance operations

func (s *SQLiteStore) CreateFileInstance(ctx context.Context, instance *models.FileInstance) error {
	return s.db.WithContext(ctx).Omit(clause.Associations).Create(instance).Error
}

func (s *SQLiteStore) GetFileInstance(ctx context.Context, resourceID, storageID uint) (*models.FileInstance, error) {
	var instance models.FileInstance
	err := s.db.WithContext(ctx).
		Preload("Storage").
		Where("file_resource_id = ? AND storage_id = ?", resourceID, storageID).
		First(&instance).Error
	if err != nil {
		return nil, err
	}
	return &instance, nil
}

func (s *SQLiteStore) ListFileInstances(ctx context.Context, resourceID uint) ([]models.FileInstance, error) {
	var instances []models.FileInstance
	err := s.db.WithContext(ctx).
		Preload("Storage").
		Where("file_resource_id = ?", resourceID).
		Order("id").
		Find(&instances).Error
	return instances, err
}

func (s *SQLiteStore) UpdateFileInstance(ctx context.Context, instance *models.FileInstance) error {
	return s.db.WithContext(ctx).Omit(clause.Associations).Save(instance).Error
}

func (s *SQLiteStore) DeleteFileInstance(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Delete(&models.FileInstance{}, id).Error
}

// Dataset operations

func (s *SQLiteStore) CreateDataset(ctx context.Context, dataset *models.Dataset) error {
	return s.db.WithContext(ctx).Create(dataset).Error
}

func (s *SQLiteStore) GetDataset(ctx context.Context, id uint) (*models.Dataset, error) {
	var dataset models.Dataset
	if err := s.db.WithContext(ctx).Preload("FileResources").First(&dataset, id).Error; err != nil {
		return nil, err
	}
	return &dataset, nil
}

func (s *SQLiteStore) GetDatasetByName(ctx context.Context, name string) (*models.Dataset, error) {
	var dataset models.Dataset
	err := s.db.WithContext(ctx).
		Preload("FileResources").
		Where("name = ?", name).
		First(&dataset).Error
	if err != nil {
		return nil, err
	}
	return &dataset, nil
}

func (s *SQLiteStore) AddDatasetFileResources(ctx context.Context, dataset *models.Dataset, resources ...*models.FileResource) error {
	if len(resources) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(dataset).Association("FileResources").Append(resources)
}

func (s *SQLiteStore) ListDatasetFileResources(ctx context.Context, datasetIDs []uint) ([]models.FileResource, error) {
	var resources []models.FileResource
	if len(datasetIDs) == 0 {
		return resources, nil
	}

	members := s.db.Table("dataset_file_resources").
		Select("file_resource_id").
		Where("dataset_id IN ?", datasetIDs)

	err := s.db.WithContext(ctx).
		Where("id IN (?)", members).
		Order("id").
		Find(&resources).Error
	return resources, err
}

// Deployment operations

func (s *SQLiteStore) CreateDeployment(ctx context.Context, deployment *models.Deployment) error {
	return s.db.WithContext(ctx).Omit("ToStorage", "FileTransfers", "Datasets.*").Create(deployment).Error
}

func (s *SQLiteStore) GetDeployment(ctx context.Context, id uint) (*models.Deployment, error) {
	var deployment models.Deployment
	err := s.db.WithContext(ctx).
		Preload("ToStorage").
		Preload("Datasets").
		Preload("FileTransfers", func(db *gorm.DB) *gorm.DB {
			return db.Order("file_transfers.id")
		}).
		First(&deployment, id).Error
	if err != nil {
		return nil, err
	}
	return &deployment, nil
}

// File transfer operations

func (s *SQLiteStore) CreateFileTransfer(ctx context.Context, transfer *models.FileTransfer) error {
	err := s.db.WithContext(ctx).Omit(clause.Associations).Create(transfer).Error
	if IsUniqueViolation(err) {
		return fmt.Errorf("%w: file resource %d to storage %d: %v",
			errdefs.ErrTransferInFlight, transfer.FileResourceID, transfer.ToStorageID, err)
	}
	return err
}

func (s *SQLiteStore) GetFileTransfer(ctx context.Context, id uint) (*models.FileTransfer, error) {
	var transfer models.FileTransfer
	err := s.db.WithContext(ctx).
		Preload("FileResource").
		Preload("FromStorage").
		Preload("ToStorage").
		First(&transfer, id).Error
	if err != nil {
		return nil, err
	}
	return &transfer, nil
}

func (s *SQLiteStore) ListFileTransfers(ctx context.Context, deploymentID uint) ([]models.FileTransfer, error) {
	var transfers []models.FileTransfer
	err := s.db.WithContext(ctx).
		Where("deployment_id = ?", deploymentID).
		Order("id").
		Find(&transfers).Error
	return transfers, err
}

func (s *SQLiteStore) ListFileTransfersByState(ctx context.Context, state models.TransferState) ([]models.FileTransfer, error) {
	var transfers []models.FileTransfer
	err := s.db.WithContext(ctx).
		Preload("ToStorage").
		Where("state = ?", string(state)).
		Order("id").
		Find(&transfers).Error
	return transfers, err
}

func (s *SQLiteStore) UpdateFileTransfer(ctx context.Context, transfer *models.FileTransfer) error {
	err := s.db.WithContext(ctx).Omit(clause.Associations).Save(transfer).Error
	if IsUniqueViolation(err) {
		return fmt.Errorf("%w: file resource %d to storage %d: %v",
			errdefs.ErrTransferInFlight, transfer.FileResourceID, transfer.ToStorageID, err)
	}
	return err
}

func (s *SQLiteStore) TransitionFileTransfer(ctx context.Context, id uint, from []models.TransferState, to models.TransferState, updates map[string]any) (bool, error) {
	values := map[string]any{"state": string(to)}
	for k, v := range updates {
		values[k] = v
	}

	result := s.db.WithContext(ctx).
		Model(&models.FileTransfer{}).
		Where("id = ? AND state IN ?", id, stateStrings(from)).
		Updates(values)
	if result.Error != nil {
		if IsUniqueViolation(result.Error) {
			return false, fmt.Errorf("%w: transfer %d: %v", errdefs.ErrTransferInFlight, id, result.Error)
		}
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (s *SQLiteStore) CountRunningTransfers(ctx context.Context, storageIDs ...uint) (int64, error) {
	var count int64
	query := s.db.WithContext(ctx).
		Model(&models.FileTransfer{}).
		Where("state = ?", string(models.TransferRunning))

	if len(storageIDs) > 0 {
		query = query.Where("from_storage_id IN ? OR to_storage_id IN ?", storageIDs, storageIDs)
	}

	err := query.Count(&count).Error
	return count, err
}

func (s *SQLiteStore) ReleaseRunningTransfers(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&models.FileTransfer{}).
		Where("state = ?", string(models.TransferRunning)).
		Updates(map[string]any{"state": string(models.TransferQueued), "started_at": nil})
	return result.RowsAffected, result.Error
}

// MD5 check operations

func (s *SQLiteStore) CreateMD5Check(ctx context.Context, check *models.MD5Check) error {
	return s.db.WithContext(ctx).Create(check).Error
}

func (s *SQLiteStore) ListMD5Checks(ctx context.Context, storageID uint, path string) ([]models.MD5Check, error) {
	var checks []models.MD5Check
	err := s.db.WithContext(ctx).
		Where("storage_id = ? AND path = ?", storageID, path).
		Order("checked_at DESC, id DESC").
		Find(&checks).Error
	return checks, err
}

// Task message operations

func (s *SQLiteStore) CreateTaskMessage(ctx context.Context, message *models.TaskMessage) error {
	return s.db.WithContext(ctx).Create(message).Error
}

func (s *SQLiteStore) ClaimTaskMessages(ctx context.Context, token string, limit int) ([]models.TaskMessage, error) {
	var claimed []models.TaskMessage

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []uint
		query := tx.Model(&models.TaskMessage{}).
			Where("claimed_at IS NULL").
			Order("id")
		if limit > 0 {
			query = query.Limit(limit)
		}
		if err := query.Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		now := time.Now().UTC()
		err := tx.Model(&models.TaskMessage{}).
			Where("id IN ? AND claimed_at IS NULL", ids).
			Updates(map[string]any{"claim_token": token, "claimed_at": now}).Error
		if err != nil {
			return err
		}

		return tx.Where("claim_token = ?", token).Order("id").Find(&claimed).Error
	})

	return claimed, err
}

func (s *SQLiteStore) ReleaseTaskMessages(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&models.TaskMessage{}).
		Where("claimed_at IS NOT NULL").
		Updates(map[string]any{"claim_token": "", "claimed_at": nil})
	return result.RowsAffected, result.Error
}

func (s *SQLiteStore) DeleteTaskMessage(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Delete(&models.TaskMessage{}, id).Error
}

func stateStrings(states []models.TransferState) []string {
	values := make([]string, 0, len(states))
	for _, state := range states {
		values = append(values, string(state))
	}
	return values
}
