package store

import (
	"context"

	"github.com/mwantia/tantalus/pkg/db/models"
)

// MetadataStore defines the interface for database operations
type MetadataStore interface {
	// Lifecycle
	Connect(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	Health(ctx context.Context) error

	// Transaction runs fn against a store bound to a single database
	// transaction. The transaction commits when fn returns nil and rolls
	// back otherwise. fn must only use the store it receives.
	Transaction(ctx context.Context, fn func(tx MetadataStore) error) error

	// Storage operations
	CreateStorage(ctx context.Context, storage *models.Storage) error
	GetStorage(ctx context.Context, id uint) (*models.Storage, error)
	GetStorageByName(ctx context.Context, name string) (*models.Storage, error)
	ListStorages(ctx context.Context) ([]models.Storage, error)
	DeleteStorage(ctx context.Context, id uint) error

	// File resource operations
	CreateFileResource(ctx context.Context, resource *models.FileResource) error
	GetFileResource(ctx context.Context, id uint) (*models.FileResource, error)
	GetFileResourceByMD5(ctx context.Context, md5 string) (*models.FileResource, error)
	UpdateFileResource(ctx context.Context, resource *models.FileResource) error

	// File instance operations
	CreateFileInstance(ctx context.Context, instance *models.FileInstance) error
	GetFileInstance(ctx context.Context, resourceID, storageID uint) (*models.FileInstance, error)
	ListFileInstances(ctx context.Context, resourceID uint) ([]models.FileInstance, error)
	UpdateFileInstance(ctx context.Context, instance *models.FileInstance) error
	DeleteFileInstance(ctx context.Context, id uint) error

	// Dataset operations
	CreateDataset(ctx context.Context, dataset *models.Dataset) error
	GetDataset(ctx context.Context, id uint) (*models.Dataset, error)
	GetDatasetByName(ctx context.Context, name string) (*models.Dataset, error)
	AddDatasetFileResources(ctx context.Context, dataset *models.Dataset, resources ...*models.FileResource) error
	ListDatasetFileResources(ctx context.Context, datasetIDs []uint) ([]models.FileResource, error)

	// Deployment operations
	CreateDeployment(ctx context.Context, deployment *models.Deployment) error
	GetDeployment(ctx context.Context, id uint) (*models.Deployment, error)

	// File transfer operations
	CreateFileTransfer(ctx context.Context, transfer *models.FileTransfer) error
	GetFileTransfer(ctx context.Context, id uint) (*models.FileTransfer, error)
	ListFileTransfers(ctx context.Context, deploymentID uint) ([]models.FileTransfer, error)
	ListFileTransfersByState(ctx context.Context, state models.TransferState) ([]models.FileTransfer, error)
	UpdateFileTransfer(ctx context.Context, transfer *models.FileTransfer) error
	// TransitionFileTransfer moves a transfer to state `to` only when its
	// current state is one of `from`, applying updates in the same statement.
	// It reports whether the row was changed.
	TransitionFileTransfer(ctx context.Context, id uint, from []models.TransferState, to models.TransferState, updates map[string]any) (bool, error)
	CountRunningTransfers(ctx context.Context, storageIDs ...uint) (int64, error)
	// ReleaseRunningTransfers moves every running transfer back to queued.
	// Only valid while no worker is running.
	ReleaseRunningTransfers(ctx context.Context) (int64, error)

	// MD5 check operations
	CreateMD5Check(ctx context.Context, check *models.MD5Check) error
	ListMD5Checks(ctx context.Context, storageID uint, path string) ([]models.MD5Check, error)

	// Task message operations
	CreateTaskMessage(ctx context.Context, message *models.TaskMessage) error
	ClaimTaskMessages(ctx context.Context, token string, limit int) ([]models.TaskMessage, error)
	ReleaseTaskMessages(ctx context.Context) (int64, error)
	DeleteTaskMessage(ctx context.Context, id uint) error
}
