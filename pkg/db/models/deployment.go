package models

import (
	"time"
)

// Deployment is a request to ensure the files of a set of datasets exist on a
// destination storage. Its status is derived from its file transfers and is
// never stored.
type Deployment struct {
	ID          uint `gorm:"primaryKey"`
	ToStorageID uint `gorm:"not null;index"`

	CreatedAt time.Time

	// Relationships
	ToStorage     Storage        `gorm:"foreignKey:ToStorageID;references:ID"`
	Datasets      []Dataset      `gorm:"many2many:deployment_datasets"`
	FileTransfers []FileTransfer `gorm:"foreignKey:DeploymentID;constraint:OnDelete:CASCADE"`
}
