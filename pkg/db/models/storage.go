package models

import (
	"time"
)

// StorageKind is the variant tag of a Storage.
type StorageKind string

const (
	StorageKindServer    StorageKind = "server"
	StorageKindAzureBlob StorageKind = "azure_blob"
	StorageKindS3        StorageKind = "s3"
)

// Storage represents a named physical location holding file instances.
// Which of the location fields are meaningful depends on Kind.
type Storage struct {
	ID   uint        `gorm:"primaryKey"`
	Name string      `gorm:"type:text;not null;uniqueIndex"`
	Kind StorageKind `gorm:"type:text;not null"`
	// Site is the administrative site the storage belongs to.
	Site string `gorm:"type:text;index"`

	// server
	Host string `gorm:"type:text"`
	Root string `gorm:"type:text"`

	// azure_blob
	Account   string `gorm:"type:text"`
	Container string `gorm:"type:text"`

	// s3
	Endpoint string `gorm:"type:text"`
	Bucket   string `gorm:"type:text"`

	// Prefix is prepended to every path on azure_blob and s3 storages.
	Prefix string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// QueueName is the routing key of transfers targeting this storage.
func (s *Storage) QueueName() string {
	return "transfer." + s.Name
}
