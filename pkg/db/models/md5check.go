package models

import (
	"time"
)

// MD5Check records one checksum verification. Rows are never updated.
type MD5Check struct {
	ID             uint   `gorm:"primaryKey"`
	StorageID      uint   `gorm:"not null;index:idx_check_location"`
	Path           string `gorm:"type:text;not null;index:idx_check_location"`
	FileTransferID *uint  `gorm:"index"`

	Expected string `gorm:"type:text;not null"`
	Computed string `gorm:"type:text;not null"`
	Size     int64  `gorm:"not null"`
	Match    bool   `gorm:"not null"`

	CheckedAt time.Time `gorm:"not null"`
}
