package models

import (
	"time"
)

// FileKind classifies the content of a file resource.
type FileKind string

const (
	FileKindBAM    FileKind = "BAM"
	FileKindBAI    FileKind = "BAI"
	FileKindFastq  FileKind = "FQ"
	FileKindFolder FileKind = "FOLDER"
	FileKindOther  FileKind = "OTHER"
)

// FileResource is the logical identity of a file, independent of where it is stored.
type FileResource struct {
	ID       uint     `gorm:"primaryKey"`
	MD5      string   `gorm:"type:text;not null;uniqueIndex"`
	Path     string   `gorm:"type:text;not null;index"`
	Size     int64    `gorm:"not null"`
	Kind     FileKind `gorm:"type:text;not null"`
	IsFolder bool     `gorm:"default:false"`

	CreatedAt   time.Time
	LastUpdated time.Time `gorm:"autoUpdateTime"`

	// Relationships
	Instances []FileInstance `gorm:"foreignKey:FileResourceID;constraint:OnDelete:CASCADE"`
}

// FileInstance is one physical copy of a FileResource on a Storage.
type FileInstance struct {
	ID             uint `gorm:"primaryKey"`
	FileResourceID uint `gorm:"not null;uniqueIndex:idx_resource_storage"`
	StorageID      uint `gorm:"not null;uniqueIndex:idx_resource_storage"`

	// Verified is set once the copy's checksum matched the resource.
	Verified   bool `gorm:"default:false"`
	VerifiedAt *time.Time
	// Stale is set when the storage no longer holds the file.
	Stale bool `gorm:"default:false"`

	CreatedAt time.Time
	UpdatedAt time.Time

	// Relationships
	FileResource FileResource `gorm:"foreignKey:FileResourceID;references:ID"`
	Storage      Storage      `gorm:"foreignKey:StorageID;references:ID"`
}

// IsVerified reports whether the instance can serve as a trusted copy.
func (fi *FileInstance) IsVerified() bool {
	return fi.Verified && !fi.Stale
}
