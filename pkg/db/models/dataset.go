package models

import (
	"time"
)

// Dataset is a named collection of file resources, e.g. a BAM with its index
// or a set of paired-end FASTQ files.
type Dataset struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"type:text;not null;uniqueIndex"`
	Kind string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time

	// Relationships
	FileResources []FileResource `gorm:"many2many:dataset_file_resources"`
}
