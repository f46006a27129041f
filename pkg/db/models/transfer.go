package models

import (
	"time"
)

type TransferState string

const (
	TransferQueued   TransferState = "queued"
	TransferRunning  TransferState = "running"
	TransferFinished TransferState = "finished"
	TransferFailed   TransferState = "failed"
)

// Terminal reports whether no worker will move the transfer any further
// without a restart.
func (s TransferState) Terminal() bool {
	return s == TransferFinished || s == TransferFailed
}

// ActiveTransferStates are the states covered by the in-flight uniqueness index.
var ActiveTransferStates = []TransferState{TransferQueued, TransferRunning}

// FileTransfer copies one file resource from a source to a destination storage.
type FileTransfer struct {
	ID             uint          `gorm:"primaryKey"`
	DeploymentID   uint          `gorm:"not null;index"`
	FileResourceID uint          `gorm:"not null;index"`
	FromStorageID  uint          `gorm:"not null;index"`
	ToStorageID    uint          `gorm:"not null;index"`
	State          TransferState `gorm:"type:text;not null;index"`

	Attempts  int    `gorm:"default:0"`
	Error     string `gorm:"type:text"`
	ErrorKind string `gorm:"type:text"`

	StartedAt  *time.Time
	FinishedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time

	// Relationships
	FileResource FileResource `gorm:"foreignKey:FileResourceID;references:ID"`
	FromStorage  Storage      `gorm:"foreignKey:FromStorageID;references:ID"`
	ToStorage    Storage      `gorm:"foreignKey:ToStorageID;references:ID"`
}
