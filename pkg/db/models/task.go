package models

import (
	"time"
)

// TaskMessage is a durable dispatch request for one file transfer.
type TaskMessage struct {
	ID             uint   `gorm:"primaryKey"`
	FileTransferID uint   `gorm:"not null;index"`
	Queue          string `gorm:"type:text;not null;index"`
	ClaimToken     string `gorm:"type:text;index"`

	EnqueuedAt time.Time `gorm:"autoCreateTime"`
	ClaimedAt  *time.Time
}
