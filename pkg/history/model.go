package history

import (
	"time"
)

// TransferRecord is one file transfer attempt of a run.
type TransferRecord struct {
	ID            int       `json:"id"`
	RunID         string    `json:"run_id" gorm:"index;size:64"`
	Direction     string    `json:"direction" gorm:"size:16"`
	ContainerKind string    `json:"container_kind" gorm:"size:16"`
	ContainerID   int64     `json:"container_id"`
	Name          string    `json:"name"`
	Path          string    `json:"path"`
	FileID        int64     `json:"file_id"`
	Size          int64     `json:"size"`
	Status        string    `json:"status" gorm:"size:16"`
	Reason        string    `json:"reason"`
	CreatedAt     time.Time `json:"created_at"`
}

func (TransferRecord) TableName() string {
	return "transfer_records"
}
