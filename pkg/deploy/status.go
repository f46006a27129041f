package deploy

import (
	"github.com/mwantia/tantalus/pkg/db/models"
)

// Status is the state of a deployment derived from its transfers.
type Status struct {
	Running  bool `json:"running"`
	Finished bool `json:"finished"`
	Errors   bool `json:"errors"`

	Total  int                          `json:"total"`
	Counts map[models.TransferState]int `json:"counts"`
}

// Aggregate derives a deployment status from its transfers: running if any
// transfer runs, finished only when every transfer finished, errors when any
// transfer failed.
func Aggregate(transfers []models.FileTransfer) Status {
	status := Status{
		Total:  len(transfers),
		Counts: make(map[models.TransferState]int, 4),
	}
	for _, transfer := range transfers {
		status.Counts[transfer.State]++
	}

	status.Running = status.Counts[models.TransferRunning] > 0
	status.Finished = status.Counts[models.TransferFinished] == status.Total
	status.Errors = status.Counts[models.TransferFailed] > 0
	return status
}
