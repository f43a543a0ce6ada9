package state

import (
	"fmt"
	"log"
	"time"

	"github.com/ShayCichocki/switchyard/pkg/models"
)

// InterruptedError is recorded on executions closed by RecoverInterrupted.
const InterruptedError = "interrupted: orchestrator exited before the execution finished"

// RecoverInterrupted fails every pending or in-progress execution created
// more than staleAfter ago. Such records belong to a process that exited
// without reaching a terminal state. Returns the recovered execution IDs.
func (db *DB) RecoverInterrupted(staleAfter time.Duration) ([]string, error) {
	stale, err := db.ListExecutions(ExecutionFilter{
		Statuses: []models.ExecutionStatus{models.ExecutionPending, models.ExecutionInProgress},
		Until:    time.Now().Add(-staleAfter),
	})
	if err != nil {
		return nil, fmt.Errorf("list interrupted executions: %w", err)
	}

	var recovered []string
	for _, e := range stale {
		if _, err := db.UpdateStatus(e.ID, models.ExecutionFailed, InterruptedError); err != nil {
			// Another process may have finished it in the meantime.
			log.Printf("[state] could not recover execution %s: %v", e.ID, err)
			continue
		}
		recovered = append(recovered, e.ID)
	}
	return recovered, nil
}
