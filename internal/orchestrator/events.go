package orchestrator

import (
	"errors"
	"time"

	"github.com/ShayCichocki/switchyard/pkg/models"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventRoutePlanned indicates a routing record was written.
	EventRoutePlanned EventType = "route_planned"
	// EventExecutionStarted indicates a parallel run entered in_progress.
	EventExecutionStarted EventType = "execution_started"
	// EventTaskStarted indicates a task was launched.
	EventTaskStarted EventType = "task_started"
	// EventTaskCompleted indicates a task succeeded.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates a task failed or timed out.
	EventTaskFailed EventType = "task_failed"
	// EventTaskSkipped indicates a task was skipped because a dependency did not succeed.
	EventTaskSkipped EventType = "task_skipped"
	// EventTaskCancelled indicates a task was cancelled.
	EventTaskCancelled EventType = "task_cancelled"
	// EventExecutionFinished indicates a parallel run reached a terminal status.
	EventExecutionFinished EventType = "execution_finished"
	// EventEvaluationCompleted indicates an evaluation record was written.
	EventEvaluationCompleted EventType = "evaluation_completed"
)

// OrchestratorEvent is emitted as executions progress. The run command
// prints them as progress lines.
type OrchestratorEvent struct {
	Type EventType
	// ExecutionID is the record the event concerns.
	ExecutionID string
	// ParentID links a run to its routing record.
	ParentID string
	TaskID   string
	// Capability is set on task events.
	Capability string
	// Status is the execution or task status after the event.
	Status  string
	Message string
	Error   error
	// Duration is the elapsed time for finish events.
	Duration  time.Duration
	Timestamp time.Time
}

// taskEvent converts a scheduler task update into an event.
func taskEvent(executionID string, r models.TaskResult) OrchestratorEvent {
	ev := OrchestratorEvent{
		ExecutionID: executionID,
		TaskID:      r.TaskID,
		Capability:  r.Capability,
		Status:      string(r.Status),
		Message:     r.Error,
		Duration:    r.ExecutionTime,
		Timestamp:   time.Now(),
	}
	switch r.Status {
	case models.TaskStatusRunning:
		ev.Type = EventTaskStarted
	case models.TaskStatusSucceeded:
		ev.Type = EventTaskCompleted
	case models.TaskStatusFailed:
		ev.Type = EventTaskFailed
		if r.Error != "" {
			ev.Error = errors.New(r.Error)
		}
	case models.TaskStatusSkipped:
		ev.Type = EventTaskSkipped
	default:
		ev.Type = EventTaskCancelled
	}
	return ev
}
