package models

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the current state of a scheduled task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not started.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusRunning indicates the task is being executed.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusSucceeded indicates the executor reported success.
	TaskStatusSucceeded TaskStatus = "succeeded"
	// TaskStatusFailed indicates the task failed or timed out.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusSkipped indicates the task was not executed because a dependency did not succeed.
	TaskStatusSkipped TaskStatus = "skipped"
	// TaskStatusCancelled indicates the task was cancelled before or during execution.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusSucceeded, TaskStatusFailed, TaskStatusSkipped, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the task will not change state again.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusSkipped, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Task is the unit handed to the scheduler for execution.
type Task struct {
	// ID is unique within a workflow.
	ID string `json:"id" yaml:"id"`
	// Name is a human readable label.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	// Capability is the registered capability to invoke.
	Capability string `json:"capability" yaml:"capability"`
	// Params is the opaque payload passed to the executor.
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	// DependsOn lists task IDs that must succeed before this task.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// PriorityWeight orders launches within a batch and breaks first_success ties.
	PriorityWeight float64 `json:"priority_weight,omitempty" yaml:"priority_weight,omitempty"`
	// EstimatedDuration is the planner's estimate for this task.
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty" yaml:"estimated_duration,omitempty"`
	// Idempotent marks the task safe to re-invoke under retry_failed.
	Idempotent bool `json:"idempotent,omitempty" yaml:"idempotent,omitempty"`
}

// ErrorKind classifies a task-level execution failure.
type ErrorKind string

const (
	// ErrorKindNone means the task did not fail.
	ErrorKindNone ErrorKind = ""
	// ErrorKindTimeout means the task exceeded its per-task timeout.
	ErrorKindTimeout ErrorKind = "task_timeout"
	// ErrorKindFailure means the executor reported failure or returned an error.
	ErrorKindFailure ErrorKind = "task_failure"
)

// ResourceUsage is what a single invocation consumed.
type ResourceUsage struct {
	WallTime    time.Duration `json:"wall_time"`
	CPUTime     time.Duration `json:"cpu_time,omitempty"`
	MemoryBytes uint64        `json:"memory_bytes,omitempty"`
}

// TaskResult is the per-task outcome of a scheduler run.
type TaskResult struct {
	TaskID         string          `json:"task_id"`
	Capability     string          `json:"capability"`
	Status         TaskStatus      `json:"status"`
	Success        bool            `json:"success"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Error          string          `json:"error,omitempty"`
	ErrorKind      ErrorKind       `json:"error_kind,omitempty"`
	Attempts       int             `json:"attempts"`
	Batch          int             `json:"batch"`
	PriorityWeight float64         `json:"priority_weight,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	ExecutionTime  time.Duration   `json:"execution_time"`
	Estimated      time.Duration   `json:"estimated,omitempty"`
	Usage          ResourceUsage   `json:"usage"`
}
