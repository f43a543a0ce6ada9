package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

// Kinds of SchedulingError. Match them with errors.Is.
var (
	ErrCyclicDependency   = errors.New("cyclic dependency")
	ErrDanglingDependency = errors.New("dangling dependency")
	// ErrInvalidTaskSet covers duplicate or empty task IDs.
	ErrInvalidTaskSet = errors.New("invalid task set")
)

// Kinds of ExecutionError.
var (
	ErrTaskTimeout = errors.New("task timeout")
	ErrTaskFailure = errors.New("task failure")
)

// SchedulingError is returned before any task runs when the task set cannot
// be ordered.
type SchedulingError struct {
	Kind    error
	TaskIDs []string
	Err     error
}

func (e *SchedulingError) Error() string {
	msg := "scheduling: " + e.Kind.Error()
	if len(e.TaskIDs) > 0 {
		msg += " [" + strings.Join(e.TaskIDs, ", ") + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches the kind and the underlying graph error.
func (e *SchedulingError) Is(target error) bool {
	return target == e.Kind
}

// Unwrap returns the underlying graph error.
func (e *SchedulingError) Unwrap() error { return e.Err }

// ExecutionError describes one task that did not succeed.
type ExecutionError struct {
	Kind     error
	TaskID   string
	Attempts int
	Message  string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("task %s: %s after %d attempt(s): %s", e.TaskID, e.Kind, e.Attempts, e.Message)
}

// Unwrap exposes the kind to errors.Is.
func (e *ExecutionError) Unwrap() error { return e.Kind }
