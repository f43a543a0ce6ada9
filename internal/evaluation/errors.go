package evaluation

import (
	"errors"
	"fmt"
)

// Kinds of EvaluationError.
var (
	ErrExecutionNotFound = errors.New("execution not found")
	// ErrInsufficientHistory is not fatal: the evaluation record is still
	// produced, without a trend.
	ErrInsufficientHistory = errors.New("insufficient history")
	// ErrNotEvaluable means the target is not a finished run.
	ErrNotEvaluable = errors.New("execution not evaluable")
)

// EvaluationError carries the kind and the execution it concerns.
type EvaluationError struct {
	Kind        error
	ExecutionID string
	Detail      string
}

func (e *EvaluationError) Error() string {
	msg := fmt.Sprintf("evaluation of %s: %s", e.ExecutionID, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Unwrap exposes the kind to errors.Is.
func (e *EvaluationError) Unwrap() error { return e.Kind }

// IsInsufficientHistory reports whether err only signals a missing trend.
func IsInsufficientHistory(err error) bool {
	return errors.Is(err, ErrInsufficientHistory)
}
