package coordination

import (
	"errors"
	"fmt"
)

// Kinds of CoordinationError.
var (
	ErrNoResultsToResolve = errors.New("no results to resolve")
	ErrUnknownPolicy      = errors.New("unknown coordination policy")
)

// CoordinationError reports a caller or configuration mistake. It is never
// recovered by falling back to another policy.
type CoordinationError struct {
	Kind   error
	Policy string
}

func (e *CoordinationError) Error() string {
	if e.Policy == "" {
		return "coordination: " + e.Kind.Error()
	}
	return fmt.Sprintf("coordination: %s %q", e.Kind, e.Policy)
}

// Unwrap exposes the kind to errors.Is.
func (e *CoordinationError) Unwrap() error { return e.Kind }
