package planner

import (
	"errors"
	"fmt"
	"strings"
)

// Kinds of RoutingError. Match them with errors.Is.
var (
	// ErrNoFeasibleRoute means a required capability has no known implementation.
	ErrNoFeasibleRoute = errors.New("no feasible route")
	// ErrConstraintViolation means the deadline cannot be met even with maximum parallelism.
	ErrConstraintViolation = errors.New("constraint violation")
)

// RoutingError is returned by Plan. Routing errors are surfaced to the caller
// and never retried.
type RoutingError struct {
	Kind error
	// Capabilities names the capabilities the error is about, when any.
	Capabilities []string
	Detail       string
}

func (e *RoutingError) Error() string {
	var b strings.Builder
	b.WriteString("routing: ")
	b.WriteString(e.Kind.Error())
	if len(e.Capabilities) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.Capabilities, ", "))
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

// Unwrap exposes the kind to errors.Is.
func (e *RoutingError) Unwrap() error { return e.Kind }
