// Package capability holds the table of named capabilities the scheduler can invoke.
//
// A capability is an opaque executor registered under a string name. Routes
// reference capabilities by name and the registry resolves them to a fixed
// invocation interface at planning time.
package capability

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ShayCichocki/switchyard/pkg/models"
)

// ErrUnknownCapability is returned when a name has no registered executor.
var ErrUnknownCapability = errors.New("unknown capability")

// ErrDuplicateCapability is returned by Register when the name is taken.
var ErrDuplicateCapability = errors.New("capability already registered")

// Outcome is what an executor reports for one invocation.
type Outcome struct {
	Success bool
	Payload json.RawMessage
	Error   string
	Usage   models.ResourceUsage
}

// Executor runs a single capability invocation.
// Implementations must return promptly once ctx is done.
type Executor interface {
	Execute(ctx context.Context, params map[string]any) (Outcome, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, params map[string]any) (Outcome, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, params map[string]any) (Outcome, error) {
	return f(ctx, params)
}

// Invoker is the task executor interface the scheduler consumes.
type Invoker interface {
	Invoke(ctx context.Context, capability string, params map[string]any, timeout time.Duration) (Outcome, error)
}

// Spec is the metadata kept alongside an executor.
type Spec struct {
	Name              string        `yaml:"name"`
	Description       string        `yaml:"description,omitempty"`
	EstimatedDuration time.Duration `yaml:"estimated_duration,omitempty"`
	// Equivalents lists capabilities that can stand in for this one.
	Equivalents []string `yaml:"equivalents,omitempty"`
	// Idempotent marks the capability safe to re-invoke under retry_failed.
	Idempotent bool `yaml:"idempotent,omitempty"`
}
