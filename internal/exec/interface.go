// Package exec runs external commands on behalf of command-backed capabilities.
package exec

import (
	"context"
	"time"
)

// Command describes one external process invocation.
type Command struct {
	Name    string
	Args    []string
	WorkDir string
	// Env is appended to the current process environment.
	Env   []string
	Stdin []byte
	// GracePeriod is how long the process gets after an interrupt before it is killed.
	GracePeriod time.Duration
}

// Result is what a finished process reported.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	WallTime time.Duration
	CPUTime  time.Duration
	// MaxRSS is the peak resident set size in bytes, when the platform reports it.
	MaxRSS uint64
}

// CommandRunner defines the interface for running external commands.
// This abstraction allows mocking command execution in tests.
type CommandRunner interface {
	// Run executes the command and waits for it. A non-zero exit is reported
	// through Result.ExitCode together with a non-nil error.
	Run(ctx context.Context, cmd Command) (*Result, error)

	// LookPath reports whether name resolves to an executable.
	LookPath(name string) bool
}
