package orchestrator

import (
	"time"

	"github.com/ShayCichocki/switchyard/internal/capability"
	"github.com/ShayCichocki/switchyard/internal/orchestrator/policy"
	"github.com/ShayCichocki/switchyard/internal/planner"
	"github.com/ShayCichocki/switchyard/internal/state"
)

// Capabilities is what the orchestrator needs from the capability table: the
// metadata the planner reads and the invoker the scheduler calls.
type Capabilities interface {
	planner.Catalog
	capability.Invoker
}

// RequiredConfig contains the minimal required configuration for an Orchestrator.
// All fields are required and have no defaults.
type RequiredConfig struct {
	// Store persists execution records and routing rules.
	Store state.Store
	// Capabilities resolves and invokes capabilities.
	Capabilities Capabilities
}

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

// orchestratorOptions holds all optional configuration.
type orchestratorOptions struct {
	policyConfig *policy.Config
	logger       *DebugLogger
	now          func() time.Time
	newID        func() string
}

// WithPolicy sets the policy configuration.
func WithPolicy(p *policy.Config) Option {
	return func(o *orchestratorOptions) { o.policyConfig = p }
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(o *orchestratorOptions) { o.logger = l }
}

// WithClock replaces time.Now. Tests use it to pin record timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *orchestratorOptions) { o.now = now }
}

// WithIDGenerator replaces the UUID generator used for execution ids.
func WithIDGenerator(fn func() string) Option {
	return func(o *orchestratorOptions) { o.newID = fn }
}
