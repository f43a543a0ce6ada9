// Package policy defines configurable policy parameters for orchestrator behavior.
// This centralizes the thresholds and defaults that planning, scheduling,
// coordination and evaluation read, enabling configuration and testing.
package policy

import (
	"time"

	"github.com/ShayCichocki/switchyard/pkg/models"
)

// Config contains all configurable policy parameters for the orchestrator.
type Config struct {
	Planner      PlannerPolicy
	Execution    models.ExecutionPolicy
	Coordination CoordinationPolicy
	Evaluation   EvaluationPolicy
	Events       EventPolicy
}

// PlannerPolicy controls route planning.
type PlannerPolicy struct {
	// DefaultConfidence is used for a step with no rule and no usable history.
	DefaultConfidence float64

	// DefaultStepDuration is used when a capability declares no estimate.
	DefaultStepDuration time.Duration

	// MaxAlternatives caps the alternative routes returned with a plan.
	MaxAlternatives int

	// MinHistory is the number of past invocations needed before a capability's
	// observed success rate replaces DefaultConfidence.
	MinHistory int

	// HistoryWindow bounds how far back capability history is read.
	HistoryWindow time.Duration

	// LowStepConfidence flags individual steps as a risk factor.
	LowStepConfidence float64

	// HighComplexity flags complex requests as a risk factor.
	HighComplexity float64
}

// CoordinationPolicy controls result coordination defaults.
type CoordinationPolicy struct {
	// Default is applied when a workflow names no policy.
	Default models.CoordinationPolicy

	// WeightedThreshold is the absolute weighted_voting threshold. Zero means
	// half of the total weight.
	WeightedThreshold float64
}

// EvaluationPolicy controls the evaluation loop.
type EvaluationPolicy struct {
	// Window is K, the number of recent evaluations averaged for trends.
	Window int

	// MinHistory is the number of prior evaluations needed for a trend.
	MinHistory int

	// StabilityThreshold is the average accuracy/reliability below which a
	// confidence decrement is proposed.
	StabilityThreshold float64

	// ConfidenceStep is the size of a proposed confidence adjustment.
	ConfidenceStep float64

	// BottleneckRatio is the observed/estimated ratio above which a batch or
	// step is reported as a bottleneck.
	BottleneckRatio float64

	// ReorderRatio is the observed/estimated workflow ratio above which a
	// step reordering is proposed.
	ReorderRatio float64

	// SweepSchedule is the cron spec of the unevaluated-execution sweep.
	SweepSchedule string

	// EvaluateOnFeedback runs an evaluation synchronously on feedback submission.
	EvaluateOnFeedback bool
}

// EventPolicy controls the orchestrator event stream.
type EventPolicy struct {
	// BufferSize is the buffer size for the event channel.
	BufferSize int
}

// Default returns the default policy configuration.
func Default() *Config {
	return &Config{
		Planner: PlannerPolicy{
			DefaultConfidence:   0.75,
			DefaultStepDuration: 100 * time.Millisecond,
			MaxAlternatives:     3,
			MinHistory:          5,
			HistoryWindow:       30 * 24 * time.Hour,
			LowStepConfidence:   0.5,
			HighComplexity:      0.8,
		},
		Execution: models.ExecutionPolicy{
			MaxConcurrency:  4,
			PerTaskTimeout:  30 * time.Second,
			TotalTimeout:    5 * time.Minute,
			FailureHandling: models.FailureContinuePartial,
			MaxRetries:      2,
			RetryBackoff:    200 * time.Millisecond,
			GracePeriod:     2 * time.Second,
		},
		Coordination: CoordinationPolicy{
			Default: models.PolicyAllComplete,
		},
		Evaluation: EvaluationPolicy{
			Window:             20,
			MinHistory:         5,
			StabilityThreshold: 0.7,
			ConfidenceStep:     0.05,
			BottleneckRatio:    1.5,
			ReorderRatio:       2.0,
			SweepSchedule:      "@every 1m",
			EvaluateOnFeedback: true,
		},
		Events: EventPolicy{
			BufferSize: 100,
		},
	}
}

// Validate clamps policy values into acceptable ranges, replacing anything
// unusable with its default.
func (c *Config) Validate() error {
	d := Default()

	if c.Planner.DefaultConfidence <= 0 || c.Planner.DefaultConfidence > 1 {
		c.Planner.DefaultConfidence = d.Planner.DefaultConfidence
	}
	if c.Planner.DefaultStepDuration <= 0 {
		c.Planner.DefaultStepDuration = d.Planner.DefaultStepDuration
	}
	if c.Planner.MaxAlternatives < 0 {
		c.Planner.MaxAlternatives = 0
	}
	if c.Planner.MinHistory < 1 {
		c.Planner.MinHistory = d.Planner.MinHistory
	}
	if c.Planner.HistoryWindow <= 0 {
		c.Planner.HistoryWindow = d.Planner.HistoryWindow
	}
	if c.Planner.LowStepConfidence < 0 || c.Planner.LowStepConfidence > 1 {
		c.Planner.LowStepConfidence = d.Planner.LowStepConfidence
	}
	if c.Planner.HighComplexity <= 0 || c.Planner.HighComplexity > 1 {
		c.Planner.HighComplexity = d.Planner.HighComplexity
	}

	ClampExecution(&c.Execution)

	switch c.Coordination.Default {
	case models.PolicyAllComplete, models.PolicyFirstSuccess, models.PolicyMajorityConsensus, models.PolicyWeightedVoting:
	default:
		c.Coordination.Default = d.Coordination.Default
	}
	if c.Coordination.WeightedThreshold < 0 {
		c.Coordination.WeightedThreshold = 0
	}

	if c.Evaluation.Window < 1 {
		c.Evaluation.Window = d.Evaluation.Window
	}
	if c.Evaluation.MinHistory < 1 {
		c.Evaluation.MinHistory = d.Evaluation.MinHistory
	}
	if c.Evaluation.StabilityThreshold <= 0 || c.Evaluation.StabilityThreshold > 1 {
		c.Evaluation.StabilityThreshold = d.Evaluation.StabilityThreshold
	}
	if c.Evaluation.ConfidenceStep <= 0 || c.Evaluation.ConfidenceStep > 0.5 {
		c.Evaluation.ConfidenceStep = d.Evaluation.ConfidenceStep
	}
	if c.Evaluation.BottleneckRatio <= 1 {
		c.Evaluation.BottleneckRatio = d.Evaluation.BottleneckRatio
	}
	if c.Evaluation.ReorderRatio <= 1 {
		c.Evaluation.ReorderRatio = d.Evaluation.ReorderRatio
	}
	if c.Evaluation.SweepSchedule == "" {
		c.Evaluation.SweepSchedule = d.Evaluation.SweepSchedule
	}

	if c.Events.BufferSize < 1 {
		c.Events.BufferSize = d.Events.BufferSize
	}
	return nil
}

// ClampExecution fills unusable execution policy values with defaults.
func ClampExecution(p *models.ExecutionPolicy) {
	d := Default().Execution
	if p.MaxConcurrency < 1 {
		p.MaxConcurrency = d.MaxConcurrency
	}
	if p.PerTaskTimeout <= 0 {
		p.PerTaskTimeout = d.PerTaskTimeout
	}
	if p.TotalTimeout < 0 {
		p.TotalTimeout = 0
	}
	if !p.FailureHandling.Valid() {
		p.FailureHandling = d.FailureHandling
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.RetryBackoff <= 0 {
		p.RetryBackoff = d.RetryBackoff
	}
	if p.GracePeriod < 0 {
		p.GracePeriod = 0
	}
}
