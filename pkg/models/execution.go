package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// WorkflowType distinguishes the three execution record shapes.
type WorkflowType string

const (
	WorkflowRouting    WorkflowType = "routing"
	WorkflowParallel   WorkflowType = "parallel"
	WorkflowEvaluation WorkflowType = "evaluation"
)

// Valid returns true if the workflow type is a known value.
func (t WorkflowType) Valid() bool {
	switch t {
	case WorkflowRouting, WorkflowParallel, WorkflowEvaluation:
		return true
	default:
		return false
	}
}

// ExecutionStatus is the lifecycle state of a WorkflowExecution.
type ExecutionStatus string

const (
	ExecutionPending    ExecutionStatus = "pending"
	ExecutionInProgress ExecutionStatus = "in_progress"
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionCancelled  ExecutionStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionPending, ExecutionInProgress, ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for completed, failed and cancelled.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// CanTransition reports whether from -> to is an allowed lifecycle edge.
// pending -> in_progress -> {completed | failed | cancelled}. A pending execution
// may also be cancelled or failed before it starts.
func CanTransition(from, to ExecutionStatus) bool {
	switch from {
	case ExecutionPending:
		return to == ExecutionInProgress || to == ExecutionCancelled || to == ExecutionFailed
	case ExecutionInProgress:
		return to.IsTerminal()
	default:
		return false
	}
}

// FailureHandling selects the scheduler's reaction to a failed task.
type FailureHandling string

const (
	FailureAbortAll        FailureHandling = "abort_all"
	FailureContinuePartial FailureHandling = "continue_partial"
	FailureRetryFailed     FailureHandling = "retry_failed"
)

// Valid returns true if the value is a known failure handling mode.
func (f FailureHandling) Valid() bool {
	switch f {
	case FailureAbortAll, FailureContinuePartial, FailureRetryFailed:
		return true
	default:
		return false
	}
}

// ExecutionPolicy bounds one scheduler run.
type ExecutionPolicy struct {
	MaxConcurrency  int             `json:"max_concurrency" yaml:"max_concurrency"`
	PerTaskTimeout  time.Duration   `json:"per_task_timeout" yaml:"per_task_timeout"`
	TotalTimeout    time.Duration   `json:"total_timeout" yaml:"total_timeout"`
	FailureHandling FailureHandling `json:"failure_handling" yaml:"failure_handling"`
	MaxRetries      int             `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	RetryBackoff    time.Duration   `json:"retry_backoff,omitempty" yaml:"retry_backoff,omitempty"`
	GracePeriod     time.Duration   `json:"grace_period,omitempty" yaml:"grace_period,omitempty"`
}

// CoordinationPolicy reduces multiple task outcomes into one decided result.
type CoordinationPolicy string

const (
	PolicyAllComplete       CoordinationPolicy = "all_complete"
	PolicyFirstSuccess      CoordinationPolicy = "first_success"
	PolicyMajorityConsensus CoordinationPolicy = "majority_consensus"
	PolicyWeightedVoting    CoordinationPolicy = "weighted_voting"
)

// Consensus reports agreement figures for voting policies.
type Consensus struct {
	Agreement         float64  `json:"agreement"`
	WeightedAgreement *float64 `json:"weighted_agreement,omitempty"`
	Dissenting        []string `json:"dissenting,omitempty"`
}

// CoordinatedOutcome is the decided result of a coordination policy.
type CoordinatedOutcome struct {
	Policy      CoordinationPolicy `json:"policy"`
	Success     bool               `json:"success"`
	FinalResult json.RawMessage    `json:"final_result,omitempty"`
	Consensus   *Consensus         `json:"consensus,omitempty"`
}

// BatchTiming records the observed wall-clock span of one execution batch.
type BatchTiming struct {
	Index     int           `json:"index"`
	TaskIDs   []string      `json:"task_ids"`
	Duration  time.Duration `json:"duration"`
	Estimated time.Duration `json:"estimated,omitempty"`
}

// RoutingDetail is carried by routing records.
type RoutingDetail struct {
	Request      WorkRequest `json:"request"`
	Route        Route       `json:"route"`
	Alternatives []Route     `json:"alternatives,omitempty"`
}

// ParallelDetail is carried by parallel records.
type ParallelDetail struct {
	Tasks               []Task              `json:"tasks"`
	Results             []TaskResult        `json:"results"`
	Batches             []BatchTiming       `json:"batches"`
	Policy              ExecutionPolicy     `json:"policy"`
	Coordination        CoordinationPolicy  `json:"coordination"`
	Weights             map[string]float64  `json:"weights,omitempty"`
	Outcome             *CoordinatedOutcome `json:"outcome,omitempty"`
	ParallelEfficiency  float64             `json:"parallel_efficiency"`
	ResourceUtilization float64             `json:"resource_utilization"`
	EstimatedDuration   time.Duration       `json:"estimated_duration,omitempty"`
	Bottlenecks         []int               `json:"bottlenecks,omitempty"`
}

// EvaluationDetail is carried by evaluation records.
type EvaluationDetail struct {
	TargetID      string            `json:"target_id"`
	Metrics       EvaluationMetrics `json:"metrics"`
	Trend         *Trend            `json:"trend,omitempty"`
	Feedback      *Feedback         `json:"feedback,omitempty"`
	Bottlenecks   []Bottleneck      `json:"bottlenecks,omitempty"`
	ProposedRules []RuleChange      `json:"proposed_rules,omitempty"`
}

// WorkflowExecution is the persisted record. Exactly one of Routing, Parallel
// or Evaluation is set, matching Type.
type WorkflowExecution struct {
	ID        string          `json:"id"`
	CallerID  string          `json:"caller_id"`
	Type      WorkflowType    `json:"type"`
	Status    ExecutionStatus `json:"status"`
	Signature string          `json:"signature,omitempty"`
	// ParentID links a parallel record to its routing record, or an evaluation to its target.
	ParentID  string        `json:"parent_id,omitempty"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Evaluated bool          `json:"evaluated"`
	CreatedAt time.Time     `json:"created_at"`

	Routing    *RoutingDetail    `json:"routing,omitempty"`
	Parallel   *ParallelDetail   `json:"parallel,omitempty"`
	Evaluation *EvaluationDetail `json:"evaluation,omitempty"`
}

// Validate checks that the variant matches the declared type.
func (e *WorkflowExecution) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("execution id is required")
	}
	if !e.Type.Valid() {
		return fmt.Errorf("invalid workflow type %q", e.Type)
	}
	if !e.Status.Valid() {
		return fmt.Errorf("invalid status %q", e.Status)
	}
	set := 0
	if e.Routing != nil {
		set++
	}
	if e.Parallel != nil {
		set++
	}
	if e.Evaluation != nil {
		set++
	}
	if set > 1 {
		return fmt.Errorf("execution %s carries more than one variant", e.ID)
	}
	switch {
	case e.Routing != nil && e.Type != WorkflowRouting,
		e.Parallel != nil && e.Type != WorkflowParallel,
		e.Evaluation != nil && e.Type != WorkflowEvaluation:
		return fmt.Errorf("execution %s variant does not match type %s", e.ID, e.Type)
	}
	return nil
}

// Stamp moves e to status to at now. Entering in_progress records the start
// time. Entering a terminal state records the end time, the duration and the
// success flag.
func (e *WorkflowExecution) Stamp(to ExecutionStatus, now time.Time) {
	switch {
	case to == ExecutionInProgress:
		e.StartedAt = &now
	case to.IsTerminal():
		e.EndedAt = &now
		if e.StartedAt != nil {
			e.Duration = now.Sub(*e.StartedAt)
		}
		e.Success = to == ExecutionCompleted
	}
	e.Status = to
}
