package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// TaskType is the category of a work request.
type TaskType string

const (
	TaskTypeAnalysis     TaskType = "analysis"
	TaskTypeGeneration   TaskType = "generation"
	TaskTypeDecision     TaskType = "decision"
	TaskTypePlanning     TaskType = "planning"
	TaskTypeExecution    TaskType = "execution"
	TaskTypeCoordination TaskType = "coordination"
)

// Valid returns true if the task type is a known value.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeAnalysis, TaskTypeGeneration, TaskTypeDecision, TaskTypePlanning, TaskTypeExecution, TaskTypeCoordination:
		return true
	default:
		return false
	}
}

// Priority is the urgency of a work request.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid returns true if the priority is a known value.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}

// Weight maps a priority onto a scheduling weight.
func (p Priority) Weight() float64 {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	default:
		return 1
	}
}

// WorkRequest is the input to routing. It is treated as immutable once submitted.
type WorkRequest struct {
	TaskType             TaskType   `json:"task_type" yaml:"task_type"`
	Complexity           float64    `json:"complexity" yaml:"complexity"`
	Priority             Priority   `json:"priority" yaml:"priority"`
	Deadline             *time.Time `json:"deadline,omitempty" yaml:"deadline,omitempty"`
	RequiredCapabilities []string   `json:"required_capabilities" yaml:"required_capabilities"`
	Parallelizable       bool       `json:"parallelizable" yaml:"parallelizable"`
	RequiresApproval     bool       `json:"requires_approval,omitempty" yaml:"requires_approval,omitempty"`
	QualityThreshold     float64    `json:"quality_threshold" yaml:"quality_threshold"`
}

// Validate checks ranges and enum values.
func (r WorkRequest) Validate() error {
	if !r.TaskType.Valid() {
		return fmt.Errorf("invalid task type %q", r.TaskType)
	}
	if r.Priority != "" && !r.Priority.Valid() {
		return fmt.Errorf("invalid priority %q", r.Priority)
	}
	if r.Complexity < 0 || r.Complexity > 1 {
		return fmt.Errorf("complexity %.2f out of range [0,1]", r.Complexity)
	}
	if r.QualityThreshold < 0 || r.QualityThreshold > 1 {
		return fmt.Errorf("quality threshold %.2f out of range [0,1]", r.QualityThreshold)
	}
	seen := make(map[string]bool, len(r.RequiredCapabilities))
	for _, c := range r.RequiredCapabilities {
		if strings.TrimSpace(c) == "" {
			return fmt.Errorf("empty capability name")
		}
		if seen[c] {
			return fmt.Errorf("capability %q listed twice", c)
		}
		seen[c] = true
	}
	return nil
}

// Signature returns the routing signature of the request.
func (r WorkRequest) Signature() string {
	return Signature(r.TaskType, r.RequiredCapabilities)
}

// Signature builds the (task type, capability set) key that routing rules are stored under.
// The capability set is order-insensitive.
func Signature(taskType TaskType, capabilities []string) string {
	caps := append([]string(nil), capabilities...)
	sort.Strings(caps)
	return string(taskType) + ":" + strings.Join(caps, ",")
}

// ParseSignature splits a signature built by Signature back into its parts.
func ParseSignature(sig string) (TaskType, []string) {
	typ, caps, _ := strings.Cut(sig, ":")
	if caps == "" {
		return TaskType(typ), nil
	}
	return TaskType(typ), strings.Split(caps, ",")
}
