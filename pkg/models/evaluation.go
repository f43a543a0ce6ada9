package models

import (
	"fmt"
	"time"
)

// Feedback is structured input from a reviewer or calling system.
type Feedback struct {
	Rating      int       `json:"rating"`
	Comments    []string  `json:"comments,omitempty"`
	Issues      []string  `json:"issues,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Validate checks that the rating is within 1..5.
func (f Feedback) Validate() error {
	if f.Rating < 1 || f.Rating > 5 {
		return fmt.Errorf("rating %d out of range [1,5]", f.Rating)
	}
	return nil
}

// HasIssue reports whether the feedback lists the given issue tag.
func (f *Feedback) HasIssue(issue string) bool {
	if f == nil {
		return false
	}
	for _, i := range f.Issues {
		if i == issue {
			return true
		}
	}
	return false
}

// EvaluationMetrics are computed per evaluated execution.
type EvaluationMetrics struct {
	Efficiency          float64  `json:"efficiency"`
	Accuracy            float64  `json:"accuracy"`
	Reliability         float64  `json:"reliability"`
	UserSatisfaction    *float64 `json:"user_satisfaction,omitempty"`
	ResourceUtilization float64  `json:"resource_utilization"`
}

// TrendDirection summarises movement across recent evaluations.
type TrendDirection string

const (
	TrendImproving TrendDirection = "improving"
	TrendStable    TrendDirection = "stable"
	TrendDeclining TrendDirection = "declining"
)

// Trend aggregates the last K evaluations for a routing signature.
type Trend struct {
	SampleSize       int            `json:"sample_size"`
	AvgAccuracy      float64        `json:"avg_accuracy"`
	AvgReliability   float64        `json:"avg_reliability"`
	AccuracyVariance float64        `json:"accuracy_variance"`
	Direction        TrendDirection `json:"direction"`
}

// Bottleneck is a batch or step whose observed duration significantly exceeded its estimate.
type Bottleneck struct {
	Batch      int           `json:"batch"`
	TaskIDs    []string      `json:"task_ids,omitempty"`
	Capability string        `json:"capability,omitempty"`
	Observed   time.Duration `json:"observed"`
	Estimated  time.Duration `json:"estimated"`
	Impact     float64       `json:"impact"`
	Suggestion string        `json:"suggestion"`
}

// RuleChangeKind names the adjustment a proposal makes.
type RuleChangeKind string

const (
	// RuleChangeConfidence shifts the rule's confidence by Delta.
	RuleChangeConfidence RuleChangeKind = "confidence_adjust"
	// RuleChangeReorder replaces the preferred step ordering.
	RuleChangeReorder RuleChangeKind = "reorder_steps"
)

// RuleChange is an advisory routing-rule update emitted by an evaluation.
// Confidence is the rule confidence once the change is applied.
type RuleChange struct {
	Signature   string         `json:"signature"`
	Kind        RuleChangeKind `json:"kind"`
	BaseVersion int            `json:"base_version"`
	Delta       float64        `json:"delta,omitempty"`
	Confidence  float64        `json:"confidence"`
	Steps       []RouteStep    `json:"steps"`
	SuccessRate float64        `json:"success_rate"`
	SampleSize  int            `json:"sample_size"`
	Reason      string         `json:"reason"`
}
