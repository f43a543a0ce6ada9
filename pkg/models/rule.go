package models

import "time"

// RoutingRule maps a (task type, capability set) signature to a preferred
// route shape. Rules are versioned and append-only: every update is a new row
// carrying the evaluation that triggered it.
type RoutingRule struct {
	Signature    string      `json:"signature"`
	Version      int         `json:"version"`
	TaskType     TaskType    `json:"task_type"`
	Capabilities []string    `json:"capabilities"`
	Steps        []RouteStep `json:"steps"`
	Confidence   float64     `json:"confidence"`
	SuccessRate  float64     `json:"success_rate"`
	SampleSize   int         `json:"sample_size"`
	EvaluationID string      `json:"evaluation_id,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// ClampUnit limits v to [0,1].
func ClampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
