package models

import "time"

// RiskLevel grades a route's risk assessment.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders risk levels so the higher of two can be kept.
func (l RiskLevel) Rank() int {
	switch l {
	case RiskCritical:
		return 3
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

// RouteStep is one capability invocation in a route.
type RouteStep struct {
	Capability        string        `json:"capability" yaml:"capability"`
	Order             int           `json:"order" yaml:"order"`
	Parallel          bool          `json:"parallel" yaml:"parallel"`
	DependsOn         []string      `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	EstimatedDuration time.Duration `json:"estimated_duration" yaml:"estimated_duration"`
	Confidence        float64       `json:"confidence" yaml:"confidence"`
}

// RiskAssessment summarises what could make a route miss its goals.
type RiskAssessment struct {
	Level       RiskLevel `json:"level"`
	Factors     []string  `json:"factors,omitempty"`
	Mitigations []string  `json:"mitigations,omitempty"`
}

// Route is the output of planning.
type Route struct {
	Signature         string         `json:"signature"`
	Steps             []RouteStep    `json:"steps"`
	Confidence        float64        `json:"confidence"`
	EstimatedDuration time.Duration  `json:"estimated_duration"`
	Risk              RiskAssessment `json:"risk"`
	// RuleVersion is the routing rule version the route was derived from, 0 for the fallback route.
	RuleVersion  int     `json:"rule_version,omitempty"`
	Rank         int     `json:"rank"`
	Description  string  `json:"description,omitempty"`
	Alternatives []Route `json:"alternatives,omitempty"`
}

// Capabilities returns step capabilities in order.
func (r *Route) Capabilities() []string {
	out := make([]string, 0, len(r.Steps))
	for _, s := range r.Steps {
		out = append(out, s.Capability)
	}
	return out
}
