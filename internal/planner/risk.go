package planner

import (
	"fmt"
	"time"

	"github.com/ShayCichocki/switchyard/pkg/models"
)

// FactorBelowThreshold is the risk factor recorded when route confidence is
// under the request's quality threshold.
const FactorBelowThreshold = "confidence below threshold"

func (p *Planner) assessRisk(r *models.Route, req models.WorkRequest, now time.Time) models.RiskAssessment {
	ra := models.RiskAssessment{Level: models.RiskLow}
	raise := func(level models.RiskLevel, factor, mitigation string) {
		if level.Rank() > ra.Level.Rank() {
			ra.Level = level
		}
		ra.Factors = append(ra.Factors, factor)
		if mitigation != "" {
			ra.Mitigations = append(ra.Mitigations, mitigation)
		}
	}

	if r.Confidence < req.QualityThreshold {
		level := models.RiskHigh
		if req.Priority == models.PriorityCritical {
			level = models.RiskCritical
		}
		raise(level, FactorBelowThreshold, "review results before acting on them")
	}
	for _, s := range r.Steps {
		if s.Confidence < p.policy.LowStepConfidence {
			raise(models.RiskMedium, fmt.Sprintf("low confidence step %s (%.2f)", s.Capability, s.Confidence),
				fmt.Sprintf("consider an equivalent for %s", s.Capability))
		}
	}
	if req.Complexity > p.policy.HighComplexity {
		raise(models.RiskMedium, fmt.Sprintf("high complexity (%.2f)", req.Complexity), "use retry_failed for idempotent steps")
	}
	if req.Priority == models.PriorityCritical {
		raise(models.RiskMedium, "critical priority", "use abort_all so failures surface immediately")
	}
	if req.RequiresApproval {
		raise(models.RiskMedium, "human approval required", "hold results until approved")
	}
	if req.Deadline != nil {
		remaining := req.Deadline.Sub(now)
		if remaining > 0 && float64(r.EstimatedDuration) > 0.8*float64(remaining) {
			raise(models.RiskMedium, "deadline leaves little slack", "prefer the most parallel alternative")
		}
	}
	return ra
}
