package evaluation

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ShayCichocki/switchyard/internal/state"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

// IssueHighLatency is the feedback issue tag that asks for a faster ordering.
const IssueHighLatency = "high_latency"

// proposalInput is everything a proposal is derived from.
type proposalInput struct {
	target  *models.WorkflowExecution
	metrics models.EvaluationMetrics
	trend   *models.Trend
	fb      *models.Feedback
	latest  *models.RoutingRule
	// route is the planned route of the target's routing record, if any.
	route *models.Route
}

// propose returns advisory rule changes. Nothing is written here.
func (e *Evaluator) propose(in proposalInput) []models.RuleChange {
	sig := in.target.Signature
	if sig == "" {
		return nil
	}

	base := models.RuleChange{Signature: sig, SuccessRate: in.metrics.Accuracy, SampleSize: 1}
	if in.trend != nil {
		base.SuccessRate = in.trend.AvgAccuracy
		base.SampleSize = in.trend.SampleSize
	}
	var baseConf float64
	var baseSteps []models.RouteStep
	switch {
	case in.latest != nil:
		base.BaseVersion = in.latest.Version
		baseConf = in.latest.Confidence
		baseSteps = in.latest.Steps
	case in.route != nil:
		baseConf = in.route.Confidence
		baseSteps = in.route.Steps
	default:
		baseSteps = stepsFromRun(in.target, false)
		baseConf = in.metrics.Accuracy
	}

	var out []models.RuleChange
	var reasons []string
	if t := in.trend; t != nil {
		if t.AvgAccuracy < e.policy.StabilityThreshold {
			reasons = append(reasons, fmt.Sprintf("average accuracy %.2f over %d runs below %.2f", t.AvgAccuracy, t.SampleSize, e.policy.StabilityThreshold))
		}
		if t.AvgReliability < e.policy.StabilityThreshold {
			reasons = append(reasons, fmt.Sprintf("average reliability %.2f over %d runs below %.2f", t.AvgReliability, t.SampleSize, e.policy.StabilityThreshold))
		}
	}
	if in.fb != nil && in.fb.Rating <= 2 {
		reasons = append(reasons, fmt.Sprintf("feedback rating %d", in.fb.Rating))
	}
	if len(reasons) > 0 {
		c := base
		c.Kind = models.RuleChangeConfidence
		c.Delta = -e.policy.ConfidenceStep
		c.Confidence = models.ClampUnit(baseConf - e.policy.ConfidenceStep)
		c.Steps = cloneSteps(baseSteps)
		c.Reason = strings.Join(reasons, "; ")
		out = append(out, c)
	}

	estimate := in.target.Parallel.EstimatedDuration
	slow := estimate > 0 && float64(in.target.Duration) > e.policy.ReorderRatio*float64(estimate)
	if in.fb.HasIssue(IssueHighLatency) || slow {
		if steps := stepsFromRun(in.target, true); steps != nil {
			c := base
			c.Kind = models.RuleChangeReorder
			c.Confidence = models.ClampUnit(baseConf)
			c.Steps = steps
			if slow {
				c.Reason = fmt.Sprintf("run took %s against an estimate of %s; launch slow steps first",
					in.target.Duration.Round(time.Millisecond), estimate.Round(time.Millisecond))
			} else {
				c.Reason = "feedback reported high latency; launch slow steps first"
			}
			out = append(out, c)
		}
	}
	return out
}

// stepsFromRun rebuilds route steps from the tasks of a parallel run,
// dependencies expressed as capability names. With observed set, steps are
// ordered by batch and then by observed duration, longest first, and carry
// the observed duration as their estimate. Step confidence is left at zero so
// the rule's confidence applies. Returns nil when two tasks share a capability.
func stepsFromRun(target *models.WorkflowExecution, observed bool) []models.RouteStep {
	pd := target.Parallel
	capOf := make(map[string]string, len(pd.Tasks))
	seen := make(map[string]bool, len(pd.Tasks))
	for _, t := range pd.Tasks {
		if seen[t.Capability] {
			return nil
		}
		seen[t.Capability] = true
		capOf[t.ID] = t.Capability
	}
	results := make(map[string]models.TaskResult, len(pd.Results))
	for _, r := range pd.Results {
		results[r.TaskID] = r
	}

	tasks := append([]models.Task(nil), pd.Tasks...)
	if observed {
		sort.SliceStable(tasks, func(i, j int) bool {
			ri, rj := results[tasks[i].ID], results[tasks[j].ID]
			if ri.Batch != rj.Batch {
				return ri.Batch < rj.Batch
			}
			return ri.ExecutionTime > rj.ExecutionTime
		})
	}

	steps := make([]models.RouteStep, 0, len(tasks))
	for i, t := range tasks {
		s := models.RouteStep{
			Capability:        t.Capability,
			Order:             i,
			Parallel:          true,
			EstimatedDuration: t.EstimatedDuration,
		}
		for _, dep := range t.DependsOn {
			s.DependsOn = append(s.DependsOn, capOf[dep])
		}
		if r, ok := results[t.ID]; observed && ok && r.ExecutionTime > 0 {
			s.EstimatedDuration = r.ExecutionTime
		}
		steps = append(steps, s)
	}
	return steps
}

func cloneSteps(steps []models.RouteStep) []models.RouteStep {
	out := make([]models.RouteStep, len(steps))
	for i, s := range steps {
		s.DependsOn = append([]string(nil), s.DependsOn...)
		out[i] = s
	}
	return out
}

// Apply writes change as the next version of its routing rule. The change
// must be based on the current latest version; a stale proposal returns
// state.ErrVersionConflict and writes nothing.
func (e *Evaluator) Apply(change models.RuleChange, evaluationID string) (*models.RoutingRule, error) {
	if change.Signature == "" {
		return nil, fmt.Errorf("rule change has no signature")
	}
	latest, err := e.store.LatestRule(change.Signature)
	if err != nil {
		return nil, err
	}
	current := 0
	if latest != nil {
		current = latest.Version
	}
	if current != change.BaseVersion {
		return nil, fmt.Errorf("%w: change is based on v%d, latest is v%d", state.ErrVersionConflict, change.BaseVersion, current)
	}

	taskType, caps := models.ParseSignature(change.Signature)
	rule := &models.RoutingRule{
		Signature:    change.Signature,
		TaskType:     taskType,
		Capabilities: caps,
		Steps:        cloneSteps(change.Steps),
		Confidence:   change.Confidence,
		SuccessRate:  change.SuccessRate,
		SampleSize:   change.SampleSize,
		EvaluationID: evaluationID,
		Reason:       fmt.Sprintf("%s: %s", change.Kind, change.Reason),
	}
	if len(rule.Steps) == 0 && latest != nil {
		rule.Steps = cloneSteps(latest.Steps)
	}
	if err := e.store.AppendRule(rule, change.BaseVersion); err != nil {
		return nil, err
	}
	e.debugLog("[evaluation] applied %s to %s as v%d", change.Kind, change.Signature, rule.Version)
	return rule, nil
}

// ApplyProposal applies the index-th proposal of a stored evaluation record.
func (e *Evaluator) ApplyProposal(evaluationID string, index int) (*models.RoutingRule, error) {
	rec, err := e.load(evaluationID)
	if err != nil {
		return nil, err
	}
	if rec.Type != models.WorkflowEvaluation || rec.Evaluation == nil {
		return nil, &EvaluationError{Kind: ErrNotEvaluable, ExecutionID: evaluationID, Detail: "not an evaluation record"}
	}
	proposals := rec.Evaluation.ProposedRules
	if index < 0 || index >= len(proposals) {
		return nil, fmt.Errorf("evaluation %s has %d proposal(s), no index %d", evaluationID, len(proposals), index)
	}
	return e.Apply(proposals[index], evaluationID)
}
