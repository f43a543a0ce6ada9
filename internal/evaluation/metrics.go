package evaluation

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ShayCichocki/switchyard/internal/state"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

// trendEpsilon is the accuracy shift between the newer and older half of the
// window that counts as movement.
const trendEpsilon = 0.05

// computeMetrics scores one finished parallel run. history holds prior
// evaluations of the same signature, newest first.
func computeMetrics(target *models.WorkflowExecution, fb *models.Feedback, history []state.EvaluationSample) models.EvaluationMetrics {
	pd := target.Parallel
	var m models.EvaluationMetrics

	var succeeded, failed int
	for _, r := range pd.Results {
		switch r.Status {
		case models.TaskStatusSucceeded:
			succeeded++
		case models.TaskStatusFailed:
			failed++
		}
	}
	if attempted := succeeded + failed; attempted > 0 {
		m.Accuracy = float64(succeeded) / float64(attempted)
	}
	if n := len(pd.Results); n > 0 {
		accs := make([]float64, len(history))
		for i, h := range history {
			accs[i] = h.Accuracy
		}
		m.Reliability = models.ClampUnit(float64(succeeded) / float64(n) * (1 - variance(accs)))
	}

	switch {
	case pd.ParallelEfficiency > 0:
		m.Efficiency = pd.ParallelEfficiency
	case pd.EstimatedDuration > 0:
		m.Efficiency = 1 - math.Min(float64(target.Duration)/float64(pd.EstimatedDuration), 1)
	}
	m.ResourceUtilization = pd.ResourceUtilization

	if fb != nil {
		s := float64(fb.Rating-1) / 4
		m.UserSatisfaction = &s
	}
	return m
}

// computeTrend averages the current evaluation with up to window-1 prior
// ones. It returns nil when fewer than minHistory prior evaluations exist.
func computeTrend(current models.EvaluationMetrics, history []state.EvaluationSample, window, minHistory int) *models.Trend {
	if len(history) < minHistory {
		return nil
	}
	if window < 1 {
		window = 1
	}
	accs := []float64{current.Accuracy}
	rels := []float64{current.Reliability}
	for _, h := range history {
		if len(accs) >= window {
			break
		}
		accs = append(accs, h.Accuracy)
		rels = append(rels, h.Reliability)
	}

	t := &models.Trend{
		SampleSize:       len(accs),
		AvgAccuracy:      mean(accs),
		AvgReliability:   mean(rels),
		AccuracyVariance: variance(accs),
		Direction:        models.TrendStable,
	}
	if len(accs) >= 2 {
		half := len(accs) / 2
		// accs is newest first.
		switch diff := mean(accs[:half]) - mean(accs[half:]); {
		case diff > trendEpsilon:
			t.Direction = models.TrendImproving
		case diff < -trendEpsilon:
			t.Direction = models.TrendDeclining
		}
	}
	return t
}

// findBottlenecks reports batches and steps whose observed duration exceeds
// ratio times their estimate, highest impact first. Impact is the share of
// the run's total batch time.
func findBottlenecks(target *models.WorkflowExecution, ratio float64) []models.Bottleneck {
	pd := target.Parallel
	var total time.Duration
	for _, b := range pd.Batches {
		total += b.Duration
	}
	if total <= 0 {
		total = target.Duration
	}
	if total <= 0 {
		return nil
	}
	over := func(observed, estimated time.Duration) bool {
		return estimated > 0 && float64(observed) > ratio*float64(estimated)
	}
	impact := func(d time.Duration) float64 {
		return models.ClampUnit(float64(d) / float64(total))
	}

	byID := make(map[string]models.TaskResult, len(pd.Results))
	for _, r := range pd.Results {
		byID[r.TaskID] = r
	}

	var out []models.Bottleneck
	for _, b := range pd.Batches {
		if !over(b.Duration, b.Estimated) {
			continue
		}
		out = append(out, models.Bottleneck{
			Batch:      b.Index,
			TaskIDs:    append([]string(nil), b.TaskIDs...),
			Observed:   b.Duration,
			Estimated:  b.Estimated,
			Impact:     impact(b.Duration),
			Suggestion: batchSuggestion(b, byID, pd.Policy.MaxConcurrency),
		})
	}
	for _, r := range pd.Results {
		if r.Status != models.TaskStatusSucceeded && r.Status != models.TaskStatusFailed {
			continue
		}
		if !over(r.ExecutionTime, r.Estimated) {
			continue
		}
		out = append(out, models.Bottleneck{
			Batch:      r.Batch,
			TaskIDs:    []string{r.TaskID},
			Capability: r.Capability,
			Observed:   r.ExecutionTime,
			Estimated:  r.Estimated,
			Impact:     impact(r.ExecutionTime),
			Suggestion: fmt.Sprintf("split capability %s or raise its estimated_duration to %s",
				r.Capability, r.ExecutionTime.Round(time.Millisecond)),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Impact > out[j].Impact })
	return out
}

func batchSuggestion(b models.BatchTiming, results map[string]models.TaskResult, maxConcurrency int) string {
	if maxConcurrency > 0 && len(b.TaskIDs) > maxConcurrency {
		return fmt.Sprintf("raise max_concurrency above %d; batch %d queued %d tasks", maxConcurrency, b.Index, len(b.TaskIDs))
	}
	var slowest models.TaskResult
	for _, id := range b.TaskIDs {
		if r, ok := results[id]; ok && r.ExecutionTime > slowest.ExecutionTime {
			slowest = r
		}
	}
	if slowest.Capability == "" {
		return fmt.Sprintf("batch %d ran %s over its estimate", b.Index, (b.Duration - b.Estimated).Round(time.Millisecond))
	}
	return fmt.Sprintf("split capability %s; it held batch %d for %s", slowest.Capability, b.Index, slowest.ExecutionTime.Round(time.Millisecond))
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// variance is the population variance of xs, 0 for fewer than two values.
func variance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sq float64
	for _, x := range xs {
		d := x - m
		sq += d * d
	}
	return sq / float64(len(xs))
}
