// Package coordination reduces the task results of a parallel run into one
// decided outcome under a coordination policy.
package coordination

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ShayCichocki/switchyard/pkg/models"
)

// Options tune the voting policies.
type Options struct {
	// Weights maps task ID to vote weight for weighted_voting. Missing tasks weigh 1.
	Weights map[string]float64
	// Threshold is the absolute weight needed for weighted_voting to succeed.
	// Nil means half of the total weight.
	Threshold *float64
}

// Valid reports whether p names a policy Resolve understands.
func Valid(p models.CoordinationPolicy) bool {
	switch p {
	case models.PolicyAllComplete, models.PolicyFirstSuccess,
		models.PolicyMajorityConsensus, models.PolicyWeightedVoting:
		return true
	default:
		return false
	}
}

// Resolve applies policy to results. Results are read in the order given;
// that order is the final tie-breaker wherever one is needed.
func Resolve(results []models.TaskResult, policy models.CoordinationPolicy, opts Options) (*models.CoordinatedOutcome, error) {
	if !Valid(policy) {
		return nil, &CoordinationError{Kind: ErrUnknownPolicy, Policy: string(policy)}
	}
	if len(results) == 0 {
		return nil, &CoordinationError{Kind: ErrNoResultsToResolve, Policy: string(policy)}
	}

	switch policy {
	case models.PolicyAllComplete:
		return allComplete(results)
	case models.PolicyFirstSuccess:
		return firstSuccess(results), nil
	case models.PolicyMajorityConsensus:
		return majority(results)
	default:
		return weighted(results, opts)
	}
}

func allComplete(results []models.TaskResult) (*models.CoordinatedOutcome, error) {
	out := &models.CoordinatedOutcome{Policy: models.PolicyAllComplete, Success: true}
	payloads := make([]json.RawMessage, 0, len(results))
	for _, r := range results {
		if !r.Success {
			out.Success = false
		}
		payloads = append(payloads, r.Payload)
	}
	final, err := joinPayloads(payloads)
	if err != nil {
		return nil, err
	}
	out.FinalResult = final
	return out, nil
}

func firstSuccess(results []models.TaskResult) *models.CoordinatedOutcome {
	out := &models.CoordinatedOutcome{Policy: models.PolicyFirstSuccess}

	var winners []int
	for i, r := range results {
		if r.Success {
			winners = append(winners, i)
		}
	}
	if len(winners) == 0 {
		return out
	}
	// Earliest completion wins, then higher priority weight, then input order.
	sort.SliceStable(winners, func(a, b int) bool {
		ra, rb := results[winners[a]], results[winners[b]]
		ta, tb := completedAt(ra), completedAt(rb)
		if ta != tb {
			return ta < tb
		}
		return ra.PriorityWeight > rb.PriorityWeight
	})
	out.Success = true
	out.FinalResult = normalizePayload(results[winners[0]].Payload)
	return out
}

// completedAt returns a sortable completion instant; results without one sort last.
func completedAt(r models.TaskResult) int64 {
	if r.CompletedAt == nil {
		return int64(^uint64(0) >> 1)
	}
	return r.CompletedAt.UnixNano()
}

func majority(results []models.TaskResult) (*models.CoordinatedOutcome, error) {
	out := &models.CoordinatedOutcome{Policy: models.PolicyMajorityConsensus}

	succeeded, payloads, dissent := tally(results)
	out.Consensus = &models.Consensus{
		Agreement:  float64(succeeded) / float64(len(results)),
		Dissenting: dissent,
	}
	// Strictly more than half.
	if 2*succeeded > len(results) {
		out.Success = true
		final, err := joinPayloads(payloads)
		if err != nil {
			return nil, err
		}
		out.FinalResult = final
	}
	return out, nil
}

func weighted(results []models.TaskResult, opts Options) (*models.CoordinatedOutcome, error) {
	out := &models.CoordinatedOutcome{Policy: models.PolicyWeightedVoting}

	var total, yes float64
	for _, r := range results {
		w := weightOf(opts.Weights, r.TaskID)
		total += w
		if r.Success {
			yes += w
		}
	}
	threshold := 0.5 * total
	if opts.Threshold != nil {
		threshold = *opts.Threshold
	}

	succeeded, payloads, dissent := tally(results)
	ratio := 0.0
	if total > 0 {
		ratio = yes / total
	}
	out.Consensus = &models.Consensus{
		Agreement:         float64(succeeded) / float64(len(results)),
		WeightedAgreement: &ratio,
		Dissenting:        dissent,
	}
	if yes >= threshold && succeeded > 0 {
		out.Success = true
		final, err := joinPayloads(payloads)
		if err != nil {
			return nil, err
		}
		out.FinalResult = final
	}
	return out, nil
}

func weightOf(weights map[string]float64, id string) float64 {
	if w, ok := weights[id]; ok && w >= 0 {
		return w
	}
	return 1
}

// tally counts successes and returns successful payloads and dissenting task IDs in input order.
func tally(results []models.TaskResult) (int, []json.RawMessage, []string) {
	var n int
	var payloads []json.RawMessage
	var dissent []string
	for _, r := range results {
		if r.Success {
			n++
			payloads = append(payloads, r.Payload)
		} else {
			dissent = append(dissent, r.TaskID)
		}
	}
	return n, payloads, dissent
}

// normalizePayload returns p unchanged when it is valid JSON and as a JSON
// string otherwise. Empty payloads stay empty.
func normalizePayload(p json.RawMessage) json.RawMessage {
	if len(p) == 0 || json.Valid(p) {
		return p
	}
	b, _ := json.Marshal(string(p))
	return b
}

// joinPayloads encodes payloads as a JSON array, with null for empty ones.
func joinPayloads(payloads []json.RawMessage) (json.RawMessage, error) {
	items := make([]json.RawMessage, len(payloads))
	for i, p := range payloads {
		if len(p) == 0 {
			items[i] = json.RawMessage("null")
			continue
		}
		items[i] = normalizePayload(p)
	}
	b, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("encode final result: %w", err)
	}
	return b, nil
}
