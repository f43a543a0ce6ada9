package scheduler

import (
	"errors"
	"math"
	"time"

	"github.com/ShayCichocki/switchyard/pkg/models"
)

// Report is the outcome of one scheduler run.
type Report struct {
	// Results holds one entry per input task, in input order.
	Results []models.TaskResult
	Batches []models.BatchTiming
	// Success is true when every task succeeded.
	Success bool
	// Cancelled is true when the run was stopped by the total timeout or the caller.
	Cancelled bool
	// Aborted is true when a failure stopped the run under abort_all.
	Aborted  bool
	WallTime time.Duration
	// Efficiency is the sum of task durations over the wall time of the batch sequence.
	Efficiency float64
	// Utilization is Efficiency relative to the concurrency limit, in [0,1].
	Utilization float64
	// Bottlenecks are batch indexes whose duration exceeds the mean by more than one standard deviation.
	Bottlenecks []int
}

// Err joins an ExecutionError for every failed task, or returns nil.
func (r *Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Status != models.TaskStatusFailed {
			continue
		}
		kind := ErrTaskFailure
		if res.ErrorKind == models.ErrorKindTimeout {
			kind = ErrTaskTimeout
		}
		errs = append(errs, &ExecutionError{Kind: kind, TaskID: res.TaskID, Attempts: res.Attempts, Message: res.Error})
	}
	return errors.Join(errs...)
}

// Count returns how many results are in status s.
func (r *Report) Count(s models.TaskStatus) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == s {
			n++
		}
	}
	return n
}

// summarize fills the derived figures from results and batch timings.
func (r *Report) summarize(maxConcurrency int) {
	r.Success = len(r.Results) > 0
	var busy time.Duration
	for _, res := range r.Results {
		if res.Status != models.TaskStatusSucceeded {
			r.Success = false
		}
		busy += res.ExecutionTime
	}
	if r.WallTime > 0 {
		r.Efficiency = float64(busy) / float64(r.WallTime)
		if maxConcurrency > 0 {
			r.Utilization = math.Min(r.Efficiency/float64(maxConcurrency), 1)
		}
	}
	r.Bottlenecks = bottlenecks(r.Batches)
}

// bottlenecks returns batches whose duration exceeds mean + one standard deviation.
func bottlenecks(batches []models.BatchTiming) []int {
	if len(batches) < 2 {
		return nil
	}
	var sum float64
	for _, b := range batches {
		sum += float64(b.Duration)
	}
	mean := sum / float64(len(batches))
	var sq float64
	for _, b := range batches {
		d := float64(b.Duration) - mean
		sq += d * d
	}
	std := math.Sqrt(sq / float64(len(batches)))

	var out []int
	for _, b := range batches {
		if float64(b.Duration) > mean+std {
			out = append(out, b.Index)
		}
	}
	return out
}
