// Package scheduler runs a dependency-ordered task set with bounded concurrency.
//
// Tasks are layered into batches: every task in a batch has all of its
// dependencies in earlier batches. Batches run one after another, and the
// tasks inside a batch run concurrently up to the policy's concurrency limit,
// launched in descending priority weight.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/ShayCichocki/switchyard/internal/capability"
	"github.com/ShayCichocki/switchyard/internal/graph"
	"github.com/ShayCichocki/switchyard/internal/orchestrator/policy"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

// errAborted is the cancel cause set when abort_all stops a run.
var errAborted = errors.New("aborted after task failure")

// Scheduler executes task sets through a capability invoker.
// It is safe for concurrent use; each Execute call is independent.
type Scheduler struct {
	invoker capability.Invoker

	// onUpdate, if set, is called when a task starts and when it reaches a
	// terminal status. It runs on the task's goroutine and must not block.
	onUpdate func(models.TaskResult)

	now      func() time.Time
	debugLog func(format string, args ...interface{})
}

// New creates a scheduler that invokes capabilities through invoker.
func New(invoker capability.Invoker) *Scheduler {
	return &Scheduler{
		invoker:  invoker,
		now:      time.Now,
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (s *Scheduler) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		s.debugLog = fn
	}
}

// OnTaskUpdate registers a callback for task start and completion.
func (s *Scheduler) OnTaskUpdate(fn func(models.TaskResult)) {
	s.onUpdate = fn
}

// run holds the state of one Execute call.
type run struct {
	s      *Scheduler
	policy models.ExecutionPolicy
	tasks  map[string]*models.Task
	graph  *graph.DependencyGraph

	ctx   context.Context
	abort context.CancelCauseFunc

	mu      sync.Mutex
	results map[string]*models.TaskResult
}

// Execute runs tasks under p and returns a report with one result per task.
//
// The task set is validated before anything runs: a cycle, a dangling
// dependency or a duplicate ID returns a *SchedulingError and no capability is
// invoked. Task failures do not produce an error; they are recorded in the
// report and summarised by Report.Err.
func (s *Scheduler) Execute(ctx context.Context, tasks []models.Task, p models.ExecutionPolicy) (*Report, error) {
	policy.ClampExecution(&p)

	g, layers, err := layer(tasks, s.debugLog)
	if err != nil {
		return nil, err
	}

	runCtx := ctx
	var cancelTotal context.CancelFunc
	if p.TotalTimeout > 0 {
		runCtx, cancelTotal = context.WithTimeout(ctx, p.TotalTimeout)
		defer cancelTotal()
	}
	runCtx, abort := context.WithCancelCause(runCtx)
	defer abort(nil)

	r := &run{
		s:       s,
		policy:  p,
		tasks:   make(map[string]*models.Task, len(tasks)),
		graph:   g,
		ctx:     runCtx,
		abort:   abort,
		results: make(map[string]*models.TaskResult, len(tasks)),
	}
	for bi, layer := range layers {
		for _, id := range layer {
			t := g.GetTask(id)
			r.tasks[id] = t
			r.results[id] = &models.TaskResult{
				TaskID:         id,
				Capability:     t.Capability,
				Status:         models.TaskStatusPending,
				Batch:          bi,
				PriorityWeight: t.PriorityWeight,
				Estimated:      t.EstimatedDuration,
			}
		}
	}

	s.debugLog("[scheduler] executing %d tasks in %d batches (concurrency=%d, failure=%s)",
		len(tasks), len(layers), p.MaxConcurrency, p.FailureHandling)

	report := &Report{}
	start := s.now()
	for bi, layer := range layers {
		if runCtx.Err() != nil {
			r.cancelRemaining(layers[bi:])
			break
		}
		report.Batches = append(report.Batches, r.runBatch(bi, layer))
	}
	report.WallTime = s.now().Sub(start)

	report.Results = make([]models.TaskResult, 0, len(tasks))
	for _, t := range tasks {
		report.Results = append(report.Results, *r.results[t.ID])
	}
	switch {
	case errors.Is(context.Cause(runCtx), errAborted):
		report.Aborted = true
	case runCtx.Err() != nil:
		report.Cancelled = report.Count(models.TaskStatusCancelled) > 0
	}
	report.summarize(p.MaxConcurrency)

	s.debugLog("[scheduler] finished in %s: success=%v cancelled=%v aborted=%v efficiency=%.2f",
		report.WallTime, report.Success, report.Cancelled, report.Aborted, report.Efficiency)
	return report, nil
}

// Validate reports whether tasks can be scheduled, without running anything.
func Validate(tasks []models.Task) error {
	_, _, err := layer(tasks, nil)
	return err
}

// Estimate approximates the wall-clock span of tasks from their estimated
// durations under the given concurrency limit.
func Estimate(tasks []models.Task, maxConcurrency int) (time.Duration, error) {
	g, layers, err := layer(tasks, nil)
	if err != nil {
		return 0, err
	}
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	var total time.Duration
	for _, l := range layers {
		batch := make([]*models.Task, 0, len(l))
		for _, id := range l {
			batch = append(batch, g.GetTask(id))
		}
		total += estimateBatch(batch, maxConcurrency)
	}
	return total, nil
}

// layer builds the dependency graph and splits it into batches.
func layer(tasks []models.Task, logf func(string, ...interface{})) (*graph.DependencyGraph, [][]string, error) {
	if err := validateIDs(tasks); err != nil {
		return nil, nil, err
	}
	g := graph.New()
	g.SetDebugLog(logf)
	if err := g.Build(tasks); err != nil {
		return nil, nil, schedulingError(err)
	}
	layers, err := g.Layers()
	if err != nil {
		return nil, nil, schedulingError(err)
	}
	return g, layers, nil
}

func validateIDs(tasks []models.Task) error {
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			return &SchedulingError{Kind: ErrInvalidTaskSet, Err: fmt.Errorf("task with capability %q has no id", t.Capability)}
		}
		if seen[t.ID] {
			return &SchedulingError{Kind: ErrInvalidTaskSet, TaskIDs: []string{t.ID}, Err: graph.ErrDuplicateTask}
		}
		seen[t.ID] = true
	}
	return nil
}

func schedulingError(err error) error {
	var ce *graph.CycleError
	if errors.As(err, &ce) {
		return &SchedulingError{Kind: ErrCyclicDependency, TaskIDs: ce.TaskIDs, Err: err}
	}
	var de *graph.DanglingError
	if errors.As(err, &de) {
		return &SchedulingError{Kind: ErrDanglingDependency, TaskIDs: de.TaskIDs(), Err: err}
	}
	return &SchedulingError{Kind: ErrInvalidTaskSet, Err: err}
}

// runBatch executes one layer and returns its timing.
func (r *run) runBatch(index int, layer []string) models.BatchTiming {
	timing := models.BatchTiming{Index: index, TaskIDs: append([]string(nil), layer...)}

	var runnable []*models.Task
	for _, id := range layer {
		if dep, ok := r.blockedBy(id); ok {
			r.finish(id, func(res *models.TaskResult) {
				res.Status = models.TaskStatusSkipped
				res.Error = fmt.Sprintf("dependency %s did not succeed", dep)
			})
			continue
		}
		runnable = append(runnable, r.tasks[id])
	}
	sort.SliceStable(runnable, func(i, j int) bool {
		return runnable[i].PriorityWeight > runnable[j].PriorityWeight
	})
	timing.Estimated = estimateBatch(runnable, r.policy.MaxConcurrency)

	start := r.s.now()
	sem := semaphore.NewWeighted(int64(r.policy.MaxConcurrency))
	var wg sync.WaitGroup
	for i, t := range runnable {
		if err := sem.Acquire(r.ctx, 1); err != nil {
			for _, rest := range runnable[i:] {
				r.cancelTask(rest.ID, "cancelled before start")
			}
			break
		}
		wg.Add(1)
		go func(t *models.Task) {
			defer wg.Done()
			defer sem.Release(1)
			r.runTask(t)
		}(t)
	}
	wg.Wait()
	timing.Duration = r.s.now().Sub(start)

	r.s.debugLog("[scheduler] batch %d done in %s (%d tasks)", index, timing.Duration, len(layer))
	return timing
}

// blockedBy returns the first dependency of id that did not succeed.
func (r *run) blockedBy(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dep := range r.graph.GetDependencies(id) {
		if r.results[dep].Status != models.TaskStatusSucceeded {
			return dep, true
		}
	}
	return "", false
}

// runTask invokes one task, retrying under retry_failed when the task is idempotent.
func (r *run) runTask(t *models.Task) {
	started := r.s.now()
	r.update(t.ID, func(res *models.TaskResult) {
		res.Status = models.TaskStatusRunning
		res.StartedAt = &started
	})

	retries := 0
	if r.policy.FailureHandling == models.FailureRetryFailed {
		if t.Idempotent {
			retries = r.policy.MaxRetries
		} else if r.policy.MaxRetries > 0 {
			r.s.debugLog("[scheduler] task %s is not idempotent, not retrying", t.ID)
		}
	}
	bo := newBackOff(r.ctx, r.policy.RetryBackoff, retries)

	var att attempt
	attempts := 0
	for {
		attempts++
		att = r.invoke(t)
		if att.outcome == attemptSucceeded || att.outcome == attemptCancelled {
			break
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		r.s.debugLog("[scheduler] task %s attempt %d failed (%s), retrying in %s", t.ID, attempts, att.message, wait)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-r.ctx.Done():
			timer.Stop()
		}
		if r.ctx.Err() != nil {
			break
		}
	}

	completed := r.s.now()
	r.finish(t.ID, func(res *models.TaskResult) {
		res.Attempts = attempts
		res.CompletedAt = &completed
		res.ExecutionTime = completed.Sub(started)
		res.Payload = att.result.Payload
		res.Usage = att.result.Usage
		if res.Usage.WallTime == 0 {
			res.Usage.WallTime = res.ExecutionTime
		}
		switch att.outcome {
		case attemptSucceeded:
			res.Status = models.TaskStatusSucceeded
			res.Success = true
		case attemptCancelled:
			res.Status = models.TaskStatusCancelled
			res.Error = att.message
		case attemptTimedOut:
			res.Status = models.TaskStatusFailed
			res.ErrorKind = models.ErrorKindTimeout
			res.Error = att.message
		default:
			res.Status = models.TaskStatusFailed
			res.ErrorKind = models.ErrorKindFailure
			res.Error = att.message
		}
	})

	if att.outcome == attemptFailed || att.outcome == attemptTimedOut {
		r.onFailure(t.ID, attempts, att.message)
	}
}

// onFailure applies the failure handling mode after a task's final attempt.
func (r *run) onFailure(id string, attempts int, msg string) {
	if r.policy.FailureHandling == models.FailureAbortAll {
		log.Printf("[scheduler] task %s failed after %d attempt(s), aborting run: %s", id, attempts, msg)
		r.abort(errAborted)
		return
	}
	// Dependents are skipped when their batch comes up; log what will be lost.
	if dependents := r.graph.TransitiveDependents(id); len(dependents) > 0 {
		r.s.debugLog("[scheduler] task %s failed, skipping dependents %v", id, dependents)
	}
}

type attemptOutcome int

const (
	attemptSucceeded attemptOutcome = iota
	attemptFailed
	attemptTimedOut
	attemptCancelled
)

type attempt struct {
	outcome attemptOutcome
	result  capability.Outcome
	message string
}

type invokeResult struct {
	outcome capability.Outcome
	err     error
}

// invoke runs a single attempt under the per-task timeout. When the timeout or
// the run context fires, the executor gets the grace period to return before
// its result is abandoned.
func (r *run) invoke(t *models.Task) attempt {
	ctx, cancel := context.WithTimeout(r.ctx, r.policy.PerTaskTimeout)
	defer cancel()

	done := make(chan invokeResult, 1)
	go func() {
		out, err := r.s.invoker.Invoke(ctx, t.Capability, t.Params, r.policy.PerTaskTimeout)
		done <- invokeResult{outcome: out, err: err}
	}()

	select {
	case res := <-done:
		return r.classify(ctx, res)
	case <-ctx.Done():
	}

	grace := time.NewTimer(r.policy.GracePeriod)
	defer grace.Stop()
	select {
	case res := <-done:
		r.s.debugLog("[scheduler] task %s returned within grace period", t.ID)
		return r.interrupted(res.outcome)
	case <-grace.C:
		log.Printf("[scheduler] task %s did not stop within %s grace period, abandoning", t.ID, r.policy.GracePeriod)
		return r.interrupted(capability.Outcome{})
	}
}

// classify maps an executor return onto an attempt outcome.
func (r *run) classify(ctx context.Context, res invokeResult) attempt {
	if res.err == nil && res.outcome.Success {
		return attempt{outcome: attemptSucceeded, result: res.outcome}
	}
	if ctx.Err() != nil {
		return r.interrupted(res.outcome)
	}
	msg := res.outcome.Error
	if res.err != nil {
		msg = res.err.Error()
	}
	if msg == "" {
		msg = "executor reported failure"
	}
	return attempt{outcome: attemptFailed, result: res.outcome, message: msg}
}

// interrupted distinguishes a per-task timeout from a cancelled run.
func (r *run) interrupted(out capability.Outcome) attempt {
	if r.ctx.Err() != nil {
		return attempt{outcome: attemptCancelled, result: out, message: cancelReason(r.ctx)}
	}
	return attempt{
		outcome: attemptTimedOut,
		result:  out,
		message: fmt.Sprintf("exceeded per-task timeout of %s", r.policy.PerTaskTimeout),
	}
}

func cancelReason(ctx context.Context) string {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errAborted):
		return errAborted.Error()
	case errors.Is(cause, context.DeadlineExceeded):
		return "total timeout exceeded"
	case cause != nil:
		return cause.Error()
	default:
		return "cancelled"
	}
}

// cancelRemaining marks every still-pending task in layers as cancelled.
func (r *run) cancelRemaining(layers [][]string) {
	reason := cancelReason(r.ctx)
	for _, layer := range layers {
		for _, id := range layer {
			r.cancelTask(id, reason)
		}
	}
}

func (r *run) cancelTask(id, reason string) {
	r.finish(id, func(res *models.TaskResult) {
		if res.Status != models.TaskStatusPending {
			return
		}
		res.Status = models.TaskStatusCancelled
		res.Error = reason
	})
}

func (r *run) update(id string, fn func(*models.TaskResult)) {
	r.mu.Lock()
	res := r.results[id]
	fn(res)
	snapshot := *res
	r.mu.Unlock()
	if r.s.onUpdate != nil {
		r.s.onUpdate(snapshot)
	}
}

// finish is update for terminal transitions. Results already terminal are left alone.
func (r *run) finish(id string, fn func(*models.TaskResult)) {
	r.mu.Lock()
	res := r.results[id]
	if res.Status.IsTerminal() {
		r.mu.Unlock()
		return
	}
	fn(res)
	changed := res.Status.IsTerminal()
	snapshot := *res
	r.mu.Unlock()
	if changed && r.s.onUpdate != nil {
		r.s.onUpdate(snapshot)
	}
}

// newBackOff returns an exponential backoff allowing retries further attempts.
func newBackOff(ctx context.Context, initial time.Duration, retries int) backoff.BackOff {
	if retries <= 0 {
		return &backoff.StopBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = 16 * initial
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// estimateBatch approximates a batch's span from the planner estimates.
func estimateBatch(tasks []*models.Task, maxConcurrency int) time.Duration {
	if len(tasks) == 0 {
		return 0
	}
	var longest, sum time.Duration
	for _, t := range tasks {
		sum += t.EstimatedDuration
		if t.EstimatedDuration > longest {
			longest = t.EstimatedDuration
		}
	}
	width := min(len(tasks), maxConcurrency)
	if spread := sum / time.Duration(width); spread > longest {
		return spread
	}
	return longest
}
