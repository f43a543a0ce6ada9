// Package orchestrator wires planning, scheduling, coordination and
// evaluation into one flow and persists every step as an execution record.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/switchyard/internal/coordination"
	"github.com/ShayCichocki/switchyard/internal/evaluation"
	"github.com/ShayCichocki/switchyard/internal/orchestrator/policy"
	"github.com/ShayCichocki/switchyard/internal/planner"
	"github.com/ShayCichocki/switchyard/internal/scheduler"
	"github.com/ShayCichocki/switchyard/internal/state"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

// Orchestrator runs workflows end to end. It is safe for concurrent use.
type Orchestrator struct {
	store     state.Store
	caps      Capabilities
	planner   *planner.Planner
	evaluator *evaluation.Evaluator
	policy    *policy.Config
	logger    *DebugLogger
	emitter   *EventEmitter
	active    *activeTable

	now   func() time.Time
	newID func() string
}

// Result is what Execute and RunTasks return. Routing is nil for RunTasks.
type Result struct {
	Routing *models.WorkflowExecution
	Run     *models.WorkflowExecution
	Report  *scheduler.Report
}

// Outcome returns the coordinated outcome of the run, if one was decided.
func (r *Result) Outcome() *models.CoordinatedOutcome {
	if r == nil || r.Run == nil || r.Run.Parallel == nil {
		return nil
	}
	return r.Run.Parallel.Outcome
}

// New creates an orchestrator.
func New(cfg RequiredConfig, opts ...Option) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if cfg.Capabilities == nil {
		return nil, errors.New("orchestrator: capabilities are required")
	}

	o := &orchestratorOptions{
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.policyConfig == nil {
		o.policyConfig = policy.Default()
	}
	if err := o.policyConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	if o.logger == nil {
		o.logger = NopLogger()
	}
	setPackageLogger(o.logger)

	p := planner.New(cfg.Capabilities, cfg.Store, cfg.Store, o.policyConfig.Planner)
	p.SetDebugLog(debugLog)
	ev := evaluation.New(cfg.Store, o.policyConfig.Evaluation)
	ev.SetDebugLog(debugLog)

	return &Orchestrator{
		store:     cfg.Store,
		caps:      cfg.Capabilities,
		planner:   p,
		evaluator: ev,
		policy:    o.policyConfig,
		logger:    o.logger,
		emitter:   NewEventEmitter(o.policyConfig.Events.BufferSize),
		active:    newActiveTable(),
		now:       o.now,
		newID:     o.newID,
	}, nil
}

// Plan returns the route Execute would take for wf, without persisting or
// running anything.
func (o *Orchestrator) Plan(ctx context.Context, wf *Workflow) (*models.Route, []models.Task, error) {
	route, err := o.planner.Plan(ctx, wf.Request)
	if err != nil {
		return nil, nil, err
	}
	tasks := tasksFromRoute(route, wf, o.caps)
	if err := scheduler.Validate(tasks); err != nil {
		return nil, nil, err
	}
	return route, tasks, nil
}

// Execute plans wf.Request, runs the route and resolves the results.
//
// Routing, coordination-configuration and scheduling errors are returned
// before any task runs; nothing is persisted for them except the routing
// record of a successful plan. Once the run starts, task failures, timeouts
// and cancellation are recorded on the returned parallel record and the error
// is nil.
func (o *Orchestrator) Execute(ctx context.Context, wf *Workflow) (*Result, error) {
	coord, err := o.coordinationPolicy(wf)
	if err != nil {
		return nil, err
	}
	route, tasks, err := o.Plan(ctx, wf)
	if err != nil {
		o.logger.Log("[orchestrator] plan %s failed: %v", wf.Request.Signature(), err)
		return nil, err
	}

	routing, err := o.recordRoute(wf, route)
	if err != nil {
		return nil, err
	}
	o.emitter.Emit(OrchestratorEvent{
		Type:        EventRoutePlanned,
		ExecutionID: routing.ID,
		Status:      string(routing.Status),
		Message:     fmt.Sprintf("%d steps, confidence %.2f, risk %s", len(route.Steps), route.Confidence, route.Risk.Level),
	})

	res, err := o.runTasks(ctx, wf, tasks, coord, route.Signature, routing.ID, route.EstimatedDuration)
	if res != nil {
		res.Routing = routing
	}
	return res, err
}

// RunTasks runs wf.Tasks as given, without planning.
func (o *Orchestrator) RunTasks(ctx context.Context, wf *Workflow) (*Result, error) {
	coord, err := o.coordinationPolicy(wf)
	if err != nil {
		return nil, err
	}
	if len(wf.Tasks) == 0 {
		return nil, &coordination.CoordinationError{Kind: coordination.ErrNoResultsToResolve}
	}
	tasks, missing := prepareTasks(wf.Tasks, wf, o.caps)
	if len(missing) > 0 {
		return nil, &planner.RoutingError{Kind: planner.ErrNoFeasibleRoute, Capabilities: missing, Detail: "not registered"}
	}

	p := wf.executionPolicy(o.policy.Execution)
	estimate, err := scheduler.Estimate(tasks, p.MaxConcurrency)
	if err != nil {
		return nil, err
	}

	taskType := wf.Request.TaskType
	if !taskType.Valid() {
		taskType = models.TaskTypeExecution
	}
	caps := make([]string, 0, len(tasks))
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if !seen[t.Capability] {
			seen[t.Capability] = true
			caps = append(caps, t.Capability)
		}
	}
	return o.runTasks(ctx, wf, tasks, coord, models.Signature(taskType, caps), "", estimate)
}

func (o *Orchestrator) coordinationPolicy(wf *Workflow) (models.CoordinationPolicy, error) {
	coord := wf.Coordination
	if coord == "" {
		coord = o.policy.Coordination.Default
	}
	if !coordination.Valid(coord) {
		return "", &coordination.CoordinationError{Kind: coordination.ErrUnknownPolicy, Policy: string(coord)}
	}
	return coord, nil
}

// recordRoute persists a completed routing record for route.
func (o *Orchestrator) recordRoute(wf *Workflow, route *models.Route) (*models.WorkflowExecution, error) {
	primary := *route
	primary.Alternatives = nil
	rec := &models.WorkflowExecution{
		ID:        o.newID(),
		CallerID:  wf.CallerID,
		Type:      models.WorkflowRouting,
		Status:    models.ExecutionPending,
		Signature: route.Signature,
		CreatedAt: o.now(),
		Routing: &models.RoutingDetail{
			Request:      wf.Request,
			Route:        primary,
			Alternatives: route.Alternatives,
		},
	}
	if err := o.store.CreateExecution(rec); err != nil {
		return nil, fmt.Errorf("record route: %w", err)
	}
	for _, to := range []models.ExecutionStatus{models.ExecutionInProgress, models.ExecutionCompleted} {
		rec.Stamp(to, o.now())
		if err := o.store.SaveExecution(rec); err != nil {
			return nil, fmt.Errorf("record route: %w", err)
		}
	}
	o.logger.Log("[orchestrator] route %s for %s: %v (rule v%d)", rec.ID, route.Signature, route.Capabilities(), route.RuleVersion)
	return rec, nil
}

// runTasks persists a parallel record, schedules tasks, resolves the results
// and stores the outcome. Only store failures are returned as errors.
func (o *Orchestrator) runTasks(ctx context.Context, wf *Workflow, tasks []models.Task, coord models.CoordinationPolicy, signature, parentID string, estimate time.Duration) (*Result, error) {
	p := wf.executionPolicy(o.policy.Execution)
	policy.ClampExecution(&p)

	rec := &models.WorkflowExecution{
		ID:        o.newID(),
		CallerID:  wf.CallerID,
		Type:      models.WorkflowParallel,
		Status:    models.ExecutionPending,
		Signature: signature,
		ParentID:  parentID,
		CreatedAt: o.now(),
		Parallel: &models.ParallelDetail{
			Tasks:             tasks,
			Policy:            p,
			Coordination:      coord,
			Weights:           wf.Weights,
			EstimatedDuration: estimate,
		},
	}
	if err := o.store.CreateExecution(rec); err != nil {
		return nil, fmt.Errorf("record run: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	rec.Stamp(models.ExecutionInProgress, o.now())
	if err := o.store.SaveExecution(rec); err != nil {
		return nil, fmt.Errorf("record run: %w", err)
	}
	o.active.put(ActiveExecution{
		ID:        rec.ID,
		ParentID:  parentID,
		CallerID:  wf.CallerID,
		Signature: signature,
		Tasks:     len(tasks),
		StartedAt: *rec.StartedAt,
	}, cancel)
	defer o.active.remove(rec.ID)

	o.emitter.Emit(OrchestratorEvent{
		Type:        EventExecutionStarted,
		ExecutionID: rec.ID,
		ParentID:    parentID,
		Status:      string(rec.Status),
		Message:     fmt.Sprintf("%d tasks, max concurrency %d", len(tasks), p.MaxConcurrency),
	})

	s := scheduler.New(o.caps)
	s.SetDebugLog(debugLog)
	s.OnTaskUpdate(func(r models.TaskResult) {
		ev := taskEvent(rec.ID, r)
		ev.ParentID = parentID
		o.emitter.Emit(ev)
	})

	report, err := s.Execute(runCtx, tasks, p)
	if err != nil {
		// Tasks were validated before the record was written; this is a bug or a race.
		o.finish(rec, models.ExecutionFailed, err.Error())
		return &Result{Run: rec}, err
	}

	d := rec.Parallel
	d.Results = report.Results
	d.Batches = report.Batches
	d.ParallelEfficiency = report.Efficiency
	d.ResourceUtilization = report.Utilization
	d.Bottlenecks = report.Bottlenecks

	status, msg := o.decide(rec, report, coord, wf.Weights)
	if err := o.finish(rec, status, msg); err != nil {
		return &Result{Run: rec, Report: report}, err
	}
	return &Result{Run: rec, Report: report}, nil
}

// decide resolves the report under coord and returns the terminal status.
func (o *Orchestrator) decide(rec *models.WorkflowExecution, report *scheduler.Report, coord models.CoordinationPolicy, weights map[string]float64) (models.ExecutionStatus, string) {
	if report.Cancelled {
		return models.ExecutionCancelled, "cancelled before all tasks finished"
	}

	opts := coordination.Options{Weights: weights}
	if coord == models.PolicyWeightedVoting && o.policy.Coordination.WeightedThreshold > 0 {
		threshold := o.policy.Coordination.WeightedThreshold
		opts.Threshold = &threshold
	}
	outcome, err := coordination.Resolve(report.Results, coord, opts)
	if err != nil {
		return models.ExecutionFailed, err.Error()
	}
	rec.Parallel.Outcome = outcome
	// An aborted run fails whatever the partial results vote.
	if report.Aborted {
		outcome.Success = false
		if taskErr := report.Err(); taskErr != nil {
			return models.ExecutionFailed, taskErr.Error()
		}
		return models.ExecutionFailed, "aborted after task failure"
	}
	if outcome.Success {
		return models.ExecutionCompleted, ""
	}
	if taskErr := report.Err(); taskErr != nil {
		return models.ExecutionFailed, taskErr.Error()
	}
	return models.ExecutionFailed, fmt.Sprintf("coordination policy %s not satisfied", coord)
}

// finish stamps and saves the terminal state of rec.
func (o *Orchestrator) finish(rec *models.WorkflowExecution, status models.ExecutionStatus, msg string) error {
	rec.Stamp(status, o.now())
	rec.Error = msg
	err := o.store.SaveExecution(rec)
	if err != nil {
		log.Printf("[orchestrator] WARNING: failed to save %s as %s: %v", rec.ID, status, err)
	}

	o.logger.Log("[orchestrator] run %s %s in %s: %s", rec.ID, status, rec.Duration, msg)
	o.emitter.Emit(OrchestratorEvent{
		Type:        EventExecutionFinished,
		ExecutionID: rec.ID,
		ParentID:    rec.ParentID,
		Status:      string(status),
		Message:     msg,
		Error:       err,
		Duration:    rec.Duration,
	})
	return err
}

// Cancel cooperatively cancels an in-progress run started by this
// orchestrator. The run records itself as cancelled once its tasks stop.
func (o *Orchestrator) Cancel(executionID string) error {
	if !o.active.cancel(executionID) {
		return fmt.Errorf("cancel %s: %w", executionID, ErrNotActive)
	}
	o.logger.Log("[orchestrator] cancel requested for %s", executionID)
	return nil
}

// Active lists the runs currently in progress, oldest first.
func (o *Orchestrator) Active() []ActiveExecution {
	return o.active.list()
}

// Evaluate evaluates a finished execution. See evaluation.Evaluator.Evaluate.
func (o *Orchestrator) Evaluate(ctx context.Context, executionID string, fb *models.Feedback) (*models.WorkflowExecution, error) {
	rec, err := o.evaluator.Evaluate(ctx, executionID, fb)
	o.emitEvaluation(executionID, rec, err)
	return rec, err
}

// SubmitFeedback stores feedback and evaluates when the policy says so.
func (o *Orchestrator) SubmitFeedback(ctx context.Context, executionID string, fb models.Feedback) (*models.WorkflowExecution, error) {
	rec, err := o.evaluator.SubmitFeedback(ctx, executionID, fb)
	if rec != nil {
		o.emitEvaluation(executionID, rec, err)
	}
	return rec, err
}

func (o *Orchestrator) emitEvaluation(target string, rec *models.WorkflowExecution, err error) {
	if rec == nil {
		return
	}
	ev := OrchestratorEvent{
		Type:        EventEvaluationCompleted,
		ExecutionID: rec.ID,
		ParentID:    target,
		Status:      string(rec.Status),
	}
	if err != nil && !evaluation.IsInsufficientHistory(err) {
		ev.Error = err
	}
	if rec.Evaluation != nil {
		m := rec.Evaluation.Metrics
		ev.Message = fmt.Sprintf("efficiency %.2f, accuracy %.2f, reliability %.2f, %d proposals",
			m.Efficiency, m.Accuracy, m.Reliability, len(rec.Evaluation.ProposedRules))
	}
	o.emitter.Emit(ev)
}

// Evaluator returns the evaluator used by this orchestrator.
func (o *Orchestrator) Evaluator() *evaluation.Evaluator {
	return o.evaluator
}

// Events returns a read-only channel of orchestrator events.
func (o *Orchestrator) Events() <-chan OrchestratorEvent {
	return o.emitter.Events()
}

// DroppedEventCount returns the number of events dropped on a full channel.
func (o *Orchestrator) DroppedEventCount() uint64 {
	return o.emitter.DroppedCount()
}

// Close cancels active runs and closes the event stream. It does not close
// the store.
func (o *Orchestrator) Close() error {
	if n := o.active.cancelAll(); n > 0 {
		log.Printf("[orchestrator] cancelled %d active run(s) on close", n)
	}
	o.emitter.Close()
	return nil
}
