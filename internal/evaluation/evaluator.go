// Package evaluation scores finished runs and proposes routing rule changes.
//
// An evaluation is itself a workflow execution: it is persisted as an
// evaluation record linked to its target through ParentID. Proposed rule
// changes are advisory. They are written only through Apply or
// ApplyProposal, which append a new rule version carrying the evaluation id.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ShayCichocki/switchyard/internal/orchestrator/policy"
	"github.com/ShayCichocki/switchyard/internal/state"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

// Store is the persistence the evaluator needs.
type Store interface {
	state.ExecutionStore
	state.FeedbackStore
	state.RuleStore
	RecentEvaluations(signature string, k int) ([]state.EvaluationSample, error)
}

// Evaluator runs evaluations. It is safe for concurrent use; concurrent
// evaluations of the same target with the same feedback share one run.
type Evaluator struct {
	store  Store
	policy policy.EvaluationPolicy
	group  singleflight.Group

	now      func() time.Time
	newID    func() string
	debugLog func(format string, args ...interface{})
}

// New creates an evaluator.
func New(store Store, p policy.EvaluationPolicy) *Evaluator {
	return &Evaluator{
		store:    store,
		policy:   p,
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (e *Evaluator) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		e.debugLog = fn
	}
}

// Evaluate scores the execution executionID and persists an evaluation record.
//
// A routing record is evaluated through its parallel run. When fb is nil the
// latest stored feedback for the run is used, if any. When too few prior
// evaluations exist for the signature, the completed record is returned
// together with an ErrInsufficientHistory error and a nil trend.
func (e *Evaluator) Evaluate(ctx context.Context, executionID string, fb *models.Feedback) (*models.WorkflowExecution, error) {
	key := executionID
	if fb != nil {
		key = fmt.Sprintf("%s#%d#%s", executionID, fb.Rating, strings.Join(fb.Issues, ","))
	}
	v, err, shared := e.group.Do(key, func() (interface{}, error) {
		return e.evaluate(ctx, executionID, fb)
	})
	if shared {
		e.debugLog("[evaluation] %s: joined in-flight evaluation", executionID)
	}
	rec, _ := v.(*models.WorkflowExecution)
	return rec, err
}

func (e *Evaluator) evaluate(ctx context.Context, executionID string, fb *models.Feedback) (*models.WorkflowExecution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	target, err := e.resolveTarget(executionID)
	if err != nil {
		return nil, err
	}

	if fb == nil {
		if fb, err = e.storedFeedback(target); err != nil {
			return nil, err
		}
	} else if err := fb.Validate(); err != nil {
		return nil, fmt.Errorf("invalid feedback: %w", err)
	}

	var history []state.EvaluationSample
	if target.Signature != "" {
		history, err = e.store.RecentEvaluations(target.Signature, e.policy.Window)
		if err != nil {
			return nil, err
		}
	}

	rec := &models.WorkflowExecution{
		ID:        e.newID(),
		CallerID:  target.CallerID,
		Type:      models.WorkflowEvaluation,
		Status:    models.ExecutionPending,
		Signature: target.Signature,
		ParentID:  target.ID,
		CreatedAt: e.now(),
		Evaluation: &models.EvaluationDetail{
			TargetID: target.ID,
			Feedback: fb,
		},
	}
	if err := e.store.CreateExecution(rec); err != nil {
		return nil, err
	}
	rec.Stamp(models.ExecutionInProgress, e.now())
	if err := e.store.SaveExecution(rec); err != nil {
		return nil, err
	}

	detail, err := e.analyze(target, fb, history)
	if err != nil {
		rec.Stamp(models.ExecutionFailed, e.now())
		rec.Error = err.Error()
		if saveErr := e.store.SaveExecution(rec); saveErr != nil {
			return nil, errors.Join(err, saveErr)
		}
		return rec, err
	}
	rec.Evaluation = detail
	rec.Stamp(models.ExecutionCompleted, e.now())
	if err := e.store.SaveExecution(rec); err != nil {
		return nil, err
	}
	if err := e.store.MarkEvaluated(target.ID); err != nil {
		return nil, err
	}

	m := detail.Metrics
	e.debugLog("[evaluation] %s -> %s: efficiency=%.2f accuracy=%.2f reliability=%.2f bottlenecks=%d proposals=%d",
		target.ID, rec.ID, m.Efficiency, m.Accuracy, m.Reliability, len(detail.Bottlenecks), len(detail.ProposedRules))

	if detail.Trend == nil {
		return rec, &EvaluationError{
			Kind:        ErrInsufficientHistory,
			ExecutionID: target.ID,
			Detail:      fmt.Sprintf("%d prior evaluation(s) of %q, need %d", len(history), target.Signature, e.policy.MinHistory),
		}
	}
	return rec, nil
}

// analyze computes the evaluation detail for target.
func (e *Evaluator) analyze(target *models.WorkflowExecution, fb *models.Feedback, history []state.EvaluationSample) (*models.EvaluationDetail, error) {
	metrics := computeMetrics(target, fb, history)
	trend := computeTrend(metrics, history, e.policy.Window, e.policy.MinHistory)

	in := proposalInput{target: target, metrics: metrics, trend: trend, fb: fb}
	if target.Signature != "" {
		latest, err := e.store.LatestRule(target.Signature)
		if err != nil {
			return nil, err
		}
		in.latest = latest
	}
	if target.ParentID != "" {
		parent, err := e.store.GetExecution(target.ParentID)
		switch {
		case errors.Is(err, state.ErrNotFound):
		case err != nil:
			return nil, err
		case parent.Routing != nil:
			in.route = &parent.Routing.Route
		}
	}

	return &models.EvaluationDetail{
		TargetID:      target.ID,
		Metrics:       metrics,
		Trend:         trend,
		Feedback:      fb,
		Bottlenecks:   findBottlenecks(target, e.policy.BottleneckRatio),
		ProposedRules: e.propose(in),
	}, nil
}

// resolveTarget loads the finished parallel run behind executionID.
func (e *Evaluator) resolveTarget(executionID string) (*models.WorkflowExecution, error) {
	target, err := e.load(executionID)
	if err != nil {
		return nil, err
	}
	if target.Type == models.WorkflowRouting {
		runs, err := e.store.ListExecutions(state.ExecutionFilter{
			ParentID: target.ID,
			Type:     models.WorkflowParallel,
			Limit:    1,
		})
		if err != nil {
			return nil, err
		}
		if len(runs) == 0 {
			return nil, &EvaluationError{Kind: ErrNotEvaluable, ExecutionID: executionID, Detail: "routing record has no parallel run"}
		}
		target = runs[0]
	}
	if target.Type != models.WorkflowParallel || target.Parallel == nil {
		return nil, &EvaluationError{Kind: ErrNotEvaluable, ExecutionID: target.ID, Detail: fmt.Sprintf("%s records are not evaluated", target.Type)}
	}
	if !target.Status.IsTerminal() {
		return nil, &EvaluationError{Kind: ErrNotEvaluable, ExecutionID: target.ID, Detail: fmt.Sprintf("still %s", target.Status)}
	}
	return target, nil
}

func (e *Evaluator) load(id string) (*models.WorkflowExecution, error) {
	rec, err := e.store.GetExecution(id)
	if errors.Is(err, state.ErrNotFound) {
		return nil, &EvaluationError{Kind: ErrExecutionNotFound, ExecutionID: id}
	}
	return rec, err
}

// storedFeedback returns the latest feedback on the run, or on its routing record.
func (e *Evaluator) storedFeedback(target *models.WorkflowExecution) (*models.Feedback, error) {
	fb, err := e.store.LatestFeedback(target.ID)
	if err != nil || fb != nil || target.ParentID == "" {
		return fb, err
	}
	return e.store.LatestFeedback(target.ParentID)
}

// SubmitFeedback stores feedback on an execution. When the policy says so it
// evaluates the execution right away and returns the evaluation record;
// otherwise it returns nil and the sweep picks the execution up.
func (e *Evaluator) SubmitFeedback(ctx context.Context, executionID string, fb models.Feedback) (*models.WorkflowExecution, error) {
	if err := fb.Validate(); err != nil {
		return nil, fmt.Errorf("invalid feedback: %w", err)
	}
	if fb.SubmittedAt.IsZero() {
		fb.SubmittedAt = e.now()
	}
	if err := e.store.SaveFeedback(executionID, fb); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, &EvaluationError{Kind: ErrExecutionNotFound, ExecutionID: executionID}
		}
		return nil, err
	}
	if !e.policy.EvaluateOnFeedback {
		return nil, nil
	}
	rec, err := e.Evaluate(ctx, executionID, &fb)
	if errors.Is(err, ErrNotEvaluable) {
		// Stored; the run is evaluated once it finishes.
		e.debugLog("[evaluation] feedback on %s stored for later: %v", executionID, err)
		return nil, nil
	}
	return rec, err
}
