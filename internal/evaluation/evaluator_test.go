package evaluation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/switchyard/internal/orchestrator/policy"
	"github.com/ShayCichocki/switchyard/internal/state"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

const testSig = "analysis:A,B"

func openStore(t *testing.T) *state.DB {
	t.Helper()
	db, err := state.OpenMigrated(filepath.Join(t.TempDir(), "eval.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// runSpec describes a finished parallel run to seed.
type runSpec struct {
	id        string
	parentID  string
	signature string
	// failed lists task IDs (A or B) that failed.
	failed   map[string]bool
	estimate time.Duration
	observed time.Duration
	status   models.ExecutionStatus
}

func seedRun(t *testing.T, db *state.DB, spec runSpec) *models.WorkflowExecution {
	t.Helper()
	if spec.signature == "" {
		spec.signature = testSig
	}
	if spec.estimate == 0 {
		spec.estimate = 100 * time.Millisecond
	}
	if spec.observed == 0 {
		spec.observed = spec.estimate
	}
	if spec.status == "" {
		spec.status = models.ExecutionCompleted
	}

	start := time.Now().Add(-time.Minute)
	var results []models.TaskResult
	var tasks []models.Task
	for _, id := range []string{"A", "B"} {
		tasks = append(tasks, models.Task{ID: id, Capability: id, EstimatedDuration: spec.estimate})
		done := start.Add(spec.observed)
		r := models.TaskResult{
			TaskID:        id,
			Capability:    id,
			Status:        models.TaskStatusSucceeded,
			Success:       true,
			Attempts:      1,
			StartedAt:     &start,
			CompletedAt:   &done,
			ExecutionTime: spec.observed,
			Estimated:     spec.estimate,
		}
		if spec.failed[id] {
			r.Status = models.TaskStatusFailed
			r.Success = false
			r.Error = "boom"
		}
		results = append(results, r)
	}

	rec := &models.WorkflowExecution{
		ID:        spec.id,
		CallerID:  "tester",
		Type:      models.WorkflowParallel,
		Signature: spec.signature,
		ParentID:  spec.parentID,
		CreatedAt: start,
		Parallel: &models.ParallelDetail{
			Tasks:              tasks,
			Results:            results,
			Batches:            []models.BatchTiming{{Index: 0, TaskIDs: []string{"A", "B"}, Duration: spec.observed, Estimated: spec.estimate}},
			Policy:             models.ExecutionPolicy{MaxConcurrency: 4},
			Coordination:       models.PolicyAllComplete,
			ParallelEfficiency: 2.0,
			EstimatedDuration:  spec.estimate,
		},
	}
	require.NoError(t, db.CreateExecution(rec))
	if spec.status == models.ExecutionPending {
		return rec
	}
	rec.Stamp(models.ExecutionInProgress, start)
	require.NoError(t, db.SaveExecution(rec))
	if spec.status == models.ExecutionInProgress {
		return rec
	}
	rec.Stamp(spec.status, start.Add(spec.observed))
	require.NoError(t, db.SaveExecution(rec))
	return rec
}

func newEvaluator(db *state.DB) *Evaluator {
	return New(db, policy.Default().Evaluation)
}

func TestEvaluateExecutionNotFound(t *testing.T) {
	ev := newEvaluator(openStore(t))
	rec, err := ev.Evaluate(context.Background(), "missing", nil)
	assert.Nil(t, rec)
	assert.True(t, errors.Is(err, ErrExecutionNotFound))

	var ee *EvaluationError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "missing", ee.ExecutionID)
}

func TestEvaluateNotEvaluable(t *testing.T) {
	db := openStore(t)
	seedRun(t, db, runSpec{id: "running", status: models.ExecutionInProgress})

	_, err := newEvaluator(db).Evaluate(context.Background(), "running", nil)
	assert.True(t, errors.Is(err, ErrNotEvaluable))
}

func TestEvaluateInsufficientHistoryStillRecords(t *testing.T) {
	db := openStore(t)
	seedRun(t, db, runSpec{id: "run-1", failed: map[string]bool{"B": true}, status: models.ExecutionFailed})

	rec, err := newEvaluator(db).Evaluate(context.Background(), "run-1", nil)
	require.Error(t, err)
	assert.True(t, IsInsufficientHistory(err))
	require.NotNil(t, rec)

	assert.Equal(t, models.WorkflowEvaluation, rec.Type)
	assert.Equal(t, models.ExecutionCompleted, rec.Status)
	assert.Equal(t, "run-1", rec.ParentID)
	assert.Equal(t, testSig, rec.Signature)
	require.NotNil(t, rec.Evaluation)
	assert.Nil(t, rec.Evaluation.Trend)
	assert.InDelta(t, 0.5, rec.Evaluation.Metrics.Accuracy, 1e-9)
	assert.InDelta(t, 0.5, rec.Evaluation.Metrics.Reliability, 1e-9)
	assert.InDelta(t, 2.0, rec.Evaluation.Metrics.Efficiency, 1e-9)
	assert.Nil(t, rec.Evaluation.Metrics.UserSatisfaction)

	stored, err := db.GetExecution(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, stored.Status)

	target, err := db.GetExecution("run-1")
	require.NoError(t, err)
	assert.True(t, target.Evaluated)
}

func TestEvaluateSlowRunWithBadFeedback(t *testing.T) {
	db := openStore(t)
	seedRun(t, db, runSpec{id: "slow", estimate: 100 * time.Millisecond, observed: 300 * time.Millisecond})

	fb := &models.Feedback{Rating: 1, Issues: []string{IssueHighLatency}}
	rec, err := newEvaluator(db).Evaluate(context.Background(), "slow", fb)
	require.True(t, err == nil || IsInsufficientHistory(err), "unexpected error: %v", err)
	require.NotNil(t, rec)

	detail := rec.Evaluation
	require.NotEmpty(t, detail.Bottlenecks)
	assert.Greater(t, detail.Bottlenecks[0].Impact, 0.0)
	assert.NotEmpty(t, detail.Bottlenecks[0].Suggestion)

	require.NotEmpty(t, detail.ProposedRules)
	kinds := map[models.RuleChangeKind]bool{}
	for _, c := range detail.ProposedRules {
		kinds[c.Kind] = true
		assert.Equal(t, testSig, c.Signature)
		assert.Equal(t, 0, c.BaseVersion)
	}
	assert.True(t, kinds[models.RuleChangeConfidence])
	assert.True(t, kinds[models.RuleChangeReorder])

	require.NotNil(t, detail.Metrics.UserSatisfaction)
	assert.Equal(t, 0.0, *detail.Metrics.UserSatisfaction)
}

func TestEvaluateTrendAfterEnoughHistory(t *testing.T) {
	db := openStore(t)
	ev := newEvaluator(db)
	minHistory := policy.Default().Evaluation.MinHistory

	for i := 0; i < minHistory; i++ {
		id := fmt.Sprintf("prior-%d", i)
		seedRun(t, db, runSpec{id: id, failed: map[string]bool{"A": true, "B": true}, status: models.ExecutionFailed})
		_, err := ev.Evaluate(context.Background(), id, nil)
		require.True(t, IsInsufficientHistory(err), "evaluation %d: %v", i, err)
	}

	seedRun(t, db, runSpec{id: "latest", failed: map[string]bool{"A": true, "B": true}, status: models.ExecutionFailed})
	rec, err := ev.Evaluate(context.Background(), "latest", nil)
	require.NoError(t, err)

	trend := rec.Evaluation.Trend
	require.NotNil(t, trend)
	assert.Equal(t, minHistory+1, trend.SampleSize)
	assert.Equal(t, 0.0, trend.AvgAccuracy)
	assert.Equal(t, models.TrendStable, trend.Direction)

	require.Len(t, rec.Evaluation.ProposedRules, 1)
	change := rec.Evaluation.ProposedRules[0]
	assert.Equal(t, models.RuleChangeConfidence, change.Kind)
	assert.InDelta(t, -policy.Default().Evaluation.ConfidenceStep, change.Delta, 1e-9)
	assert.Contains(t, change.Reason, "average accuracy")
}

func TestEvaluateRoutingRecordUsesParallelRun(t *testing.T) {
	db := openStore(t)
	routing := &models.WorkflowExecution{
		ID:        "route-1",
		CallerID:  "tester",
		Type:      models.WorkflowRouting,
		Signature: testSig,
		Routing: &models.RoutingDetail{
			Request: models.WorkRequest{TaskType: models.TaskTypeAnalysis, RequiredCapabilities: []string{"A", "B"}},
			Route: models.Route{
				Signature:  testSig,
				Confidence: 0.8,
				Steps: []models.RouteStep{
					{Capability: "A", Parallel: true, Confidence: 0.8},
					{Capability: "B", Parallel: true, Confidence: 0.8},
				},
			},
		},
	}
	require.NoError(t, db.CreateExecution(routing))
	seedRun(t, db, runSpec{id: "child", parentID: "route-1"})

	rec, err := newEvaluator(db).Evaluate(context.Background(), "route-1", &models.Feedback{Rating: 2})
	require.True(t, err == nil || IsInsufficientHistory(err), "unexpected error: %v", err)
	assert.Equal(t, "child", rec.ParentID)

	require.Len(t, rec.Evaluation.ProposedRules, 1)
	change := rec.Evaluation.ProposedRules[0]
	assert.InDelta(t, 0.75, change.Confidence, 1e-9, "decrement starts from the planned route confidence")
	assert.Len(t, change.Steps, 2)
}

func TestEvaluateRoutingRecordWithoutRun(t *testing.T) {
	db := openStore(t)
	require.NoError(t, db.CreateExecution(&models.WorkflowExecution{
		ID: "route-only", Type: models.WorkflowRouting, Routing: &models.RoutingDetail{},
	}))
	_, err := newEvaluator(db).Evaluate(context.Background(), "route-only", nil)
	assert.True(t, errors.Is(err, ErrNotEvaluable))
}

func TestApplyProposal(t *testing.T) {
	db := openStore(t)
	ev := newEvaluator(db)
	seedRun(t, db, runSpec{id: "run"})

	rec, err := ev.Evaluate(context.Background(), "run", &models.Feedback{Rating: 1})
	require.True(t, err == nil || IsInsufficientHistory(err), "unexpected error: %v", err)
	require.NotEmpty(t, rec.Evaluation.ProposedRules)

	rule, err := ev.ApplyProposal(rec.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, rule.Version)
	assert.Equal(t, rec.ID, rule.EvaluationID)
	assert.Equal(t, models.TaskTypeAnalysis, rule.TaskType)
	assert.Equal(t, []string{"A", "B"}, rule.Capabilities)
	assert.Len(t, rule.Steps, 2)

	latest, err := db.LatestRule(testSig)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 1, latest.Version)

	// The proposal was based on no rule; applying it twice is stale.
	_, err = ev.ApplyProposal(rec.ID, 0)
	assert.True(t, errors.Is(err, state.ErrVersionConflict))

	_, err = ev.ApplyProposal(rec.ID, 9)
	assert.Error(t, err)

	_, err = ev.ApplyProposal("run", 0)
	assert.True(t, errors.Is(err, ErrNotEvaluable))
}

func TestSubmitFeedback(t *testing.T) {
	db := openStore(t)
	ev := newEvaluator(db)
	seedRun(t, db, runSpec{id: "run"})

	_, err := ev.SubmitFeedback(context.Background(), "run", models.Feedback{Rating: 9})
	assert.Error(t, err)

	_, err = ev.SubmitFeedback(context.Background(), "ghost", models.Feedback{Rating: 3})
	assert.True(t, errors.Is(err, ErrExecutionNotFound))

	rec, err := ev.SubmitFeedback(context.Background(), "run", models.Feedback{Rating: 5, Comments: []string{"fast"}})
	require.True(t, err == nil || IsInsufficientHistory(err), "unexpected error: %v", err)
	require.NotNil(t, rec)
	require.NotNil(t, rec.Evaluation.Feedback)
	assert.Equal(t, 5, rec.Evaluation.Feedback.Rating)
	assert.Equal(t, 1.0, *rec.Evaluation.Metrics.UserSatisfaction)
}

func TestSubmitFeedbackDeferred(t *testing.T) {
	db := openStore(t)
	p := policy.Default().Evaluation
	p.EvaluateOnFeedback = false
	ev := New(db, p)
	seedRun(t, db, runSpec{id: "run"})

	rec, err := ev.SubmitFeedback(context.Background(), "run", models.Feedback{Rating: 2})
	require.NoError(t, err)
	assert.Nil(t, rec)

	fb, err := db.LatestFeedback("run")
	require.NoError(t, err)
	require.NotNil(t, fb)
	assert.Equal(t, 2, fb.Rating)

	// The sweep evaluates with the stored feedback.
	sw, err := ev.NewSweeper("@every 1h")
	require.NoError(t, err)
	n, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	evals, err := db.ListExecutions(state.ExecutionFilter{Type: models.WorkflowEvaluation, ParentID: "run"})
	require.NoError(t, err)
	require.Len(t, evals, 1)
	require.NotNil(t, evals[0].Evaluation.Feedback)
	assert.Equal(t, 2, evals[0].Evaluation.Feedback.Rating)
}

func TestSweepEvaluatesPendingRuns(t *testing.T) {
	db := openStore(t)
	ev := newEvaluator(db)
	seedRun(t, db, runSpec{id: "one"})
	seedRun(t, db, runSpec{id: "two", failed: map[string]bool{"A": true}, status: models.ExecutionFailed})
	seedRun(t, db, runSpec{id: "busy", status: models.ExecutionInProgress})

	sw, err := ev.NewSweeper("@every 1m")
	require.NoError(t, err)
	n, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, err := db.ListUnevaluated(10)
	require.NoError(t, err)
	assert.Empty(t, left)

	n, err = sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNewSweeperRejectsBadSchedule(t *testing.T) {
	_, err := newEvaluator(openStore(t)).NewSweeper("every so often")
	assert.Error(t, err)
}

func TestSweeperStartStop(t *testing.T) {
	sw, err := newEvaluator(openStore(t)).NewSweeper("@every 1h")
	require.NoError(t, err)
	sw.Start()
	sw.Stop()
}
