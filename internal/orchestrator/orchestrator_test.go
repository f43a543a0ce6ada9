package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/switchyard/internal/capability"
	"github.com/ShayCichocki/switchyard/internal/coordination"
	"github.com/ShayCichocki/switchyard/internal/evaluation"
	"github.com/ShayCichocki/switchyard/internal/orchestrator/policy"
	"github.com/ShayCichocki/switchyard/internal/planner"
	"github.com/ShayCichocki/switchyard/internal/scheduler"
	"github.com/ShayCichocki/switchyard/internal/state"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

func openStore(t *testing.T) *state.DB {
	t.Helper()
	db, err := state.OpenMigrated(filepath.Join(t.TempDir(), "switchyard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func returns(payload string) capability.ExecutorFunc {
	return func(ctx context.Context, _ map[string]any) (capability.Outcome, error) {
		return capability.Outcome{Success: true, Payload: json.RawMessage(payload)}, nil
	}
}

func fails(calls *atomic.Int32) capability.ExecutorFunc {
	return func(ctx context.Context, _ map[string]any) (capability.Outcome, error) {
		if calls != nil {
			calls.Add(1)
		}
		return capability.Outcome{Error: "nope"}, nil
	}
}

func newOrchestrator(t *testing.T, db *state.DB, reg *capability.Registry, opts ...Option) *Orchestrator {
	t.Helper()
	p := policy.Default()
	p.Execution.RetryBackoff = time.Millisecond
	o, err := New(RequiredConfig{Store: db, Capabilities: reg}, append([]Option{WithPolicy(p)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })
	return o
}

func workflow(parallel bool, caps ...string) *Workflow {
	return &Workflow{
		CallerID: "tester",
		Request: models.WorkRequest{
			TaskType:             models.TaskTypeAnalysis,
			Priority:             models.PriorityMedium,
			RequiredCapabilities: caps,
			Parallelizable:       parallel,
			QualityThreshold:     0.5,
		},
	}
}

// drain returns the event types currently buffered.
func drain(o *Orchestrator) []EventType {
	var out []EventType
	for {
		select {
		case ev, ok := <-o.Events():
			if !ok {
				return out
			}
			out = append(out, ev.Type)
		default:
			return out
		}
	}
}

func TestNewRequiresStoreAndCapabilities(t *testing.T) {
	_, err := New(RequiredConfig{Capabilities: capability.NewRegistry()})
	assert.Error(t, err)
	_, err = New(RequiredConfig{Store: openStore(t)})
	assert.Error(t, err)
}

func TestExecuteEndToEnd(t *testing.T) {
	db := openStore(t)
	reg := capability.NewRegistry()
	require.NoError(t, reg.RegisterFunc(capability.Spec{Name: "A"}, returns(`"a"`)))
	require.NoError(t, reg.RegisterFunc(capability.Spec{Name: "B"}, returns(`"b"`)))
	o := newOrchestrator(t, db, reg)

	res, err := o.Execute(context.Background(), workflow(true, "A", "B"))
	require.NoError(t, err)

	require.NotNil(t, res.Routing)
	assert.Equal(t, models.ExecutionCompleted, res.Routing.Status)
	assert.Equal(t, "analysis:A,B", res.Routing.Signature)
	require.NotNil(t, res.Routing.Routing)
	assert.Equal(t, []string{"A", "B"}, res.Routing.Routing.Route.Capabilities())

	run := res.Run
	assert.Equal(t, models.ExecutionCompleted, run.Status)
	assert.True(t, run.Success)
	assert.Equal(t, res.Routing.ID, run.ParentID)
	require.NotNil(t, res.Outcome())
	assert.JSONEq(t, `["a","b"]`, string(res.Outcome().FinalResult))

	stored, err := db.GetExecution(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, stored.Status)
	require.NotNil(t, stored.Parallel)
	assert.Len(t, stored.Parallel.Results, 2)
	assert.Equal(t, models.PolicyAllComplete, stored.Parallel.Coordination)
	assert.Empty(t, o.Active())

	events := drain(o)
	assert.Contains(t, events, EventRoutePlanned)
	assert.Contains(t, events, EventExecutionStarted)
	assert.Contains(t, events, EventTaskStarted)
	assert.Contains(t, events, EventTaskCompleted)
	assert.Equal(t, EventExecutionFinished, events[len(events)-1])
}

func TestExecuteSequentialRouteChainsTasks(t *testing.T) {
	db := openStore(t)
	reg := capability.NewRegistry()
	require.NoError(t, reg.RegisterFunc(capability.Spec{Name: "A"}, returns(`1`)))
	require.NoError(t, reg.RegisterFunc(capability.Spec{Name: "B"}, returns(`2`)))
	o := newOrchestrator(t, db, reg)

	res, err := o.Execute(context.Background(), workflow(false, "A", "B"))
	require.NoError(t, err)

	results := res.Run.Parallel.Results
	require.Len(t, results, 2)
	assert.Equal(t, 0, results[0].Batch)
	assert.Equal(t, 1, results[1].Batch)
	assert.False(t, results[1].StartedAt.Before(*results[0].CompletedAt))
	assert.Equal(t, []string{"A"}, res.Run.Parallel.Tasks[1].DependsOn)
}

func TestExecuteRejectsCyclicRuleBeforePersisting(t *testing.T) {
	db := openStore(t)
	var calls atomic.Int32
	reg := capability.NewRegistry()
	for _, name := range []string{"A", "B"} {
		require.NoError(t, reg.RegisterFunc(capability.Spec{Name: name}, fails(&calls)))
	}
	require.NoError(t, db.AppendRule(&models.RoutingRule{
		Signature:    "analysis:A,B",
		TaskType:     models.TaskTypeAnalysis,
		Capabilities: []string{"A", "B"},
		Steps: []models.RouteStep{
			{Capability: "A", Parallel: true, DependsOn: []string{"B"}},
			{Capability: "B", Parallel: true, DependsOn: []string{"A"}},
		},
		Confidence: 0.9,
	}, 0))
	o := newOrchestrator(t, db, reg)

	_, err := o.Execute(context.Background(), workflow(true, "A", "B"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, scheduler.ErrCyclicDependency))

	var se *scheduler.SchedulingError
	require.True(t, errors.As(err, &se))
	assert.Subset(t, se.TaskIDs, []string{"A", "B"})

	recs, err := db.ListExecutions(state.ExecutionFilter{})
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Zero(t, calls.Load())
}

func TestExecuteSurfacesConfigurationErrors(t *testing.T) {
	db := openStore(t)
	reg := capability.NewRegistry()
	require.NoError(t, reg.RegisterFunc(capability.Spec{Name: "A"}, returns(`1`)))
	o := newOrchestrator(t, db, reg)

	wf := workflow(true, "A")
	wf.Coordination = "best_of_three"
	_, err := o.Execute(context.Background(), wf)
	assert.True(t, errors.Is(err, coordination.ErrUnknownPolicy))

	_, err = o.Execute(context.Background(), workflow(true, "A", "missing"))
	assert.True(t, errors.Is(err, planner.ErrNoFeasibleRoute))
	var re *planner.RoutingError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, []string{"missing"}, re.Capabilities)

	recs, err := db.ListExecutions(state.ExecutionFilter{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestExecuteFailedRunIsRecorded(t *testing.T) {
	db := openStore(t)
	reg := capability.NewRegistry()
	require.NoError(t, reg.RegisterFunc(capability.Spec{Name: "A"}, returns(`1`)))
	require.NoError(t, reg.RegisterFunc(capability.Spec{Name: "B"}, fails(nil)))
	o := newOrchestrator(t, db, reg)

	res, err := o.Execute(context.Background(), workflow(true, "A", "B"))
	require.NoError(t, err, "task failures are recorded, not returned")
	assert.Equal(t, models.ExecutionFailed, res.Run.Status)
	assert.False(t, res.Run.Success)
	assert.Contains(t, res.Run.Error, "B")
	require.NotNil(t, res.Outcome())
	assert.False(t, res.Outcome().Success)

	stored, err := db.GetExecution(res.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, stored.Status)
	assert.NotEmpty(t, stored.Error)
}

func TestExecuteMajorityToleratesOneFailure(t *testing.T) {
	db := openStore(t)
	reg := capability.NewRegistry()
	require.NoError(t, reg.RegisterFunc(capability.Spec{Name: "A"}, returns(`1`)))
	require.NoError(t, reg.RegisterFunc(capability.Spec{Name: "B"}, returns(`2`)))
	require.NoError(t, reg.RegisterFunc(capability.Spec{Name: "C"}, fails(nil)))
	o := newOrchestrator(t, db, reg)

	wf := workflow(true, "A", "B", "C")
	wf.Coordination = models.PolicyMajorityConsensus
	res, err := o.Execute(context.Background(), wf)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, res.Run.Status)
	require.NotNil(t, res.Outcome().Consensus)
	assert.Equal(t, []string{"C"}, res.Outcome().Consensus.Dissenting)
}

func TestCancelStopsActiveRun(t *testing.T) {
	db := openStore(t)
	started := make(chan struct{})
	reg := capability.NewRegistry()
	require.NoError(t, reg.RegisterFunc(capability.Spec{Name: "slow"}, func(ctx context.Context, _ map[string]any) (capability.Outcome, error) {
		close(started)
		<-ctx.Done()
		return capability.Outcome{}, ctx.Err()
	}))
	o := newOrchestrator(t, db, reg)

	cancelErr := make(chan error, 1)
	go func() {
		<-started
		active := o.Active()
		if len(active) != 1 {
			cancelErr <- fmt.Errorf("expected one active run, got %d", len(active))
			return
		}
		cancelErr <- o.Cancel(active[0].ID)
	}()

	res, err := o.Execute(context.Background(), workflow(true, "slow"))
	require.NoError(t, err)
	require.NoError(t, <-cancelErr)

	assert.Equal(t, models.ExecutionCancelled, res.Run.Status)
	assert.Equal(t, models.TaskStatusCancelled, res.Run.Parallel.Results[0].Status)
	assert.Empty(t, o.Active())
	assert.True(t, errors.Is(o.Cancel(res.Run.ID), ErrNotActive))
}

func TestRunTasksExplicit(t *testing.T) {
	db := openStore(t)
	reg := capability.NewRegistry()
	require.NoError(t, reg.RegisterFunc(capability.Spec{Name: "probe", Idempotent: true}, returns(`"up"`)))
	o := newOrchestrator(t, db, reg)

	wf := &Workflow{
		CallerID: "tester",
		Tasks: []models.Task{
			{ID: "east", Capability: "probe"},
			{ID: "west", Capability: "probe", DependsOn: []string{"east"}},
		},
		Coordination: models.PolicyFirstSuccess,
	}
	res, err := o.RunTasks(context.Background(), wf)
	require.NoError(t, err)
	assert.Nil(t, res.Routing)
	assert.Empty(t, res.Run.ParentID)
	assert.Equal(t, "execution:probe", res.Run.Signature)
	assert.Equal(t, models.ExecutionCompleted, res.Run.Status)
	assert.JSONEq(t, `"up"`, string(res.Outcome().FinalResult))
}

func TestRunTasksAbortAllFailsDespiteEarlierSuccess(t *testing.T) {
	db := openStore(t)
	reg := capability.NewRegistry()
	require.NoError(t, reg.RegisterFunc(capability.Spec{Name: "fast"}, returns(`"ok"`)))
	require.NoError(t, reg.RegisterFunc(capability.Spec{Name: "slowfail"}, func(ctx context.Context, _ map[string]any) (capability.Outcome, error) {
		time.Sleep(20 * time.Millisecond)
		return capability.Outcome{Error: "broke"}, nil
	}))
	o := newOrchestrator(t, db, reg)

	wf := &Workflow{
		CallerID: "tester",
		Tasks: []models.Task{
			{ID: "fast", Capability: "fast"},
			{ID: "slowfail", Capability: "slowfail"},
			{ID: "later", Capability: "fast", DependsOn: []string{"fast"}},
		},
		Execution:    &models.ExecutionPolicy{FailureHandling: models.FailureAbortAll, MaxConcurrency: 2},
		Coordination: models.PolicyFirstSuccess,
	}
	res, err := o.RunTasks(context.Background(), wf)
	require.NoError(t, err)
	require.True(t, res.Report.Aborted)

	assert.Equal(t, models.ExecutionFailed, res.Run.Status)
	assert.False(t, res.Run.Success)
	assert.Contains(t, res.Run.Error, "slowfail")
	require.NotNil(t, res.Outcome())
	assert.False(t, res.Outcome().Success)
	assert.Equal(t, models.TaskStatusCancelled, res.Run.Parallel.Results[2].Status)

	stored, err := db.GetExecution(res.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, stored.Status)
}

func TestRunTasksAcceptsNonJSONPayload(t *testing.T) {
	db := openStore(t)
	reg := capability.NewRegistry()
	require.NoError(t, reg.RegisterFunc(capability.Spec{Name: "echo"}, returns(`hello world`)))
	o := newOrchestrator(t, db, reg)

	wf := &Workflow{Tasks: []models.Task{{ID: "e1", Capability: "echo"}, {ID: "e2", Capability: "echo"}}}
	res, err := o.RunTasks(context.Background(), wf)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, res.Run.Status)
	assert.JSONEq(t, `["hello world","hello world"]`, string(res.Outcome().FinalResult))

	stored, err := db.GetExecution(res.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, stored.Status)
}

func TestRunTasksNeverRetriesNonIdempotentCapability(t *testing.T) {
	db := openStore(t)
	var calls atomic.Int32
	reg := capability.NewRegistry()
	require.NoError(t, reg.RegisterFunc(capability.Spec{Name: "charge"}, fails(&calls)))
	o := newOrchestrator(t, db, reg)

	wf := &Workflow{
		Tasks:     []models.Task{{ID: "pay", Capability: "charge", Idempotent: true}},
		Execution: &models.ExecutionPolicy{FailureHandling: models.FailureRetryFailed, MaxRetries: 3},
	}
	res, err := o.RunTasks(context.Background(), wf)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, res.Run.Status)
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, res.Run.Parallel.Tasks[0].Idempotent)
}

func TestRunTasksRejectsBadInput(t *testing.T) {
	db := openStore(t)
	reg := capability.NewRegistry()
	o := newOrchestrator(t, db, reg)

	_, err := o.RunTasks(context.Background(), &Workflow{})
	assert.True(t, errors.Is(err, coordination.ErrNoResultsToResolve))

	_, err = o.RunTasks(context.Background(), &Workflow{Tasks: []models.Task{{ID: "x", Capability: "ghost"}}})
	assert.True(t, errors.Is(err, planner.ErrNoFeasibleRoute))
}

func TestEvaluateAfterRun(t *testing.T) {
	db := openStore(t)
	reg := capability.NewRegistry()
	require.NoError(t, reg.RegisterFunc(capability.Spec{Name: "A"}, returns(`1`)))
	o := newOrchestrator(t, db, reg)

	res, err := o.Execute(context.Background(), workflow(true, "A"))
	require.NoError(t, err)
	drain(o)

	rec, err := o.Evaluate(context.Background(), res.Routing.ID, nil)
	assert.True(t, evaluation.IsInsufficientHistory(err))
	require.NotNil(t, rec)
	assert.Equal(t, res.Run.ID, rec.ParentID)
	assert.Equal(t, models.ExecutionCompleted, rec.Status)

	assert.Equal(t, []EventType{EventEvaluationCompleted}, drain(o))
}

func TestParseWorkflow(t *testing.T) {
	wf, err := ParseWorkflow([]byte(`
caller: ops
request:
  task_type: analysis
  required_capabilities: [fetch, summarize]
  parallelizable: true
  quality_threshold: 0.6
params:
  fetch:
    url: https://example.com
execution:
  max_concurrency: 2
  per_task_timeout: 5s
coordination: weighted_voting
weights:
  fetch: 2
`))
	require.NoError(t, err)
	assert.Equal(t, "ops", wf.CallerID)
	assert.Equal(t, models.PriorityMedium, wf.Request.Priority)
	assert.Equal(t, []string{"fetch", "summarize"}, wf.Request.RequiredCapabilities)
	assert.Equal(t, "https://example.com", wf.Params["fetch"]["url"])
	assert.Equal(t, models.PolicyWeightedVoting, wf.Coordination)
	assert.Equal(t, 2.0, wf.Weights["fetch"])

	p := wf.executionPolicy(policy.Default().Execution)
	assert.Equal(t, 2, p.MaxConcurrency)
	assert.Equal(t, 5*time.Second, p.PerTaskTimeout)
	assert.Equal(t, models.FailureContinuePartial, p.FailureHandling)

	_, err = ParseWorkflow([]byte("request: [oops"))
	assert.Error(t, err)
}

func TestTaskEventFailedCarriesError(t *testing.T) {
	ev := taskEvent("run-1", models.TaskResult{TaskID: "t1", Status: models.TaskStatusFailed, Error: "broke"})
	assert.Equal(t, EventTaskFailed, ev.Type)
	assert.Equal(t, "broke", ev.Message)
	require.Error(t, ev.Error)
	assert.Equal(t, "broke", ev.Error.Error())

	ev = taskEvent("run-1", models.TaskResult{TaskID: "t1", Status: models.TaskStatusSucceeded})
	assert.NoError(t, ev.Error)
}
