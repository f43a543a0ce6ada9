package state

import (
	"errors"
	"testing"
	"time"

	"github.com/ShayCichocki/switchyard/pkg/models"
)

func newParallel(id, caller string) *models.WorkflowExecution {
	done := time.Now()
	return &models.WorkflowExecution{
		ID:        id,
		CallerID:  caller,
		Type:      models.WorkflowParallel,
		Signature: "analysis:a,b",
		Parallel: &models.ParallelDetail{
			Tasks: []models.Task{{ID: "t1", Capability: "a"}, {ID: "t2", Capability: "b"}},
			Results: []models.TaskResult{
				{TaskID: "t1", Capability: "a", Status: models.TaskStatusSucceeded, Success: true, Attempts: 1, ExecutionTime: 40 * time.Millisecond, CompletedAt: &done},
				{TaskID: "t2", Capability: "b", Status: models.TaskStatusFailed, ErrorKind: models.ErrorKindFailure, Attempts: 1, ExecutionTime: 60 * time.Millisecond},
			},
			Coordination:       models.PolicyAllComplete,
			ParallelEfficiency: 1.6,
		},
	}
}

func TestCreateAndGetExecution(t *testing.T) {
	db := setupTestDB(t)

	e := newParallel("exec-1", "caller-a")
	if err := db.CreateExecution(e); err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}
	if e.Status != models.ExecutionPending {
		t.Errorf("status = %s, want pending", e.Status)
	}

	got, err := db.GetExecution("exec-1")
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if got.CallerID != "caller-a" || got.Type != models.WorkflowParallel {
		t.Errorf("got caller=%s type=%s", got.CallerID, got.Type)
	}
	if got.Parallel == nil || len(got.Parallel.Results) != 2 {
		t.Fatalf("parallel detail not round-tripped: %+v", got.Parallel)
	}
	if got.Routing != nil || got.Evaluation != nil {
		t.Error("unexpected variant set")
	}

	var rows int
	if err := db.QueryRow("SELECT COUNT(*) FROM task_results WHERE execution_id = ?", "exec-1").Scan(&rows); err != nil {
		t.Fatalf("count task results: %v", err)
	}
	if rows != 2 {
		t.Errorf("task_results rows = %d, want 2", rows)
	}
}

func TestGetExecution_NotFound(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.GetExecution("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateExecution_RejectsNonPending(t *testing.T) {
	db := setupTestDB(t)
	e := newParallel("exec-1", "c")
	e.Status = models.ExecutionCompleted
	if err := db.CreateExecution(e); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCreateExecution_RejectsMismatchedVariant(t *testing.T) {
	db := setupTestDB(t)
	e := newParallel("exec-1", "c")
	e.Type = models.WorkflowRouting
	if err := db.CreateExecution(e); err == nil {
		t.Error("expected validation error")
	}
}

func TestUpdateStatus_Lifecycle(t *testing.T) {
	db := setupTestDB(t)
	if err := db.CreateExecution(newParallel("exec-1", "c")); err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}

	started, err := db.UpdateStatus("exec-1", models.ExecutionInProgress, "")
	if err != nil {
		t.Fatalf("to in_progress: %v", err)
	}
	if started.StartedAt == nil {
		t.Error("StartedAt not stamped")
	}

	time.Sleep(5 * time.Millisecond)
	done, err := db.UpdateStatus("exec-1", models.ExecutionCompleted, "")
	if err != nil {
		t.Fatalf("to completed: %v", err)
	}
	if done.EndedAt == nil || done.Duration <= 0 || !done.Success {
		t.Errorf("terminal fields not stamped: ended=%v duration=%v success=%v", done.EndedAt, done.Duration, done.Success)
	}

	// Terminal exactly once.
	for _, to := range []models.ExecutionStatus{models.ExecutionFailed, models.ExecutionCancelled, models.ExecutionInProgress} {
		if _, err := db.UpdateStatus("exec-1", to, ""); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("completed -> %s: expected ErrInvalidTransition, got %v", to, err)
		}
	}

	got, _ := db.GetExecution("exec-1")
	if got.Status != models.ExecutionCompleted {
		t.Errorf("stored status = %s, want completed", got.Status)
	}
}

func TestUpdateStatus_SkipsNotAllowed(t *testing.T) {
	db := setupTestDB(t)
	if err := db.CreateExecution(newParallel("exec-1", "c")); err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}
	if _, err := db.UpdateStatus("exec-1", models.ExecutionCompleted, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pending -> completed: expected ErrInvalidTransition, got %v", err)
	}
	failed, err := db.UpdateStatus("exec-1", models.ExecutionFailed, "boom")
	if err != nil {
		t.Fatalf("pending -> failed: %v", err)
	}
	if failed.Error != "boom" || failed.Success {
		t.Errorf("error=%q success=%v", failed.Error, failed.Success)
	}
}

func TestSaveExecution_RewritesDetail(t *testing.T) {
	db := setupTestDB(t)
	e := newParallel("exec-1", "c")
	if err := db.CreateExecution(e); err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}

	e.Status = models.ExecutionInProgress
	e.Parallel.Results = e.Parallel.Results[:1]
	if err := db.SaveExecution(e); err != nil {
		t.Fatalf("SaveExecution failed: %v", err)
	}

	got, _ := db.GetExecution("exec-1")
	if len(got.Parallel.Results) != 1 {
		t.Errorf("results = %d, want 1", len(got.Parallel.Results))
	}
	var rows int
	db.QueryRow("SELECT COUNT(*) FROM task_results WHERE execution_id = ?", "exec-1").Scan(&rows)
	if rows != 1 {
		t.Errorf("task_results rows = %d, want 1", rows)
	}

	missing := newParallel("nope", "c")
	if err := db.SaveExecution(missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkEvaluatedAndListUnevaluated(t *testing.T) {
	db := setupTestDB(t)
	for _, id := range []string{"e1", "e2", "e3"} {
		if err := db.CreateExecution(newParallel(id, "c")); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
		db.UpdateStatus(id, models.ExecutionInProgress, "")
	}
	db.UpdateStatus("e1", models.ExecutionCompleted, "")
	db.UpdateStatus("e2", models.ExecutionFailed, "x")

	list, err := db.ListUnevaluated(10)
	if err != nil {
		t.Fatalf("ListUnevaluated failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("unevaluated = %d, want 2", len(list))
	}

	if err := db.MarkEvaluated("e1"); err != nil {
		t.Fatalf("MarkEvaluated failed: %v", err)
	}
	list, _ = db.ListUnevaluated(10)
	if len(list) != 1 || list[0].ID != "e2" {
		t.Errorf("unevaluated after mark = %v", list)
	}

	if err := db.MarkEvaluated("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListUnevaluated_TakesOldestBacklogFirst(t *testing.T) {
	db := setupTestDB(t)
	base := time.Now().Add(-time.Hour)
	ids := []string{"old", "mid", "new"}
	for i, id := range ids {
		e := newParallel(id, "c")
		e.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := db.CreateExecution(e); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
		db.UpdateStatus(id, models.ExecutionInProgress, "")
		db.UpdateStatus(id, models.ExecutionCompleted, "")
	}

	list, err := db.ListUnevaluated(2)
	if err != nil {
		t.Fatalf("ListUnevaluated failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "old" || list[1].ID != "mid" {
		got := make([]string, len(list))
		for i, e := range list {
			got[i] = e.ID
		}
		t.Errorf("ListUnevaluated(2) = %v, want [old mid]", got)
	}
}

func TestListExecutions_Filters(t *testing.T) {
	db := setupTestDB(t)
	base := time.Now().Add(-time.Hour)
	for i, caller := range []string{"a", "a", "b"} {
		e := newParallel(string(rune('x'+i)), caller)
		e.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := db.CreateExecution(e); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	routing := &models.WorkflowExecution{
		ID:       "r1",
		CallerID: "a",
		Type:     models.WorkflowRouting,
		Routing:  &models.RoutingDetail{Request: models.WorkRequest{TaskType: models.TaskTypeAnalysis}},
	}
	if err := db.CreateExecution(routing); err != nil {
		t.Fatalf("create routing: %v", err)
	}

	tests := []struct {
		name   string
		filter ExecutionFilter
		want   int
	}{
		{"all", ExecutionFilter{}, 4},
		{"by caller", ExecutionFilter{CallerID: "a"}, 3},
		{"by type", ExecutionFilter{Type: models.WorkflowParallel}, 3},
		{"by status", ExecutionFilter{Statuses: []models.ExecutionStatus{models.ExecutionPending}}, 4},
		{"since", ExecutionFilter{Since: base.Add(30 * time.Second)}, 3},
		{"until", ExecutionFilter{Until: base.Add(30 * time.Second)}, 1},
		{"limit", ExecutionFilter{Limit: 2}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.ListExecutions(tt.filter)
			if err != nil {
				t.Fatalf("ListExecutions failed: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d records, want %d", len(got), tt.want)
			}
		})
	}

	newest, _ := db.ListExecutions(ExecutionFilter{Type: models.WorkflowParallel, Limit: 1})
	if newest[0].ID != "z" {
		t.Errorf("newest = %s, want z", newest[0].ID)
	}
}

func TestPurgeExecutions(t *testing.T) {
	db := setupTestDB(t)

	old := newParallel("old", "c")
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	oldRunning := newParallel("old-running", "c")
	oldRunning.CreatedAt = time.Now().Add(-48 * time.Hour)
	fresh := newParallel("fresh", "c")
	for _, e := range []*models.WorkflowExecution{old, oldRunning, fresh} {
		if err := db.CreateExecution(e); err != nil {
			t.Fatalf("create: %v", err)
		}
		db.UpdateStatus(e.ID, models.ExecutionInProgress, "")
	}
	db.UpdateStatus("old", models.ExecutionCompleted, "")
	db.UpdateStatus("fresh", models.ExecutionCompleted, "")
	if err := db.SaveFeedback("old", models.Feedback{Rating: 3}); err != nil {
		t.Fatalf("SaveFeedback failed: %v", err)
	}

	n, err := db.PurgeExecutions(24 * time.Hour)
	if err != nil {
		t.Fatalf("PurgeExecutions failed: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	if _, err := db.GetExecution("old"); !errors.Is(err, ErrNotFound) {
		t.Error("old execution survived purge")
	}
	if _, err := db.GetExecution("old-running"); err != nil {
		t.Error("non-terminal execution should not be purged")
	}

	var orphans int
	db.QueryRow("SELECT COUNT(*) FROM task_results WHERE execution_id = 'old'").Scan(&orphans)
	if orphans != 0 {
		t.Errorf("task results not cascaded: %d left", orphans)
	}
}

func TestFeedback(t *testing.T) {
	db := setupTestDB(t)
	if err := db.CreateExecution(newParallel("e1", "c")); err != nil {
		t.Fatalf("create: %v", err)
	}

	if fb, err := db.LatestFeedback("e1"); err != nil || fb != nil {
		t.Fatalf("expected no feedback, got %v %v", fb, err)
	}
	if err := db.SaveFeedback("e1", models.Feedback{Rating: 0}); err == nil {
		t.Error("expected rating validation error")
	}
	if err := db.SaveFeedback("missing", models.Feedback{Rating: 3}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	db.SaveFeedback("e1", models.Feedback{Rating: 4})
	if err := db.SaveFeedback("e1", models.Feedback{Rating: 1, Issues: []string{"high_latency"}, Comments: []string{"slow"}}); err != nil {
		t.Fatalf("SaveFeedback failed: %v", err)
	}
	fb, err := db.LatestFeedback("e1")
	if err != nil || fb == nil {
		t.Fatalf("LatestFeedback: %v %v", fb, err)
	}
	if fb.Rating != 1 || !fb.HasIssue("high_latency") || len(fb.Comments) != 1 {
		t.Errorf("latest feedback = %+v", fb)
	}
}

func TestRecoverInterrupted(t *testing.T) {
	db := setupTestDB(t)
	stale := newParallel("stale", "c")
	stale.CreatedAt = time.Now().Add(-time.Hour)
	recent := newParallel("recent", "c")
	for _, e := range []*models.WorkflowExecution{stale, recent} {
		if err := db.CreateExecution(e); err != nil {
			t.Fatalf("create: %v", err)
		}
		db.UpdateStatus(e.ID, models.ExecutionInProgress, "")
	}

	ids, err := db.RecoverInterrupted(10 * time.Minute)
	if err != nil {
		t.Fatalf("RecoverInterrupted failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "stale" {
		t.Fatalf("recovered = %v, want [stale]", ids)
	}
	got, _ := db.GetExecution("stale")
	if got.Status != models.ExecutionFailed || got.Error != InterruptedError {
		t.Errorf("stale = %s %q", got.Status, got.Error)
	}
	got, _ = db.GetExecution("recent")
	if got.Status != models.ExecutionInProgress {
		t.Errorf("recent = %s, want in_progress", got.Status)
	}
}
