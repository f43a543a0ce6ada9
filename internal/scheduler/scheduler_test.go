package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/switchyard/internal/capability"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

type invokeFunc func(ctx context.Context) (capability.Outcome, error)

type fakeInvoker struct {
	mu    sync.Mutex
	fns   map[string]invokeFunc
	calls []string

	inFlight    int32
	maxInFlight int32
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{fns: make(map[string]invokeFunc)}
}

func (f *fakeInvoker) on(capability string, fn invokeFunc) *fakeInvoker {
	f.fns[capability] = fn
	return f
}

func (f *fakeInvoker) Invoke(ctx context.Context, name string, _ map[string]any, _ time.Duration) (capability.Outcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	fn := f.fns[name]
	f.mu.Unlock()

	n := atomic.AddInt32(&f.inFlight, 1)
	for {
		cur := atomic.LoadInt32(&f.maxInFlight)
		if n <= cur || atomic.CompareAndSwapInt32(&f.maxInFlight, cur, n) {
			break
		}
	}
	defer atomic.AddInt32(&f.inFlight, -1)

	if fn == nil {
		return capability.Outcome{Success: true, Payload: json.RawMessage(`"ok"`)}, nil
	}
	return fn(ctx)
}

func (f *fakeInvoker) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func succeedAfter(d time.Duration) invokeFunc {
	return func(ctx context.Context) (capability.Outcome, error) {
		select {
		case <-time.After(d):
			return capability.Outcome{Success: true, Payload: json.RawMessage(`"done"`)}, nil
		case <-ctx.Done():
			return capability.Outcome{}, ctx.Err()
		}
	}
}

func failWith(msg string) invokeFunc {
	return func(context.Context) (capability.Outcome, error) {
		return capability.Outcome{Success: false, Error: msg}, nil
	}
}

func tk(id string, deps ...string) models.Task {
	return models.Task{ID: id, Capability: id, DependsOn: deps, Idempotent: true}
}

func basePolicy() models.ExecutionPolicy {
	return models.ExecutionPolicy{
		MaxConcurrency:  4,
		PerTaskTimeout:  2 * time.Second,
		FailureHandling: models.FailureContinuePartial,
		RetryBackoff:    time.Millisecond,
		GracePeriod:     20 * time.Millisecond,
	}
}

func resultByID(r *Report, id string) models.TaskResult {
	for _, res := range r.Results {
		if res.TaskID == id {
			return res
		}
	}
	return models.TaskResult{}
}

func TestExecuteFanOut(t *testing.T) {
	inv := newFakeInvoker()
	s := New(inv)

	report, err := s.Execute(context.Background(), []models.Task{tk("T1"), tk("T2", "T1"), tk("T3", "T1")}, basePolicy())
	require.NoError(t, err)

	require.Len(t, report.Batches, 2)
	assert.Equal(t, []string{"T1"}, report.Batches[0].TaskIDs)
	assert.Equal(t, []string{"T2", "T3"}, report.Batches[1].TaskIDs)
	assert.Equal(t, "T1", inv.called()[0])

	require.Len(t, report.Results, 3)
	for i, id := range []string{"T1", "T2", "T3"} {
		assert.Equal(t, id, report.Results[i].TaskID)
		assert.Equal(t, models.TaskStatusSucceeded, report.Results[i].Status)
		assert.Equal(t, 1, report.Results[i].Attempts)
	}
	assert.Equal(t, 1, report.Results[1].Batch)
	assert.True(t, report.Success)
	assert.NoError(t, report.Err())
}

func TestExecuteRejectsCycleBeforeInvoking(t *testing.T) {
	inv := newFakeInvoker()
	s := New(inv)

	_, err := s.Execute(context.Background(), []models.Task{tk("A", "B"), tk("B", "A"), tk("C")}, basePolicy())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCyclicDependency))

	var se *SchedulingError
	require.True(t, errors.As(err, &se))
	assert.Contains(t, se.TaskIDs, "A")
	assert.Contains(t, se.TaskIDs, "B")
	assert.Empty(t, inv.called())
}

func TestExecuteRejectsDanglingDependency(t *testing.T) {
	inv := newFakeInvoker()
	s := New(inv)

	_, err := s.Execute(context.Background(), []models.Task{tk("A", "missing")}, basePolicy())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDanglingDependency))

	var se *SchedulingError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, []string{"A"}, se.TaskIDs)
	assert.Empty(t, inv.called())
}

func TestExecuteRejectsDuplicateIDs(t *testing.T) {
	s := New(newFakeInvoker())
	_, err := s.Execute(context.Background(), []models.Task{tk("A"), tk("A")}, basePolicy())
	assert.True(t, errors.Is(err, ErrInvalidTaskSet))
}

func TestExecuteRespectsConcurrencyLimit(t *testing.T) {
	inv := newFakeInvoker()
	for _, id := range []string{"a", "b", "c", "d"} {
		inv.on(id, succeedAfter(100*time.Millisecond))
	}
	s := New(inv)
	p := basePolicy()
	p.MaxConcurrency = 2

	report, err := s.Execute(context.Background(), []models.Task{tk("a"), tk("b"), tk("c"), tk("d")}, p)
	require.NoError(t, err)

	assert.True(t, report.Success)
	assert.EqualValues(t, 2, atomic.LoadInt32(&inv.maxInFlight))
	assert.GreaterOrEqual(t, report.WallTime, 190*time.Millisecond)
	assert.Less(t, report.WallTime, 380*time.Millisecond)
	assert.InDelta(t, 2.0, report.Efficiency, 0.4)
	assert.InDelta(t, 1.0, report.Utilization, 0.2)
}

func TestExecuteLaunchesByPriority(t *testing.T) {
	inv := newFakeInvoker()
	s := New(inv)
	p := basePolicy()
	p.MaxConcurrency = 1

	tasks := []models.Task{tk("low"), tk("high"), tk("mid")}
	tasks[0].PriorityWeight = 1
	tasks[1].PriorityWeight = 3
	tasks[2].PriorityWeight = 2

	_, err := s.Execute(context.Background(), tasks, p)
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "mid", "low"}, inv.called())
}

func TestExecuteAbortAll(t *testing.T) {
	inv := newFakeInvoker().
		on("bad", failWith("boom")).
		on("slow", succeedAfter(time.Second))
	s := New(inv)
	p := basePolicy()
	p.FailureHandling = models.FailureAbortAll

	start := time.Now()
	report, err := s.Execute(context.Background(), []models.Task{tk("bad"), tk("slow"), tk("later", "slow")}, p)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	assert.True(t, report.Aborted)
	assert.False(t, report.Success)
	assert.Equal(t, models.TaskStatusFailed, resultByID(report, "bad").Status)
	assert.Equal(t, "boom", resultByID(report, "bad").Error)
	assert.Equal(t, models.TaskStatusCancelled, resultByID(report, "slow").Status)
	assert.Equal(t, models.TaskStatusCancelled, resultByID(report, "later").Status)
	assert.NotContains(t, inv.called(), "later")
}

func TestExecuteContinuePartialSkipsDependents(t *testing.T) {
	inv := newFakeInvoker().on("A", failWith("bad input"))
	s := New(inv)

	report, err := s.Execute(context.Background(), []models.Task{tk("A"), tk("B", "A"), tk("C", "B"), tk("D")}, basePolicy())
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusFailed, resultByID(report, "A").Status)
	assert.Equal(t, models.ErrorKindFailure, resultByID(report, "A").ErrorKind)
	assert.Equal(t, models.TaskStatusSkipped, resultByID(report, "B").Status)
	assert.Equal(t, models.TaskStatusSkipped, resultByID(report, "C").Status)
	assert.Equal(t, models.TaskStatusSucceeded, resultByID(report, "D").Status)
	assert.ElementsMatch(t, []string{"A", "D"}, inv.called())

	assert.False(t, report.Success)
	assert.False(t, report.Aborted)
	assert.True(t, errors.Is(report.Err(), ErrTaskFailure))
	var ee *ExecutionError
	require.True(t, errors.As(report.Err(), &ee))
	assert.Equal(t, "A", ee.TaskID)
}

func TestExecuteRetriesIdempotentTasks(t *testing.T) {
	var calls int32
	inv := newFakeInvoker().on("flaky", func(context.Context) (capability.Outcome, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return capability.Outcome{}, errors.New("transient")
		}
		return capability.Outcome{Success: true}, nil
	})
	s := New(inv)
	p := basePolicy()
	p.FailureHandling = models.FailureRetryFailed
	p.MaxRetries = 3

	report, err := s.Execute(context.Background(), []models.Task{tk("flaky")}, p)
	require.NoError(t, err)

	res := resultByID(report, "flaky")
	assert.Equal(t, models.TaskStatusSucceeded, res.Status)
	assert.Equal(t, 3, res.Attempts)
}

func TestExecuteRetryGivesUp(t *testing.T) {
	inv := newFakeInvoker().on("broken", failWith("nope"))
	s := New(inv)
	p := basePolicy()
	p.FailureHandling = models.FailureRetryFailed
	p.MaxRetries = 2

	report, err := s.Execute(context.Background(), []models.Task{tk("broken"), tk("after", "broken")}, p)
	require.NoError(t, err)

	assert.Equal(t, 3, resultByID(report, "broken").Attempts)
	assert.Equal(t, models.TaskStatusFailed, resultByID(report, "broken").Status)
	assert.Equal(t, models.TaskStatusSkipped, resultByID(report, "after").Status)
}

func TestExecuteDoesNotRetryNonIdempotent(t *testing.T) {
	inv := newFakeInvoker().on("charge", failWith("declined"))
	s := New(inv)
	p := basePolicy()
	p.FailureHandling = models.FailureRetryFailed
	p.MaxRetries = 3

	task := tk("charge")
	task.Idempotent = false
	report, err := s.Execute(context.Background(), []models.Task{task}, p)
	require.NoError(t, err)

	assert.Equal(t, 1, resultByID(report, "charge").Attempts)
	assert.Len(t, inv.called(), 1)
}

func TestExecutePerTaskTimeout(t *testing.T) {
	inv := newFakeInvoker().on("slow", succeedAfter(time.Second))
	s := New(inv)
	p := basePolicy()
	p.PerTaskTimeout = 50 * time.Millisecond

	report, err := s.Execute(context.Background(), []models.Task{tk("slow"), tk("fast")}, p)
	require.NoError(t, err)

	res := resultByID(report, "slow")
	assert.Equal(t, models.TaskStatusFailed, res.Status)
	assert.Equal(t, models.ErrorKindTimeout, res.ErrorKind)
	assert.Equal(t, models.TaskStatusSucceeded, resultByID(report, "fast").Status)
	assert.True(t, errors.Is(report.Err(), ErrTaskTimeout))
}

func TestExecuteAbandonsUncooperativeExecutor(t *testing.T) {
	inv := newFakeInvoker().on("stuck", func(context.Context) (capability.Outcome, error) {
		time.Sleep(time.Second)
		return capability.Outcome{Success: true}, nil
	})
	s := New(inv)
	p := basePolicy()
	p.PerTaskTimeout = 30 * time.Millisecond
	p.GracePeriod = 20 * time.Millisecond

	start := time.Now()
	report, err := s.Execute(context.Background(), []models.Task{tk("stuck")}, p)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, models.ErrorKindTimeout, resultByID(report, "stuck").ErrorKind)
}

func TestExecuteTotalTimeoutCancels(t *testing.T) {
	inv := newFakeInvoker().on("A", succeedAfter(time.Second))
	s := New(inv)
	p := basePolicy()
	p.TotalTimeout = 50 * time.Millisecond

	report, err := s.Execute(context.Background(), []models.Task{tk("A"), tk("B", "A")}, p)
	require.NoError(t, err)

	assert.True(t, report.Cancelled)
	assert.Equal(t, models.TaskStatusCancelled, resultByID(report, "A").Status)
	assert.Equal(t, models.TaskStatusCancelled, resultByID(report, "B").Status)
	assert.NotContains(t, inv.called(), "B")
	assert.NoError(t, report.Err())
}

func TestExecuteCallerCancellation(t *testing.T) {
	inv := newFakeInvoker().on("A", succeedAfter(time.Second))
	s := New(inv)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	report, err := s.Execute(ctx, []models.Task{tk("A")}, basePolicy())
	require.NoError(t, err)
	assert.True(t, report.Cancelled)
	assert.Equal(t, models.TaskStatusCancelled, resultByID(report, "A").Status)
}

func TestExecuteReportsTaskUpdates(t *testing.T) {
	s := New(newFakeInvoker())
	var mu sync.Mutex
	var seen []models.TaskStatus
	s.OnTaskUpdate(func(r models.TaskResult) {
		mu.Lock()
		seen = append(seen, r.Status)
		mu.Unlock()
	})

	_, err := s.Execute(context.Background(), []models.Task{tk("A")}, basePolicy())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []models.TaskStatus{models.TaskStatusRunning, models.TaskStatusSucceeded}, seen)
}

func TestBottlenecks(t *testing.T) {
	batches := []models.BatchTiming{
		{Index: 0, Duration: 100 * time.Millisecond},
		{Index: 1, Duration: 100 * time.Millisecond},
		{Index: 2, Duration: 500 * time.Millisecond},
		{Index: 3, Duration: 100 * time.Millisecond},
	}
	assert.Equal(t, []int{2}, bottlenecks(batches))
	assert.Nil(t, bottlenecks(batches[:1]))
}

func TestEstimateBatch(t *testing.T) {
	tasks := []*models.Task{
		{EstimatedDuration: 100 * time.Millisecond},
		{EstimatedDuration: 100 * time.Millisecond},
		{EstimatedDuration: 100 * time.Millisecond},
		{EstimatedDuration: 100 * time.Millisecond},
	}
	assert.Equal(t, 200*time.Millisecond, estimateBatch(tasks, 2))
	assert.Equal(t, 100*time.Millisecond, estimateBatch(tasks, 8))
	assert.Zero(t, estimateBatch(nil, 2))
}

func TestValidateAndEstimate(t *testing.T) {
	assert.True(t, errors.Is(Validate([]models.Task{tk("A", "A")}), ErrCyclicDependency))
	require.NoError(t, Validate([]models.Task{tk("A"), tk("B", "A")}))

	tasks := []models.Task{tk("A"), tk("B", "A"), tk("C", "A")}
	for i := range tasks {
		tasks[i].EstimatedDuration = 100 * time.Millisecond
	}
	est, err := Estimate(tasks, 1)
	require.NoError(t, err)
	assert.Equal(t, 300*time.Millisecond, est)

	est, err = Estimate(tasks, 2)
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, est)
}
