package notify

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/switchyard/internal/state"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	mu      sync.Mutex
	msgs    []published
	failing bool
	closed  bool
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("nats: connection closed")
	}
	f.msgs = append(f.msgs, published{subject, data})
	return nil
}

func (f *fakeConn) Flush() error { return nil }

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func TestSubject(t *testing.T) {
	p := NewPublisher(&fakeConn{}, "")
	c := state.StatusChange{Type: models.WorkflowParallel, To: models.ExecutionCompleted}
	assert.Equal(t, "switchyard.executions.parallel.completed", p.Subject(c))

	p = NewPublisher(&fakeConn{}, "ops.")
	assert.Equal(t, "ops.parallel.completed", p.Subject(c))
}

func TestPublishEncodesChange(t *testing.T) {
	conn := &fakeConn{}
	p := NewPublisher(conn, "sy")
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, p.Publish(state.StatusChange{
		ExecutionID: "run-1",
		CallerID:    "ops",
		Type:        models.WorkflowEvaluation,
		From:        models.ExecutionInProgress,
		To:          models.ExecutionFailed,
		At:          at,
	}))

	require.Len(t, conn.msgs, 1)
	assert.Equal(t, "sy.evaluation.failed", conn.msgs[0].subject)
	var msg Message
	require.NoError(t, json.Unmarshal(conn.msgs[0].data, &msg))
	assert.Equal(t, "run-1", msg.ExecutionID)
	assert.Equal(t, models.ExecutionInProgress, msg.From)
	assert.True(t, at.Equal(msg.At))
	assert.Equal(t, uint64(1), p.Published())
}

func TestPublishFailureIsCounted(t *testing.T) {
	p := NewPublisher(&fakeConn{failing: true}, "")
	err := p.Publish(state.StatusChange{ExecutionID: "x", Type: models.WorkflowRouting, To: models.ExecutionPending})
	assert.Error(t, err)
	assert.Equal(t, uint64(1), p.Failed())
	assert.Zero(t, p.Published())
}

func TestAttachForwardsStoreChanges(t *testing.T) {
	db, err := state.OpenMigrated(filepath.Join(t.TempDir(), "switchyard.db"))
	require.NoError(t, err)
	defer db.Close()

	conn := &fakeConn{}
	p := NewPublisher(conn, "")
	p.Attach(db, state.StatusFilter{Statuses: []models.ExecutionStatus{models.ExecutionCompleted}})

	rec := &models.WorkflowExecution{ID: "r1", Type: models.WorkflowRouting, Routing: &models.RoutingDetail{}}
	require.NoError(t, db.CreateExecution(rec))
	_, err = db.UpdateStatus("r1", models.ExecutionInProgress, "")
	require.NoError(t, err)
	_, err = db.UpdateStatus("r1", models.ExecutionCompleted, "")
	require.NoError(t, err)

	require.NoError(t, p.Close())
	assert.True(t, conn.closed)
	require.Len(t, conn.msgs, 1)
	assert.Equal(t, "switchyard.executions.routing.completed", conn.msgs[0].subject)
}
