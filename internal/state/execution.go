package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/switchyard/pkg/models"
)

// ExecutionFilter narrows ListExecutions and the aggregate queries.
// Zero fields are ignored.
type ExecutionFilter struct {
	CallerID  string
	Type      models.WorkflowType
	Statuses  []models.ExecutionStatus
	Signature string
	ParentID  string
	Since     time.Time
	Until     time.Time
	// Unevaluated limits results to records not yet evaluated.
	Unevaluated bool
	// OldestFirst reverses the default newest-first order, before Limit applies.
	OldestFirst bool
	Limit       int
}

func (f ExecutionFilter) where() (string, []any) {
	var clauses []string
	var args []any
	if f.CallerID != "" {
		clauses = append(clauses, "caller_id = ?")
		args = append(args, f.CallerID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, string(f.Type))
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ",")+")")
	}
	if f.Signature != "" {
		clauses = append(clauses, "signature = ?")
		args = append(args, f.Signature)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id = ?")
		args = append(args, f.ParentID)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "created_at < ?")
		args = append(args, formatTime(f.Until))
	}
	if f.Unevaluated {
		clauses = append(clauses, "evaluated = 0")
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// detail is the JSON column holding the type-specific variant.
type detail struct {
	Routing    *models.RoutingDetail    `json:"routing,omitempty"`
	Parallel   *models.ParallelDetail   `json:"parallel,omitempty"`
	Evaluation *models.EvaluationDetail `json:"evaluation,omitempty"`
}

// derived returns the indexed metric columns for e.
func derived(e *models.WorkflowExecution) (efficiency, accuracy, reliability any) {
	switch {
	case e.Parallel != nil:
		return e.Parallel.ParallelEfficiency, nil, nil
	case e.Evaluation != nil:
		m := e.Evaluation.Metrics
		return m.Efficiency, m.Accuracy, m.Reliability
	}
	return nil, nil, nil
}

// CreateExecution inserts a new record. Records always start in pending.
func (db *DB) CreateExecution(e *models.WorkflowExecution) error {
	if e.Status == "" {
		e.Status = models.ExecutionPending
	}
	if e.Status != models.ExecutionPending {
		return fmt.Errorf("%w: new execution must be pending, got %s", ErrInvalidTransition, e.Status)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	body, err := json.Marshal(detail{Routing: e.Routing, Parallel: e.Parallel, Evaluation: e.Evaluation})
	if err != nil {
		return fmt.Errorf("encode execution detail: %w", err)
	}
	eff, acc, rel := derived(e)

	err = db.Transaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO executions (id, caller_id, type, status, signature, parent_id, started_at, ended_at,
				duration_ns, success, error, evaluated, efficiency, accuracy, reliability, detail, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, e.ID, e.CallerID, string(e.Type), string(e.Status), e.Signature, e.ParentID,
			formatNullableTime(e.StartedAt), formatNullableTime(e.EndedAt), int64(e.Duration),
			boolInt(e.Success), e.Error, boolInt(e.Evaluated), eff, acc, rel, string(body), formatTime(e.CreatedAt))
		if err != nil {
			return err
		}
		return writeTaskResults(tx, e)
	})
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}

	db.observers.emit(StatusChange{
		ExecutionID: e.ID,
		CallerID:    e.CallerID,
		Type:        e.Type,
		To:          e.Status,
		At:          e.CreatedAt,
	})
	return nil
}

// SaveExecution writes every field of e. A status change must be a legal
// lifecycle edge from the stored status, and a record already in a terminal
// state cannot be rewritten.
func (db *DB) SaveExecution(e *models.WorkflowExecution) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	body, err := json.Marshal(detail{Routing: e.Routing, Parallel: e.Parallel, Evaluation: e.Evaluation})
	if err != nil {
		return fmt.Errorf("encode execution detail: %w", err)
	}
	eff, acc, rel := derived(e)

	var from models.ExecutionStatus
	err = db.Transaction(func(tx *sql.Tx) error {
		var stored string
		if err := tx.QueryRow("SELECT status FROM executions WHERE id = ?", e.ID).Scan(&stored); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("execution %s: %w", e.ID, ErrNotFound)
			}
			return err
		}
		from = models.ExecutionStatus(stored)
		if from.IsTerminal() {
			return fmt.Errorf("%w: execution %s is already %s", ErrInvalidTransition, e.ID, from)
		}
		if from != e.Status && !models.CanTransition(from, e.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, e.Status)
		}

		res, err := tx.Exec(`
			UPDATE executions SET caller_id = ?, status = ?, signature = ?, parent_id = ?, started_at = ?,
				ended_at = ?, duration_ns = ?, success = ?, error = ?, evaluated = ?, efficiency = ?,
				accuracy = ?, reliability = ?, detail = ?
			WHERE id = ? AND status = ?
		`, e.CallerID, string(e.Status), e.Signature, e.ParentID, formatNullableTime(e.StartedAt),
			formatNullableTime(e.EndedAt), int64(e.Duration), boolInt(e.Success), e.Error, boolInt(e.Evaluated),
			eff, acc, rel, string(body), e.ID, stored)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: execution %s changed concurrently", ErrInvalidTransition, e.ID)
		}
		return writeTaskResults(tx, e)
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("save execution: %w", err)
	}

	if from != e.Status {
		db.observers.emit(StatusChange{
			ExecutionID: e.ID,
			CallerID:    e.CallerID,
			Type:        e.Type,
			From:        from,
			To:          e.Status,
			At:          time.Now(),
		})
	}
	return nil
}

// UpdateStatus moves an execution along its lifecycle without rewriting its
// detail. Entering in_progress stamps the start time. Entering a terminal
// state stamps the end time, duration and success flag, exactly once.
func (db *DB) UpdateStatus(id string, to models.ExecutionStatus, errMsg string) (*models.WorkflowExecution, error) {
	e, err := db.GetExecution(id)
	if err != nil {
		return nil, err
	}
	if !models.CanTransition(e.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, to)
	}
	e.Stamp(to, time.Now())
	if errMsg != "" {
		e.Error = errMsg
	}
	if err := db.SaveExecution(e); err != nil {
		return nil, err
	}
	return e, nil
}

// MarkEvaluated flags a record as evaluated. Terminal records accept this update.
func (db *DB) MarkEvaluated(id string) error {
	res, err := db.Exec("UPDATE executions SET evaluated = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("mark evaluated: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return nil
}

func writeTaskResults(tx *sql.Tx, e *models.WorkflowExecution) error {
	if e.Parallel == nil {
		return nil
	}
	if _, err := tx.Exec("DELETE FROM task_results WHERE execution_id = ?", e.ID); err != nil {
		return fmt.Errorf("clear task results: %w", err)
	}
	created := formatTime(e.CreatedAt)
	for _, r := range e.Parallel.Results {
		_, err := tx.Exec(`
			INSERT INTO task_results (execution_id, task_id, capability, status, success, error_kind, attempts,
				batch, duration_ns, estimated_ns, completed_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, e.ID, r.TaskID, r.Capability, string(r.Status), boolInt(r.Success), string(r.ErrorKind), r.Attempts,
			r.Batch, int64(r.ExecutionTime), int64(r.Estimated), formatNullableTime(r.CompletedAt), created)
		if err != nil {
			return fmt.Errorf("insert task result %s: %w", r.TaskID, err)
		}
	}
	return nil
}

const executionColumns = `id, caller_id, type, status, signature, parent_id, started_at, ended_at,
	duration_ns, success, error, evaluated, detail, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*models.WorkflowExecution, error) {
	var e models.WorkflowExecution
	var typ, status, body, createdAt string
	var startedAt, endedAt sql.NullString
	var durationNs int64
	var success, evaluated int
	if err := row.Scan(&e.ID, &e.CallerID, &typ, &status, &e.Signature, &e.ParentID, &startedAt, &endedAt,
		&durationNs, &success, &e.Error, &evaluated, &body, &createdAt); err != nil {
		return nil, err
	}
	e.Type = models.WorkflowType(typ)
	e.Status = models.ExecutionStatus(status)
	e.StartedAt = parseNullableTime(startedAt)
	e.EndedAt = parseNullableTime(endedAt)
	e.Duration = time.Duration(durationNs)
	e.Success = success != 0
	e.Evaluated = evaluated != 0
	e.CreatedAt, _ = parseTime(createdAt)

	var d detail
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		return nil, fmt.Errorf("decode execution %s detail: %w", e.ID, err)
	}
	e.Routing, e.Parallel, e.Evaluation = d.Routing, d.Parallel, d.Evaluation
	return &e, nil
}

// GetExecution retrieves a record by ID. It returns ErrNotFound when absent.
func (db *DB) GetExecution(id string) (*models.WorkflowExecution, error) {
	row := db.QueryRow("SELECT "+executionColumns+" FROM executions WHERE id = ?", id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// ListExecutions returns matching records, newest first unless f.OldestFirst.
func (db *DB) ListExecutions(f ExecutionFilter) ([]*models.WorkflowExecution, error) {
	where, args := f.where()
	order := " ORDER BY created_at DESC"
	if f.OldestFirst {
		order = " ORDER BY created_at ASC"
	}
	query := "SELECT " + executionColumns + " FROM executions" + where + order
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*models.WorkflowExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListUnevaluated returns terminal parallel records that have not been evaluated, oldest first.
func (db *DB) ListUnevaluated(limit int) ([]*models.WorkflowExecution, error) {
	return db.ListExecutions(ExecutionFilter{
		Type:        models.WorkflowParallel,
		Statuses:    []models.ExecutionStatus{models.ExecutionCompleted, models.ExecutionFailed},
		Unevaluated: true,
		OldestFirst: true,
		Limit:       limit,
	})
}

// PurgeExecutions deletes terminal records created more than olderThan ago,
// along with their task results and feedback. Routing rules are never purged.
// Returns the number of records deleted.
func (db *DB) PurgeExecutions(olderThan time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))
	result, err := db.Exec(`
		DELETE FROM executions WHERE created_at < ? AND status IN ('completed', 'failed', 'cancelled')
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge executions: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return count, nil
}
