package state

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/ShayCichocki/switchyard/pkg/models"
)

// terminalStatuses are the states counted by aggregate queries.
var terminalStatuses = []models.ExecutionStatus{
	models.ExecutionCompleted,
	models.ExecutionFailed,
	models.ExecutionCancelled,
}

func terminalOnly(f ExecutionFilter) ExecutionFilter {
	if len(f.Statuses) == 0 {
		f.Statuses = terminalStatuses
	}
	return f
}

// SuccessRate returns the share of terminal executions matching f that
// succeeded, together with the sample size.
func (db *DB) SuccessRate(f ExecutionFilter) (float64, int, error) {
	where, args := terminalOnly(f).where()
	var total int
	var succeeded sql.NullInt64
	row := db.QueryRow("SELECT COUNT(*), SUM(success) FROM executions"+where, args...)
	if err := row.Scan(&total, &succeeded); err != nil {
		return 0, 0, fmt.Errorf("success rate: %w", err)
	}
	if total == 0 {
		return 0, 0, nil
	}
	return float64(succeeded.Int64) / float64(total), total, nil
}

// AvgDuration returns the mean duration of terminal executions matching f.
func (db *DB) AvgDuration(f ExecutionFilter) (time.Duration, error) {
	where, args := terminalOnly(f).where()
	var avg sql.NullFloat64
	if err := db.QueryRow("SELECT AVG(duration_ns) FROM executions"+where, args...).Scan(&avg); err != nil {
		return 0, fmt.Errorf("average duration: %w", err)
	}
	return time.Duration(avg.Float64), nil
}

// CountExecutions returns the number of records matching f, whatever their status.
func (db *DB) CountExecutions(f ExecutionFilter) (int, error) {
	where, args := f.where()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM executions"+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count executions: %w", err)
	}
	return n, nil
}

// CapabilityUsage counts task invocations per capability in [since, until).
// Zero bounds are open.
func (db *DB) CapabilityUsage(since, until time.Time) (map[string]int, error) {
	query := "SELECT capability, COUNT(*) FROM task_results WHERE status NOT IN ('skipped', 'cancelled', 'pending')"
	var args []any
	if !since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, formatTime(since))
	}
	if !until.IsZero() {
		query += " AND created_at < ?"
		args = append(args, formatTime(until))
	}
	query += " GROUP BY capability"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("capability usage: %w", err)
	}
	defer rows.Close()

	usage := make(map[string]int)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("scan capability usage: %w", err)
		}
		usage[name] = n
	}
	return usage, rows.Err()
}

// CapabilityStat summarises executed invocations of one capability.
type CapabilityStat struct {
	Capability  string
	Invocations int
	Successes   int
	SuccessRate float64
	AvgDuration time.Duration
}

// CapabilityStats returns invocation history for capability since the given time.
func (db *DB) CapabilityStats(capability string, since time.Time) (CapabilityStat, error) {
	stat := CapabilityStat{Capability: capability}
	var succeeded sql.NullInt64
	var avg sql.NullFloat64
	row := db.QueryRow(`
		SELECT COUNT(*), SUM(success), AVG(duration_ns) FROM task_results
		WHERE capability = ? AND created_at >= ? AND status IN ('succeeded', 'failed')
	`, capability, formatTime(since))
	if err := row.Scan(&stat.Invocations, &succeeded, &avg); err != nil {
		return stat, fmt.Errorf("capability stats: %w", err)
	}
	stat.Successes = int(succeeded.Int64)
	stat.AvgDuration = time.Duration(avg.Float64)
	if stat.Invocations > 0 {
		stat.SuccessRate = float64(stat.Successes) / float64(stat.Invocations)
	}
	return stat, nil
}

// EvaluationSample is one past evaluation of a routing signature.
type EvaluationSample struct {
	ExecutionID string
	Accuracy    float64
	Reliability float64
	CreatedAt   time.Time
}

// RecentEvaluations returns up to k completed evaluations for signature, newest first.
func (db *DB) RecentEvaluations(signature string, k int) ([]EvaluationSample, error) {
	rows, err := db.Query(`
		SELECT id, COALESCE(accuracy, 0), COALESCE(reliability, 0), created_at FROM executions
		WHERE type = 'evaluation' AND status = 'completed' AND signature = ?
		ORDER BY created_at DESC LIMIT ?
	`, signature, k)
	if err != nil {
		return nil, fmt.Errorf("recent evaluations: %w", err)
	}
	defer rows.Close()

	var out []EvaluationSample
	for rows.Next() {
		var s EvaluationSample
		var created string
		if err := rows.Scan(&s.ExecutionID, &s.Accuracy, &s.Reliability, &created); err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		s.CreatedAt, _ = parseTime(created)
		out = append(out, s)
	}
	return out, rows.Err()
}

// MetricsBucket is one row of the metrics snapshot.
type MetricsBucket struct {
	Type          models.WorkflowType `json:"type"`
	Start         time.Time           `json:"start"`
	Total         int                 `json:"total"`
	Succeeded     int                 `json:"succeeded"`
	SuccessRate   float64             `json:"success_rate"`
	AvgDuration   time.Duration       `json:"avg_duration"`
	AvgEfficiency float64             `json:"avg_efficiency"`
}

// MetricsSnapshot groups terminal executions created since the given time by
// workflow type and by bucket-aligned start time. Buckets are ordered by start
// then type. Average efficiency covers records that report one.
func (db *DB) MetricsSnapshot(bucket time.Duration, since time.Time) ([]MetricsBucket, error) {
	if bucket <= 0 {
		bucket = time.Hour
	}
	where, args := terminalOnly(ExecutionFilter{Since: since}).where()
	rows, err := db.Query("SELECT type, success, duration_ns, efficiency, created_at FROM executions"+where, args...)
	if err != nil {
		return nil, fmt.Errorf("metrics snapshot: %w", err)
	}
	defer rows.Close()

	type key struct {
		typ   models.WorkflowType
		start int64
	}
	type acc struct {
		MetricsBucket
		durSum  time.Duration
		effSum  float64
		effSeen int
	}
	groups := make(map[key]*acc)
	for rows.Next() {
		var typ, created string
		var success int
		var durationNs int64
		var eff sql.NullFloat64
		if err := rows.Scan(&typ, &success, &durationNs, &eff, &created); err != nil {
			return nil, fmt.Errorf("scan metrics row: %w", err)
		}
		at, err := parseTime(created)
		if err != nil {
			continue
		}
		start := at.Truncate(bucket)
		k := key{models.WorkflowType(typ), start.UnixNano()}
		g, ok := groups[k]
		if !ok {
			g = &acc{MetricsBucket: MetricsBucket{Type: k.typ, Start: start}}
			groups[k] = g
		}
		g.Total++
		g.Succeeded += success
		g.durSum += time.Duration(durationNs)
		if eff.Valid {
			g.effSum += eff.Float64
			g.effSeen++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]MetricsBucket, 0, len(groups))
	for _, g := range groups {
		b := g.MetricsBucket
		b.SuccessRate = float64(b.Succeeded) / float64(b.Total)
		b.AvgDuration = g.durSum / time.Duration(b.Total)
		if g.effSeen > 0 {
			b.AvgEfficiency = g.effSum / float64(g.effSeen)
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}
