package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/switchyard/pkg/models"
)

const ruleColumns = `signature, version, task_type, capabilities, steps, confidence, success_rate,
	sample_size, evaluation_id, reason, created_at`

func scanRule(row rowScanner) (*models.RoutingRule, error) {
	var r models.RoutingRule
	var taskType, caps, steps, created string
	if err := row.Scan(&r.Signature, &r.Version, &taskType, &caps, &steps, &r.Confidence, &r.SuccessRate,
		&r.SampleSize, &r.EvaluationID, &r.Reason, &created); err != nil {
		return nil, err
	}
	r.TaskType = models.TaskType(taskType)
	if err := json.Unmarshal([]byte(caps), &r.Capabilities); err != nil {
		return nil, fmt.Errorf("decode rule capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(steps), &r.Steps); err != nil {
		return nil, fmt.Errorf("decode rule steps: %w", err)
	}
	r.CreatedAt, _ = parseTime(created)
	return &r, nil
}

// LatestRule returns the newest version of the rule for signature, or nil if
// no rule has been recorded.
func (db *DB) LatestRule(signature string) (*models.RoutingRule, error) {
	row := db.QueryRow("SELECT "+ruleColumns+" FROM routing_rules WHERE signature = ? ORDER BY version DESC LIMIT 1", signature)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest rule: %w", err)
	}
	return r, nil
}

// RuleHistory returns every version of the rule for signature, oldest first.
func (db *DB) RuleHistory(signature string) ([]models.RoutingRule, error) {
	return db.queryRules("SELECT "+ruleColumns+" FROM routing_rules WHERE signature = ? ORDER BY version ASC", signature)
}

// ListRules returns the latest version of every rule, ordered by signature.
func (db *DB) ListRules() ([]models.RoutingRule, error) {
	return db.queryRules(`
		SELECT ` + ruleColumns + ` FROM routing_rules r
		WHERE version = (SELECT MAX(version) FROM routing_rules WHERE signature = r.signature)
		ORDER BY signature
	`)
}

func (db *DB) queryRules(query string, args ...any) ([]models.RoutingRule, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var out []models.RoutingRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// AppendRule records rule as version expectedVersion+1. expectedVersion is the
// version the caller based its change on (0 when no rule exists yet). If
// another writer appended in the meantime the call fails with
// ErrVersionConflict and nothing is written. On success rule.Version and
// rule.CreatedAt are set.
func (db *DB) AppendRule(rule *models.RoutingRule, expectedVersion int) error {
	if rule.Signature == "" {
		return fmt.Errorf("append rule: signature is required")
	}
	caps, err := json.Marshal(nonNil(rule.Capabilities))
	if err != nil {
		return fmt.Errorf("encode rule capabilities: %w", err)
	}
	steps := rule.Steps
	if steps == nil {
		steps = []models.RouteStep{}
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("encode rule steps: %w", err)
	}
	created := time.Now()

	err = db.Transaction(func(tx *sql.Tx) error {
		var current int
		if err := tx.QueryRow("SELECT COALESCE(MAX(version), 0) FROM routing_rules WHERE signature = ?", rule.Signature).Scan(&current); err != nil {
			return fmt.Errorf("read rule version: %w", err)
		}
		if current != expectedVersion {
			return fmt.Errorf("%w: %s is at version %d, change was based on %d", ErrVersionConflict, rule.Signature, current, expectedVersion)
		}
		_, err := tx.Exec(`
			INSERT INTO routing_rules (`+ruleColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, rule.Signature, current+1, string(rule.TaskType), string(caps), string(stepsJSON),
			models.ClampUnit(rule.Confidence), models.ClampUnit(rule.SuccessRate), rule.SampleSize,
			rule.EvaluationID, rule.Reason, formatTime(created))
		if err != nil {
			// A concurrent insert of the same version trips the primary key.
			return fmt.Errorf("%w: %v", ErrVersionConflict, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	rule.Version = expectedVersion + 1
	rule.Confidence = models.ClampUnit(rule.Confidence)
	rule.SuccessRate = models.ClampUnit(rule.SuccessRate)
	rule.CreatedAt = created.UTC()
	return nil
}

// RevertRule appends a copy of an older version as the newest version.
// History is never rewritten.
func (db *DB) RevertRule(signature string, version int, reason string) (*models.RoutingRule, error) {
	row := db.QueryRow("SELECT "+ruleColumns+" FROM routing_rules WHERE signature = ? AND version = ?", signature, version)
	old, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s v%d: %w", signature, version, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	latest, err := db.LatestRule(signature)
	if err != nil {
		return nil, err
	}

	copyRule := *old
	copyRule.EvaluationID = ""
	copyRule.Reason = fmt.Sprintf("revert to v%d", version)
	if reason != "" {
		copyRule.Reason += ": " + reason
	}
	if err := db.AppendRule(&copyRule, latest.Version); err != nil {
		return nil, err
	}
	return &copyRule, nil
}
