package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/switchyard/pkg/models"
)

// SaveFeedback stores feedback for an execution. Multiple submissions are kept;
// readers see the latest.
func (db *DB) SaveFeedback(executionID string, fb models.Feedback) error {
	if err := fb.Validate(); err != nil {
		return err
	}
	if fb.SubmittedAt.IsZero() {
		fb.SubmittedAt = time.Now()
	}
	comments, err := json.Marshal(nonNil(fb.Comments))
	if err != nil {
		return fmt.Errorf("encode comments: %w", err)
	}
	issues, err := json.Marshal(nonNil(fb.Issues))
	if err != nil {
		return fmt.Errorf("encode issues: %w", err)
	}

	return db.Transaction(func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRow("SELECT COUNT(*) FROM executions WHERE id = ?", executionID).Scan(&exists); err != nil {
			return fmt.Errorf("check execution: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
		}
		_, err := tx.Exec(`
			INSERT INTO feedback (execution_id, rating, comments, issues, submitted_at)
			VALUES (?, ?, ?, ?, ?)
		`, executionID, fb.Rating, string(comments), string(issues), formatTime(fb.SubmittedAt))
		if err != nil {
			return fmt.Errorf("save feedback: %w", err)
		}
		return nil
	})
}

// LatestFeedback returns the most recent feedback for an execution, or nil if none.
func (db *DB) LatestFeedback(executionID string) (*models.Feedback, error) {
	row := db.QueryRow(`
		SELECT rating, comments, issues, submitted_at FROM feedback
		WHERE execution_id = ? ORDER BY id DESC LIMIT 1
	`, executionID)

	var fb models.Feedback
	var comments, issues, submitted string
	err := row.Scan(&fb.Rating, &comments, &issues, &submitted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get feedback: %w", err)
	}
	json.Unmarshal([]byte(comments), &fb.Comments)
	json.Unmarshal([]byte(issues), &fb.Issues)
	fb.SubmittedAt, _ = parseTime(submitted)
	return &fb, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
