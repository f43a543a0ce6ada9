package state

import (
	"io"
	"time"

	"github.com/ShayCichocki/switchyard/pkg/models"
)

// ExecutionStore handles workflow execution records.
type ExecutionStore interface {
	CreateExecution(e *models.WorkflowExecution) error
	GetExecution(id string) (*models.WorkflowExecution, error)
	SaveExecution(e *models.WorkflowExecution) error
	UpdateStatus(id string, to models.ExecutionStatus, errMsg string) (*models.WorkflowExecution, error)
	MarkEvaluated(id string) error
	ListExecutions(f ExecutionFilter) ([]*models.WorkflowExecution, error)
	ListUnevaluated(limit int) ([]*models.WorkflowExecution, error)
}

// FeedbackStore handles reviewer feedback.
type FeedbackStore interface {
	SaveFeedback(executionID string, fb models.Feedback) error
	LatestFeedback(executionID string) (*models.Feedback, error)
}

// RuleReader is the read side of routing rules used during planning.
type RuleReader interface {
	LatestRule(signature string) (*models.RoutingRule, error)
}

// RuleStore handles the append-only routing rule history.
type RuleStore interface {
	RuleReader
	RuleHistory(signature string) ([]models.RoutingRule, error)
	ListRules() ([]models.RoutingRule, error)
	AppendRule(rule *models.RoutingRule, expectedVersion int) error
	RevertRule(signature string, version int, reason string) (*models.RoutingRule, error)
}

// HistoryStore answers the aggregate queries behind planning and trend detection.
type HistoryStore interface {
	SuccessRate(f ExecutionFilter) (float64, int, error)
	AvgDuration(f ExecutionFilter) (time.Duration, error)
	CountExecutions(f ExecutionFilter) (int, error)
	CapabilityUsage(since, until time.Time) (map[string]int, error)
	CapabilityStats(capability string, since time.Time) (CapabilityStat, error)
	RecentEvaluations(signature string, k int) ([]EvaluationSample, error)
	MetricsSnapshot(bucket time.Duration, since time.Time) ([]MetricsBucket, error)
}

// StatusNotifier exposes execution lifecycle changes to observers.
type StatusNotifier interface {
	OnStatusChange(filter StatusFilter, cb func(StatusChange)) (unsubscribe func())
}

// Migrator handles database schema migrations.
// Separating this allows clients to depend only on migration functionality.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// Store is the full execution store. It composes the focused interfaces so
// each component can depend only on what it uses.
type Store interface {
	io.Closer
	Migrator
	ExecutionStore
	FeedbackStore
	RuleStore
	HistoryStore
	StatusNotifier
	PurgeExecutions(olderThan time.Duration) (int64, error)
	RecoverInterrupted(staleAfter time.Duration) ([]string, error)
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store          = (*DB)(nil)
	_ Migrator       = (*DB)(nil)
	_ ExecutionStore = (*DB)(nil)
	_ FeedbackStore  = (*DB)(nil)
	_ RuleStore      = (*DB)(nil)
	_ HistoryStore   = (*DB)(nil)
	_ StatusNotifier = (*DB)(nil)
)
