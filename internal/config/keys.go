package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Key describes one configuration key.
type Key struct {
	Key         string
	Default     any
	Description string
}

// keys is the full key table, in display order. Defaults mirror policy.Default.
var keys = []Key{
	{"store.path", "", "SQLite execution store (default $XDG_DATA_HOME/switchyard/switchyard.db)"},
	{"capabilities.catalog", "", "capability catalog YAML file"},
	{"capabilities.watch", false, "reload the catalog when it changes"},
	{"planner.default_confidence", 0.75, "step confidence without rules or history"},
	{"planner.default_step_duration", "100ms", "step estimate when a capability declares none"},
	{"planner.max_alternatives", 3, "alternative routes returned with a plan"},
	{"planner.min_history", 5, "invocations before observed success rates are trusted"},
	{"execution.max_concurrency", 4, "tasks running at once"},
	{"execution.per_task_timeout", "30s", "deadline for a single task"},
	{"execution.total_timeout", "5m", "deadline for a whole run, 0 for none"},
	{"execution.failure_handling", "continue_partial", "abort_all, continue_partial or retry_failed"},
	{"execution.max_retries", 2, "retries per idempotent task under retry_failed"},
	{"execution.retry_backoff", "200ms", "initial retry backoff"},
	{"execution.grace_period", "2s", "wait for a cancelled task before abandoning it"},
	{"coordination.policy", "all_complete", "default coordination policy"},
	{"coordination.weighted_threshold", 0.0, "weighted_voting threshold, 0 for half of the total weight"},
	{"evaluation.window", 20, "evaluations averaged for trends"},
	{"evaluation.min_history", 5, "prior evaluations needed for a trend"},
	{"evaluation.stability_threshold", 0.7, "average accuracy or reliability that triggers a confidence decrement"},
	{"evaluation.confidence_step", 0.05, "size of a proposed confidence change"},
	{"evaluation.sweep_schedule", "@every 1m", "cron schedule of the unevaluated-run sweep"},
	{"evaluation.evaluate_on_feedback", true, "evaluate as soon as feedback arrives"},
	{"metrics.listen", ":9464", "Prometheus listen address for serve"},
	{"metrics.bucket", "1h", "metrics snapshot bucket width"},
	{"metrics.snapshot_interval", "30s", "how often snapshot gauges are refreshed"},
	{"nats.url", "", "NATS server for status changes, empty to disable"},
	{"nats.subject_prefix", "switchyard.executions", "subject prefix for status changes"},
	{"debug.log_path", "", "debug log file, empty for .switchyard/logs/orchestrator-debug.log"},
}

// Keys returns the known configuration keys.
func Keys() []Key {
	return append([]Key(nil), keys...)
}

func knownKey(key string) bool {
	for _, k := range keys {
		if k.Key == key {
			return true
		}
	}
	return false
}

// EnvVar returns the environment variable that overrides key.
func EnvVar(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// KeySource represents where a configuration value was loaded from.
type KeySource string

const (
	KeySourceEnv     KeySource = "environment"
	KeySourceProject KeySource = "project_file"
	KeySourceUser    KeySource = "user_file"
	KeySourceDefault KeySource = "default"
)

// Source returns where the effective value of key comes from.
func Source(key string) KeySource {
	if _, ok := os.LookupEnv(EnvVar(key)); ok {
		return KeySourceEnv
	}
	if p := findProjectConfig(); p != "" && fileSets(p, key) {
		return KeySourceProject
	}
	if fileSets(GetUserConfigPath(), key) {
		return KeySourceUser
	}
	return KeySourceDefault
}

func fileSets(path, key string) bool {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return false
	}
	return v.IsSet(key)
}

// Setting is one effective key/value pair.
type Setting struct {
	Key   string
	Value any
}

// Settings flattens cfg into key/value pairs in key table order.
func Settings(cfg *Config) []Setting {
	values := map[string]any{
		"store.path":                      cfg.Store.Path,
		"capabilities.catalog":            cfg.Capabilities.Catalog,
		"capabilities.watch":              cfg.Capabilities.Watch,
		"planner.default_confidence":      cfg.Planner.DefaultConfidence,
		"planner.default_step_duration":   cfg.Planner.DefaultStepDuration.String(),
		"planner.max_alternatives":        cfg.Planner.MaxAlternatives,
		"planner.min_history":             cfg.Planner.MinHistory,
		"execution.max_concurrency":       cfg.Execution.MaxConcurrency,
		"execution.per_task_timeout":      cfg.Execution.PerTaskTimeout.String(),
		"execution.total_timeout":         cfg.Execution.TotalTimeout.String(),
		"execution.failure_handling":      cfg.Execution.FailureHandling,
		"execution.max_retries":           cfg.Execution.MaxRetries,
		"execution.retry_backoff":         cfg.Execution.RetryBackoff.String(),
		"execution.grace_period":          cfg.Execution.GracePeriod.String(),
		"coordination.policy":             cfg.Coordination.Policy,
		"coordination.weighted_threshold": cfg.Coordination.WeightedThreshold,
		"evaluation.window":               cfg.Evaluation.Window,
		"evaluation.min_history":          cfg.Evaluation.MinHistory,
		"evaluation.stability_threshold":  cfg.Evaluation.StabilityThreshold,
		"evaluation.confidence_step":      cfg.Evaluation.ConfidenceStep,
		"evaluation.sweep_schedule":       cfg.Evaluation.SweepSchedule,
		"evaluation.evaluate_on_feedback": cfg.Evaluation.EvaluateOnFeedback,
		"metrics.listen":                  cfg.Metrics.Listen,
		"metrics.bucket":                  cfg.Metrics.Bucket.String(),
		"metrics.snapshot_interval":       cfg.Metrics.SnapshotInterval.String(),
		"nats.url":                        cfg.NATS.URL,
		"nats.subject_prefix":             cfg.NATS.SubjectPrefix,
		"debug.log_path":                  cfg.Debug.LogPath,
	}
	out := make([]Setting, 0, len(keys))
	for _, k := range keys {
		v, ok := values[k.Key]
		if !ok {
			panic(fmt.Sprintf("config: key %s has no setting", k.Key))
		}
		out = append(out, Setting{Key: k.Key, Value: v})
	}
	return out
}
