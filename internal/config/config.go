// Package config handles configuration loading and management for switchyard.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/ShayCichocki/switchyard/internal/orchestrator/policy"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

// EnvPrefix prefixes every environment override, e.g. SWITCHYARD_EXECUTION_MAX_CONCURRENCY.
const EnvPrefix = "SWITCHYARD"

// ProjectFile is the project-level config file name.
const ProjectFile = ".switchyard.yaml"

// Config holds all configuration for switchyard.
type Config struct {
	Store        StoreConfig        `mapstructure:"store"`
	Capabilities CapabilitiesConfig `mapstructure:"capabilities"`
	Planner      PlannerConfig      `mapstructure:"planner"`
	Execution    ExecutionConfig    `mapstructure:"execution"`
	Coordination CoordinationConfig `mapstructure:"coordination"`
	Evaluation   EvaluationConfig   `mapstructure:"evaluation"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Debug        DebugConfig        `mapstructure:"debug"`
}

// StoreConfig locates the execution store.
type StoreConfig struct {
	// Path is the SQLite file. Empty means the XDG data directory.
	Path string `mapstructure:"path"`
}

// CapabilitiesConfig locates the capability catalog.
type CapabilitiesConfig struct {
	Catalog string `mapstructure:"catalog"`
	// Watch reloads the catalog when the file changes.
	Watch bool `mapstructure:"watch"`
}

// PlannerConfig holds route planning settings.
type PlannerConfig struct {
	DefaultConfidence   float64       `mapstructure:"default_confidence"`
	DefaultStepDuration time.Duration `mapstructure:"default_step_duration"`
	MaxAlternatives     int           `mapstructure:"max_alternatives"`
	MinHistory          int           `mapstructure:"min_history"`
}

// ExecutionConfig holds scheduler defaults.
type ExecutionConfig struct {
	MaxConcurrency  int           `mapstructure:"max_concurrency"`
	PerTaskTimeout  time.Duration `mapstructure:"per_task_timeout"`
	TotalTimeout    time.Duration `mapstructure:"total_timeout"`
	FailureHandling string        `mapstructure:"failure_handling"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	GracePeriod     time.Duration `mapstructure:"grace_period"`
}

// CoordinationConfig holds result coordination defaults.
type CoordinationConfig struct {
	Policy string `mapstructure:"policy"`
	// WeightedThreshold of 0 means half of the total weight.
	WeightedThreshold float64 `mapstructure:"weighted_threshold"`
}

// EvaluationConfig holds evaluation loop settings.
type EvaluationConfig struct {
	Window             int     `mapstructure:"window"`
	MinHistory         int     `mapstructure:"min_history"`
	StabilityThreshold float64 `mapstructure:"stability_threshold"`
	ConfidenceStep     float64 `mapstructure:"confidence_step"`
	SweepSchedule      string  `mapstructure:"sweep_schedule"`
	EvaluateOnFeedback bool    `mapstructure:"evaluate_on_feedback"`
}

// MetricsConfig holds Prometheus export settings.
type MetricsConfig struct {
	Listen           string        `mapstructure:"listen"`
	Bucket           time.Duration `mapstructure:"bucket"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
}

// NATSConfig holds status-change publishing settings. An empty URL disables publishing.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// DebugConfig holds debug logging settings.
type DebugConfig struct {
	LogPath string `mapstructure:"log_path"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (SWITCHYARD_*)
// 2. Project config (.switchyard.yaml in current directory or parent)
// 3. User config (~/.config/switchyard/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// newViper builds the layered viper instance Load reads from.
func newViper() (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	bindEnv(v)
	return v, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
// Environment overrides still apply.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	bindEnv(v)
	return decode(v)
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Store.Path = expandEnv(cfg.Store.Path)
	cfg.Capabilities.Catalog = expandEnv(cfg.Capabilities.Catalog)
	cfg.Debug.LogPath = expandEnv(cfg.Debug.LogPath)
	return cfg, nil
}

// LoadEnvFiles loads KEY=value pairs from the given .env files into the
// process environment. Missing files are skipped and variables that are
// already set win. With no arguments ".env" in the working directory is read.
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Save writes cfg to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(GetUserConfigPath())
	for _, s := range Settings(cfg) {
		v.Set(s.Key, s.Value)
	}
	return v.WriteConfig()
}

// SetUserValue writes a single key to the user config file, keeping the
// keys already there. The value must decode into the key's type.
func SetUserValue(key, value string) error {
	if !knownKey(key) {
		return fmt.Errorf("unknown configuration key: %s", key)
	}

	path := GetUserConfigPath()
	v := viper.New()
	v.SetConfigFile(path)
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
	}
	v.Set(key, value)
	if _, err := decode(v); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return v.WriteConfig()
}

// Policy converts the configuration into orchestrator policy, clamping
// unusable values to their defaults.
func (c *Config) Policy() *policy.Config {
	p := policy.Default()

	p.Planner.DefaultConfidence = c.Planner.DefaultConfidence
	p.Planner.DefaultStepDuration = c.Planner.DefaultStepDuration
	p.Planner.MaxAlternatives = c.Planner.MaxAlternatives
	p.Planner.MinHistory = c.Planner.MinHistory

	p.Execution = models.ExecutionPolicy{
		MaxConcurrency:  c.Execution.MaxConcurrency,
		PerTaskTimeout:  c.Execution.PerTaskTimeout,
		TotalTimeout:    c.Execution.TotalTimeout,
		FailureHandling: models.FailureHandling(c.Execution.FailureHandling),
		MaxRetries:      c.Execution.MaxRetries,
		RetryBackoff:    c.Execution.RetryBackoff,
		GracePeriod:     c.Execution.GracePeriod,
	}

	p.Coordination.Default = models.CoordinationPolicy(c.Coordination.Policy)
	p.Coordination.WeightedThreshold = c.Coordination.WeightedThreshold

	p.Evaluation.Window = c.Evaluation.Window
	p.Evaluation.MinHistory = c.Evaluation.MinHistory
	p.Evaluation.StabilityThreshold = c.Evaluation.StabilityThreshold
	p.Evaluation.ConfidenceStep = c.Evaluation.ConfidenceStep
	p.Evaluation.SweepSchedule = c.Evaluation.SweepSchedule
	p.Evaluation.EvaluateOnFeedback = c.Evaluation.EvaluateOnFeedback

	p.Validate()
	return p
}

// StorePath returns the configured store path, or the default under the XDG data directory.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(getUserDataDir(), "switchyard.db")
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	for _, k := range keys {
		v.SetDefault(k.Key, k.Default)
	}
}

// getUserConfigDir returns the XDG config directory for switchyard.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "switchyard")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "switchyard")
	}
	return filepath.Join(home, ".config", "switchyard")
}

// getUserDataDir returns the XDG data directory for switchyard.
func getUserDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "switchyard")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".local", "share", "switchyard")
	}
	return filepath.Join(home, ".local", "share", "switchyard")
}

// findProjectConfig searches for .switchyard.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ProjectFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		// The defaults table is static; failing to decode it is a programming error.
		panic(err)
	}
	return cfg
}
