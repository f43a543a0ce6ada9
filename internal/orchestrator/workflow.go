package orchestrator

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/switchyard/pkg/models"
)

// Workflow is a workflow file: a work request plus everything needed to run it.
//
//	caller: billing-bot
//	request:
//	  task_type: analysis
//	  priority: high
//	  required_capabilities: [fetch, summarize]
//	  parallelizable: true
//	params:
//	  fetch: {url: "https://example.com"}
//	execution:
//	  max_concurrency: 2
//	coordination: majority_consensus
//
// When Tasks is set the request is not planned and the tasks run as given.
type Workflow struct {
	CallerID     string                    `yaml:"caller"`
	Request      models.WorkRequest        `yaml:"request"`
	Params       map[string]map[string]any `yaml:"params,omitempty"`
	Tasks        []models.Task             `yaml:"tasks,omitempty"`
	Execution    *models.ExecutionPolicy   `yaml:"execution,omitempty"`
	Coordination models.CoordinationPolicy `yaml:"coordination,omitempty"`
	// Weights are weighted_voting weights keyed by task id.
	Weights map[string]float64 `yaml:"weights,omitempty"`
}

// LoadWorkflow reads a workflow file.
func LoadWorkflow(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	return ParseWorkflow(data)
}

// ParseWorkflow decodes a workflow document.
func ParseWorkflow(data []byte) (*Workflow, error) {
	var wf Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	if wf.Request.Priority == "" {
		wf.Request.Priority = models.PriorityMedium
	}
	return &wf, nil
}

// executionPolicy overlays the workflow's non-zero execution settings on base.
func (wf *Workflow) executionPolicy(base models.ExecutionPolicy) models.ExecutionPolicy {
	p := base
	o := wf.Execution
	if o == nil {
		return p
	}
	if o.MaxConcurrency > 0 {
		p.MaxConcurrency = o.MaxConcurrency
	}
	if o.PerTaskTimeout > 0 {
		p.PerTaskTimeout = o.PerTaskTimeout
	}
	if o.TotalTimeout > 0 {
		p.TotalTimeout = o.TotalTimeout
	}
	if o.FailureHandling != "" {
		p.FailureHandling = o.FailureHandling
	}
	if o.MaxRetries > 0 {
		p.MaxRetries = o.MaxRetries
	}
	if o.RetryBackoff > 0 {
		p.RetryBackoff = o.RetryBackoff
	}
	if o.GracePeriod > 0 {
		p.GracePeriod = o.GracePeriod
	}
	return p
}

// tasksFromRoute turns route steps into scheduler tasks, one per step, keyed
// by capability name. A sequential step without explicit dependencies waits
// for the step before it.
func tasksFromRoute(route *models.Route, wf *Workflow, caps Capabilities) []models.Task {
	weight := wf.Request.Priority.Weight()
	tasks := make([]models.Task, 0, len(route.Steps))
	for i, step := range route.Steps {
		deps := append([]string(nil), step.DependsOn...)
		if !step.Parallel && i > 0 && len(deps) == 0 {
			deps = []string{route.Steps[i-1].Capability}
		}
		t := models.Task{
			ID:                step.Capability,
			Name:              fmt.Sprintf("step %d: %s", step.Order, step.Capability),
			Capability:        step.Capability,
			Params:            wf.Params[step.Capability],
			DependsOn:         deps,
			PriorityWeight:    weight,
			EstimatedDuration: step.EstimatedDuration,
		}
		if spec, ok := caps.Spec(step.Capability); ok {
			t.Idempotent = spec.Idempotent
		}
		tasks = append(tasks, t)
	}
	return tasks
}

// prepareTasks fills defaults on explicit tasks from the capability table and
// returns the capabilities that are not registered.
func prepareTasks(in []models.Task, wf *Workflow, caps Capabilities) ([]models.Task, []string) {
	tasks := make([]models.Task, len(in))
	var missing []string
	for i, t := range in {
		if t.Capability == "" {
			t.Capability = t.ID
		}
		if t.Params == nil {
			t.Params = wf.Params[t.Capability]
		}
		spec, ok := caps.Spec(t.Capability)
		if !ok {
			missing = append(missing, t.Capability)
		} else {
			// A capability that is not idempotent is never retried, whatever the task says.
			t.Idempotent = t.Idempotent && spec.Idempotent
			if t.EstimatedDuration == 0 {
				t.EstimatedDuration = spec.EstimatedDuration
			}
		}
		tasks[i] = t
	}
	return tasks, missing
}
