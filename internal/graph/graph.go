// Package graph provides a dependency graph for task scheduling.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ShayCichocki/switchyard/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the task graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// ErrDanglingDependency indicates a task depends on an ID that is not part of the graph.
var ErrDanglingDependency = errors.New("dangling dependency")

// ErrDuplicateTask indicates two tasks share an ID.
var ErrDuplicateTask = errors.New("duplicate task id")

// CycleError lists the task IDs that form a detected cycle, in traversal order.
type CycleError struct {
	TaskIDs []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCycleDetected, strings.Join(e.TaskIDs, " -> "))
}

// Unwrap lets errors.Is match ErrCycleDetected.
func (e *CycleError) Unwrap() error { return ErrCycleDetected }

// DanglingError names the tasks that reference undeclared dependencies.
type DanglingError struct {
	// Missing maps task ID to the unknown dependency IDs it references.
	Missing map[string][]string
}

func (e *DanglingError) Error() string {
	ids := make([]string, 0, len(e.Missing))
	for id := range e.Missing {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s -> %s", id, strings.Join(e.Missing[id], ",")))
	}
	return fmt.Sprintf("%s: %s", ErrDanglingDependency, strings.Join(parts, "; "))
}

// Unwrap lets errors.Is match ErrDanglingDependency.
func (e *DanglingError) Unwrap() error { return ErrDanglingDependency }

// TaskIDs returns the sorted IDs of tasks with dangling references.
func (e *DanglingError) TaskIDs() []string {
	ids := make([]string, 0, len(e.Missing))
	for id := range e.Missing {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DependencyGraph represents a directed acyclic graph of task dependencies.
// Tasks are nodes, and edges represent "blocked by" relationships.
type DependencyGraph struct {
	mu sync.RWMutex
	// nodes maps task ID to the task itself.
	nodes map[string]*models.Task
	// order preserves declaration order for deterministic output.
	order []string
	// edges maps task ID to IDs of tasks it depends on (is blocked by).
	edges map[string][]string
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes:    make(map[string]*models.Task),
		edges:    make(map[string][]string),
		debugLog: func(format string, args ...interface{}) {}, // no-op by default
	}
}

// SetDebugLog sets the debug logging function.
func (g *DependencyGraph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// Build constructs the dependency graph from a slice of tasks.
// Returns a *DanglingError if dependencies reference unknown tasks and a
// *CycleError if a cycle is detected. Nothing is executed here, so callers
// can reject a bad task set before any side effect.
func (g *DependencyGraph) Build(tasks []models.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.debugLog("[graph.Build] building graph from %d tasks", len(tasks))

	// First pass: register all tasks as nodes.
	for i := range tasks {
		task := tasks[i]
		if _, dup := g.nodes[task.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
		}
		g.debugLog("[graph.Build] adding task: id=%s capability=%s depends_on=%v", task.ID, task.Capability, task.DependsOn)
		g.nodes[task.ID] = &task
		g.order = append(g.order, task.ID)
		g.edges[task.ID] = nil
	}

	// Second pass: build edges from DependsOn fields.
	missing := make(map[string][]string)
	for _, id := range g.order {
		for _, depID := range g.nodes[id].DependsOn {
			if _, exists := g.nodes[depID]; !exists {
				missing[id] = append(missing[id], depID)
				continue
			}
			g.edges[id] = append(g.edges[id], depID)
		}
	}
	if len(missing) > 0 {
		return &DanglingError{Missing: missing}
	}

	if cycle := g.findCycleLocked(); cycle != nil {
		return &CycleError{TaskIDs: cycle}
	}

	g.debugLog("[graph.Build] graph built successfully with %d nodes", len(g.nodes))
	return nil
}

// findCycleLocked runs a coloured depth-first search and returns the IDs on
// the first back edge found, or nil. Caller must hold g.mu.
func (g *DependencyGraph) findCycleLocked() []string {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(g.nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		stack = append(stack, id)

		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				// Back edge: the cycle is the stack suffix starting at depID.
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == depID {
						cycle = append([]string(nil), stack[i:]...)
						cycle = append(cycle, depID)
						break
					}
				}
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = 2
		return false
	}

	for _, id := range g.order {
		if colors[id] == 0 && visit(id) {
			return cycle
		}
	}
	return nil
}

// Layers partitions the graph into execution batches. Each batch holds the
// not-yet-layered tasks whose dependencies all sit in earlier batches, in
// declaration order. Concatenating the batches gives a topological order.
func (g *DependencyGraph) Layers() ([][]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	placed := make(map[string]bool, len(g.nodes))
	var layers [][]string

	for len(placed) < len(g.order) {
		var layer []string
		for _, id := range g.order {
			if placed[id] {
				continue
			}
			ready := true
			for _, depID := range g.edges[id] {
				if !placed[depID] {
					ready = false
					break
				}
			}
			if ready {
				layer = append(layer, id)
			}
		}
		if len(layer) == 0 {
			// Tasks remain but none can be extracted.
			var stuck []string
			for _, id := range g.order {
				if !placed[id] {
					stuck = append(stuck, id)
				}
			}
			return nil, &CycleError{TaskIDs: stuck}
		}
		for _, id := range layer {
			placed[id] = true
		}
		g.debugLog("[graph.Layers] batch %d: %v", len(layers), layer)
		layers = append(layers, layer)
	}
	return layers, nil
}

// GetTask returns the task for a given ID, or nil if not found.
func (g *DependencyGraph) GetTask(taskID string) *models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[taskID]
}

// GetDependencies returns the IDs of tasks that the given task depends on.
func (g *DependencyGraph) GetDependencies(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.edges[taskID]...)
}

func (g *DependencyGraph) dependentsLocked(taskID string) []string {
	var dependents []string
	for _, id := range g.order {
		for _, depID := range g.edges[id] {
			if depID == taskID {
				dependents = append(dependents, id)
				break
			}
		}
	}
	return dependents
}

// TransitiveDependents returns every task reachable through dependents of taskID,
// in declaration order.
func (g *DependencyGraph) TransitiveDependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool)
	queue := []string{taskID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dep := range g.dependentsLocked(id) {
			if !seen[dep] {
				seen[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	var out []string
	for _, id := range g.order {
		if seen[id] {
			out = append(out, id)
		}
	}
	return out
}
