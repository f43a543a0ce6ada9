package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotActive is returned by Cancel for an execution that is not running in
// this process.
var ErrNotActive = errors.New("execution is not active")

// ActiveExecution describes a run that is currently in progress.
type ActiveExecution struct {
	ID        string
	ParentID  string
	CallerID  string
	Signature string
	Tasks     int
	StartedAt time.Time
}

type activeEntry struct {
	info   ActiveExecution
	cancel context.CancelFunc
}

// activeTable tracks in-progress runs. An entry is inserted when a run enters
// in_progress and removed once it reaches a terminal state.
type activeTable struct {
	mu      sync.RWMutex
	entries map[string]*activeEntry
}

func newActiveTable() *activeTable {
	return &activeTable{entries: make(map[string]*activeEntry)}
}

func (t *activeTable) put(info ActiveExecution, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[info.ID] = &activeEntry{info: info, cancel: cancel}
}

func (t *activeTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// cancel signals the run. The entry stays until the run records its terminal state.
func (t *activeTable) cancel(id string) bool {
	t.mu.RLock()
	e, ok := t.entries[id]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	e.cancel()
	return true
}

// cancelAll signals every active run and returns how many there were.
func (t *activeTable) cancelAll() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		e.cancel()
	}
	return len(t.entries)
}

// list returns the active runs, oldest first.
func (t *activeTable) list() []ActiveExecution {
	t.mu.RLock()
	out := make([]ActiveExecution, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.info)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (t *activeTable) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
