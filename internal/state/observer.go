package state

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ShayCichocki/switchyard/pkg/models"
)

// StatusChange describes one lifecycle transition of an execution.
// From is empty for newly created records.
type StatusChange struct {
	ExecutionID string
	CallerID    string
	Type        models.WorkflowType
	From        models.ExecutionStatus
	To          models.ExecutionStatus
	At          time.Time
}

// StatusFilter selects which changes a subscriber receives. Zero fields match everything.
type StatusFilter struct {
	Types    []models.WorkflowType
	Statuses []models.ExecutionStatus
	CallerID string
}

// Match reports whether c passes the filter.
func (f StatusFilter) Match(c StatusChange) bool {
	if f.CallerID != "" && f.CallerID != c.CallerID {
		return false
	}
	if len(f.Types) > 0 && !contains(f.Types, c.Type) {
		return false
	}
	if len(f.Statuses) > 0 && !contains(f.Statuses, c.To) {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

const subscriberBuffer = 256

type subscriber struct {
	filter StatusFilter
	ch     chan StatusChange
	done   chan struct{}
}

// observerSet fans status changes out to subscribers. Each subscriber has its
// own buffered queue and goroutine, so a slow callback never blocks a writer.
type observerSet struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[int]*subscriber
	dropped atomic.Uint64
}

func newObserverSet() *observerSet {
	return &observerSet{subs: make(map[int]*subscriber)}
}

func (o *observerSet) add(filter StatusFilter, cb func(StatusChange)) func() {
	s := &subscriber{
		filter: filter,
		ch:     make(chan StatusChange, subscriberBuffer),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		for c := range s.ch {
			cb(c)
		}
	}()

	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.subs[id] = s
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			_, live := o.subs[id]
			delete(o.subs, id)
			if live {
				close(s.ch)
			}
			o.mu.Unlock()
			<-s.done
		})
	}
}

func (o *observerSet) emit(c StatusChange) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, s := range o.subs {
		if !s.filter.Match(c) {
			continue
		}
		select {
		case s.ch <- c:
		default:
			count := o.dropped.Add(1)
			if count%10 == 1 {
				log.Printf("[state] WARNING: status subscriber full, dropped change (total dropped: %d): %s -> %s", count, c.ExecutionID, c.To)
			}
		}
	}
}

func (o *observerSet) closeAll() {
	o.mu.Lock()
	subs := o.subs
	o.subs = make(map[int]*subscriber)
	for _, s := range subs {
		close(s.ch)
	}
	o.mu.Unlock()
	for _, s := range subs {
		<-s.done
	}
}

// OnStatusChange registers cb for status changes that match filter. Callbacks
// run on a dedicated goroutine per subscriber, in commit order. The returned
// function unsubscribes and waits for queued callbacks to finish.
func (db *DB) OnStatusChange(filter StatusFilter, cb func(StatusChange)) (unsubscribe func()) {
	return db.observers.add(filter, cb)
}

// DroppedStatusChanges returns how many changes were discarded because a subscriber was full.
func (db *DB) DroppedStatusChanges() uint64 {
	return db.observers.dropped.Load()
}
