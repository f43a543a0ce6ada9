package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/robfig/cron/v3"
)

// sweepBatch bounds how many executions one sweep evaluates.
const sweepBatch = 50

// Sweeper periodically evaluates finished runs that have not been evaluated.
type Sweeper struct {
	e    *Evaluator
	cron *cron.Cron
}

// NewSweeper schedules Sweep on a cron spec such as "@every 1m" or "*/5 * * * *".
// Overlapping runs are skipped.
func (e *Evaluator) NewSweeper(schedule string) (*Sweeper, error) {
	s := &Sweeper{
		e:    e,
		cron: cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
	if _, err := s.cron.AddFunc(schedule, func() {
		n, err := s.Sweep(context.Background())
		if err != nil {
			log.Printf("[evaluation] sweep failed: %v", err)
			return
		}
		if n > 0 {
			e.debugLog("[evaluation] sweep evaluated %d execution(s)", n)
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start runs the schedule in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep evaluates up to one batch of unevaluated runs, oldest first, and
// returns how many evaluation records it produced. A failure on one run is
// logged and does not stop the sweep.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	pending, err := s.e.store.ListUnevaluated(sweepBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, target := range pending {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		rec, err := s.e.Evaluate(ctx, target.ID, nil)
		if rec != nil {
			n++
		}
		if err != nil && !errors.Is(err, ErrInsufficientHistory) {
			log.Printf("[evaluation] sweep: %s: %v", target.ID, err)
		}
	}
	return n, nil
}
