package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Ensemble executes multiple independent runs in parallel, one goroutine
// per run. Runs share no mutable state; each must be bound to a distinct
// Case. Typical use is parameter-sweep studies where each case carries a
// different device parameterization.
type Ensemble struct {
	runs []*Run
}

// NewEnsemble groups runs for parallel execution. It rejects two runs
// over the same Case, which would violate the one-run-per-case rule.
func NewEnsemble(runs ...*Run) (*Ensemble, error) {
	if len(runs) == 0 {
		return nil, fmt.Errorf("sim: ensemble needs at least one run")
	}
	seen := make(map[*Case]bool, len(runs))
	for _, r := range runs {
		if r == nil {
			return nil, fmt.Errorf("sim: ensemble run must not be nil")
		}
		if seen[r.cs] {
			return nil, fmt.Errorf("sim: case %q appears in two ensemble runs", r.cs.Name)
		}
		seen[r.cs] = true
	}
	return &Ensemble{runs: runs}, nil
}

// Runs returns the member runs in order.
func (e *Ensemble) Runs() []*Run { return e.runs }

// Start launches all member runs concurrently and blocks until every
// run finishes. Per-run failures do not stop sibling runs; the first
// error encountered (in member order) is returned, and each run's own
// Status and Failure remain inspectable.
func (e *Ensemble) Start(ctx context.Context) error {
	errs := make([]error, len(e.runs))
	var wg sync.WaitGroup
	for i, r := range e.runs {
		wg.Add(1)
		go func(i int, r *Run) {
			defer wg.Done()
			errs[i] = r.Start(ctx)
		}(i, r)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			logrus.Warnf("ensemble member %d (%s) failed: %v", i, e.runs[i].ID, err)
			return err
		}
	}
	return nil
}
