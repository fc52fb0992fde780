package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Status is the lifecycle state of a Run.
type Status int

const (
	StatusIdle Status = iota
	StatusRunning
	StatusPaused
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Run orchestrates one simulation: it initializes the case with the
// solver, steps time forward, applies due events at step boundaries,
// converts solver-reported detections, and records results
// incrementally.
//
// A Run binds exactly one Case; binding fails if the Case already
// belongs to another run. Stepping, event application, and result
// recording are strictly sequential within a step. External callers may
// inject events or parameter updates between steps and may query the
// result store concurrently at any time.
type Run struct {
	ID uuid.UUID

	cs     *Case
	solver Solver
	sched  *Scheduler
	store  *ResultStore

	mu     sync.Mutex
	cond   *sync.Cond
	cfg    RunConfig
	status Status
	clock  float64
	handle SolverHandle

	pauseReq  bool
	cancelReq bool
	pauseAt   float64

	failure  error
	failTime float64
	stats    Stats
}

// NewRun binds a Case to a new run. Fails with ErrCaseBound when the
// case already belongs to another run.
func NewRun(cs *Case, solver Solver, cfg RunConfig) (*Run, error) {
	if cs == nil {
		return nil, fmt.Errorf("sim: run requires a case")
	}
	if solver == nil {
		return nil, fmt.Errorf("sim: run requires a solver")
	}
	if err := cs.bind(); err != nil {
		return nil, err
	}
	r := &Run{
		ID:      uuid.New(),
		cs:      cs,
		solver:  solver,
		sched:   NewScheduler(),
		store:   NewResultStore(),
		cfg:     cfg.withDefaults(),
		status:  StatusIdle,
		pauseAt: math.Inf(1),
	}
	r.cond = sync.NewCond(&r.mu)
	return r, nil
}

// Case returns the bound case.
func (r *Run) Case() *Case { return r.cs }

// Scheduler returns the run's event scheduler. Mutations are safe
// between steps; the controller reads it only at step boundaries.
func (r *Run) Scheduler() *Scheduler { return r.sched }

// Results returns the run's result store for concurrent read-only
// observation.
func (r *Run) Results() *ResultStore { return r.store }

// Status returns the current lifecycle state.
func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Clock returns the current simulated time in seconds.
func (r *Run) Clock() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clock
}

// Stats returns a copy of the run's counters.
func (r *Run) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Failure returns the error that moved the run to Failed, with the
// last-known consistent simulated time.
func (r *Run) Failure() (error, float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failure, r.failTime
}

// Schedule injects an event, validating its time against the run's
// current clock. Safe to call while the run is active; the event is
// picked up at the next step boundary.
func (r *Run) Schedule(ev *Event) error {
	r.mu.Lock()
	now := r.clock
	r.mu.Unlock()
	return r.sched.Schedule(ev, now)
}

// ArmDetector registers a solver-triggered detector with the run's
// scheduler.
func (r *Run) ArmDetector(d *Detector) error {
	return r.sched.ArmDetector(d)
}

// Pause requests a cooperative pause; it takes effect at the next step
// boundary, never mid-integration.
func (r *Run) Pause() {
	r.mu.Lock()
	r.pauseReq = true
	r.mu.Unlock()
}

// PauseAt schedules a pause once simulated time reaches t. The stepping
// loop will not integrate past t before pausing.
func (r *Run) PauseAt(t float64) {
	r.mu.Lock()
	r.pauseAt = t
	r.mu.Unlock()
}

// Resume continues a paused run.
func (r *Run) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusPaused {
		return ErrRunNotPaused
	}
	r.pauseReq = false
	r.status = StatusRunning
	r.cond.Broadcast()
	return nil
}

// Cancel aborts the run at the next step boundary. The result store and
// case keep the state reached by the last fully completed step.
func (r *Run) Cancel() {
	r.mu.Lock()
	r.cancelReq = true
	r.cond.Broadcast()
	r.mu.Unlock()
}

// Start initializes the solver from a case snapshot and drives the
// stepping loop until the horizon, a failure, or cancellation. It blocks
// for the duration of the run; Pause, Resume, Cancel, and Schedule are
// safe to call from other goroutines. Context cancellation behaves like
// Cancel.
func (r *Run) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.status != StatusIdle {
		r.mu.Unlock()
		return ErrRunNotIdle
	}
	r.mu.Unlock()

	handle, err := r.solver.Initialize(r.cs.Snapshot())
	if err != nil {
		return fmt.Errorf("sim: run %s: %w", r.ID, err)
	}

	r.mu.Lock()
	r.handle = handle
	r.status = StatusRunning
	r.mu.Unlock()
	r.cs.freeze()

	logrus.Infof("run %s started: horizon=%.4fs maxStep=%.4gs", r.ID, r.cfg.Horizon, r.cfg.MaxStep)

	started := time.Now()
	// Initial integration point, then any events already due at t=0.
	if err := r.recordSample(); err != nil {
		return r.fail(err)
	}
	if _, err := r.applyDue(); err != nil {
		return err
	}
	err = r.loop(ctx)
	r.mu.Lock()
	r.stats.WallDuration += time.Since(started)
	r.mu.Unlock()
	return err
}

// RetryFrom resumes a Failed run with an adjusted step hint. The resume
// time must not precede the last recorded sample (results are
// append-only) and must not exceed the failure time. The solver handle
// is assumed to still hold the last consistent state.
func (r *Run) RetryFrom(ctx context.Context, t float64, stepHint float64) error {
	r.mu.Lock()
	if r.status != StatusFailed {
		r.mu.Unlock()
		return ErrRunNotFailed
	}
	if t > r.failTime {
		r.mu.Unlock()
		return fmt.Errorf("sim: retry time %.6fs is past the failure time %.6fs", t, r.failTime)
	}
	r.mu.Unlock()
	if last, ok := r.store.Last(); ok && t < last.Time {
		return fmt.Errorf("sim: retry time %.6fs precedes last recorded sample at %.6fs", t, last.Time)
	}
	r.mu.Lock()
	r.clock = t
	if stepHint > 0 {
		r.cfg.MaxStep = stepHint
	}
	r.failure = nil
	r.status = StatusRunning
	r.mu.Unlock()
	logrus.Infof("run %s retrying from t=%.6fs with step hint %.4gs", r.ID, t, stepHint)

	started := time.Now()
	err := r.loop(ctx)
	r.mu.Lock()
	r.stats.WallDuration += time.Since(started)
	r.mu.Unlock()
	return err
}

// Close releases the case binding and disposes the solver handle. The
// result store stays readable until the Run itself is discarded.
func (r *Run) Close() {
	r.mu.Lock()
	handle := r.handle
	r.handle = nil
	r.mu.Unlock()
	if handle != nil {
		r.solver.Dispose(handle)
	}
	r.cs.release()
}

// loop drives steps until the horizon is reached or the run stops.
func (r *Run) loop(ctx context.Context) error {
	for {
		if stop, err := r.boundary(ctx); stop {
			return err
		}
		done, err := r.step()
		if err != nil {
			return err
		}
		if done {
			r.mu.Lock()
			r.status = StatusCompleted
			final := r.clock
			r.mu.Unlock()
			logrus.Infof("run %s completed at t=%.6fs", r.ID, final)
			return nil
		}
	}
}

// boundary handles pause and cancellation requests between steps.
// Returns stop=true when the loop must exit.
func (r *Run) boundary(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if r.cancelReq || ctx.Err() != nil {
			// Abort at the boundary: everything up to the last
			// completed step stays visible, nothing partial does.
			r.status = StatusCompleted
			logrus.Infof("run %s canceled at t=%.6fs", r.ID, r.clock)
			return true, nil
		}
		if r.clock >= r.pauseAt {
			r.pauseAt = math.Inf(1)
			r.pauseReq = true
		}
		if !r.pauseReq {
			return false, nil
		}
		r.status = StatusPaused
		logrus.Infof("run %s paused at t=%.6fs", r.ID, r.clock)
		for r.status == StatusPaused && !r.cancelReq {
			r.cond.Wait()
		}
	}
}

// step performs one controller iteration: pick the candidate stopping
// time, integrate, then handle either an early detector stop or the
// events due at the reached time. Returns done=true once the horizon is
// reached.
func (r *Run) step() (bool, error) {
	r.mu.Lock()
	from := r.clock
	candidate := math.Min(from+r.cfg.MaxStep, r.cfg.Horizon)
	if r.pauseAt < candidate {
		candidate = r.pauseAt
	}
	handle := r.handle
	r.mu.Unlock()
	if next, ok := r.sched.NextTime(); ok && next < candidate {
		candidate = next
	}

	res, err := r.solver.Integrate(handle, from, candidate)
	if err != nil {
		var nf *NumericalFailure
		if errors.As(err, &nf) {
			return false, r.fail(err)
		}
		return false, r.fail(fmt.Errorf("sim: solver error during integrate: %w", err))
	}

	r.mu.Lock()
	r.clock = res.ReachedTime
	r.stats.Steps++
	r.mu.Unlock()

	// One sample per completed integration point. When a discrete event
	// applies at this same instant, this is the "before" half of the
	// pair across the discontinuity.
	if err := r.recordSample(); err != nil {
		return false, r.fail(err)
	}

	if res.StoppedEarly {
		logrus.Infof("run %s: solver stopped early at t=%.6fs (detector %s)", r.ID, res.ReachedTime, res.DetectorID)
		ev, derr := r.sched.ReportDetection(res.DetectorID, res.ReachedTime)
		if derr != nil {
			return false, r.fail(derr)
		}
		r.mu.Lock()
		r.stats.Detections++
		r.mu.Unlock()
		// Scheduled events at this exact instant apply before the
		// detection.
		if _, err := r.applyDue(); err != nil {
			return false, err
		}
		if err := r.applyEvent(ev); err != nil {
			return false, err
		}
		return false, nil
	}

	applied, err := r.applyDue()
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	done := r.clock >= r.cfg.Horizon
	r.mu.Unlock()
	if !done && applied == 0 && res.ReachedTime == from {
		// The solver made no progress and no discrete activity remains:
		// the run cannot advance further.
		logrus.Warnf("run %s: no further progress possible at t=%.6fs", r.ID, from)
		return true, nil
	}
	return done, nil
}

// applyDue drains and applies every event due at the current clock,
// returning how many were consumed.
func (r *Run) applyDue() (int, error) {
	r.mu.Lock()
	now := r.clock
	r.mu.Unlock()
	due := r.sched.Due(now)
	for _, ev := range due {
		if err := r.applyEvent(ev); err != nil {
			return len(due), err
		}
	}
	return len(due), nil
}

// applyEvent applies one event to the case and the solver's live state,
// recording the "after" sample at the event's timestamp. Validation and
// solver-rejection errors skip the event and keep the run going; an
// event referencing a nonexistent entity is a fatal configuration error
// and aborts the run.
func (r *Run) applyEvent(ev *Event) error {
	r.mu.Lock()
	handle := r.handle
	r.mu.Unlock()

	logrus.Infof("run %s: applying %s", r.ID, ev)
	err := ev.Action.Apply(r.cs, r.solver, handle)
	switch {
	case err == nil:
		r.mu.Lock()
		r.stats.EventsApplied++
		r.mu.Unlock()
		return r.recordOrFail()
	case isRecoverable(err):
		logrus.Warnf("run %s: skipping event (%s): %v", r.ID, ev.Action.Describe(), err)
		r.mu.Lock()
		r.stats.EventsSkipped++
		r.mu.Unlock()
		return nil
	default:
		return r.fail(fmt.Errorf("sim: fatal error applying %s: %w", ev.Action.Describe(), err))
	}
}

// isRecoverable classifies event-application errors per the error
// taxonomy: bad parameters and live-state rejections skip the single
// offending action; anything else (notably unknown targets) is fatal.
func isRecoverable(err error) bool {
	var verr *ValidationError
	var rerr *RejectedError
	return errors.As(err, &verr) || errors.As(err, &rerr)
}

func (r *Run) recordOrFail() error {
	if err := r.recordSample(); err != nil {
		return r.fail(err)
	}
	return nil
}

// recordSample reads the configured observables from the solver and
// appends one sample at the current clock, mirroring bus voltage state
// back onto the case.
func (r *Run) recordSample() error {
	r.mu.Lock()
	handle := r.handle
	now := r.clock
	ids := r.cfg.Observables
	r.mu.Unlock()

	values, err := r.solver.ReadState(handle, ids)
	if err != nil {
		return fmt.Errorf("sim: reading observables at t=%.6fs: %w", now, err)
	}
	r.syncBusState(values)
	if err := r.store.Record(Sample{Time: now, Values: values}); err != nil {
		return err
	}
	r.mu.Lock()
	r.stats.SamplesRecorded++
	r.mu.Unlock()
	return nil
}

// syncBusState mirrors solver-reported bus quantities ("bus:<id>:v",
// "bus:<id>:angle") onto the case's bus state. The solver remains the
// only writer of electrical state; the case copy exists for observers.
func (r *Run) syncBusState(values map[string]float64) {
	for id, v := range values {
		parts := strings.Split(id, ":")
		if len(parts) != 3 || parts[0] != "bus" {
			continue
		}
		bus := BusID(parts[1])
		switch parts[2] {
		case "v":
			if b, ok := r.cs.Bus(bus); ok {
				r.cs.updateBusState(bus, v, b.Angle)
			}
		case "angle":
			if b, ok := r.cs.Bus(bus); ok {
				r.cs.updateBusState(bus, b.V, v)
			}
		}
	}
}

// fail transitions the run to Failed, retaining the last-known
// consistent simulated time for inspection and RetryFrom.
func (r *Run) fail(err error) error {
	r.mu.Lock()
	r.status = StatusFailed
	r.failure = err
	r.failTime = r.clock
	r.mu.Unlock()
	logrus.Errorf("run %s failed at t=%.6fs: %v", r.ID, r.failTime, err)
	return err
}
