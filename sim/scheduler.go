package sim

import (
	"container/heap"
	"fmt"
	"sync"
)

// eventHeap implements heap.Interface with deterministic ordering.
// Order by: time -> priority -> insertion sequence.
type eventHeap struct {
	events []*Event
}

func (h *eventHeap) Len() int { return len(h.events) }

func (h *eventHeap) Less(i, j int) bool {
	ei, ej := h.events[i], h.events[j]

	// Primary: scheduled time (earlier first)
	if ei.Time != ej.Time {
		return ei.Time < ej.Time
	}

	// Secondary: priority (lower value executes first)
	if ei.Priority != ej.Priority {
		return ei.Priority < ej.Priority
	}

	// Tertiary: insertion sequence (deterministic tie-breaker)
	return ei.seq < ej.seq
}

func (h *eventHeap) Swap(i, j int) {
	h.events[i], h.events[j] = h.events[j], h.events[i]
}

func (h *eventHeap) Push(x any) {
	h.events = append(h.events, x.(*Event))
}

func (h *eventHeap) Pop() any {
	old := h.events
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	h.events = old[:n-1]
	return item
}

// Scheduler maintains the time-ordered queue of pending events plus the
// set of armed solver-triggered detectors. Replaying the same initial
// event set and the same sequence of reported detections yields an
// identical ordered sequence of applied events; this is the component's
// primary correctness property.
//
// The controller calls Scheduler only at step boundaries; the mutex
// exists so external callers can inject events between steps while a
// run is active.
type Scheduler struct {
	mu        sync.Mutex
	pending   eventHeap
	seq       uint64
	detectors map[string]*Detector
}

// NewScheduler returns an empty Scheduler.
func NewScheduler() *Scheduler {
	s := &Scheduler{detectors: make(map[string]*Detector)}
	heap.Init(&s.pending)
	return s
}

// Schedule inserts an event by (time, priority, insertion order).
// currentTime is the owning run's simulated clock; scheduling strictly
// in the past fails with *PastTimeError. An event at exactly currentTime
// is accepted and becomes due on the next boundary. Detector-produced
// events bypass the past-time check since their time is the crossing
// instant the solver already reached.
func (s *Scheduler) Schedule(ev *Event, currentTime float64) error {
	if ev == nil || ev.Action == nil {
		return fmt.Errorf("sim: cannot schedule a nil event or action")
	}
	if ev.Time < currentTime && ev.DetectorID == "" {
		return &PastTimeError{EventTime: ev.Time, CurrentTime: currentTime}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.seq = s.seq
	s.seq++
	heap.Push(&s.pending, ev)
	return nil
}

// Due removes and returns, in deterministic order, every pending event
// whose time is at or before t. Each event is returned exactly once.
// The controller exhausts the returned sequence before advancing the
// solver past t.
func (s *Scheduler) Due(t float64) []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*Event
	for s.pending.Len() > 0 && s.pending.events[0].Time <= t {
		due = append(due, heap.Pop(&s.pending).(*Event))
	}
	return due
}

// NextTime returns the time of the earliest pending event, if any.
func (s *Scheduler) NextTime() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending.Len() == 0 {
		return 0, false
	}
	return s.pending.events[0].Time, true
}

// Pending returns the number of pending events.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

// ArmDetector registers a solver-triggered detector. Re-arming an ID
// replaces the previous registration.
func (s *Scheduler) ArmDetector(d *Detector) error {
	if d == nil || d.ID == "" || d.Action == nil {
		return fmt.Errorf("sim: detector must have an id and an action")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	armed := *d
	armed.armed = true
	s.detectors[d.ID] = &armed
	return nil
}

// DetectorIDs returns the IDs of currently armed detectors.
func (s *Scheduler) DetectorIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.detectors))
	for id, d := range s.detectors {
		if d.armed {
			ids = append(ids, id)
		}
	}
	return ids
}

// ReportDetection converts a solver-signalled threshold crossing into an
// immediately-due Event at the crossing time. The detector re-arms
// unless marked one-shot. Unknown detector IDs are a configuration
// fault of the solver wiring and surface as errors.
func (s *Scheduler) ReportDetection(detectorID string, t float64) (*Event, error) {
	s.mu.Lock()
	d, ok := s.detectors[detectorID]
	if !ok || !d.armed {
		s.mu.Unlock()
		return nil, fmt.Errorf("sim: solver reported unknown or disarmed detector %q", detectorID)
	}
	if d.OneShot {
		d.armed = false
	}
	ev := &Event{
		Time:       t,
		Target:     d.Target,
		Action:     d.Action,
		DetectorID: d.ID,
		seq:        s.seq,
	}
	s.seq++
	s.mu.Unlock()
	d.logFired(t)
	return ev, nil
}
