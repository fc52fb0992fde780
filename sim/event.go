package sim

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// Action is the discrete modification an Event carries. Apply mutates
// both the Case (so observers see a consistent description) and the
// solver's live state through the stepping protocol. Actions run only at
// step boundaries; the controller is the sole caller.
type Action interface {
	Apply(c *Case, s Solver, h SolverHandle) error
	Describe() string
}

// SetParams updates a device's parameter map and pokes each changed key
// into the solver. The RAMSES CHGPRM disturbance maps onto this action.
// Keys are poked in sorted order, and the case commits only after every
// poke is accepted, so a rejected poke leaves the case unchanged.
type SetParams struct {
	Device DeviceID
	Params map[string]any
}

func (a *SetParams) Apply(c *Case, s Solver, h SolverHandle) error {
	if err := c.validateParameterDelta(a.Device, a.Params); err != nil {
		return err
	}
	keys := make([]string, 0, len(a.Params))
	for key := range a.Params {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := s.PokeParameter(h, a.Device, key, a.Params[key]); err != nil {
			return err
		}
	}
	return c.UpdateParameters(a.Device, a.Params)
}

func (a *SetParams) Describe() string {
	return fmt.Sprintf("set %d parameter(s) on device %s", len(a.Params), a.Device)
}

// SetBranchStatus connects or disconnects a branch.
type SetBranchStatus struct {
	Branch    BranchID
	InService bool
}

func (a *SetBranchStatus) Apply(c *Case, s Solver, h SolverHandle) error {
	if err := c.setBranchStatus(a.Branch, a.InService); err != nil {
		return err
	}
	return s.ApplyTopologyChange(h, TopologyChange{
		Kind:      TopologyBranchStatus,
		Branch:    a.Branch,
		InService: a.InService,
	})
}

func (a *SetBranchStatus) Describe() string {
	verb := "disconnect"
	if a.InService {
		verb = "connect"
	}
	return fmt.Sprintf("%s branch %s", verb, a.Branch)
}

// ApplyFault places a shunt fault at a bus.
type ApplyFault struct {
	Bus         BusID
	Conductance float64 // pu fault admittance; larger = more severe
}

func (a *ApplyFault) Apply(c *Case, s Solver, h SolverHandle) error {
	if !c.HasTarget(BusRef(a.Bus)) {
		return &UnknownTargetError{Target: BusRef(a.Bus)}
	}
	return s.ApplyTopologyChange(h, TopologyChange{
		Kind:             TopologyFault,
		Bus:              a.Bus,
		ApplyFault:       true,
		FaultConductance: a.Conductance,
	})
}

func (a *ApplyFault) Describe() string {
	return fmt.Sprintf("apply fault at bus %s (g=%.3g pu)", a.Bus, a.Conductance)
}

// ClearFault removes the fault previously applied at a bus.
type ClearFault struct {
	Bus BusID
}

func (a *ClearFault) Apply(c *Case, s Solver, h SolverHandle) error {
	if !c.HasTarget(BusRef(a.Bus)) {
		return &UnknownTargetError{Target: BusRef(a.Bus)}
	}
	return s.ApplyTopologyChange(h, TopologyChange{
		Kind:       TopologyFault,
		Bus:        a.Bus,
		ApplyFault: false,
	})
}

func (a *ClearFault) Describe() string {
	return fmt.Sprintf("clear fault at bus %s", a.Bus)
}

// An Event is a scheduled discrete action. Events are consumed exactly
// once; simultaneous events order by (Time, Priority, insertion), lower
// priority value first.
type Event struct {
	// Time is the simulated instant at which the action applies.
	// Detector-produced events carry the crossing time reported by the
	// solver.
	Time float64
	// Priority breaks ties between events at the same instant; lower
	// values execute first. Equal priorities fall back to insertion
	// order.
	Priority int
	Target   EntityRef
	Action   Action

	// DetectorID is nonempty when this event was converted from a
	// solver-reported threshold crossing.
	DetectorID string

	// seq is the scheduler-assigned insertion sequence; it makes the
	// heap ordering total and therefore deterministic.
	seq uint64
}

func (e *Event) String() string {
	if e.DetectorID != "" {
		return fmt.Sprintf("detector %s at t=%.6fs: %s", e.DetectorID, e.Time, e.Action.Describe())
	}
	return fmt.Sprintf("event at t=%.6fs prio=%d: %s", e.Time, e.Priority, e.Action.Describe())
}

// Detector is an armed solver-side trigger. When the solver stops early
// reporting the detector's ID, the scheduler converts the detection into
// an immediately-due Event carrying Action. Detectors re-arm after
// firing unless OneShot.
type Detector struct {
	ID      string
	Target  EntityRef
	Action  Action
	OneShot bool

	armed bool
}

func (d *Detector) logFired(t float64) {
	logrus.Infof("detector %s fired at t=%.6fs", d.ID, t)
}
