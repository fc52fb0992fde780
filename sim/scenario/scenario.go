// Package scenario loads YAML scenario files into a populated sim.Case
// and its initial event set. A scenario file plays the role of the
// external loader the core requires: the description of buses,
// branches, device instances, and scheduled disturbances for one study.
package scenario

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/transient-sim/transient-sim/sim"
)

// Spec is the top-level scenario configuration, loaded from YAML via
// Load(path).
type Spec struct {
	Name     string       `yaml:"name"`
	Horizon  float64      `yaml:"horizon"`
	MaxStep  float64      `yaml:"max_step,omitempty"`
	Observe  []string     `yaml:"observe,omitempty"`
	Buses    []BusSpec    `yaml:"buses"`
	Branches []BranchSpec `yaml:"branches,omitempty"`
	Devices  []DeviceSpec `yaml:"devices,omitempty"`
	Events   []EventSpec  `yaml:"events,omitempty"`
}

// BusSpec declares one bus.
type BusSpec struct {
	ID        string  `yaml:"id"`
	NominalKV float64 `yaml:"nominal_kv"`
}

// BranchSpec declares one branch.
type BranchSpec struct {
	ID        string  `yaml:"id"`
	From      string  `yaml:"from"`
	To        string  `yaml:"to"`
	R         float64 `yaml:"r"`
	X         float64 `yaml:"x"`
	B         float64 `yaml:"b,omitempty"`
	RatingMVA float64 `yaml:"rating_mva,omitempty"`
	OutOfSvc  bool    `yaml:"out_of_service,omitempty"`
}

// DeviceSpec declares one device instance. Exactly one of Bus or Branch
// names the attachment point.
type DeviceSpec struct {
	ID       string         `yaml:"id"`
	Category string         `yaml:"category"`
	Variant  string         `yaml:"variant"`
	Bus      string         `yaml:"bus,omitempty"`
	Branch   string         `yaml:"branch,omitempty"`
	Params   map[string]any `yaml:"params"`
}

// EventSpec declares one scheduled disturbance. Action selects the
// variant; the remaining fields feed it.
type EventSpec struct {
	Time     float64 `yaml:"time"`
	Priority int     `yaml:"priority,omitempty"`
	// Action is one of: set_params, connect, disconnect, apply_fault,
	// clear_fault.
	Action      string         `yaml:"action"`
	Device      string         `yaml:"device,omitempty"`
	Branch      string         `yaml:"branch,omitempty"`
	Bus         string         `yaml:"bus,omitempty"`
	Params      map[string]any `yaml:"params,omitempty"`
	Conductance float64        `yaml:"conductance,omitempty"`
}

// Load reads and parses a scenario file.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a scenario from YAML bytes and checks the structural
// fields the Build step cannot (empty IDs, unknown action names).
func Parse(data []byte) (*Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("scenario: parsing yaml: %w", err)
	}
	if len(spec.Buses) == 0 {
		return nil, fmt.Errorf("scenario: at least one bus is required")
	}
	for i, ev := range spec.Events {
		switch ev.Action {
		case "set_params", "connect", "disconnect", "apply_fault", "clear_fault":
		default:
			return nil, fmt.Errorf("scenario: event %d has unknown action %q", i, ev.Action)
		}
	}
	return &spec, nil
}

// Build materializes the scenario into a Case and its initial event
// set, validating device parameters against reg (nil = the default
// registry). Events are returned unscheduled; the caller hands them to
// the run before starting it.
func (s *Spec) Build(reg *sim.Registry) (*sim.Case, []*sim.Event, error) {
	cs := sim.NewCase(s.Name, reg)
	for _, b := range s.Buses {
		if err := cs.AddBus(sim.Bus{ID: sim.BusID(b.ID), NominalKV: b.NominalKV, V: 1.0}); err != nil {
			return nil, nil, fmt.Errorf("scenario: bus %s: %w", b.ID, err)
		}
	}
	for _, b := range s.Branches {
		err := cs.AddBranch(sim.Branch{
			ID:        sim.BranchID(b.ID),
			From:      sim.BusID(b.From),
			To:        sim.BusID(b.To),
			R:         b.R,
			X:         b.X,
			B:         b.B,
			RatingMVA: b.RatingMVA,
			InService: !b.OutOfSvc,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("scenario: branch %s: %w", b.ID, err)
		}
	}
	for _, d := range s.Devices {
		attach, err := d.attachRef()
		if err != nil {
			return nil, nil, err
		}
		_, err = cs.AttachDevice(sim.DeviceID(d.ID), sim.Category(d.Category), d.Variant, attach, d.Params)
		if err != nil {
			return nil, nil, fmt.Errorf("scenario: device %s: %w", d.ID, err)
		}
	}

	events := make([]*sim.Event, 0, len(s.Events))
	for i, e := range s.Events {
		ev, err := e.build()
		if err != nil {
			return nil, nil, fmt.Errorf("scenario: event %d: %w", i, err)
		}
		events = append(events, ev)
	}
	logrus.Debugf("scenario %q: %d buses, %d branches, %d devices, %d events",
		s.Name, len(s.Buses), len(s.Branches), len(s.Devices), len(s.Events))
	return cs, events, nil
}

func (d DeviceSpec) attachRef() (sim.EntityRef, error) {
	switch {
	case d.Bus != "" && d.Branch != "":
		return sim.EntityRef{}, fmt.Errorf("scenario: device %s names both a bus and a branch attachment", d.ID)
	case d.Bus != "":
		return sim.BusRef(sim.BusID(d.Bus)), nil
	case d.Branch != "":
		return sim.BranchRef(sim.BranchID(d.Branch)), nil
	}
	return sim.EntityRef{}, fmt.Errorf("scenario: device %s has no attachment point", d.ID)
}

func (e EventSpec) build() (*sim.Event, error) {
	ev := &sim.Event{Time: e.Time, Priority: e.Priority}
	switch e.Action {
	case "set_params":
		if e.Device == "" {
			return nil, fmt.Errorf("set_params requires a device")
		}
		if len(e.Params) == 0 {
			return nil, fmt.Errorf("set_params requires params")
		}
		ev.Target = sim.DeviceRef(sim.DeviceID(e.Device))
		ev.Action = &sim.SetParams{Device: sim.DeviceID(e.Device), Params: e.Params}
	case "connect", "disconnect":
		if e.Branch == "" {
			return nil, fmt.Errorf("%s requires a branch", e.Action)
		}
		ev.Target = sim.BranchRef(sim.BranchID(e.Branch))
		ev.Action = &sim.SetBranchStatus{Branch: sim.BranchID(e.Branch), InService: e.Action == "connect"}
	case "apply_fault":
		if e.Bus == "" {
			return nil, fmt.Errorf("apply_fault requires a bus")
		}
		ev.Target = sim.BusRef(sim.BusID(e.Bus))
		ev.Action = &sim.ApplyFault{Bus: sim.BusID(e.Bus), Conductance: e.Conductance}
	case "clear_fault":
		if e.Bus == "" {
			return nil, fmt.Errorf("clear_fault requires a bus")
		}
		ev.Target = sim.BusRef(sim.BusID(e.Bus))
		ev.Action = &sim.ClearFault{Bus: sim.BusID(e.Bus)}
	default:
		return nil, fmt.Errorf("unknown action %q", e.Action)
	}
	return ev, nil
}
