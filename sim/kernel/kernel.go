// Package kernel provides a reference implementation of the sim.Solver
// stepping protocol: a fixed-step engine with first-order device
// dynamics, a linearized network solve, and threshold detectors with
// interpolated crossing times. It stands in for a production DAE kernel
// in tests and examples; nothing in the core couples to it beyond the
// protocol.
package kernel

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/transient-sim/transient-sim/sim"
)

// Detector is a kernel-side threshold watcher. The engine stops an
// Integrate call at the interpolated instant the watched quantity
// crosses Threshold in the configured direction and reports ID back to
// the controller, which converts it into a due event.
type Detector struct {
	ID        string
	Quantity  string  // quantity ID, e.g. "bus:N1:v"
	Threshold float64 // crossing level
	Rising    bool    // true: fire on upward crossing; false: downward
}

// Config holds the engine's numerical settings.
type Config struct {
	// DT is the internal integration step in seconds.
	DT float64
	// ShuntG is the per-bus self-conductance anchoring the network
	// solve (keeps the admittance matrix nonsingular).
	ShuntG float64
	// Detectors are armed for every handle the engine initializes.
	Detectors []Detector
}

func (c Config) withDefaults() Config {
	if c.DT <= 0 {
		c.DT = 1e-3
	}
	if c.ShuntG <= 0 {
		c.ShuntG = 10.0
	}
	return c
}

// Engine implements sim.Solver. One Engine may initialize several
// independent handles; each handle owns its whole state, so parallel
// runs over distinct cases are safe.
type Engine struct {
	cfg Config
}

// New returns an Engine with the given configuration.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg.withDefaults()}
}

// deviceState is the continuous state of one device: a first-order lag
// tracking its setpoint parameter.
type deviceState struct {
	dev      sim.DeviceInstance
	x        float64 // present output
	setpoint float64
	tau      float64 // lag time constant (s)
}

// detectorState tracks the last observed side of the threshold so a
// detector fires on transitions only.
type detectorState struct {
	def  Detector
	prev float64
	init bool
}

type instance struct {
	cfg      Config
	snap     *sim.CaseSnapshot
	busIdx   map[sim.BusID]int
	branches map[sim.BranchID]*sim.Branch
	devices  map[sim.DeviceID]*deviceState
	// brOrder and devOrder fix the iteration order of the network
	// assembly; map ranging would make the floating-point summation
	// order, and so the solved voltages, vary between replays.
	brOrder  []sim.BranchID
	devOrder []sim.DeviceID
	faults   map[sim.BusID]float64 // active fault conductances
	volts    []float64             // last solved bus voltages
	dets     []*detectorState
	disposed bool
}

// Initialize builds a private instance from the case snapshot and
// solves the initial network state.
func (e *Engine) Initialize(snap *sim.CaseSnapshot) (sim.SolverHandle, error) {
	if snap == nil || len(snap.Buses) == 0 {
		return nil, &sim.InitializationError{Detail: "case has no buses"}
	}
	inst := &instance{
		cfg:      e.cfg,
		snap:     snap,
		busIdx:   make(map[sim.BusID]int, len(snap.Buses)),
		branches: make(map[sim.BranchID]*sim.Branch, len(snap.Branches)),
		devices:  make(map[sim.DeviceID]*deviceState, len(snap.Devices)),
		faults:   make(map[sim.BusID]float64),
	}
	for i, b := range snap.Buses {
		inst.busIdx[b.ID] = i
	}
	for i := range snap.Branches {
		br := snap.Branches[i]
		if _, ok := inst.busIdx[br.From]; !ok {
			return nil, &sim.InitializationError{Detail: fmt.Sprintf("branch %s references unknown bus %s", br.ID, br.From)}
		}
		if _, ok := inst.busIdx[br.To]; !ok {
			return nil, &sim.InitializationError{Detail: fmt.Sprintf("branch %s references unknown bus %s", br.ID, br.To)}
		}
		inst.branches[br.ID] = &br
		inst.brOrder = append(inst.brOrder, br.ID)
	}
	for _, d := range snap.Devices {
		ds := newDeviceState(d)
		inst.devices[d.ID] = ds
		inst.devOrder = append(inst.devOrder, d.ID)
	}
	for _, def := range e.cfg.Detectors {
		inst.dets = append(inst.dets, &detectorState{def: def})
	}
	if err := inst.solveNetwork(); err != nil {
		return nil, &sim.InitializationError{Detail: err.Error()}
	}
	inst.primeDetectors()
	logrus.Debugf("kernel: initialized case %q (%d buses, %d branches, %d devices)",
		snap.Name, len(snap.Buses), len(snap.Branches), len(snap.Devices))
	return inst, nil
}

// newDeviceState derives the first-order model from the instance's
// parameter set. The setpoint key depends on the category, matching the
// builtin schemas.
func newDeviceState(d sim.DeviceInstance) *deviceState {
	ds := &deviceState{dev: d, tau: 0.05}
	switch d.Category {
	case sim.CategoryGovernor:
		ds.setpoint = numParam(d.Params, "Pm0", 0)
		ds.tau = numParam(d.Params, "T1", 0.5)
	case sim.CategoryExciter:
		ds.setpoint = numParam(d.Params, "V0", 1.0)
		ds.tau = numParam(d.Params, "Ta", numParam(d.Params, "T", 0.05))
	case sim.CategoryTwoPort:
		ds.setpoint = numParam(d.Params, "Pdc", 0)
		ds.tau = numParam(d.Params, "Tdc", 0.1)
	default:
		ds.setpoint = numParam(d.Params, "P", 0)
		ds.tau = numParam(d.Params, "T", 0.05)
	}
	// Devices start at their setpoint: steady-state initialization.
	ds.x = ds.setpoint
	return ds
}

func numParam(params map[string]any, key string, def float64) float64 {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	}
	return def
}

// Integrate marches the instance from fromTime to toTime in fixed DT
// substeps, stopping early at the interpolated instant a detector
// fires. Divergent state surfaces as *sim.NumericalFailure.
func (e *Engine) Integrate(h sim.SolverHandle, fromTime, toTime float64) (sim.StepResult, error) {
	inst, err := e.inst(h)
	if err != nil {
		return sim.StepResult{}, err
	}
	if toTime <= fromTime {
		return sim.StepResult{ReachedTime: fromTime}, nil
	}

	t := fromTime
	saved := make([]float64, len(inst.devOrder))
	for t < toTime {
		dt := math.Min(inst.cfg.DT, toTime-t)
		inst.saveDeviceStates(saved)
		if err := inst.advance(dt); err != nil {
			return sim.StepResult{}, &sim.NumericalFailure{Time: t, Reason: err.Error()}
		}
		if id, frac, fired := inst.checkDetectors(); fired {
			tc := t + frac*dt
			// Rewind to the crossing instant: the exponential update is
			// exact for any dt, so re-advancing the fraction lands the
			// state on tc rather than the full substep, and the resumed
			// call does not integrate the [tc, t+dt] fragment twice.
			if frac < 1 {
				inst.restoreDeviceStates(saved)
				if err := inst.advance(frac * dt); err != nil {
					return sim.StepResult{}, &sim.NumericalFailure{Time: t, Reason: err.Error()}
				}
			}
			return sim.StepResult{ReachedTime: tc, StoppedEarly: true, DetectorID: id}, nil
		}
		t += dt
	}
	return sim.StepResult{ReachedTime: toTime}, nil
}

func (inst *instance) saveDeviceStates(dst []float64) {
	for i, id := range inst.devOrder {
		dst[i] = inst.devices[id].x
	}
}

func (inst *instance) restoreDeviceStates(src []float64) {
	for i, id := range inst.devOrder {
		inst.devices[id].x = src[i]
	}
}

// PokeParameter updates a device's live parameter, re-deriving the
// first-order model so setpoint and time-constant changes take effect
// immediately without resetting the state.
func (e *Engine) PokeParameter(h sim.SolverHandle, device sim.DeviceID, key string, value any) error {
	inst, err := e.inst(h)
	if err != nil {
		return err
	}
	ds, ok := inst.devices[device]
	if !ok {
		return &sim.RejectedError{Op: "poke", Detail: fmt.Sprintf("unknown device %s", device)}
	}
	num, ok := toFloat(value)
	if !ok {
		// Non-numeric parameters (e.g. discrete-controller modes) are
		// stored but do not feed the continuous model.
		ds.dev.Params[key] = value
		return nil
	}
	ds.dev.Params[key] = num
	prevX := ds.x
	*ds = *newDeviceState(ds.dev)
	ds.x = prevX
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// ApplyTopologyChange switches branches or applies/clears bus faults on
// the live network.
func (e *Engine) ApplyTopologyChange(h sim.SolverHandle, change sim.TopologyChange) error {
	inst, err := e.inst(h)
	if err != nil {
		return err
	}
	switch change.Kind {
	case sim.TopologyBranchStatus:
		br, ok := inst.branches[change.Branch]
		if !ok {
			return &sim.RejectedError{Op: "topology", Detail: fmt.Sprintf("unknown branch %s", change.Branch)}
		}
		br.InService = change.InService
	case sim.TopologyFault:
		if _, ok := inst.busIdx[change.Bus]; !ok {
			return &sim.RejectedError{Op: "topology", Detail: fmt.Sprintf("unknown bus %s", change.Bus)}
		}
		if change.ApplyFault {
			inst.faults[change.Bus] = change.FaultConductance
		} else {
			delete(inst.faults, change.Bus)
		}
	default:
		return &sim.RejectedError{Op: "topology", Detail: "unrecognized change kind"}
	}
	return inst.solveNetwork()
}

// ReadState evaluates the requested quantity IDs. Supported forms:
// "bus:<id>:v", "bus:<id>:angle", "dev:<id>:out", "branch:<id>:p".
// A nil or empty request returns every bus voltage and device output.
func (e *Engine) ReadState(h sim.SolverHandle, quantityIDs []string) (map[string]float64, error) {
	inst, err := e.inst(h)
	if err != nil {
		return nil, err
	}
	if len(quantityIDs) == 0 {
		out := make(map[string]float64, len(inst.snap.Buses)+len(inst.devOrder))
		for _, b := range inst.snap.Buses {
			out[fmt.Sprintf("bus:%s:v", b.ID)] = inst.volts[inst.busIdx[b.ID]]
		}
		for _, id := range inst.devOrder {
			out[fmt.Sprintf("dev:%s:out", id)] = inst.devices[id].x
		}
		return out, nil
	}
	out := make(map[string]float64, len(quantityIDs))
	for _, q := range quantityIDs {
		v, ok := inst.quantity(q)
		if !ok {
			return nil, fmt.Errorf("kernel: unknown quantity %q", q)
		}
		out[q] = v
	}
	return out, nil
}

// Dispose releases the handle. Further calls on it are rejected.
func (e *Engine) Dispose(h sim.SolverHandle) {
	if inst, err := e.inst(h); err == nil {
		inst.disposed = true
	}
}

func (e *Engine) inst(h sim.SolverHandle) (*instance, error) {
	inst, ok := h.(*instance)
	if !ok || inst == nil {
		return nil, fmt.Errorf("kernel: invalid solver handle")
	}
	if inst.disposed {
		return nil, fmt.Errorf("kernel: handle already disposed")
	}
	return inst, nil
}

var _ sim.Solver = (*Engine)(nil)
