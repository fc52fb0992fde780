package kernel

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/transient-sim/transient-sim/sim"
)

// sBase is the system power base in MVA used to scale device outputs
// into per-unit network injections.
const sBase = 100.0

// advance moves every device state one substep with an exponential
// update (exact for a first-order lag), then re-solves the network.
func (inst *instance) advance(dt float64) error {
	for _, id := range inst.devOrder {
		ds := inst.devices[id]
		if ds.tau <= 0 {
			ds.x = ds.setpoint
			continue
		}
		ds.x = ds.setpoint + (ds.x-ds.setpoint)*math.Exp(-dt/ds.tau)
		if math.IsNaN(ds.x) || math.IsInf(ds.x, 0) {
			return fmt.Errorf("device %s state diverged", id)
		}
	}
	return inst.solveNetwork()
}

// solveNetwork recomputes bus voltages from the conductance matrix and
// the present device injections: G v = i, anchored by the per-bus shunt
// so the matrix stays nonsingular and an unloaded network sits at
// 1.0 pu.
func (inst *instance) solveNetwork() error {
	n := len(inst.snap.Buses)
	g := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		g.Set(i, i, inst.cfg.ShuntG)
	}
	for _, id := range inst.brOrder {
		br := inst.branches[id]
		if !br.InService {
			continue
		}
		y := branchAdmittance(br)
		f, t := inst.busIdx[br.From], inst.busIdx[br.To]
		g.Set(f, f, g.At(f, f)+y)
		g.Set(t, t, g.At(t, t)+y)
		g.Set(f, t, g.At(f, t)-y)
		g.Set(t, f, g.At(t, f)-y)
	}
	faulted := make([]sim.BusID, 0, len(inst.faults))
	for bus := range inst.faults {
		faulted = append(faulted, bus)
	}
	sort.Slice(faulted, func(i, j int) bool { return faulted[i] < faulted[j] })
	for _, bus := range faulted {
		i := inst.busIdx[bus]
		g.Set(i, i, g.At(i, i)+inst.faults[bus])
	}

	inj := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		inj.SetVec(i, inst.cfg.ShuntG*1.0)
	}
	for _, id := range inst.devOrder {
		ds := inst.devices[id]
		switch ds.dev.Category {
		case sim.CategoryInjector:
			if ds.dev.Attach.Kind == sim.KindBus {
				i := inst.busIdx[ds.dev.Attach.Bus]
				inj.SetVec(i, inj.AtVec(i)+ds.x/sBase)
			}
		case sim.CategoryTwoPort:
			if ds.dev.Attach.Kind == sim.KindBranch {
				if br, ok := inst.branches[ds.dev.Attach.Branch]; ok {
					f, t := inst.busIdx[br.From], inst.busIdx[br.To]
					inj.SetVec(f, inj.AtVec(f)+ds.x/(2*sBase))
					inj.SetVec(t, inj.AtVec(t)-ds.x/(2*sBase))
				}
			}
		}
	}

	var v mat.VecDense
	if err := v.SolveVec(g, inj); err != nil {
		return fmt.Errorf("network solve failed: %w", err)
	}
	volts := make([]float64, n)
	for i := 0; i < n; i++ {
		volts[i] = v.AtVec(i)
		if math.IsNaN(volts[i]) || math.IsInf(volts[i], 0) {
			return fmt.Errorf("bus voltage diverged at index %d", i)
		}
	}
	inst.volts = volts
	return nil
}

// branchAdmittance returns the admittance magnitude of a branch,
// guarding zero-impedance data with a stiff tie value.
func branchAdmittance(br *sim.Branch) float64 {
	mag := math.Hypot(br.R, br.X)
	if mag == 0 {
		return 1e4
	}
	return 1 / mag
}

// quantity evaluates one quantity ID against the instance state.
func (inst *instance) quantity(q string) (float64, bool) {
	parts := strings.Split(q, ":")
	if len(parts) != 3 {
		return 0, false
	}
	switch parts[0] {
	case "bus":
		i, ok := inst.busIdx[sim.BusID(parts[1])]
		if !ok {
			return 0, false
		}
		switch parts[2] {
		case "v":
			return inst.volts[i], true
		case "angle":
			// The linearized solve carries magnitudes only.
			return 0, true
		}
	case "dev":
		ds, ok := inst.devices[sim.DeviceID(parts[1])]
		if !ok || parts[2] != "out" {
			return 0, false
		}
		return ds.x, true
	case "branch":
		br, ok := inst.branches[sim.BranchID(parts[1])]
		if !ok || parts[2] != "p" {
			return 0, false
		}
		if !br.InService {
			return 0, true
		}
		f, t := inst.busIdx[br.From], inst.busIdx[br.To]
		return branchAdmittance(br) * (inst.volts[f] - inst.volts[t]) * sBase, true
	}
	return 0, false
}

// primeDetectors seeds each detector's last-seen value so the first
// Integrate call fires only on genuine crossings, not initial
// conditions.
func (inst *instance) primeDetectors() {
	for _, d := range inst.dets {
		if v, ok := inst.quantity(d.def.Quantity); ok {
			d.prev = v
			d.init = true
		}
	}
}

// checkDetectors scans armed detectors against the freshly advanced
// state. On a crossing it returns the detector ID and the linear
// interpolation fraction of the substep at which the threshold was
// crossed. Detectors are checked in registration order, so coincident
// crossings resolve deterministically.
func (inst *instance) checkDetectors() (string, float64, bool) {
	for _, d := range inst.dets {
		cur, ok := inst.quantity(d.def.Quantity)
		if !ok {
			continue
		}
		if !d.init {
			d.prev = cur
			d.init = true
			continue
		}
		prev := d.prev
		d.prev = cur
		var crossed bool
		if d.def.Rising {
			crossed = prev < d.def.Threshold && cur >= d.def.Threshold
		} else {
			crossed = prev > d.def.Threshold && cur <= d.def.Threshold
		}
		if !crossed {
			continue
		}
		frac := 1.0
		if cur != prev {
			frac = (d.def.Threshold - prev) / (cur - prev)
		}
		frac = math.Max(0, math.Min(1, frac))
		return d.def.ID, frac, true
	}
	return "", 0, false
}
