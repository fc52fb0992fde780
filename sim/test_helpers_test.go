package sim

import (
	"fmt"
	"sort"
	"testing"
)

// scriptSolver is a deterministic scripted Solver for controller tests.
// Integrate always reaches the requested time unless a scripted
// detection or failure lies inside the interval. Observable values only
// change through pokes and topology changes, which keeps expected
// samples easy to state exactly.
type scriptSolver struct {
	vals map[string]float64

	// detections maps a simulated time to the detector ID that fires
	// when integration crosses it. Each entry is consumed once.
	detections map[float64]string

	// failAt triggers one NumericalFailure when integration would cross
	// it (consumed after firing).
	failAt float64

	// rejectKey makes PokeParameter refuse that parameter key.
	rejectKey string

	initialized int
	disposed    int
	pokes       []string
	topo        []TopologyChange
}

func newScriptSolver() *scriptSolver {
	return &scriptSolver{
		vals:       make(map[string]float64),
		detections: make(map[float64]string),
	}
}

func (s *scriptSolver) Initialize(snap *CaseSnapshot) (SolverHandle, error) {
	s.initialized++
	for _, b := range snap.Buses {
		s.vals[fmt.Sprintf("bus:%s:v", b.ID)] = 1.0
	}
	for _, d := range snap.Devices {
		out := 0.0
		for _, key := range []string{"Pm0", "V0", "Pdc", "P"} {
			if v, ok := d.Params[key]; ok {
				if f, isFloat := v.(float64); isFloat {
					out = f
					break
				}
			}
		}
		s.vals[fmt.Sprintf("dev:%s:out", d.ID)] = out
	}
	return s, nil
}

func (s *scriptSolver) Integrate(h SolverHandle, fromTime, toTime float64) (StepResult, error) {
	if s.failAt > fromTime && s.failAt <= toTime {
		t := s.failAt
		s.failAt = 0
		return StepResult{}, &NumericalFailure{Time: t, Reason: "scripted non-convergence"}
	}
	times := make([]float64, 0, len(s.detections))
	for t := range s.detections {
		if t > fromTime && t <= toTime {
			times = append(times, t)
		}
	}
	if len(times) > 0 {
		sort.Float64s(times)
		t := times[0]
		id := s.detections[t]
		delete(s.detections, t)
		return StepResult{ReachedTime: t, StoppedEarly: true, DetectorID: id}, nil
	}
	return StepResult{ReachedTime: toTime}, nil
}

func (s *scriptSolver) PokeParameter(h SolverHandle, device DeviceID, key string, value any) error {
	if key == s.rejectKey {
		return &RejectedError{Op: "poke", Detail: fmt.Sprintf("parameter %s is not adjustable live", key)}
	}
	s.pokes = append(s.pokes, fmt.Sprintf("%s.%s", device, key))
	if f, ok := value.(float64); ok {
		s.vals[fmt.Sprintf("dev:%s:out", device)] = f
	}
	return nil
}

func (s *scriptSolver) ApplyTopologyChange(h SolverHandle, change TopologyChange) error {
	s.topo = append(s.topo, change)
	if change.Kind == TopologyFault {
		key := fmt.Sprintf("bus:%s:v", change.Bus)
		if change.ApplyFault {
			s.vals[key] = 0.5
		} else {
			s.vals[key] = 1.0
		}
	}
	return nil
}

func (s *scriptSolver) ReadState(h SolverHandle, quantityIDs []string) (map[string]float64, error) {
	out := make(map[string]float64, len(quantityIDs))
	for _, id := range quantityIDs {
		out[id] = s.vals[id]
	}
	return out, nil
}

func (s *scriptSolver) Dispose(h SolverHandle) { s.disposed++ }

// testRegistry returns a registry seeded with the builtin catalog.
func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	if err := RegisterBuiltins(reg); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	return reg
}

// oneMachineCase builds a single-bus case with a generator injector and
// a governor, the smallest case exercising device attachment.
func oneMachineCase(t *testing.T, reg *Registry) *Case {
	t.Helper()
	cs := NewCase("one-machine", reg)
	if err := cs.AddBus(Bus{ID: "N1", NominalKV: 20, V: 1.0}); err != nil {
		t.Fatalf("AddBus: %v", err)
	}
	if _, err := cs.AttachDevice("g1", CategoryInjector, "const_power", BusRef("N1"),
		map[string]any{"P": 50.0, "Q": 10.0}); err != nil {
		t.Fatalf("attach injector: %v", err)
	}
	if _, err := cs.AttachDevice("gov1", CategoryGovernor, "tgov1", BusRef("N1"),
		map[string]any{"Pm0": 0.75, "R": 0.05}); err != nil {
		t.Fatalf("attach governor: %v", err)
	}
	return cs
}
