package sim

// SolverHandle is the opaque token a Solver hands back from Initialize
// and expects on every subsequent call.
type SolverHandle any

// StepResult reports the outcome of one Integrate call.
type StepResult struct {
	// ReachedTime is the simulated time the solver actually reached.
	// Equal to the requested toTime unless StoppedEarly.
	ReachedTime float64
	// StoppedEarly is true when an internal detector fired before
	// toTime; DetectorID names which one.
	StoppedEarly bool
	DetectorID   string
}

// TopologyKind discriminates the variants of a TopologyChange.
type TopologyKind int

const (
	// TopologyBranchStatus switches a branch in or out of service.
	TopologyBranchStatus TopologyKind = iota
	// TopologyFault applies or clears a shunt fault at a bus.
	TopologyFault
)

// TopologyChange describes a discrete network modification pushed into
// the solver's live state.
type TopologyChange struct {
	Kind TopologyKind

	// Branch switching (TopologyBranchStatus).
	Branch    BranchID
	InService bool

	// Fault application (TopologyFault). ApplyFault true places a shunt
	// of FaultConductance at Bus; false clears it.
	Bus              BusID
	ApplyFault       bool
	FaultConductance float64 // pu fault admittance magnitude
}

// Solver is the narrow stepping protocol through which the core consumes
// an external numerical DAE kernel. Implementations own the continuous
// state vector; the core owns scheduling, event ordering, and results.
//
// Integrate returning an error of type *NumericalFailure transitions the
// owning run to Failed. PokeParameter and ApplyTopologyChange return
// *RejectedError when the live state cannot accept the change.
type Solver interface {
	Initialize(snap *CaseSnapshot) (SolverHandle, error)
	Integrate(h SolverHandle, fromTime, toTime float64) (StepResult, error)
	PokeParameter(h SolverHandle, device DeviceID, key string, value any) error
	ApplyTopologyChange(h SolverHandle, change TopologyChange) error
	ReadState(h SolverHandle, quantityIDs []string) (map[string]float64, error)
	Dispose(h SolverHandle)
}
