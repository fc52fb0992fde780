// Package sim provides the core of a time-domain dynamic power-system
// simulation: the case model, device-model registry, event scheduler,
// and stepping controller that drive an external DAE solver.
//
// # Reading Guide
//
// Start with these files to understand the kernel:
//   - case.go: buses, branches, device instances, and freeze semantics
//   - scheduler.go: deterministic ordering of discrete events and
//     solver-triggered detectors
//   - controller.go: the Run state machine and the stepping loop
//
// # Architecture
//
// The sim package defines the data model and the narrow protocols;
// implementations live in sub-packages:
//   - sim/kernel: reference DAE stepping engine (fixed-step, gonum
//     network solve, threshold detectors)
//   - sim/scenario: YAML scenario files -> populated Case + event set
//   - sim/store: SQLite trajectory persistence and read-back
//
// The numerical solver is consumed through the Solver interface; the
// core never assumes a particular integration method. Discrete logic
// (scheduled disturbances, relay-style detections) interrupts continuous
// integration only at controller step boundaries, which keeps the step
// function single-entry and the event order reproducible: replaying the
// same case, event set, and detection sequence yields an identical
// result store.
package sim
