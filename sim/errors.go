package sim

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors for run lifecycle misuse.
var (
	// ErrRunNotIdle indicates Start was called on a run that already left Idle.
	ErrRunNotIdle = errors.New("sim: run is not idle")

	// ErrRunNotFailed indicates RetryFrom was called on a run that is not Failed.
	ErrRunNotFailed = errors.New("sim: run is not in failed state")

	// ErrRunNotPaused indicates Resume was called on a run that is not Paused.
	ErrRunNotPaused = errors.New("sim: run is not paused")

	// ErrCaseBound indicates a Case is already bound to another run.
	ErrCaseBound = errors.New("sim: case is already bound to a run")
)

// DuplicateVariantError is returned by Registry.Register when the
// (category, variant) pair already exists.
type DuplicateVariantError struct {
	Category Category
	Variant  string
}

func (e *DuplicateVariantError) Error() string {
	return fmt.Sprintf("sim: model variant %q already registered for category %s", e.Variant, e.Category)
}

// UnknownVariantError is returned by Registry lookups for an absent
// (category, variant) pair.
type UnknownVariantError struct {
	Category Category
	Variant  string
}

func (e *UnknownVariantError) Error() string {
	return fmt.Sprintf("sim: unknown model variant %q for category %s", e.Variant, e.Category)
}

// ValidationError reports a parameter set that does not satisfy a model
// variant's schema. Every offending key is named so the caller can fix
// the exact field.
type ValidationError struct {
	Category       Category
	Variant        string
	MissingKeys    []string
	UnknownKeys    []string
	TypeMismatches map[string]string // key -> expected kind
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.MissingKeys) > 0 {
		parts = append(parts, "missing keys: "+strings.Join(e.MissingKeys, ", "))
	}
	if len(e.UnknownKeys) > 0 {
		parts = append(parts, "unknown keys: "+strings.Join(e.UnknownKeys, ", "))
	}
	if len(e.TypeMismatches) > 0 {
		keys := make([]string, 0, len(e.TypeMismatches))
		for k, kind := range e.TypeMismatches {
			keys = append(keys, fmt.Sprintf("%s (want %s)", k, kind))
		}
		sort.Strings(keys)
		parts = append(parts, "type mismatches: "+strings.Join(keys, ", "))
	}
	return fmt.Sprintf("sim: invalid parameters for %s/%s: %s", e.Category, e.Variant, strings.Join(parts, "; "))
}

// empty reports whether the error carries no defects. Used internally so
// Validate can return nil instead of a hollow *ValidationError.
func (e *ValidationError) empty() bool {
	return len(e.MissingKeys) == 0 && len(e.UnknownKeys) == 0 && len(e.TypeMismatches) == 0
}

// AttachmentConflictError is returned by Case.AttachDevice when a device
// claims an attachment role its category disallows duplicating, e.g. a
// second exciter on the same machine.
type AttachmentConflictError struct {
	Category Category
	Target   EntityRef
	Existing DeviceID
}

func (e *AttachmentConflictError) Error() string {
	return fmt.Sprintf("sim: %s already attached at %s by device %s", e.Category, e.Target, e.Existing)
}

// FrozenCaseError is returned by mutating Case operations once a bound
// run has left Idle, except operations tagged runtime-safe.
type FrozenCaseError struct {
	Op string
}

func (e *FrozenCaseError) Error() string {
	return fmt.Sprintf("sim: case is frozen by a running simulation, %s rejected", e.Op)
}

// PastTimeError is returned by Scheduler.Schedule when the event time is
// strictly earlier than the run's current simulated time.
type PastTimeError struct {
	EventTime   float64
	CurrentTime float64
}

func (e *PastTimeError) Error() string {
	return fmt.Sprintf("sim: event time %.6fs is before current simulation time %.6fs", e.EventTime, e.CurrentTime)
}

// UnknownTargetError reports an event whose target does not exist in the
// case. The controller treats this as a fatal configuration error.
type UnknownTargetError struct {
	Target EntityRef
}

func (e *UnknownTargetError) Error() string {
	return fmt.Sprintf("sim: event target %s does not exist in the case", e.Target)
}

// NumericalFailure reports solver non-convergence. Time is the last
// instant at which the solver state is known consistent.
type NumericalFailure struct {
	Time   float64
	Reason string
}

func (e *NumericalFailure) Error() string {
	return fmt.Sprintf("sim: numerical failure at t=%.6fs: %s", e.Time, e.Reason)
}

// RejectedError reports a solver refusing a parameter poke or topology
// change on its live state.
type RejectedError struct {
	Op     string
	Detail string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("sim: solver rejected %s: %s", e.Op, e.Detail)
}

// InitializationError reports a solver failing to initialize from a case
// snapshot.
type InitializationError struct {
	Detail string
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("sim: solver initialization failed: %s", e.Detail)
}
