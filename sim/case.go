package sim

import (
	"fmt"
	"sync"
)

// BusID identifies a bus in a Case.
type BusID string

// BranchID identifies a branch in a Case.
type BranchID string

// DeviceID identifies a device instance in a Case.
type DeviceID string

// Bus is a network node. Voltage magnitude and angle form its electrical
// state, mutated only through solver state updates.
type Bus struct {
	ID        BusID
	NominalKV float64
	V         float64 // voltage magnitude (pu)
	Angle     float64 // voltage angle (rad)
}

// Branch connects an ordered pair of buses. Immutable once a run starts
// except through explicit topology-change events.
type Branch struct {
	ID        BranchID
	From, To  BusID
	R, X      float64 // series impedance (pu)
	B         float64 // total shunt susceptance (pu)
	RatingMVA float64
	InService bool
}

// EntityKind discriminates the target of an EntityRef.
type EntityKind string

const (
	KindBus    EntityKind = "bus"
	KindBranch EntityKind = "branch"
	KindDevice EntityKind = "device"
)

// EntityRef points at a bus, branch, or device instance of a Case.
// Exactly one field matching Kind is meaningful.
type EntityRef struct {
	Kind   EntityKind
	Bus    BusID
	Branch BranchID
	Device DeviceID
}

// BusRef returns an EntityRef targeting a bus.
func BusRef(id BusID) EntityRef { return EntityRef{Kind: KindBus, Bus: id} }

// BranchRef returns an EntityRef targeting a branch.
func BranchRef(id BranchID) EntityRef { return EntityRef{Kind: KindBranch, Branch: id} }

// DeviceRef returns an EntityRef targeting a device instance.
func DeviceRef(id DeviceID) EntityRef { return EntityRef{Kind: KindDevice, Device: id} }

func (r EntityRef) String() string {
	switch r.Kind {
	case KindBus:
		return fmt.Sprintf("bus %s", r.Bus)
	case KindBranch:
		return fmt.Sprintf("branch %s", r.Branch)
	case KindDevice:
		return fmt.Sprintf("device %s", r.Device)
	}
	return "unknown entity"
}

// StateSlice locates a device's portion of the solver-owned state
// vector. The solver assigns it during initialization; the core only
// carries it for indexing.
type StateSlice struct {
	Offset int
	Len    int
}

// DeviceInstance binds a registered model variant to a network element
// with a validated parameter set.
type DeviceInstance struct {
	ID       DeviceID
	Category Category
	Variant  string
	Params   map[string]any
	Attach   EntityRef
	State    StateSlice // opaque, solver-owned
}

// attachKey identifies a (category, attachment point) role for the
// per-category uniqueness invariant.
type attachKey struct {
	cat    Category
	target EntityRef
}

// A Case describes one simulated network: buses, branches, and the
// device instances bound to them. At most one SimulationRun may be bound
// to a Case at a time; once that run leaves Idle the case is frozen and
// only runtime-safe operations (parameter updates) are accepted.
type Case struct {
	Name string

	mu       sync.Mutex
	registry *Registry

	buses    map[BusID]*Bus
	branches map[BranchID]*Branch
	devices  map[DeviceID]*DeviceInstance

	// insertion orders, kept for deterministic iteration and snapshots
	busOrder    []BusID
	branchOrder []BranchID
	devOrder    []DeviceID

	attachments map[attachKey]DeviceID

	frozen bool
	bound  bool
}

// NewCase creates an empty Case validating device parameters against
// reg. A nil registry falls back to DefaultRegistry.
func NewCase(name string, reg *Registry) *Case {
	if reg == nil {
		reg = DefaultRegistry
	}
	return &Case{
		Name:        name,
		registry:    reg,
		buses:       make(map[BusID]*Bus),
		branches:    make(map[BranchID]*Branch),
		devices:     make(map[DeviceID]*DeviceInstance),
		attachments: make(map[attachKey]DeviceID),
	}
}

// Registry returns the registry this case validates against.
func (c *Case) Registry() *Registry { return c.registry }

// AddBus adds a bus. Fails with *FrozenCaseError while a bound run is
// active, and rejects duplicate identifiers.
func (c *Case) AddBus(b Bus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return &FrozenCaseError{Op: "AddBus"}
	}
	if b.ID == "" {
		return fmt.Errorf("sim: bus id must not be empty")
	}
	if _, exists := c.buses[b.ID]; exists {
		return fmt.Errorf("sim: bus %s already exists", b.ID)
	}
	bus := b
	c.buses[b.ID] = &bus
	c.busOrder = append(c.busOrder, b.ID)
	return nil
}

// AddBranch adds a branch between two existing buses.
func (c *Case) AddBranch(b Branch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return &FrozenCaseError{Op: "AddBranch"}
	}
	if b.ID == "" {
		return fmt.Errorf("sim: branch id must not be empty")
	}
	if _, exists := c.branches[b.ID]; exists {
		return fmt.Errorf("sim: branch %s already exists", b.ID)
	}
	if _, ok := c.buses[b.From]; !ok {
		return &UnknownTargetError{Target: BusRef(b.From)}
	}
	if _, ok := c.buses[b.To]; !ok {
		return &UnknownTargetError{Target: BusRef(b.To)}
	}
	br := b
	c.branches[b.ID] = &br
	c.branchOrder = append(c.branchOrder, b.ID)
	return nil
}

// AttachDevice validates params against the registry schema for
// (cat, variant), checks the attachment point exists and the
// per-category uniqueness invariant holds, then binds a new
// DeviceInstance. Fails with *ValidationError, *UnknownVariantError,
// *UnknownTargetError, or *AttachmentConflictError.
func (c *Case) AttachDevice(id DeviceID, cat Category, variant string, attach EntityRef, params map[string]any) (*DeviceInstance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return nil, &FrozenCaseError{Op: "AttachDevice"}
	}
	if id == "" {
		return nil, fmt.Errorf("sim: device id must not be empty")
	}
	if _, exists := c.devices[id]; exists {
		return nil, fmt.Errorf("sim: device %s already exists", id)
	}
	if !IsValidCategory(cat) {
		return nil, fmt.Errorf("sim: unknown device category %q", cat)
	}
	if err := c.refExistsLocked(attach); err != nil {
		return nil, err
	}
	if err := c.registry.Validate(cat, variant, params); err != nil {
		return nil, err
	}
	key := attachKey{cat: cat, target: attach}
	if existing, taken := c.attachments[key]; taken && !allowsDuplicateAttachment(cat) {
		return nil, &AttachmentConflictError{Category: cat, Target: attach, Existing: existing}
	}

	copied := make(map[string]any, len(params))
	for k, v := range params {
		copied[k] = v
	}
	dev := &DeviceInstance{
		ID:       id,
		Category: cat,
		Variant:  variant,
		Params:   copied,
		Attach:   attach,
	}
	c.devices[id] = dev
	c.devOrder = append(c.devOrder, id)
	if !allowsDuplicateAttachment(cat) {
		c.attachments[key] = id
	}
	return dev, nil
}

// RemoveDevice detaches a device instance from the case.
func (c *Case) RemoveDevice(id DeviceID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return &FrozenCaseError{Op: "RemoveDevice"}
	}
	dev, ok := c.devices[id]
	if !ok {
		return &UnknownTargetError{Target: DeviceRef(id)}
	}
	delete(c.devices, id)
	for i, d := range c.devOrder {
		if d == id {
			c.devOrder = append(c.devOrder[:i], c.devOrder[i+1:]...)
			break
		}
	}
	key := attachKey{cat: dev.Category, target: dev.Attach}
	if c.attachments[key] == id {
		delete(c.attachments, key)
	}
	return nil
}

// UpdateParameters merges delta into a device's parameter map after
// validating the merged set against the variant schema. This operation
// is runtime-safe: it is the mutation path mid-run disturbance events
// use, so it is accepted on a frozen case.
func (c *Case) UpdateParameters(id DeviceID, delta map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	dev, ok := c.devices[id]
	if !ok {
		return &UnknownTargetError{Target: DeviceRef(id)}
	}
	merged := make(map[string]any, len(dev.Params)+len(delta))
	for k, v := range dev.Params {
		merged[k] = v
	}
	for k, v := range delta {
		merged[k] = v
	}
	if err := c.registry.Validate(dev.Category, dev.Variant, merged); err != nil {
		return err
	}
	dev.Params = merged
	return nil
}

// validateParameterDelta checks a prospective parameter merge without
// applying it. Event application validates up front so a rejected
// update leaves the case untouched.
func (c *Case) validateParameterDelta(id DeviceID, delta map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	dev, ok := c.devices[id]
	if !ok {
		return &UnknownTargetError{Target: DeviceRef(id)}
	}
	merged := make(map[string]any, len(dev.Params)+len(delta))
	for k, v := range dev.Params {
		merged[k] = v
	}
	for k, v := range delta {
		merged[k] = v
	}
	return c.registry.Validate(dev.Category, dev.Variant, merged)
}

// Bus returns a copy of the identified bus.
func (c *Case) Bus(id BusID) (Bus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.buses[id]; ok {
		return *b, true
	}
	return Bus{}, false
}

// Branch returns a copy of the identified branch.
func (c *Case) Branch(id BranchID) (Branch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.branches[id]; ok {
		return *b, true
	}
	return Branch{}, false
}

// Device returns a copy of the identified device instance.
func (c *Case) Device(id DeviceID) (DeviceInstance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.devices[id]; ok {
		cp := *d
		cp.Params = make(map[string]any, len(d.Params))
		for k, v := range d.Params {
			cp.Params[k] = v
		}
		return cp, true
	}
	return DeviceInstance{}, false
}

// Buses returns all buses in insertion order.
func (c *Case) Buses() []Bus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Bus, 0, len(c.busOrder))
	for _, id := range c.busOrder {
		out = append(out, *c.buses[id])
	}
	return out
}

// Branches returns all branches in insertion order.
func (c *Case) Branches() []Branch {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Branch, 0, len(c.branchOrder))
	for _, id := range c.branchOrder {
		out = append(out, *c.branches[id])
	}
	return out
}

// Devices returns all device instances in insertion order.
func (c *Case) Devices() []DeviceInstance {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DeviceInstance, 0, len(c.devOrder))
	for _, id := range c.devOrder {
		d := c.devices[id]
		cp := *d
		cp.Params = make(map[string]any, len(d.Params))
		for k, v := range d.Params {
			cp.Params[k] = v
		}
		out = append(out, cp)
	}
	return out
}

// HasTarget reports whether the referenced entity exists in the case.
func (c *Case) HasTarget(ref EntityRef) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refExistsLocked(ref) == nil
}

func (c *Case) refExistsLocked(ref EntityRef) error {
	switch ref.Kind {
	case KindBus:
		if _, ok := c.buses[ref.Bus]; ok {
			return nil
		}
	case KindBranch:
		if _, ok := c.branches[ref.Branch]; ok {
			return nil
		}
	case KindDevice:
		if _, ok := c.devices[ref.Device]; ok {
			return nil
		}
	}
	return &UnknownTargetError{Target: ref}
}

// setBranchStatus flips a branch in or out of service. Topology-change
// events are the only callers; direct mutation is not exposed.
func (c *Case) setBranchStatus(id BranchID, inService bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	br, ok := c.branches[id]
	if !ok {
		return &UnknownTargetError{Target: BranchRef(id)}
	}
	br.InService = inService
	return nil
}

// updateBusState writes solver-observed voltage state back onto a bus.
func (c *Case) updateBusState(id BusID, v, angle float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.buses[id]; ok {
		b.V = v
		b.Angle = angle
	}
}

// bind marks the case as owned by a run. A case may be bound to at most
// one run at a time.
func (c *Case) bind() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bound {
		return ErrCaseBound
	}
	c.bound = true
	return nil
}

// release undoes bind after the owning run is discarded.
func (c *Case) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bound = false
	c.frozen = false
}

// freeze rejects further construction-time mutation. Called by the
// bound run when it leaves Idle.
func (c *Case) freeze() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frozen = true
}

// CaseSnapshot is the immutable deep copy of a Case handed to
// Solver.Initialize.
type CaseSnapshot struct {
	Name     string
	Buses    []Bus
	Branches []Branch
	Devices  []DeviceInstance
}

// Snapshot deep-copies the case in deterministic (insertion) order.
func (c *Case) Snapshot() *CaseSnapshot {
	return &CaseSnapshot{
		Name:     c.Name,
		Buses:    c.Buses(),
		Branches: c.Branches(),
		Devices:  c.Devices(),
	}
}
