package scenario

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transient-sim/transient-sim/sim"
)

const twoBusYAML = `
name: two-bus-fault
horizon: 5.0
max_step: 0.1
observe:
  - bus:N2:v
  - dev:gov1:out
buses:
  - id: N1
    nominal_kv: 380
  - id: N2
    nominal_kv: 380
branches:
  - id: L1
    from: N1
    to: N2
    r: 0.01
    x: 0.1
devices:
  - id: g1
    category: injector
    variant: const_power
    bus: N1
    params:
      P: 50.0
      Q: 10.0
  - id: gov1
    category: governor
    variant: tgov1
    bus: N1
    params:
      Pm0: 0.75
      R: 0.05
events:
  - time: 1.0
    action: apply_fault
    bus: N2
    conductance: 100.0
  - time: 1.1
    action: clear_fault
    bus: N2
  - time: 2.0
    action: set_params
    device: gov1
    params:
      Pm0: 0.9
  - time: 3.0
    action: disconnect
    branch: L1
`

func builtinsRegistry(t *testing.T) *sim.Registry {
	t.Helper()
	reg := sim.NewRegistry()
	require.NoError(t, sim.RegisterBuiltins(reg))
	return reg
}

func TestParseAndBuild(t *testing.T) {
	spec, err := Parse([]byte(twoBusYAML))
	require.NoError(t, err)
	assert.Equal(t, "two-bus-fault", spec.Name)
	assert.Equal(t, 5.0, spec.Horizon)
	assert.Equal(t, 0.1, spec.MaxStep)
	assert.Equal(t, []string{"bus:N2:v", "dev:gov1:out"}, spec.Observe)

	cs, events, err := spec.Build(builtinsRegistry(t))
	require.NoError(t, err)
	assert.Len(t, cs.Buses(), 2)
	assert.Len(t, cs.Branches(), 1)
	assert.Len(t, cs.Devices(), 2)

	require.Len(t, events, 4)
	assert.IsType(t, &sim.ApplyFault{}, events[0].Action)
	assert.IsType(t, &sim.ClearFault{}, events[1].Action)
	assert.IsType(t, &sim.SetParams{}, events[2].Action)
	assert.IsType(t, &sim.SetBranchStatus{}, events[3].Action)
	assert.Equal(t, 1.0, events[0].Time)
	assert.Equal(t, sim.BusRef("N2"), events[0].Target)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "case.yaml")
	require.NoError(t, os.WriteFile(path, []byte(twoBusYAML), 0o644))

	spec, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "two-bus-fault", spec.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseRejectsMalformedSpecs(t *testing.T) {
	t.Run("invalid yaml", func(t *testing.T) {
		_, err := Parse([]byte("buses: ["))
		assert.Error(t, err)
	})

	t.Run("no buses", func(t *testing.T) {
		_, err := Parse([]byte("name: empty\nhorizon: 1.0\n"))
		assert.Error(t, err)
	})

	t.Run("unknown action", func(t *testing.T) {
		_, err := Parse([]byte(`
name: bad
horizon: 1.0
buses:
  - id: N1
events:
  - time: 0.5
    action: explode
    bus: N1
`))
		assert.Error(t, err)
	})
}

func TestBuildRejectsBadReferences(t *testing.T) {
	t.Run("device params validated against the registry", func(t *testing.T) {
		spec, err := Parse([]byte(`
name: bad-params
horizon: 1.0
buses:
  - id: N1
devices:
  - id: g1
    category: injector
    variant: const_power
    bus: N1
    params:
      P: 50.0
`))
		require.NoError(t, err)
		_, _, err = spec.Build(builtinsRegistry(t))
		var verr *sim.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, []string{"Q"}, verr.MissingKeys)
	})

	t.Run("device needs exactly one attachment", func(t *testing.T) {
		spec, err := Parse([]byte(`
name: bad-attach
horizon: 1.0
buses:
  - id: N1
devices:
  - id: g1
    category: injector
    variant: const_power
    params:
      P: 50.0
      Q: 10.0
`))
		require.NoError(t, err)
		_, _, err = spec.Build(builtinsRegistry(t))
		assert.Error(t, err)
	})

	t.Run("branch endpoints must exist", func(t *testing.T) {
		spec, err := Parse([]byte(`
name: bad-branch
horizon: 1.0
buses:
  - id: N1
branches:
  - id: L1
    from: N1
    to: N9
`))
		require.NoError(t, err)
		_, _, err = spec.Build(builtinsRegistry(t))
		var unknown *sim.UnknownTargetError
		assert.ErrorAs(t, err, &unknown)
	})

	t.Run("event shape checked at build time", func(t *testing.T) {
		spec, err := Parse([]byte(`
name: bad-event
horizon: 1.0
buses:
  - id: N1
events:
  - time: 0.5
    action: set_params
`))
		require.NoError(t, err)
		_, _, err = spec.Build(builtinsRegistry(t))
		assert.Error(t, err)
	})
}

func TestBuildAcceptsYAMLIntegersForNumbers(t *testing.T) {
	spec, err := Parse([]byte(`
name: int-params
horizon: 1.0
buses:
  - id: N1
devices:
  - id: g1
    category: injector
    variant: const_power
    bus: N1
    params:
      P: 50
      Q: 10
`))
	require.NoError(t, err)
	_, _, err = spec.Build(builtinsRegistry(t))
	assert.NoError(t, err)
}

func TestBuildOutOfServiceBranch(t *testing.T) {
	spec, err := Parse([]byte(`
name: oos
horizon: 1.0
buses:
  - id: N1
  - id: N2
branches:
  - id: L1
    from: N1
    to: N2
    out_of_service: true
`))
	require.NoError(t, err)
	cs, _, err := spec.Build(builtinsRegistry(t))
	require.NoError(t, err)
	br, ok := cs.Branch("L1")
	require.True(t, ok)
	assert.False(t, br.InService)
}
