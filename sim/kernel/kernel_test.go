package kernel

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transient-sim/transient-sim/sim"
)

func testSnapshot(t *testing.T) *sim.CaseSnapshot {
	t.Helper()
	reg := sim.NewRegistry()
	require.NoError(t, sim.RegisterBuiltins(reg))
	cs := sim.NewCase("kernel-test", reg)
	require.NoError(t, cs.AddBus(sim.Bus{ID: "N1", NominalKV: 380, V: 1.0}))
	require.NoError(t, cs.AddBus(sim.Bus{ID: "N2", NominalKV: 380, V: 1.0}))
	require.NoError(t, cs.AddBranch(sim.Branch{
		ID: "L1", From: "N1", To: "N2", R: 0.01, X: 0.1, InService: true,
	}))
	_, err := cs.AttachDevice("g1", sim.CategoryInjector, "const_power", sim.BusRef("N1"),
		map[string]any{"P": 50.0, "Q": 10.0})
	require.NoError(t, err)
	_, err = cs.AttachDevice("gov1", sim.CategoryGovernor, "tgov1", sim.BusRef("N1"),
		map[string]any{"Pm0": 0.75, "R": 0.05})
	require.NoError(t, err)
	return cs.Snapshot()
}

func TestEngineInitializeSolvesNetwork(t *testing.T) {
	eng := New(Config{})
	h, err := eng.Initialize(testSnapshot(t))
	require.NoError(t, err)
	defer eng.Dispose(h)

	state, err := eng.ReadState(h, []string{"bus:N1:v", "bus:N2:v", "dev:g1:out", "dev:gov1:out"})
	require.NoError(t, err)

	// The injection at N1 lifts both buses above the unloaded 1.0 pu,
	// with the injection bus highest.
	v1, v2 := state["bus:N1:v"], state["bus:N2:v"]
	assert.Greater(t, v1, v2)
	assert.Greater(t, v2, 1.0)
	assert.InDelta(t, 1.0334, v1, 1e-3)
	assert.InDelta(t, 1.0166, v2, 1e-3)

	// Devices initialize at steady state.
	assert.Equal(t, 50.0, state["dev:g1:out"])
	assert.Equal(t, 0.75, state["dev:gov1:out"])
}

func TestEngineInitializeRejectsBadCases(t *testing.T) {
	eng := New(Config{})
	var ierr *sim.InitializationError

	_, err := eng.Initialize(&sim.CaseSnapshot{Name: "empty"})
	assert.ErrorAs(t, err, &ierr)

	_, err = eng.Initialize(&sim.CaseSnapshot{
		Name:     "dangling",
		Buses:    []sim.Bus{{ID: "N1"}},
		Branches: []sim.Branch{{ID: "L1", From: "N1", To: "N9", InService: true}},
	})
	assert.ErrorAs(t, err, &ierr)
}

func TestEngineReadState(t *testing.T) {
	eng := New(Config{})
	h, err := eng.Initialize(testSnapshot(t))
	require.NoError(t, err)
	defer eng.Dispose(h)

	t.Run("empty request returns all bus and device quantities", func(t *testing.T) {
		state, err := eng.ReadState(h, nil)
		require.NoError(t, err)
		assert.Contains(t, state, "bus:N1:v")
		assert.Contains(t, state, "bus:N2:v")
		assert.Contains(t, state, "dev:g1:out")
		assert.Contains(t, state, "dev:gov1:out")
	})

	t.Run("branch power flows from high to low voltage", func(t *testing.T) {
		state, err := eng.ReadState(h, []string{"branch:L1:p"})
		require.NoError(t, err)
		assert.Greater(t, state["branch:L1:p"], 0.0)
	})

	t.Run("unknown quantity is an error", func(t *testing.T) {
		_, err := eng.ReadState(h, []string{"bus:N9:v"})
		assert.Error(t, err)
		_, err = eng.ReadState(h, []string{"gibberish"})
		assert.Error(t, err)
	})
}

func TestEngineIntegrateAndPoke(t *testing.T) {
	eng := New(Config{})
	h, err := eng.Initialize(testSnapshot(t))
	require.NoError(t, err)
	defer eng.Dispose(h)

	t.Run("zero-length request is a no-op", func(t *testing.T) {
		res, err := eng.Integrate(h, 1.0, 1.0)
		require.NoError(t, err)
		assert.Equal(t, 1.0, res.ReachedTime)
		assert.False(t, res.StoppedEarly)
	})

	// Steady state: integrating changes nothing.
	res, err := eng.Integrate(h, 0, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.ReachedTime)
	state, err := eng.ReadState(h, []string{"dev:gov1:out"})
	require.NoError(t, err)
	assert.InDelta(t, 0.75, state["dev:gov1:out"], 1e-9)

	// A setpoint poke pulls the lag toward the new value without a
	// state jump.
	require.NoError(t, eng.PokeParameter(h, "gov1", "Pm0", 0.9))
	state, err = eng.ReadState(h, []string{"dev:gov1:out"})
	require.NoError(t, err)
	assert.InDelta(t, 0.75, state["dev:gov1:out"], 1e-9, "poke must not discontinuously move the state")

	// tgov1's default T1 is 0.5s; ten time constants close the gap.
	res, err = eng.Integrate(h, 1.0, 6.0)
	require.NoError(t, err)
	assert.Equal(t, 6.0, res.ReachedTime)
	state, err = eng.ReadState(h, []string{"dev:gov1:out"})
	require.NoError(t, err)
	assert.InDelta(t, 0.9, state["dev:gov1:out"], 1e-3)

	t.Run("unknown device rejected", func(t *testing.T) {
		err := eng.PokeParameter(h, "ghost", "Pm0", 0.5)
		var rejected *sim.RejectedError
		assert.ErrorAs(t, err, &rejected)
	})
}

func TestEngineTopologyChanges(t *testing.T) {
	eng := New(Config{})
	h, err := eng.Initialize(testSnapshot(t))
	require.NoError(t, err)
	defer eng.Dispose(h)

	t.Run("fault collapses and clear restores", func(t *testing.T) {
		require.NoError(t, eng.ApplyTopologyChange(h, sim.TopologyChange{
			Kind: sim.TopologyFault, Bus: "N2", ApplyFault: true, FaultConductance: 100.0,
		}))
		state, err := eng.ReadState(h, []string{"bus:N2:v"})
		require.NoError(t, err)
		assert.Less(t, state["bus:N2:v"], 0.2)

		require.NoError(t, eng.ApplyTopologyChange(h, sim.TopologyChange{
			Kind: sim.TopologyFault, Bus: "N2", ApplyFault: false,
		}))
		state, err = eng.ReadState(h, []string{"bus:N2:v"})
		require.NoError(t, err)
		assert.InDelta(t, 1.0166, state["bus:N2:v"], 1e-3)
	})

	t.Run("branch out of service decouples the buses", func(t *testing.T) {
		require.NoError(t, eng.ApplyTopologyChange(h, sim.TopologyChange{
			Kind: sim.TopologyBranchStatus, Branch: "L1", InService: false,
		}))
		state, err := eng.ReadState(h, []string{"bus:N1:v", "bus:N2:v", "branch:L1:p"})
		require.NoError(t, err)
		assert.InDelta(t, 1.05, state["bus:N1:v"], 1e-6, "isolated injection bus")
		assert.InDelta(t, 1.0, state["bus:N2:v"], 1e-6, "unloaded isolated bus")
		assert.Equal(t, 0.0, state["branch:L1:p"])
	})

	t.Run("unknown targets rejected", func(t *testing.T) {
		var rejected *sim.RejectedError
		err := eng.ApplyTopologyChange(h, sim.TopologyChange{
			Kind: sim.TopologyBranchStatus, Branch: "L9",
		})
		assert.ErrorAs(t, err, &rejected)
		err = eng.ApplyTopologyChange(h, sim.TopologyChange{
			Kind: sim.TopologyFault, Bus: "N9", ApplyFault: true,
		})
		assert.ErrorAs(t, err, &rejected)
	})
}

func TestEngineDetectorStopsIntegration(t *testing.T) {
	eng := New(Config{Detectors: []Detector{
		{ID: "uv2", Quantity: "bus:N2:v", Threshold: 0.9, Rising: false},
	}})
	h, err := eng.Initialize(testSnapshot(t))
	require.NoError(t, err)
	defer eng.Dispose(h)

	// Steady operation above the threshold: no detection.
	res, err := eng.Integrate(h, 0, 1.0)
	require.NoError(t, err)
	assert.False(t, res.StoppedEarly)

	// Fault the remote bus; the next substep crosses downward.
	require.NoError(t, eng.ApplyTopologyChange(h, sim.TopologyChange{
		Kind: sim.TopologyFault, Bus: "N2", ApplyFault: true, FaultConductance: 100.0,
	}))
	res, err = eng.Integrate(h, 1.0, 2.0)
	require.NoError(t, err)
	require.True(t, res.StoppedEarly)
	assert.Equal(t, "uv2", res.DetectorID)
	assert.Greater(t, res.ReachedTime, 1.0)
	assert.LessOrEqual(t, res.ReachedTime, 1.0+1e-3, "crossing interpolated inside the first substep")

	// No re-fire while the quantity stays below the threshold.
	res, err = eng.Integrate(h, res.ReachedTime, 2.0)
	require.NoError(t, err)
	assert.False(t, res.StoppedEarly)
	assert.Equal(t, 2.0, res.ReachedTime)
}

func TestEngineDetectorStopsOnCrossingState(t *testing.T) {
	eng := New(Config{Detectors: []Detector{
		{ID: "ramp", Quantity: "dev:gov1:out", Threshold: 0.8, Rising: true},
	}})
	h, err := eng.Initialize(testSnapshot(t))
	require.NoError(t, err)
	defer eng.Dispose(h)

	// Step the governor setpoint; the lag ramps 0.75 -> 0.9 and crosses
	// 0.8 at t = T1*ln(1.5).
	require.NoError(t, eng.PokeParameter(h, "gov1", "Pm0", 0.9))
	res, err := eng.Integrate(h, 0, 1.0)
	require.NoError(t, err)
	require.True(t, res.StoppedEarly)
	assert.Equal(t, "ramp", res.DetectorID)

	tc := 0.5 * math.Log(1.5)
	assert.InDelta(t, tc, res.ReachedTime, 1e-3)

	// The engine state must sit at the reported crossing instant, not a
	// full substep past it.
	state, err := eng.ReadState(h, []string{"dev:gov1:out"})
	require.NoError(t, err)
	assert.InDelta(t, 0.8, state["dev:gov1:out"], 1e-5)

	// Resuming from the crossing continues the same trajectory: no part
	// of the interval integrates twice, so the closed form holds at the
	// horizon.
	res, err = eng.Integrate(h, res.ReachedTime, 1.0)
	require.NoError(t, err)
	assert.False(t, res.StoppedEarly)
	assert.Equal(t, 1.0, res.ReachedTime)
	state, err = eng.ReadState(h, []string{"dev:gov1:out"})
	require.NoError(t, err)
	assert.InDelta(t, 0.9-0.15*math.Exp(-2.0), state["dev:gov1:out"], 1e-9)
}

func TestEngineReplayDeterminism(t *testing.T) {
	// A star network whose branch admittances differ enough that the
	// assembly summation order is visible in the last bits of the
	// solved voltages. Every replay must reproduce them exactly.
	buildSnapshot := func() *sim.CaseSnapshot {
		reg := sim.NewRegistry()
		require.NoError(t, sim.RegisterBuiltins(reg))
		cs := sim.NewCase("star", reg)
		require.NoError(t, cs.AddBus(sim.Bus{ID: "N0", V: 1.0}))
		spokes := []struct {
			id   sim.BusID
			r, x float64
		}{
			{"N1", 0.013, 0.11},
			{"N2", 0.021, 0.17},
			{"N3", 0.008, 0.07},
			{"N4", 0.030, 0.23},
			{"N5", 0.017, 0.13},
		}
		for _, s := range spokes {
			require.NoError(t, cs.AddBus(sim.Bus{ID: s.id, V: 1.0}))
			require.NoError(t, cs.AddBranch(sim.Branch{
				ID: sim.BranchID("L0-" + string(s.id)), From: "N0", To: s.id,
				R: s.r, X: s.x, InService: true,
			}))
		}
		for i, bus := range []sim.BusID{"N1", "N3", "N5"} {
			_, err := cs.AttachDevice(sim.DeviceID(fmt.Sprintf("g%d", i)),
				sim.CategoryInjector, "const_power", sim.BusRef(bus),
				map[string]any{"P": 30.0 + 7.0*float64(i), "Q": 5.0})
			require.NoError(t, err)
		}
		return cs.Snapshot()
	}

	eng := New(Config{})
	replay := func() map[string]float64 {
		h, err := eng.Initialize(buildSnapshot())
		require.NoError(t, err)
		defer eng.Dispose(h)
		_, err = eng.Integrate(h, 0, 0.05)
		require.NoError(t, err)
		state, err := eng.ReadState(h, nil)
		require.NoError(t, err)
		return state
	}

	baseline := replay()
	for i := 0; i < 200; i++ {
		require.Equal(t, baseline, replay(), "replay %d diverged", i)
	}
}

func TestEngineFaultOrderDeterminism(t *testing.T) {
	// Two simultaneous faults: the admittance contributions must sum in
	// a fixed (sorted bus) order regardless of map iteration.
	eng := New(Config{})
	solve := func() map[string]float64 {
		h, err := eng.Initialize(testSnapshot(t))
		require.NoError(t, err)
		defer eng.Dispose(h)
		for bus, g := range map[sim.BusID]float64{"N1": 37.7, "N2": 91.3} {
			require.NoError(t, eng.ApplyTopologyChange(h, sim.TopologyChange{
				Kind: sim.TopologyFault, Bus: bus, ApplyFault: true, FaultConductance: g,
			}))
		}
		state, err := eng.ReadState(h, []string{"bus:N1:v", "bus:N2:v"})
		require.NoError(t, err)
		return state
	}

	baseline := solve()
	for i := 0; i < 100; i++ {
		require.Equal(t, baseline, solve(), "replay %d diverged", i)
	}
}

func TestEngineDisposeInvalidatesHandle(t *testing.T) {
	eng := New(Config{})
	h, err := eng.Initialize(testSnapshot(t))
	require.NoError(t, err)

	eng.Dispose(h)
	_, err = eng.ReadState(h, nil)
	assert.Error(t, err)
	_, err = eng.Integrate(h, 0, 1.0)
	assert.Error(t, err)

	_, err = eng.ReadState("not a handle", nil)
	assert.Error(t, err)
}

func TestEngineHandlesAreIndependent(t *testing.T) {
	eng := New(Config{})
	h1, err := eng.Initialize(testSnapshot(t))
	require.NoError(t, err)
	defer eng.Dispose(h1)
	h2, err := eng.Initialize(testSnapshot(t))
	require.NoError(t, err)
	defer eng.Dispose(h2)

	require.NoError(t, eng.ApplyTopologyChange(h1, sim.TopologyChange{
		Kind: sim.TopologyFault, Bus: "N2", ApplyFault: true, FaultConductance: 100.0,
	}))

	s1, err := eng.ReadState(h1, []string{"bus:N2:v"})
	require.NoError(t, err)
	s2, err := eng.ReadState(h2, []string{"bus:N2:v"})
	require.NoError(t, err)
	assert.Less(t, s1["bus:N2:v"], 0.2)
	assert.InDelta(t, 1.0166, s2["bus:N2:v"], 1e-3, "sibling handle untouched by the fault")
}
