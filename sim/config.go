package sim

import "math"

// RunConfig groups the parameters of one simulation run.
type RunConfig struct {
	// Horizon is the simulated end time in seconds.
	Horizon float64
	// MaxStep caps how far a single Integrate request may advance.
	// Zero means uncapped: each step runs to the next event or horizon.
	MaxStep float64
	// Observables lists the quantity IDs read from the solver and
	// recorded into the result store at every integration point.
	Observables []string
}

// withDefaults normalizes a RunConfig.
func (c RunConfig) withDefaults() RunConfig {
	if c.Horizon <= 0 {
		c.Horizon = math.Inf(1)
	}
	if c.MaxStep <= 0 {
		c.MaxStep = math.Inf(1)
	}
	return c
}
