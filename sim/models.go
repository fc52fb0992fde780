package sim

// RegisterBuiltins seeds a registry with the stock model catalog: the
// parameter schemas of the model families a standard dynamic-simulation
// library ships. Schemas carry identity and parameter shape only; the
// solver interprets the values.
func RegisterBuiltins(r *Registry) error {
	num := func(required bool) ParamSpec { return ParamSpec{Kind: KindNumber, Required: required} }
	numDef := func(def float64) ParamSpec { return ParamSpec{Kind: KindNumber, Default: def} }

	builtins := []struct {
		cat     Category
		variant string
		schema  Schema
	}{
		// Injectors: current/power sources at a bus.
		{CategoryInjector, "const_power", Schema{Params: map[string]ParamSpec{
			"P": num(true), // active power setpoint (MW)
			"Q": num(true), // reactive power setpoint (MVAr)
			"T": numDef(0.05),
		}}},
		{CategoryInjector, "sync_machine", Schema{Params: map[string]ParamSpec{
			"P":    num(true),
			"Q":    num(true),
			"H":    num(true), // inertia constant (s)
			"Xd":   num(true),
			"Xq":   num(true),
			"SNOM": num(true), // nominal apparent power (MVA)
		}}},
		{CategoryInjector, "induction_motor", Schema{Params: map[string]ParamSpec{
			"P":  num(true),
			"H":  num(true),
			"Rs": numDef(0.01),
			"Xs": numDef(0.1),
		}}},
		{CategoryInjector, "volt_dep_load", Schema{Params: map[string]ParamSpec{
			"P":     num(true),
			"Q":     num(true),
			"alpha": numDef(1.0), // active power voltage exponent
			"beta":  numDef(2.0), // reactive power voltage exponent
		}}},

		// Exciters: terminal-voltage regulation loops.
		{CategoryExciter, "ieee_ac1a", Schema{Params: map[string]ParamSpec{
			"V0":    num(true), // voltage setpoint (pu)
			"Ka":    num(true),
			"Ta":    numDef(0.02),
			"EfMax": numDef(5.0),
			"EfMin": numDef(-5.0),
		}}},
		{CategoryExciter, "static_exc", Schema{Params: map[string]ParamSpec{
			"V0": num(true),
			"G":  num(true),
			"T":  numDef(0.05),
		}}},

		// Governors: mechanical-power regulation loops.
		{CategoryGovernor, "tgov1", Schema{Params: map[string]ParamSpec{
			"Pm0":   num(true), // mechanical power setpoint (pu)
			"R":     num(true), // droop
			"T1":    numDef(0.5),
			"T2":    numDef(2.5),
			"PmMax": numDef(1.1),
		}}},
		{CategoryGovernor, "hydro_gov", Schema{Params: map[string]ParamSpec{
			"Pm0": num(true),
			"R":   num(true),
			"Tw":  numDef(1.0), // water starting time (s)
		}}},

		// Two-ports: devices spanning two connection points.
		{CategoryTwoPort, "hvdc_link", Schema{Params: map[string]ParamSpec{
			"Pdc":  num(true), // DC power order (MW)
			"Tdc":  numDef(0.1),
			"Pmax": num(true),
		}}},
		{CategoryTwoPort, "svc_pair", Schema{Params: map[string]ParamSpec{
			"Bmax": num(true),
			"Bmin": num(true),
			"V0":   num(true),
		}}},

		// Discrete controllers: act at discrete instants only.
		{CategoryDiscreteController, "ltc", Schema{Params: map[string]ParamSpec{
			"Vsetpt":   num(true), // controlled-voltage setpoint (pu)
			"deadband": numDef(0.01),
			"delay":    numDef(20.0), // first tap delay (s)
			"step":     numDef(0.00625),
		}}},
		{CategoryDiscreteController, "oel", Schema{Params: map[string]ParamSpec{
			"Iflim": num(true), // field-current limit (pu)
			"delay": numDef(10.0),
		}}},
		{CategoryDiscreteController, "uvls", Schema{Params: map[string]ParamSpec{
			"Vthresh": num(true), // undervoltage threshold (pu)
			"shed":    num(true), // fraction of load shed per stage
			"delay":   numDef(0.2),
			"mode":    {Kind: KindString, Default: "staged"},
		}}},
	}

	for _, b := range builtins {
		if err := r.Register(b.cat, b.variant, b.schema); err != nil {
			return err
		}
	}
	return nil
}
