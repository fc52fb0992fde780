package cmd

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/transient-sim/transient-sim/sim"
	"github.com/transient-sim/transient-sim/sim/kernel"
	"github.com/transient-sim/transient-sim/sim/scenario"
	"github.com/transient-sim/transient-sim/sim/store"
)

var (
	// CLI flags for the run command
	scenarioPath string   // Path to the YAML scenario file
	horizon      float64  // Simulated end time in seconds (overrides scenario value when set)
	maxStep      float64  // Cap on a single integration request, in seconds
	logLevel     string   // Log verbosity level
	resultsDB    string   // SQLite trajectory database path (empty = no persistence)
	observe      []string // Observed quantity IDs (overrides scenario value when set)
	kernelDT     float64  // Internal step of the reference kernel, in seconds
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "transient-sim",
	Short: "Time-domain dynamic simulation of electrical power systems",
}

// runCmd executes one simulation described by a scenario file
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a dynamic simulation from a scenario file",
	Run: func(cmd *cobra.Command, args []string) {
		// Set up logging
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		if scenarioPath == "" {
			logrus.Fatalf("No scenario file provided. Exiting simulation.")
		}
		spec, err := scenario.Load(scenarioPath)
		if err != nil {
			logrus.Fatalf("Unable to load scenario: %v", err)
		}

		reg := sim.NewRegistry()
		if err := sim.RegisterBuiltins(reg); err != nil {
			logrus.Fatalf("Unable to register builtin models: %v", err)
		}
		cs, events, err := spec.Build(reg)
		if err != nil {
			logrus.Fatalf("Unable to build case: %v", err)
		}

		cfg := sim.RunConfig{Horizon: spec.Horizon, MaxStep: spec.MaxStep, Observables: spec.Observe}
		if horizon > 0 {
			cfg.Horizon = horizon
		}
		if maxStep > 0 {
			cfg.MaxStep = maxStep
		}
		if len(observe) > 0 {
			cfg.Observables = observe
		}

		engine := kernel.New(kernel.Config{DT: kernelDT})
		run, err := sim.NewRun(cs, engine, cfg)
		if err != nil {
			logrus.Fatalf("Unable to create run: %v", err)
		}
		defer run.Close()
		for _, ev := range events {
			if err := run.Schedule(ev); err != nil {
				logrus.Fatalf("Unable to schedule event (%s): %v", ev, err)
			}
		}

		logrus.Infof("Starting simulation %q: horizon=%.4fs, %d scheduled events",
			cs.Name, cfg.Horizon, len(events))
		startTime := time.Now()
		if err := run.Start(context.Background()); err != nil {
			failure, at := run.Failure()
			logrus.Errorf("Simulation failed at t=%.6fs: %v", at, failure)
		}

		stats := run.Stats()
		stats.WallDuration = time.Since(startTime)
		stats.Print(run.Clock(), run.Status())

		if resultsDB != "" {
			db, err := store.Open(resultsDB)
			if err != nil {
				logrus.Fatalf("Unable to open trajectory database: %v", err)
			}
			defer db.Close()
			cur := run.Results().Query(0, run.Clock(), nil)
			if err := db.WriteRun(run, cur); err != nil {
				logrus.Fatalf("Unable to persist trajectory: %v", err)
			}
		}

		logrus.Info("Simulation complete.")
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	runCmd.Flags().StringVar(&scenarioPath, "scenario", "", "Path to the YAML scenario file")
	runCmd.Flags().Float64Var(&horizon, "horizon", 0, "Simulated end time in seconds (0 = use scenario value)")
	runCmd.Flags().Float64Var(&maxStep, "max-step", 0, "Maximum length of one integration request in seconds (0 = use scenario value)")
	runCmd.Flags().StringVar(&logLevel, "log", "error", "Log level (trace, debug, info, warn, error, fatal, panic)")
	runCmd.Flags().StringVar(&resultsDB, "results-db", "", "SQLite trajectory database to persist results into")
	runCmd.Flags().StringSliceVar(&observe, "observe", nil, "Quantity IDs to record (e.g. bus:N1:v,dev:g1:out)")
	runCmd.Flags().Float64Var(&kernelDT, "kernel-dt", 1e-3, "Internal integration step of the reference kernel in seconds")

	rootCmd.AddCommand(runCmd)
}
