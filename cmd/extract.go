package cmd

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/transient-sim/transient-sim/sim/store"
)

var (
	extractDB    string   // Trajectory database path
	extractRun   string   // Run ID to extract (empty = most recent)
	extractFrom  float64  // Range start in seconds
	extractTo    float64  // Range end in seconds (0 = unbounded)
	extractQuant []string // Quantity IDs to extract (empty = all)
)

// extractCmd reads persisted trajectories back out of a results database
var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract recorded quantities from a trajectory database",
	Run: func(cmd *cobra.Command, args []string) {
		if extractDB == "" {
			logrus.Fatalf("No trajectory database provided.")
		}
		db, err := store.Open(extractDB)
		if err != nil {
			logrus.Fatalf("Unable to open trajectory database: %v", err)
		}
		defer db.Close()

		runID := extractRun
		if runID == "" {
			runs, err := db.Runs()
			if err != nil {
				logrus.Fatalf("Unable to list runs: %v", err)
			}
			if len(runs) == 0 {
				logrus.Fatalf("Trajectory database contains no runs.")
			}
			runID = runs[0]
		}

		to := extractTo
		if to <= 0 {
			to = math.Inf(1)
		}
		points, err := db.Extract(runID, extractFrom, to, extractQuant)
		if err != nil {
			logrus.Fatalf("Unable to extract run %s: %v", runID, err)
		}
		for _, p := range points {
			fmt.Printf("%.6f\t%s\t%.9g\n", p.Time, p.Quantity, p.Value)
		}
	},
}

func init() {
	extractCmd.Flags().StringVar(&extractDB, "results-db", "", "SQLite trajectory database to read")
	extractCmd.Flags().StringVar(&extractRun, "run", "", "Run ID to extract (default: most recent)")
	extractCmd.Flags().Float64Var(&extractFrom, "from", 0, "Range start in seconds")
	extractCmd.Flags().Float64Var(&extractTo, "to", 0, "Range end in seconds (0 = unbounded)")
	extractCmd.Flags().StringSliceVar(&extractQuant, "quantities", nil, "Quantity IDs to extract (default: all)")

	rootCmd.AddCommand(extractCmd)
}
