package sim

import (
	"fmt"
	"time"
)

// Stats aggregates bookkeeping about a run for final reporting. Useful
// for judging how much discrete activity a scenario produced and for
// debugging event ordering.
type Stats struct {
	Steps           int // completed integration segments
	EventsApplied   int // scheduled events applied
	EventsSkipped   int // events skipped on recoverable validation errors
	Detections      int // solver-reported detections converted to events
	SamplesRecorded int
	WallDuration    time.Duration
}

// Print displays the aggregated run statistics.
func (st *Stats) Print(finalTime float64, status Status) {
	fmt.Println("=== Simulation Summary ===")
	fmt.Printf("Status            : %s\n", status)
	fmt.Printf("Simulated time    : %.4f s\n", finalTime)
	fmt.Printf("Integration steps : %d\n", st.Steps)
	fmt.Printf("Events applied    : %d\n", st.EventsApplied)
	if st.EventsSkipped > 0 {
		fmt.Printf("Events skipped    : %d\n", st.EventsSkipped)
	}
	fmt.Printf("Detections        : %d\n", st.Detections)
	fmt.Printf("Samples recorded  : %d\n", st.SamplesRecorded)
	fmt.Printf("Wall-clock time   : %s\n", st.WallDuration)
}
