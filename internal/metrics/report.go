package metrics

import (
	"context"
	"fmt"
	"io"

	"github.com/san-kum/jetpool/internal/parallel"
	"github.com/san-kum/jetpool/internal/sim"
)

// Report is the end-of-run stage: once the clock reaches end, the
// coordinator prints the run banner to the status stream.
func Report(comm parallel.Comm, end float64, header string, status io.Writer) sim.Event {
	return sim.Event{
		Name: "end",
		When: sim.At{T: end},
		Do: func(_ context.Context, _ sim.Clock) (sim.Signal, error) {
			if parallel.IsCoordinator(comm) && status != nil {
				fmt.Fprintln(status, header)
			}
			return sim.Continue, nil
		},
	}
}
