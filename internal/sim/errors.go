package sim

import (
	"errors"
	"fmt"
)

var (
	// ErrClockStalled indicates the engine did not move time forward.
	ErrClockStalled = errors.New("sim: clock did not advance")

	// ErrBadTimestep indicates a non-positive or non-finite step size.
	ErrBadTimestep = errors.New("sim: invalid timestep")

	// ErrNoEnd indicates the scheduler was built without a positive end time.
	ErrNoEnd = errors.New("sim: end time must be positive")
)

// StepError wraps a failure with the clock and event it occurred in.
type StepError struct {
	Step  int
	Time  float64
	Event string
	Err   error
}

func (e *StepError) Error() string {
	if e.Event == "" {
		return fmt.Sprintf("step %d (t=%.4f): %v", e.Step, e.Time, e.Err)
	}
	return fmt.Sprintf("step %d (t=%.4f) %s: %v", e.Step, e.Time, e.Event, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
