package metrics

import (
	"fmt"
	"math"

	"github.com/san-kum/jetpool/internal/config"
)

type Verdict uint8

const (
	Healthy Verdict = iota
	// Negative energy beyond numerical noise. The state is suspect, so no
	// checkpoint is taken.
	Negative
	BlewUp
	Stalled
)

func (v Verdict) String() string {
	switch v {
	case Negative:
		return "negative"
	case BlewUp:
		return "blew_up"
	case Stalled:
		return "stalled"
	default:
		return "healthy"
	}
}

// Halts reports whether v stops the run.
func (v Verdict) Halts() bool { return v != Healthy }

// Checkpoints reports whether a halt with verdict v preserves the state first.
func (v Verdict) Checkpoints() bool { return v == BlewUp || v == Stalled }

// Message is the human-readable halt line for v.
func (v Verdict) Message(ke float64) string {
	switch v {
	case Negative:
		return fmt.Sprintf("kinetic energy is negative (%g), numerical inconsistency. Stopping!", ke)
	case BlewUp:
		return "The kinetic energy blew up. Stopping simulation"
	case Stalled:
		return "kinetic energy too small now! Stopping!"
	default:
		return ""
	}
}

// Policy is the energy admissibility window. The negative check applies from
// step 0; the ceiling and floor only once the warm-up is over.
type Policy struct {
	NegativeTolerance float64
	WarmupSteps       int
	Ceiling           float64
	Floor             float64
}

func NewPolicy(t config.Termination) Policy {
	return Policy{
		NegativeTolerance: t.NegativeTolerance,
		WarmupSteps:       t.WarmupSteps,
		Ceiling:           t.EnergyCeiling,
		Floor:             t.EnergyFloor,
	}
}

// Judge classifies the energy logged on step. NaN counts as a blow-up at any
// step.
func (p Policy) Judge(step int, ke float64) Verdict {
	if math.IsNaN(ke) || math.IsInf(ke, 1) {
		return BlewUp
	}
	if ke < -p.NegativeTolerance {
		return Negative
	}
	if step <= p.WarmupSteps {
		return Healthy
	}
	if ke > p.Ceiling {
		return BlewUp
	}
	if ke < p.Floor {
		return Stalled
	}
	return Healthy
}
