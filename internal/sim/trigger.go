package sim

import "math"

// timeTol is the matching tolerance of periodic triggers, in units of the
// trigger's interval.
const timeTol = 1e-6

// endTol is the relative tolerance of single-time triggers. NextStep lands
// the clock on T up to rounding, so this only absorbs accumulated round-off.
const endTol = 1e-9

// Trigger decides whether an event fires on a given clock. Triggers are pure
// functions of the clock.
type Trigger interface {
	Due(c Clock) bool
	// Next returns the earliest firing time strictly after t, or +Inf when
	// the trigger is not time based or has no further firings.
	Next(t float64) float64
}

type everyStep struct{}

// EveryStep fires on every step.
func EveryStep() Trigger { return everyStep{} }

func (everyStep) Due(Clock) bool       { return true }
func (everyStep) Next(float64) float64 { return math.Inf(1) }

// Periodic fires at Start, Start+Interval, ... up to and including End.
type Periodic struct {
	Start    float64
	Interval float64
	End      float64
}

func (p Periodic) index(t float64) float64 {
	return (t - p.Start) / p.Interval
}

func (p Periodic) Due(c Clock) bool {
	x := p.index(c.Time)
	if x < -timeTol {
		return false
	}
	k := math.Round(x)
	if math.Abs(x-k) > timeTol {
		return false
	}
	return p.Start+k*p.Interval <= p.End+timeTol*p.Interval
}

func (p Periodic) Next(t float64) float64 {
	x := p.index(t)
	var k float64
	if x < -timeTol {
		k = 0
	} else {
		k = math.Floor(x+timeTol) + 1
	}
	next := p.Start + k*p.Interval
	if next > p.End+timeTol*p.Interval {
		return math.Inf(1)
	}
	return next
}

// Times returns every firing time of p, in order.
func (p Periodic) Times() []float64 {
	var out []float64
	for k := 0.0; ; k++ {
		t := p.Start + k*p.Interval
		if t > p.End+timeTol*p.Interval {
			return out
		}
		out = append(out, t)
	}
}

// At fires once the clock reaches T.
type At struct {
	T float64
}

func (a At) tol() float64 {
	return endTol * math.Max(1, math.Abs(a.T))
}

func (a At) Due(c Clock) bool { return c.Time >= a.T-a.tol() }

func (a At) Next(t float64) float64 {
	if t < a.T-a.tol() {
		return a.T
	}
	return math.Inf(1)
}

// NextStep clamps a proposed step dt so that time t lands exactly on the
// next event time tnext. When tnext is more than one step away the remaining
// interval is split into equal steps no larger than dt.
func NextStep(t, dt, tnext float64) float64 {
	if math.IsInf(tnext, 1) || tnext <= t {
		return dt
	}
	gap := tnext - t
	n := math.Floor(gap / dt)
	if n == 0 {
		return gap
	}
	dt1 := gap / n
	if dt1 > dt*(1+1e-8) {
		return gap / (n + 1)
	}
	return dt1
}
