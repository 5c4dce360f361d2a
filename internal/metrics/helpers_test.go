package metrics

import (
	"context"
	"io"

	"github.com/san-kum/jetpool/internal/sim"
)

// scriptedEngine reports a kinetic energy chosen per step.
type scriptedEngine struct {
	clock  sim.Clock
	energy func(step int) float64
}

func (e *scriptedEngine) Clock() sim.Clock                        { return e.clock }
func (e *scriptedEngine) Timestep() float64                       { return 1e-3 }
func (e *scriptedEngine) Curvature(context.Context) error         { return nil }
func (e *scriptedEngine) Dump(io.Writer) error                    { return nil }
func (e *scriptedEngine) Restore(context.Context, []byte) error   { return nil }
func (e *scriptedEngine) Stats() sim.MeshStats                    { return sim.MeshStats{} }
func (e *scriptedEngine) LocalSum(func(sim.Cell) float64) float64 { return e.energy(e.clock.Step) }

func (e *scriptedEngine) Advance(_ context.Context, dt float64) error {
	e.clock = sim.Clock{Step: e.clock.Step + 1, Time: e.clock.Time + dt, Dt: dt}
	return nil
}

func (e *scriptedEngine) AdaptWavelet(context.Context, []sim.Criterion, int, int) (sim.AdaptStats, error) {
	return sim.AdaptStats{}, nil
}

func (e *scriptedEngine) Refine(context.Context, func(sim.Point, int) bool, int) error { return nil }

func (e *scriptedEngine) SetFraction(context.Context, func(sim.Point) float64) error { return nil }

func (e *scriptedEngine) SetVelocity(context.Context, func(sim.Point, float64) sim.Vector) error {
	return nil
}

type forcedCall struct {
	clock  sim.Clock
	resume int
}

type recordingCheckpointer struct {
	calls []forcedCall
}

func (r *recordingCheckpointer) Force(_ context.Context, c sim.Clock, resume int) error {
	r.calls = append(r.calls, forcedCall{clock: c, resume: resume})
	return nil
}
