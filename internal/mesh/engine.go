package mesh

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/san-kum/jetpool/internal/parallel"
	"github.com/san-kum/jetpool/internal/sim"
)

// ErrPeer reports that a collective failed on another worker.
var ErrPeer = errors.New("mesh: collective failed on another worker")

// Engine is one worker's handle on a shared Forest. It implements sim.Engine.
type Engine struct {
	f    *Forest
	comm parallel.Comm
}

var _ sim.Engine = (*Engine)(nil)

// Engine binds the forest to a worker.
func (f *Forest) Engine(comm parallel.Comm) *Engine {
	return &Engine{f: f, comm: comm}
}

func (e *Engine) Forest() *Forest { return e.f }

// collective runs fn on the coordinator while the other workers wait, then
// shares its outcome. The leading barrier keeps readers out of the forest
// during the mutation; the closing reduction publishes it.
func (e *Engine) collective(ctx context.Context, fn func() error) error {
	if err := e.comm.Barrier(ctx); err != nil {
		return err
	}
	var ferr error
	if parallel.IsCoordinator(e.comm) {
		ferr = fn()
	}
	var failed float64
	if ferr != nil {
		failed = 1
	}
	n, err := e.comm.AllReduceSum(ctx, failed)
	if err != nil {
		return err
	}
	if ferr != nil {
		return ferr
	}
	if n > 0 {
		return ErrPeer
	}
	return nil
}

func (e *Engine) Clock() sim.Clock     { return e.f.clock }
func (e *Engine) Timestep() float64    { return e.f.timestep() }
func (e *Engine) Stats() sim.MeshStats { return e.f.Stats() }

func (e *Engine) owned() []key {
	lo, hi := parallel.Span(len(e.f.leaves), e.comm.Rank(), e.comm.Size())
	return e.f.leaves[lo:hi]
}

// Advance integrates one explicit step. Every worker computes the update of
// its own leaves; the coordinator commits them.
func (e *Engine) Advance(ctx context.Context, dt float64) error {
	if !(dt > 0) {
		return fmt.Errorf("mesh: non-positive timestep %g", dt)
	}
	f := e.f
	if err := e.collective(ctx, func() error {
		if cap(f.scratch) < len(f.leaves) {
			f.scratch = make([][sim.NumFields]float64, len(f.leaves))
		}
		f.scratch = f.scratch[:len(f.leaves)]
		return nil
	}); err != nil {
		return err
	}

	lo, hi := parallel.Span(len(f.leaves), e.comm.Rank(), e.comm.Size())
	for i := lo; i < hi; i++ {
		f.scratch[i] = f.next(f.leaves[i], dt)
	}

	return e.collective(ctx, func() error {
		for i, k := range f.leaves {
			f.nodes[k].values = f.scratch[i]
		}
		f.rebuild()
		f.clock = sim.Clock{Step: f.clock.Step + 1, Time: f.clock.Time + dt, Dt: dt}
		return nil
	})
}

func (e *Engine) Curvature(ctx context.Context) error {
	f := e.f
	return e.collective(ctx, func() error {
		kappa := make([]float64, len(f.leaves))
		for i, k := range f.leaves {
			kappa[i] = f.curvature(k)
		}
		for i, k := range f.leaves {
			f.nodes[k].values[sim.FieldKappa] = kappa[i]
		}
		f.rebuild()
		return nil
	})
}

func (e *Engine) AdaptWavelet(ctx context.Context, criteria []sim.Criterion, maxLevel, minLevel int) (sim.AdaptStats, error) {
	f := e.f
	err := e.collective(ctx, func() error {
		if maxLevel > MaxDepth || minLevel < 0 || minLevel > maxLevel {
			return fmt.Errorf("%w: adapt between %d and %d", ErrDepth, minLevel, maxLevel)
		}
		for _, c := range criteria {
			if !(c.Tolerance > 0) {
				return fmt.Errorf("mesh: non-positive tolerance %g for %s", c.Tolerance, c.Field)
			}
		}
		f.adapted = f.adapt(criteria, maxLevel, minLevel)
		return nil
	})
	if err != nil {
		return sim.AdaptStats{}, err
	}
	return f.adapted, nil
}

func (e *Engine) Refine(ctx context.Context, where func(sim.Point, int) bool, maxLevel int) error {
	f := e.f
	return e.collective(ctx, func() error {
		if maxLevel > MaxDepth {
			return fmt.Errorf("%w: %d", ErrDepth, maxLevel)
		}
		f.refine(where, maxLevel)
		return nil
	})
}

func (e *Engine) SetFraction(ctx context.Context, phi func(sim.Point) float64) error {
	f := e.f
	return e.collective(ctx, func() error {
		for _, k := range f.leaves {
			f.nodes[k].values[sim.FieldF] = f.fraction(k, phi)
		}
		f.rebuild()
		return nil
	})
}

func (e *Engine) SetVelocity(ctx context.Context, fn func(sim.Point, float64) sim.Vector) error {
	f := e.f
	return e.collective(ctx, func() error {
		for _, k := range f.leaves {
			n := f.nodes[k]
			u := fn(f.center(k), n.values[sim.FieldF])
			n.values[sim.FieldUX] = u.X
			n.values[sim.FieldUY] = u.Y
		}
		f.rebuild()
		return nil
	})
}

// LocalSum adds fn over this worker's contiguous Z-order share of the leaves.
func (e *Engine) LocalSum(fn func(sim.Cell) float64) float64 {
	sum := 0.0
	for _, k := range e.owned() {
		sum += fn(e.f.cell(k))
	}
	return sum
}

func (e *Engine) Dump(w io.Writer) error { return e.f.dump(w) }

func (e *Engine) Restore(ctx context.Context, payload []byte) error {
	f := e.f
	return e.collective(ctx, func() error { return f.restore(payload) })
}
