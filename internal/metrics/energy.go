package metrics

import (
	"context"
	"math"

	"github.com/san-kum/jetpool/internal/config"
	"github.com/san-kum/jetpool/internal/parallel"
	"github.com/san-kum/jetpool/internal/sim"
)

// KineticEnergy returns the per-cell integrand of the axisymmetric kinetic
// energy: 2πr · ½ρ|u|² · Δ².
func KineticEnergy(coef config.Coefficients) func(sim.Cell) float64 {
	return func(c sim.Cell) float64 {
		ux, uy := c.Values[sim.FieldUX], c.Values[sim.FieldUY]
		rho := coef.Density(c.Values[sim.FieldF])
		return 2 * math.Pi * c.Center.Y * 0.5 * rho * (ux*ux + uy*uy) * c.Delta * c.Delta
	}
}

// Energy integrates the kinetic energy over the whole domain.
type Energy struct {
	engine    sim.Engine
	comm      parallel.Comm
	integrand func(sim.Cell) float64
}

func NewEnergy(engine sim.Engine, comm parallel.Comm, coef config.Coefficients) *Energy {
	return &Energy{
		engine:    engine,
		comm:      comm,
		integrand: KineticEnergy(coef),
	}
}

// Measure sums the local integral over every worker. Collective.
func (e *Energy) Measure(ctx context.Context) (float64, error) {
	local := e.engine.LocalSum(e.integrand)
	return e.comm.AllReduceSum(ctx, local)
}
