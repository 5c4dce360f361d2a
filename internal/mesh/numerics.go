package mesh

import (
	"math"

	"github.com/san-kum/jetpool/internal/sim"
)

// fractionSamples is the per-axis sub-sampling used to average a level-set
// indicator over a cell.
const fractionSamples = 4

// timestep is the largest stable explicit step: advective CFL, viscous
// diffusion and the configured ceiling.
func (f *Forest) timestep() float64 {
	dt := f.maxDt
	nuMax := math.Max(f.coef.Mu1/f.coef.Rho1, f.coef.Mu2/f.coef.Rho2)
	for _, k := range f.leaves {
		d := f.delta(k.level)
		v := f.nodes[k].values
		speed := math.Abs(v[sim.FieldUX]) + math.Abs(v[sim.FieldUY])
		if speed > 0 {
			dt = math.Min(dt, f.cfl*d/speed)
		}
		if nuMax > 0 {
			dt = math.Min(dt, 0.2*d*d/nuMax)
		}
	}
	return dt
}

// next computes the state of leaf k after dt from the current state. It only
// reads the forest.
func (f *Forest) next(k key, dt float64) [sim.NumFields]float64 {
	v := f.nodes[k].values
	out := v
	d := f.delta(k.level)
	ux, uy := v[sim.FieldUX], v[sim.FieldUY]

	upwind := func(fld sim.Field) float64 {
		c := v[fld]
		var gx, gy float64
		if ux > 0 {
			gx = (c - f.neighbour(k, -1, 0, fld)) / d
		} else {
			gx = (f.neighbour(k, 1, 0, fld) - c) / d
		}
		if uy > 0 {
			gy = (c - f.neighbour(k, 0, -1, fld)) / d
		} else {
			gy = (f.neighbour(k, 0, 1, fld) - c) / d
		}
		return ux*gx + uy*gy
	}
	laplacian := func(fld sim.Field) float64 {
		c := v[fld]
		return (f.neighbour(k, 1, 0, fld) + f.neighbour(k, -1, 0, fld) +
			f.neighbour(k, 0, 1, fld) + f.neighbour(k, 0, -1, fld) - 4*c) / (d * d)
	}

	frac := v[sim.FieldF]
	nu := f.coef.Viscosity(frac) / f.coef.Density(frac)

	out[sim.FieldF] = clamp01(frac - dt*upwind(sim.FieldF))
	out[sim.FieldUX] = ux + dt*(nu*laplacian(sim.FieldUX)-upwind(sim.FieldUX))
	out[sim.FieldUY] = uy + dt*(nu*laplacian(sim.FieldUY)-upwind(sim.FieldUY))

	// Conformation relaxes toward the identity on the local relaxation time.
	lambda := frac*f.coef.Lambda1 + (1-frac)*f.coef.Lambda2
	decay := 0.0
	if lambda > 0 {
		decay = math.Exp(-dt / lambda)
	}
	for _, fld := range []sim.Field{sim.FieldA11, sim.FieldA22, sim.FieldAThTh} {
		out[fld] = 1 + (v[fld]-1)*decay
	}
	out[sim.FieldA12] = v[sim.FieldA12] * decay
	return out
}

// curvature is the divergence of the interface normal, including the
// azimuthal term of the axisymmetric geometry. Cells away from the interface
// get zero.
func (f *Forest) curvature(k key) float64 {
	v := f.nodes[k].values
	c := v[sim.FieldF]
	if c <= 1e-6 || c >= 1-1e-6 {
		return 0
	}
	d := f.delta(k.level)
	e, w := f.neighbour(k, 1, 0, sim.FieldF), f.neighbour(k, -1, 0, sim.FieldF)
	n, s := f.neighbour(k, 0, 1, sim.FieldF), f.neighbour(k, 0, -1, sim.FieldF)

	fx := (e - w) / (2 * d)
	fy := (n - s) / (2 * d)
	fxx := (e - 2*c + w) / (d * d)
	fyy := (n - 2*c + s) / (d * d)
	fxy := (f.diagonal(k, 1, 1) - f.diagonal(k, 1, -1) - f.diagonal(k, -1, 1) + f.diagonal(k, -1, -1)) / (4 * d * d)

	g := math.Hypot(fx, fy)
	if g < 1e-12 {
		return 0
	}
	kappa := -(fxx*fy*fy - 2*fx*fy*fxy + fyy*fx*fx) / (g * g * g)
	y := f.center(k).Y
	if y > 0 {
		kappa -= fy / g / y
	}
	return kappa
}

// fraction averages the indicator phi > 0 over the cell of k.
func (f *Forest) fraction(k key, phi func(sim.Point) float64) float64 {
	d := f.delta(k.level)
	x0, y0 := float64(k.i)*d, float64(k.j)*d
	inside := 0
	for a := 0; a < fractionSamples; a++ {
		for b := 0; b < fractionSamples; b++ {
			p := sim.Point{
				X: x0 + (float64(a)+0.5)*d/fractionSamples,
				Y: y0 + (float64(b)+0.5)*d/fractionSamples,
			}
			if phi(p) > 0 {
				inside++
			}
		}
	}
	return float64(inside) / (fractionSamples * fractionSamples)
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
