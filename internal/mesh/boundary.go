package mesh

import (
	"github.com/san-kum/jetpool/internal/bc"
	"github.com/san-kum/jetpool/internal/sim"
)

// quantity maps a field on an edge to the boundary quantity that governs it.
// Fields without a declared quantity are zero-gradient.
func quantity(e bc.Edge, fld sim.Field) (bc.Quantity, bool) {
	normalX := e == bc.Left || e == bc.Right
	switch fld {
	case sim.FieldF:
		return bc.Fraction, true
	case sim.FieldUX:
		if normalX {
			return bc.NormalVelocity, true
		}
		return bc.TangentialVelocity, true
	case sim.FieldUY:
		if normalX {
			return bc.TangentialVelocity, true
		}
		return bc.NormalVelocity, true
	case sim.FieldP:
		return bc.Pressure, true
	}
	return 0, false
}

func edgeOf(dx, dy int) bc.Edge {
	switch {
	case dx < 0:
		return bc.Left
	case dx > 0:
		return bc.Right
	case dy < 0:
		return bc.Bottom
	default:
		return bc.Top
	}
}

// neighbour samples fld one cell away from k in a face direction. Outside
// the domain it returns the ghost value implied by the boundary condition:
// the mirror of the interior value through the boundary face value. The
// bottom edge is the symmetry axis, where the radial velocity is odd.
func (f *Forest) neighbour(k key, dx, dy int, fld sim.Field) float64 {
	nk := key{k.level, k.i + dx, k.j + dy}
	if f.inside(nk) {
		return f.sample(nk, fld)
	}

	interior := f.nodes[k].values
	e := edgeOf(dx, dy)
	if e == bc.Bottom {
		if fld == sim.FieldUY || fld == sim.FieldA12 {
			return -interior[fld]
		}
		return interior[fld]
	}

	q, ok := quantity(e, fld)
	if !ok {
		return interior[fld]
	}
	c := f.center(k)
	d := f.delta(k.level)
	p := bc.Point{X: c.X, Y: c.Y}
	switch e {
	case bc.Left:
		p.X = 0
	case bc.Right:
		p.X = f.size
	case bc.Top:
		p.Y = f.size
	}
	face := f.bcs.Lookup(e, q).Ghost(p, interior[fld], interior[sim.FieldF], d/2)
	return 2*face - interior[fld]
}

// diagonal samples fld at a corner neighbour, clamping to the domain.
func (f *Forest) diagonal(k key, dx, dy int) float64 {
	n := 1 << k.level
	nk := key{k.level, clampInt(k.i+dx, 0, n-1), clampInt(k.j+dy, 0, n-1)}
	return f.sample(nk, sim.FieldF)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
