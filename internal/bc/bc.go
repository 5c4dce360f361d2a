// Package bc declares the boundary conditions of the jet-on-pool domain.
//
// The domain is the axisymmetric half plane x in [0, L0] (axial), y in [0, L0]
// (radial distance r from the jet axis). The left edge is the jet inlet, the
// right and top edges are open outflow boundaries, and the bottom edge is the
// symmetry axis handled by the engine itself.
//
// Conditions are pure functions of position and of the interior value next to
// the boundary; the engine evaluates them whenever it fills a ghost value.
package bc

import (
	"fmt"
	"math"
)

type Kind uint8

const (
	Dirichlet Kind = iota
	Neumann
)

func (k Kind) String() string {
	switch k {
	case Dirichlet:
		return "dirichlet"
	case Neumann:
		return "neumann"
	}
	return fmt.Sprintf("Kind(%d)", k)
}

type Edge uint8

const (
	Left Edge = iota
	Right
	Top
	Bottom
)

func (e Edge) String() string {
	switch e {
	case Left:
		return "left"
	case Right:
		return "right"
	case Top:
		return "top"
	case Bottom:
		return "bottom"
	}
	return fmt.Sprintf("Edge(%d)", e)
}

// Quantity names a boundary-bearing field. Normal and tangential components
// are relative to the edge: on the left edge the normal velocity is u.x.
type Quantity uint8

const (
	Fraction Quantity = iota
	NormalVelocity
	TangentialVelocity
	FaceNormalVelocity
	FaceTangentialVelocity
	Pressure
)

var quantityNames = [...]string{"f", "u.n", "u.t", "uf.n", "uf.t", "p"}

func (q Quantity) String() string {
	if int(q) < len(quantityNames) {
		return quantityNames[q]
	}
	return fmt.Sprintf("Quantity(%d)", q)
}

// Point is a boundary location. X is axial, Y is radial.
type Point struct {
	X, Y float64
}

// Condition is either a Dirichlet value or a Neumann (zero-gradient) flux.
// For Dirichlet conditions Value receives the boundary point and the
// boundary volume fraction, so velocity profiles can be weighted by f.
type Condition struct {
	Kind     Kind
	Gradient float64
	Value    func(p Point, f float64) float64
}

// Ghost returns the boundary value given the adjacent interior value and the
// distance from the interior cell centre to the boundary face.
func (c Condition) Ghost(p Point, interior, f, dist float64) float64 {
	if c.Kind == Neumann {
		return interior + c.Gradient*dist
	}
	if c.Value == nil {
		return 0
	}
	return c.Value(p, f)
}

func Zero(Point, float64) float64 { return 0 }

func NeumannZero() Condition { return Condition{Kind: Neumann} }

func DirichletValue(fn func(p Point, f float64) float64) Condition {
	return Condition{Kind: Dirichlet, Value: fn}
}

// Set maps an edge and quantity to its condition. Missing entries default to
// zero-gradient.
type Set struct {
	conds map[Edge]map[Quantity]Condition
}

func NewSet() *Set {
	return &Set{conds: make(map[Edge]map[Quantity]Condition)}
}

func (s *Set) Declare(e Edge, q Quantity, c Condition) *Set {
	m, ok := s.conds[e]
	if !ok {
		m = make(map[Quantity]Condition)
		s.conds[e] = m
	}
	m[q] = c
	return s
}

func (s *Set) Lookup(e Edge, q Quantity) Condition {
	if m, ok := s.conds[e]; ok {
		if c, ok := m[q]; ok {
			return c
		}
	}
	return NeumannZero()
}

// JetInlet is the smoothed inflow profile of a unit-radius jet entering
// through the left edge.
type JetInlet struct {
	// Epsilon is the interface thickness of the tanh blend.
	Epsilon float64
}

// Fraction is 1 inside the jet core, 0 outside, blended across the
// interface thickness.
func (j JetInlet) Fraction(r float64) float64 {
	switch {
	case r > 1+j.Epsilon:
		return 0
	case r < 1-j.Epsilon:
		return 1
	}
	return 0.5 * (1 + math.Tanh((1-r*r)/j.Epsilon))
}

// NormalVelocity is the Poiseuille profile 2(1-r^2), twice the mean velocity
// on the axis, weighted by the inlet volume fraction f.
func (j JetInlet) NormalVelocity(r, f float64) float64 {
	return f * 2 * (1 - r*r)
}

// JetOnPool returns the boundary set of the jet-on-pool configuration.
func JetOnPool(epsilon float64) *Set {
	inlet := JetInlet{Epsilon: epsilon}
	s := NewSet()

	s.Declare(Left, Fraction, DirichletValue(func(p Point, _ float64) float64 {
		return inlet.Fraction(p.Y)
	}))
	s.Declare(Left, NormalVelocity, DirichletValue(func(p Point, f float64) float64 {
		return inlet.NormalVelocity(p.Y, f)
	}))
	s.Declare(Left, TangentialVelocity, DirichletValue(Zero))

	for _, e := range []Edge{Right, Top} {
		s.Declare(e, NormalVelocity, NeumannZero())
		s.Declare(e, TangentialVelocity, NeumannZero())
		s.Declare(e, FaceNormalVelocity, NeumannZero())
		s.Declare(e, FaceTangentialVelocity, NeumannZero())
		s.Declare(e, Pressure, DirichletValue(Zero))
	}
	return s
}
