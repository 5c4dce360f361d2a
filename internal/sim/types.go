package sim

import (
	"context"
	"fmt"
	"io"
)

// Clock is the simulation clock. Only Engine.Advance moves it.
type Clock struct {
	Step int
	Time float64
	// Dt is the size of the step that produced Time; zero before the first step.
	Dt float64
}

type Field uint8

const (
	FieldF Field = iota
	FieldUX
	FieldUY
	FieldP
	FieldKappa
	FieldA11
	FieldA22
	FieldAThTh
	FieldA12
	NumFields
)

var fieldNames = [...]string{"f", "u.x", "u.y", "p", "KAPPA", "A11", "A22", "AThTh", "A12"}

func (f Field) String() string {
	if int(f) < len(fieldNames) {
		return fieldNames[f]
	}
	return fmt.Sprintf("Field(%d)", f)
}

// Point is a position in the axisymmetric half plane: X axial, Y radial.
type Point struct {
	X, Y float64
}

type Vector struct {
	X, Y float64
}

// Cell is a read-only view of one mesh cell handed to integrands.
type Cell struct {
	Center Point
	Delta  float64
	Level  int
	Values [NumFields]float64
}

// Criterion pairs a monitored field with its absolute error tolerance.
type Criterion struct {
	Field     Field
	Tolerance float64
}

type AdaptStats struct {
	Refined   int
	Coarsened int
	Leaves    int
}

type MeshStats struct {
	Leaves   int
	MinLevel int
	MaxLevel int
}

// Engine is the numerical field solver driven by the control loop. Methods
// documented as collective must be called by every worker in the same order.
type Engine interface {
	Clock() Clock

	// Timestep proposes the largest stable step for the current state.
	Timestep() float64
	// Advance moves every field and the clock forward by dt. Collective.
	Advance(ctx context.Context, dt float64) error

	// Curvature fills the curvature field from the volume fraction. Collective.
	Curvature(ctx context.Context) error
	// AdaptWavelet refines cells where any criterion's error estimate exceeds
	// its tolerance and coarsens where all are well below. Collective.
	AdaptWavelet(ctx context.Context, criteria []Criterion, maxLevel, minLevel int) (AdaptStats, error)
	// Refine splits leaves matching where until maxLevel. Collective.
	Refine(ctx context.Context, where func(p Point, level int) bool, maxLevel int) error

	// SetFraction sets the volume fraction to the cell-averaged fraction of
	// the region phi > 0. Collective.
	SetFraction(ctx context.Context, phi func(p Point) float64) error
	// SetVelocity sets the velocity from the cell centre and its volume
	// fraction. Collective.
	SetVelocity(ctx context.Context, fn func(p Point, f float64) Vector) error

	// LocalSum integrates fn over the cells owned by this worker only.
	LocalSum(fn func(c Cell) float64) float64

	// Dump serializes the full state including the clock. Read-only.
	Dump(w io.Writer) error
	// Restore replaces the full state with a Dump payload. Collective.
	Restore(ctx context.Context, payload []byte) error

	Stats() MeshStats
}

// Signal is an event's verdict on whether the run may continue.
type Signal uint8

const (
	Continue Signal = iota
	Halt
)

func (s Signal) String() string {
	if s == Halt {
		return "halt"
	}
	return "continue"
}

// Action is an event body. It receives a copy of the clock and must not
// advance it.
type Action func(ctx context.Context, c Clock) (Signal, error)

// Event is a named action with a firing trigger.
type Event struct {
	Name string
	When Trigger
	Do   Action
}

// Observer is notified after every completed step.
type Observer interface {
	OnStep(c Clock, stats MeshStats)
}

type Result struct {
	Clock Clock
	// Steps counts timesteps advanced by this invocation.
	Steps  int
	Halted bool
	// HaltedBy names the event that requested the halt; empty when the halt
	// came from another worker.
	HaltedBy string
}
